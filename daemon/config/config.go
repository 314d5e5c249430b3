// Package config holds the daemon's settings, and merges the settings file
// with the command-line flags.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const (
	// DefaultRestartDelay is how long a failed relay waits before it is
	// started again.
	DefaultRestartDelay = 3 * time.Second
	// DefaultConnectSlots is the number of concurrent connects to a TCP
	// destination.
	DefaultConnectSlots = 4
	// DefaultPendingQueue is the number of accepted TCP clients that may
	// wait for a connect slot.
	DefaultPendingQueue = 64
	// DefaultLogLevel is the log level used when none is configured.
	DefaultLogLevel = "info"
)

// flatOptions lists the flags that are not settings and never appear in the
// settings file.
var flatOptions = map[string]bool{
	"config-file": true,
	"version":     true,
	"help":        true,
}

// Config defines the configuration of the relay daemon. The toml tags use
// the same names as the command-line flags.
type Config struct {
	LogLevel       string           `toml:"log-level,omitempty"`
	LogFormat      log.OutputFormat `toml:"log-format,omitempty"`
	MetricsAddress string           `toml:"metrics-addr,omitempty"`
	TraceEndpoint  string           `toml:"trace-endpoint,omitempty"`
	RestartDelay   time.Duration    `toml:"restart-delay,omitempty"`
	ConnectSlots   int              `toml:"connect-slots,omitempty"`
	PendingQueue   int              `toml:"pending-queue,omitempty"`
	// TCPHalfClose forwards a half-close from one peer to the other instead
	// of closing the whole connection.
	TCPHalfClose bool `toml:"tcp-half-close,omitempty"`
}

// New returns a new fully initialized Config struct with default values set.
func New() *Config {
	return &Config{
		LogLevel:     DefaultLogLevel,
		LogFormat:    log.TextFormat,
		RestartDelay: DefaultRestartDelay,
		ConnectSlots: DefaultConnectSlots,
		PendingQueue: DefaultPendingQueue,
	}
}

// MergeConfigurations reads the settings file at configFile and merges it
// with the configuration set by the flags. Settings given both in the file
// and as a flag are an error.
func MergeConfigurations(flagsConfig *Config, flags *pflag.FlagSet, configFile string) (*Config, error) {
	fileConfig, err := getConflictFreeConfiguration(configFile, flags)
	if err != nil {
		return nil, err
	}

	// Values from the file win over flag defaults; explicitly set flags
	// cannot collide with the file, see findConfigurationConflicts.
	if flagsConfig != nil {
		if err := mergo.Merge(fileConfig, flagsConfig); err != nil {
			return nil, err
		}
	}

	if err := Validate(fileConfig); err != nil {
		return nil, errors.Wrap(err, "merged configuration validation from file and command line flags failed")
	}
	return fileConfig, nil
}

// getConflictFreeConfiguration loads the configuration from a TOML file.
// It compares that configuration with the one provided by the flags,
// and returns an error if there are conflicts.
func getConflictFreeConfiguration(configFile string, flags *pflag.FlagSet) (*Config, error) {
	b, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	// Strip the UTF-8 BOM if present.
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))

	tree, err := toml.LoadBytes(b)
	if err != nil {
		return nil, errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("invalid settings file %s: %v", configFile, err))
	}

	if flags != nil {
		if err := findConfigurationConflicts(tree.ToMap(), flags); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := tree.Unmarshal(&config); err != nil {
		return nil, errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("invalid settings file %s: %v", configFile, err))
	}
	return &config, nil
}

// findConfigurationConflicts iterates over the provided flags searching for
// duplicated configurations and unknown keys. It returns an error with all
// the conflicts if it finds any.
func findConfigurationConflicts(config map[string]interface{}, flags *pflag.FlagSet) error {
	var unknownKeys []string
	for key := range config {
		if flatOptions[key] || flags.Lookup(key) == nil {
			unknownKeys = append(unknownKeys, key)
		}
	}
	if len(unknownKeys) > 0 {
		sort.Strings(unknownKeys)
		return errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("the following directives don't match any configuration option: %s", strings.Join(unknownKeys, ", ")))
	}

	var conflicts []string
	printConflict := func(name string, flagValue string, fileValue interface{}) string {
		return fmt.Sprintf("%s: (from flag: %v, from file: %v)", name, flagValue, fileValue)
	}
	flags.Visit(func(f *pflag.Flag) {
		if value, ok := config[f.Name]; ok {
			conflicts = append(conflicts, printConflict(f.Name, f.Value.String(), value))
		}
	})
	if len(conflicts) > 0 {
		return errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("the following directives are specified both as a flag and in the configuration file: %s", strings.Join(conflicts, ", ")))
	}
	return nil
}

// Validate validates some specific configs.
func Validate(config *Config) error {
	if config.LogLevel != "" {
		if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
			return errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("invalid logging level: %s", config.LogLevel))
		}
	}
	switch config.LogFormat {
	case "", log.TextFormat, log.JSONFormat:
	default:
		return errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("invalid log format: %s, must be %s or %s", config.LogFormat, log.TextFormat, log.JSONFormat))
	}
	if config.TraceEndpoint != "" {
		if u, err := url.Parse(config.TraceEndpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("invalid trace endpoint: %s, must be an http or https URL", config.TraceEndpoint))
		}
	}
	if config.RestartDelay <= 0 {
		return errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("invalid restart delay: %s", config.RestartDelay))
	}
	if config.ConnectSlots <= 0 {
		return errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("invalid connect slots: %d", config.ConnectSlots))
	}
	if config.PendingQueue <= 0 {
		return errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("invalid pending queue: %d", config.PendingQueue))
	}
	return nil
}
