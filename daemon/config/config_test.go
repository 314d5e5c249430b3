package config

import (
	"os"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/spf13/pflag"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func testFlags(conf *Config) *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("config-file", "", "")
	flags.StringVar(&conf.LogLevel, "log-level", conf.LogLevel, "")
	flags.String("log-format", string(conf.LogFormat), "")
	flags.StringVar(&conf.MetricsAddress, "metrics-addr", conf.MetricsAddress, "")
	flags.StringVar(&conf.TraceEndpoint, "trace-endpoint", conf.TraceEndpoint, "")
	flags.DurationVar(&conf.RestartDelay, "restart-delay", conf.RestartDelay, "")
	flags.IntVar(&conf.ConnectSlots, "connect-slots", conf.ConnectSlots, "")
	flags.IntVar(&conf.PendingQueue, "pending-queue", conf.PendingQueue, "")
	flags.BoolVar(&conf.TCPHalfClose, "tcp-half-close", conf.TCPHalfClose, "")
	return flags
}

func TestConfigurationNotFound(t *testing.T) {
	_, err := MergeConfigurations(New(), nil, "/tmp/foo-bar-baz-portrelay")
	assert.Check(t, os.IsNotExist(err), "got: %[1]T: %[1]v", err)
}

func TestBrokenConfiguration(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent(`log-level = "debug`))
	defer configFile.Remove()

	_, err := MergeConfigurations(New(), nil, configFile.Path())
	assert.Check(t, errdefs.IsInvalidArgument(err))
	assert.Check(t, is.ErrorContains(err, "invalid settings file"))
}

// The UTF-8 byte order mark is ignored when reading the settings file.
func TestConfigurationWithBOM(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent("\xef\xbb\xbflog-level = \"debug\"\n"))
	defer configFile.Remove()

	conf, err := MergeConfigurations(New(), nil, configFile.Path())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(conf.LogLevel, "debug"))
}

func TestMergeConfigurations(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent(`
log-level = "warn"
log-format = "json"
restart-delay = "10s"
connect-slots = 16
tcp-half-close = true
`))
	defer configFile.Remove()

	conf := New()
	flags := testFlags(conf)
	assert.NilError(t, flags.Set("pending-queue", "8"))

	merged, err := MergeConfigurations(conf, flags, configFile.Path())
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(merged, &Config{
		LogLevel:     "warn",
		LogFormat:    log.JSONFormat,
		RestartDelay: 10 * time.Second,
		ConnectSlots: 16,
		PendingQueue: 8,
		TCPHalfClose: true,
	}))
}

func TestMergeConfigurationsEmptyFile(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent(""))
	defer configFile.Remove()

	conf := New()
	merged, err := MergeConfigurations(conf, testFlags(conf), configFile.Path())
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(merged, New()))
}

func TestMergeConfigurationsConflicts(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent("connect-slots = 2\n"))
	defer configFile.Remove()

	conf := New()
	flags := testFlags(conf)
	assert.NilError(t, flags.Set("connect-slots", "8"))

	_, err := MergeConfigurations(conf, flags, configFile.Path())
	assert.Check(t, errdefs.IsInvalidArgument(err))
	assert.Check(t, is.ErrorContains(err, "the following directives are specified both as a flag and in the configuration file: connect-slots: (from flag: 8, from file: 2)"))
}

func TestMergeConfigurationsLogFormatConflict(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent("log-format = \"json\"\n"))
	defer configFile.Remove()

	conf := New()
	flags := testFlags(conf)
	assert.NilError(t, flags.Set("log-format", "text"))

	_, err := MergeConfigurations(conf, flags, configFile.Path())
	assert.Check(t, errdefs.IsInvalidArgument(err))
	assert.Check(t, is.ErrorContains(err, "log-format: (from flag: text, from file: json)"))
}

func TestMergeConfigurationsValidation(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent("pending-queue = -1\n"))
	defer configFile.Remove()

	conf := New()
	_, err := MergeConfigurations(conf, testFlags(conf), configFile.Path())
	assert.Check(t, is.ErrorContains(err, "invalid pending queue: -1"))
}

func TestFindConfigurationConflictsWithUnknownKeys(t *testing.T) {
	config := map[string]interface{}{"tcp-halfclose": true, "config-file": "/etc/portrelay.toml"}
	flags := testFlags(New())

	err := findConfigurationConflicts(config, flags)
	assert.Check(t, is.ErrorContains(err, "the following directives don't match any configuration option: config-file, tcp-halfclose"))
}

func TestFindConfigurationConflicts(t *testing.T) {
	config := map[string]interface{}{"log-level": "debug"}
	flags := testFlags(New())

	assert.NilError(t, findConfigurationConflicts(config, flags))

	assert.NilError(t, flags.Set("log-level", "error"))
	err := findConfigurationConflicts(config, flags)
	assert.Check(t, is.ErrorContains(err, "log-level: (from flag: error, from file: debug)"))
}

func TestValidateConfigurationErrors(t *testing.T) {
	testCases := []struct {
		name        string
		config      *Config
		expectedErr string
	}{
		{
			name:        "invalid log level",
			config:      &Config{LogLevel: "loud", ConnectSlots: 1, PendingQueue: 1, RestartDelay: time.Second},
			expectedErr: "invalid logging level: loud",
		},
		{
			name:        "invalid log format",
			config:      &Config{LogFormat: "xml", ConnectSlots: 1, PendingQueue: 1, RestartDelay: time.Second},
			expectedErr: "invalid log format: xml, must be text or json",
		},
		{
			name:        "trace endpoint without scheme",
			config:      &Config{TraceEndpoint: "collector:4318", ConnectSlots: 1, PendingQueue: 1, RestartDelay: time.Second},
			expectedErr: "invalid trace endpoint: collector:4318, must be an http or https URL",
		},
		{
			name:        "zero restart delay",
			config:      &Config{ConnectSlots: 1, PendingQueue: 1},
			expectedErr: "invalid restart delay: 0s",
		},
		{
			name:        "zero connect slots",
			config:      &Config{PendingQueue: 1, RestartDelay: time.Second},
			expectedErr: "invalid connect slots: 0",
		},
		{
			name:        "negative pending queue",
			config:      &Config{ConnectSlots: 1, PendingQueue: -4, RestartDelay: time.Second},
			expectedErr: "invalid pending queue: -4",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.config)
			assert.Check(t, errdefs.IsInvalidArgument(err))
			assert.Check(t, is.Error(err, tc.expectedErr))
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	assert.NilError(t, Validate(New()))
}
