package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/docker/go-metrics"
	"github.com/pkg/errors"
	"github.com/portrelay/portrelay/daemon/config"
	"github.com/portrelay/portrelay/daemon/events"
	"github.com/portrelay/portrelay/daemon/mapping"
	"github.com/portrelay/portrelay/daemon/relay"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

type daemonOptions struct {
	version      bool
	configFile   string
	mappingFile  string
	daemonConfig *config.Config
	flags        *pflag.FlagSet
}

func newDaemonOptions(conf *config.Config) *daemonOptions {
	return &daemonOptions{daemonConfig: conf}
}

func (o *daemonOptions) installFlags(flags *pflag.FlagSet) {
	flags.BoolVarP(&o.version, "version", "v", false, "Print version information and quit")
	flags.StringVar(&o.configFile, flagConfigFile, "", "Settings file (TOML)")
}

func newDaemonCommand() *cobra.Command {
	opts := newDaemonOptions(config.New())

	cmd := &cobra.Command{
		Use:           "portrelay [OPTIONS] MAPPING-FILE",
		Short:         "Relay TCP and UDP ports to other hosts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.version {
				return nil
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			if opts.version {
				showVersion(cmd.OutOrStdout())
				return nil
			}
			opts.mappingFile = args[0]
			return runDaemon(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	opts.installFlags(flags)
	installConfigFlags(opts.daemonConfig, flags)
	return cmd
}

// loadDaemonCliConfig returns the settings from the flags merged with the
// settings file, if one was given.
func loadDaemonCliConfig(opts *daemonOptions) (*config.Config, error) {
	conf := opts.daemonConfig
	if opts.configFile != "" {
		c, err := config.MergeConfigurations(conf, opts.flags, opts.configFile)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to configure the relay with file %s", opts.configFile)
		}
		conf = c
	}
	if err := config.Validate(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func configureLogging(conf *config.Config) error {
	if err := log.SetLevel(conf.LogLevel); err != nil {
		return err
	}
	if conf.LogFormat == "" {
		conf.LogFormat = log.TextFormat
	}
	return log.SetFormat(conf.LogFormat)
}

func runDaemon(ctx context.Context, opts *daemonOptions) error {
	conf, err := loadDaemonCliConfig(opts)
	if err != nil {
		return err
	}
	if err := configureLogging(conf); err != nil {
		return err
	}

	mappings, err := mapping.LoadFile(opts.mappingFile)
	if err != nil {
		return err
	}
	if len(mappings) == 0 {
		return errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("no mappings configured in %s", opts.mappingFile))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	setupDumpStackTrap(ctx)

	if tp, err := newTracerProvider(ctx, conf.TraceEndpoint, os.Getenv); err != nil {
		log.G(ctx).WithError(err).Debug("Tracing is not enabled")
	} else {
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.G(ctx).WithError(err).Warn("Failed to shut down tracer provider")
			}
		}()
	}

	if conf.MetricsAddress != "" {
		srv, err := startMetricsServer(ctx, conf.MetricsAddress)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	ev := events.New()
	defer ev.Close()
	go logEvents(ctx, ev)

	for _, m := range mappings {
		log.G(ctx).WithField("mapping", m.String()).Info("Starting relay")
	}
	notifyReady()
	defer notifyStopping()

	err = relay.Run(ctx, mappings, relay.Options{
		RestartDelay: conf.RestartDelay,
		ConnectSlots: conf.ConnectSlots,
		PendingQueue: conf.PendingQueue,
		HalfClose:    conf.TCPHalfClose,
		Events:       ev,
	})
	log.G(ctx).Info("Relays stopped")
	return err
}

func startMetricsServer(ctx context.Context, addr string) (*http.Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start metrics server")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Handler:           otelhttp.NewHandler(mux, "metrics"),
		ReadHeaderTimeout: 5 * time.Minute,
	}
	go func() {
		log.G(ctx).Infof("Listening for metrics on %s", l.Addr())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.G(ctx).WithError(err).Error("Metrics server stopped")
		}
	}()
	return srv, nil
}

// logEvents prints relay events at debug level until ctx is done.
func logEvents(ctx context.Context, ev *events.Events) {
	_, l, cancel := ev.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-l:
			if !ok {
				return
			}
			msg := v.(events.Message)
			fields := log.Fields{
				"action":  string(msg.Action),
				"mapping": msg.Mapping,
			}
			if msg.Peer != "" {
				fields["peer"] = msg.Peer
			}
			for k, v := range msg.Attributes {
				fields[k] = v
			}
			log.G(ctx).WithFields(fields).Debug("Relay event")
		}
	}
}
