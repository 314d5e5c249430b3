package main

import (
	"github.com/containerd/log"
	"github.com/portrelay/portrelay/daemon/config"
	"github.com/spf13/pflag"
)

const flagConfigFile = "config-file"

// installConfigFlags adds flags to the pflag.FlagSet to configure the daemon.
func installConfigFlags(conf *config.Config, flags *pflag.FlagSet) {
	flags.StringVarP(&conf.LogLevel, "log-level", "l", conf.LogLevel, `Set the logging level ("trace"|"debug"|"info"|"warn"|"error"|"fatal"|"panic")`)
	flags.Var(newLogFormatValue(&conf.LogFormat), "log-format", `Set the logging format ("text"|"json")`)
	flags.StringVar(&conf.MetricsAddress, "metrics-addr", "", "Set default address and port to serve the metrics api on")
	flags.StringVar(&conf.TraceEndpoint, "trace-endpoint", "", "Export traces over OTLP/HTTP to this URL (defaults to the OTEL_EXPORTER_OTLP_ENDPOINT environment variable)")
	flags.DurationVar(&conf.RestartDelay, "restart-delay", conf.RestartDelay, "Time to wait before restarting a failed relay")
	flags.IntVar(&conf.ConnectSlots, "connect-slots", conf.ConnectSlots, "Maximum number of concurrent connects to a TCP destination, per mapping")
	flags.IntVar(&conf.PendingQueue, "pending-queue", conf.PendingQueue, "Maximum number of accepted TCP clients waiting for a connect slot, per mapping")
	flags.BoolVar(&conf.TCPHalfClose, "tcp-half-close", conf.TCPHalfClose, "Forward TCP half-closes instead of closing both sides")
}

type logFormatValue struct {
	format *log.OutputFormat
}

func newLogFormatValue(p *log.OutputFormat) *logFormatValue {
	return &logFormatValue{format: p}
}

func (v *logFormatValue) String() string {
	if v.format == nil {
		return ""
	}
	return string(*v.format)
}

func (v *logFormatValue) Set(s string) error {
	*v.format = log.OutputFormat(s)
	return nil
}

func (v *logFormatValue) Type() string {
	return "string"
}
