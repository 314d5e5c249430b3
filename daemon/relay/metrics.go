package relay

import "github.com/docker/go-metrics"

var (
	connectionsTotal  metrics.LabeledCounter
	connectErrors     metrics.LabeledCounter
	bytesTotal        metrics.LabeledCounter
	activeConnections metrics.LabeledGauge
	datagramsDropped  metrics.Counter
	sessionsTotal     metrics.Counter
	engineRestarts    metrics.LabeledCounter
)

func init() {
	ns := metrics.NewNamespace("portrelay", "relay", nil)
	connectionsTotal = ns.NewLabeledCounter("connections", "The number of TCP connections accepted", "bind")
	connectErrors = ns.NewLabeledCounter("connect_errors", "The number of failed attempts to connect to a destination", "bind")
	bytesTotal = ns.NewLabeledCounter("bytes", "The number of bytes relayed", "bind", "direction")
	activeConnections = ns.NewLabeledGauge("active_connections", "The number of TCP connections currently relayed", metrics.Unit("connections"), "bind")
	datagramsDropped = ns.NewCounter("datagrams_dropped", "The number of UDP datagrams dropped because they came from neither peer")
	sessionsTotal = ns.NewCounter("udp_sessions", "The number of UDP sessions that learned a client")
	engineRestarts = ns.NewLabeledCounter("engine_restarts", "The number of times an engine failed and was restarted", "bind")
	metrics.Register(ns)
}

const (
	directionUpstream   = "upstream"   // client to destination
	directionDownstream = "downstream" // destination to client
)
