package relay

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("github.com/portrelay/portrelay/daemon/relay")
