package tools

import "go.opentelemetry.io/otel"

const scopeName = "github.com/ent0n29/callbridge/internal/tools"

var tracer = otel.Tracer(scopeName)
