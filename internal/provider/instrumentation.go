package provider

import "go.opentelemetry.io/otel"

const scopeName = "github.com/ent0n29/callbridge/internal/provider"

var tracer = otel.Tracer(scopeName)
