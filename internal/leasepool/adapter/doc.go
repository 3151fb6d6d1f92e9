// Package adapter contains implementations of interfaces defined in app:
// the JSON file lease store and the in-memory and Redis code inboxes.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("leasepool/adapter")
