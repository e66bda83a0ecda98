// Package log wraps zerolog to provide JSON and human-readable structured
// logging shared by every installer component. Call Init once during CLI
// bootstrap; component packages derive child loggers via WithComponent,
// WithCorrelationID, and WithPhase rather than writing to the global Logger
// directly, so every emitted line can be traced back to a run and a step.
package log
