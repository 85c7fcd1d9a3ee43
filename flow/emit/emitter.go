package emit

// Emitter receives and processes observability events from engine execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry
//   - In-memory capture for tests and dashboards
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down task processing
//   - Thread-safe: Called concurrently from many worker goroutines
//   - Resilient: Handle failures gracefully (never crash the worker)
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit should not panic and should not block task processing. Errors
	// are handled internally (logged or dropped).
	Emit(event Event)
}
