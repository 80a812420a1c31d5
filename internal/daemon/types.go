package daemon

// StartOptions configures the daemon process (home, port, runtime, pprof).
// Everything else comes from <home>/config.yaml.
type StartOptions struct {
	Home       string
	Port       int
	PprofAddr  string
	Runtime    string // "docker" (default) or "stub"
	EnableOtel bool   // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
