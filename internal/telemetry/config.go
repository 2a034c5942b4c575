package telemetry

// Config controls the OpenTelemetry trace exporter.
type Config struct {
	// Enabled turns trace export on; when false every span is a no-op.
	Enabled bool

	// ServiceName identifies this process to the trace backend.
	ServiceName string

	// ServiceVersion is reported alongside ServiceName.
	ServiceVersion string

	// Endpoint is the OTLP/gRPC collector address, host:port.
	Endpoint string

	// Insecure disables TLS on the collector connection.
	Insecure bool

	// SampleRate is the fraction of traces to sample in [0, 1]; 1 keeps
	// everything, 0 nothing.
	SampleRate float64
}

// DefaultConfig returns the disabled-by-default exporter configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "oncrpcd",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
	}
}
