package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/oncrpcd/oncrpc/internal/bytesize"
	"github.com/oncrpcd/oncrpc/pkg/rendezvous"
)

// ApplyDefaults fills any unspecified configuration field with a sensible
// default. Zero values (0, "", false) are replaced; explicit values are
// preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyServerDefaults(&cfg.Server)
	applyRendezvousDefaults(&cfg.Rendezvous)
	applyKerberosDefaults(&cfg.Kerberos)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{"cpu", "alloc_objects", "inuse_objects"}
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}
	if cfg.UDPBufferSize == 0 {
		cfg.UDPBufferSize = bytesize.ByteSize(65535)
	}
	if cfg.ConnReadTimeout == 0 {
		cfg.ConnReadTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	applyMetricsDefaults(&cfg.Metrics)
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyRendezvousDefaults(cfg *RendezvousConfig) {
	if cfg.Addr == "" {
		cfg.Addr = fmt.Sprintf("localhost:%d", rendezvous.WellKnownPort)
	}
	if cfg.AdvertiseHost == "" {
		cfg.AdvertiseHost = "0.0.0.0"
	}
}

func applyKerberosDefaults(cfg *KerberosConfig) {
	if cfg.Krb5Conf == "" {
		cfg.Krb5Conf = "/etc/krb5.conf"
	}
	if cfg.MaxClockSkew == 0 {
		cfg.MaxClockSkew = 5 * time.Minute
	}
	if cfg.ContextTTL == 0 {
		cfg.ContextTTL = 8 * time.Hour
	}
	if cfg.MaxContexts == 0 {
		cfg.MaxContexts = 10000
	}
	applyIdentityMappingDefaults(&cfg.IdentityMapping)
}

func applyIdentityMappingDefaults(cfg *IdentityMappingConfig) {
	if cfg.Strategy == "" {
		cfg.Strategy = "static"
	}
	if cfg.DefaultUID == 0 {
		cfg.DefaultUID = 65534
	}
	if cfg.DefaultGID == 0 {
		cfg.DefaultGID = 65534
	}
}

// GetDefaultConfig returns a Config with every default applied, used when no
// config file is found and by 'rpcd init' to generate a sample file.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
