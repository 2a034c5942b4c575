// Package config loads the oncrpcd daemon's static configuration: logging,
// tracing, the RPC server's listen/timeout settings, rendezvous
// (portmap/rpcbind) registration, and RPCSEC_GSS/Kerberos parameters.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (ONCRPC_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/oncrpcd/oncrpc/internal/bytesize"
)

// Config is the oncrpcd daemon's static configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Server configures the ONC-RPC server's transports and timeouts.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Rendezvous configures registration with a portmap/rpcbind daemon.
	Rendezvous RendezvousConfig `mapstructure:"rendezvous" yaml:"rendezvous"`

	// Kerberos contains RPCSEC_GSS/Kerberos authentication configuration.
	// When enabled, clients can authenticate via RFC 2203 using krb5, krb5i
	// (integrity), or krb5p (privacy) protection levels.
	Kerberos KerberosConfig `mapstructure:"kerberos" yaml:"kerberos"`
}

// ServerConfig configures the ONC-RPC server's dual TCP/UDP listeners.
type ServerConfig struct {
	// Addr is the "host:port" the server listens on for both TCP and UDP.
	Addr string `mapstructure:"addr" validate:"required" yaml:"addr"`

	// UDPBufferSize bounds a single UDP datagram's size. Accepts
	// human-readable forms ("64KB") or a plain byte count.
	UDPBufferSize bytesize.ByteSize `mapstructure:"udp_buffer_size" yaml:"udp_buffer_size,omitempty"`

	// ConnReadTimeout bounds how long a TCP connection may sit idle between
	// complete record-marked messages before the server closes it.
	ConnReadTimeout time.Duration `mapstructure:"conn_read_timeout" yaml:"conn_read_timeout"`

	// ShutdownTimeout is validated and defaulted but not read by rpcd start;
	// rpcserver.Server.Serve waits for its connection goroutines without a
	// time bound once its context is canceled.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// RendezvousConfig holds the rendezvous daemon settings. rpcd start does not
// register its (prog, vers) pairs with an external portmap/rpcbind daemon;
// `rpcd rendezvous set` registers a mapping by hand.
type RendezvousConfig struct {
	// Register is checked by rpcd start, but the registration step it gates
	// sends nothing to Addr.
	Register bool `mapstructure:"register" yaml:"register"`

	// Addr is the rendezvous daemon's "host:port", typically the well-known
	// port 111 on localhost.
	Addr string `mapstructure:"addr" yaml:"addr"`

	// AdvertiseHost is the host clients should dial to reach this server;
	// it is embedded in the universal addresses GETADDR/DUMP replies carry.
	AdvertiseHost string `mapstructure:"advertise_host" yaml:"advertise_host"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing. When enabled,
// trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is active.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection to the collector.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling configures continuous profiling export alongside tracing.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls continuous profiling export to a Pyroscope server.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is active.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL (e.g. "http://localhost:4040").
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes selects which profile types to collect. Valid values:
	// cpu, alloc_objects, alloc_space, inuse_objects, inuse_space,
	// goroutines, mutex_count, mutex_duration, block_count, block_duration.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// KerberosConfig contains RPCSEC_GSS/Kerberos authentication configuration.
//
// The server needs a keytab file containing the service principal's key
// and a valid krb5.conf for realm/KDC resolution.
type KerberosConfig struct {
	// Enabled controls whether RPCSEC_GSS authentication is accepted.
	// When false, only AUTH_NONE and AUTH_SYS are accepted.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// KeytabPath is the path to the Kerberos keytab file.
	KeytabPath string `mapstructure:"keytab_path" yaml:"keytab_path"`

	// ServicePrincipal is the Kerberos service principal name (SPN), e.g.
	// "rpc/server.example.com@EXAMPLE.COM".
	ServicePrincipal string `mapstructure:"service_principal" yaml:"service_principal"`

	// Krb5Conf is the path to the Kerberos configuration file.
	Krb5Conf string `mapstructure:"krb5_conf" yaml:"krb5_conf"`

	// MaxClockSkew is the maximum allowed clock difference between client
	// and server that Kerberos ticket validation tolerates.
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew" yaml:"max_clock_skew"`

	// ContextTTL bounds an RPCSEC_GSS security context's lifetime; past it,
	// clients must re-establish.
	ContextTTL time.Duration `mapstructure:"context_ttl" yaml:"context_ttl"`

	// MaxContexts bounds the number of concurrent RPCSEC_GSS contexts the
	// server's ContextStore retains, evicting the least-recently-used past
	// this limit.
	MaxContexts int `mapstructure:"max_contexts" yaml:"max_contexts"`

	// IdentityMapping configures how Kerberos principals map to Unix identities.
	IdentityMapping IdentityMappingConfig `mapstructure:"identity_mapping" yaml:"identity_mapping"`
}

// IdentityMappingConfig controls how Kerberos principals are mapped to Unix
// UID/GID for AUTH_SYS-equivalent identity once a GSS context establishes.
type IdentityMappingConfig struct {
	// Strategy selects the identity mapping approach: "static" (map from
	// config file) or "local" (look principals up in the host's own user
	// database).
	Strategy string `mapstructure:"strategy" yaml:"strategy"`

	// StaticMap maps "principal@REALM" strings to Unix identities. Only
	// used when Strategy is "static".
	StaticMap map[string]StaticIdentity `mapstructure:"static_map" yaml:"static_map"`

	// DefaultUID is assigned to principals not found in StaticMap.
	DefaultUID uint32 `mapstructure:"default_uid" yaml:"default_uid"`

	// DefaultGID is assigned to principals not found in StaticMap.
	DefaultGID uint32 `mapstructure:"default_gid" yaml:"default_gid"`
}

// StaticIdentity is the Unix identity a Kerberos principal maps to.
type StaticIdentity struct {
	UID  uint32   `mapstructure:"uid" yaml:"uid"`
	GID  uint32   `mapstructure:"gid" yaml:"gid"`
	GIDs []uint32 `mapstructure:"gids" yaml:"gids,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// requested file doesn't exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  rpcd init\n\n"+
				"Or specify a custom config file:\n"+
				"  rpcd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  rpcd init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("ONCRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "oncrpcd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "oncrpcd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
