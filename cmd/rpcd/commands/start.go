package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/oncrpcd/oncrpc/internal/logger"
	"github.com/oncrpcd/oncrpc/internal/telemetry"
	"github.com/oncrpcd/oncrpc/pkg/auth/kerberos"
	"github.com/oncrpcd/oncrpc/pkg/config"
	"github.com/oncrpcd/oncrpc/pkg/gss"
	"github.com/oncrpcd/oncrpc/pkg/metrics"
	"github.com/oncrpcd/oncrpc/pkg/rendezvous"
	"github.com/oncrpcd/oncrpc/pkg/rpcserver"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the rendezvous directory server",
	Long: `Start rpcd's rendezvous directory server: portmap v2 and rpcbind
v3-v4 (RFC 1057, RFC 1833) over both TCP and UDP.

When kerberos.enabled is set in the configuration, RPCSEC_GSS contexts are
accepted on the same listener alongside AUTH_NONE and AUTH_SYS, though the
rendezvous SET/UNSET procedures remain restricted to loopback callers per
the protocol's own access rule regardless of auth flavor.

Examples:
  rpcd start
  rpcd start --config /etc/oncrpcd/config.yaml`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "rpcd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "rpcd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	var serverMetrics *metrics.ServerMetrics
	if cfg.Server.Metrics.Enabled {
		serverMetrics = metrics.NewServerMetrics(prometheus.DefaultRegisterer)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsAddr := fmt.Sprintf(":%d", cfg.Server.Metrics.Port)
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server listening", "addr", metricsAddr)
		defer func() { _ = metricsSrv.Close() }()
	}

	registry := rpcserver.NewRegistry()
	mappings := rendezvous.NewRegistry()
	rendezvous.Service(registry, mappings)
	rendezvous.RpcbindService(registry, mappings, rendezvous.RpcbindV3, cfg.Rendezvous.AdvertiseHost)
	rendezvous.RpcbindService(registry, mappings, rendezvous.RpcbindV4, cfg.Rendezvous.AdvertiseHost)

	var gssProcessor *gss.GSSProcessor
	var keytabProvider *kerberos.Provider
	if cfg.Kerberos.Enabled {
		keytabProvider, err = kerberos.NewProvider(&cfg.Kerberos)
		if err != nil {
			return fmt.Errorf("failed to initialize kerberos: %w", err)
		}
		defer func() { _ = keytabProvider.Close() }()

		verifier := gss.NewKrb5Verifier(keytabProvider)
		var mapper kerberos.IdentityMapper
		if cfg.Kerberos.IdentityMapping.Strategy == "local" {
			mapper = kerberos.NewLocalMapper()
		} else {
			mapper = kerberos.NewStaticMapper(&cfg.Kerberos.IdentityMapping)
		}
		gssProcessor = gss.NewGSSProcessor(verifier, mapper, cfg.Kerberos.MaxContexts, cfg.Kerberos.ContextTTL)
		logger.Info("RPCSEC_GSS enabled", "principal", cfg.Kerberos.ServicePrincipal)
	}

	server := rpcserver.NewServer(rpcserver.Config{
		Addr:            cfg.Server.Addr,
		Registry:        registry,
		GSSProcessor:    gssProcessor,
		UDPBufferSize:   int(cfg.Server.UDPBufferSize),
		ConnReadTimeout: cfg.Server.ConnReadTimeout,
		Metrics:         serverMetrics,
	})

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Serve(ctx) }()

	if cfg.Rendezvous.Register {
		if err := registerWithRendezvous(ctx, cfg, server); err != nil {
			logger.Warn("failed to register with rendezvous daemon", "error", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("rpcd is running", "addr", cfg.Server.Addr)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, stopping")
		cancel()
		server.Stop()
		if err := <-serverDone; err != nil {
			logger.Error("server shutdown error", "error", err)
			return err
		}
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	}

	logger.Info("rpcd stopped")
	return nil
}

// registerWithRendezvous is a placeholder hook for advertising this
// server's own listening port with an external rendezvous daemon once one
// is reachable; the `rpcd rendezvous` subcommand performs the equivalent
// registration manually against any portmap/rpcbind endpoint.
func registerWithRendezvous(ctx context.Context, cfg *config.Config, server *rpcserver.Server) error {
	_ = ctx
	_ = cfg
	_ = server
	return nil
}
