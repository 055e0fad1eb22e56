// Command aiva-bridge is the real-time voice bridge between the PBX and the
// AI realtime providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/aivalabs/aiva-bridge/internal/bridge"
	"github.com/aivalabs/aiva-bridge/internal/config"
	"github.com/aivalabs/aiva-bridge/internal/health"
	"github.com/aivalabs/aiva-bridge/internal/mgmt"
	"github.com/aivalabs/aiva-bridge/internal/monitor"
	"github.com/aivalabs/aiva-bridge/internal/observe"
	"github.com/aivalabs/aiva-bridge/internal/provider"
	"github.com/aivalabs/aiva-bridge/internal/provider/composite"
	"github.com/aivalabs/aiva-bridge/internal/provider/deepgram"
	"github.com/aivalabs/aiva-bridge/internal/provider/openairt"
	"github.com/aivalabs/aiva-bridge/internal/rtp"
	"github.com/aivalabs/aiva-bridge/internal/sidechannel"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aiva-bridge: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("aiva-bridge starting",
		"version", version,
		"config", *configPath,
		"rtp_bind", cfg.Server.RTPBind,
		"monitor_addr", cfg.Server.MonitorAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetryShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Side channel ──────────────────────────────────────────────────────────
	store, err := sidechannel.New(cfg.SideChannel.URL, cfg.SideChannel.DB)
	if err != nil {
		slog.Error("failed to connect side channel", "url", cfg.SideChannel.URL, "err", err)
		return 1
	}
	defer store.Close()

	// ── Management backend ────────────────────────────────────────────────────
	backend := mgmt.NewClient(cfg.Mgmt.BaseURL, cfg.Mgmt.APIKey)
	agents := mgmt.NewAgentCache(backend, cfg.Timers.AgentCacheTTL())

	// ── Provider registry ─────────────────────────────────────────────────────
	registry := provider.NewRegistry()
	registerVariants(registry, cfg)

	// ── RTP transport ─────────────────────────────────────────────────────────
	transport, err := rtp.Listen(cfg.Server.RTPBind, cfg.Timers.RTPInactivity())
	if err != nil {
		slog.Error("failed to bind RTP transport", "addr", cfg.Server.RTPBind, "err", err)
		return 1
	}

	// ── Bridge manager ────────────────────────────────────────────────────────
	hub := monitor.NewHub()
	manager := bridge.NewManager(*cfg, bridge.Deps{
		Registry: registry,
		Store:    store,
		Backend:  backend,
		Agents:   agents,
		Sender:   transport,
		Observer: hub,
		Metrics:  metrics,
	})
	manager.StartMonitors(ctx)

	// ── Monitor HTTP server ───────────────────────────────────────────────────
	healthHandler := health.New(
		health.PingChecker("side_channel", store),
		health.HTTPChecker("mgmt", cfg.Mgmt.BaseURL),
	)
	monitorSrv := monitor.NewServer(manager, hub, healthHandler, metrics)
	httpSrv := &http.Server{
		Addr:              cfg.Server.MonitorAddr,
		Handler:           monitorSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("monitor server error", "err", err)
		}
	}()

	slog.Info("bridge ready", "variants", registry.Variants())

	// Blocks until the signal context ends or the transport closes; either way
	// every live call is finalised before it returns.
	manager.Run(ctx, transport.Events())

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := transport.Close(); err != nil {
		slog.Warn("transport close error", "err", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("monitor server shutdown error", "err", err)
	}
	if err := telemetryShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerVariants wires every provider variant whose credentials are
// configured. Agents referencing an unregistered variant are rejected at
// admission time, not at startup.
func registerVariants(registry *provider.Registry, cfg *config.Config) {
	if cfg.Providers.OpenAI.APIKey != "" {
		registry.Register(mgmt.VariantOpenAIRealtime, openairt.NewFactory(openairt.Options{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Model:   cfg.Providers.OpenAI.Model,
		}))
	}
	if cfg.Providers.Deepgram.APIKey != "" {
		registry.Register(mgmt.VariantDeepgram, deepgram.NewFactory(deepgram.Options{
			APIKey:  cfg.Providers.Deepgram.APIKey,
			BaseURL: cfg.Providers.Deepgram.BaseURL,
		}))
	}
	// The composite variant needs STT and LLM credentials; TTS legs are picked
	// per agent, so either elevenlabs or uplift credentials may be absent.
	if cfg.Providers.Deepgram.APIKey != "" && cfg.Providers.LLM.APIKey != "" {
		registry.Register(mgmt.VariantComposite, composite.NewFactory(composite.Options{
			DeepgramAPIKey:    cfg.Providers.Deepgram.APIKey,
			DeepgramBaseURL:   cfg.Providers.Deepgram.BaseURL,
			LLMAPIKey:         cfg.Providers.LLM.APIKey,
			LLMBaseURL:        cfg.Providers.LLM.BaseURL,
			LLMModel:          cfg.Providers.LLM.Model,
			ElevenLabsAPIKey:  cfg.Providers.ElevenLabs.APIKey,
			ElevenLabsBaseURL: cfg.Providers.ElevenLabs.BaseURL,
			UpliftAPIKey:      cfg.Providers.Uplift.APIKey,
			UpliftBaseURL:     cfg.Providers.Uplift.BaseURL,
		}))
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
