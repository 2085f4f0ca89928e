package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voicedesk/callcore/internal/dotenv"
	"github.com/voicedesk/callcore/pkg/analytics"
	"github.com/voicedesk/callcore/pkg/config"
	"github.com/voicedesk/callcore/pkg/core/brain"
	"github.com/voicedesk/callcore/pkg/metrics"
	"github.com/voicedesk/callcore/pkg/sessions"
	"github.com/voicedesk/callcore/pkg/telephony"
)

type engineDeps struct {
	loadConfig   func() (config.Config, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultEngineDeps() engineDeps {
	return engineDeps{
		loadConfig: config.LoadFromEnv,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telephony.Engine, error) {
	fallback := config.TenantConfig{
		ID:                "default",
		Greeting:          os.Getenv("CALLCORE_DEFAULT_GREETING"),
		SystemPrompt:      os.Getenv("CALLCORE_DEFAULT_SYSTEM_PROMPT"),
		STTEndpoint:       os.Getenv("CALLCORE_DEFAULT_STT_ENDPOINT"),
		TTSPresetEndpoint: os.Getenv("CALLCORE_DEFAULT_TTS_ENDPOINT"),
		TTSClonedEndpoint: os.Getenv("CALLCORE_DEFAULT_TTS_CLONED_ENDPOINT"),
		BrainEndpoint:     os.Getenv("CALLCORE_DEFAULT_BRAIN_ENDPOINT"),
		DefaultVoice: config.VoiceMode{
			Kind:  config.VoicePreset,
			Voice: os.Getenv("CALLCORE_DEFAULT_VOICE"),
		},
	}
	tenants, err := config.LoadRegistry(cfg.TenantFile, fallback)
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}

	var defaultBrain brain.Provider
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		g, err := brain.NewGemini(ctx, apiKey, os.Getenv("GEMINI_MODEL"))
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		defaultBrain = g
		logger.Info("default reply provider", "provider", g.Name())
	}

	var reporter *analytics.Reporter
	if cfg.AnalyticsURL != "" {
		reporter = analytics.New(cfg.AnalyticsURL, cfg.AnalyticsTimeout, logger)
	}

	e := &telephony.Engine{
		Config:       cfg,
		Tenants:      tenants,
		Registry:     sessions.NewRegistry(),
		Metrics:      metrics.New("callcore"),
		Logger:       logger,
		DefaultBrain: defaultBrain,
		HTTPClient:   &http.Client{Timeout: cfg.RecognizeTimeout + cfg.ProviderConnectTimeout},
	}
	if reporter != nil {
		e.Analytics = reporter
	}
	logger.Info("tenant registry loaded", "tenants", tenants.Count(), "file", cfg.TenantFile)
	return e, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runEngine(ctx context.Context, logger *slog.Logger, deps engineDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	engine, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	httpSrv := buildHTTPServer(cfg, engine.Handler())

	logger.Info("starting call engine", "addr", cfg.Addr,
		"watchdog", cfg.PlaybackWatchdog, "late_final_grace", cfg.LateFinalGrace)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	ended := engine.Registry.EndAll("shutdown")
	logger.Info("draining live calls", "count", ended)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	if !engine.Registry.Wait(drainCtx) {
		logger.Warn("drain window elapsed with calls still closing")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("call engine stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps engineDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))
	if err := runEngine(ctx, logger, deps); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "callcore: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "callcore: %v\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	os.Exit(runMain(ctx, os.Stderr, defaultEngineDeps()))
}
