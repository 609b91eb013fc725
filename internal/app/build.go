package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/bridge"
	"github.com/ent0n29/livebridge/internal/config"
	"github.com/ent0n29/livebridge/internal/httpapi"
	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/session"
	"github.com/ent0n29/livebridge/internal/transcript"
)

type ModelInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Registry
	Bridge   *bridge.Bridge
	Metrics  *observability.Metrics
	Model    ModelInfo

	// Cleanup closes live bridges, flushes pending captions and releases the
	// caption store. Call it after the HTTP server stopped accepting requests.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	captions, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("caption store init failed: %w", err)
	}

	setup, err := resolveModelConnector(cfg, logger)
	if err != nil {
		_ = captions.Close()
		return nil, err
	}
	// Ensure readiness reports the backend actually serving connections.
	cfg.ModelProvider = setup.resolvedProvider

	recorder := transcript.NewRecorder(captions, transcript.RecorderOptions{
		OnDrop: func() { metrics.CaptionDrops.Inc() },
		Logger: logger.Named("transcript"),
	})

	sessions := session.NewRegistry(session.Options{
		TTL:             cfg.SessionTTL,
		MaxEntries:      cfg.SessionMaxEntries,
		DefaultLanguage: cfg.DefaultLanguage,
		DefaultVoice:    cfg.DefaultVoice,
		Instructions: session.LayeredInstructions{
			Override: cfg.SystemInstruction,
			File:     cfg.SystemInstructionFile,
		},
	})
	sessions.SetRemoveHook(func(s *session.Session, reason string) {
		metrics.SessionEvents.WithLabelValues(reason).Inc()
		metrics.ActiveSessions.Set(float64(sessions.Count()))
		if mem, ok := captions.(*transcript.InMemoryStore); ok {
			mem.Forget(s.ID)
		}
	})

	b := bridge.New(bridge.Options{
		Connector:       setup.connector,
		ConnectTimeout:  cfg.ModelConnectTimeout,
		ConnectAttempts: cfg.ModelConnectAttempts,
		Metrics:         metrics,
		Recorder:        recorder,
		Logger:          logger.Named("bridge"),
		OnDiscard: func(sessionID string, _ []byte, err error) {
			logger.Debug("discarded client message", zap.String("session_id", sessionID), zap.Error(err))
		},
	})

	api := httpapi.New(cfg, sessions, b, captions, metrics, logger.Named("http"))

	cleanup := func() error {
		var errs []string
		b.CloseAll()
		if err := recorder.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := captions.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Bridge:   b,
		Metrics:  metrics,
		Model: ModelInfo{
			Provider: setup.resolvedProvider,
			Detail:   setup.detail,
		},
		Cleanup: cleanup,
	}, nil
}
