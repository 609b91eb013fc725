package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/livebridge/internal/config"
	"github.com/ent0n29/livebridge/internal/logging"
	"github.com/ent0n29/livebridge/internal/model"
)

type modelSetup struct {
	connector        model.Connector
	resolvedProvider string
	detail           string
}

func resolveModelConnector(cfg config.Config, logger *zap.Logger) (modelSetup, error) {
	logger = logging.OrNop(logger)
	mode := strings.ToLower(strings.TrimSpace(cfg.ModelProvider))
	if mode == "" {
		mode = "auto"
	}
	hasKey := strings.TrimSpace(cfg.GeminiAPIKey) != ""

	gemini := func() model.Connector {
		return model.NewGeminiConnector(model.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		}, logger.Named("gemini"))
	}
	mock := func() model.Connector {
		return model.NewMockConnector(model.MockOptions{})
	}

	switch mode {
	case "gemini":
		// A missing key is reported to each client as it connects.
		detail := "gemini live"
		if !hasKey {
			detail = "gemini live (GEMINI_API_KEY not set)"
		}
		return modelSetup{connector: gemini(), resolvedProvider: "gemini", detail: detail}, nil
	case "mock":
		return modelSetup{connector: mock(), resolvedProvider: "mock", detail: "mock"}, nil
	case "auto":
		if hasKey {
			return modelSetup{
				connector:        model.NewFailoverConnector(gemini(), mock()),
				resolvedProvider: "gemini",
				detail:           "gemini live with mock fallback",
			}, nil
		}
		return modelSetup{connector: mock(), resolvedProvider: "mock", detail: "mock (no GEMINI_API_KEY)"}, nil
	default:
		return modelSetup{}, fmt.Errorf("invalid MODEL_PROVIDER: %q (expected auto|gemini|mock)", cfg.ModelProvider)
	}
}
