package engine

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend names accepted by NewLoader.
const (
	BackendStub   = "stub"
	BackendRemote = "remote"
)

// BackendConfig selects and configures the inference backend.
type BackendConfig struct {
	Backend     string
	Device      string
	ComputeType string
	Remote      RemoteConfig
}

// NewLoader returns a Loader for the configured backend.
func NewLoader(cfg BackendConfig, logger *slog.Logger) (Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendStub:
		logger.Warn("using stub inference backend; transcripts are placeholders")
		return LoaderFunc(func(ctx context.Context, modelID string) (Engine, error) {
			return NewStubEngine(logger, modelID), nil
		}), nil

	case BackendRemote:
		client, err := NewRemoteClient(cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote backend client: %w", err)
		}
		logger.Info("remote inference backend configured",
			slog.String("endpoint", cfg.Remote.Endpoint),
			slog.String("device", cfg.Device),
			slog.String("compute_type", cfg.ComputeType),
		)
		return LoaderFunc(func(ctx context.Context, modelID string) (Engine, error) {
			return client.Engine(modelID), nil
		}), nil

	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}
