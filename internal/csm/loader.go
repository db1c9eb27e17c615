package csm

import (
	"context"
	"fmt"

	"github.com/book-expert/csm-service/internal/config"
	"github.com/book-expert/csm-service/internal/core"
	"github.com/book-expert/logger"
)

// NewLoader returns the load function for the configured model loader.
func NewLoader(cfg config.CSMConfig, log *logger.Logger) core.LoadFunc {
	return func(ctx context.Context) (core.Generator, error) {
		log.Info("Loading CSM-1B model via %s loader...", cfg.Loader)

		switch cfg.Loader {
		case config.LoaderHTTP:
			return loadHTTP(ctx, cfg, log)
		case config.LoaderExec:
			return loadExec(cfg, log)
		default:
			return nil, fmt.Errorf("%w: loader is %q", ErrModelUnavailable, cfg.Loader)
		}
	}
}

func loadHTTP(ctx context.Context, cfg config.CSMConfig, log *logger.Logger) (core.Generator, error) {
	generator := NewHTTPGenerator(cfg.ServiceURL, cfg.Timeout())

	healthErr := generator.HealthCheck(ctx)
	if healthErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, healthErr)
	}

	if device := generator.Device(); device != "" {
		log.Info("Using device: %s", device)
	}

	log.Info("CSM model loaded successfully! Sample rate: %d", generator.SampleRate())

	return generator, nil
}

func loadExec(cfg config.CSMConfig, log *logger.Logger) (core.Generator, error) {
	device := SelectDevice(cfg.Device)
	log.Info("Using device: %s", device)

	generator, err := NewExecGenerator(ExecConfig{
		BinaryPath:     cfg.BinaryPath,
		ModelPath:      cfg.ModelPath,
		Device:         device,
		DisableCompile: cfg.CompileDisabled(),
	}, log)
	if err != nil {
		return nil, err
	}

	log.Info("CSM model loaded successfully! Sample rate: %d", generator.SampleRate())

	return generator, nil
}
