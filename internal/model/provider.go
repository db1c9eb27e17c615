// Package model owns the process-wide speech model handle.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/book-expert/csm-service/internal/core"
	"golang.org/x/sync/singleflight"
)

const loadKey = "model"

var (
	// ErrNilLoader is returned by NewProvider when no load function is given.
	ErrNilLoader = errors.New("load function cannot be nil")
	// ErrNilGenerator is returned when a load function succeeds without a generator.
	ErrNilGenerator = errors.New("loader returned a nil generator")
)

// Provider lazily loads the model handle on first use and keeps it for the life of
// the process. Concurrent first callers share one load. A failed load is not
// remembered, so the next call tries again.
type Provider struct {
	load      core.LoadFunc
	generator atomic.Pointer[generatorHolder]
	group     singleflight.Group
}

type generatorHolder struct {
	generator core.Generator
}

// NewProvider creates a Provider around load.
func NewProvider(load core.LoadFunc) (*Provider, error) {
	if load == nil {
		return nil, ErrNilLoader
	}

	return &Provider{load: load}, nil
}

// Get returns the loaded generator, loading it first if needed. The shared load
// is detached from any one caller's cancellation; a caller whose ctx ends stops
// waiting while the load carries on for the others.
func (p *Provider) Get(ctx context.Context) (core.Generator, error) {
	if holder := p.generator.Load(); holder != nil {
		return holder.generator, nil
	}

	loadCtx := context.WithoutCancel(ctx)

	results := p.group.DoChan(loadKey, func() (any, error) {
		if holder := p.generator.Load(); holder != nil {
			return holder.generator, nil
		}

		generator, loadErr := p.load(loadCtx)
		if loadErr != nil {
			return nil, loadErr
		}

		if generator == nil {
			return nil, ErrNilGenerator
		}

		p.generator.Store(&generatorHolder{generator: generator})

		return generator, nil
	})

	var result singleflight.Result

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to load model: %w", ctx.Err())
	case result = <-results:
	}

	if result.Err != nil {
		return nil, fmt.Errorf("failed to load model: %w", result.Err)
	}

	generator, ok := result.Val.(core.Generator)
	if !ok {
		return nil, ErrNilGenerator
	}

	return generator, nil
}

// Loaded reports whether a generator is held.
func (p *Provider) Loaded() bool {
	return p.generator.Load() != nil
}

// Close releases the held generator, if any.
func (p *Provider) Close() error {
	holder := p.generator.Swap(nil)
	if holder == nil {
		return nil
	}

	closeErr := holder.generator.Close()
	if closeErr != nil {
		return fmt.Errorf("failed to close model: %w", closeErr)
	}

	return nil
}
