// File: cmd/components.go
package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/critical-css/internal/api"
	"github.com/xkilldash9x/critical-css/internal/browser"
	"github.com/xkilldash9x/critical-css/internal/cache"
	"github.com/xkilldash9x/critical-css/internal/config"
	"github.com/xkilldash9x/critical-css/internal/extractor"
	"github.com/xkilldash9x/critical-css/internal/minify"
	"github.com/xkilldash9x/critical-css/internal/network"
	"github.com/xkilldash9x/critical-css/internal/optimizer"
	"github.com/xkilldash9x/critical-css/internal/pool"
)

// components bundles the services a command needs so they can be shut down together.
type components struct {
	logger  *zap.Logger
	client  *network.Client
	pool    *pool.Pool
	cache   *cache.Cache
	service *optimizer.Service
}

// initializeComponents wires the extraction stack. The browser pool is only
// started when withBrowser is set; a start failure is fatal.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, withBrowser bool) (*components, error) {
	c := &components{logger: logger}
	minifier := minify.NewCSS()

	c.client = network.NewClient(network.NewClientConfig(cfg.Network, logger))
	extractors := map[extractor.Strategy]extractor.Extractor{
		extractor.StrategyStatic: extractor.NewStatic(c.client, minifier, logger),
	}

	if withBrowser {
		process := browser.NewProcess(cfg.Browser, cfg.Pool.CommandTimeout, logger)
		c.pool = pool.New(cfg.Pool, process, logger)
		if err := startPool(ctx, c.pool, logger); err != nil {
			c.client.CloseIdleConnections()
			return nil, err
		}
		extractors[extractor.StrategyBrowser] = extractor.NewCoverage(c.pool, minifier, cfg.Coverage, logger)
	}

	if cfg.Cache.Enabled {
		c.cache = cache.New(cfg.Cache.URLTTL, cfg.Cache.FillTimeout, logger)
	}
	c.service = optimizer.New(extractors, c.cache, logger)
	return c, nil
}

// poolLifecycle is the part of the session pool startPool drives.
type poolLifecycle interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// startPool initializes p and tears it down again if that fails. The teardown
// error is logged; the initialization error is returned.
func startPool(ctx context.Context, p poolLifecycle, logger *zap.Logger) error {
	if err := p.Initialize(ctx); err != nil {
		if serr := p.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn("Session pool shutdown after failed initialization.", zap.Error(serr))
		}
		return fmt.Errorf("failed to initialize session pool: %w", err)
	}
	return nil
}

// sessions returns the pool as an API dependency, or nil when there is none.
func (c *components) sessions() api.Sessions {
	if c.pool == nil {
		return nil
	}
	return c.pool
}

// resultCache returns the cache as an API dependency, or nil when disabled.
func (c *components) resultCache() api.ResultCache {
	if c.cache == nil {
		return nil
	}
	return c.cache
}

// Shutdown closes sessions, terminates the browser and drops idle connections.
func (c *components) Shutdown(ctx context.Context) error {
	var err error
	if c.pool != nil {
		c.logger.Info("Shutting down session pool...")
		err = c.pool.Shutdown(ctx)
	}
	c.client.CloseIdleConnections()
	return err
}
