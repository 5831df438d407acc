// Package container wires the site worker, the coordinator and their
// adapters from configuration, and owns their lifecycle.
package container

import (
	"context"
	"fmt"

	"fedreg/adapters/cache"
	"fedreg/adapters/excel"
	"fedreg/adapters/nifti"
	"fedreg/adapters/render"
	"fedreg/adapters/report"
	"fedreg/internal"
	"fedreg/internal/artifacts"
	"fedreg/internal/config"
	"fedreg/internal/local"
	"fedreg/internal/phase"
	"fedreg/internal/remote"
	"fedreg/ports"
)

// Container holds all application dependencies and manages their lifecycle
type Container struct {
	Config *config.Config
	Logger *internal.Logger

	// Infrastructure
	Store ports.CacheStore

	// Adapters
	Tables    ports.TableReader
	Publisher *artifacts.Publisher
	Reports   ports.ReportWriter

	// Protocol participants
	Worker      *local.Worker
	Coordinator *remote.Coordinator
}

// New creates a container with the site side wired. The coordinator needs a
// cache store and is added by InitCoordinator.
func New(cfg *config.Config, logger *internal.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = internal.Discard()
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Tables:  excel.NewDataReader("", logger),
		Reports: report.NewWriter(0),
	}
	if cfg.Artifacts.Enabled {
		c.Publisher = artifacts.NewPublisher(
			nifti.NewLoader(),
			render.NewOrthoRenderer(4),
			render.Base64Encoder{},
			cfg.Artifacts.MaskFile,
			cfg.Artifacts.RenderConcurrency,
			logger,
		)
	}
	c.Worker = local.NewWorker(cfg, c.Tables, c.Publisher, logger)
	return c, nil
}

// InitCoordinator opens the configured cache store and creates the
// coordinator. cacheDir is the file backend's fallback directory.
func (c *Container) InitCoordinator(ctx context.Context, cacheDir string) error {
	if c.Coordinator != nil {
		return nil
	}
	store, err := cache.Open(ctx, c.Config.Cache, cacheDir)
	if err != nil {
		return err
	}
	return c.InitCoordinatorWithStore(store)
}

// InitCoordinatorWithStore creates the coordinator over an existing store.
func (c *Container) InitCoordinatorWithStore(store ports.CacheStore) error {
	coord, err := remote.NewCoordinator(c.Config, store, c.Publisher, c.Reports, c.Logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	c.Store = store
	c.Coordinator = coord
	c.Logger.Debug("coordinator ready: cache=%s strategy=%s", c.Config.Cache.Backend, c.Config.Protocol.Strategy)
	return nil
}

// Dispatcher returns the phase dispatcher for one side of the protocol.
func (c *Container) Dispatcher(role phase.Role) (*phase.Dispatcher, error) {
	switch role {
	case phase.RoleLocal:
		return phase.NewDispatcher(role, c.Worker, c.Logger), nil
	case phase.RoleRemote:
		if c.Coordinator == nil {
			return nil, fmt.Errorf("coordinator not initialized")
		}
		return phase.NewDispatcher(role, c.Coordinator, c.Logger), nil
	}
	return nil, fmt.Errorf("unknown role %q", role)
}

// Shutdown releases the cache store
func (c *Container) Shutdown(ctx context.Context) error {
	if c.Store == nil {
		return nil
	}
	return c.Store.Close()
}
