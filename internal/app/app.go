// Package app assembles the store, queue, sync engine, scheduler, resolver
// and shop service from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kimhsiao/shopsync/internal/config"
	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/services"
	"github.com/kimhsiao/shopsync/internal/store"
	syncpkg "github.com/kimhsiao/shopsync/internal/sync"
	"github.com/kimhsiao/shopsync/internal/sync/conflict"
	"github.com/kimhsiao/shopsync/internal/sync/events"
	"github.com/kimhsiao/shopsync/internal/sync/queue"
	"github.com/kimhsiao/shopsync/internal/sync/remote"
	"github.com/kimhsiao/shopsync/internal/sync/scheduler"
)

// App holds every long-lived component of a running client.
type App struct {
	Config    *config.Config
	Store     store.Store
	Queue     *queue.Queue
	Locks     *store.KeyLocks
	Remote    syncpkg.Remote
	Publisher *events.Publisher
	Engine    *syncpkg.SyncEngine
	Scheduler *scheduler.Scheduler
	Resolver  *conflict.Resolver
	Service   *services.ShopService

	// Local is set when no remote base URL is configured and the client
	// syncs against an in-process authority.
	Local *remote.Memory

	logListener events.ListenerID
}

// New wires the components for cfg. The store falls back to degraded mode
// instead of failing, so New only errors on invalid configuration.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		Config:    cfg,
		Store:     store.Open(ctx, cfg.DataDir),
		Locks:     store.NewKeyLocks(),
		Publisher: events.NewPublisher(),
	}
	a.Queue = queue.New(a.Store)
	a.logListener = a.Publisher.AddListener(events.LogListener)

	if cfg.Remote.BaseURL != "" {
		a.Remote = remote.NewHTTPClient(&remote.HTTPConfig{
			BaseURL: cfg.Remote.BaseURL,
			APIKey:  cfg.Remote.APIKey,
			Timeout: cfg.Remote.Timeout,
		})
	} else {
		a.Local = remote.NewMemory()
		a.Remote = a.Local
		logging.Warn("No remote configured, syncing against an in-process authority", nil)
	}

	a.Engine = syncpkg.NewSyncEngine(syncpkg.Options{
		Store:            a.Store,
		Queue:            a.Queue,
		Locks:            a.Locks,
		Remote:           a.Remote,
		Publisher:        a.Publisher,
		CallTimeout:      cfg.Remote.Timeout,
		FullPullInterval: cfg.Sync.FullPullInterval,
	})
	a.Scheduler = scheduler.NewScheduler(a.Engine, &scheduler.Config{Interval: cfg.Sync.Interval})
	a.Engine.SetConnectivity(a.Scheduler)

	a.Resolver = conflict.NewResolver(a.Store, a.Locks)
	a.Resolver.OnResolved = func(c *models.Conflict) {
		a.Scheduler.TriggerSync()
	}

	a.Service = services.NewShopService(services.Deps{
		Store:        a.Store,
		Queue:        a.Queue,
		Locks:        a.Locks,
		Engine:       a.Engine,
		Remote:       a.Remote,
		Connectivity: a.Scheduler,
		Trigger:      a.Scheduler,
	}, &services.Config{
		QueueFirst:  cfg.Sync.QueueFirst,
		ProductTTL:  cfg.Cache.ProductTTL,
		CallTimeout: cfg.Remote.Timeout,
	})

	logging.Info("Application initialized", map[string]interface{}{
		"data_dir":   cfg.DataDir,
		"store_mode": string(a.Store.Mode()),
		"remote":     remoteName(cfg),
	})
	return a, nil
}

func remoteName(cfg *config.Config) string {
	if cfg.Remote.BaseURL == "" {
		return "in-process"
	}
	return cfg.Remote.BaseURL
}

// ImportLegacy runs the one-time import of data written by the previous
// client. It is a no-op without a configured path.
func (a *App) ImportLegacy(ctx context.Context) (*store.LegacyImportResult, error) {
	path := a.Config.Legacy.ImportPath
	if path == "" {
		return &store.LegacyImportResult{}, nil
	}
	return a.ImportLegacyFile(ctx, path)
}

// ImportLegacyFile imports path and asks for a sync when records were created.
func (a *App) ImportLegacyFile(ctx context.Context, path string) (*store.LegacyImportResult, error) {
	result, err := store.ImportLegacy(ctx, a.Store, a.Locks, path)
	if err != nil {
		return nil, err
	}
	if result.Imported() > 0 {
		a.Scheduler.TriggerSync()
	}
	return result, nil
}

// Start imports legacy data and starts background scheduling. A failed
// import is logged and retried on the next start.
func (a *App) Start(ctx context.Context) {
	if _, err := a.ImportLegacy(ctx); err != nil {
		logging.Error("Legacy import failed", err, map[string]interface{}{
			"path": a.Config.Legacy.ImportPath,
		})
	}
	a.Scheduler.Start(ctx)
}

// ApplyConfig adopts the settings that can change without a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	if level, err := logging.ParseLevel(cfg.Log.Level); err == nil {
		logging.Get().SetLevel(level)
	}
	a.Scheduler.SetInterval(cfg.Sync.Interval)
	a.Config = cfg
}

// Close stops scheduling and closes the store.
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.Publisher.RemoveListener(a.logListener)
	return a.Store.Close()
}

// SetupLogging points the global logger at the configured output. The
// returned closer releases the log file.
func SetupLogging(cfg config.LogConfig) (io.Closer, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	w, err := logging.NewRotatingWriter(logging.FileConfig{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(w, level)
	logger := logging.Get()
	logger.SetOutput(w)
	logger.SetLevel(level)
	return w, nil
}
