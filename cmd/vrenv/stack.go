package main

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ytget/vrenv/internal/config"
	"github.com/ytget/vrenv/internal/download"
	"github.com/ytget/vrenv/internal/environment"
	"github.com/ytget/vrenv/internal/metrics"
	"github.com/ytget/vrenv/internal/platform"
	"github.com/ytget/vrenv/internal/unpack"
)

// stack is the wired set of services behind every command
type stack struct {
	root      string
	registry  *environment.Registry
	store     *download.SQLiteStore
	downloads *download.Service
	unpacker  *unpack.Service
	manager   *environment.Manager
	host      *logHost
	metrics   *metrics.Collector
}

func loadCatalog() (*config.Catalog, error) {
	if catalogPath == "" {
		return config.DefaultCatalog(), nil
	}
	catalog, err := config.LoadCatalog(catalogPath)
	if err != nil {
		return nil, err
	}
	return withBuiltins(catalog), nil
}

// withBuiltins fills in the shipped environments when a catalog lists none
func withBuiltins(c *config.Catalog) *config.Catalog {
	if len(c.Builtin) == 0 {
		c.Builtin = config.DefaultCatalog().Builtin
	}
	return c
}

func newStack(ctx context.Context) (*stack, error) {
	root := settings.GetDataDirectory()
	if err := platform.CreateDirectoryIfNotExists(root); err != nil {
		return nil, fmt.Errorf("failed to ensure data dir: %w", err)
	}

	catalog, err := loadCatalog()
	if err != nil {
		return nil, err
	}

	store, err := download.NewSQLiteStore(platform.DatabasePath(root))
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()
	downloads := download.NewService(platform.DownloadsDir(root), download.Options{
		MaxParallel: settings.GetMaxParallelDownloads(),
		Retries:     settings.GetDownloadRetries(),
		MaxBytes:    settings.GetMaxArchiveBytes(),
		Store:       store,
		Logger:      logger.Named("download"),
		Metrics:     collector,
	})
	if err := downloads.Restore(ctx); err != nil {
		downloads.Close()
		store.Close()
		return nil, err
	}

	unpacker := unpack.NewService(
		unpack.WithLogger(logger.Named("unpack")),
		unpack.WithMetrics(collector),
	)
	host := newLogHost(logger.Named("host"))
	registry := environment.NewRegistry(root, catalog)
	manager := environment.NewManager(registry, downloads, unpacker, settings, host,
		environment.WithLogger(logger.Named("environment")),
		environment.WithMetrics(collector),
	)

	return &stack{
		root:      root,
		registry:  registry,
		store:     store,
		downloads: downloads,
		unpacker:  unpacker,
		manager:   manager,
		host:      host,
		metrics:   collector,
	}, nil
}

// Close stops services in reverse start order
func (s *stack) Close() {
	s.manager.Stop()
	s.unpacker.Close()
	s.downloads.Close()
	if err := s.store.Close(); err != nil {
		logger.Warn("failed to close download store", zap.Error(err))
	}
}

type hostEvent struct {
	envID string
	err   error
}

// logHost logs what a rendering host would apply and forwards events to waiters
type logHost struct {
	logger *zap.Logger

	mu      sync.Mutex
	waiters []chan hostEvent
}

func newLogHost(logger *zap.Logger) *logHost {
	return &logHost{logger: logger}
}

func (h *logHost) RefreshEnvironment() {
	h.logger.Info("refresh active environment", zap.String("selected", settings.GetEnvironment()))
	h.broadcast(hostEvent{})
}

func (h *logHost) EnvironmentFailed(envID string, err error) {
	h.logger.Error("environment failed", zap.String("env", envID), zap.Error(err))
	h.broadcast(hostEvent{envID: envID, err: err})
}

// wait returns a channel receiving every later host event
func (h *logHost) wait() <-chan hostEvent {
	ch := make(chan hostEvent, 16)
	h.mu.Lock()
	h.waiters = append(h.waiters, ch)
	h.mu.Unlock()
	return ch
}

func (h *logHost) broadcast(ev hostEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.waiters {
		select {
		case ch <- ev:
		default:
		}
	}
}
