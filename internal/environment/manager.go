package environment

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/ytget/vrenv/internal/config"
	"github.com/ytget/vrenv/internal/download"
	"github.com/ytget/vrenv/internal/logging"
	"github.com/ytget/vrenv/internal/metrics"
	"github.com/ytget/vrenv/internal/model"
	"github.com/ytget/vrenv/internal/unpack"
)

// Errors reported to the host
var (
	ErrDownloadFailed = errors.New("environment download failed")
	ErrUnpackFailed   = errors.New("environment unpack failed")
)

// Resolution outcomes recorded in metrics
const (
	outcomeBuiltin   = "builtin"
	outcomeReady     = "ready"
	outcomeAcquiring = "acquiring"
	outcomeUnknown   = "unknown"
)

// Host applies resolved environments to the active scene. Both methods may be
// called from any goroutine and more than once for the same change.
type Host interface {
	RefreshEnvironment()
	EnvironmentFailed(envID string, err error)
}

// SettingsSource is the part of config.Settings the manager depends on
type SettingsSource interface {
	GetEnvironment() string
	Subscribe(key string, fn func(key string)) (unsubscribe func())
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithMetrics records resolutions and refreshes.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// Manager resolves environments and acquires the ones missing on disk
type Manager struct {
	registry  *Registry
	downloads download.Downloader
	unpacker  unpack.Unpacker
	settings  SettingsSource
	host      Host
	logger    *zap.Logger
	metrics   *metrics.Collector

	// submitMu serializes the jobs scan with the submit that follows it, and
	// the hand-over of a finished job to unpacking
	submitMu sync.Mutex

	mu          sync.Mutex
	states      map[string]model.EnvState
	unsubscribe func()
}

var _ download.Listener = (*Manager)(nil)

// NewManager creates an environment manager
func NewManager(registry *Registry, downloads download.Downloader, unpacker unpack.Unpacker,
	settings SettingsSource, host Host, opts ...Option) *Manager {
	m := &Manager{
		registry:  registry,
		downloads: downloads,
		unpacker:  unpacker,
		settings:  settings,
		host:      host,
		logger:    zap.NewNop(),
		states:    make(map[string]model.EnvState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to download events and catalog changes
func (m *Manager) Start() {
	m.downloads.AddListener(m)
	unsubscribe := m.settings.Subscribe(config.KeyRemoteProps, m.OnSettingChanged)

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
}

// Stop undoes Start. Unpacks already running still report to the manager.
func (m *Manager) Stop() {
	m.downloads.RemoveListener(m)

	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Resolve returns the local path of envID when it can be used right away and
// asks the host to refresh. Otherwise it starts acquiring the environment
// and returns false.
func (m *Manager) Resolve(envID string) (string, bool) {
	if m.registry.IsBuiltin(envID) {
		m.metrics.Resolved(outcomeBuiltin)
		m.refresh()
		return m.registry.BuiltinPath(envID), true
	}

	env, ok := m.registry.ExternalByID(envID)
	if !ok {
		m.metrics.Resolved(outcomeUnknown)
		m.logger.Debug("unknown environment", zap.String("env", envID))
		return "", false
	}

	if m.registry.IsExternalReady(env) {
		dir, _ := m.registry.EnvPath(env)
		m.setState(env.ID, model.EnvStateReady)
		m.metrics.Resolved(outcomeReady)
		m.refresh()
		return dir, true
	}

	m.metrics.Resolved(outcomeAcquiring)
	if err := m.acquire(env); err != nil {
		m.logger.Error("failed to request environment", zap.String("env", env.ID), zap.Error(err))
		m.host.EnvironmentFailed(env.ID, err)
	}
	return "", false
}

// ResolveSelected resolves the environment chosen in settings
func (m *Manager) ResolveSelected() (string, bool) {
	return m.Resolve(m.settings.GetEnvironment())
}

// NotifyEnvironmentOrDownload resolves envID for its side effects only
func (m *Manager) NotifyEnvironmentOrDownload(envID string) {
	m.Resolve(envID)
}

// State returns where envID is in its acquisition lifecycle
func (m *Manager) State(envID string) model.EnvState {
	if m.registry.IsBuiltin(envID) {
		return model.EnvStateReady
	}
	env, ok := m.registry.ExternalByID(envID)
	if !ok {
		return model.EnvStateNotLocal
	}

	m.mu.Lock()
	state := m.states[env.ID]
	m.mu.Unlock()
	if state == model.EnvStateDownloading || state == model.EnvStateUnpacking {
		return state
	}
	if m.registry.IsExternalReady(env) {
		return model.EnvStateReady
	}
	return model.EnvStateNotLocal
}

// acquire submits a download for env unless one is already in flight
func (m *Manager) acquire(env model.Environment) error {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	if m.currentState(env.ID) == model.EnvStateUnpacking {
		m.logger.Debug("environment is unpacking", zap.String("env", env.ID))
		return nil
	}

	for _, job := range m.downloads.Jobs() {
		if job.URI != env.Payload {
			continue
		}
		// A successful job stays tracked until the manager takes it for unpacking
		if job.Status.IsInFlight() || job.Status == model.DownloadStatusSuccessful {
			m.logger.Debug("download already in flight",
				zap.String("env", env.ID), zap.String("download", job.ID))
			m.setState(env.ID, model.EnvStateDownloading)
			return nil
		}
	}

	job := model.NewDownloadJob(env.Payload)
	job.Title = env.Title
	d, err := m.downloads.Submit(job)
	if errors.Is(err, download.ErrDuplicate) {
		m.setState(env.ID, model.EnvStateDownloading)
		return nil
	}
	if err != nil {
		return fmt.Errorf("submit download for %s: %w", env.ID, err)
	}

	m.setState(env.ID, model.EnvStateDownloading)
	m.logger.Info("environment download requested",
		zap.String("env", env.ID), zap.String("download", d.ID), zap.String("uri", d.URI))
	return nil
}

// OnDownloadCompleted unpacks a finished payload into its environment directory
func (m *Manager) OnDownloadCompleted(d model.Download) {
	env, ok := m.registry.ExternalByPayload(d.URI)
	if !ok {
		m.logger.Debug("completed download matches no environment", zap.String("uri", d.URI))
		return
	}

	dest, pathErr := m.registry.EnvPath(env)

	// The state change and the untracking happen together so acquire never
	// sees the job gone while the environment still looks like downloading
	m.submitMu.Lock()
	m.setState(env.ID, model.EnvStateUnpacking)
	if err := m.downloads.Remove(d.ID, false); err != nil {
		m.logger.Warn("failed to untrack download", zap.String("download", d.ID), zap.Error(err))
	}
	m.submitMu.Unlock()

	if pathErr != nil {
		m.fail(env.ID, d.OutputPath, fmt.Errorf("%w: %w", ErrUnpackFailed, pathErr))
		return
	}

	archive := d.OutputPath
	task, err := m.unpacker.Start(archive, dest, func(ev model.UnpackEvent) {
		m.onUnpackEvent(env, ev)
	})
	if errors.Is(err, unpack.ErrInProgress) {
		m.logger.Debug("environment already unpacking", zap.String("env", env.ID))
		return
	}
	if err != nil {
		m.fail(env.ID, archive, fmt.Errorf("%w: %w", ErrUnpackFailed, err))
		return
	}
	m.logger.Info("unpacking environment",
		zap.String("env", env.ID), zap.String("task", task.ID), zap.String("dest", dest))
}

// Recover unpacks downloads that finished while nobody was listening
func (m *Manager) Recover() {
	for _, d := range m.downloads.Jobs() {
		if d.Status == model.DownloadStatusSuccessful {
			m.OnDownloadCompleted(d)
		}
	}
}

// OnDownloadFailed drops the failed job and reports the environment as failed
func (m *Manager) OnDownloadFailed(d model.Download) {
	env, ok := m.registry.ExternalByPayload(d.URI)
	if !ok {
		return
	}
	if err := m.downloads.Remove(d.ID, true); err != nil {
		m.logger.Warn("failed to untrack download", zap.String("download", d.ID), zap.Error(err))
	}
	m.setState(env.ID, model.EnvStateNotLocal)
	m.host.EnvironmentFailed(env.ID, fmt.Errorf("%w: %s", ErrDownloadFailed, d.LastError))
}

// OnSettingChanged refreshes the host when the remote environment list changes
func (m *Manager) OnSettingChanged(key string) {
	if key != config.KeyRemoteProps {
		return
	}
	m.logger.Debug("remote environments changed")
	m.refresh()
}

func (m *Manager) onUnpackEvent(env model.Environment, ev model.UnpackEvent) {
	switch ev.Kind {
	case model.UnpackStarted:
		m.setState(env.ID, model.EnvStateUnpacking)

	case model.UnpackProgress:
		m.logger.Debug("unpack progress",
			zap.String("env", env.ID), zap.Float64("progress", ev.Progress))

	case model.UnpackFinished:
		removeArchive(ev.Archive, m.logger)
		m.setState(env.ID, model.EnvStateReady)
		m.logger.Info("environment ready", zap.String("env", env.ID), zap.String("path", ev.Output))
		m.refresh()

	case model.UnpackCancelled:
		// The archive stays for the next attempt
		m.setState(env.ID, model.EnvStateNotLocal)
		m.logger.Info("unpack cancelled", zap.String("env", env.ID))

	case model.UnpackFailed:
		m.fail(env.ID, ev.Archive, fmt.Errorf("%w: %w", ErrUnpackFailed, ev.Err))
	}
}

// fail drops the archive, resets the environment and tells the host
func (m *Manager) fail(envID, archive string, err error) {
	removeArchive(archive, m.logger)
	m.setState(envID, model.EnvStateNotLocal)
	m.logger.Error("environment failed", zap.String("env", envID), zap.Error(err))
	m.host.EnvironmentFailed(envID, err)
}

func (m *Manager) refresh() {
	m.metrics.Refreshed()
	m.host.RefreshEnvironment()
}

func (m *Manager) currentState(envID string) model.EnvState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[envID]
}

func (m *Manager) setState(envID string, state model.EnvState) {
	m.mu.Lock()
	m.states[envID] = state
	m.mu.Unlock()
}

func removeArchive(path string, logger *zap.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to delete archive", zap.String("path", path), zap.Error(err))
	}
}
