package config

import (
	"strconv"
	"sync"

	"fyne.io/fyne/v2"
	"github.com/ytget/vrenv/internal/platform"
)

// Settings keys for Fyne preferences
const (
	KeyEnvironment     = "environment"
	KeyRemoteProps     = "remote_props"
	KeyDataDir         = "data_directory"
	KeyMaxParallel     = "max_parallel_downloads"
	KeyMaxArchiveMB    = "max_archive_mb"
	KeyLayersEnabled   = "layers_enabled"
	KeyDownloadRetries = "download_retries"
)

// Default values
const (
	DefaultEnvironment     = "offworld"
	DefaultMaxParallel     = 2
	DefaultMaxArchiveMB    = 512
	DefaultLayersEnabled   = true
	DefaultDownloadRetries = 3
	FallbackDataDir        = "/tmp/vrenv"
)

// Settings manages application configuration on top of a preferences store.
// Subscribers are notified per key; the store itself only reports that
// something changed.
type Settings struct {
	prefs fyne.Preferences

	mu       sync.Mutex
	nextID   int
	subs     map[string]map[int]func(key string)
	snapshot map[string]string
}

// NewSettings creates a new settings manager
func NewSettings(prefs fyne.Preferences) *Settings {
	s := &Settings{
		prefs:    prefs,
		subs:     make(map[string]map[int]func(string)),
		snapshot: make(map[string]string),
	}
	s.snapshot = s.readWatched()
	prefs.AddChangeListener(s.onPreferencesChanged)
	return s
}

// Subscribe registers fn for changes of key and returns a function removing it
func (s *Settings) Subscribe(key string, fn func(key string)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[key] == nil {
		s.subs[key] = make(map[int]func(string))
	}
	id := s.nextID
	s.nextID++
	s.subs[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[key], id)
	}
}

// onPreferencesChanged diffs the watched keys and fans out to subscribers
func (s *Settings) onPreferencesChanged() {
	s.mu.Lock()
	current := s.readWatched()
	var calls []func()
	for key, value := range current {
		if s.snapshot[key] == value {
			continue
		}
		for _, fn := range s.subs[key] {
			calls = append(calls, func() { fn(key) })
		}
	}
	s.snapshot = current
	s.mu.Unlock()

	for _, call := range calls {
		call()
	}
}

func (s *Settings) readWatched() map[string]string {
	return map[string]string{
		KeyEnvironment:     s.prefs.String(KeyEnvironment),
		KeyRemoteProps:     s.prefs.String(KeyRemoteProps),
		KeyDataDir:         s.prefs.String(KeyDataDir),
		KeyMaxParallel:     strconv.Itoa(s.prefs.Int(KeyMaxParallel)),
		KeyMaxArchiveMB:    strconv.Itoa(s.prefs.Int(KeyMaxArchiveMB)),
		KeyLayersEnabled:   strconv.FormatBool(s.prefs.BoolWithFallback(KeyLayersEnabled, DefaultLayersEnabled)),
		KeyDownloadRetries: strconv.Itoa(s.prefs.Int(KeyDownloadRetries)),
	}
}

// GetEnvironment returns the currently selected environment identifier
func (s *Settings) GetEnvironment() string {
	return s.prefs.StringWithFallback(KeyEnvironment, DefaultEnvironment)
}

// SetEnvironment selects an environment
func (s *Settings) SetEnvironment(envID string) {
	if envID == "" {
		envID = DefaultEnvironment
	}
	s.prefs.SetString(KeyEnvironment, envID)
}

// GetRemoteProps returns the fingerprint of the last loaded environment catalog
func (s *Settings) GetRemoteProps() string {
	return s.prefs.String(KeyRemoteProps)
}

// SetRemoteProps stores the fingerprint of the environment catalog
func (s *Settings) SetRemoteProps(fingerprint string) {
	s.prefs.SetString(KeyRemoteProps, fingerprint)
}

// GetDataDirectory returns the directory downloads and environments live in
func (s *Settings) GetDataDirectory() string {
	dir := s.prefs.String(KeyDataDir)
	if dir == "" {
		defaultDir, err := platform.GetDefaultDataDir()
		if err != nil {
			defaultDir = FallbackDataDir
		}
		s.SetDataDirectory(defaultDir)
		return defaultDir
	}
	return dir
}

// SetDataDirectory sets the data directory
func (s *Settings) SetDataDirectory(dir string) {
	s.prefs.SetString(KeyDataDir, dir)
}

// GetMaxParallelDownloads returns the maximum number of parallel downloads
func (s *Settings) GetMaxParallelDownloads() int {
	value := s.prefs.Int(KeyMaxParallel)
	if value <= 0 {
		s.SetMaxParallelDownloads(DefaultMaxParallel)
		return DefaultMaxParallel
	}
	return value
}

// SetMaxParallelDownloads sets the maximum number of parallel downloads
func (s *Settings) SetMaxParallelDownloads(count int) {
	if count < 1 {
		count = 1
	}
	if count > 10 {
		count = 10
	}
	s.prefs.SetInt(KeyMaxParallel, count)
}

// GetMaxArchiveBytes returns the size cap for a single payload archive
func (s *Settings) GetMaxArchiveBytes() int64 {
	value := s.prefs.Int(KeyMaxArchiveMB)
	if value <= 0 {
		value = DefaultMaxArchiveMB
	}
	return int64(value) * 1024 * 1024
}

// SetMaxArchiveMB sets the archive size cap in megabytes
func (s *Settings) SetMaxArchiveMB(mb int) {
	if mb < 1 {
		mb = 1
	}
	s.prefs.SetInt(KeyMaxArchiveMB, mb)
}

// GetDownloadRetries returns how many times a failed transfer is retried
func (s *Settings) GetDownloadRetries() int {
	value := s.prefs.IntWithFallback(KeyDownloadRetries, DefaultDownloadRetries)
	if value < 0 {
		return 0
	}
	return value
}

// SetDownloadRetries sets the retry count
func (s *Settings) SetDownloadRetries(n int) {
	if n < 0 {
		n = 0
	}
	if n > 10 {
		n = 10
	}
	s.prefs.SetInt(KeyDownloadRetries, n)
}

// GetLayersEnabled returns whether compositor layers are enabled for engine sessions
func (s *Settings) GetLayersEnabled() bool {
	return s.prefs.BoolWithFallback(KeyLayersEnabled, DefaultLayersEnabled)
}

// SetLayersEnabled toggles compositor layers
func (s *Settings) SetLayersEnabled(enabled bool) {
	s.prefs.SetBool(KeyLayersEnabled, enabled)
}
