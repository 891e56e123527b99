package environment

import (
	"archive/zip"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fyne.io/fyne/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/vrenv/internal/config"
	"github.com/ytget/vrenv/internal/download"
	"github.com/ytget/vrenv/internal/model"
	"github.com/ytget/vrenv/internal/platform"
	"github.com/ytget/vrenv/internal/unpack"
)

type removal struct {
	id    string
	purge bool
}

type fakeDownloader struct {
	mu        sync.Mutex
	jobs      []model.Download
	submitted []model.DownloadJob
	removed   []removal
	listeners []download.Listener
	submitErr error
}

func (f *fakeDownloader) Jobs() []model.Download {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Download(nil), f.jobs...)
}

func (f *fakeDownloader) Get(id string) (model.Download, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.jobs {
		if d.ID == id {
			return d, true
		}
	}
	return model.Download{}, false
}

func (f *fakeDownloader) Submit(job model.DownloadJob) (model.Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return model.Download{}, f.submitErr
	}
	f.submitted = append(f.submitted, job)
	d := model.Download{
		ID:     fmt.Sprintf("download-%d", len(f.submitted)),
		URI:    job.URI,
		Title:  job.Title,
		Status: model.DownloadStatusPending,
	}
	f.jobs = append(f.jobs, d)
	return d, nil
}

func (f *fakeDownloader) Remove(id string, purge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, removal{id: id, purge: purge})
	for i, d := range f.jobs {
		if d.ID == id {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return nil
		}
	}
	return download.ErrNotFound
}

func (f *fakeDownloader) Pause(string) error  { return nil }
func (f *fakeDownloader) Resume(string) error { return nil }
func (f *fakeDownloader) Cancel(string) error { return nil }

func (f *fakeDownloader) AddListener(l download.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

func (f *fakeDownloader) RemoveListener(l download.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.listeners {
		if existing == l {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}

func (f *fakeDownloader) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type unpackStart struct {
	archive string
	dest    string
	fn      func(model.UnpackEvent)
}

type fakeUnpacker struct {
	mu     sync.Mutex
	starts []unpackStart
	err    error
}

func (f *fakeUnpacker) Start(archive, dest string, fn func(model.UnpackEvent)) (model.UnpackTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.UnpackTask{}, f.err
	}
	f.starts = append(f.starts, unpackStart{archive: archive, dest: dest, fn: fn})
	return model.UnpackTask{ID: fmt.Sprintf("unpack-%d", len(f.starts)), Archive: archive, OutputPath: dest}, nil
}

func (f *fakeUnpacker) Cancel(string) error { return nil }

func (f *fakeUnpacker) GetTask(string) (model.UnpackTask, bool) { return model.UnpackTask{}, false }

func (f *fakeUnpacker) startList() []unpackStart {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]unpackStart(nil), f.starts...)
}

type hostFailure struct {
	envID string
	err   error
}

type fakeHost struct {
	mu        sync.Mutex
	refreshes int
	failures  []hostFailure
}

func (h *fakeHost) RefreshEnvironment() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshes++
}

func (h *fakeHost) EnvironmentFailed(envID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, hostFailure{envID: envID, err: err})
}

func (h *fakeHost) refreshCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshes
}

func (h *fakeHost) failureList() []hostFailure {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hostFailure(nil), h.failures...)
}

type fakeSettings struct {
	env string
	mu  sync.Mutex
	sub map[string]func(string)
}

func (s *fakeSettings) GetEnvironment() string { return s.env }

func (s *fakeSettings) Subscribe(key string, fn func(string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		s.sub = make(map[string]func(string))
	}
	s.sub[key] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.sub, key)
	}
}

type fixture struct {
	root      string
	registry  *Registry
	downloads *fakeDownloader
	unpacker  *fakeUnpacker
	settings  *fakeSettings
	host      *fakeHost
	manager   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		root:      t.TempDir(),
		downloads: &fakeDownloader{},
		unpacker:  &fakeUnpacker{},
		settings:  &fakeSettings{env: "meadow"},
		host:      &fakeHost{},
	}
	f.registry = NewRegistry(f.root, testCatalog())
	f.manager = NewManager(f.registry, f.downloads, f.unpacker, f.settings, f.host)
	return f
}

// writeArchive places a fake downloaded payload on disk
func (f *fixture) writeArchive(t *testing.T) string {
	t.Helper()
	archive := filepath.Join(f.root, "downloads", "download-1-meadow.zip")
	require.NoError(t, os.MkdirAll(filepath.Dir(archive), 0o755))
	require.NoError(t, os.WriteFile(archive, []byte("zip"), 0o644))
	return archive
}

func (f *fixture) completeDownload(t *testing.T) (string, unpackStart) {
	t.Helper()
	_, ok := f.manager.Resolve("meadow")
	require.False(t, ok)
	archive := f.writeArchive(t)

	d := f.downloads.Jobs()[0]
	d.Status = model.DownloadStatusSuccessful
	d.OutputPath = archive
	f.manager.OnDownloadCompleted(d)

	starts := f.unpacker.startList()
	require.Len(t, starts, 1)
	return archive, starts[0]
}

func TestResolve_BuiltinHasNoAsyncSideEffects(t *testing.T) {
	for _, id := range []string{"offworld", "void"} {
		f := newFixture(t)

		path, ok := f.manager.Resolve(id)

		require.True(t, ok)
		assert.Equal(t, "cubemap/"+id, path)
		assert.Equal(t, 0, f.downloads.submitCount())
		assert.Empty(t, f.unpacker.startList())
		assert.Equal(t, 1, f.host.refreshCount())
		assert.Equal(t, model.EnvStateReady, f.manager.State(id))
	}
}

func TestResolve_ExternalAlreadyOnDisk(t *testing.T) {
	f := newFixture(t)
	dir, err := platform.EnvPath(f.root, "meadow")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	path, ok := f.manager.Resolve("meadow")

	require.True(t, ok)
	assert.Equal(t, dir, path)
	assert.Equal(t, 0, f.downloads.submitCount())
	assert.Equal(t, 1, f.host.refreshCount())
	assert.Equal(t, model.EnvStateReady, f.manager.State("meadow"))
}

func TestResolve_ExternalMissingSubmitsOneJob(t *testing.T) {
	f := newFixture(t)

	path, ok := f.manager.Resolve("meadow")

	assert.False(t, ok)
	assert.Empty(t, path)
	require.Equal(t, 1, f.downloads.submitCount())
	assert.Equal(t, meadowPayload, f.downloads.submitted[0].URI)
	assert.Equal(t, "Meadow", f.downloads.submitted[0].Title)
	assert.Equal(t, 0, f.host.refreshCount())
	assert.Equal(t, model.EnvStateDownloading, f.manager.State("meadow"))
}

func TestResolve_UnknownEnvironment(t *testing.T) {
	f := newFixture(t)

	path, ok := f.manager.Resolve("atlantis")

	assert.False(t, ok)
	assert.Empty(t, path)
	assert.Equal(t, 0, f.downloads.submitCount())
	assert.Equal(t, 0, f.host.refreshCount())
	assert.Empty(t, f.host.failureList())
	assert.Equal(t, model.EnvStateNotLocal, f.manager.State("atlantis"))
}

func TestResolve_Dedup(t *testing.T) {
	f := newFixture(t)

	f.manager.Resolve("meadow")
	f.manager.NotifyEnvironmentOrDownload("meadow")

	assert.Equal(t, 1, f.downloads.submitCount())
}

func TestResolve_DedupConcurrent(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.manager.Resolve("meadow")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.downloads.submitCount())
}

func TestResolve_DedupByStatus(t *testing.T) {
	tests := []struct {
		status  model.DownloadStatus
		submits int
	}{
		{model.DownloadStatusPending, 0},
		{model.DownloadStatusRunning, 0},
		{model.DownloadStatusPaused, 0},
		{model.DownloadStatusFailed, 1},
		{model.DownloadStatusSuccessful, 0},
	}

	for _, test := range tests {
		t.Run(test.status.String(), func(t *testing.T) {
			f := newFixture(t)
			f.downloads.jobs = []model.Download{{ID: "download-0", URI: meadowPayload, Status: test.status}}

			f.manager.Resolve("meadow")

			assert.Equal(t, test.submits, f.downloads.submitCount())
		})
	}
}

func TestResolve_OtherPayloadDoesNotDedup(t *testing.T) {
	f := newFixture(t)
	f.downloads.jobs = []model.Download{{
		ID: "download-0", URI: "https://assets.example.com/envs/cave.zip", Status: model.DownloadStatusRunning,
	}}

	f.manager.Resolve("meadow")

	assert.Equal(t, 1, f.downloads.submitCount())
}

func TestResolve_SubmitErrorReachesHost(t *testing.T) {
	f := newFixture(t)
	f.downloads.submitErr = download.ErrClosed

	_, ok := f.manager.Resolve("meadow")

	assert.False(t, ok)
	failures := f.host.failureList()
	require.Len(t, failures, 1)
	assert.Equal(t, "meadow", failures[0].envID)
	assert.True(t, errors.Is(failures[0].err, download.ErrClosed))
}

func TestResolve_ServiceDuplicateIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.downloads.submitErr = download.ErrDuplicate

	f.manager.Resolve("meadow")

	assert.Empty(t, f.host.failureList())
	assert.Equal(t, model.EnvStateDownloading, f.manager.State("meadow"))
}

func TestResolveSelected(t *testing.T) {
	f := newFixture(t)
	f.settings.env = "void"

	path, ok := f.manager.ResolveSelected()

	assert.True(t, ok)
	assert.Equal(t, "cubemap/void", path)
}

func TestOnDownloadCompleted_StartsOneUnpack(t *testing.T) {
	f := newFixture(t)

	archive, start := f.completeDownload(t)

	expected, err := platform.EnvPath(f.root, "meadow")
	require.NoError(t, err)
	assert.Equal(t, expected, start.dest)
	assert.Equal(t, archive, start.archive)
	assert.Equal(t, []removal{{id: "download-1", purge: false}}, f.downloads.removed)
	assert.Empty(t, f.downloads.Jobs())
	assert.Equal(t, model.EnvStateUnpacking, f.manager.State("meadow"))
}

func TestOnDownloadCompleted_UsesEnvironmentValue(t *testing.T) {
	f := newFixture(t)

	f.manager.OnDownloadCompleted(model.Download{
		ID:         "download-7",
		URI:        "https://assets.example.com/envs/cave.zip",
		OutputPath: filepath.Join(f.root, "cave.zip"),
		Status:     model.DownloadStatusSuccessful,
	})

	starts := f.unpacker.startList()
	require.Len(t, starts, 1)
	assert.Equal(t, filepath.Join(f.root, "environments", "cave_v2"), starts[0].dest)
}

func TestOnDownloadCompleted_UnmatchedIsIgnored(t *testing.T) {
	f := newFixture(t)

	f.manager.OnDownloadCompleted(model.Download{
		ID:         "download-9",
		URI:        "https://elsewhere.example.com/other.zip",
		OutputPath: "/tmp/other.zip",
		Status:     model.DownloadStatusSuccessful,
	})

	assert.Empty(t, f.unpacker.startList())
	assert.Empty(t, f.downloads.removed)
	assert.Equal(t, 0, f.host.refreshCount())
	assert.Empty(t, f.host.failureList())
}

func TestOnDownloadCompleted_UnpackStartError(t *testing.T) {
	f := newFixture(t)
	f.unpacker.err = unpack.ErrArchiveMissing

	f.manager.OnDownloadCompleted(model.Download{
		ID: "download-1", URI: meadowPayload, OutputPath: filepath.Join(f.root, "gone.zip"),
	})

	failures := f.host.failureList()
	require.Len(t, failures, 1)
	assert.True(t, errors.Is(failures[0].err, ErrUnpackFailed))
	assert.True(t, errors.Is(failures[0].err, unpack.ErrArchiveMissing))
	assert.Equal(t, model.EnvStateNotLocal, f.manager.State("meadow"))
}

func TestUnpackFinished_DeletesArchiveAndRefreshesOnce(t *testing.T) {
	f := newFixture(t)
	archive, start := f.completeDownload(t)
	require.NoError(t, os.MkdirAll(start.dest, 0o755))

	start.fn(model.UnpackEvent{Kind: model.UnpackStarted, Archive: archive})
	start.fn(model.UnpackEvent{Kind: model.UnpackProgress, Archive: archive, Progress: 0.5})
	assert.Equal(t, 0, f.host.refreshCount())
	start.fn(model.UnpackEvent{Kind: model.UnpackFinished, Archive: archive, Output: start.dest, Progress: 1})

	assert.NoFileExists(t, archive)
	assert.Equal(t, 1, f.host.refreshCount())
	assert.Empty(t, f.host.failureList())
	assert.Equal(t, model.EnvStateReady, f.manager.State("meadow"))
}

func TestUnpackFailed_SurfacesToHost(t *testing.T) {
	f := newFixture(t)
	archive, start := f.completeDownload(t)
	cause := errors.New("zip: not a valid zip file")

	start.fn(model.UnpackEvent{Kind: model.UnpackStarted, Archive: archive})
	start.fn(model.UnpackEvent{Kind: model.UnpackFailed, Archive: archive, Err: cause})

	failures := f.host.failureList()
	require.Len(t, failures, 1)
	assert.Equal(t, "meadow", failures[0].envID)
	assert.True(t, errors.Is(failures[0].err, ErrUnpackFailed))
	assert.True(t, errors.Is(failures[0].err, cause))
	assert.NoFileExists(t, archive)
	assert.Equal(t, 0, f.host.refreshCount())
	assert.Equal(t, model.EnvStateNotLocal, f.manager.State("meadow"))

	// A later request starts over
	f.manager.Resolve("meadow")
	assert.Equal(t, 2, f.downloads.submitCount())
}

func TestUnpackCancelled_KeepsArchive(t *testing.T) {
	f := newFixture(t)
	archive, start := f.completeDownload(t)

	start.fn(model.UnpackEvent{Kind: model.UnpackCancelled, Archive: archive})

	assert.FileExists(t, archive)
	assert.Empty(t, f.host.failureList())
	assert.Equal(t, 0, f.host.refreshCount())
	assert.Equal(t, model.EnvStateNotLocal, f.manager.State("meadow"))
}

func TestResolve_DuringUnpackDoesNotDownloadAgain(t *testing.T) {
	f := newFixture(t)
	f.completeDownload(t)

	_, ok := f.manager.Resolve("meadow")

	assert.False(t, ok)
	assert.Equal(t, 1, f.downloads.submitCount())
}

func TestOnDownloadFailed(t *testing.T) {
	f := newFixture(t)
	f.manager.Resolve("meadow")
	d := f.downloads.Jobs()[0]
	d.Status = model.DownloadStatusFailed
	d.LastError = "http 404"

	f.manager.OnDownloadFailed(d)

	assert.Equal(t, []removal{{id: d.ID, purge: true}}, f.downloads.removed)
	failures := f.host.failureList()
	require.Len(t, failures, 1)
	assert.True(t, errors.Is(failures[0].err, ErrDownloadFailed))
	assert.Contains(t, failures[0].err.Error(), "http 404")
	assert.Equal(t, model.EnvStateNotLocal, f.manager.State("meadow"))
}

func TestOnSettingChanged(t *testing.T) {
	tests := []struct {
		key       string
		refreshes int
	}{
		{config.KeyRemoteProps, 1},
		{config.KeyEnvironment, 0},
		{config.KeyMaxParallel, 0},
		{"unrelated", 0},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			f := newFixture(t)
			f.manager.OnSettingChanged(test.key)
			assert.Equal(t, test.refreshes, f.host.refreshCount())
		})
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	f.manager.Start()
	require.Len(t, f.downloads.listeners, 1)
	require.Contains(t, f.settings.sub, config.KeyRemoteProps)

	f.settings.sub[config.KeyRemoteProps](config.KeyRemoteProps)
	assert.Equal(t, 1, f.host.refreshCount())

	f.manager.Stop()
	assert.Empty(t, f.downloads.listeners)
	assert.Empty(t, f.settings.sub)

	// Stop twice is harmless
	f.manager.Stop()
}

func TestStart_SettingsSubscription(t *testing.T) {
	app := test.NewApp()
	t.Cleanup(app.Quit)
	settings := config.NewSettings(app.Preferences())

	host := &fakeHost{}
	downloads := &fakeDownloader{}
	m := NewManager(NewRegistry(t.TempDir(), testCatalog()), downloads, &fakeUnpacker{}, settings, host)
	m.Start()
	defer m.Stop()

	settings.SetEnvironment("void")
	settings.SetRemoteProps("9f86d081")

	require.Eventually(t, func() bool { return host.refreshCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, host.refreshCount())
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.zip")
	out, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestManager_EndToEnd(t *testing.T) {
	payload := zipBytes(t, map[string]string{"scene.json": `{"name":"meadow"}`})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	root := t.TempDir()
	catalog := &config.Catalog{
		Builtin:  []model.Environment{{ID: "offworld"}},
		External: []model.Environment{{ID: "meadow", Payload: server.URL + "/envs/meadow.zip"}},
	}
	registry := NewRegistry(root, catalog)
	downloads := download.NewService(platform.DownloadsDir(root), download.Options{RetryInterval: 10 * time.Millisecond})
	defer downloads.Close()
	unpacker := unpack.NewService()
	defer unpacker.Close()

	host := &fakeHost{}
	m := NewManager(registry, downloads, unpacker, &fakeSettings{env: "meadow"}, host)
	m.Start()
	defer m.Stop()

	_, ok := m.ResolveSelected()
	require.False(t, ok)

	require.Eventually(t, func() bool { return host.refreshCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, host.failureList())
	assert.Empty(t, downloads.Jobs())

	path, ok := m.Resolve("meadow")
	require.True(t, ok)
	assert.FileExists(t, filepath.Join(path, "scene.json"))
	assert.Equal(t, model.EnvStateReady, m.State("meadow"))

	entries, err := os.ReadDir(platform.DownloadsDir(root))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	f.downloads.jobs = []model.Download{
		{ID: "download-1", URI: meadowPayload, OutputPath: filepath.Join(f.root, "meadow.zip"), Status: model.DownloadStatusSuccessful},
		{ID: "download-2", URI: "https://assets.example.com/envs/cave.zip", Status: model.DownloadStatusRunning},
	}

	f.manager.Recover()

	starts := f.unpacker.startList()
	require.Len(t, starts, 1)
	assert.Equal(t, filepath.Join(f.root, "meadow.zip"), starts[0].archive)
	assert.Len(t, f.downloads.Jobs(), 1)
}

// gateListener holds back the completion callbacks registered after it
type gateListener struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gateListener) OnDownloadCompleted(model.Download) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
}

func (g *gateListener) OnDownloadFailed(model.Download) {}

func TestResolve_CompletedButNotYetUnpackedIsNotDownloadedAgain(t *testing.T) {
	payload := zipBytes(t, map[string]string{"scene.json": "{}"})
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	root := t.TempDir()
	registry := NewRegistry(root, &config.Catalog{
		External: []model.Environment{{ID: "meadow", Payload: server.URL + "/envs/meadow.zip"}},
	})
	downloads := download.NewService(platform.DownloadsDir(root), download.Options{RetryInterval: 10 * time.Millisecond})
	defer downloads.Close()
	unpacker := unpack.NewService()
	defer unpacker.Close()

	gate := &gateListener{entered: make(chan struct{}), release: make(chan struct{})}
	downloads.AddListener(gate)

	host := &fakeHost{}
	m := NewManager(registry, downloads, unpacker, &fakeSettings{env: "meadow"}, host)
	m.Start()
	defer m.Stop()

	_, ok := m.Resolve("meadow")
	require.False(t, ok)

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		close(gate.release)
		t.Fatal("download never completed")
	}
	jobs := downloads.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, model.DownloadStatusSuccessful, jobs[0].Status)

	_, ok = m.Resolve("meadow")
	assert.False(t, ok)
	assert.Len(t, downloads.Jobs(), 1)

	close(gate.release)
	require.Eventually(t, func() bool { return host.refreshCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, downloads.Jobs())
	assert.Equal(t, model.EnvStateReady, m.State("meadow"))
	entries, err := os.ReadDir(platform.DownloadsDir(root))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
