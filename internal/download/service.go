package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ytget/vrenv/internal/logging"
	"github.com/ytget/vrenv/internal/metrics"
	"github.com/ytget/vrenv/internal/model"
	"github.com/ytget/vrenv/internal/platform"
)

// Transfer constants
const (
	DefaultMaxParallel   = 2
	DefaultRetryInterval = time.Second
	DefaultMaxBytes      = 512 * 1024 * 1024
	HeaderTimeout        = 30 * time.Second
	UserAgent            = "vrenv/1.0"
	IDPrefix             = "download-"
	WaitPollInterval     = 50 * time.Millisecond
	cancelledMessage     = "cancelled"
)

// Errors returned by the download service
var (
	ErrNotFound   = errors.New("download not found")
	ErrDuplicate  = errors.New("download already in flight")
	ErrNotActive  = errors.New("download is not active")
	ErrNotPaused  = errors.New("download is not paused")
	ErrInvalidURI = errors.New("invalid download uri")
	ErrTooLarge   = errors.New("payload exceeds size limit")
	ErrHTTPStatus = errors.New("unexpected http status")
	ErrClosed     = errors.New("download service closed")
)

// Options tunes a Service. Zero values select defaults.
type Options struct {
	MaxParallel   int
	Retries       int
	RetryInterval time.Duration
	MaxBytes      int64
	Client        *http.Client
	Store         Store
	Logger        *zap.Logger
	Metrics       *metrics.Collector
}

type entry struct {
	rec       model.Download
	cancel    context.CancelFunc
	gen       int
	seq       uint64
	pausing   bool
	cancelled bool
}

// Service handles download operations
type Service struct {
	mu        sync.RWMutex
	downloads map[string]*entry
	listeners []Listener

	// persistMu orders store writes; it is taken before mu, never after
	persistMu sync.Mutex

	dir           string
	sem           *semaphore.Weighted
	retries       int
	retryInterval time.Duration
	maxBytes      int64
	client        *http.Client
	store         Store
	logger        *zap.Logger
	metrics       *metrics.Collector

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewService creates a new download service writing payloads into dir
func NewService(dir string, opts Options) *Service {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: HeaderTimeout,
			},
		}
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		downloads:     make(map[string]*entry),
		dir:           dir,
		sem:           semaphore.NewWeighted(int64(opts.MaxParallel)),
		retries:       opts.Retries,
		retryInterval: opts.RetryInterval,
		maxBytes:      opts.MaxBytes,
		client:        opts.Client,
		store:         opts.Store,
		logger:        logging.OrNop(opts.Logger),
		metrics:       opts.Metrics,
		ctx:           ctx,
		stop:          stop,
	}
}

// AddListener registers a listener for terminal events
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener unregisters a listener
func (s *Service) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Submit queues a new download
func (s *Service) Submit(job model.DownloadJob) (model.Download, error) {
	if err := validateURI(job.URI); err != nil {
		return model.Download{}, err
	}
	if job.Filename == "" {
		job.Filename = model.FilenameFromURI(job.URI)
	}
	if err := platform.CreateDirectoryIfNotExists(s.dir); err != nil {
		return model.Download{}, fmt.Errorf("create download dir: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.Download{}, ErrClosed
	}

	// Check for duplicate URIs
	for _, e := range s.downloads {
		if e.rec.URI == job.URI && e.rec.Status.IsInFlight() {
			s.mu.Unlock()
			return model.Download{}, fmt.Errorf("%w: %s", ErrDuplicate, job.URI)
		}
	}

	id := generateDownloadID()
	e := &entry{
		rec: model.Download{
			ID:         id,
			URI:        job.URI,
			Title:      job.Title,
			OutputPath: filepath.Join(s.dir, id+"-"+filepath.Base(job.Filename)),
			Status:     model.DownloadStatusPending,
			BytesTotal: -1,
			CreatedAt:  time.Now(),
		},
	}
	s.downloads[id] = e
	rec, seq := s.snapshotLocked(e)
	s.startLocked(e)
	s.mu.Unlock()

	s.persist(e, rec, seq)
	s.logger.Info("download queued", zap.String("id", id), zap.String("uri", job.URI))
	return rec, nil
}

// Jobs returns all downloads, oldest first
func (s *Service) Jobs() []model.Download {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]model.Download, 0, len(s.downloads))
	for _, e := range s.downloads {
		jobs = append(jobs, e.rec)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Get returns a download by ID
func (s *Service) Get(id string) (model.Download, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.downloads[id]
	if !ok {
		return model.Download{}, false
	}
	return e.rec, true
}

// Remove stops tracking a download without reporting it anywhere
func (s *Service) Remove(id string, purge bool) error {
	s.mu.Lock()
	e, ok := s.downloads[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.downloads, id)
	e.cancelled = true
	if e.cancel != nil {
		e.cancel()
	}
	output := e.rec.OutputPath
	s.mu.Unlock()

	s.persistMu.Lock()
	err := s.store.Delete(context.Background(), id)
	s.persistMu.Unlock()
	if err != nil {
		s.logger.Warn("failed to delete download record", zap.String("id", id), zap.Error(err))
	}
	if purge {
		if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("purge %s: %w", output, err)
		}
	}
	return nil
}

// Pause stops a pending or running transfer and keeps the partial file
func (s *Service) Pause(id string) error {
	s.mu.Lock()
	e, ok := s.downloads[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.rec.Status != model.DownloadStatusPending && e.rec.Status != model.DownloadStatusRunning {
		status := e.rec.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, status)
	}
	e.pausing = true
	e.rec.Status = model.DownloadStatusPaused
	if e.cancel != nil {
		e.cancel()
	}
	rec, seq := s.snapshotLocked(e)
	s.mu.Unlock()

	s.persist(e, rec, seq)
	return nil
}

// Resume requeues a paused download; the transfer continues from the partial file
func (s *Service) Resume(id string) error {
	s.mu.Lock()
	e, ok := s.downloads[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.rec.Status != model.DownloadStatusPaused {
		status := e.rec.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPaused, status)
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	e.pausing = false
	e.rec.Status = model.DownloadStatusPending
	rec, seq := s.snapshotLocked(e)
	s.startLocked(e)
	s.mu.Unlock()

	s.persist(e, rec, seq)
	return nil
}

// Cancel aborts an in-flight download; listeners see it as failed
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	e, ok := s.downloads[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.rec.Status.IsInFlight() {
		status := e.rec.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, status)
	}
	e.cancelled = true
	if e.cancel != nil && e.rec.Status != model.DownloadStatusPaused {
		e.cancel()
		s.mu.Unlock()
		return nil
	}

	// Paused downloads have no worker to report the cancellation
	e.gen++
	s.finishLocked(e, model.DownloadStatusFailed, cancelledMessage)
	rec, seq := s.snapshotLocked(e)
	s.mu.Unlock()

	os.Remove(rec.OutputPath)
	s.persist(e, rec, seq)
	s.notify(rec)
	return nil
}

// Wait blocks until download id reaches a terminal status or stops being
// tracked, and returns the last record seen. A paused download never
// finishes on its own, so Wait returns ErrNotActive for it.
func (s *Service) Wait(ctx context.Context, id string) (model.Download, error) {
	ticker := time.NewTicker(WaitPollInterval)
	defer ticker.Stop()

	var last model.Download
	seen := false
	for {
		rec, ok := s.Get(id)
		switch {
		case !ok && !seen:
			return model.Download{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		case !ok:
			// Taken over by a listener after finishing
			return last, nil
		case rec.Status.IsFinished():
			return rec, nil
		case rec.Status == model.DownloadStatusPaused:
			return rec, fmt.Errorf("%w: %s", ErrNotActive, rec.Status)
		}
		last, seen = rec, true

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Restore reloads persisted downloads and requeues the unfinished ones
func (s *Service) Restore(ctx context.Context) error {
	records, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("restore downloads: %w", err)
	}

	type snapshot struct {
		e   *entry
		rec model.Download
		seq uint64
	}
	var requeued []snapshot
	s.mu.Lock()
	for _, rec := range records {
		if _, exists := s.downloads[rec.ID]; exists {
			continue
		}
		e := &entry{rec: rec}
		s.downloads[rec.ID] = e
		if rec.Status == model.DownloadStatusPending || rec.Status == model.DownloadStatusRunning {
			e.rec.Status = model.DownloadStatusPending
			snap, seq := s.snapshotLocked(e)
			s.startLocked(e)
			requeued = append(requeued, snapshot{e: e, rec: snap, seq: seq})
		}
	}
	s.mu.Unlock()

	for _, r := range requeued {
		s.persist(r.e, r.rec, r.seq)
	}
	s.logger.Info("downloads restored", zap.Int("total", len(records)), zap.Int("requeued", len(requeued)))
	return nil
}

// Close stops all workers. Interrupted downloads stay pending in the store.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
	return nil
}

// startLocked spawns a worker for e; s.mu must be held
func (s *Service) startLocked(e *entry) {
	ctx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel
	e.gen++
	s.wg.Add(1)
	go s.run(ctx, e, e.gen)
}

// run performs the transfer of a single download
func (s *Service) run(ctx context.Context, e *entry, gen int) {
	defer s.wg.Done()

	var err error
	if err = s.sem.Acquire(ctx, 1); err == nil {
		err = s.transfer(ctx, e, gen)
		s.sem.Release(1)
	}

	s.mu.Lock()
	if e.gen != gen {
		// Superseded by Resume or finished by Cancel
		s.mu.Unlock()
		return
	}

	notify := false
	switch {
	case e.cancelled:
		s.finishLocked(e, model.DownloadStatusFailed, cancelledMessage)
		notify = true
	case e.pausing:
		e.rec.Status = model.DownloadStatusPaused
	case s.ctx.Err() != nil:
		e.rec.Status = model.DownloadStatusPending
	case err != nil:
		s.finishLocked(e, model.DownloadStatusFailed, err.Error())
		notify = true
	default:
		s.finishLocked(e, model.DownloadStatusSuccessful, "")
		e.rec.Progress = 1.0
		notify = true
	}
	rec, seq := s.snapshotLocked(e)
	_, tracked := s.downloads[rec.ID]
	s.mu.Unlock()

	if !tracked {
		return
	}
	if rec.Status == model.DownloadStatusFailed && rec.LastError == cancelledMessage {
		os.Remove(rec.OutputPath)
	}
	s.persist(e, rec, seq)

	if notify {
		if rec.Status == model.DownloadStatusSuccessful {
			s.logger.Info("download completed", zap.String("id", rec.ID), zap.String("path", rec.OutputPath))
		} else {
			s.logger.Warn("download failed", zap.String("id", rec.ID), zap.String("error", rec.LastError))
		}
		s.notify(rec)
	}
}

// transfer runs the HTTP fetch with retry
func (s *Service) transfer(ctx context.Context, e *entry, gen int) error {
	s.mu.Lock()
	if e.gen != gen || e.pausing || e.cancelled {
		s.mu.Unlock()
		return context.Canceled
	}
	e.rec.Status = model.DownloadStatusRunning
	rec, seq := s.snapshotLocked(e)
	s.mu.Unlock()
	s.persist(e, rec, seq)

	s.metrics.DownloadStarted()
	defer s.metrics.DownloadStopped()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			s.logger.Info("retrying download", zap.String("id", rec.ID), zap.Int("attempt", attempt))
		}
		err := s.fetch(ctx, e, rec.URI, rec.OutputPath)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if err != nil {
			s.logger.Debug("download attempt failed", zap.String("id", rec.ID), zap.Int("attempt", attempt), zap.Error(err))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.retries+1)))
	return err
}

// fetch performs a single HTTP attempt, resuming from any partial file
func (s *Service) fetch(ctx context.Context, e *entry, uri, output string) error {
	var offset int64
	if info, err := os.Stat(output); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrInvalidURI, err))
	}
	req.Header.Set("User-Agent", UserAgent)
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// Partial file already holds the whole payload
		s.setProgress(e, offset, offset)
		return nil
	case resp.StatusCode == http.StatusOK:
		offset = 0
		flags |= os.O_TRUNC
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode))
	default:
		return fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
		if total > s.maxBytes {
			return backoff.Permanent(fmt.Errorf("%w: %d bytes", ErrTooLarge, total))
		}
	}

	f, err := os.OpenFile(output, flags, platform.DefaultFilePermissions)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("open output: %w", err))
	}
	defer f.Close()

	s.setProgress(e, offset, total)
	w := &progressWriter{w: f, done: offset, total: total, onWrite: func(done int64, n int) {
		s.metrics.BytesWritten(int64(n))
		s.setProgress(e, done, total)
	}}

	limit := s.maxBytes - offset
	n, err := io.Copy(w, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return err
	}
	if n > limit {
		return backoff.Permanent(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxBytes))
	}
	if total >= 0 && offset+n < total {
		return fmt.Errorf("short body: got %d of %d bytes", offset+n, total)
	}
	return nil
}

func (s *Service) setProgress(e *entry, done, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.rec.BytesDone = done
	e.rec.BytesTotal = total
	if total > 0 {
		e.rec.Progress = float64(done) / float64(total)
	}
}

// finishLocked moves e to a terminal status; s.mu must be held
func (s *Service) finishLocked(e *entry, status model.DownloadStatus, lastError string) {
	e.rec.Status = status
	e.rec.LastError = lastError
	e.rec.FinishedAt = time.Now()
	s.metrics.DownloadFinished(status.String())
}

// notify calls every listener with a terminal record
func (s *Service) notify(rec model.Download) {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, l := range listeners {
		if rec.Status == model.DownloadStatusSuccessful {
			l.OnDownloadCompleted(rec)
		} else {
			l.OnDownloadFailed(rec)
		}
	}
}

// snapshotLocked copies e's record for persisting; s.mu must be held
func (s *Service) snapshotLocked(e *entry) (model.Download, uint64) {
	e.seq++
	return e.rec, e.seq
}

// persist saves a snapshot unless a newer one exists or the download was
// removed, so a late write never brings back a deleted or older record
func (s *Service) persist(e *entry, rec model.Download, seq uint64) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	current := s.downloads[rec.ID] == e && e.seq == seq
	s.mu.RUnlock()
	if !current {
		return
	}
	if err := s.store.Save(context.Background(), rec); err != nil {
		s.logger.Warn("failed to persist download", zap.String("id", rec.ID), zap.Error(err))
	}
}

type progressWriter struct {
	w       io.Writer
	done    int64
	total   int64
	onWrite func(done int64, n int)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if n > 0 {
		p.onWrite(p.done, n)
	}
	return n, err
}

func validateURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return nil
}

// generateDownloadID generates a unique, time-ordered download ID
func generateDownloadID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf(IDPrefix+"%d", time.Now().UnixNano())
	}
	return IDPrefix + id.String()
}
