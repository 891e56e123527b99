package unpack

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ytget/vrenv/internal/logging"
	"github.com/ytget/vrenv/internal/metrics"
	"github.com/ytget/vrenv/internal/model"
	"github.com/ytget/vrenv/internal/platform"
)

// Unpack constants
const (
	TaskIDPrefix = "unpack-"
	// PartialSuffix marks the staging directory an archive is extracted into
	PartialSuffix = ".partial"
	// DefaultMaxUncompressed caps the total extracted size of one archive
	DefaultMaxUncompressed = 2 * 1024 * 1024 * 1024
	progressStep           = 0.01
)

// Errors returned by the unpack service
var (
	ErrArchiveMissing = errors.New("archive does not exist")
	ErrInProgress     = errors.New("unpack already in progress")
	ErrNotFound       = errors.New("unpack task not found")
	ErrNotActive      = errors.New("unpack task is not active")
	ErrUnsafePath     = errors.New("archive entry escapes destination")
	ErrTooLarge       = errors.New("archive expands beyond size limit")
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

// WithMetrics records unpack results.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaxUncompressed sets the extracted size cap.
func WithMaxUncompressed(n int64) Option {
	return func(s *Service) { s.maxUncompressed = n }
}

type taskEntry struct {
	task   model.UnpackTask
	cancel context.CancelFunc
}

// Service handles archive extraction
type Service struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry
	wg    sync.WaitGroup

	maxUncompressed int64
	logger          *zap.Logger
	metrics         *metrics.Collector
}

// NewService creates a new unpack service
func NewService(opts ...Option) *Service {
	s := &Service{
		tasks:           make(map[string]*taskEntry),
		maxUncompressed: DefaultMaxUncompressed,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins extracting archive into dest. The destination only appears
// once every entry has been written.
func (s *Service) Start(archive, dest string, fn func(model.UnpackEvent)) (model.UnpackTask, error) {
	if fn == nil {
		fn = func(model.UnpackEvent) {}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.tasks {
		if e.task.IsActive() && (e.task.Archive == archive || e.task.OutputPath == dest) {
			return model.UnpackTask{}, fmt.Errorf("%w: %s", ErrInProgress, dest)
		}
	}

	if _, err := os.Stat(archive); os.IsNotExist(err) {
		return model.UnpackTask{}, fmt.Errorf("%w: %s", ErrArchiveMissing, archive)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &taskEntry{
		task: model.UnpackTask{
			ID:         generateTaskID(),
			Archive:    archive,
			OutputPath: dest,
			Status:     model.UnpackStarted,
			StartedAt:  time.Now(),
		},
		cancel: cancel,
	}
	s.tasks[e.task.ID] = e

	s.wg.Add(1)
	go s.run(ctx, e, fn)

	return e.task, nil
}

// Cancel stops a running extraction
func (s *Service) Cancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if !e.task.IsActive() {
		return fmt.Errorf("%w: %s", ErrNotActive, e.task.Status)
	}
	e.cancel()
	return nil
}

// GetTask returns an unpack task by ID
func (s *Service) GetTask(taskID string) (model.UnpackTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[taskID]
	if !ok {
		return model.UnpackTask{}, false
	}
	return e.task, true
}

// Close cancels every running task and waits for the workers
func (s *Service) Close() error {
	s.mu.Lock()
	for _, e := range s.tasks {
		e.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// run performs the extraction and reports its lifecycle
func (s *Service) run(ctx context.Context, e *taskEntry, fn func(model.UnpackEvent)) {
	defer s.wg.Done()
	defer e.cancel()

	archive, dest := e.task.Archive, e.task.OutputPath
	fn(model.UnpackEvent{TaskID: e.task.ID, Kind: model.UnpackStarted, Archive: archive})

	err := s.extract(ctx, archive, dest, func(progress float64) {
		s.mu.Lock()
		e.task.Status = model.UnpackProgress
		e.task.Progress = progress
		s.mu.Unlock()
		fn(model.UnpackEvent{TaskID: e.task.ID, Kind: model.UnpackProgress, Archive: archive, Progress: progress})
	})

	event := model.UnpackEvent{TaskID: e.task.ID, Archive: archive}
	s.mu.Lock()
	switch {
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		e.task.Status = model.UnpackCancelled
		event.Kind = model.UnpackCancelled
	case err != nil:
		e.task.Status = model.UnpackFailed
		e.task.LastError = err.Error()
		event.Kind = model.UnpackFailed
		event.Err = err
	default:
		e.task.Status = model.UnpackFinished
		e.task.Progress = 1.0
		event.Kind = model.UnpackFinished
		event.Output = dest
		event.Progress = 1.0
	}
	e.task.FinishedAt = time.Now()
	s.mu.Unlock()

	s.metrics.Unpacked(strings.ToLower(string(event.Kind)))
	if err != nil {
		s.logger.Warn("unpack did not finish", zap.String("archive", archive), zap.String("result", string(event.Kind)), zap.Error(err))
	} else {
		s.logger.Info("unpack finished", zap.String("archive", archive), zap.String("output", dest))
	}
	fn(event)
}

// extract unpacks into a staging directory and renames it over dest
func (s *Service) extract(ctx context.Context, archive, dest string, onProgress func(float64)) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	var total uint64
	for _, f := range r.File {
		total += f.UncompressedSize64
	}
	if s.maxUncompressed > 0 && total > uint64(s.maxUncompressed) {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, total)
	}

	staging := dest + PartialSuffix
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, platform.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	var written uint64
	lastReported := -1.0
	report := func() {
		if total == 0 {
			return
		}
		p := float64(written) / float64(total)
		if p-lastReported >= progressStep {
			lastReported = p
			onProgress(p)
		}
	}

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(staging)
			return err
		}
		n, err := extractEntry(ctx, f, staging)
		if err != nil {
			os.RemoveAll(staging)
			return err
		}
		written += n
		report()
	}

	if err := os.RemoveAll(dest); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("replace destination: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), platform.DefaultDirPermissions); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("create destination parent: %w", err)
	}
	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("move into place: %w", err)
	}
	return nil
}

// extractEntry writes a single zip entry below root
func extractEntry(ctx context.Context, f *zip.File, root string) (uint64, error) {
	target, err := safeJoin(root, f.Name)
	if err != nil {
		return 0, err
	}

	mode := f.Mode()
	switch {
	case mode.IsDir():
		return 0, os.MkdirAll(target, platform.DefaultDirPermissions)
	case mode&os.ModeSymlink != 0:
		return 0, fmt.Errorf("%w: symlink %s", ErrUnsafePath, f.Name)
	}

	if err := os.MkdirAll(filepath.Dir(target), platform.DefaultDirPermissions); err != nil {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, platform.DefaultFilePermissions)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: io.LimitReader(rc, int64(f.UncompressedSize64)+1)})
	if err != nil {
		return uint64(n), err
	}
	if uint64(n) > f.UncompressedSize64 {
		return uint64(n), fmt.Errorf("%w: entry %s larger than declared", ErrTooLarge, f.Name)
	}
	return uint64(n), nil
}

// safeJoin resolves name below root, rejecting absolute and parent-relative entries
func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// generateTaskID generates a unique task ID using UUID v7 for time ordering
func generateTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf(TaskIDPrefix+"%d", time.Now().UnixNano())
	}
	return TaskIDPrefix + id.String()
}
