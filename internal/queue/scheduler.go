package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"image-compressor/internal/pool"
	"image-compressor/internal/services"
)

// Compressor is the codec the scheduler drives. *services.ImageCompressor implements it.
type Compressor interface {
	Compress(ctx context.Context, src services.Source, opts services.CompressionOptions) (*services.CompressedOutput, error)
}

// ProgressConfig shapes the simulated per-item progress shown while an item
// is processing. The codec does not report progress, so these ticks are
// cosmetic and say nothing about how far the encode actually got.
type ProgressConfig struct {
	Tick  time.Duration
	Start int // value set when processing begins
	Step  int // added on every tick
	Cap   int // ticks never go past this; only completion sets 100
}

// DefaultProgress matches the UI cadence: start at 10, +10 every 200ms, hold at 90.
var DefaultProgress = ProgressConfig{Tick: 200 * time.Millisecond, Start: 10, Step: 10, Cap: 90}

// ProgressFunc observes overall run progress after each item resolves.
type ProgressFunc func(done, total int, percent float64)

// Summary counts what one run did to the items it picked up.
type Summary struct {
	Total     int // pending items picked up at run start
	Completed int
	Failed    int
	Dropped   int // removed from the store before their outcome could be written
	Enlarged  int // completed, but the output is larger than the source
	Duration  time.Duration
}

// Message is the end-of-run notification text.
func (s Summary) Message() string {
	msg := fmt.Sprintf("%d files compressed successfully", s.Completed)
	if s.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", s.Failed)
	}
	return msg + "."
}

// Scheduler drives pending items through the codec in fixed-size groups.
// Group size is the worker pool width; a group finishes completely before
// the next one starts. Only one run may be in flight at a time.
type Scheduler struct {
	store      *Store
	codec      Compressor
	workers    *pool.WorkerPool
	progress   ProgressConfig
	onProgress ProgressFunc
	logger     *slog.Logger

	running atomic.Bool
	mu      sync.RWMutex
	overall float64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithProgressConfig overrides DefaultProgress.
func WithProgressConfig(cfg ProgressConfig) SchedulerOption {
	return func(s *Scheduler) { s.progress = cfg }
}

// WithProgressFunc registers an overall-progress observer.
func WithProgressFunc(fn ProgressFunc) SchedulerOption {
	return func(s *Scheduler) { s.onProgress = fn }
}

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a scheduler over store.
func NewScheduler(store *Store, codec Compressor, workers *pool.WorkerPool, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		codec:    codec,
		workers:  workers,
		progress: DefaultProgress,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsProcessing reports whether a run is in flight.
func (s *Scheduler) IsProcessing() bool {
	return s.running.Load()
}

// Progress returns the overall progress of the current or last run, 0-100.
func (s *Scheduler) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overall
}

// ResetProgress zeroes overall progress, e.g. after the queue is cleared.
func (s *Scheduler) ResetProgress() {
	s.setProgress(0)
}

func (s *Scheduler) setProgress(p float64) {
	s.mu.Lock()
	s.overall = p
	s.mu.Unlock()
}

// RunResult is delivered on Ticket.Done when a run ends.
type RunResult struct {
	Summary Summary
	Err     error
}

// Ticket describes a run that was claimed by Start or StartRetry.
type Ticket struct {
	Total int              // items picked up; 0 means nothing to do
	Done  <-chan RunResult // receives exactly one result, then closes
}

// Started reports whether the run has any items to process.
func (t *Ticket) Started() bool {
	return t.Total > 0
}

// Start claims the single-flight slot, snapshots the pending items and
// processes them in the background. It returns ErrAlreadyRunning without
// side effects while another run is in flight.
func (s *Scheduler) Start(ctx context.Context, opts services.CompressionOptions) (*Ticket, error) {
	opts, err := prepareOptions(opts)
	if err != nil {
		return nil, err
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	return s.launch(ctx, opts), nil
}

// StartRetry resets every failed item to pending and starts a run. With no
// failed items it releases the slot and returns a finished, empty ticket.
func (s *Scheduler) StartRetry(ctx context.Context, opts services.CompressionOptions) (*Ticket, error) {
	opts, err := prepareOptions(opts)
	if err != nil {
		return nil, err
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	n := s.store.ResetFailed()
	if n == 0 {
		s.running.Store(false)
		done := make(chan RunResult, 1)
		done <- RunResult{}
		close(done)
		return &Ticket{Done: done}, nil
	}
	s.logger.Info("retrying failed items", "count", n)
	return s.launch(ctx, opts), nil
}

// Run processes the items pending at call time and waits for the result.
// Items added during the run wait for the next one. It returns
// ErrAlreadyRunning if a run is in flight.
func (s *Scheduler) Run(ctx context.Context, opts services.CompressionOptions) (Summary, error) {
	t, err := s.Start(ctx, opts)
	if err != nil {
		return Summary{}, err
	}
	r := <-t.Done
	return r.Summary, r.Err
}

// RetryFailed resets every failed item to pending, runs again with opts and
// waits for the result. With no failed items it does nothing.
func (s *Scheduler) RetryFailed(ctx context.Context, opts services.CompressionOptions) (Summary, error) {
	t, err := s.StartRetry(ctx, opts)
	if err != nil {
		return Summary{}, err
	}
	r := <-t.Done
	return r.Summary, r.Err
}

// launch runs with the slot already claimed and releases it when done.
func (s *Scheduler) launch(ctx context.Context, opts services.CompressionOptions) *Ticket {
	pending := s.store.Pending()
	s.setProgress(0)

	done := make(chan RunResult, 1)
	go func() {
		summary, err := s.run(ctx, opts, pending)
		s.running.Store(false)
		done <- RunResult{Summary: summary, Err: err}
		close(done)
	}()
	return &Ticket{Total: len(pending), Done: done}
}

func prepareOptions(opts services.CompressionOptions) (services.CompressionOptions, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return opts, &services.CodecError{Op: "validate", Kind: services.ErrInvalidInput, Name: "options", Err: err}
	}
	return opts, nil
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeDropped
)

func (s *Scheduler) run(ctx context.Context, opts services.CompressionOptions, pending []Item) (Summary, error) {
	start := time.Now()
	summary := Summary{Total: len(pending)}
	if len(pending) == 0 {
		s.logger.Info("no files to process")
		return summary, nil
	}

	var completed, failed, dropped, enlarged, done int32
	total := len(pending)
	width := s.workers.Width()

	s.logger.Info("batch processing started",
		"items", total,
		"group_size", width,
		"quality", opts.Quality,
		"format", opts.OutputFormat)

	var runErr error
	for first := 0; first < total; first += width {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		group := pending[first:min(first+width, total)]
		tasks := make([]pool.TaskWithContext, len(group))
		for i, item := range group {
			tasks[i] = func(ctx context.Context) error {
				result, out, err := s.process(ctx, item, opts)
				switch result {
				case outcomeCompleted:
					atomic.AddInt32(&completed, 1)
					if out.Enlarged() {
						atomic.AddInt32(&enlarged, 1)
						s.logger.Warn("re-encoding enlarged the file",
							"item", item.ID,
							"name", item.Source.Name,
							"ratio", fmt.Sprintf("%.1f%%", out.CompressionRatio))
					}
				case outcomeFailed:
					atomic.AddInt32(&failed, 1)
				case outcomeDropped:
					atomic.AddInt32(&dropped, 1)
				}
				d := int(atomic.AddInt32(&done, 1))
				percent := float64(d) / float64(total) * 100
				s.setProgress(percent)
				if s.onProgress != nil {
					s.onProgress(d, total, percent)
				}
				return err
			}
		}
		// Per-item failures are already recorded on the items.
		_ = s.workers.RunGroup(ctx, tasks)
	}

	summary.Completed = int(completed)
	summary.Failed = int(failed)
	summary.Dropped = int(dropped)
	summary.Enlarged = int(enlarged)
	summary.Duration = time.Since(start)

	s.logger.Info("batch processing completed",
		"summary", summary.Message(),
		"completed", summary.Completed,
		"failed", summary.Failed,
		"dropped", summary.Dropped,
		"duration", summary.Duration)

	return summary, runErr
}

// process runs one item. It never panics and never affects other items.
func (s *Scheduler) process(ctx context.Context, item Item, opts services.CompressionOptions) (outcome, *services.CompressedOutput, error) {
	if !s.store.MarkProcessing(item.ID, s.progress.Start) {
		// removed (or already picked up) since the snapshot
		return outcomeDropped, nil, nil
	}

	stop := s.startTicker(item.ID)
	out, err := s.compress(ctx, item.Source, opts)
	stop()

	if err != nil {
		s.logger.Debug("item failed", "item", item.ID, "name", item.Source.Name, "error", err)
		if !s.store.Fail(item.ID, err.Error()) {
			return outcomeDropped, nil, err
		}
		return outcomeFailed, nil, err
	}
	if !s.store.Complete(item.ID, out) {
		return outcomeDropped, nil, nil
	}
	return outcomeCompleted, out, nil
}

func (s *Scheduler) compress(ctx context.Context, src services.Source, opts services.CompressionOptions) (out *services.CompressedOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &services.CodecError{Op: "compress", Kind: services.ErrCompressionFailed, Name: src.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	out, err = s.codec.Compress(ctx, src, opts)
	var codecErr *services.CodecError
	switch {
	case err != nil && !errors.As(err, &codecErr):
		return nil, &services.CodecError{Op: "compress", Kind: services.ErrCompressionFailed, Name: src.Name, Err: err}
	case err == nil && out == nil:
		return nil, &services.CodecError{Op: "compress", Kind: services.ErrCompressionFailed, Name: src.Name, Err: errors.New("codec returned no output")}
	}
	return out, err
}

// startTicker bumps the item's progress until stop is called. stop waits
// for the ticker goroutine to exit, so no tick lands after it returns.
func (s *Scheduler) startTicker(id string) (stop func()) {
	if s.progress.Tick <= 0 || s.progress.Step <= 0 {
		return func() {}
	}
	quit := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(s.progress.Tick)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-t.C:
				s.store.AdvanceProgress(id, s.progress.Step, s.progress.Cap)
			}
		}
	}()
	return func() {
		close(quit)
		<-exited
	}
}
