// Package workers contains background workers for sitedeploy.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/sitedeploy/internal/core/domain"
	"github.com/google/uuid"
)

// Capturer renders a deployed site and returns the URL of the stored image.
type Capturer interface {
	Capture(ctx context.Context, appID int64, siteURL string) (coverURL string, err error)
}

// CaptureRecorder persists a finished capture.
type CaptureRecorder interface {
	MarkCaptured(ctx context.Context, capture *domain.AppCapture) error
}

// CaptureRearmer lets a failed capture be triggered again.
type CaptureRearmer interface {
	Forget(appID int64)
}

// CaptureWorkerConfig configures the capture worker.
type CaptureWorkerConfig struct {
	// QueueSize is the number of pending jobs held before new ones are dropped.
	// Default: 64.
	QueueSize int

	// Timeout bounds a single capture.
	// Default: 60 seconds.
	Timeout time.Duration
}

// DefaultCaptureWorkerConfig returns the default configuration.
func DefaultCaptureWorkerConfig() CaptureWorkerConfig {
	return CaptureWorkerConfig{
		QueueSize: 64,
		Timeout:   60 * time.Second,
	}
}

// CaptureJob is one queued screenshot request.
type CaptureJob struct {
	ID         string
	AppID      int64
	URL        string
	EnqueuedAt time.Time
}

// CaptureWorker takes screenshots of freshly served sites in the background.
// Callers never wait on it: Enqueue drops the job when the queue is full.
type CaptureWorker struct {
	capturer Capturer
	recorder CaptureRecorder
	rearmer  CaptureRearmer
	config   CaptureWorkerConfig
	logger   *slog.Logger

	jobs      chan CaptureJob
	processed atomic.Int64
	failed    atomic.Int64
	empty     atomic.Int64

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCaptureWorker creates a new capture worker. rearmer may be nil.
func NewCaptureWorker(
	capturer Capturer,
	recorder CaptureRecorder,
	rearmer CaptureRearmer,
	config CaptureWorkerConfig,
	logger *slog.Logger,
) *CaptureWorker {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &CaptureWorker{
		capturer: capturer,
		recorder: recorder,
		rearmer:  rearmer,
		config:   config,
		logger:   logger.With("component", "capture_worker"),
		jobs:     make(chan CaptureJob, config.QueueSize),
	}
}

// Enqueue schedules a capture of siteURL for appID. It never blocks and
// reports whether the job was accepted.
func (w *CaptureWorker) Enqueue(appID int64, siteURL string) bool {
	job := CaptureJob{
		ID:         uuid.NewString(),
		AppID:      appID,
		URL:        siteURL,
		EnqueuedAt: time.Now(),
	}

	select {
	case w.jobs <- job:
		w.logger.Debug("capture queued", "job_id", job.ID, "app_id", appID, "url", siteURL)
		return true
	default:
		w.logger.Warn("capture queue full, dropping job", "app_id", appID, "queue_size", w.config.QueueSize)
		if w.rearmer != nil {
			w.rearmer.Forget(appID)
		}
		return false
	}
}

// Start begins the capture worker background goroutine.
func (w *CaptureWorker) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(1)
	go w.run()

	w.logger.Info("capture worker started",
		"queue_size", w.config.QueueSize,
		"timeout", w.config.Timeout,
	)
}

// Stop gracefully stops the capture worker.
// It waits for the in-progress capture to finish; queued jobs are discarded.
func (w *CaptureWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("capture worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
		"empty", w.empty.Load(),
	)
}

// Processed returns the number of successful captures.
func (w *CaptureWorker) Processed() int64 {
	return w.processed.Load()
}

// Empty returns the number of captures that produced no cover and were not recorded.
func (w *CaptureWorker) Empty() int64 {
	return w.empty.Load()
}

// Failed returns the number of failed captures.
func (w *CaptureWorker) Failed() int64 {
	return w.failed.Load()
}

// run is the main loop that drains the job queue.
func (w *CaptureWorker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case job := <-w.jobs:
			w.process(job)
		}
	}
}

// process runs a single capture and persists its result.
func (w *CaptureWorker) process(job CaptureJob) {
	ctx, cancel := context.WithTimeout(w.ctx, w.config.Timeout)
	defer cancel()

	logger := w.logger.With("job_id", job.ID, "app_id", job.AppID)

	coverURL, err := w.capturer.Capture(ctx, job.AppID, job.URL)
	if err != nil {
		w.failed.Add(1)
		logger.Error("capture failed", "url", job.URL, "error", err)
		if w.rearmer != nil {
			w.rearmer.Forget(job.AppID)
		}
		return
	}

	// Without a cover the app stays uncaptured so a real renderer picks it up later.
	if coverURL == "" {
		w.empty.Add(1)
		logger.Info("capture produced no cover, not recorded", "url", job.URL)
		return
	}

	if err := w.recorder.MarkCaptured(ctx, &domain.AppCapture{
		AppID:      job.AppID,
		CoverURL:   coverURL,
		CapturedAt: time.Now().UTC(),
	}); err != nil {
		w.failed.Add(1)
		logger.Error("failed to record capture", "error", err)
		return
	}

	w.processed.Add(1)
	logger.Info("capture recorded",
		"cover_url", coverURL,
		"latency", time.Since(job.EnqueuedAt),
	)
}

// =============================================================================
// Log Capturer
// =============================================================================

// LogCapturer is a Capturer that only logs the request. It stands in for an
// external renderer and yields no cover URL.
type LogCapturer struct {
	Logger *slog.Logger
}

// Capture logs the site URL and succeeds.
func (c LogCapturer) Capture(_ context.Context, appID int64, siteURL string) (string, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("screenshot requested", "app_id", appID, "url", siteURL)
	return "", nil
}
