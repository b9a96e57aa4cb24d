// Package scheduler periodically flushes a buffer's staged chunks onto its
// queue on a fixed interval, without needing a dedicated goroutine and
// channel of our own: the orchestration is delegated to gocron, a
// cron/interval scheduler well suited to this kind of background job.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"chunkbuffer/internal/buffer"
	"chunkbuffer/internal/logging"
)

// Config configures a Scheduler.
type Config struct {
	// Buffer is flushed on every tick. Required.
	Buffer *buffer.Buffer

	// FlushInterval is how often EnqueueAll is called. Default 1s.
	FlushInterval time.Duration

	// Predicate, if set, is passed to Buffer.EnqueueAll on each tick so
	// only a subset of staged metadata is flushed (e.g. time-windowed
	// buffering, where a metadata should only flush once its timekey has
	// elapsed). Nil flushes every staged metadata.
	Predicate func(*buffer.Metadata) bool

	Logger *slog.Logger
}

// Scheduler drives a single periodic flush job against a Buffer. One
// Scheduler owns exactly one gocron.Scheduler instance; nothing else
// registers jobs on it.
type Scheduler struct {
	cfg       Config
	logger    *slog.Logger
	gocronSch gocron.Scheduler
}

// New constructs and starts a Scheduler. Call Shutdown when done.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Buffer == nil {
		return nil, fmt.Errorf("scheduler: Config.Buffer is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	logger := logging.Default(cfg.Logger).With("component", "scheduler")

	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create: %w", err)
	}

	s := &Scheduler{cfg: cfg, logger: logger, gocronSch: gs}

	_, err = gs.NewJob(
		gocron.DurationJob(cfg.FlushInterval),
		gocron.NewTask(s.flush),
		gocron.WithName("buffer-flush"),
		gocron.WithEventListeners(
			gocron.AfterJobRunsWithError(func(_ uuid.UUID, _ string, jobErr error) {
				logger.Warn("flush job returned an error", "error", jobErr)
			}),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: register flush job: %w", err)
	}

	gs.Start()
	logger.Info("scheduler started", "interval", cfg.FlushInterval)
	return s, nil
}

// flush is the job body: enqueue every staged chunk matching Predicate.
func (s *Scheduler) flush() error {
	return s.cfg.Buffer.EnqueueAll(s.cfg.Predicate)
}

// Shutdown stops the underlying gocron scheduler. Safe to call once; a
// second call returns gocron's own "already shut down" behavior.
func (s *Scheduler) Shutdown() error {
	if err := s.gocronSch.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}
