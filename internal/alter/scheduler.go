package alter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SchedulerConfig holds runtime parameters for the alter scheduler.
type SchedulerConfig struct {
	Interval    time.Duration
	HistoryKeep time.Duration
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:    1 * time.Second,
		HistoryKeep: 7 * 24 * time.Hour,
	}
}

// Scheduler ticks the handler on a fixed interval and forgets finished
// jobs once they are older than HistoryKeep.
type Scheduler struct {
	h   *Handler
	cfg SchedulerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(h *Handler, cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HistoryKeep <= 0 {
		cfg.HistoryKeep = def.HistoryKeep
	}
	return &Scheduler{h: h, cfg: cfg}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.h.logger.Info("alter scheduler started", "interval", s.cfg.Interval, "history_keep", s.cfg.HistoryKeep)
}

// Stop signals the loop to exit and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.h.logger.Info("alter scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.h.Tick(ctx)
			if n := s.h.registry.Prune(s.h.env.now().Add(-s.cfg.HistoryKeep)); n > 0 {
				s.h.logger.Info("pruned finished alter jobs", "count", n)
			}
		}
	}
}

// Tick gives every unfinished job one chance to advance. Timed out jobs
// always run so they can cancel themselves; other jobs run only if the
// limiter admits them. A panic in one job is logged and does not stop the
// others.
func (h *Handler) Tick(ctx context.Context) {
	start := time.Now()
	jobs := h.registry.Snapshot()
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		h.runOne(ctx, job)
	}
	h.observer.TickDone(time.Since(start), len(jobs))
}

func (h *Handler) runOne(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("alter job panicked", "job_id", job.ID(), "table_id", job.TableID(), "panic", fmt.Sprint(r))
		}
	}()

	switch {
	case job.IsDone():
	case job.IsTimeout():
		job.Run(ctx)
	case h.limiter.Admit(job):
		h.observer.JobAdmitted(job.Kind())
		job.Run(ctx)
	default:
		h.observer.JobSuspended(job.Kind())
		h.logger.Debug("alter job suspended, too many running jobs on table",
			"job_id", job.ID(), "table_id", job.TableID(), "max_running", h.MaxRunningPerTable())
		return
	}
	if job.IsDone() {
		h.onJobDone(job)
	}
}
