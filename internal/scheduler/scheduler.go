// Package scheduler owns time-based admission: it promotes due jobs into
// the worker pool and chains recurring campaigns.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/observability"
	"wadispatch/internal/store"
	"wadispatch/internal/util"
	"wadispatch/internal/worker"
)

type Store interface {
	DueJobs(ctx context.Context, now time.Time, limit int) ([]store.ScheduledJob, error)
	ClaimJob(ctx context.Context, jobID string, now time.Time) (bool, error)
	ReleaseJob(ctx context.Context, jobID string, now time.Time) (bool, error)
	ReviveStuckJobs(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error)
	InsertNextOccurrence(ctx context.Context, in store.JobInsert, fromJobID string, recipientID func() string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job store.ScheduledJob) error
}

type Scheduler struct {
	Store Store
	Pool  Enqueuer

	Interval   time.Duration // tick period
	StaleAfter time.Duration // in_progress older than this is revived
	BatchSize  int           // max claims per tick
}

func (s *Scheduler) interval() time.Duration {
	if s.Interval <= 0 {
		return 15 * time.Second
	}
	return s.Interval
}

// Run ticks until ctx is canceled. The first tick fires immediately so a
// restart picks up overdue work without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval())
	defer t.Stop()

	s.Tick(ctx, util.NowUTC())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick(ctx, util.NowUTC())
		}
	}
}

// Tick revives stuck jobs, then claims due jobs one by one and hands them
// to the pool. Claims are optimistic: with several scheduler instances,
// losing the conditional update just means another instance took the job.
// Far-overdue jobs are claimed like any other; there is no backfill
// skipping.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	if s.StaleAfter > 0 {
		revived, err := s.Store.ReviveStuckJobs(ctx, now, s.StaleAfter)
		if err != nil {
			slog.Error("revive stuck jobs failed", "err", err)
		} else if revived > 0 {
			slog.Warn("revived stuck jobs", "count", revived)
		}
	}

	batch := s.BatchSize
	if batch <= 0 {
		batch = 50
	}
	jobs, err := s.Store.DueJobs(ctx, now, batch)
	if err != nil {
		// Store unreachable: skip this tick rather than crash.
		slog.Error("due jobs query failed", "err", err)
		return
	}

	for _, job := range jobs {
		claimed, err := s.Store.ClaimJob(ctx, job.ID, now)
		if err != nil {
			slog.Error("claim failed", "err", err, "job_id", job.ID, "tenant_id", job.TenantID)
			continue
		}
		if !claimed {
			observability.SchedulerClaims.WithLabelValues("lost_race").Inc()
			continue
		}
		observability.SchedulerClaims.WithLabelValues("claimed").Inc()

		if err := s.Pool.Enqueue(ctx, job); err != nil {
			// Hand-off failed: revert the claim so the job is never left
			// in_progress with nobody working on it.
			if _, relErr := s.Store.ReleaseJob(ctx, job.ID, now); relErr != nil {
				slog.Error("release after failed hand-off failed",
					"err", relErr, "job_id", job.ID)
			}
			observability.SchedulerClaims.WithLabelValues("released").Inc()
			if errors.Is(err, worker.ErrQueueFull) {
				// Pool saturated: stop claiming, the rest stays pending
				// for the next tick.
				slog.Info("dispatch queue full, deferring remaining due jobs")
				return
			}
			slog.Error("hand-off failed", "err", err, "job_id", job.ID)
		}
	}
}

// OnJobFinal chains recurring campaigns: once a run finalizes, a fresh
// pending job is inserted for the rule's next fire time. The finished job
// itself is never mutated, keeping run history unambiguous.
func (s *Scheduler) OnJobFinal(ctx context.Context, job store.ScheduledJob, final domain.JobStatus) {
	if job.Recurrence == "" || final == domain.JobCanceled {
		return
	}
	now := util.NowUTC()
	next, err := NextFire(job.Recurrence, now)
	if err != nil {
		slog.Error("recurrence parse failed", "err", err, "job_id", job.ID, "rule", job.Recurrence)
		return
	}

	nextID := util.NewJobID()
	err = s.Store.InsertNextOccurrence(ctx, store.JobInsert{
		ID:          nextID,
		TenantID:    job.TenantID,
		Kind:        job.Kind,
		Body:        job.Body,
		ScheduledAt: next,
		Recurrence:  job.Recurrence,
		Now:         now,
	}, job.ID, util.NewRecipientID)
	if err != nil {
		slog.Error("insert next occurrence failed", "err", err, "job_id", job.ID)
		return
	}
	slog.Info("recurring campaign chained",
		"job_id", job.ID, "next_job_id", nextID, "next_at", next)
}
