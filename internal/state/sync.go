// Package state owns every delivery-status transition. All writes go
// through conditional updates keyed on the previously observed status, so
// transitions are strictly ordered per recipient and finalization happens
// exactly once no matter how many workers race into it.
package state

import (
	"context"
	"log/slog"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/live"
	"wadispatch/internal/observability"
	"wadispatch/internal/store"
)

type Store interface {
	UpdateRecipient(ctx context.Context, in store.RecipientResult) (bool, error)
	CountRecipientStatuses(ctx context.Context, jobID string) (store.StatusCounts, error)
	FinalizeJob(ctx context.Context, jobID, final string, now time.Time) (bool, error)
}

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeQuotaDenied
	OutcomeTransient
	OutcomePermanent
	// OutcomeExhausted marks a recipient whose persisted attempt budget
	// was already spent before this run; no new attempt is charged.
	OutcomeExhausted
)

// Outcome is one dispatch attempt's result as reported by the worker pool.
type Outcome struct {
	Kind         OutcomeKind
	GatewayMsgID string
	Err          error
	// AttemptsRemain tells a transient failure apart from an exhausted
	// retry budget.
	AttemptsRemain bool
}

type Sync struct {
	Store Store
	Live  live.Publisher

	// OnJobFinal fires after a job is finalized (used by the scheduler to
	// chain recurring campaigns). Never invoked twice for one job.
	OnJobFinal func(ctx context.Context, job store.ScheduledJob, final domain.JobStatus)
}

// RecordAttempt persists the recipient transition for one attempt and, when
// the recipient lands in a terminal state, tries to finalize the job.
func (s *Sync) RecordAttempt(ctx context.Context, job store.ScheduledJob, rcpt store.Recipient, out Outcome) (domain.RecipientStatus, error) {
	next, lastErr, addAttempts := resolve(out)

	applied, err := s.Store.UpdateRecipient(ctx, store.RecipientResult{
		ID:           rcpt.ID,
		FromStatus:   rcpt.Status,
		Status:       string(next),
		LastError:    lastErr,
		GatewayMsgID: out.GatewayMsgID,
		AddAttempts:  addAttempts,
		Now:          time.Now().UTC(),
	})
	if err != nil {
		return next, err
	}
	if !applied {
		// Lost a race against another writer; the observed status moved on.
		slog.Warn("recipient transition skipped",
			"job_id", job.ID, "recipient_id", rcpt.ID, "from", rcpt.Status, "to", next)
		return next, nil
	}

	s.PushLiveUpdate(job.ID, rcpt.ID, rcpt.Address, string(next), lastErr)

	if next.Terminal() {
		if err := s.MaybeFinalizeJob(ctx, job); err != nil {
			return next, err
		}
	}
	return next, nil
}

func resolve(out Outcome) (domain.RecipientStatus, string, int) {
	switch out.Kind {
	case OutcomeSuccess:
		return domain.RecipientDelivered, "", 1
	case OutcomeQuotaDenied:
		// The gateway was never called; no attempt is charged.
		return domain.RecipientFailed, domain.ReasonQuotaExceeded, 0
	case OutcomeTransient:
		if out.AttemptsRemain {
			// Back to queued for the next attempt of this run (or a
			// revived run after a crash).
			return domain.RecipientQueued, errString(out.Err), 1
		}
		return domain.RecipientFailed, domain.ReasonRetryExhausted, 1
	case OutcomeExhausted:
		return domain.RecipientFailed, domain.ReasonRetryExhausted, 0
	default:
		return domain.RecipientFailed, errString(out.Err), 1
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// PushLiveUpdate notifies viewers after persisting. Failure to notify is
// invisible to the delivery path.
func (s *Sync) PushLiveUpdate(jobID, recipientID, address, status, lastErr string) {
	if s.Live == nil {
		return
	}
	s.Live.Publish(jobID, live.Event{
		JobID:       jobID,
		RecipientID: recipientID,
		Address:     address,
		Status:      status,
		Error:       lastErr,
		At:          time.Now().UTC(),
	})
}

// MaybeFinalizeJob finalizes the job once every recipient is terminal:
// completed when at least one recipient was delivered or read, failed when
// all of them failed. The conditional store update makes concurrent
// finalization attempts idempotent.
func (s *Sync) MaybeFinalizeJob(ctx context.Context, job store.ScheduledJob) error {
	counts, err := s.Store.CountRecipientStatuses(ctx, job.ID)
	if err != nil {
		return err
	}
	if !counts.AllTerminal() {
		return nil
	}

	final := domain.JobCompleted
	if counts.Delivered+counts.Read == 0 {
		final = domain.JobFailed
	}

	applied, err := s.Store.FinalizeJob(ctx, job.ID, string(final), time.Now().UTC())
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	observability.JobsFinalized.WithLabelValues(string(final)).Inc()
	slog.Info("job finalized",
		"job_id", job.ID, "tenant_id", job.TenantID, "status", final,
		"delivered", counts.Delivered, "read", counts.Read, "failed", counts.Failed)

	if s.OnJobFinal != nil {
		s.OnJobFinal(ctx, job, final)
	}
	return nil
}
