package service

import (
	"context"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/scheduler"
	"wadispatch/internal/store"
	"wadispatch/internal/util"
)

type Store interface {
	GetTenant(ctx context.Context, tenantID string) (store.Tenant, bool, error)
	InsertJob(ctx context.Context, in store.JobInsert, recipients []store.RecipientInsert) error
	GetJob(ctx context.Context, jobID string) (store.ScheduledJob, bool, error)
	ListRecipients(ctx context.Context, jobID string) ([]store.Recipient, error)
	CancelJob(ctx context.Context, jobID string, now time.Time) (bool, error)
}

// Engine is the scheduling surface the CRUD layer calls. It only writes
// pending jobs; the scheduler process picks them up on its next tick.
type Engine struct {
	Store Store
}

func (e *Engine) ScheduleSingleMessage(ctx context.Context, req domain.ScheduleMessageRequest, now time.Time) (domain.ScheduleResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.ScheduleResponse{}, err
	}
	if _, found, err := e.Store.GetTenant(ctx, req.TenantID); err != nil {
		return domain.ScheduleResponse{}, err
	} else if !found {
		return domain.ScheduleResponse{}, domain.ErrTenantUnknown
	}

	when := now
	if req.SendAt != nil {
		when = req.SendAt.UTC()
	}

	jobID := util.NewJobID()
	err := e.Store.InsertJob(ctx, store.JobInsert{
		ID:          jobID,
		TenantID:    req.TenantID,
		Kind:        string(domain.KindSingle),
		Body:        req.Body,
		ScheduledAt: when,
		Now:         now,
	}, []store.RecipientInsert{{ID: util.NewRecipientID(), Address: req.To}})
	if err != nil {
		return domain.ScheduleResponse{}, err
	}
	return domain.ScheduleResponse{JobID: jobID, Status: string(domain.JobPending), ScheduledAt: when}, nil
}

func (e *Engine) ScheduleCampaign(ctx context.Context, req domain.ScheduleCampaignRequest, now time.Time) (domain.ScheduleResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.ScheduleResponse{}, err
	}
	if req.Recurrence != "" {
		if err := scheduler.ValidateRecurrence(req.Recurrence); err != nil {
			return domain.ScheduleResponse{}, domain.ErrBadRecurrence
		}
	}
	if _, found, err := e.Store.GetTenant(ctx, req.TenantID); err != nil {
		return domain.ScheduleResponse{}, err
	} else if !found {
		return domain.ScheduleResponse{}, domain.ErrTenantUnknown
	}

	when := now
	if req.SendAt != nil {
		when = req.SendAt.UTC()
	}

	recipients := make([]store.RecipientInsert, 0, len(req.Recipients))
	for _, to := range req.Recipients {
		recipients = append(recipients, store.RecipientInsert{ID: util.NewRecipientID(), Address: to})
	}

	jobID := util.NewJobID()
	err := e.Store.InsertJob(ctx, store.JobInsert{
		ID:          jobID,
		TenantID:    req.TenantID,
		Kind:        string(domain.KindCampaign),
		Body:        req.Body,
		ScheduledAt: when,
		Recurrence:  req.Recurrence,
		Now:         now,
	}, recipients)
	if err != nil {
		return domain.ScheduleResponse{}, err
	}
	return domain.ScheduleResponse{JobID: jobID, Status: string(domain.JobPending), ScheduledAt: when}, nil
}

// CancelJob honors cancellation only while the job is still pending. When
// the conditional update loses against a concurrent claim, the job runs to
// completion and the caller learns it was too late.
func (e *Engine) CancelJob(ctx context.Context, jobID string, now time.Time) error {
	job, found, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrJobNotFound
	}
	if job.Status == string(domain.JobCanceled) {
		return nil
	}
	canceled, err := e.Store.CancelJob(ctx, jobID, now)
	if err != nil {
		return err
	}
	if !canceled {
		return domain.ErrNotCancelable
	}
	return nil
}

func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (domain.JobStatusResponse, error) {
	job, found, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobStatusResponse{}, err
	}
	if !found {
		return domain.JobStatusResponse{}, domain.ErrJobNotFound
	}
	rcpts, err := e.Store.ListRecipients(ctx, jobID)
	if err != nil {
		return domain.JobStatusResponse{}, err
	}

	out := domain.JobStatusResponse{
		JobID:       job.ID,
		TenantID:    job.TenantID,
		Kind:        job.Kind,
		Status:      job.Status,
		ScheduledAt: job.ScheduledAt,
		Recurrence:  job.Recurrence,
		Recipients:  make([]domain.RecipientView, 0, len(rcpts)),
	}
	for _, r := range rcpts {
		out.Recipients = append(out.Recipients, domain.RecipientView{
			ID:        r.ID,
			Address:   r.Address,
			Status:    r.Status,
			Attempts:  r.Attempts,
			LastError: r.LastError,
		})
	}
	return out, nil
}
