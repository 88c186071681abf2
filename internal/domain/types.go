package domain

import (
	"errors"
	"time"
)

type JobKind string

const (
	KindSingle   JobKind = "single"
	KindCampaign JobKind = "campaign"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobCanceled   JobStatus = "canceled"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further job transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCanceled || s == JobFailed
}

type RecipientStatus string

const (
	RecipientQueued    RecipientStatus = "queued"
	RecipientSending   RecipientStatus = "sending"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientRead      RecipientStatus = "read"
	RecipientFailed    RecipientStatus = "failed"
)

func (s RecipientStatus) Terminal() bool {
	return s == RecipientDelivered || s == RecipientRead || s == RecipientFailed
}

// Failure reasons recorded on a recipient's last_error.
const (
	ReasonQuotaExceeded  = "quota_exceeded"
	ReasonRetryExhausted = "retry_exhausted"
)

type ScheduleMessageRequest struct {
	TenantID string     `json:"tenantId"`
	To       string     `json:"to"`
	Body     string     `json:"body"`
	SendAt   *time.Time `json:"sendAt,omitempty"` // nil => now
}

func (r ScheduleMessageRequest) Validate() error {
	if r.TenantID == "" || r.To == "" || r.Body == "" {
		return ErrMissingFields
	}
	return nil
}

type ScheduleCampaignRequest struct {
	TenantID   string     `json:"tenantId"`
	Recipients []string   `json:"recipients"`
	Body       string     `json:"body"`
	SendAt     *time.Time `json:"sendAt,omitempty"`
	Recurrence string     `json:"recurrence,omitempty"` // 5-field cron expression
}

func (r ScheduleCampaignRequest) Validate() error {
	if r.TenantID == "" || r.Body == "" {
		return ErrMissingFields
	}
	if len(r.Recipients) == 0 {
		return ErrNoRecipients
	}
	for _, to := range r.Recipients {
		if to == "" {
			return ErrMissingFields
		}
	}
	return nil
}

var (
	ErrMissingFields = errors.New("missing required fields")
	ErrNoRecipients  = errors.New("recipient list is empty")
	ErrTenantUnknown = errors.New("unknown tenant")
	ErrJobNotFound   = errors.New("job not found")
	ErrNotCancelable = errors.New("job is not cancelable")
	ErrBadRecurrence = errors.New("invalid recurrence rule")
)

type ScheduleResponse struct {
	JobID       string    `json:"jobId"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

type RecipientView struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
}

type JobStatusResponse struct {
	JobID       string          `json:"jobId"`
	TenantID    string          `json:"tenantId"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	Recurrence  string          `json:"recurrence,omitempty"`
	Recipients  []RecipientView `json:"recipients"`
}
