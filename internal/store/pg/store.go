package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wadispatch/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) GetTenant(ctx context.Context, tenantID string) (store.Tenant, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, wa_session, api_key, plan_limit, send_concurrency
		FROM tenants WHERE id=$1
	`, tenantID)
	var t store.Tenant
	err := row.Scan(&t.ID, &t.WASession, &t.APIKey, &t.PlanLimit, &t.Concurrency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Tenant{}, false, nil
		}
		return store.Tenant{}, false, err
	}
	return t, true, nil
}

// InsertJob creates the job and its recipients in one transaction so a
// claimed job can never be observed without its recipient rows.
func (s *Store) InsertJob(ctx context.Context, in store.JobInsert, recipients []store.RecipientInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO scheduled_jobs (id, tenant_id, kind, body, scheduled_at, recurrence, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',$7,$7)
	`, in.ID, in.TenantID, in.Kind, in.Body, in.ScheduledAt, nullIfEmpty(in.Recurrence), in.Now)
	if err != nil {
		return err
	}
	for _, r := range recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO recipients (id, job_id, address, status, attempts, created_at, updated_at)
			VALUES ($1,$2,$3,'queued',0,$4,$4)
		`, r.ID, in.ID, r.Address, in.Now)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetJob(ctx context.Context, jobID string) (store.ScheduledJob, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, kind, body, scheduled_at, COALESCE(recurrence,''), status, created_at, updated_at
		FROM scheduled_jobs WHERE id=$1
	`, jobID)
	var j store.ScheduledJob
	err := row.Scan(&j.ID, &j.TenantID, &j.Kind, &j.Body, &j.ScheduledAt, &j.Recurrence, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ScheduledJob{}, false, nil
		}
		return store.ScheduledJob{}, false, err
	}
	return j, true, nil
}

func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]store.ScheduledJob, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, kind, body, scheduled_at, COALESCE(recurrence,''), status, created_at, updated_at
		FROM scheduled_jobs
		WHERE status='pending' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ScheduledJob
	for rows.Next() {
		var j store.ScheduledJob
		if err := rows.Scan(&j.ID, &j.TenantID, &j.Kind, &j.Body, &j.ScheduledAt, &j.Recurrence, &j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimJob moves a job pending -> in_progress. The WHERE clause makes the
// claim optimistic: with several scheduler instances racing, exactly one
// sees RowsAffected()==1.
func (s *Store) ClaimJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_jobs SET status='in_progress', updated_at=$2
		WHERE id=$1 AND status='pending'
	`, jobID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReleaseJob reverts a claimed job to pending so the next tick retries it.
func (s *Store) ReleaseJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_jobs SET status='pending', updated_at=$2
		WHERE id=$1 AND status='in_progress'
	`, jobID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReviveStuckJobs reclaims jobs left in_progress by a crashed run.
func (s *Store) ReviveStuckJobs(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_jobs SET status='pending', updated_at=$1
		WHERE status='in_progress' AND updated_at < $2
	`, now, now.Add(-staleAfter))
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// CancelJob only succeeds while the job is still pending; an in_progress
// job runs to completion.
func (s *Store) CancelJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_jobs SET status='canceled', updated_at=$2
		WHERE id=$1 AND status='pending'
	`, jobID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// FinalizeJob records the job's terminal status exactly once.
func (s *Store) FinalizeJob(ctx context.Context, jobID, final string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_jobs SET status=$2, updated_at=$3
		WHERE id=$1 AND status='in_progress'
	`, jobID, final, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ListRecipients(ctx context.Context, jobID string) ([]store.Recipient, error) {
	return s.queryRecipients(ctx, `
		SELECT id, job_id, address, status, attempts, COALESCE(last_error,''), COALESCE(gateway_msg_id,''), created_at, updated_at
		FROM recipients WHERE job_id=$1 ORDER BY created_at, id
	`, jobID)
}

// OpenRecipients returns the recipients of a job that still need dispatching.
// Rows stuck in sending are included so a revived job re-dispatches them.
func (s *Store) OpenRecipients(ctx context.Context, jobID string) ([]store.Recipient, error) {
	return s.queryRecipients(ctx, `
		SELECT id, job_id, address, status, attempts, COALESCE(last_error,''), COALESCE(gateway_msg_id,''), created_at, updated_at
		FROM recipients WHERE job_id=$1 AND status IN ('queued','sending') ORDER BY created_at, id
	`, jobID)
}

func (s *Store) queryRecipients(ctx context.Context, sql string, args ...any) ([]store.Recipient, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Recipient
	for rows.Next() {
		var r store.Recipient
		if err := rows.Scan(&r.ID, &r.JobID, &r.Address, &r.Status, &r.Attempts, &r.LastError, &r.GatewayMsgID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertNextOccurrence chains a recurring campaign: a fresh pending job
// with the finished run's recipient list, reset to queued with a full
// attempt budget. One transaction, so the new job is never visible without
// its recipients.
func (s *Store) InsertNextOccurrence(ctx context.Context, in store.JobInsert, fromJobID string, recipientID func() string) error {
	addrs, err := s.ListRecipients(ctx, fromJobID)
	if err != nil {
		return err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO scheduled_jobs (id, tenant_id, kind, body, scheduled_at, recurrence, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',$7,$7)
	`, in.ID, in.TenantID, in.Kind, in.Body, in.ScheduledAt, nullIfEmpty(in.Recurrence), in.Now)
	if err != nil {
		return err
	}
	for _, r := range addrs {
		_, err = tx.Exec(ctx, `
			INSERT INTO recipients (id, job_id, address, status, attempts, created_at, updated_at)
			VALUES ($1,$2,$3,'queued',0,$4,$4)
		`, recipientID(), in.ID, r.Address, in.Now)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// UpdateRecipient applies a status transition guarded by the previously
// observed status, so concurrent writers and terminal rows are never
// clobbered.
func (s *Store) UpdateRecipient(ctx context.Context, in store.RecipientResult) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE recipients
		SET status=$3, attempts=attempts+$4, last_error=$5, gateway_msg_id=COALESCE(NULLIF($6,''), gateway_msg_id), updated_at=$7
		WHERE id=$1 AND status=$2
	`, in.ID, in.FromStatus, in.Status, in.AddAttempts, nullIfEmpty(in.LastError), in.GatewayMsgID, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// MarkRecipientSending claims one recipient for a dispatch attempt.
func (s *Store) MarkRecipientSending(ctx context.Context, recipientID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE recipients SET status='sending', updated_at=$2
		WHERE id=$1 AND status IN ('queued','sending')
	`, recipientID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CountRecipientStatuses(ctx context.Context, jobID string) (store.StatusCounts, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status='delivered'),
		       COUNT(*) FILTER (WHERE status='read'),
		       COUNT(*) FILTER (WHERE status='failed')
		FROM recipients WHERE job_id=$1
	`, jobID)
	var c store.StatusCounts
	if err := row.Scan(&c.Total, &c.Delivered, &c.Read, &c.Failed); err != nil {
		return store.StatusCounts{}, err
	}
	return c, nil
}

// MarkRecipientRead upgrades a delivered recipient when the gateway reports
// a read ack. Only delivered rows move; failed and read rows stay put.
func (s *Store) MarkRecipientRead(ctx context.Context, gatewayMsgID string, now time.Time) (store.Recipient, bool, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE recipients SET status='read', updated_at=$2
		WHERE gateway_msg_id=$1 AND status='delivered'
		RETURNING id, job_id, address, status, attempts, COALESCE(last_error,''), COALESCE(gateway_msg_id,''), created_at, updated_at
	`, gatewayMsgID, now)
	var r store.Recipient
	err := row.Scan(&r.ID, &r.JobID, &r.Address, &r.Status, &r.Attempts, &r.LastError, &r.GatewayMsgID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Recipient{}, false, nil
		}
		return store.Recipient{}, false, err
	}
	return r, true, nil
}

// TryConsumeQuota is a single conditional increment: the DO UPDATE WHERE
// clause refuses the debit once the period's budget is spent, so denial
// never mutates state. Overshoot is bounded by in-flight concurrency only
// when racing inserts for a brand-new period.
func (s *Store) TryConsumeQuota(ctx context.Context, tenantID, periodKey string, limit, amount int, now time.Time) (bool, int, error) {
	if amount > limit {
		return false, 0, nil
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO quota_usage (tenant_id, period_key, consumed, plan_limit, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, period_key)
		DO UPDATE SET consumed = quota_usage.consumed + $3, updated_at = $5
		WHERE quota_usage.consumed + $3 <= quota_usage.plan_limit
		RETURNING consumed
	`, tenantID, periodKey, amount, limit, now)
	var consumed int
	err := row.Scan(&consumed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, consumed, nil
}

func (s *Store) InsertAttempt(ctx context.Context, in store.SendAttempt) error {
	reqB, _ := json.Marshal(in.RequestJSON)
	respB, _ := json.Marshal(in.ResponseJSON)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO send_attempts (recipient_id, job_id, gateway_msg_id, http_status, error_msg, request_json, response_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.RecipientID, in.JobID, nullIfEmpty(in.GatewayMsgID), in.HTTPStatus, nullIfEmpty(in.ErrorMsg), reqB, respB)
	return err
}

func (s *Store) InsertGatewayEvent(ctx context.Context, in store.GatewayEvent) error {
	b, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO gateway_events (session, gateway_msg_id, ack, payload_json, occurred_at)
		VALUES ($1,$2,$3,$4,COALESCE($5, now()))
	`, in.Session, in.GatewayMsgID, in.Ack, b, in.OccurredAt)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
