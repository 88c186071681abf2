package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"wadispatch/internal/breaker"
	"wadispatch/internal/domain"
	"wadispatch/internal/observability"
	"wadispatch/internal/providers/waha"
	"wadispatch/internal/quota"
	"wadispatch/internal/retry"
	"wadispatch/internal/state"
	"wadispatch/internal/store"
	"wadispatch/internal/util"
)

type Store interface {
	MarkRecipientSending(ctx context.Context, recipientID string, now time.Time) (bool, error)
	UpdateRecipient(ctx context.Context, in store.RecipientResult) (bool, error)
	InsertAttempt(ctx context.Context, in store.SendAttempt) error
}

type Gateway interface {
	SendText(ctx context.Context, cred waha.Credential, chatID, text string) (waha.SendResponse, int, []byte, error)
}

// Processor runs one unit of work: a single recipient of a claimed job.
// Order per unit: quota gate, then retry around breaker around gateway,
// then state sync. Per-recipient failures stay contained here; siblings
// and the owning job are untouched.
type Processor struct {
	Store    Store
	Gateway  Gateway
	Quota    *quota.Enforcer
	Breakers *breaker.Registry
	Sync     *state.Sync
	Retry    retry.Policy
}

func (p *Processor) Process(ctx context.Context, job store.ScheduledJob, tenant store.Tenant, limiter *rate.Limiter, rcpt store.Recipient) error {
	if domain.RecipientStatus(rcpt.Status).Terminal() {
		return nil
	}

	// Attempts are persisted, so the ceiling holds across revived runs.
	if rcpt.Attempts >= p.Retry.Attempts() {
		if err := p.claimSending(ctx, &rcpt); err != nil || rcpt.Status != string(domain.RecipientSending) {
			return err
		}
		_, err := p.Sync.RecordAttempt(ctx, job, rcpt, state.Outcome{Kind: state.OutcomeExhausted})
		return err
	}

	if err := p.claimSending(ctx, &rcpt); err != nil || rcpt.Status != string(domain.RecipientSending) {
		return err
	}

	// Quota gate before any gateway call. A store fault here aborts the
	// unit; the liveness safeguard re-runs the job later.
	allowed, err := p.Quota.TryConsume(ctx, job.TenantID, tenant.PlanLimit, util.NowUTC())
	if err != nil {
		slog.Error("quota check failed", "err", err, "tenant_id", job.TenantID, "job_id", job.ID)
		return err
	}
	if !allowed {
		observability.QuotaDenied.WithLabelValues(job.TenantID).Inc()
		_, err := p.Sync.RecordAttempt(ctx, job, rcpt, state.Outcome{Kind: state.OutcomeQuotaDenied})
		return err
	}

	cred := waha.Credential{Session: tenant.WASession, APIKey: tenant.APIKey}
	chatID := util.ToChatID(rcpt.Address)

	// Budget shrinks by attempts already burned in earlier runs.
	budget := p.Retry
	budget.MaxRetries -= rcpt.Attempts

	var syncErr error
	_, lastErr := retry.Do(ctx, budget, retryableSend, func(ctx context.Context, attempt int) error {
		// A transient failure parks the row back in queued; re-claim it.
		if rcpt.Status != string(domain.RecipientSending) {
			if err := p.claimSending(ctx, &rcpt); err != nil {
				return err
			}
			if rcpt.Status != string(domain.RecipientSending) {
				return nil // lost the row to another writer
			}
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		start := time.Now()
		res, httpStatus, raw, callErr := p.sendThroughBreaker(ctx, cred, chatID, job.Body)

		if breaker.IsOpen(callErr) {
			// Fast-fail without charging an attempt; retry may outlast
			// the open window, otherwise the recipient stays queued for
			// a later revived run.
			observability.GatewaySend.WithLabelValues("cb_open", "0").Inc()
			p.park(ctx, job, &rcpt, "circuit_open")
			return gwError{err: callErr}
		}

		_ = p.Store.InsertAttempt(ctx, store.SendAttempt{
			RecipientID:  rcpt.ID,
			JobID:        job.ID,
			GatewayMsgID: res.ID,
			HTTPStatus:   httpStatus,
			ErrorMsg:     errString(callErr),
			RequestJSON:  map[string]any{"session": cred.Session, "chatId": chatID, "tenantId": job.TenantID},
			ResponseJSON: map[string]any{"raw": string(raw)},
		})

		if callErr == nil {
			observability.GatewaySend.WithLabelValues("ok", strconv.Itoa(httpStatus)).Inc()
			observability.GatewayLatency.Observe(time.Since(start).Seconds())
			_, syncErr = p.Sync.RecordAttempt(ctx, job, rcpt, state.Outcome{
				Kind: state.OutcomeSuccess, GatewayMsgID: res.ID,
			})
			return nil
		}

		observability.GatewaySend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()

		transient := waha.ShouldRetry(callErr, httpStatus)
		kind := state.OutcomePermanent
		if transient {
			kind = state.OutcomeTransient
		}
		var newStatus domain.RecipientStatus
		newStatus, syncErr = p.Sync.RecordAttempt(ctx, job, rcpt, state.Outcome{
			Kind:           kind,
			Err:            callErr,
			AttemptsRemain: transient && attempt < budget.MaxRetries,
		})
		rcpt.Status = string(newStatus)
		rcpt.Attempts++
		return gwError{err: callErr, httpStatus: httpStatus}
	})

	if syncErr != nil {
		return syncErr
	}
	if lastErr != nil && breaker.IsOpen(lastErr) {
		// Parked, not failed: indistinguishable from a transient failure
		// for the caller, but the recipient keeps its attempt budget.
		return lastErr
	}
	return lastErr
}

// claimSending moves the recipient queued -> sending; on a lost race the
// status is left as observed and the caller gives up on the row.
func (p *Processor) claimSending(ctx context.Context, rcpt *store.Recipient) error {
	ok, err := p.Store.MarkRecipientSending(ctx, rcpt.ID, util.NowUTC())
	if err != nil {
		return err
	}
	if ok {
		rcpt.Status = string(domain.RecipientSending)
	}
	return nil
}

// park returns a claimed recipient to queued without charging an attempt.
func (p *Processor) park(ctx context.Context, job store.ScheduledJob, rcpt *store.Recipient, reason string) {
	applied, err := p.Store.UpdateRecipient(ctx, store.RecipientResult{
		ID:         rcpt.ID,
		FromStatus: rcpt.Status,
		Status:     string(domain.RecipientQueued),
		LastError:  reason,
		Now:        util.NowUTC(),
	})
	if err != nil || !applied {
		slog.Warn("recipient park failed", "err", err, "job_id", job.ID, "recipient_id", rcpt.ID)
		return
	}
	rcpt.Status = string(domain.RecipientQueued)
}

func (p *Processor) sendThroughBreaker(ctx context.Context, cred waha.Credential, chatID, text string) (waha.SendResponse, int, []byte, error) {
	call := func() (any, error) {
		res, httpStatus, raw, err := p.Gateway.SendText(ctx, cred, chatID, text)
		if err != nil {
			return nil, gwError{err: err, httpStatus: httpStatus, raw: raw}
		}
		return sendResult{res: res, httpStatus: httpStatus, raw: raw}, nil
	}

	if p.Breakers == nil {
		out, err := call()
		return unpack(out, err)
	}
	out, err := p.Breakers.For(cred.Session).Execute(call)
	return unpack(out, err)
}

func unpack(out any, err error) (waha.SendResponse, int, []byte, error) {
	if err != nil {
		var ge gwError
		if errors.As(err, &ge) {
			return waha.SendResponse{}, ge.httpStatus, ge.raw, err
		}
		return waha.SendResponse{}, 0, nil, err
	}
	r := out.(sendResult)
	return r.res, r.httpStatus, r.raw, nil
}

// retryableSend classifies errors for the retry handler: breaker
// rejections and transient gateway failures retry, everything else
// (terminal 4xx, persistence faults) returns immediately.
func retryableSend(err error) bool {
	if breaker.IsOpen(err) {
		return true
	}
	var ge gwError
	if errors.As(err, &ge) {
		return waha.ShouldRetry(ge.err, ge.httpStatus)
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type sendResult struct {
	res        waha.SendResponse
	httpStatus int
	raw        []byte
}

type gwError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e gwError) Error() string { return e.err.Error() }
func (e gwError) Unwrap() error { return e.err }
