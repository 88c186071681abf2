// Package quota gates per-tenant message volume per billing period.
package quota

import (
	"context"
	"time"
)

type Store interface {
	TryConsumeQuota(ctx context.Context, tenantID, periodKey string, limit, amount int, now time.Time) (allowed bool, consumed int, err error)
}

type Enforcer struct {
	Store Store
}

// PeriodKey is the tenant's current billing period. Rollover simply starts
// a fresh row; old periods are left for reporting.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// TryConsume debits one send if the tenant is under its plan limit. The
// debit is a single conditional increment in the store; denial never
// mutates state. Under concurrent bursts the limit can be overshot by at
// most the in-flight concurrency, which is an accepted tradeoff.
func (e *Enforcer) TryConsume(ctx context.Context, tenantID string, limit int, now time.Time) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	allowed, _, err := e.Store.TryConsumeQuota(ctx, tenantID, PeriodKey(now), limit, 1, now)
	if err != nil {
		return false, err
	}
	return allowed, nil
}
