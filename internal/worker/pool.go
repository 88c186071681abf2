package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wadispatch/internal/observability"
	"wadispatch/internal/state"
	"wadispatch/internal/store"
)

// ErrQueueFull tells the scheduler to leave the job pending for the next
// tick instead of buffering unboundedly.
var ErrQueueFull = errors.New("dispatch queue full")

type PoolStore interface {
	OpenRecipients(ctx context.Context, jobID string) ([]store.Recipient, error)
	GetTenant(ctx context.Context, tenantID string) (store.Tenant, bool, error)
}

// Pool fans a claimed job's recipients out to bounded concurrent sends.
// Job-level concurrency is fixed (Workers); send-level concurrency is a
// per-tenant semaphore so one tenant's slow gateway never starves another
// tenant's slots.
type Pool struct {
	Store PoolStore
	Proc  *Processor
	Sync  *state.Sync

	Workers            int
	QueueDepth         int
	TenantConcurrency  int     // default per-tenant concurrent sends
	TenantRatePerSec   float64 // gateway rate limit per tenant
	TenantBurst        int

	jobs chan store.ScheduledJob
	once sync.Once

	mu       sync.Mutex
	sems     map[string]chan struct{}
	limiters map[string]*rate.Limiter
}

func (p *Pool) init() {
	p.once.Do(func() {
		if p.Workers <= 0 {
			p.Workers = 4
		}
		if p.QueueDepth <= 0 {
			p.QueueDepth = 16
		}
		if p.TenantConcurrency <= 0 {
			p.TenantConcurrency = 5
		}
		p.jobs = make(chan store.ScheduledJob, p.QueueDepth)
		p.sems = make(map[string]chan struct{})
		p.limiters = make(map[string]*rate.Limiter)
	})
}

// Enqueue admits a claimed job for dispatch. It never blocks: beyond
// QueueDepth the caller gets ErrQueueFull and reverts the claim.
func (p *Pool) Enqueue(ctx context.Context, job store.ScheduledJob) error {
	p.init()
	select {
	case p.jobs <- job:
		return nil
	default:
		observability.PoolRejects.Inc()
		return ErrQueueFull
	}
}

// Run consumes admitted jobs until ctx is canceled. In-flight recipients
// drain per the job runner's own ctx handling; anything unfinished is
// revived by the scheduler's stale-job safeguard.
func (p *Pool) Run(ctx context.Context) {
	p.init()
	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					p.dispatch(ctx, job)
				}
			}
		}()
	}
	wg.Wait()
}

func (p *Pool) dispatch(ctx context.Context, job store.ScheduledJob) {
	start := time.Now()

	rcpts, err := p.Store.OpenRecipients(ctx, job.ID)
	if err != nil {
		// Store fault: abort the unit and rely on the revive cycle.
		slog.Error("open recipients failed", "err", err, "job_id", job.ID, "tenant_id", job.TenantID)
		return
	}

	tenant, found, err := p.Store.GetTenant(ctx, job.TenantID)
	if err != nil {
		slog.Error("tenant lookup failed", "err", err, "job_id", job.ID, "tenant_id", job.TenantID)
		return
	}
	if !found {
		p.failAll(ctx, job, rcpts, "unknown_tenant")
		return
	}

	sem := p.semFor(job.TenantID, tenant.Concurrency)
	lim := p.limiterFor(job.TenantID)

	var wg sync.WaitGroup
	for _, r := range rcpts {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(r store.Recipient) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.Proc.Process(ctx, job, tenant, lim, r); err != nil {
				slog.Info("recipient dispatch finished with error",
					"job_id", job.ID, "recipient_id", r.ID, "err", err)
			}
		}(r)
	}
	wg.Wait()

	// Safety net: the last recipient transition normally finalizes the
	// job, but a job revived with every recipient already terminal needs
	// this pass.
	if err := p.Sync.MaybeFinalizeJob(ctx, job); err != nil {
		slog.Error("finalize check failed", "err", err, "job_id", job.ID)
	}

	slog.Info("job dispatched",
		"job_id", job.ID, "tenant_id", job.TenantID, "recipients", len(rcpts),
		"duration", time.Since(start))
}

func (p *Pool) failAll(ctx context.Context, job store.ScheduledJob, rcpts []store.Recipient, reason string) {
	for _, r := range rcpts {
		if err := p.Proc.claimSending(ctx, &r); err != nil || r.Status != "sending" {
			continue
		}
		_, _ = p.Sync.RecordAttempt(ctx, job, r, state.Outcome{
			Kind: state.OutcomePermanent, Err: errors.New(reason),
		})
	}
	_ = p.Sync.MaybeFinalizeJob(ctx, job)
}

func (p *Pool) semFor(tenantID string, override int) chan struct{} {
	size := p.TenantConcurrency
	if override > 0 {
		size = override
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if sem, ok := p.sems[tenantID]; ok {
		return sem
	}
	sem := make(chan struct{}, size)
	p.sems[tenantID] = sem
	return sem
}

func (p *Pool) limiterFor(tenantID string) *rate.Limiter {
	if p.TenantRatePerSec <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if lim, ok := p.limiters[tenantID]; ok {
		return lim
	}
	burst := p.TenantBurst
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(p.TenantRatePerSec), burst)
	p.limiters[tenantID] = lim
	return lim
}
