package worker

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"wadispatch/internal/breaker"
	"wadispatch/internal/domain"
	"wadispatch/internal/providers/waha"
	"wadispatch/internal/quota"
	"wadispatch/internal/retry"
	"wadispatch/internal/state"
	"wadispatch/internal/store"
)

// memStore mimics the conditional-update semantics of the pg store: status
// transitions only apply when the observed status still matches.
type memStore struct {
	mu sync.Mutex

	tenants  map[string]store.Tenant
	jobs     map[string]*store.ScheduledJob
	rcpts    map[string]*store.Recipient
	attempts []store.SendAttempt

	quotaUsed map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		tenants:   make(map[string]store.Tenant),
		jobs:      make(map[string]*store.ScheduledJob),
		rcpts:     make(map[string]*store.Recipient),
		quotaUsed: make(map[string]int),
	}
}

func (m *memStore) GetTenant(ctx context.Context, tenantID string) (store.Tenant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	return t, ok, nil
}

func (m *memStore) MarkRecipientSending(ctx context.Context, recipientID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rcpts[recipientID]
	if !ok || (r.Status != "queued" && r.Status != "sending") {
		return false, nil
	}
	r.Status = "sending"
	return true, nil
}

func (m *memStore) UpdateRecipient(ctx context.Context, in store.RecipientResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rcpts[in.ID]
	if !ok || r.Status != in.FromStatus {
		return false, nil
	}
	r.Status = in.Status
	r.Attempts += in.AddAttempts
	r.LastError = in.LastError
	if in.GatewayMsgID != "" {
		r.GatewayMsgID = in.GatewayMsgID
	}
	return true, nil
}

func (m *memStore) InsertAttempt(ctx context.Context, in store.SendAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, in)
	return nil
}

func (m *memStore) CountRecipientStatuses(ctx context.Context, jobID string) (store.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c store.StatusCounts
	for _, r := range m.rcpts {
		if r.JobID != jobID {
			continue
		}
		c.Total++
		switch r.Status {
		case "delivered":
			c.Delivered++
		case "read":
			c.Read++
		case "failed":
			c.Failed++
		}
	}
	return c, nil
}

func (m *memStore) FinalizeJob(ctx context.Context, jobID, final string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != "in_progress" {
		return false, nil
	}
	j.Status = final
	return true, nil
}

func (m *memStore) OpenRecipients(ctx context.Context, jobID string) ([]store.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Recipient
	for _, r := range m.rcpts {
		if r.JobID == jobID && (r.Status == "queued" || r.Status == "sending") {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) TryConsumeQuota(ctx context.Context, tenantID, periodKey string, limit, amount int, now time.Time) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "/" + periodKey
	if m.quotaUsed[key]+amount > limit {
		return false, m.quotaUsed[key], nil
	}
	m.quotaUsed[key] += amount
	return true, m.quotaUsed[key], nil
}

func (m *memStore) seedJob(id, tenantID, status string) store.ScheduledJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := &store.ScheduledJob{ID: id, TenantID: tenantID, Kind: "campaign", Body: "hello", Status: status}
	m.jobs[id] = j
	return *j
}

func (m *memStore) seedRecipient(id, jobID, status string, attempts int) store.Recipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &store.Recipient{ID: id, JobID: jobID, Address: "+491711234567", Status: status, Attempts: attempts}
	m.rcpts[id] = r
	return *r
}

func (m *memStore) recipient(t *testing.T, id string) store.Recipient {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rcpts[id]
	if !ok {
		t.Fatalf("recipient %s not found", id)
	}
	return *r
}

func (m *memStore) jobStatus(t *testing.T, id string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		t.Fatalf("job %s not found", id)
	}
	return j.Status
}

type gwResult struct {
	res    waha.SendResponse
	status int
	err    error
}

type fakeGateway struct {
	mu     sync.Mutex
	calls  int
	script []gwResult // per-call results; the last entry repeats

	inFlight int
	maxSeen  int
	delay    time.Duration
}

func (g *fakeGateway) SendText(ctx context.Context, cred waha.Credential, chatID, text string) (waha.SendResponse, int, []byte, error) {
	g.mu.Lock()
	i := g.calls
	g.calls++
	if i >= len(g.script) {
		i = len(g.script) - 1
	}
	out := g.script[i]
	g.inFlight++
	if g.inFlight > g.maxSeen {
		g.maxSeen = g.inFlight
	}
	g.mu.Unlock()

	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return out.res, out.status, nil, out.err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newTestProcessor(ms *memStore, gw *fakeGateway) *Processor {
	return &Processor{
		Store:   ms,
		Gateway: gw,
		Quota:   &quota.Enforcer{Store: ms},
		Sync:    &state.Sync{Store: ms},
		Retry:   retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 2},
	}
}

func testTenant() store.Tenant {
	return store.Tenant{ID: "t1", WASession: "sess1", APIKey: "key1", PlanLimit: 100, Concurrency: 5}
}

func TestProcessSuccessDelivers(t *testing.T) {
	ms := newMemStore()
	job := ms.seedJob("job1", "t1", "in_progress")
	rcpt := ms.seedRecipient("r1", "job1", "queued", 0)
	gw := &fakeGateway{script: []gwResult{{res: waha.SendResponse{ID: "gw1"}, status: 201}}}
	p := newTestProcessor(ms, gw)

	if err := p.Process(context.Background(), job, testTenant(), nil, rcpt); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := ms.recipient(t, "r1")
	if got.Status != string(domain.RecipientDelivered) {
		t.Fatalf("expected delivered, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.GatewayMsgID != "gw1" {
		t.Fatalf("expected gateway msg id recorded, got %q", got.GatewayMsgID)
	}
	if gw.callCount() != 1 {
		t.Fatalf("expected 1 gateway call, got %d", gw.callCount())
	}
	if len(ms.attempts) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(ms.attempts))
	}
	if st := ms.jobStatus(t, "job1"); st != string(domain.JobCompleted) {
		t.Fatalf("expected job completed, got %s", st)
	}
}

func TestProcessQuotaDeniedSkipsGateway(t *testing.T) {
	ms := newMemStore()
	job := ms.seedJob("job1", "t1", "in_progress")
	rcpt := ms.seedRecipient("r1", "job1", "queued", 0)
	gw := &fakeGateway{script: []gwResult{{res: waha.SendResponse{ID: "gw1"}, status: 201}}}
	p := newTestProcessor(ms, gw)

	tenant := testTenant()
	tenant.PlanLimit = 1
	ms.quotaUsed["t1/"+quota.PeriodKey(time.Now())] = 1

	if err := p.Process(context.Background(), job, tenant, nil, rcpt); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := ms.recipient(t, "r1")
	if got.Status != string(domain.RecipientFailed) {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.LastError != domain.ReasonQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %q", got.LastError)
	}
	if got.Attempts != 0 {
		t.Fatalf("expected no attempt charged, got %d", got.Attempts)
	}
	if gw.callCount() != 0 {
		t.Fatalf("expected gateway untouched, got %d calls", gw.callCount())
	}
	if st := ms.jobStatus(t, "job1"); st != string(domain.JobFailed) {
		t.Fatalf("expected job failed, got %s", st)
	}
}

func TestProcessTransientThenSuccess(t *testing.T) {
	ms := newMemStore()
	job := ms.seedJob("job1", "t1", "in_progress")
	rcpt := ms.seedRecipient("r1", "job1", "queued", 0)
	gw := &fakeGateway{script: []gwResult{
		{status: http.StatusServiceUnavailable, err: errors.New("unavailable")},
		{res: waha.SendResponse{ID: "gw2"}, status: 201},
	}}
	p := newTestProcessor(ms, gw)

	if err := p.Process(context.Background(), job, testTenant(), nil, rcpt); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := ms.recipient(t, "r1")
	if got.Status != string(domain.RecipientDelivered) {
		t.Fatalf("expected delivered, got %s (last_error %q)", got.Status, got.LastError)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.Attempts)
	}
	if gw.callCount() != 2 {
		t.Fatalf("expected 2 gateway calls, got %d", gw.callCount())
	}
}

func TestProcessPermanentFailureNoRetry(t *testing.T) {
	ms := newMemStore()
	job := ms.seedJob("job1", "t1", "in_progress")
	rcpt := ms.seedRecipient("r1", "job1", "queued", 0)
	gw := &fakeGateway{script: []gwResult{{status: http.StatusUnprocessableEntity, err: errors.New("chatId invalid")}}}
	p := newTestProcessor(ms, gw)

	err := p.Process(context.Background(), job, testTenant(), nil, rcpt)
	if err == nil {
		t.Fatal("expected error")
	}

	got := ms.recipient(t, "r1")
	if got.Status != string(domain.RecipientFailed) {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.LastError != "chatId invalid" {
		t.Fatalf("expected gateway error recorded, got %q", got.LastError)
	}
	if gw.callCount() != 1 {
		t.Fatalf("expected 1 gateway call, got %d", gw.callCount())
	}
}

func TestProcessTransientExhaustsRetries(t *testing.T) {
	ms := newMemStore()
	job := ms.seedJob("job1", "t1", "in_progress")
	rcpt := ms.seedRecipient("r1", "job1", "queued", 0)
	gw := &fakeGateway{script: []gwResult{{status: http.StatusInternalServerError, err: errors.New("boom")}}}
	p := newTestProcessor(ms, gw)

	err := p.Process(context.Background(), job, testTenant(), nil, rcpt)
	if err == nil {
		t.Fatal("expected error")
	}

	got := ms.recipient(t, "r1")
	if got.Status != string(domain.RecipientFailed) {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	// MaxRetries 2 means 3 attempts total.
	if got.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", got.Attempts)
	}
	if got.LastError != domain.ReasonRetryExhausted {
		t.Fatalf("expected retry_exhausted, got %q", got.LastError)
	}
	if gw.callCount() != 3 {
		t.Fatalf("expected 3 gateway calls, got %d", gw.callCount())
	}
}

func TestProcessPreExhaustedBudgetFailsWithoutSend(t *testing.T) {
	ms := newMemStore()
	job := ms.seedJob("job1", "t1", "in_progress")
	// Attempts persisted by earlier (crashed) runs already spent the budget.
	rcpt := ms.seedRecipient("r1", "job1", "queued", 3)
	gw := &fakeGateway{script: []gwResult{{res: waha.SendResponse{ID: "gw1"}, status: 201}}}
	p := newTestProcessor(ms, gw)

	if err := p.Process(context.Background(), job, testTenant(), nil, rcpt); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := ms.recipient(t, "r1")
	if got.Status != string(domain.RecipientFailed) {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("expected attempts unchanged at 3, got %d", got.Attempts)
	}
	if got.LastError != domain.ReasonRetryExhausted {
		t.Fatalf("expected retry_exhausted, got %q", got.LastError)
	}
	if gw.callCount() != 0 {
		t.Fatalf("expected gateway untouched, got %d calls", gw.callCount())
	}
}

func TestProcessTerminalRecipientUntouched(t *testing.T) {
	ms := newMemStore()
	job := ms.seedJob("job1", "t1", "in_progress")
	rcpt := ms.seedRecipient("r1", "job1", "delivered", 1)
	gw := &fakeGateway{script: []gwResult{{res: waha.SendResponse{ID: "gw1"}, status: 201}}}
	p := newTestProcessor(ms, gw)

	if err := p.Process(context.Background(), job, testTenant(), nil, rcpt); err != nil {
		t.Fatalf("process: %v", err)
	}
	if gw.callCount() != 0 {
		t.Fatalf("expected no gateway call for terminal recipient, got %d", gw.callCount())
	}
}

func TestProcessOpenBreakerParksWithoutCharging(t *testing.T) {
	ms := newMemStore()
	job := ms.seedJob("job1", "t1", "in_progress")
	rcpt := ms.seedRecipient("r1", "job1", "queued", 0)
	gw := &fakeGateway{script: []gwResult{{res: waha.SendResponse{ID: "gw1"}, status: 201}}}
	p := newTestProcessor(ms, gw)

	reg := breaker.NewRegistry(breaker.Settings{FailureThreshold: 1, ResetTimeout: time.Minute})
	_, _ = reg.For("sess1").Execute(func() (any, error) { return nil, errors.New("boom") })
	p.Breakers = reg

	err := p.Process(context.Background(), job, testTenant(), nil, rcpt)
	if !breaker.IsOpen(err) {
		t.Fatalf("expected open-breaker error, got %v", err)
	}

	got := ms.recipient(t, "r1")
	if got.Status != string(domain.RecipientQueued) {
		t.Fatalf("expected recipient parked queued, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Fatalf("expected no attempt charged while open, got %d", got.Attempts)
	}
	if gw.callCount() != 0 {
		t.Fatalf("expected gateway untouched behind open breaker, got %d", gw.callCount())
	}
	if st := ms.jobStatus(t, "job1"); st != "in_progress" {
		t.Fatalf("expected job still in_progress, got %s", st)
	}
}
