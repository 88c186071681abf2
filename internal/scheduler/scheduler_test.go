package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"wadispatch/internal/domain"
	"wadispatch/internal/store"
	"wadispatch/internal/worker"
)

type schedStore struct {
	mu sync.Mutex

	due       []store.ScheduledJob
	dueLimit  int
	claimFail map[string]bool

	claimed  []string
	released []string
	revived  int64

	inserted []store.JobInsert
	fromJobs []string
}

func (s *schedStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]store.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dueLimit = limit
	return s.due, nil
}

func (s *schedStore) ClaimJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimFail[jobID] {
		return false, nil
	}
	s.claimed = append(s.claimed, jobID)
	return true, nil
}

func (s *schedStore) ReleaseJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, jobID)
	return true, nil
}

func (s *schedStore) ReviveStuckJobs(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revived++
	return 0, nil
}

func (s *schedStore) InsertNextOccurrence(ctx context.Context, in store.JobInsert, fromJobID string, recipientID func() string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, in)
	s.fromJobs = append(s.fromJobs, fromJobID)
	return nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []store.ScheduledJob
	errs []error // consumed per call; nil afterwards
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job store.ScheduledJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func dueJob(id string) store.ScheduledJob {
	return store.ScheduledJob{ID: id, TenantID: "t1", Status: "pending"}
}

func TestTickClaimsAndEnqueuesDueJobs(t *testing.T) {
	st := &schedStore{due: []store.ScheduledJob{dueJob("job1"), dueJob("job2")}}
	pool := &fakeEnqueuer{}
	s := &Scheduler{Store: st, Pool: pool, StaleAfter: 5 * time.Minute, BatchSize: 10}

	s.Tick(context.Background(), time.Now().UTC())

	if st.revived != 1 {
		t.Fatalf("expected revive pass, got %d", st.revived)
	}
	if st.dueLimit != 10 {
		t.Fatalf("expected batch limit 10, got %d", st.dueLimit)
	}
	if len(st.claimed) != 2 || len(pool.jobs) != 2 {
		t.Fatalf("expected 2 claims and 2 enqueues, got %d/%d", len(st.claimed), len(pool.jobs))
	}
	if len(st.released) != 0 {
		t.Fatalf("expected no releases, got %v", st.released)
	}
}

func TestTickSkipsLostClaims(t *testing.T) {
	st := &schedStore{
		due:       []store.ScheduledJob{dueJob("job1"), dueJob("job2")},
		claimFail: map[string]bool{"job1": true},
	}
	pool := &fakeEnqueuer{}
	s := &Scheduler{Store: st, Pool: pool}

	s.Tick(context.Background(), time.Now().UTC())

	if len(pool.jobs) != 1 || pool.jobs[0].ID != "job2" {
		t.Fatalf("expected only job2 enqueued, got %v", pool.jobs)
	}
}

func TestTickReleasesOnQueueFullAndStopsClaiming(t *testing.T) {
	st := &schedStore{due: []store.ScheduledJob{dueJob("job1"), dueJob("job2"), dueJob("job3")}}
	pool := &fakeEnqueuer{errs: []error{nil, worker.ErrQueueFull}}
	s := &Scheduler{Store: st, Pool: pool}

	s.Tick(context.Background(), time.Now().UTC())

	if len(st.claimed) != 2 {
		t.Fatalf("expected claiming to stop after queue-full, got claims %v", st.claimed)
	}
	if len(st.released) != 1 || st.released[0] != "job2" {
		t.Fatalf("expected job2 released, got %v", st.released)
	}
}

func TestOnJobFinalChainsRecurringCampaign(t *testing.T) {
	st := &schedStore{}
	s := &Scheduler{Store: st}

	job := store.ScheduledJob{
		ID: "job1", TenantID: "t1", Kind: "campaign", Body: "hello",
		Recurrence: "0 9 * * *",
	}
	s.OnJobFinal(context.Background(), job, domain.JobCompleted)

	if len(st.inserted) != 1 {
		t.Fatalf("expected one chained job, got %d", len(st.inserted))
	}
	in := st.inserted[0]
	if in.ID == "" || in.ID == job.ID {
		t.Fatalf("expected fresh job id, got %q", in.ID)
	}
	if in.Recurrence != job.Recurrence || in.Body != job.Body || in.TenantID != job.TenantID {
		t.Fatalf("expected rule carried over, got %+v", in)
	}
	if !in.ScheduledAt.After(time.Now().UTC().Add(-time.Minute)) {
		t.Fatalf("expected future fire time, got %v", in.ScheduledAt)
	}
	if st.fromJobs[0] != "job1" {
		t.Fatalf("expected recipients cloned from job1, got %s", st.fromJobs[0])
	}
}

func TestOnJobFinalSkipsOneShotAndCanceled(t *testing.T) {
	st := &schedStore{}
	s := &Scheduler{Store: st}

	s.OnJobFinal(context.Background(), store.ScheduledJob{ID: "job1"}, domain.JobCompleted)
	s.OnJobFinal(context.Background(), store.ScheduledJob{ID: "job2", Recurrence: "0 9 * * *"}, domain.JobCanceled)

	if len(st.inserted) != 0 {
		t.Fatalf("expected no chained jobs, got %d", len(st.inserted))
	}
}

func TestOnJobFinalBadRuleIsDropped(t *testing.T) {
	st := &schedStore{}
	s := &Scheduler{Store: st}

	s.OnJobFinal(context.Background(), store.ScheduledJob{ID: "job1", Recurrence: "not a rule"}, domain.JobCompleted)
	if len(st.inserted) != 0 {
		t.Fatalf("expected no chained jobs for a bad rule, got %d", len(st.inserted))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st := &schedStore{}
	s := &Scheduler{Store: st, Pool: &fakeEnqueuer{}, Interval: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return on cancel")
	}
}
