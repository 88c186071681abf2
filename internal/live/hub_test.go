package live

import (
	"context"
	"testing"
	"time"
)

func TestHubDeliversToSubscribedTopic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	go h.Run(ctx)

	s := h.subscribe("job1")
	h.Publish("job1", Event{JobID: "job1", RecipientID: "r1", Status: "delivered"})
	h.Publish("job2", Event{JobID: "job2", Status: "failed"})

	select {
	case ev := <-s.send:
		if ev.JobID != "job1" || ev.Status != "delivered" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event for subscribed topic")
	}

	// The job2 event must not reach a job1 subscriber.
	select {
	case ev := <-s.send:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubDropClosesSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub()
	go h.Run(ctx)

	s := h.subscribe("job1")
	h.drop(s)

	select {
	case _, ok := <-s.send:
		if ok {
			t.Fatal("expected closed channel after drop")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel close after drop")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	// No Run loop draining: publishes beyond the hub buffer are dropped,
	// not blocked on.
	h := NewHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish("job1", Event{JobID: "job1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Publish to drop when the hub is full")
	}
}

func TestHubShutdownClosesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	go h.Run(ctx)

	s := h.subscribe("job1")
	cancel()

	select {
	case _, ok := <-s.send:
		if ok {
			t.Fatal("expected closed channel on shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscriber close on shutdown")
	}
}
