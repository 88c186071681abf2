// Package live fans per-recipient status changes out to subscribed viewers.
// Publishing is fire-and-forget: delivery correctness never depends on an
// observer being connected, and slow subscribers lose events rather than
// stalling dispatch.
package live

import (
	"context"
	"time"

	"wadispatch/internal/observability"
)

type Event struct {
	JobID       string    `json:"jobId"`
	RecipientID string    `json:"recipientId"`
	Address     string    `json:"address"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher is what the state synchronizer sees.
type Publisher interface {
	Publish(topic string, ev Event)
}

type envelope struct {
	topic string
	ev    Event
}

type subscriber struct {
	topic string
	send  chan Event
}

type Hub struct {
	events     chan envelope
	register   chan *subscriber
	unregister chan *subscriber
	subs       map[string]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{
		events:     make(chan envelope, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		subs:       make(map[string]map[*subscriber]struct{}),
	}
}

// Publish never blocks; if the hub queue is full the event is dropped and
// counted.
func (h *Hub) Publish(topic string, ev Event) {
	select {
	case h.events <- envelope{topic: topic, ev: ev}:
	default:
		observability.LiveDropped.WithLabelValues("hub_full").Inc()
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.subs {
				for s := range set {
					close(s.send)
				}
			}
			return
		case s := <-h.register:
			set := h.subs[s.topic]
			if set == nil {
				set = make(map[*subscriber]struct{})
				h.subs[s.topic] = set
			}
			set[s] = struct{}{}
		case s := <-h.unregister:
			if set, ok := h.subs[s.topic]; ok {
				if _, ok := set[s]; ok {
					delete(set, s)
					close(s.send)
					if len(set) == 0 {
						delete(h.subs, s.topic)
					}
				}
			}
		case e := <-h.events:
			for s := range h.subs[e.topic] {
				select {
				case s.send <- e.ev:
				default:
					observability.LiveDropped.WithLabelValues("slow_subscriber").Inc()
				}
			}
		}
	}
}

func (h *Hub) subscribe(topic string) *subscriber {
	s := &subscriber{topic: topic, send: make(chan Event, 32)}
	h.register <- s
	return s
}

func (h *Hub) drop(s *subscriber) {
	h.unregister <- s
}
