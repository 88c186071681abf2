package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"wadispatch/internal/observability"
	"wadispatch/internal/providers/waha"
	"wadispatch/internal/state"
	"wadispatch/internal/store"
	"wadispatch/internal/util"
)

type WebhookStore interface {
	InsertGatewayEvent(ctx context.Context, in store.GatewayEvent) error
	MarkRecipientRead(ctx context.Context, gatewayMsgID string, now time.Time) (store.Recipient, bool, error)
}

// Webhook receives the gateway's message.ack callbacks and upgrades
// delivered recipients to read. Unknown or out-of-order acks are recorded
// and otherwise ignored: the state machine never regresses a terminal row.
type Webhook struct {
	Store  WebhookStore
	Sync   *state.Sync
	Secret string
}

func (w *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/v1/webhooks/gateway/events", w.handleAck).Methods(http.MethodPost)
}

func (w *Webhook) handleAck(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if !waha.VerifySignature(w.Secret, body, r.Header.Get("X-Webhook-Hmac")) {
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	var ev waha.AckEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if ev.Event != "message.ack" || ev.Payload.ID == "" {
		rw.WriteHeader(http.StatusOK)
		return
	}

	observability.WebhookEvents.WithLabelValues(ev.Payload.AckName).Inc()

	if err := w.Store.InsertGatewayEvent(r.Context(), store.GatewayEvent{
		Session:      ev.Session,
		GatewayMsgID: ev.Payload.ID,
		Ack:          ev.Payload.AckName,
		Payload:      json.RawMessage(body),
	}); err != nil {
		slog.Error("gateway event insert failed", "err", err, "gateway_msg_id", ev.Payload.ID)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}

	if ev.Payload.AckName != waha.AckNameRead {
		// SERVER/DEVICE acks are audit-only; ERROR after a successful
		// submit does not demote a terminal recipient.
		rw.WriteHeader(http.StatusOK)
		return
	}

	rcpt, found, err := w.Store.MarkRecipientRead(r.Context(), ev.Payload.ID, util.NowUTC())
	if err != nil {
		slog.Error("read upgrade failed", "err", err, "gateway_msg_id", ev.Payload.ID)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	if found && w.Sync != nil {
		w.Sync.PushLiveUpdate(rcpt.JobID, rcpt.ID, rcpt.Address, rcpt.Status, "")
	}
	rw.WriteHeader(http.StatusOK)
}
