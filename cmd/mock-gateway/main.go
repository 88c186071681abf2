// mock-gateway is a scriptable stand-in for a WAHA-style WhatsApp HTTP
// gateway. It accepts sendText calls, picks an outcome per the configured
// mode, and optionally emits signed message.ack webhooks so the engine's
// read-upgrade path can be exercised locally.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	APIKey        string  `envconfig:"GATEWAY_API_KEY" default:"mock_key"`
	Port          string  `envconfig:"PORT" default:"8090"`
	OutcomeMode   string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw   string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate   float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailuresRaw   string  `envconfig:"MOCK_FAILURE_TYPES" default:"server_error"`
	DelayMs       int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	TimeoutHoldMs int     `envconfig:"MOCK_TIMEOUT_HOLD_MS" default:"12000"`

	WebhookURL     string `envconfig:"MOCK_WEBHOOK_URL" default:""`
	WebhookSecret  string `envconfig:"MOCK_WEBHOOK_SECRET" default:"mock_secret"`
	AckDelayMs     int    `envconfig:"MOCK_ACK_DELAY_MS" default:"300"`
	ReadDelayMs    int    `envconfig:"MOCK_READ_DELAY_MS" default:"800"`
	WebhookRetries int    `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
	RetryBaseMs    int    `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`
	RetryMaxMs     int    `envconfig:"MOCK_WEBHOOK_RETRY_MAX_MS" default:"10000"`

	Outcomes    []string
	Failures    []string
	Delay       time.Duration
	TimeoutHold time.Duration
	AckDelay    time.Duration
	ReadDelay   time.Duration
	RetryBase   time.Duration
	RetryMax    time.Duration
}

type sendRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type ackEvent struct {
	Event   string     `json:"event"`
	Session string     `json:"session"`
	Payload ackPayload `json:"payload"`
}

type ackPayload struct {
	ID      string `json:"id"`
	Ack     int    `json:"ack"`
	AckName string `json:"ackName"`
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	cfg := loadConfig()
	loggingInit()

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/sendText", s.handleSendText).Methods(http.MethodPost)

	slog.Info("mock gateway listening", "port", cfg.Port, "mode", cfg.OutcomeMode)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(router)); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

func loggingInit() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock gateway request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock gateway config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.Failures = parseCSV(cfg.FailuresRaw)
	cfg.Delay = time.Duration(cfg.DelayMs) * time.Millisecond
	cfg.TimeoutHold = time.Duration(cfg.TimeoutHoldMs) * time.Millisecond
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)
	cfg.AckDelay = time.Duration(cfg.AckDelayMs) * time.Millisecond
	cfg.ReadDelay = time.Duration(cfg.ReadDelayMs) * time.Millisecond

	if cfg.WebhookRetries < 0 {
		cfg.WebhookRetries = 0
	}
	if cfg.RetryBaseMs <= 0 {
		cfg.RetryBaseMs = 250
	}
	if cfg.RetryMaxMs <= 0 {
		cfg.RetryMaxMs = 10000
	}
	cfg.RetryBase = time.Duration(cfg.RetryBaseMs) * time.Millisecond
	cfg.RetryMax = time.Duration(cfg.RetryMaxMs) * time.Millisecond
	return cfg
}

func (s *server) handleSendText(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Api-Key") != s.cfg.APIKey {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Session == "" || req.ChatID == "" || req.Text == "" {
		writeError(w, http.StatusUnprocessableEntity, "session, chatId and text are required")
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	outcome := s.nextOutcome()
	final, httpStatus, callErr := classifyOutcome(outcome)

	if callErr != nil {
		if errors.Is(callErr, context.DeadlineExceeded) {
			// Hold past the caller's timeout so the client side sees a
			// deadline error, not a response.
			time.Sleep(s.cfg.TimeoutHold)
			writeError(w, http.StatusGatewayTimeout, "request timed out")
			return
		}
		writeError(w, httpStatus, callErr.Error())
		return
	}

	id := fmtMsgID(atomic.AddUint64(&s.idx, 1) - 1)
	writeJSON(w, http.StatusCreated, sendResponse{ID: id, Status: "PENDING"})
	s.maybeAckSequence(req.Session, id, final)
}

// maybeAckSequence emits the ack webhook chain for an accepted send:
// SERVER, then DEVICE, then READ for the "read" outcome, or a trailing
// ERROR ack when delivery fails after acceptance.
func (s *server) maybeAckSequence(session, msgID, final string) {
	if s.cfg.WebhookURL == "" {
		return
	}
	go func() {
		post := func(ack int, name string) {
			ev := ackEvent{
				Event:   "message.ack",
				Session: session,
				Payload: ackPayload{ID: msgID, Ack: ack, AckName: name},
			}
			body, _ := json.Marshal(ev)
			_ = s.postWebhookWithRetry(context.Background(), body)
		}

		time.Sleep(s.cfg.AckDelay)
		post(1, "SERVER")

		if final == "error" {
			post(-1, "ERROR")
			return
		}

		time.Sleep(s.cfg.AckDelay)
		post(2, "DEVICE")

		if final == "read" {
			time.Sleep(s.cfg.ReadDelay)
			post(3, "READ")
		}
	}()
}

func (s *server) postWebhookWithRetry(ctx context.Context, body []byte) error {
	maxAttempts := s.cfg.WebhookRetries + 1

	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, strings.NewReader(string(body)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Hmac", sig)

		resp, err := s.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			return nil
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}

		if attempt == maxAttempts-1 {
			if err != nil {
				slog.Error("mock webhook post failed", "url", s.cfg.WebhookURL, "attempt", attempt+1, "err", err)
				return err
			}
			slog.Error("mock webhook post failed", "url", s.cfg.WebhookURL, "attempt", attempt+1, "status", status)
			return fmt.Errorf("webhook post failed: status=%d", status)
		}
		if err == nil && !isRetryableStatus(status) {
			slog.Error("mock webhook post non-retryable", "url", s.cfg.WebhookURL, "attempt", attempt+1, "status", status)
			return fmt.Errorf("webhook post non-retryable: status=%d", status)
		}

		wait := s.retryBackoff(attempt)
		slog.Warn("mock webhook post retrying", "url", s.cfg.WebhookURL, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
	return nil
}

func (s *server) retryBackoff(attempt int) time.Duration {
	wait := s.cfg.RetryBase * time.Duration(1<<attempt)
	if wait > s.cfg.RetryMax {
		wait = s.cfg.RetryMax
	}
	return wait
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		i := s.rng.Intn(len(s.cfg.Failures))
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return s.cfg.Failures[i]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

// classifyOutcome maps an outcome token to the response behavior. Accepted
// sends carry a final ack kind; rejected sends carry an HTTP status and
// error.
func classifyOutcome(raw string) (final string, httpStatus int, callErr error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "ok"
	}
	switch token {
	case "ok", "success", "delivered":
		return "delivered", http.StatusCreated, nil
	case "read":
		return "read", http.StatusCreated, nil
	case "error_ack":
		return "error", http.StatusCreated, nil
	case "rate_limit", "429":
		return "", http.StatusTooManyRequests, errors.New("rate limited")
	case "bad_request", "400":
		return "", http.StatusBadRequest, errors.New("bad request")
	case "unauthorized", "401":
		return "", http.StatusUnauthorized, errors.New("session not authorized")
	case "server_error", "500":
		return "", http.StatusInternalServerError, errors.New("server error")
	case "timeout":
		return "", http.StatusGatewayTimeout, context.DeadlineExceeded
	default:
		return "", http.StatusInternalServerError, errors.New("mock error: " + token)
	}
}

func fmtMsgID(i uint64) string {
	return "true_mock@c.us_" + fmt.Sprintf("%08X", i)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, sendResponse{Status: "ERROR", Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
