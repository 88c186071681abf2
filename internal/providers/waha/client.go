// Package waha wraps a WAHA-style WhatsApp HTTP gateway. One send per
// recipient; the per-call timeout lives here, independent of retry backoff.
package waha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client

	// CallTimeout bounds one gateway round-trip. Zero means the HTTP
	// client's own timeout applies.
	CallTimeout time.Duration
}

// Credential is the per-tenant gateway identity.
type Credential struct {
	Session string
	APIKey  string
}

type SendRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

type SendResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"` // error detail on non-2xx
}

func (c *Client) SendText(ctx context.Context, cred Credential, chatID, text string) (SendResponse, int, []byte, error) {
	if c.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.CallTimeout)
		defer cancel()
	}

	body, _ := json.Marshal(SendRequest{Session: cred.Session, ChatID: chatID, Text: text})

	baseURL := strings.TrimRight(c.BaseURL, "/")
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/sendText", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", cred.APIKey)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, b, errors.New(out.Message)
		}
		return out, resp.StatusCode, b, errors.New("gateway send failed")
	}
	return out, resp.StatusCode, b, nil
}

// ShouldRetry classifies a failed send: timeouts, connection errors and
// 408/429/5xx are transient; other 4xx and validation errors are terminal.
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil && httpStatus == 0 {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		var oe *net.OpError
		if errors.As(err, &oe) {
			return true
		}
		return false
	}
	if httpStatus == http.StatusRequestTimeout || httpStatus == http.StatusTooManyRequests {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}
