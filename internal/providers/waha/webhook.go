package waha

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// AckEvent is the gateway's message.ack webhook payload.
type AckEvent struct {
	Event   string     `json:"event"`
	Session string     `json:"session"`
	Payload AckPayload `json:"payload"`
}

type AckPayload struct {
	ID      string `json:"id"`
	Ack     int    `json:"ack"`
	AckName string `json:"ackName"`
}

// Ack names as the gateway reports them.
const (
	AckNameError  = "ERROR"
	AckNameServer = "SERVER"
	AckNameDevice = "DEVICE"
	AckNameRead   = "READ"
)

// VerifySignature checks the X-Webhook-Hmac header: hex HMAC-SHA256 of the
// raw request body.
func VerifySignature(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}
