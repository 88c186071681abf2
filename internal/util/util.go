package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDs are sortable, which keeps job/recipient indexes and dashboards tidy.

func NewJobID() string {
	return "job_" + ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

func NewRecipientID() string {
	return "rcp_" + ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

// ToChatID normalizes a recipient address to the gateway's chat id form
// ("<digits>@c.us"). Addresses already in chat id form pass through.
func ToChatID(address string) string {
	a := strings.ReplaceAll(strings.TrimSpace(address), " ", "")
	if strings.Contains(a, "@") {
		return a
	}
	a = strings.TrimPrefix(a, "+")
	return a + "@c.us"
}
