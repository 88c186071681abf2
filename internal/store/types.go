package store

import "time"

type Tenant struct {
	ID          string
	WASession   string
	APIKey      string
	PlanLimit   int
	Concurrency int
}

type ScheduledJob struct {
	ID          string
	TenantID    string
	Kind        string
	Body        string
	ScheduledAt time.Time
	Recurrence  string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Recipient struct {
	ID           string
	JobID        string
	Address      string
	Status       string
	Attempts     int
	LastError    string
	GatewayMsgID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type JobInsert struct {
	ID          string
	TenantID    string
	Kind        string
	Body        string
	ScheduledAt time.Time
	Recurrence  string
	Now         time.Time
}

type RecipientInsert struct {
	ID      string
	Address string
}

// RecipientResult records the outcome of one dispatch transition.
// The update only applies while the recipient is still in FromStatus,
// so a terminal row is never regressed.
type RecipientResult struct {
	ID           string
	FromStatus   string
	Status       string
	LastError    string
	GatewayMsgID string
	AddAttempts  int
	Now          time.Time
}

// StatusCounts summarizes a job's recipients for finalization.
type StatusCounts struct {
	Total     int
	Delivered int
	Read      int
	Failed    int
}

func (c StatusCounts) Terminal() int { return c.Delivered + c.Read + c.Failed }
func (c StatusCounts) AllTerminal() bool {
	return c.Total > 0 && c.Terminal() == c.Total
}

type SendAttempt struct {
	RecipientID  string
	JobID        string
	GatewayMsgID string
	HTTPStatus   int
	ErrorMsg     string
	RequestJSON  any
	ResponseJSON any
}

type GatewayEvent struct {
	Session      string
	GatewayMsgID string
	Ack          string
	Payload      any
	OccurredAt   *time.Time
}
