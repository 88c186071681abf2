package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Recurrence rules are standard 5-field cron expressions
// (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func ValidateRecurrence(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// NextFire computes a recurring campaign's next scheduled_at strictly
// after the given instant, purely from the rule — no in-memory bookkeeping,
// so multiple scheduler instances stay safe.
func NextFire(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
