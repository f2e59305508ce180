package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerKind discriminates the three trigger specifications
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerOneShot  TriggerKind = "oneshot"
)

// Trigger describes when a job fires
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// TriggerCron: 5-field cron expression, optional timezone
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`

	// TriggerInterval
	Every time.Duration `json:"every,omitempty"`

	// TriggerOneShot
	At time.Time `json:"at,omitempty"`
}

// cronParser accepts the standard 5-field format
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Next computes the fire time following `from`. One-shot triggers return
// their timestamp regardless of `from`; callers remove the job after it
// fires.
func (t Trigger) Next(from time.Time) (time.Time, error) {
	switch t.Kind {
	case TriggerCron:
		if t.Expr == "" {
			return time.Time{}, fmt.Errorf("cron trigger requires an expression")
		}
		sched, err := cronParser.Parse(t.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		if t.TZ != "" {
			loc, err := time.LoadLocation(t.TZ)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
			}
			from = from.In(loc)
		}
		return sched.Next(from), nil

	case TriggerInterval:
		if t.Every <= 0 {
			return time.Time{}, fmt.Errorf("interval trigger requires a positive duration")
		}
		return from.Add(t.Every), nil

	case TriggerOneShot:
		if t.At.IsZero() {
			return time.Time{}, fmt.Errorf("one-shot trigger requires a timestamp")
		}
		return t.At, nil

	default:
		return time.Time{}, fmt.Errorf("unknown trigger kind: %s", t.Kind)
	}
}

// Validate checks the trigger specification without computing a time
func (t Trigger) Validate() error {
	_, err := t.Next(time.Now())
	return err
}

// Job is a time-triggered definition that injects a synthetic turn into
// the target user's lane. Payload semantics must be idempotent: firing
// twice must not be destructive.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UserID    string    `json:"user_id"`
	Payload   string    `json:"payload"`
	Trigger   Trigger   `json:"trigger"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`

	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run"`
	LastStatus string    `json:"last_status,omitempty"`
}

// JobSpec contains the caller-supplied fields for registering a job
type JobSpec struct {
	Name    string  `json:"name"`
	UserID  string  `json:"user_id"`
	Payload string  `json:"payload"`
	Trigger Trigger `json:"trigger"`
	Enabled bool    `json:"enabled"`
}
