package schedule

import (
	"fmt"
	"time"

	"github.com/hashicorp/cronexpr"
)

type intervalKind uint8

const (
	kindFixed intervalKind = iota + 1
	kindSettle
	kindCron
)

// Interval decides when a job is next due.
type Interval struct {
	kind intervalKind
	d    time.Duration
	expr *cronexpr.Expression
	src  string
}

// Fixed runs a job every d, measured from the previous absolute deadline
// rather than from when the previous run finished. The first tick is due
// immediately.
func Fixed(d time.Duration) Interval {
	if d <= 0 {
		panic(fmt.Sprintf("schedule: fixed interval must be positive, got %s", d))
	}
	return Interval{kind: kindFixed, d: d}
}

// Settle runs a job again grace after its previous run returned. It suits
// work with unpredictable duration, such as downloads.
func Settle(grace time.Duration) Interval {
	if grace < 0 {
		panic(fmt.Sprintf("schedule: settle grace must not be negative, got %s", grace))
	}
	return Interval{kind: kindSettle, d: grace}
}

// Cron runs a job at every time matched by a cron expression.
func Cron(cron string) (Interval, error) {
	expr, err := parseCron(cron)
	if err != nil {
		return Interval{}, err
	}
	return Interval{kind: kindCron, expr: expr, src: cron}, nil
}

func (i Interval) String() string {
	switch i.kind {
	case kindFixed:
		return "every " + i.d.String()
	case kindSettle:
		return "settle+" + i.d.String()
	case kindCron:
		return "cron " + i.src
	default:
		return "invalid"
	}
}

// first returns the initial deadline. A zero time means the job never runs.
func (i Interval) first(now time.Time) time.Time {
	if i.kind == kindCron {
		return i.expr.Next(now)
	}
	return now
}

// advance returns the deadline after prev. Settle jobs are re-armed on
// completion instead, so advance leaves them unscheduled.
func (i Interval) advance(prev time.Time) time.Time {
	switch i.kind {
	case kindFixed:
		return prev.Add(i.d)
	case kindCron:
		return i.expr.Next(prev)
	default:
		return time.Time{}
	}
}
