package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts standard five field expressions, an optional leading seconds field
// and descriptors like @daily.
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses expr evaluated in loc.
func ParseCron(expr string, loc *time.Location) (cron.Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	sched, err := Parser.Parse("CRON_TZ=" + loc.String() + " " + expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Next returns the first activation of expr after t.
func Next(expr string, loc *time.Location, t time.Time) (time.Time, error) {
	sched, err := ParseCron(expr, loc)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t), nil
}
