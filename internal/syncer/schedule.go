package syncer

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Supported schedule forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "@hourly", "@every 55s"
//   - Interval duration: "60s", "2m30s"
//   - Interval HH:MM: "00:05" (5 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Trigger yields the next sync instant. Wraps either a cron schedule or a
// fixed interval.
type Trigger struct {
	sched cron.Schedule
	loc   *time.Location
	// desc is the normalized source form, for logs.
	desc string
}

// ParseTrigger builds a trigger from a schedule string and an optional IANA
// timezone (cron forms only; intervals are timezone-free).
func ParseTrigger(raw, tz string) (*Trigger, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}

	loc := time.Local
	if strings.TrimSpace(tz) != "" {
		l, err := time.LoadLocation(strings.TrimSpace(tz))
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return nil, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return newCronTrigger(expr, loc)

	case strings.HasPrefix(low, "interval:"):
		return newIntervalTrigger(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return newIntervalTrigger(strings.TrimSpace(s[len("every:"):]))
	}

	// Heuristics: whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return newCronTrigger(s, loc)
	}
	return newIntervalTrigger(s)
}

func newCronTrigger(expr string, loc *time.Location) (*Trigger, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return &Trigger{sched: sched, loc: loc, desc: "cron " + expr}, nil
}

func newIntervalTrigger(v string) (*Trigger, error) {
	d, err := parseInterval(v)
	if err != nil {
		return nil, err
	}
	return &Trigger{sched: cron.Every(d), loc: time.Local, desc: "every " + d.String()}, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		var hh int
		for i := 0; i < len(m[1]); i++ {
			hh = hh*10 + int(m[1][i]-'0')
		}
		mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// Next returns the next fire time strictly after now.
func (t *Trigger) Next(now time.Time) time.Time {
	return t.sched.Next(now.In(t.loc))
}

func (t *Trigger) String() string { return t.desc }
