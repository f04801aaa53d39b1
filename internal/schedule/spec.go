package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecDaily
)

// ParsedSpec is a normalized schedule string.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "55 * * * *", "@hourly"
//   - Interval duration: "55m", "2h30m"
//   - Daily HH:MM: "02:30" runs every day at 02:30 in the scheduler's
//     timezone
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

// cronExpr returns the robfig/cron registration string for the spec.
func (p ParsedSpec) cronExpr() string {
	switch p.Kind {
	case SpecInterval:
		return "@every " + p.Every.String()
	default:
		return p.Cron
	}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseSpec parses a schedule string into a cron expression, an interval,
// or a daily time-of-day.
func ParseSpec(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
	}
	for _, prefix := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, prefix) {
			v := strings.TrimSpace(s[len(prefix):])
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return ParsedSpec{}, fmt.Errorf("invalid interval %q (use a Go duration like '55m'/'2h30m')", v)
			}
			return ParsedSpec{Kind: SpecInterval, Every: d}, nil
		}
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}

	// HH:MM is a daily run at that wall-clock time.
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh := int(m[1][0] - '0')
		if len(m[1]) == 2 {
			hh = hh*10 + int(m[1][1]-'0')
		}
		mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if hh > 23 || mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid time of day %q", s)
		}
		return ParsedSpec{Kind: SpecDaily, Cron: fmt.Sprintf("%d %d * * *", mm, hh)}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}
