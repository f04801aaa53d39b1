package schedule

import (
	"testing"
	"time"
)

func TestParseSpec(t *testing.T) {
	cases := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "55 2 * * 1", kind: SpecCron, cron: "55 2 * * 1"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron:0 3 * * *", kind: SpecCron, cron: "0 3 * * *"},
		{in: "CRON: @daily", kind: SpecCron, cron: "@daily"},

		{in: "55m", kind: SpecInterval, every: 55 * time.Minute},
		{in: "2h30m", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "interval:90s", kind: SpecInterval, every: 90 * time.Second},
		{in: "every:1h", kind: SpecInterval, every: time.Hour},

		{in: "02:30", kind: SpecDaily, cron: "30 2 * * *"},
		{in: "2:05", kind: SpecDaily, cron: "5 2 * * *"},
		{in: "23:59", kind: SpecDaily, cron: "59 23 * * *"},
		{in: " 09:00 ", kind: SpecDaily, cron: "0 9 * * *"},

		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "interval:soon", wantErr: true},
		{in: "interval:-5m", wantErr: true},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "nonsense", wantErr: true},
	}

	for _, c := range cases {
		got, err := ParseSpec(c.in)
		if c.wantErr {
			if err == nil {
				t.Fatalf("ParseSpec(%q): expected error, got %+v", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", c.in, err)
		}
		if got.Kind != c.kind {
			t.Fatalf("ParseSpec(%q) kind = %d, want %d", c.in, got.Kind, c.kind)
		}
		if got.Cron != c.cron || got.Every != c.every {
			t.Fatalf("ParseSpec(%q) = %+v", c.in, got)
		}
	}
}

func TestCronExpr(t *testing.T) {
	p, err := ParseSpec("90s")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if got := p.cronExpr(); got != "@every 1m30s" {
		t.Fatalf("cronExpr = %q", got)
	}

	p, err = ParseSpec("02:30")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if got := p.cronExpr(); got != "30 2 * * *" {
		t.Fatalf("cronExpr = %q", got)
	}
}
