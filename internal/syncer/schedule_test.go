package syncer

import (
	"testing"
	"time"
)

func TestParseTriggerForms(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		ok   bool
		desc string
	}{
		{"60s", true, "every 1m0s"},
		{"interval:2m30s", true, "every 2m30s"},
		{"every:45s", true, "every 45s"},
		{"00:05", true, "every 5m0s"},
		{"cron:*/5 * * * *", true, "cron */5 * * * *"},
		{"*/5 * * * *", true, "cron */5 * * * *"},
		{"@hourly", true, "cron @hourly"},
		{"", false, ""},
		{"soonish", false, ""},
		{"interval:-5s", false, ""},
		{"00:99", false, ""},
	}
	for _, tc := range cases {
		tr, err := ParseTrigger(tc.raw, "")
		if tc.ok && err != nil {
			t.Fatalf("ParseTrigger(%q): %v", tc.raw, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("ParseTrigger(%q) accepted", tc.raw)
			}
			continue
		}
		if tr.String() != tc.desc {
			t.Fatalf("ParseTrigger(%q) = %q, want %q", tc.raw, tr.String(), tc.desc)
		}
	}
}

func TestTriggerNextAdvances(t *testing.T) {
	t.Parallel()

	tr, err := ParseTrigger("interval:60s", "")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	next := tr.Next(now)
	if !next.After(now) {
		t.Fatalf("next %v is not after now %v", next, now)
	}
	if d := next.Sub(now); d > 61*time.Second {
		t.Fatalf("next fire %v away, want about a minute", d)
	}
}

func TestTriggerRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	if _, err := ParseTrigger("cron:0 * * * *", "Mars/Olympus"); err == nil {
		t.Fatal("bad timezone accepted")
	}
}
