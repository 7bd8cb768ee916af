package moderation

import (
	"sync"
	"testing"
	"time"
)

func TestLedgerRateWindow(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	base := time.Now()

	var count int
	for i := 0; i < 6; i++ {
		l.With(-1, 1, func(r *Record) {
			count = r.RecordMessage(base.Add(time.Duration(i) * time.Second))
		})
	}
	if count != 6 {
		t.Fatalf("six messages in 5s counted as %d", count)
	}

	// Spread the same burst over 61s and the first message ages out.
	l2 := NewLedger()
	for i := 0; i < 6; i++ {
		l2.With(-1, 1, func(r *Record) {
			count = r.RecordMessage(base.Add(time.Duration(i) * 12200 * time.Millisecond))
		})
	}
	if count != 5 {
		t.Fatalf("61s spread counted as %d, want 5", count)
	}
}

func TestLedgerWindowBounded(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	now := time.Now()
	var count int
	l.With(-1, 1, func(r *Record) {
		for i := 0; i < windowCap*3; i++ {
			count = r.RecordMessage(now)
		}
	})
	if count > windowCap {
		t.Fatalf("window grew to %d, cap is %d", count, windowCap)
	}
}

func TestLedgerMuteLazyExpiry(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	now := time.Now()
	l.ApplyMute(-1, 1, now.Add(10*time.Minute))

	if !l.IsMuted(-1, 1, now) {
		t.Fatal("freshly muted user reads as unmuted")
	}
	if l.IsMuted(-1, 1, now.Add(11*time.Minute)) {
		t.Fatal("expired mute still reads as muted")
	}
}

func TestLedgerBanAndClear(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	l.ApplyBan(-1, 1)
	if !l.IsBanned(-1, 1) {
		t.Fatal("banned user reads as not banned")
	}
	// Same user in another group is untouched.
	if l.IsBanned(-2, 1) {
		t.Fatal("ban leaked across groups")
	}

	l.Clear(-1, 1)
	if l.IsBanned(-1, 1) {
		t.Fatal("ban survived Clear")
	}
	l.With(-1, 1, func(r *Record) {
		if r.Warnings() != 0 {
			t.Fatalf("warnings = %d after Clear", r.Warnings())
		}
	})
}

func TestLedgerWarningsNeverAutoReset(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	l.With(-1, 1, func(r *Record) {
		r.BumpWarnings()
		r.BumpWarnings()
	})

	// A long quiet period changes nothing.
	later := time.Now().Add(48 * time.Hour)
	l.With(-1, 1, func(r *Record) {
		r.RecordMessage(later)
		if got := r.Warnings(); got != 2 {
			t.Fatalf("warnings = %d after quiet period, want 2", got)
		}
	})
}

func TestLedgerConcurrentUsers(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	now := time.Now()

	var wg sync.WaitGroup
	for u := int64(0); u < 32; u++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.With(-1, user, func(r *Record) {
					r.RecordMessage(now)
					r.BumpWarnings()
				})
			}
		}(u)
	}
	wg.Wait()

	for u := int64(0); u < 32; u++ {
		l.With(-1, u, func(r *Record) {
			if r.Warnings() != 100 {
				t.Fatalf("user %d warnings = %d, want 100", u, r.Warnings())
			}
		})
	}
}
