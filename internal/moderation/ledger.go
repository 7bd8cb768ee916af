package moderation

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// windowCap bounds the per-user message timestamp window. Anything past the
// cap is older traffic than any sane rate limit needs.
const windowCap = 128

// RateWindow is the flood-detection span.
const RateWindow = time.Minute

type recordKey struct {
	Group int64
	User  int64
}

// Record is one user's offense state in one group. All methods must be
// called inside Ledger.With, which owns the per-key lock.
type Record struct {
	warnings  int
	window    []time.Time
	muteUntil time.Time
	banned    bool
}

// RecordMessage appends a message timestamp and returns the number of
// messages inside the rate window, current one included. Expired entries are
// trimmed on the way.
func (r *Record) RecordMessage(now time.Time) int {
	cut := now.Add(-RateWindow)
	i := 0
	for i < len(r.window) && !r.window[i].After(cut) {
		i++
	}
	if i > 0 {
		r.window = append(r.window[:0], r.window[i:]...)
	}
	r.window = append(r.window, now)
	if len(r.window) > windowCap {
		r.window = r.window[len(r.window)-windowCap:]
	}
	return len(r.window)
}

// InWindow counts messages inside the rate window without recording a new
// one (edits re-run moderation but are not fresh traffic).
func (r *Record) InWindow(now time.Time) int {
	cut := now.Add(-RateWindow)
	n := 0
	for _, ts := range r.window {
		if ts.After(cut) {
			n++
		}
	}
	return n
}

// BumpWarnings increments the warning count and returns the new value.
// Warnings never auto-expire; only Clear resets them.
func (r *Record) BumpWarnings() int {
	r.warnings++
	return r.warnings
}

// SetMute marks the user muted until the given instant. Expiry is lazy:
// nothing fires when the deadline passes, the next read observes it.
func (r *Record) SetMute(until time.Time) { r.muteUntil = until }

func (r *Record) SetBan() { r.banned = true }

// Reset clears all offense state (backend lifted the ban, or an operator
// pardon).
func (r *Record) Reset() {
	r.warnings = 0
	r.window = r.window[:0]
	r.muteUntil = time.Time{}
	r.banned = false
}

func (r *Record) Muted(now time.Time) bool { return now.Before(r.muteUntil) }
func (r *Record) Banned() bool             { return r.banned }
func (r *Record) Warnings() int            { return r.warnings }

// State snapshots the record for the policy decision.
func (r *Record) State(now time.Time) RecordState {
	return RecordState{
		WarningCount: r.warnings,
		Muted:        r.Muted(now),
		Banned:       r.banned,
	}
}

// Ledger holds per-(group,user) offense records. The map is sharded and safe
// for concurrent use; mutations on one record are serialized through With.
type Ledger struct {
	recs *xsync.MapOf[recordKey, *recordBox]
}

// recordBox pairs a record with its lock. The lock lives outside Record so
// record methods stay plain field updates.
type recordBox struct {
	mu  sync.Mutex
	rec Record
}

func NewLedger() *Ledger {
	return &Ledger{recs: xsync.NewMapOf[recordKey, *recordBox]()}
}

// With runs fn holding the per-key lock. Everything between classification
// and effect commit for one user goes through here, so decisions for the
// same user never interleave.
func (l *Ledger) With(groupID, userID int64, fn func(r *Record)) {
	box, _ := l.recs.LoadOrCompute(recordKey{Group: groupID, User: userID}, func() *recordBox {
		return &recordBox{}
	})
	box.mu.Lock()
	defer box.mu.Unlock()
	fn(&box.rec)
}

// IsMuted reports whether the user is currently muted.
func (l *Ledger) IsMuted(groupID, userID int64, now time.Time) bool {
	var muted bool
	l.With(groupID, userID, func(r *Record) { muted = r.Muted(now) })
	return muted
}

// IsBanned reports whether the user is marked banned locally.
func (l *Ledger) IsBanned(groupID, userID int64) bool {
	var banned bool
	l.With(groupID, userID, func(r *Record) { banned = r.Banned() })
	return banned
}

// ApplyBan marks a user banned without going through the policy (used when
// the backend ban list names someone the bot has not seen misbehave).
func (l *Ledger) ApplyBan(groupID, userID int64) {
	l.With(groupID, userID, func(r *Record) { r.SetBan() })
}

// ApplyMute marks a user muted until the given instant.
func (l *Ledger) ApplyMute(groupID, userID int64, until time.Time) {
	l.With(groupID, userID, func(r *Record) { r.SetMute(until) })
}

// Clear wipes a user's offense record.
func (l *Ledger) Clear(groupID, userID int64) {
	l.With(groupID, userID, func(r *Record) { r.Reset() })
}
