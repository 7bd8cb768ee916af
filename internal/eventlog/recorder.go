// Package eventlog buffers bot events until the sync engine uploads them to
// the backend. The buffer is bounded: past the soft cap entries spill to
// sqlite, and when persistence is off the oldest entries are dropped rather
// than letting a dead backend eat the heap.
package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/apex064/earnquest-tg/internal/controlplane"
	"github.com/apex064/earnquest-tg/internal/storage"
	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

const (
	defaultSoftCap = 512
	defaultBatch   = 100
)

type Recorder struct {
	log   logx.Logger
	store storage.Store // nil when persistence is off

	softCap int

	mu      sync.Mutex
	buf     []controlplane.EventLogEntry
	dropped uint64
}

func NewRecorder(store storage.Store, softCap int, log logx.Logger) *Recorder {
	if softCap <= 0 {
		softCap = defaultSoftCap
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{log: log, store: store, softCap: softCap}
}

// Record appends one entry. Never blocks the caller on I/O: spilling to
// storage happens with a short private timeout and failures degrade to
// dropping the oldest entries.
func (r *Recorder) Record(e controlplane.EventLogEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	var spill []controlplane.EventLogEntry
	r.mu.Lock()
	r.buf = append(r.buf, e)
	if len(r.buf) > r.softCap {
		// Oldest half leaves memory first.
		n := len(r.buf) / 2
		spill = make([]controlplane.EventLogEntry, n)
		copy(spill, r.buf[:n])
		r.buf = append(r.buf[:0], r.buf[n:]...)
	}
	r.mu.Unlock()

	if len(spill) == 0 {
		return
	}
	if r.store == nil {
		r.mu.Lock()
		r.dropped += uint64(len(spill))
		dropped := r.dropped
		r.mu.Unlock()
		r.log.Warn("event buffer full; dropping oldest entries",
			logx.Int("dropped_now", len(spill)),
			logx.Uint64("dropped_total", dropped))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.AppendEvents(ctx, spill); err != nil {
		r.log.Warn("event spill failed; dropping entries",
			logx.Int("count", len(spill)), logx.Err(err))
	}
}

// Batch is one drained upload unit. Spilled entries keep their storage row
// ids so Commit can delete exactly what was uploaded.
type Batch struct {
	Entries []controlplane.EventLogEntry

	rowIDs  []int64
	memOnly []controlplane.EventLogEntry
}

func (b Batch) Empty() bool { return len(b.Entries) == 0 }

// Drain takes up to max entries, oldest first: spilled rows before the
// in-memory tail. The entries stay out of the buffer until Commit or Requeue.
func (r *Recorder) Drain(ctx context.Context, max int) Batch {
	if max <= 0 {
		max = defaultBatch
	}
	var b Batch

	if r.store != nil {
		stored, err := r.store.LoadEvents(ctx, max)
		if err != nil && err != storage.ErrDisabled {
			r.log.Warn("loading spilled events failed", logx.Err(err))
		}
		for _, se := range stored {
			b.Entries = append(b.Entries, se.Entry)
			b.rowIDs = append(b.rowIDs, se.RowID)
		}
	}

	room := max - len(b.Entries)
	if room > 0 {
		r.mu.Lock()
		n := room
		if n > len(r.buf) {
			n = len(r.buf)
		}
		if n > 0 {
			b.memOnly = make([]controlplane.EventLogEntry, n)
			copy(b.memOnly, r.buf[:n])
			r.buf = append(r.buf[:0], r.buf[n:]...)
			b.Entries = append(b.Entries, b.memOnly...)
		}
		r.mu.Unlock()
	}
	return b
}

// Commit acknowledges an uploaded batch, deleting its spilled rows.
func (r *Recorder) Commit(ctx context.Context, b Batch) {
	if r.store == nil || len(b.rowIDs) == 0 {
		return
	}
	if err := r.store.DeleteEvents(ctx, b.rowIDs); err != nil {
		// Worst case the rows upload twice; the backend log is append-only
		// and tolerates duplicates.
		r.log.Warn("deleting uploaded events failed", logx.Err(err))
	}
}

// Requeue puts a failed batch's in-memory entries back at the front of the
// buffer. Spilled rows were never deleted, so the next Drain sees them again.
func (r *Recorder) Requeue(b Batch) {
	if len(b.memOnly) == 0 {
		return
	}
	r.mu.Lock()
	r.buf = append(b.memOnly, r.buf...)
	if len(r.buf) > r.softCap*2 {
		over := len(r.buf) - r.softCap*2
		r.buf = r.buf[over:]
		r.dropped += uint64(over)
	}
	r.mu.Unlock()
}

// Pending reports the in-memory backlog size.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
