package eventlog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/apex064/earnquest-tg/internal/controlplane"
	"github.com/apex064/earnquest-tg/internal/storage"
	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

func entry(i int) controlplane.EventLogEntry {
	return controlplane.EventLogEntry{EventType: fmt.Sprintf("ev-%d", i), ChatID: -1}
}

func TestRecorderDrainOrder(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil, 100, logx.Nop())
	for i := 0; i < 5; i++ {
		r.Record(entry(i))
	}

	b := r.Drain(context.Background(), 3)
	if len(b.Entries) != 3 || b.Entries[0].EventType != "ev-0" || b.Entries[2].EventType != "ev-2" {
		t.Fatalf("drained %+v", b.Entries)
	}
	if r.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", r.Pending())
	}
}

func TestRecorderRequeueRestoresOrder(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil, 100, logx.Nop())
	for i := 0; i < 4; i++ {
		r.Record(entry(i))
	}

	b := r.Drain(context.Background(), 2)
	r.Requeue(b)

	again := r.Drain(context.Background(), 4)
	for i, e := range again.Entries {
		if e.EventType != fmt.Sprintf("ev-%d", i) {
			t.Fatalf("entry %d = %s after requeue", i, e.EventType)
		}
	}
}

func TestRecorderDropsOldestWithoutStorage(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil, 10, logx.Nop())
	for i := 0; i < 30; i++ {
		r.Record(entry(i))
	}
	if got := r.Pending(); got > 20 {
		t.Fatalf("buffer grew to %d with soft cap 10", got)
	}
	// The newest entry always survives.
	b := r.Drain(context.Background(), 100)
	last := b.Entries[len(b.Entries)-1]
	if last.EventType != "ev-29" {
		t.Fatalf("newest entry lost, tail = %s", last.EventType)
	}
}

func TestRecorderSpillsToStorage(t *testing.T) {
	t.Parallel()

	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r := NewRecorder(st, 4, logx.Nop())
	for i := 0; i < 10; i++ {
		r.Record(entry(i))
	}

	// Everything recorded is still reachable, spilled rows first.
	b := r.Drain(context.Background(), 100)
	if len(b.Entries) != 10 {
		t.Fatalf("drained %d entries, want 10", len(b.Entries))
	}
	if b.Entries[0].EventType != "ev-0" {
		t.Fatalf("oldest entry = %s, want ev-0", b.Entries[0].EventType)
	}

	// Commit deletes the spilled rows; nothing resurfaces.
	r.Commit(context.Background(), b)
	if again := r.Drain(context.Background(), 100); !again.Empty() {
		t.Fatalf("entries resurfaced after commit: %d", len(again.Entries))
	}
}
