package moderation

import (
	"sort"
	"testing"

	"github.com/apex064/earnquest-tg/internal/controlplane"
)

func TestConfStoreDefaultsUntilSynced(t *testing.T) {
	t.Parallel()

	s := NewConfStore(controlplane.ModerationConfig{WarningThreshold: 3, MaxMessagesPerMinute: 10})

	got := s.Config(-55)
	if got == nil || got.GroupID != -55 || got.MaxMessagesPerMinute != 10 {
		t.Fatalf("default config = %+v", got)
	}
	if s.Version(-55) != "" {
		t.Fatalf("unsynced group reports version %q", s.Version(-55))
	}
}

func TestConfStoreReplaceIsVersioned(t *testing.T) {
	t.Parallel()

	s := NewConfStore(controlplane.ModerationConfig{})
	cfg := &controlplane.ModerationConfig{GroupID: -55, Version: "v1", MaxMessagesPerMinute: 4}

	if !s.Replace(cfg) {
		t.Fatal("first replace reported no change")
	}
	if s.Replace(cfg) {
		t.Fatal("same-version replace reported a change")
	}

	cfg2 := *cfg
	cfg2.Version = "v2"
	cfg2.MaxMessagesPerMinute = 8
	if !s.Replace(&cfg2) {
		t.Fatal("new version replace reported no change")
	}
	if got := s.Config(-55); got.MaxMessagesPerMinute != 8 {
		t.Fatalf("active config = %+v, want v2 fields", got)
	}
}

func TestConfStoreSnapshotIsolation(t *testing.T) {
	t.Parallel()

	s := NewConfStore(controlplane.ModerationConfig{})
	s.Replace(&controlplane.ModerationConfig{GroupID: -55, Version: "v1", WarningThreshold: 3})

	held := s.Config(-55)
	s.Replace(&controlplane.ModerationConfig{GroupID: -55, Version: "v2", WarningThreshold: 9})

	if held.WarningThreshold != 3 {
		t.Fatalf("held snapshot mutated: %+v", held)
	}
	if got := s.Config(-55); got.WarningThreshold != 9 {
		t.Fatalf("fresh read = %+v, want v2", got)
	}
}

func TestConfStoreReplaceBansDelta(t *testing.T) {
	t.Parallel()

	s := NewConfStore(controlplane.ModerationConfig{})

	added, removed := s.ReplaceBans(-55, []controlplane.BannedUserEntry{
		{GroupID: -55, UserID: 1}, {GroupID: -55, UserID: 2},
	})
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	if len(added) != 2 || added[0] != 1 || added[1] != 2 || len(removed) != 0 {
		t.Fatalf("initial delta added=%v removed=%v", added, removed)
	}

	added, removed = s.ReplaceBans(-55, []controlplane.BannedUserEntry{
		{GroupID: -55, UserID: 2}, {GroupID: -55, UserID: 3},
	})
	if len(added) != 1 || added[0] != 3 {
		t.Fatalf("second delta added=%v", added)
	}
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("second delta removed=%v", removed)
	}

	if !s.IsBanned(-55, 3) || s.IsBanned(-55, 1) {
		t.Fatal("ban set does not reflect wholesale replacement")
	}
}
