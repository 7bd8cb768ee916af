package moderation

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/apex064/earnquest-tg/internal/controlplane"
)

// ConfStore holds the active per-group moderation configs and ban sets.
//
// Reads are lock-free snapshots; values are replaced wholesale, never
// mutated in place, so readers can hold a pointer across an entire message
// decision without seeing torn state. A single writer (the sync engine)
// owns all replacements.
type ConfStore struct {
	defaults controlplane.ModerationConfig
	groups   *xsync.MapOf[int64, *controlplane.ModerationConfig]
	bans     *xsync.MapOf[int64, map[int64]controlplane.BannedUserEntry]
}

func NewConfStore(defaults controlplane.ModerationConfig) *ConfStore {
	return &ConfStore{
		defaults: defaults,
		groups:   xsync.NewMapOf[int64, *controlplane.ModerationConfig](),
		bans:     xsync.NewMapOf[int64, map[int64]controlplane.BannedUserEntry](),
	}
}

// Config returns the active config for a group. Never nil: groups without a
// synced config run on the local defaults.
func (s *ConfStore) Config(groupID int64) *controlplane.ModerationConfig {
	if cfg, ok := s.groups.Load(groupID); ok {
		return cfg
	}
	def := s.defaults
	def.GroupID = groupID
	return &def
}

// Version returns the active config version, empty when only defaults are
// in effect.
func (s *ConfStore) Version(groupID int64) string {
	if cfg, ok := s.groups.Load(groupID); ok {
		return cfg.Version
	}
	return ""
}

// Replace installs a new config for its group. Returns false when the
// version already matches and nothing changed.
func (s *ConfStore) Replace(cfg *controlplane.ModerationConfig) bool {
	if cfg == nil {
		return false
	}
	if prev, ok := s.groups.Load(cfg.GroupID); ok && prev.Version == cfg.Version {
		return false
	}
	cp := *cfg
	s.groups.Store(cfg.GroupID, &cp)
	return true
}

// ReplaceBans swaps a group's ban set wholesale and reports the delta:
// users newly banned upstream and users whose ban was lifted.
func (s *ConfStore) ReplaceBans(groupID int64, entries []controlplane.BannedUserEntry) (added, removed []int64) {
	next := make(map[int64]controlplane.BannedUserEntry, len(entries))
	for _, e := range entries {
		next[e.UserID] = e
	}

	prev, _ := s.bans.Load(groupID)
	for id := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}

	s.bans.Store(groupID, next)
	return added, removed
}

// IsBanned reports whether the backend ban list names the user.
func (s *ConfStore) IsBanned(groupID, userID int64) bool {
	set, ok := s.bans.Load(groupID)
	if !ok {
		return false
	}
	_, banned := set[userID]
	return banned
}
