// Package syncer is the background reconciliation engine. On each tick it
// pulls settings, scheduled posts and the ban list from the backend, applies
// them locally, and pushes the buffered event log upstream. A dead backend
// degrades the bot to its last known good state, never to a stop.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/apex064/earnquest-tg/internal/controlplane"
	"github.com/apex064/earnquest-tg/internal/eventbus"
	"github.com/apex064/earnquest-tg/internal/eventlog"
	"github.com/apex064/earnquest-tg/internal/executor"
	"github.com/apex064/earnquest-tg/internal/moderation"
	"github.com/apex064/earnquest-tg/internal/runtime/supervisor"
	"github.com/apex064/earnquest-tg/internal/storage"
	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

// Client is the backend surface the engine consumes. *controlplane.Client
// satisfies it; tests substitute a fake.
type Client interface {
	Settings(ctx context.Context, groupID int64) (*controlplane.ModerationConfig, error)
	ScheduledPosts(ctx context.Context, dueBefore time.Time) ([]controlplane.ScheduledPost, error)
	MarkExecuted(ctx context.Context, id int64) error
	PushEvents(ctx context.Context, batch []controlplane.EventLogEntry) error
	BannedUsers(ctx context.Context, groupID int64) ([]controlplane.BannedUserEntry, error)
}

// Engine states, exposed for logs and introspection.
const (
	StateIdle      = "idle"
	StateFetching  = "fetching"
	StateApplying  = "applying"
	StateExecuting = "executing"
)

const executedCacheSize = 1024

type Options struct {
	// BatchMax caps event log entries uploaded per cycle.
	BatchMax int
	// Website and ProjectName fill post/welcome templates.
	Website     string
	ProjectName string
}

type Service struct {
	client Client
	store  *moderation.ConfStore
	ledger *moderation.Ledger
	exec   *executor.Executor
	rec    *eventlog.Recorder
	disk   storage.Store // nil when persistence is off
	bus    eventbus.Bus
	log    logx.Logger

	// executed is an advisory dedup cache for dispatched posts; the durable
	// source of truth is the backend ack plus the sqlite table.
	executed *lru.Cache[int64, struct{}]

	state atomic.Value // string

	mu       sync.RWMutex
	trigger  *Trigger
	groups   []int64
	batchMax int
	website  string
	projName string

	// running guards against overlapping cycles (a slow backend must not
	// stack requests).
	running atomic.Bool
	skipped atomic.Uint64

	// wake lets tests and config reloads force an immediate cycle.
	wake chan struct{}
}

func New(client Client, store *moderation.ConfStore, ledger *moderation.Ledger, exec *executor.Executor, rec *eventlog.Recorder, disk storage.Store, bus eventbus.Bus, trigger *Trigger, groups []int64, opts Options, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cache, _ := lru.New[int64, struct{}](executedCacheSize)
	s := &Service{
		client:   client,
		store:    store,
		ledger:   ledger,
		exec:     exec,
		rec:      rec,
		disk:     disk,
		bus:      bus,
		log:      log,
		executed: cache,
		trigger:  trigger,
		groups:   append([]int64(nil), groups...),
		batchMax: opts.BatchMax,
		website:  opts.Website,
		projName: opts.ProjectName,
		wake:     make(chan struct{}, 1),
	}
	s.state.Store(StateIdle)
	return s
}

func (s *Service) State() string {
	if v, ok := s.state.Load().(string); ok {
		return v
	}
	return StateIdle
}

// SetGroups replaces the moderated group set (config reload).
func (s *Service) SetGroups(ids []int64) {
	s.mu.Lock()
	s.groups = append([]int64(nil), ids...)
	s.mu.Unlock()
}

// SetTrigger swaps the sync cadence (config reload). Takes effect after the
// current sleep.
func (s *Service) SetTrigger(t *Trigger) {
	if t == nil {
		return
	}
	s.mu.Lock()
	s.trigger = t
	s.mu.Unlock()
	s.Kick()
}

// SetTemplateContext updates the {website}/{name} placeholder values.
func (s *Service) SetTemplateContext(website, projectName string) {
	s.mu.Lock()
	s.website = website
	s.projName = projectName
	s.mu.Unlock()
}

// Kick requests an immediate cycle without waiting for the trigger.
func (s *Service) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) groupList() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.groups...)
}

func (s *Service) Start(sup *supervisor.Supervisor) {
	sup.GoRestart("syncer-loop", func(ctx context.Context) error {
		// First cycle runs immediately so the bot does not moderate on
		// defaults for a full interval after boot.
		s.RunCycle(ctx)

		for {
			s.mu.RLock()
			next := s.trigger.Next(time.Now())
			s.mu.RUnlock()

			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			case <-s.wake:
				timer.Stop()
			}
			s.RunCycle(ctx)
		}
	}, supervisor.WithRestartBackoff(time.Second, time.Minute))
}

// RunCycle performs one full sync pass. Overlapping calls are dropped, not
// queued: the next tick will pick up whatever this one missed.
func (s *Service) RunCycle(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		n := s.skipped.Add(1)
		s.log.Warn("sync cycle still running; skipping tick", logx.Uint64("skipped_total", n))
		return
	}
	defer s.running.Store(false)
	defer s.state.Store(StateIdle)

	started := time.Now()
	var degraded []string

	// The three fetches run in parallel: a hung settings endpoint must not
	// hold back post dispatch or ban reconciliation. Each failure degrades
	// only its own phase.
	s.state.Store(StateFetching)
	var (
		wg    sync.WaitGroup
		cfgs  []*controlplane.ModerationConfig
		bans  map[int64][]controlplane.BannedUserEntry
		posts []controlplane.ScheduledPost

		settingsOK, bansOK, postsOK bool
	)
	wg.Add(3)
	go func() { defer wg.Done(); cfgs, settingsOK = s.fetchSettings(ctx) }()
	go func() { defer wg.Done(); bans, bansOK = s.fetchBans(ctx) }()
	go func() { defer wg.Done(); posts, postsOK = s.fetchPosts(ctx) }()
	wg.Wait()

	if !settingsOK {
		degraded = append(degraded, "settings")
	}
	if !bansOK {
		degraded = append(degraded, "banned_users")
	}
	if !postsOK {
		degraded = append(degraded, "scheduled_posts")
	}

	s.state.Store(StateApplying)
	applied := s.applySettings(cfgs)
	s.applyBans(ctx, bans)

	s.state.Store(StateExecuting)
	s.dispatchPosts(ctx, posts, &degraded)
	s.pushEvents(ctx, &degraded)

	if len(degraded) > 0 {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSyncDegraded, Data: controlplane.EventLogEntry{
			EventType:   "sync_degraded",
			Data:        map[string]any{"phases": degraded},
			Description: "sync cycle completed with failures",
		}})
		s.log.Warn("sync cycle degraded",
			logx.Any("phases", degraded),
			logx.Duration("took", time.Since(started)))
		return
	}
	s.log.Debug("sync cycle complete",
		logx.Int("configs_applied", applied),
		logx.Duration("took", time.Since(started)))
}

// fetchSettings pulls per-group configs. A failed group keeps its cached
// config; the failure is isolated per group.
func (s *Service) fetchSettings(ctx context.Context) ([]*controlplane.ModerationConfig, bool) {
	var cfgs []*controlplane.ModerationConfig
	ok := true
	for _, gid := range s.groupList() {
		cfg, err := s.client.Settings(ctx, gid)
		if err != nil {
			ok = false
			s.logFetchErr("settings", gid, err)
			continue
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, ok
}

func (s *Service) applySettings(cfgs []*controlplane.ModerationConfig) int {
	applied := 0
	for _, cfg := range cfgs {
		if s.store.Replace(cfg) {
			applied++
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeSyncApplied, Data: controlplane.EventLogEntry{
				EventType:   "settings_applied",
				ChatID:      cfg.GroupID,
				Data:        map[string]any{"version": cfg.Version},
				Description: "moderation settings updated",
			}})
			s.log.Info("moderation settings applied",
				logx.Int64("chat", cfg.GroupID), logx.String("version", cfg.Version))
		}
	}
	return applied
}

// fetchBans pulls the authoritative ban list per group. A failed group is
// absent from the result and keeps its cached set.
func (s *Service) fetchBans(ctx context.Context) (map[int64][]controlplane.BannedUserEntry, bool) {
	lists := map[int64][]controlplane.BannedUserEntry{}
	ok := true
	for _, gid := range s.groupList() {
		entries, err := s.client.BannedUsers(ctx, gid)
		if err != nil {
			ok = false
			s.logFetchErr("banned_users", gid, err)
			continue
		}
		lists[gid] = entries
	}
	return lists, ok
}

// applyBans reconciles fetched ban lists. New entries are enforced; lifted
// bans clear local state and unban on the platform.
func (s *Service) applyBans(ctx context.Context, lists map[int64][]controlplane.BannedUserEntry) {
	for gid, entries := range lists {
		added, removed := s.store.ReplaceBans(gid, entries)

		for _, uid := range added {
			if s.ledger.IsBanned(gid, uid) {
				continue
			}
			req := executor.Request{
				GroupID: gid,
				UserID:  uid,
				Action:  moderation.Action{Kind: moderation.ActionBan, Reason: "banned by administrators"},
			}
			if err := s.exec.Execute(ctx, req); err != nil {
				// The user may simply not be in the chat; the join hook
				// catches them if they come back.
				s.log.Debug("upstream ban not enforceable now",
					logx.Int64("chat", gid), logx.Int64("user", uid), logx.Err(err))
			}
			s.ledger.ApplyBan(gid, uid)
		}
		for _, uid := range removed {
			req := executor.Request{
				GroupID: gid,
				UserID:  uid,
				Action:  moderation.Action{Kind: moderation.ActionUnban, Reason: "ban lifted by administrators"},
			}
			if err := s.exec.Execute(ctx, req); err != nil {
				s.log.Warn("unban failed",
					logx.Int64("chat", gid), logx.Int64("user", uid), logx.Err(err))
				continue
			}
			s.ledger.Clear(gid, uid)
		}
	}
}

// pushEvents drains the buffered event log upstream. A failed upload
// requeues the batch; nothing is lost short of the buffer's own caps.
func (s *Service) pushEvents(ctx context.Context, degraded *[]string) {
	batch := s.rec.Drain(ctx, s.batchMax)
	if batch.Empty() {
		return
	}
	if err := s.client.PushEvents(ctx, batch.Entries); err != nil {
		s.rec.Requeue(batch)
		*degraded = append(*degraded, "events")
		s.log.Warn("event upload failed; batch requeued",
			logx.Int("count", len(batch.Entries)), logx.Err(err))
		return
	}
	s.rec.Commit(ctx, batch)
	s.log.Debug("events uploaded", logx.Int("count", len(batch.Entries)))
}

func (s *Service) logFetchErr(phase string, gid int64, err error) {
	switch {
	case controlplane.IsAuth(err):
		// The credential was valid at startup; a rejection now means it was
		// rotated underneath us. Loud, every cycle.
		s.log.Error("backend rejected credential",
			logx.String("phase", phase), logx.Int64("chat", gid), logx.Err(err))
	case controlplane.IsValidation(err):
		s.log.Warn("backend payload rejected; keeping cached state",
			logx.String("phase", phase), logx.Int64("chat", gid), logx.Err(err))
	default:
		s.log.Warn("backend unreachable; keeping cached state",
			logx.String("phase", phase), logx.Int64("chat", gid), logx.Err(err))
	}
}
