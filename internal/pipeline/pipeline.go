// Package pipeline is the reaction path: transport updates in, enforcement
// actions out. One decision per event, serialized per (group,user) through
// the offense ledger so a flooding user cannot race their own penalties.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex064/earnquest-tg/internal/executor"
	"github.com/apex064/earnquest-tg/internal/moderation"
	"github.com/apex064/earnquest-tg/internal/runtime/supervisor"
	"github.com/apex064/earnquest-tg/internal/transport"
	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

const defaultWorkers = 4

type Pipeline struct {
	updates <-chan transport.Update

	store  *moderation.ConfStore
	ledger *moderation.Ledger
	exec   *executor.Executor
	log    logx.Logger

	workers int

	mu       sync.RWMutex
	groups   map[int64]struct{}
	website  string
	projName string
}

func New(updates <-chan transport.Update, store *moderation.ConfStore, ledger *moderation.Ledger, exec *executor.Executor, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		updates: updates,
		store:   store,
		ledger:  ledger,
		exec:    exec,
		log:     log,
		workers: defaultWorkers,
		groups:  map[int64]struct{}{},
	}
}

// SetGroups replaces the moderated chat set (config reload).
func (p *Pipeline) SetGroups(ids []int64) {
	next := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	p.mu.Lock()
	p.groups = next
	p.mu.Unlock()
}

// SetTemplateContext updates the {website}/{name} placeholder values.
func (p *Pipeline) SetTemplateContext(website, projectName string) {
	p.mu.Lock()
	p.website = website
	p.projName = projectName
	p.mu.Unlock()
}

func (p *Pipeline) moderated(chatID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.groups[chatID]
	return ok
}

func (p *Pipeline) render(s string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return moderation.RenderTemplate(s, p.website, p.projName)
}

// Start spawns the worker pool. Workers restart on panic; one poisoned
// update must not stop moderation for everyone else.
func (p *Pipeline) Start(sup *supervisor.Supervisor) {
	for i := 0; i < p.workers; i++ {
		name := fmt.Sprintf("pipeline-worker-%d", i)
		sup.GoRestart(name, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case u, ok := <-p.updates:
					if !ok {
						return nil
					}
					p.handle(ctx, u)
				}
			}
		})
	}
}

func (p *Pipeline) handle(ctx context.Context, u transport.Update) {
	if !u.IsGroup || !p.moderated(u.ChatID) {
		return
	}

	switch u.Kind {
	case transport.UpdateJoin:
		for _, id := range u.JoinedIDs {
			p.handleJoin(ctx, u, id)
		}
	case transport.UpdateMessage, transport.UpdateEdit:
		p.handleMessage(ctx, u)
	case transport.UpdateLeave:
		// Nothing to enforce; the event log does not track departures.
	}
}

func (p *Pipeline) handleJoin(ctx context.Context, u transport.Update, userID int64) {
	// The backend ban list wins over any welcome.
	if p.store.IsBanned(u.ChatID, userID) {
		req := executor.Request{
			GroupID: u.ChatID,
			UserID:  userID,
			Action:  moderation.Action{Kind: moderation.ActionBan, Reason: "banned by administrators"},
		}
		if err := p.exec.Execute(ctx, req); err != nil {
			p.log.Warn("re-ban on join failed", logx.Int64("chat", u.ChatID), logx.Int64("user", userID), logx.Err(err))
			return
		}
		p.ledger.ApplyBan(u.ChatID, userID)
		return
	}

	ev := moderation.ChatEvent{
		GroupID: u.ChatID,
		UserID:  userID,
		At:      u.At,
		Kind:    moderation.EventJoin,
	}
	p.decideAndRun(ctx, u, ev, userID)
}

func (p *Pipeline) handleMessage(ctx context.Context, u transport.Update) {
	kind := moderation.EventMessage
	if u.Kind == transport.UpdateEdit {
		kind = moderation.EventEdit
	}
	ev := moderation.ChatEvent{
		GroupID:       u.ChatID,
		UserID:        u.FromID,
		MessageID:     u.MessageID,
		At:            u.At,
		Kind:          kind,
		Text:          u.Text,
		Forwarded:     u.Forwarded,
		HasLinkEntity: u.HasLinkEntity,
	}
	p.decideAndRun(ctx, u, ev, u.FromID)
}

// decideAndRun is the classify, decide, execute, commit sequence. It runs
// under the per-key ledger lock so two events from the same user cannot
// interleave their decisions.
func (p *Pipeline) decideAndRun(ctx context.Context, u transport.Update, ev moderation.ChatEvent, userID int64) {
	cfg := p.store.Config(ev.GroupID)

	p.ledger.With(ev.GroupID, userID, func(r *moderation.Record) {
		now := ev.At
		if now.IsZero() {
			now = time.Now()
		}

		inWindow := r.InWindow(now)
		if ev.Kind == moderation.EventMessage {
			inWindow = r.RecordMessage(now)
		}

		sig := moderation.Classify(ev, cfg, inWindow)
		st := r.State(now)
		actions := moderation.Decide(sig, st, cfg)
		if len(actions) == 0 {
			return
		}

		p.log.Debug("enforcement decision",
			logx.Int64("chat", ev.GroupID),
			logx.Int64("user", userID),
			logx.String("signal", sig.String()),
			logx.Int("actions", len(actions)))

		for _, act := range actions {
			if act.Text != "" {
				act.Text = p.render(act.Text)
			}
			req := executor.Request{
				GroupID:   ev.GroupID,
				UserID:    userID,
				Username:  u.FromUsername,
				MessageID: ev.MessageID,
				Action:    act,
				Threshold: cfg.Threshold(),
			}
			if err := p.exec.Execute(ctx, req); err != nil {
				// No ledger commit for a failed action; the next offense
				// retries the escalation from the same count.
				p.log.Warn("enforcement action failed",
					logx.Int64("chat", ev.GroupID),
					logx.Int64("user", userID),
					logx.String("action", act.Kind.String()),
					logx.Err(err))
				continue
			}

			switch act.Kind {
			case moderation.ActionWarn:
				r.BumpWarnings()
			case moderation.ActionMute:
				r.SetMute(now.Add(act.Duration))
			case moderation.ActionBan:
				r.SetBan()
			}
		}
	})
}
