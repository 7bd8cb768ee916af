// Package executor owns every outbound Telegram operation. Enforcement
// decisions and scheduled posts funnel through one rate limiter so the bot
// stays under the platform's flood limits, and every completed action is
// published on the event bus for the event log.
package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/apex064/earnquest-tg/internal/controlplane"
	"github.com/apex064/earnquest-tg/internal/eventbus"
	"github.com/apex064/earnquest-tg/internal/moderation"
	"github.com/apex064/earnquest-tg/internal/transport"
	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

// ExecutionError wraps a failed outbound operation with enough context to
// log and count it. The underlying transport error stays reachable.
type ExecutionError struct {
	Action  moderation.ActionKind
	GroupID int64
	UserID  int64
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executor: %s in %d for user %d: %v", e.Action, e.GroupID, e.UserID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Config throttles outbound calls.
type Config struct {
	RatePerSec  int
	Burst       int
	CallTimeout time.Duration
}

// Request is one enforcement action to perform against the platform.
type Request struct {
	GroupID   int64
	UserID    int64
	Username  string
	MessageID int

	Action moderation.Action
	// Threshold is the warning limit in effect, shown in warning notices.
	Threshold int
}

type Executor struct {
	adapter transport.Adapter
	bus     eventbus.Bus
	log     logx.Logger

	lim         *rate.Limiter
	callTimeout time.Duration
}

func New(adapter transport.Adapter, bus eventbus.Bus, cfg Config, log logx.Logger) *Executor {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		adapter:     adapter,
		bus:         bus,
		log:         log,
		lim:         rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		callTimeout: cfg.CallTimeout,
	}
}

// Execute performs one action. The error, when non-nil, is always an
// *ExecutionError; the caller decides whether to commit ledger effects.
func (x *Executor) Execute(ctx context.Context, req Request) error {
	if err := x.lim.Wait(ctx); err != nil {
		return &ExecutionError{Action: req.Action.Kind, GroupID: req.GroupID, UserID: req.UserID, Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, x.callTimeout)
	defer cancel()

	var err error
	switch req.Action.Kind {
	case moderation.ActionNone:
		return nil

	case moderation.ActionDeleteMessage:
		err = x.adapter.DeleteMessage(cctx, transport.MessageRef{ChatID: req.GroupID, MessageID: req.MessageID})

	case moderation.ActionWarn:
		text := fmt.Sprintf("⚠️ %s, %s (warning %d/%d)",
			mention(req), req.Action.Reason, req.Action.WarningCount, req.Threshold)
		_, err = x.adapter.SendText(cctx, transport.ChatTarget{ChatID: req.GroupID}, text, nil)

	case moderation.ActionMute:
		until := time.Now().Add(req.Action.Duration)
		err = x.adapter.RestrictUser(cctx, req.GroupID, req.UserID, until)
		if err == nil {
			text := fmt.Sprintf("🔇 %s muted for %s: %s",
				mention(req), req.Action.Duration.Round(time.Minute), req.Action.Reason)
			if _, serr := x.adapter.SendText(cctx, transport.ChatTarget{ChatID: req.GroupID}, text, nil); serr != nil {
				x.log.Debug("mute notice failed", logx.Int64("chat", req.GroupID), logx.Err(serr))
			}
		}

	case moderation.ActionBan:
		err = x.adapter.BanUser(cctx, req.GroupID, req.UserID)
		if err == nil {
			text := fmt.Sprintf("🚫 %s banned: %s", mention(req), req.Action.Reason)
			if _, serr := x.adapter.SendText(cctx, transport.ChatTarget{ChatID: req.GroupID}, text, nil); serr != nil {
				x.log.Debug("ban notice failed", logx.Int64("chat", req.GroupID), logx.Err(serr))
			}
		}

	case moderation.ActionUnban:
		err = x.adapter.UnbanUser(cctx, req.GroupID, req.UserID)

	case moderation.ActionSendWelcome, moderation.ActionSendReply:
		_, err = x.adapter.SendText(cctx, transport.ChatTarget{ChatID: req.GroupID}, req.Action.Text,
			&transport.SendOptions{DisablePreview: true})

	default:
		return nil
	}

	if err != nil {
		return &ExecutionError{Action: req.Action.Kind, GroupID: req.GroupID, UserID: req.UserID, Err: err}
	}

	x.publish(req)
	return nil
}

// SendPost dispatches one scheduled post to one group.
func (x *Executor) SendPost(ctx context.Context, groupID int64, post controlplane.ScheduledPost, content string) error {
	if err := x.lim.Wait(ctx); err != nil {
		return &ExecutionError{Action: moderation.ActionSendReply, GroupID: groupID, Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, x.callTimeout)
	defer cancel()

	var err error
	if post.ImageURL != "" {
		_, err = x.adapter.SendPhoto(cctx, transport.ChatTarget{ChatID: groupID}, post.ImageURL, content, nil)
	} else {
		_, err = x.adapter.SendText(cctx, transport.ChatTarget{ChatID: groupID}, content, nil)
	}
	if err != nil {
		return &ExecutionError{Action: moderation.ActionSendReply, GroupID: groupID, Err: err}
	}

	x.bus.Publish(eventbus.Event{
		Type: eventbus.TypePostDispatched,
		Data: controlplane.EventLogEntry{
			EventType:   "post_sent",
			ChatID:      groupID,
			Data:        map[string]any{"post_id": post.ID, "post_type": post.PostType},
			Description: "scheduled post dispatched",
		},
	})
	return nil
}

// eventType maps completed actions to the backend's event vocabulary.
func eventType(kind moderation.ActionKind) string {
	switch kind {
	case moderation.ActionDeleteMessage:
		return "message_deleted"
	case moderation.ActionWarn:
		return "user_warned"
	case moderation.ActionMute:
		return "user_muted"
	case moderation.ActionBan:
		return "user_banned"
	case moderation.ActionUnban:
		return "user_unbanned"
	case moderation.ActionSendWelcome:
		return "user_joined"
	default:
		return ""
	}
}

func (x *Executor) publish(req Request) {
	et := eventType(req.Action.Kind)
	if et == "" {
		return
	}
	data := map[string]any{"action": req.Action.Kind.String()}
	if req.Action.Reason != "" {
		data["reason"] = req.Action.Reason
	}
	if req.Action.WarningCount > 0 {
		data["warning_count"] = req.Action.WarningCount
	}
	x.bus.Publish(eventbus.Event{
		Type: eventbus.TypeActionExecuted,
		Data: controlplane.EventLogEntry{
			EventType:        et,
			ChatID:           req.GroupID,
			TelegramUserID:   req.UserID,
			TelegramUsername: req.Username,
			Data:             data,
		},
	})
}

func mention(req Request) string {
	if req.Username != "" {
		return "@" + req.Username
	}
	return fmt.Sprintf("user %d", req.UserID)
}
