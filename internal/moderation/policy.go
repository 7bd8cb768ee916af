package moderation

import (
	"github.com/apex064/earnquest-tg/internal/controlplane"
)

const (
	reasonLinks    = "links are not allowed in this group"
	reasonForwards = "forwarded messages are not allowed in this group"
	reasonFlood    = "slow down, you are sending messages too fast"
)

// Decide maps a signal plus the user's offense state to an ordered action
// list. Pure: the ledger is updated by the caller only after the actions
// succeed, so a failed mute can be retried on the user's next message.
//
// Muted and banned users get no further punishment; their messages are
// already being removed or blocked by the platform.
func Decide(sig Signal, st RecordState, cfg *controlplane.ModerationConfig) []Action {
	if st.Banned || st.Muted {
		return nil
	}

	switch sig {
	case SignalJoin:
		if cfg == nil || cfg.WelcomeText == "" {
			return nil
		}
		return []Action{{Kind: ActionSendWelcome, Text: cfg.WelcomeText}}

	case SignalCommand:
		if cfg == nil || cfg.RulesText == "" {
			return nil
		}
		return []Action{{Kind: ActionSendReply, Text: cfg.RulesText}}

	case SignalLink:
		var out []Action
		if cfg == nil || cfg.AutoDeleteLinks {
			out = append(out, Action{Kind: ActionDeleteMessage, Reason: reasonLinks})
		}
		return append(out, escalate(st, cfg, reasonLinks))

	case SignalForward:
		return []Action{
			{Kind: ActionDeleteMessage, Reason: reasonForwards},
			escalate(st, cfg, reasonForwards),
		}

	case SignalRate:
		return []Action{
			{Kind: ActionDeleteMessage, Reason: reasonFlood},
			{Kind: ActionMute, Reason: reasonFlood, Duration: cfg.MuteDuration()},
		}
	}
	return nil
}

// escalate turns one more offense into a warning, or a ban once the count
// reaches the threshold.
func escalate(st RecordState, cfg *controlplane.ModerationConfig, reason string) Action {
	next := st.WarningCount + 1
	if next >= cfg.Threshold() {
		return Action{Kind: ActionBan, Reason: reason, WarningCount: next}
	}
	return Action{Kind: ActionWarn, Reason: reason, WarningCount: next}
}
