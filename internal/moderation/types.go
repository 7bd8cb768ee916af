package moderation

import (
	"time"
)

// EventKind mirrors the transport update kinds the moderation core cares about.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventJoin    EventKind = "join"
	EventLeave   EventKind = "leave"
	EventEdit    EventKind = "edit"
)

// ChatEvent is one inbound group event, already stripped of transport
// details. Immutable once built.
type ChatEvent struct {
	GroupID   int64
	UserID    int64
	MessageID int
	At        time.Time
	Kind      EventKind
	Text      string

	Forwarded     bool
	HasLinkEntity bool
}

// Signal is the classification of a single chat event.
// Exactly one signal is produced per event.
type Signal int

const (
	SignalClean Signal = iota
	SignalLink
	SignalForward
	SignalRate
	SignalJoin
	SignalCommand
)

func (s Signal) String() string {
	switch s {
	case SignalClean:
		return "clean"
	case SignalLink:
		return "link_violation"
	case SignalForward:
		return "forward_violation"
	case SignalRate:
		return "rate_violation"
	case SignalJoin:
		return "join"
	case SignalCommand:
		return "command"
	default:
		return "unknown"
	}
}

// ActionKind enumerates enforcement actions the policy can emit.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionDeleteMessage
	ActionWarn
	ActionMute
	ActionBan
	ActionUnban
	ActionSendWelcome
	ActionSendReply
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionDeleteMessage:
		return "delete_message"
	case ActionWarn:
		return "warn"
	case ActionMute:
		return "mute"
	case ActionBan:
		return "ban"
	case ActionUnban:
		return "unban"
	case ActionSendWelcome:
		return "send_welcome"
	case ActionSendReply:
		return "send_reply"
	default:
		return "unknown"
	}
}

// Action is one step of an enforcement decision.
type Action struct {
	Kind ActionKind

	// Reason is a short human reason ("links are not allowed"). Set for
	// punitive actions.
	Reason string

	// Text is the message template for SendWelcome/SendReply.
	Text string

	// Duration is the mute window (ActionMute only).
	Duration time.Duration

	// WarningCount is the count the warn/ban decision was based on
	// (prospective: current count plus one).
	WarningCount int
}

// RecordState is a point-in-time snapshot of a user's offense record, taken
// inside the per-key critical section.
type RecordState struct {
	WarningCount int
	Muted        bool
	Banned       bool
}
