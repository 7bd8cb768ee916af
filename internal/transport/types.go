package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateJoin    UpdateKind = "join"
	UpdateLeave   UpdateKind = "leave"
	UpdateEdit    UpdateKind = "edit"
)

// Update is one inbound chat event as delivered by the adapter.
// It is immutable once produced; consumers must not mutate it.
type Update struct {
	Kind         UpdateKind
	ChatID       int64
	MessageID    int
	FromID       int64
	FromUsername string
	At           time.Time
	Text         string
	IsGroup      bool

	// Forwarded is set when the message carries a forward origin.
	Forwarded bool
	// HasLinkEntity is set when the platform tagged a url/text_link entity.
	// Classification still runs its own pattern check on Text.
	HasLinkEntity bool

	// JoinedIDs holds the user ids that entered the chat (join updates only).
	JoinedIDs []int64
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the chat transport seen by the rest of the bot.
// The underlying protocol (long-poll vs webhook) is the adapter's business.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photoURL, caption string, opt *SendOptions) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
	RestrictUser(ctx context.Context, chatID, userID int64, until time.Time) error
	BanUser(ctx context.Context, chatID, userID int64) error
	UnbanUser(ctx context.Context, chatID, userID int64) error
}
