package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex064/earnquest-tg/internal/controlplane"
	"github.com/apex064/earnquest-tg/internal/eventbus"
	"github.com/apex064/earnquest-tg/internal/executor"
	"github.com/apex064/earnquest-tg/internal/moderation"
	"github.com/apex064/earnquest-tg/internal/transport"
	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	ops   []string
	texts []string
	fail  map[string]error
}

func (f *fakeAdapter) record(op, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	f.texts = append(f.texts, text)
	if f.fail != nil {
		return f.fail[op]
	}
	return nil
}

func (f *fakeAdapter) opList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                              { return nil }
func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, f.record("send", text)
}
func (f *fakeAdapter) SendPhoto(ctx context.Context, to transport.ChatTarget, photoURL, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, f.record("photo", caption)
}
func (f *fakeAdapter) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	return f.record("delete", "")
}
func (f *fakeAdapter) RestrictUser(ctx context.Context, chatID, userID int64, until time.Time) error {
	return f.record("restrict", "")
}
func (f *fakeAdapter) BanUser(ctx context.Context, chatID, userID int64) error {
	return f.record("ban", "")
}
func (f *fakeAdapter) UnbanUser(ctx context.Context, chatID, userID int64) error {
	return f.record("unban", "")
}

const testChat = int64(-1001)

func newTestPipeline(fa *fakeAdapter) (*Pipeline, *moderation.ConfStore, *moderation.Ledger) {
	store := moderation.NewConfStore(controlplane.ModerationConfig{})
	store.Replace(&controlplane.ModerationConfig{
		GroupID:              testChat,
		AllowLinks:           false,
		AllowForwards:        false,
		AutoDeleteLinks:      true,
		MaxMessagesPerMinute: 5,
		WarningThreshold:     3,
		WelcomeText:          "welcome to {name}, see {website}",
		RulesText:            "rules at {website}",
		Version:              "v1",
	})
	ledger := moderation.NewLedger()
	exec := executor.New(fa, eventbus.New(), executor.Config{RatePerSec: 1000, Burst: 1000}, logx.Nop())

	p := New(nil, store, ledger, exec, logx.Nop())
	p.SetGroups([]int64{testChat})
	p.SetTemplateContext("https://earnquest.example", "EarnQuest")
	return p, store, ledger
}

func update(text string) transport.Update {
	return transport.Update{
		Kind:         transport.UpdateMessage,
		ChatID:       testChat,
		MessageID:    10,
		FromID:       7,
		FromUsername: "spammer",
		At:           time.Now(),
		Text:         text,
		IsGroup:      true,
	}
}

func TestPipelineLinkDeleteThenWarn(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	p, _, ledger := newTestPipeline(fa)

	p.handle(context.Background(), update("buy at https://spam.example"))

	ops := fa.opList()
	if len(ops) != 2 || ops[0] != "delete" || ops[1] != "send" {
		t.Fatalf("ops = %v", ops)
	}
	ledger.With(testChat, 7, func(r *moderation.Record) {
		if r.Warnings() != 1 {
			t.Fatalf("warnings = %d, want 1", r.Warnings())
		}
	})
}

func TestPipelineThirdOffenseBans(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	p, _, ledger := newTestPipeline(fa)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.handle(ctx, update("t.me/freestuff"))
	}

	ops := fa.opList()
	banned := false
	for _, op := range ops {
		if op == "ban" {
			banned = true
		}
	}
	if !banned {
		t.Fatalf("no ban after three offenses: %v", ops)
	}
	if !ledger.IsBanned(testChat, 7) {
		t.Fatal("ledger does not record the ban")
	}

	// Once banned, further messages produce nothing.
	before := len(fa.opList())
	p.handle(ctx, update("t.me/freestuff again"))
	if after := len(fa.opList()); after != before {
		t.Fatalf("banned user still enforced: %d new ops", after-before)
	}
}

func TestPipelineFloodMutes(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	p, _, ledger := newTestPipeline(fa)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		p.handle(ctx, update("hello"))
	}

	restricted := false
	for _, op := range fa.opList() {
		if op == "restrict" {
			restricted = true
		}
	}
	if !restricted {
		t.Fatalf("no mute after flood: %v", fa.opList())
	}
	if !ledger.IsMuted(testChat, 7, time.Now()) {
		t.Fatal("ledger does not record the mute")
	}
}

func TestPipelineFailedActionDoesNotCommit(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{fail: map[string]error{"send": errors.New("slow down")}}
	p, _, ledger := newTestPipeline(fa)

	p.handle(context.Background(), update("https://spam.example"))

	ledger.With(testChat, 7, func(r *moderation.Record) {
		if r.Warnings() != 0 {
			t.Fatalf("warnings = %d after failed warn, want 0", r.Warnings())
		}
	})
}

func TestPipelineWelcomeRendersTemplate(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	p, _, _ := newTestPipeline(fa)

	p.handle(context.Background(), transport.Update{
		Kind:      transport.UpdateJoin,
		ChatID:    testChat,
		At:        time.Now(),
		IsGroup:   true,
		JoinedIDs: []int64{99},
	})

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.texts) != 1 || !strings.Contains(fa.texts[0], "EarnQuest") || !strings.Contains(fa.texts[0], "https://earnquest.example") {
		t.Fatalf("welcome = %v", fa.texts)
	}
}

func TestPipelineBannedJoinerIsRebanned(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	p, store, ledger := newTestPipeline(fa)
	store.ReplaceBans(testChat, []controlplane.BannedUserEntry{{GroupID: testChat, UserID: 99}})

	p.handle(context.Background(), transport.Update{
		Kind:      transport.UpdateJoin,
		ChatID:    testChat,
		At:        time.Now(),
		IsGroup:   true,
		JoinedIDs: []int64{99},
	})

	ops := fa.opList()
	if len(ops) == 0 || ops[0] != "ban" {
		t.Fatalf("ops = %v, want ban first", ops)
	}
	if !ledger.IsBanned(testChat, 99) {
		t.Fatal("ledger missed the re-ban")
	}
}

func TestPipelineIgnoresUnmoderatedChats(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	p, _, _ := newTestPipeline(fa)

	u := update("https://spam.example")
	u.ChatID = -555
	p.handle(context.Background(), u)

	if ops := fa.opList(); len(ops) != 0 {
		t.Fatalf("unmoderated chat enforced: %v", ops)
	}
}

func TestPipelineRulesCommand(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	p, _, _ := newTestPipeline(fa)

	p.handle(context.Background(), update("/rules"))

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.texts) != 1 || !strings.Contains(fa.texts[0], "https://earnquest.example") {
		t.Fatalf("rules reply = %v", fa.texts)
	}
}
