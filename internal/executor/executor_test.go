package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex064/earnquest-tg/internal/controlplane"
	"github.com/apex064/earnquest-tg/internal/eventbus"
	"github.com/apex064/earnquest-tg/internal/moderation"
	"github.com/apex064/earnquest-tg/internal/transport"
	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

type call struct {
	op   string
	chat int64
	user int64
	text string
}

type fakeAdapter struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error
}

func (f *fakeAdapter) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.fail != nil {
		return f.fail[c.op]
	}
	return nil
}

func (f *fakeAdapter) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.op
	}
	return out
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                              { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, f.record(call{op: "send", chat: to.ChatID, text: text})
}

func (f *fakeAdapter) SendPhoto(ctx context.Context, to transport.ChatTarget, photoURL, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, f.record(call{op: "photo", chat: to.ChatID, text: caption})
}

func (f *fakeAdapter) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	return f.record(call{op: "delete", chat: ref.ChatID})
}

func (f *fakeAdapter) RestrictUser(ctx context.Context, chatID, userID int64, until time.Time) error {
	return f.record(call{op: "restrict", chat: chatID, user: userID})
}

func (f *fakeAdapter) BanUser(ctx context.Context, chatID, userID int64) error {
	return f.record(call{op: "ban", chat: chatID, user: userID})
}

func (f *fakeAdapter) UnbanUser(ctx context.Context, chatID, userID int64) error {
	return f.record(call{op: "unban", chat: chatID, user: userID})
}

func newTestExecutor(fa *fakeAdapter, bus eventbus.Bus) *Executor {
	if bus == nil {
		bus = eventbus.New()
	}
	return New(fa, bus, Config{RatePerSec: 1000, Burst: 1000}, logx.Nop())
}

func TestExecuteWarnSendsNotice(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	x := newTestExecutor(fa, nil)

	err := x.Execute(context.Background(), Request{
		GroupID: -1, UserID: 7, Username: "spammer",
		Action:    moderation.Action{Kind: moderation.ActionWarn, Reason: "links are not allowed", WarningCount: 2},
		Threshold: 3,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	f := fa.calls[0]
	if f.op != "send" || !strings.Contains(f.text, "@spammer") || !strings.Contains(f.text, "2/3") {
		t.Fatalf("warn notice = %+v", f)
	}
}

func TestExecuteMuteRestrictsThenNotifies(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	x := newTestExecutor(fa, nil)

	err := x.Execute(context.Background(), Request{
		GroupID: -1, UserID: 7,
		Action: moderation.Action{Kind: moderation.ActionMute, Reason: "flood", Duration: 30 * time.Minute},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ops := fa.ops()
	if len(ops) != 2 || ops[0] != "restrict" || ops[1] != "send" {
		t.Fatalf("ops = %v", ops)
	}
}

func TestExecuteFailureWrapsExecutionError(t *testing.T) {
	t.Parallel()

	boom := errors.New("telegram says no")
	fa := &fakeAdapter{fail: map[string]error{"ban": boom}}
	x := newTestExecutor(fa, nil)

	err := x.Execute(context.Background(), Request{
		GroupID: -1, UserID: 7,
		Action: moderation.Action{Kind: moderation.ActionBan, Reason: "threshold"},
	})
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
	if ee.Action != moderation.ActionBan || !errors.Is(err, boom) {
		t.Fatalf("wrapped = %+v", ee)
	}
	// No ban notice after a failed ban.
	if ops := fa.ops(); len(ops) != 1 {
		t.Fatalf("ops = %v", ops)
	}
}

func TestExecutePublishesResult(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	fa := &fakeAdapter{}
	x := newTestExecutor(fa, bus)

	err := x.Execute(context.Background(), Request{
		GroupID: -1, UserID: 7, Username: "spammer",
		Action: moderation.Action{Kind: moderation.ActionDeleteMessage, Reason: "links"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case ev := <-ch:
		entry, ok := ev.Data.(controlplane.EventLogEntry)
		if !ok || entry.EventType != "message_deleted" || entry.TelegramUserID != 7 {
			t.Fatalf("published %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestSendPostPicksPhotoOrText(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	x := newTestExecutor(fa, nil)
	ctx := context.Background()

	if err := x.SendPost(ctx, -1, controlplane.ScheduledPost{ID: 1, Content: "hi"}, "hi"); err != nil {
		t.Fatal(err)
	}
	if err := x.SendPost(ctx, -1, controlplane.ScheduledPost{ID: 2, ImageURL: "https://img.example/a.png"}, "cap"); err != nil {
		t.Fatal(err)
	}
	ops := fa.ops()
	if len(ops) != 2 || ops[0] != "send" || ops[1] != "photo" {
		t.Fatalf("ops = %v", ops)
	}
}
