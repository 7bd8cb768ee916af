package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:      srv.URL,
		BotKey:       "secret-key",
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c, srv
}

func TestSettingsSendsCredentialAndGroup(t *testing.T) {
	t.Parallel()

	var gotKey, gotGroup string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Bot-Key")
		gotGroup = r.URL.Query().Get("group_id")
		_ = json.NewEncoder(w).Encode(ModerationConfig{Version: "v3", WarningThreshold: 5})
	}))

	cfg, err := c.Settings(context.Background(), -1001)
	if err != nil {
		t.Fatal(err)
	}
	if gotKey != "secret-key" {
		t.Fatalf("X-Bot-Key = %q", gotKey)
	}
	if gotGroup != "-1001" {
		t.Fatalf("group_id = %q", gotGroup)
	}
	if cfg.Version != "v3" || cfg.WarningThreshold != 5 {
		t.Fatalf("settings = %+v", cfg)
	}
	if cfg.GroupID != -1001 {
		t.Fatalf("group id not backfilled: %d", cfg.GroupID)
	}
}

func TestServerErrorsAreRetriedThenTransient(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Settings(context.Background(), 1)
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	// RetryMax 2 means three attempts total.
	if n := attempts.Load(); n != 3 {
		t.Fatalf("attempts = %d", n)
	}
}

func TestRejectedCredentialIsNotRetried(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Settings(context.Background(), 1)
	if !IsAuth(err) {
		t.Fatalf("err = %v, want auth", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Fatalf("attempts = %d", n)
	}

	if err := c.Ping(context.Background()); !IsAuth(err) {
		t.Fatalf("ping err = %v, want auth", err)
	}
}

func TestPingToleratesUnreachableBackend(t *testing.T) {
	t.Parallel()

	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping against flapping backend: %v", err)
	}

	// A dead socket is also tolerated.
	srv.Close()
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping against closed backend: %v", err)
	}
}

func TestSettingsRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"missing version", `{"warning_threshold": 3}`},
		{"negative threshold", `{"version": "v1", "warning_threshold": -1}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			_, err := c.Settings(context.Background(), 1)
			if !IsValidation(err) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
}

func TestMarkExecutedHitsPostPath(t *testing.T) {
	t.Parallel()

	var gotPath, gotMethod string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
	}))

	if err := c.MarkExecuted(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPost || gotPath != "/bot/scheduled-posts/42/mark-executed/" {
		t.Fatalf("%s %s", gotMethod, gotPath)
	}
}

func TestPushEventsWrapsBatch(t *testing.T) {
	t.Parallel()

	var got struct {
		Events []EventLogEntry `json:"events"`
	}
	calls := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))

	batch := []EventLogEntry{
		{EventType: "user_warned", ChatID: -1001, TelegramUserID: 7},
		{EventType: "user_banned", ChatID: -1001, TelegramUserID: 7},
	}
	if err := c.PushEvents(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	if len(got.Events) != 2 || got.Events[1].EventType != "user_banned" {
		t.Fatalf("uploaded = %+v", got.Events)
	}

	// Empty batches never hit the wire.
	if err := c.PushEvents(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestBannedUsersDecodesList(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"group_id": -1001, "user_id": 9, "reason": "spam"}]`))
	}))

	entries, err := c.BannedUsers(context.Background(), -1001)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].UserID != 9 || entries[0].Reason != "spam" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestNewRequiresCredential(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{BaseURL: "http://localhost:1"}, logx.Nop()); err == nil {
		t.Fatal("client built without bot key")
	}
	if _, err := New(Config{BotKey: "k"}, logx.Nop()); err == nil {
		t.Fatal("client built without base url")
	}
}
