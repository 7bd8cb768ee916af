package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	logx "github.com/apex064/earnquest-tg/pkg/logx"
)

// Config configures the backend API client.
//
// All remote calls carry the shared secret in the X-Bot-Key header. A missing
// key is a construction error: the bot must not start without a credential.
type Config struct {
	BaseURL string
	BotKey  string

	// Timeout bounds a single HTTP attempt (not the whole retry window).
	Timeout time.Duration
	// RetryMax is the number of retries after the first attempt (default 2,
	// so three attempts total).
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client talks to the EarnQuest backend. Transient failures (network, 5xx)
// are retried internally with exponential backoff; what escapes the client is
// already classified (TransientError, AuthError, ValidationError).
type Client struct {
	base string
	key  string
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("controlplane: base url is empty")
	}
	if strings.TrimSpace(cfg.BotKey) == "" {
		return nil, errors.New("controlplane: bot key is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryMax <= 0 {
		rc.RetryMax = 2
	}
	rc.RetryWaitMin = cfg.RetryWaitMin
	if rc.RetryWaitMin <= 0 {
		rc.RetryWaitMin = 500 * time.Millisecond
	}
	rc.RetryWaitMax = cfg.RetryWaitMax
	if rc.RetryWaitMax <= 0 {
		rc.RetryWaitMax = 5 * time.Second
	}
	rc.Logger = retryablehttp.LeveledLogger(leveledLog{log: log})

	httpc := rc.StandardClient()
	httpc.Timeout = cfg.Timeout
	if httpc.Timeout <= 0 {
		httpc.Timeout = 15 * time.Second
	}

	return &Client{base: base, key: strings.TrimSpace(cfg.BotKey), http: httpc, log: log}, nil
}

// Ping verifies the credential against the backend. An AuthError here is a
// fatal startup condition.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/bot/settings/", nil, nil)
	if IsAuth(err) {
		return err
	}
	// Any non-auth response proves the credential was accepted (or at least
	// not rejected); transient trouble is handled by the first real cycle.
	if IsTransient(err) {
		c.log.Warn("control plane unreachable at startup; continuing with defaults", logx.Err(err))
		return nil
	}
	return nil
}

// Settings fetches the moderation config for one group.
func (c *Client) Settings(ctx context.Context, groupID int64) (*ModerationConfig, error) {
	q := url.Values{}
	q.Set("group_id", fmt.Sprint(groupID))

	body, err := c.do(ctx, http.MethodGet, "/bot/settings/", q, nil)
	if err != nil {
		return nil, err
	}

	var cfg ModerationConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, &ValidationError{Op: "settings", Reason: err.Error()}
	}
	if strings.TrimSpace(cfg.Version) == "" {
		return nil, &ValidationError{Op: "settings", Reason: "missing version"}
	}
	if cfg.MaxMessagesPerMinute < 0 || cfg.WarningThreshold < 0 || cfg.MuteDurationMinutes < 0 {
		return nil, &ValidationError{Op: "settings", Reason: "negative limit field"}
	}
	if cfg.GroupID == 0 {
		cfg.GroupID = groupID
	}
	return &cfg, nil
}

// ScheduledPosts fetches posts due before the given instant.
func (c *Client) ScheduledPosts(ctx context.Context, dueBefore time.Time) ([]ScheduledPost, error) {
	q := url.Values{}
	q.Set("due_before", dueBefore.UTC().Format(time.RFC3339))

	body, err := c.do(ctx, http.MethodGet, "/bot/scheduled-posts/", q, nil)
	if err != nil {
		return nil, err
	}

	var posts []ScheduledPost
	if err := json.Unmarshal(body, &posts); err != nil {
		return nil, &ValidationError{Op: "scheduled_posts", Reason: err.Error()}
	}
	return posts, nil
}

// MarkExecuted acknowledges a dispatched post. A post counts as done only
// once this call succeeds.
func (c *Client) MarkExecuted(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/bot/scheduled-posts/%d/mark-executed/", id)
	_, err := c.do(ctx, http.MethodPost, path, nil, nil)
	return err
}

// PushEvents uploads a batch of bot event log entries.
func (c *Client) PushEvents(ctx context.Context, batch []EventLogEntry) error {
	if len(batch) == 0 {
		return nil
	}
	payload := struct {
		Events []EventLogEntry `json:"events"`
	}{Events: batch}
	_, err := c.do(ctx, http.MethodPost, "/bot/events/", nil, payload)
	return err
}

// BannedUsers fetches the authoritative ban list for one group.
func (c *Client) BannedUsers(ctx context.Context, groupID int64) ([]BannedUserEntry, error) {
	q := url.Values{}
	q.Set("group_id", fmt.Sprint(groupID))

	body, err := c.do(ctx, http.MethodGet, "/bot/banned-users/", q, nil)
	if err != nil {
		return nil, err
	}

	var entries []BannedUserEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, &ValidationError{Op: "banned_users", Reason: err.Error()}
	}
	return entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, payload any) ([]byte, error) {
	op := method + " " + path

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, &ValidationError{Op: op, Reason: "encode: " + err.Error()}
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, &ValidationError{Op: op, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bot-Key", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &TransientError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, &ValidationError{Op: op, Reason: fmt.Sprintf("unexpected http %d", resp.StatusCode)}
	}
	return data, nil
}

// leveledLog bridges retryablehttp's logger to logx. Intermediate retry
// errors are downgraded to warnings because the client will try again.
type leveledLog struct{ log logx.Logger }

func (l leveledLog) Error(msg string, kv ...any) { l.log.Warn(msg, kvFields(kv)...) }
func (l leveledLog) Warn(msg string, kv ...any)  { l.log.Warn(msg, kvFields(kv)...) }
func (l leveledLog) Info(msg string, kv ...any)  { l.log.Debug(msg, kvFields(kv)...) }
func (l leveledLog) Debug(msg string, kv ...any) { l.log.Debug(msg, kvFields(kv)...) }

func kvFields(kv []any) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k := fmt.Sprint(kv[i])
		fields = append(fields, logx.Any(k, kv[i+1]))
	}
	return fields
}
