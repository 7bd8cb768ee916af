package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: "10s"
api:
  base_url: "https://backend.example"
  timeout: "15s"
  retry_max: 2
logging:
  level: "info"
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
    min_level: "error"
    rate_per_sec: 1
sync:
  schedule: "interval:60s"
  website: "https://earnquest.example"
  project_name: "EarnQuest"
groups:
  - -1001
  - -1002
storage:
  path: "./bot.db"
  busy_timeout: "5s"
`

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestManagerLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeTemp(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Groups) != 2 || cfg.Groups[0] != -1001 {
		t.Fatalf("groups = %v", cfg.Groups)
	}
	if cfg.Storage == nil || cfg.Storage.Path != "./bot.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestManagerRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	body := strings.Replace(sampleYAML, "sync:", "sink:", 1)
	m := NewManager(writeTemp(t, "config.yaml", body))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
}

func TestManagerLoadValidates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			"missing token",
			func(s string) string { return strings.Replace(s, `token: "123:abc"`, `token: ""`, 1) },
			"telegram.token",
		},
		{
			"missing base url",
			func(s string) string { return strings.Replace(s, `base_url: "https://backend.example"`, `base_url: ""`, 1) },
			"api.base_url",
		},
		{
			"no groups",
			func(s string) string {
				return strings.Replace(s, "groups:\n  - -1001\n  - -1002", "groups: []", 1)
			},
			"groups",
		},
		{
			"bad duration",
			func(s string) string { return strings.Replace(s, `timeout: "15s"`, `timeout: "soon"`, 1) },
			"api.timeout",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeTemp(t, "config.yaml", tc.mutate(sampleYAML)))
			_, err := m.Load()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeChangeDetectsAPI(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{API: APIConfig{BaseURL: "https://a", BotKey: "secret-one"}}
	newCfg := &Config{API: APIConfig{BaseURL: "https://b", BotKey: "secret-two"}}

	changed, _ := SummarizeChange(oldCfg, newCfg)
	if len(changed) == 0 || changed[0] != "api" {
		t.Fatalf("changed = %v", changed)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 5)
	if err != nil || d != 5 {
		t.Fatalf("empty = (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("x", "-2s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}
