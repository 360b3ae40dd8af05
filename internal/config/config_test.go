package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "abc"
  poll_timeout: "10s"
logging:
  level: debug
  console: true
scheduler:
  enabled: true
notifier:
  rate_per_sec: 3
plugins:
  apex:
    enabled: true
    config:
      api_key: "k"
      blacklist: "foo,bar"
`

func TestParseYAMLAndJSON(t *testing.T) {
	cfg, err := parseBytes("cfg.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml parse: %v", err)
	}
	if cfg.Telegram.Token != "abc" || cfg.Logging.Level != "debug" || !cfg.Scheduler.Enabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	p, ok := cfg.Plugins["apex"]
	if !ok || !p.Enabled || len(p.Config) == 0 {
		t.Fatalf("apex plugin section missing: %+v", cfg.Plugins)
	}

	js := `{"telegram":{"token":"x","poll_timeout":"5s"},"logging":{"level":"info"},"scheduler":{"enabled":false},"notifier":{"rate_per_sec":1},"plugins":{}}`
	if _, err := parseBytes("cfg.json", []byte(js)); err != nil {
		t.Fatalf("json parse: %v", err)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	tests := []struct {
		name string
		path string
		in   string
	}{
		{name: "unknown top-level", path: "c.json", in: `{"bogus":1}`},
		{name: "unknown plugin key", path: "c.json", in: `{"plugins":{"apex":{"enabled":true,"timeout":"1s"}}}`},
		{name: "trailing data", path: "c.json", in: `{"plugins":{}} {"plugins":{}}`},
		{name: "unknown yaml key", path: "c.yml", in: "loging:\n  level: info\n"},
		{name: "empty yaml", path: "c.yaml", in: ""},
		{name: "multi-document yaml", path: "c.yaml", in: "plugins: {}\n---\nplugins: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseBytes(tt.path, []byte(tt.in)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestTokenFallsBackToEnv(t *testing.T) {
	t.Setenv(EnvTelegramToken, "from-env")
	cfg, err := parseBytes("c.json", []byte(`{"telegram":{"token":""}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q, want from-env", cfg.Telegram.Token)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("APEXBOT_TEST_DOTENV=hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APEXBOT_TEST_DOTENV", "")
	os.Unsetenv("APEXBOT_TEST_DOTENV")

	if err := LoadDotEnv(p, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := Getenv("APEXBOT_TEST_DOTENV", ""); got != "hello" {
		t.Fatalf("env = %q, want hello", got)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " "); err != nil || d != 0 {
		t.Fatalf("blank: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationField("x", "45"); err != nil || d != 45*time.Second {
		t.Fatalf("bare seconds: %v %v", d, err)
	}
	if d, err := ParseDurationField("x", "2m"); err != nil || d != 2*time.Minute {
		t.Fatalf("2m: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatalf("garbage accepted")
	}
}

func TestReloadValidatesAndPublishes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"},"plugins":{}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	reject := errors.New("nope")
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			return reject
		}
		return nil
	})

	// unchanged content: nothing published
	m.reload(context.Background())
	if len(ch) != 0 {
		t.Fatalf("unchanged config was published")
	}

	write(`{"logging":{"level":"trace"},"plugins":{}}`)
	m.reload(context.Background())
	if len(ch) != 0 || m.Get().Logging.Level != "info" {
		t.Fatalf("rejected config was committed")
	}

	write(`{"logging":{"level":"debug"},"plugins":{}}`)
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatalf("valid config was not published")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Plugins: map[string]PluginConfigRaw{
		"apex": {Enabled: true, Config: []byte(`{"a":1,"b":2}`)},
	}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Plugins: map[string]PluginConfigRaw{
			"apex": {Enabled: true, Config: []byte(`{ "b":2, "a":1 }`)},
			"echo": {Enabled: true},
		},
	}
	changed, _, plugins := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "logging" || changed[1] != "plugins" {
		t.Fatalf("changed = %v", changed)
	}
	if len(plugins) != 1 || plugins[0] != "echo" {
		t.Fatalf("plugins = %v (key order must not count as a change)", plugins)
	}
}

func TestToJSONStringifiesKeys(t *testing.T) {
	out, err := toJSON("c.yaml", []byte("a:\n  1: one\n  list: [x, {2: two}]\n"))
	if err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	want := `{"a":{"1":"one","list":["x",{"2":"two"}]}}`
	if string(out) != want {
		t.Fatalf("toJSON = %s, want %s", out, want)
	}
	raw := []byte(`{"plugins":{}}`)
	if out, _ := toJSON("c.json", raw); string(out) != string(raw) {
		t.Fatalf("json passthrough changed input: %s", out)
	}
}
