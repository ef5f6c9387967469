package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hurttlocker/pkmlog/internal/record"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pkm.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestResolve_Precedence_ConfigEnvCLI(t *testing.T) {
	cfgPath := writeConfig(t, `target:
  db_path: /tmp/from-config.db
  table: from_config
llm:
  provider: ollama
  model: llama3
ingest:
  min_ok_ratio: 0.5
`)
	t.Setenv("PKMLOG_TARGET_TABLE", "from_env")
	t.Setenv("PKMLOG_LLM_MODEL", "from-env-model")

	r, err := Resolve(ResolveOptions{
		ConfigPath: cfgPath,
		Overrides: map[string]ResolvedValue{
			"llm.model": {Value: "from-cli-model", From: "--llm"},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	checks := []struct {
		key    string
		value  string
		source ValueSource
	}{
		{"target.db_path", "/tmp/from-config.db", SourceConfig},
		{"target.table", "from_env", SourceEnv},
		{"llm.model", "from-cli-model", SourceCLI},
		{"llm.provider", "ollama", SourceConfig},
		{"ingest.min_ok_ratio", "0.5", SourceConfig},
		{"ingest.reject_sample", "20", SourceDefault},
	}
	for _, c := range checks {
		got := r.Values[c.key]
		if got.Value != c.value || got.Source != c.source {
			t.Errorf("%s = %+v, want %q from %s", c.key, got, c.value, c.source)
		}
	}

	cfg, err := r.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.Target.Table != "from_env" || cfg.Ingest.MinOKRatio != 0.5 || cfg.LLM.Model != "from-cli-model" {
		t.Errorf("typed config = %+v", cfg)
	}
}

func TestResolve_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	r, err := Resolve(ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve without a config file: %v", err)
	}
	cfg, err := r.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.Source.Header != record.DefaultHeader {
		t.Errorf("header = %q", cfg.Source.Header)
	}
	if strings.Join(cfg.Fields, ",") != strings.Join(record.DefaultFields, ",") {
		t.Errorf("fields = %v", cfg.Fields)
	}
	if cfg.Source.Split != record.DefaultSplitOptions() {
		t.Errorf("split = %+v", cfg.Source.Split)
	}
	if len(cfg.RequireFields) != 1 || cfg.RequireFields[0] != "message" {
		t.Errorf("require_fields = %v", cfg.RequireFields)
	}
	if cfg.Ingest.MinOKRatio != 0.70 || cfg.Ingest.CountDroppedTail || cfg.Ingest.Truncate {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
	if cfg.LLM.Timeout != 60*time.Second || cfg.LLM.MaxRetries != 2 || cfg.LLM.Backoff != time.Second {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.FallbackActive() {
		t.Error("fallback should be inactive without a provider")
	}
	if cfg.Target.Table != "logs_pkm" || cfg.Target.BatchSize != 500 {
		t.Errorf("target = %+v", cfg.Target)
	}
	if strings.HasPrefix(cfg.Target.DBPath, "~") {
		t.Errorf("db path not expanded: %q", cfg.Target.DBPath)
	}
}

func TestResolve_ExplicitMissingFile(t *testing.T) {
	_, err := Resolve(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestResolve_InvalidYAML(t *testing.T) {
	p := writeConfig(t, "target: [unclosed\n")
	if _, err := Resolve(ResolveOptions{ConfigPath: p}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestResolve_ListsAndMaps(t *testing.T) {
	p := writeConfig(t, `parse:
  fields: [user, message, audit_utc, action]
constraints:
  require_fields:
    - message
    - action
target:
  columns:
    message: msg
  fields:
    action: action
unexpected:
  key: 1
`)
	r, err := Resolve(ResolveOptions{ConfigPath: p})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(r.Unknown) != 1 || r.Unknown[0] != "unexpected.key" {
		t.Errorf("unknown = %v", r.Unknown)
	}
	cfg, err := r.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if strings.Join(cfg.Fields, ",") != "user,message,audit_utc,action" {
		t.Errorf("fields = %v", cfg.Fields)
	}
	if strings.Join(cfg.RequireFields, ",") != "message,action" {
		t.Errorf("require_fields = %v", cfg.RequireFields)
	}
	if cfg.Target.Columns["message"] != "msg" || cfg.Target.ColumnFields["action"] != "action" {
		t.Errorf("maps = %v %v", cfg.Target.Columns, cfg.Target.ColumnFields)
	}

	t.Setenv("PKMLOG_PARSE_FIELDS", "a, b ,c")
	t.Setenv("PKMLOG_CONSTRAINTS_REQUIRE_FIELDS", "b")
	t.Setenv("PKMLOG_TARGET_USER_FIELD", "a")
	t.Setenv("PKMLOG_TARGET_TIMESTAMP_FIELD", "c")
	r, err = Resolve(ResolveOptions{ConfigPath: writeConfig(t, "log:\n  level: debug\n")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	cfg, err = r.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if strings.Join(cfg.Fields, ",") != "a,b,c" {
		t.Errorf("env fields = %v", cfg.Fields)
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		field string
	}{
		{"ratio above one", "ingest.min_ok_ratio", "1.5", "ingest.min_ok_ratio"},
		{"ratio not a number", "ingest.min_ok_ratio", "most", "ingest.min_ok_ratio"},
		{"multi-char delimiter", "source.delimiter", "||", "source.delimiter"},
		{"delimiter equals quote", "source.delimiter", `"`, "source.quotechar"},
		{"require unknown field", "constraints.require_fields", "nope", "constraints.require_fields"},
		{"duplicate field", "parse.fields", "a,a", "parse.fields"},
		{"bad table", "target.table", "logs; DROP", "target.table"},
		{"zero batch", "target.batch_size", "0", "target.batch_size"},
		{"negative retries", "llm.max_retries", "-1", "llm.max_retries"},
		{"zero timeout", "llm.timeout_secs", "0", "llm.timeout_secs"},
		{"unknown provider", "llm.provider", "skynet", "llm.provider"},
		{"login regex syntax", "actors.login_regex", "(", "actors.login_regex"},
		{"login regex group", "actors.login_regex", `\((\w+)\)`, "actors.login_regex"},
		{"display regex group", "actors.display_regex", `^(\w+)`, "actors.display_regex"},
		{"require without provider", "fallback.require_available", "true", "fallback.require_available"},
		{"bad bool", "ingest.truncate", "maybe", "ingest.truncate"},
		{"upload not s3", "rejects.upload_uri", "/tmp/x", "rejects.upload_uri"},
	}
	t.Chdir(t.TempDir())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Resolve(ResolveOptions{Overrides: map[string]ResolvedValue{tt.key: {Value: tt.value}}})
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			_, err = r.Config()
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FieldError, got %v", err)
			}
			if fe.Field != tt.field {
				t.Errorf("field = %q, want %q (%v)", fe.Field, tt.field, err)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error does not wrap ErrInvalid: %v", err)
			}
		})
	}
}

func TestResolve_UnknownOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Resolve(ResolveOptions{Overrides: map[string]ResolvedValue{"llm.nope": {Value: "x"}}})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestAPIKeyForProvider_EnvOverridesConfig(t *testing.T) {
	cfgPath := writeConfig(t, `llm:
  provider: openrouter
  model: x-ai/grok
  api_key: config-key
`)
	t.Setenv("OPENROUTER_API_KEY", "env-key")

	r, err := Resolve(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if k := r.APIKeyForProvider("openrouter"); k.Value != "env-key" || k.Source != SourceEnv {
		t.Fatalf("expected env key, got %+v", k)
	}
	if k := r.APIKeyForProvider("ollama"); k.Value != "config-key" {
		t.Fatalf("expected config key for provider without env key, got %+v", k)
	}

	t.Setenv("PKMLOG_LLM_API_KEY", "pkmlog-key")
	r, err = Resolve(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	cfg, err := r.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.LLM.APIKey != "pkmlog-key" {
		t.Fatalf("expected PKMLOG_LLM_API_KEY to win, got %q", cfg.LLM.APIKey)
	}
	if !cfg.FallbackActive() {
		t.Error("fallback should be active with a provider")
	}
}

func TestResolve_ConfigEnvPath(t *testing.T) {
	p := writeConfig(t, "target:\n  table: via_env_path\n")
	t.Setenv("PKMLOG_CONFIG", p)
	r, err := Resolve(ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.ConfigPath != p || r.Get("target.table") != "via_env_path" {
		t.Errorf("resolved %s table=%q", r.ConfigPath, r.Get("target.table"))
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName("target.db_path"); got != "PKMLOG_TARGET_DB_PATH" {
		t.Errorf("EnvName = %q", got)
	}
}

func TestShippedAdapterIsValid(t *testing.T) {
	r, err := Resolve(ResolveOptions{ConfigPath: filepath.Join("..", "..", "adapters", "pkm.yaml")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(r.Unknown) != 0 {
		t.Errorf("unknown keys in shipped adapter: %v", r.Unknown)
	}
	cfg, err := r.Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.Target.ColumnFields["product"] != "label" {
		t.Errorf("column fields = %v", cfg.Target.ColumnFields)
	}
}
