package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hurttlocker/pkmlog/internal/actor"
	"github.com/hurttlocker/pkmlog/internal/llm"
	"github.com/hurttlocker/pkmlog/internal/record"
	"github.com/hurttlocker/pkmlog/internal/store"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// FieldError names the offending setting.
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Msg)
}

func (e *FieldError) Unwrap() error { return ErrInvalid }

type setting struct {
	key string
	def string
}

// settings is the full set of scalar keys and their defaults.
var settings = []setting{
	{"source.header", record.DefaultHeader},
	{"source.delimiter", "|"},
	{"source.quotechar", `"`},
	{"source.strip_outer_quotes", "true"},
	{"parse.fields", strings.Join(record.DefaultFields, ",")},
	{"constraints.require_fields", "message"},
	{"actors.system_token", actor.DefaultSystemToken},
	{"actors.login_regex", actor.DefaultLoginPattern},
	{"actors.display_regex", actor.DefaultDisplayPattern},
	{"target.db_path", store.DefaultDBPath},
	{"target.table", store.DefaultTable},
	{"target.batch_size", strconv.Itoa(store.DefaultBatchSize)},
	{"target.user_field", "user"},
	{"target.timestamp_field", "audit_utc"},
	{"llm.provider", ""},
	{"llm.model", ""},
	{"llm.endpoint", ""},
	{"llm.api_key", ""},
	{"llm.timeout_secs", "60"},
	{"llm.max_retries", "2"},
	{"llm.backoff_secs", "1"},
	{"fallback.enabled", "true"},
	{"fallback.require_available", "false"},
	{"ingest.min_ok_ratio", "0.70"},
	{"ingest.max_records", "0"},
	{"ingest.truncate", "false"},
	{"ingest.reject_sample", "20"},
	{"ingest.reject_report", "outputs/rejects.txt"},
	{"ingest.count_dropped_tail", "false"},
	{"ingest.outputs_dir", "outputs"},
	{"ingest.app", "pkmlog"},
	{"rejects.upload_uri", ""},
	{"aws.region", ""},
	{"log.level", "info"},
	{"log.pretty", "false"},
	{"inbox.dir", "data/inbox"},
	{"inbox.processed", "data/processed"},
	{"inbox.failed", "data/failed"},
	{"query.max_rows", "200"},
	{"query.timeout_secs", "60"},
}

func isSetting(key string) bool {
	for _, s := range settings {
		if s.key == key {
			return true
		}
	}
	return false
}

type InputConfig struct {
	Header string
	Split  record.SplitOptions
}

type ActorsConfig struct {
	SystemToken  string
	LoginRegex   string
	DisplayRegex string
}

type TargetConfig struct {
	DBPath         string
	Table          string
	BatchSize      int
	UserField      string
	TimestampField string
	Columns        map[string]string // logical -> physical column
	ColumnFields   map[string]string // logical column -> record field
}

type LLMConfig struct {
	Provider   string
	Model      string
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

type FallbackConfig struct {
	Enabled          bool
	RequireAvailable bool
}

type IngestConfig struct {
	MinOKRatio       float64
	MaxRecords       int
	Truncate         bool
	RejectSample     int
	RejectReport     string
	CountDroppedTail bool
	OutputsDir       string
	App              string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type InboxConfig struct {
	Dir       string
	Processed string
	Failed    string
}

type QueryConfig struct {
	MaxRows int
	Timeout time.Duration
}

// Config is the typed, validated form of a Resolved.
type Config struct {
	Source        InputConfig
	Fields        []string
	RequireFields []string
	Actors        ActorsConfig
	Target        TargetConfig
	LLM           LLMConfig
	Fallback      FallbackConfig
	Ingest        IngestConfig
	RejectsUpload string
	AWSRegion     string
	Log           LogConfig
	Inbox         InboxConfig
	Query         QueryConfig
}

// FallbackActive reports whether records may be sent to the model.
func (c *Config) FallbackActive() bool {
	return c.Fallback.Enabled && c.LLM.Provider != ""
}

// LLMProviderConfig returns the llm package config for the provider.
func (c *Config) LLMProviderConfig() llm.Config {
	return llm.Config{
		Provider: c.LLM.Provider,
		Model:    c.LLM.Model,
		APIKey:   c.LLM.APIKey,
		BaseURL:  c.LLM.Endpoint,
		Timeout:  c.LLM.Timeout,
	}
}

// parser accumulates the first conversion error.
type parser struct {
	r   *Resolved
	err error
}

func (p *parser) str(key string) string {
	return strings.TrimSpace(p.r.Get(key))
}

func (p *parser) setErr(key, msg string) {
	if p.err == nil {
		p.err = &FieldError{Field: key, Msg: msg}
	}
}

func (p *parser) boolean(key string) bool {
	v := strings.ToLower(p.str(key))
	switch v {
	case "true", "yes", "on", "1":
		return true
	case "false", "no", "off", "0", "":
		return false
	}
	p.setErr(key, fmt.Sprintf("not a boolean: %q", v))
	return false
}

func (p *parser) integer(key string) int {
	v := p.str(key)
	n, err := strconv.Atoi(v)
	if err != nil {
		p.setErr(key, fmt.Sprintf("not an integer: %q", v))
	}
	return n
}

func (p *parser) float(key string) float64 {
	v := p.str(key)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.setErr(key, fmt.Sprintf("not a number: %q", v))
	}
	return f
}

func (p *parser) seconds(key string) time.Duration {
	return time.Duration(p.float(key) * float64(time.Second))
}

func (p *parser) char(key string) rune {
	v := p.r.Get(key)
	if utf8.RuneCountInString(v) != 1 {
		p.setErr(key, fmt.Sprintf("must be a single character, got %q", v))
		return 0
	}
	r, _ := utf8.DecodeRuneInString(v)
	return r
}

func (p *parser) list(key string) []string {
	var out []string
	for _, s := range strings.Split(p.r.Get(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Config converts the resolved strings into a typed Config and validates
// it. The first problem found is returned as a *FieldError.
func (r *Resolved) Config() (*Config, error) {
	p := &parser{r: r}
	c := &Config{
		Source: InputConfig{
			Header: r.Get("source.header"),
			Split: record.SplitOptions{
				Delimiter:        p.char("source.delimiter"),
				Quote:            p.char("source.quotechar"),
				StripOuterQuotes: p.boolean("source.strip_outer_quotes"),
			},
		},
		Fields:        p.list("parse.fields"),
		RequireFields: p.list("constraints.require_fields"),
		Actors: ActorsConfig{
			SystemToken:  p.str("actors.system_token"),
			LoginRegex:   p.str("actors.login_regex"),
			DisplayRegex: p.str("actors.display_regex"),
		},
		Target: TargetConfig{
			DBPath:         expandUserPath(p.str("target.db_path")),
			Table:          p.str("target.table"),
			BatchSize:      p.integer("target.batch_size"),
			UserField:      p.str("target.user_field"),
			TimestampField: p.str("target.timestamp_field"),
			Columns:        copyMap(r.Columns),
			ColumnFields:   copyMap(r.FieldMap),
		},
		LLM: LLMConfig{
			Provider:   strings.ToLower(p.str("llm.provider")),
			Model:      p.str("llm.model"),
			Endpoint:   p.str("llm.endpoint"),
			Timeout:    p.seconds("llm.timeout_secs"),
			MaxRetries: p.integer("llm.max_retries"),
			Backoff:    p.seconds("llm.backoff_secs"),
		},
		Fallback: FallbackConfig{
			Enabled:          p.boolean("fallback.enabled"),
			RequireAvailable: p.boolean("fallback.require_available"),
		},
		Ingest: IngestConfig{
			MinOKRatio:       p.float("ingest.min_ok_ratio"),
			MaxRecords:       p.integer("ingest.max_records"),
			Truncate:         p.boolean("ingest.truncate"),
			RejectSample:     p.integer("ingest.reject_sample"),
			RejectReport:     expandUserPath(p.str("ingest.reject_report")),
			CountDroppedTail: p.boolean("ingest.count_dropped_tail"),
			OutputsDir:       expandUserPath(p.str("ingest.outputs_dir")),
			App:              p.str("ingest.app"),
		},
		RejectsUpload: p.str("rejects.upload_uri"),
		AWSRegion:     p.str("aws.region"),
		Log: LogConfig{
			Level:  p.str("log.level"),
			Pretty: p.boolean("log.pretty"),
		},
		Inbox: InboxConfig{
			Dir:       expandUserPath(p.str("inbox.dir")),
			Processed: expandUserPath(p.str("inbox.processed")),
			Failed:    expandUserPath(p.str("inbox.failed")),
		},
		Query: QueryConfig{
			MaxRows: p.integer("query.max_rows"),
			Timeout: p.seconds("query.timeout_secs"),
		},
	}
	if p.err != nil {
		return nil, p.err
	}
	c.LLM.APIKey = r.APIKeyForProvider(c.LLM.Provider).Value
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if len(c.Fields) == 0 {
		return &FieldError{Field: "parse.fields", Msg: "must list at least one field"}
	}
	seen := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if seen[f] {
			return &FieldError{Field: "parse.fields", Msg: fmt.Sprintf("duplicate field %q", f)}
		}
		seen[f] = true
	}
	for _, f := range c.RequireFields {
		if !seen[f] {
			return &FieldError{Field: "constraints.require_fields", Msg: fmt.Sprintf("%q is not in parse.fields", f)}
		}
	}
	if c.Source.Split.Delimiter == c.Source.Split.Quote {
		return &FieldError{Field: "source.quotechar", Msg: "must differ from source.delimiter"}
	}
	if strings.TrimSpace(c.Source.Header) == "" {
		return &FieldError{Field: "source.header", Msg: "must not be empty"}
	}
	if _, err := actor.NewDeriver(c.Actors.SystemToken, c.Actors.LoginRegex, c.Actors.DisplayRegex); err != nil {
		field := "actors.login_regex"
		if strings.HasPrefix(err.Error(), "actors.display_regex") {
			field = "actors.display_regex"
		}
		return &FieldError{Field: field, Msg: strings.TrimPrefix(err.Error(), field+": ")}
	}
	if !identRe.MatchString(c.Target.Table) {
		return &FieldError{Field: "target.table", Msg: fmt.Sprintf("not a valid identifier: %q", c.Target.Table)}
	}
	for logical, physical := range c.Target.Columns {
		if !identRe.MatchString(physical) {
			return &FieldError{Field: "target.columns." + logical, Msg: fmt.Sprintf("not a valid identifier: %q", physical)}
		}
	}
	for col, f := range c.Target.ColumnFields {
		if !seen[f] {
			return &FieldError{Field: "target.fields." + col, Msg: fmt.Sprintf("%q is not in parse.fields", f)}
		}
	}
	if c.Target.DBPath == "" {
		return &FieldError{Field: "target.db_path", Msg: "must not be empty"}
	}
	if c.Target.BatchSize <= 0 {
		return &FieldError{Field: "target.batch_size", Msg: "must be positive"}
	}
	if c.Ingest.MinOKRatio < 0 || c.Ingest.MinOKRatio > 1 {
		return &FieldError{Field: "ingest.min_ok_ratio", Msg: fmt.Sprintf("must be within [0,1], got %g", c.Ingest.MinOKRatio)}
	}
	if c.Ingest.MaxRecords < 0 {
		return &FieldError{Field: "ingest.max_records", Msg: "must not be negative"}
	}
	if c.Ingest.RejectSample < 0 {
		return &FieldError{Field: "ingest.reject_sample", Msg: "must not be negative"}
	}
	if c.LLM.Timeout <= 0 {
		return &FieldError{Field: "llm.timeout_secs", Msg: "must be positive"}
	}
	if c.LLM.MaxRetries < 0 {
		return &FieldError{Field: "llm.max_retries", Msg: "must not be negative"}
	}
	if c.LLM.Backoff < 0 {
		return &FieldError{Field: "llm.backoff_secs", Msg: "must not be negative"}
	}
	if c.LLM.Provider != "" && !supported(c.LLM.Provider) {
		return &FieldError{Field: "llm.provider", Msg: fmt.Sprintf("unknown provider %q (supported: %s)", c.LLM.Provider, strings.Join(llm.Supported, ", "))}
	}
	if c.Fallback.RequireAvailable && c.Fallback.Enabled && c.LLM.Provider == "" {
		return &FieldError{Field: "fallback.require_available", Msg: "set but llm.provider is empty"}
	}
	if c.Query.MaxRows <= 0 {
		return &FieldError{Field: "query.max_rows", Msg: "must be positive"}
	}
	if c.Query.Timeout <= 0 {
		return &FieldError{Field: "query.timeout_secs", Msg: "must be positive"}
	}
	if c.RejectsUpload != "" && !strings.HasPrefix(c.RejectsUpload, "s3://") {
		return &FieldError{Field: "rejects.upload_uri", Msg: "must be an s3:// URI"}
	}
	return nil
}

func supported(name string) bool {
	for _, p := range llm.Supported {
		if p == name {
			return true
		}
	}
	return false
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
