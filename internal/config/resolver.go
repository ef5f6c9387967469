// Package config resolves the adapter configuration from the YAML file,
// PKMLOG_* environment variables and CLI flags, in that order of
// precedence, keeping the provenance of every value.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// DefaultConfigPath is the adapter file used when none is given.
const DefaultConfigPath = "adapters/pkm.yaml"

// EnvPrefix prefixes every scalar key's environment variable.
const EnvPrefix = "PKMLOG_"

type ResolveOptions struct {
	ConfigPath string
	// Overrides are CLI values keyed by dotted config key.
	Overrides map[string]ResolvedValue
}

// Resolved holds every scalar setting with provenance plus the map-valued
// settings, which only come from the file.
type Resolved struct {
	ConfigPath string                   `json:"config_path"`
	Values     map[string]ResolvedValue `json:"values"`
	Columns    map[string]string        `json:"columns,omitempty"`
	FieldMap   map[string]string        `json:"field_map,omitempty"`
	LLMKeys    map[string]ResolvedValue `json:"llm_keys,omitempty"`
	Unknown    []string                 `json:"unknown,omitempty"`
}

// EnvName returns the environment variable for a dotted key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Resolve reads the adapter file and applies env and CLI overrides. A
// missing file is an error only when the path was given explicitly, either
// as ConfigPath or through PKMLOG_CONFIG.
func Resolve(opts ResolveOptions) (*Resolved, error) {
	path := firstNonEmpty(strings.TrimSpace(opts.ConfigPath), strings.TrimSpace(os.Getenv(EnvName("config"))))
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	path = expandUserPath(path)

	out := &Resolved{
		ConfigPath: path,
		Values:     make(map[string]ResolvedValue, len(settings)),
		Columns:    map[string]string{},
		FieldMap:   map[string]string{},
		LLMKeys:    map[string]ResolvedValue{},
	}
	for _, s := range settings {
		out.Values[s.key] = ResolvedValue{Value: s.def, Source: SourceDefault, From: "built-in default"}
	}

	raw, err := loadConfig(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		raw = nil
	}
	if raw != nil {
		flat := map[string]any{}
		flatten("", raw, flat)
		for key, v := range flat {
			switch {
			case strings.HasPrefix(key, "target.columns."):
				out.Columns[strings.TrimPrefix(key, "target.columns.")] = scalarString(v)
			case strings.HasPrefix(key, "target.fields."):
				out.FieldMap[strings.TrimPrefix(key, "target.fields.")] = scalarString(v)
			case v == nil:
				continue
			case isSetting(key):
				out.Values[key] = ResolvedValue{Value: scalarString(v), Source: SourceConfig, From: path}
			default:
				out.Unknown = append(out.Unknown, key)
			}
		}
		sort.Strings(out.Unknown)
	}

	for _, s := range settings {
		applyEnv(out.Values, s.key)
	}

	for env, provider := range map[string]string{
		"OPENROUTER_API_KEY": "openrouter",
		"OPENAI_API_KEY":     "openai",
		"GEMINI_API_KEY":     "google",
		"GOOGLE_API_KEY":     "google",
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			out.LLMKeys[provider] = ResolvedValue{Value: v, Source: SourceEnv, From: env}
		}
	}

	keys := make([]string, 0, len(opts.Overrides))
	for k := range opts.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !isSetting(k) {
			return nil, &FieldError{Field: k, Msg: "unknown setting"}
		}
		v := opts.Overrides[k]
		if v.Source == "" {
			v.Source = SourceCLI
		}
		out.Values[k] = v
	}

	return out, nil
}

// Get returns the resolved value for key.
func (r *Resolved) Get(key string) string {
	return r.Values[key].Value
}

// APIKeyForProvider returns the key for provider. An env or CLI llm.api_key
// wins; otherwise the provider's own env key beats the config file value.
func (r *Resolved) APIKeyForProvider(provider string) ResolvedValue {
	v := r.Values["llm.api_key"]
	if v.Source == SourceEnv || v.Source == SourceCLI {
		return v
	}
	if k, ok := r.LLMKeys[strings.ToLower(strings.TrimSpace(provider))]; ok {
		return k
	}
	if strings.TrimSpace(v.Value) != "" {
		return v
	}
	return ResolvedValue{Source: SourceUnknown}
}

// Keys returns the scalar setting keys in declaration order.
func Keys() []string {
	out := make([]string, len(settings))
	for i, s := range settings {
		out[i] = s.key
	}
	return out
}

func flatten(prefix string, v any, out map[string]any) {
	m, ok := v.(map[string]any)
	if !ok {
		out[prefix] = v
		return
	}
	for k, child := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		flatten(key, child, out)
	}
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			parts = append(parts, strings.TrimSpace(scalarString(p)))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(x)
	}
}

func applyEnv(values map[string]ResolvedValue, key string) {
	env := EnvName(key)
	if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
		values[key] = ResolvedValue{Value: v, Source: SourceEnv, From: env}
	}
}

func loadConfig(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return raw, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
