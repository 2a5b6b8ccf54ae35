// Package config loads carmcp settings from defaults, an optional YAML file,
// CARMCP_* environment variables and command-line overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CARMCP_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	LLM       LLMConfig       `koanf:"llm"`
	Loop      LoopConfig      `koanf:"loop"`
	Server    ServerConfig    `koanf:"server"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Planner   PlannerConfig   `koanf:"planner"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider    string  `koanf:"provider"` // openai, anthropic, gemini, qwen, ollama, mock
	Model       string  `koanf:"model"`
	BaseURL     string  `koanf:"base_url"`
	APIKey      string  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
}

type LoopConfig struct {
	MaxIterations int    `koanf:"max_iterations"`
	SystemPrompt  string `koanf:"system_prompt"`
}

// ServerConfig describes how the client reaches the MCP server. An empty
// Command re-executes the running binary with "serve".
type ServerConfig struct {
	Command        string   `koanf:"command"`
	Args           []string `koanf:"args"`
	URL            string   `koanf:"url"`
	HTTPAddr       string   `koanf:"http_addr"`
	TimeoutSeconds int      `koanf:"timeout_seconds"`
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type PlannerConfig struct {
	Catalog string `koanf:"catalog"`
}

// Timeout returns the per-request server timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

var defaults = map[string]any{
	"log.level":              "info",
	"log.format":             "text",
	"llm.provider":           "openai",
	"loop.max_iterations":    8,
	"server.timeout_seconds": 30,
	"server.http_addr":       ":8080",
	"telemetry.exporter":     "none",
}

// providerKeyEnv lists the conventional credential variables per provider.
var providerKeyEnv = map[string][]string{
	"openai":    {"OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"qwen":      {"DASHSCOPE_API_KEY"},
}

// Load reads defaults, the optional file at path and the environment.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, "", nil)
}

// LoadWithProfile also merges <name>.<profile><ext> next to path when it
// exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return LoadWithOverrides(path, profile, nil)
}

// LoadWithOverrides is Load plus a profile and key=value overrides applied
// last, e.g. "llm.model=gpt-4o".
func LoadWithOverrides(path, profile string, overrides []string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "failed to load config file "+path, err)
		}
		if profile != "" {
			if pp := ProfilePath(path, profile); fileExists(pp) {
				if err := k.Load(file.Provider(pp), yaml.Parser()); err != nil {
					return nil, errors.New(errors.CodeInvalidInput, "failed to load profile "+pp, err)
				}
			}
		}
	}

	// CARMCP_LLM_API_KEY -> llm.api_key
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		key, value, err := ParseOverride(o)
		if err != nil {
			return nil, err
		}
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "failed to decode config", err)
	}
	applyFallbacks(&cfg)
	return &cfg, nil
}

// ProfilePath returns the profile variant of path: config.yaml + dev ->
// config.dev.yaml.
func ProfilePath(path, profile string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + profile + ext
}

// ParseOverride splits key=value. The value is decoded as YAML so numbers,
// booleans, lists and JSON objects keep their types.
func ParseOverride(s string) (string, any, error) {
	key, raw, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, errors.Newf(errors.CodeInvalidInput, "invalid override %q, expected key=value", s)
	}
	var value any
	if err := yamlv3.Unmarshal([]byte(raw), &value); err != nil || value == nil {
		return key, raw, nil
	}
	return key, value, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + rest
}

// ApplyFallbacks fills the API key and model from the provider's
// conventional environment variables when they are unset.
func (c *Config) ApplyFallbacks() { applyFallbacks(c) }

func applyFallbacks(cfg *Config) {
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.APIKey == "" {
		for _, name := range providerKeyEnv[cfg.LLM.Provider] {
			if v := os.Getenv(name); v != "" {
				cfg.LLM.APIKey = v
				break
			}
		}
	}
	if cfg.LLM.Model == "" && cfg.LLM.Provider == "openai" {
		cfg.LLM.Model = os.Getenv("OPENAI_MODEL")
	}
}

// Validate checks enumerations and bounds.
func (c *Config) Validate() error {
	var bad []string
	if !oneOf(strings.ToLower(c.Log.Level), "debug", "info", "warn", "warning", "error") {
		bad = append(bad, "log.level")
	}
	if !oneOf(strings.ToLower(c.Log.Format), "text", "json") {
		bad = append(bad, "log.format")
	}
	if !oneOf(c.LLM.Provider, "openai", "anthropic", "gemini", "qwen", "ollama", "mock") {
		bad = append(bad, "llm.provider")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		bad = append(bad, "llm.temperature")
	}
	if c.Loop.MaxIterations < 1 || c.Loop.MaxIterations > 64 {
		bad = append(bad, "loop.max_iterations")
	}
	if c.Server.TimeoutSeconds < 1 {
		bad = append(bad, "server.timeout_seconds")
	}
	exporter := strings.ToLower(c.Telemetry.Exporter)
	if !oneOf(exporter, "", "none", "stdout", "otlp") {
		bad = append(bad, "telemetry.exporter")
	}
	if exporter == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		bad = append(bad, "telemetry.otlp_endpoint")
	}
	if len(bad) > 0 {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid configuration: %s", strings.Join(bad, ", ")), nil).
			WithParams(bad...)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
