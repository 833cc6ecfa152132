// Package config loads engine configuration from YAML with environment
// overrides. Environment lookup happens only here, at the outer boundary;
// everything inside the engine receives explicit values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Environment variable names consumed at load time. Stable.
const (
	EnvLedgerPath  = "SUDOGATE_LEDGER_PATH"
	EnvAutoApprove = "SUDOGATE_AUTO_APPROVE"
	EnvPublicKey   = "SUDOGATE_PUBLIC_KEY"
)

// Config is the full engine configuration.
type Config struct {
	AgentID  string         `yaml:"agent_id" json:"agent_id"`
	Ledger   LedgerConfig   `yaml:"ledger" json:"ledger"`
	Approval ApprovalConfig `yaml:"approval" json:"approval"`
	Budget   BudgetConfig   `yaml:"budget" json:"budget"`
	Verify   VerifyConfig   `yaml:"verify" json:"verify"`
	Audit    AuditConfig    `yaml:"audit" json:"audit"`
	Archive  ArchiveConfig  `yaml:"archive" json:"archive"`
}

// LedgerConfig selects and configures the evidence ledger backend.
type LedgerConfig struct {
	Backend           string `yaml:"backend" json:"backend"` // "file" | "sqlite"
	Path              string `yaml:"path" json:"path"`
	SigningKeyPath    string `yaml:"signing_key_path,omitempty" json:"signing_key_path,omitempty"`
	RelaxedDurability bool   `yaml:"relaxed_durability,omitempty" json:"relaxed_durability,omitempty"`
}

// ApprovalConfig configures the approval store and default wait.
type ApprovalConfig struct {
	Store       string `yaml:"store,omitempty" json:"store,omitempty"` // "" | "memory" | "sqlite" | "redis"
	Path        string `yaml:"path,omitempty" json:"path,omitempty"`
	RedisAddr   string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	TTLSeconds  int    `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`
	AutoApprove bool   `yaml:"auto_approve,omitempty" json:"auto_approve,omitempty"`
}

// TTL returns the configured approval wait, or zero when unset.
func (c ApprovalConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// BudgetConfig configures the two-phase budget manager.
type BudgetConfig struct {
	Backend       string `yaml:"backend,omitempty" json:"backend,omitempty"` // "" | "memory" | "sqlite" | "postgres"
	Path          string `yaml:"path,omitempty" json:"path,omitempty"`
	PostgresDSN   string `yaml:"postgres_dsn,omitempty" json:"postgres_dsn,omitempty"`
	AgentLimit    int64  `yaml:"agent_limit,omitempty" json:"agent_limit,omitempty"`
	ToolLimit     int64  `yaml:"tool_limit,omitempty" json:"tool_limit,omitempty"`
	WindowSeconds int    `yaml:"window_seconds,omitempty" json:"window_seconds,omitempty"`
}

// Window returns the configured accounting window, or zero when unset.
func (c BudgetConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// VerifyConfig configures offline verification.
type VerifyConfig struct {
	PublicKeyPath string `yaml:"public_key_path,omitempty" json:"public_key_path,omitempty"`
}

// AuditConfig configures the operational JSONL sink.
type AuditConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"` // empty = stderr
}

// ArchiveConfig configures ledger snapshot uploads.
type ArchiveConfig struct {
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"` // "" | "s3" | "gcs"
	Bucket  string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix  string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		AgentID: "sudogate",
		Ledger:  LedgerConfig{Backend: "file", Path: "sudogate.jsonl"},
	}
}

// Load reads a YAML config file, applies environment overrides, and
// validates the result. An empty path yields the defaults (plus overrides).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvLedgerPath); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv(EnvAutoApprove); v != "" {
		cfg.Approval.AutoApprove = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv(EnvPublicKey); v != "" {
		cfg.Verify.PublicKeyPath = v
	}
}

// Validate checks the configuration against the embedded schema.
func (c *Config) Validate() error {
	// Round-trip through JSON so the schema validator sees plain JSON types.
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if err := configSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

var configSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://sudogate.schemas.local/config.schema.json"
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}
