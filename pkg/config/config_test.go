package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sudogate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sudogate", cfg.AgentID)
	assert.Equal(t, "file", cfg.Ledger.Backend)
	assert.Equal(t, "sudogate.jsonl", cfg.Ledger.Path)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
agent_id: payments-agent
ledger:
  backend: sqlite
  path: /var/lib/sudogate/ledger.db
  relaxed_durability: true
approval:
  store: sqlite
  path: /var/lib/sudogate/approvals.db
  ttl_seconds: 600
budget:
  backend: memory
  agent_limit: 100
  tool_limit: 50
  window_seconds: 3600
verify:
  public_key_path: /etc/sudogate/ledger.pub
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "payments-agent", cfg.AgentID)
	assert.Equal(t, "sqlite", cfg.Ledger.Backend)
	assert.True(t, cfg.Ledger.RelaxedDurability)
	assert.Equal(t, 10*time.Minute, cfg.Approval.TTL())
	assert.Equal(t, int64(100), cfg.Budget.AgentLimit)
	assert.Equal(t, time.Hour, cfg.Budget.Window())
	assert.Equal(t, "/etc/sudogate/ledger.pub", cfg.Verify.PublicKeyPath)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvLedgerPath, "/tmp/override.jsonl")
	t.Setenv(EnvAutoApprove, "true")
	t.Setenv(EnvPublicKey, "/tmp/ledger.pub")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.jsonl", cfg.Ledger.Path)
	assert.True(t, cfg.Approval.AutoApprove)
	assert.Equal(t, "/tmp/ledger.pub", cfg.Verify.PublicKeyPath)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, `
agent_id: a
ledger:
  backend: etcd
  path: x
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoadRejectsBlankAgentID(t *testing.T) {
	path := writeConfig(t, `
agent_id: ""
ledger:
  backend: file
  path: ledger.jsonl
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNegativeLimit(t *testing.T) {
	path := writeConfig(t, `
agent_id: a
ledger:
  backend: file
  path: ledger.jsonl
budget:
  agent_limit: -1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
