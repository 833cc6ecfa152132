package config

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/sudogate/pkg/approval"
	"github.com/Mindburn-Labs/sudogate/pkg/audit"
	"github.com/Mindburn-Labs/sudogate/pkg/budget"
	"github.com/Mindburn-Labs/sudogate/pkg/engine"
	"github.com/Mindburn-Labs/sudogate/pkg/ledger"
	"github.com/Mindburn-Labs/sudogate/pkg/policy"
	"github.com/Mindburn-Labs/sudogate/pkg/signing"
)

// BuildEngine assembles a ready engine from the configuration: ledger
// backend, approval store and approver (auto-approve yields a static
// approver), budget manager, and audit sink. Extra options are appended
// after the configured ones so callers can override them.
//
// The returned close function releases every component the builder opened;
// call it when the engine is done.
func (c *Config) BuildEngine(p policy.Policy, opts ...engine.Option) (*engine.Engine, func() error, error) {
	var closers []func() error
	closeAll := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	fail := func(err error) (*engine.Engine, func() error, error) {
		_ = closeAll()
		return nil, nil, err
	}

	l, err := c.buildLedger()
	if err != nil {
		return fail(err)
	}
	closers = append(closers, l.Close)

	var options []engine.Option

	store, err := c.buildApprovalStore()
	if err != nil {
		return fail(err)
	}
	if store != nil {
		closers = append(closers, store.Close)
		options = append(options, engine.WithApprovalStore(store))
	}
	if c.Approval.AutoApprove {
		options = append(options, engine.WithApprover(approval.StaticApprover{
			Approved:   true,
			ApproverID: "auto-approve",
		}))
	} else if store != nil {
		options = append(options, engine.WithApprover(&approval.PollingApprover{Store: store}))
	}
	if ttl := c.Approval.TTL(); ttl > 0 {
		options = append(options, engine.WithApprovalTTL(ttl))
	}

	manager, budgetCloser, err := c.buildBudget()
	if err != nil {
		return fail(err)
	}
	if manager != nil {
		closers = append(closers, manager.Close)
		if budgetCloser != nil {
			closers = append(closers, budgetCloser)
		}
		options = append(options, engine.WithBudget(manager))
		if w := c.Budget.Window(); w > 0 {
			options = append(options, engine.WithBudgetWindow(w))
		}
	}

	if c.Audit.Path != "" {
		f, err := os.OpenFile(c.Audit.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fail(fmt.Errorf("open audit sink: %w", err))
		}
		closers = append(closers, f.Close)
		options = append(options, engine.WithAuditLogger(audit.NewLoggerWithWriter(f)))
	}

	options = append(options, opts...)
	eng, err := engine.New(p, l, c.AgentID, options...)
	if err != nil {
		return fail(err)
	}
	return eng, closeAll, nil
}

func (c *Config) buildLedger() (ledger.Ledger, error) {
	var signingKey ed25519.PrivateKey
	if c.Ledger.SigningKeyPath != "" {
		key, err := signing.LoadPrivateKey(c.Ledger.SigningKeyPath)
		if err != nil {
			return nil, err
		}
		signingKey = key
	}

	switch c.Ledger.Backend {
	case "file":
		var opts []ledger.FileOption
		if signingKey != nil {
			opts = append(opts, ledger.WithSigningKey(signingKey))
		}
		return ledger.NewFileLedger(c.Ledger.Path, opts...), nil
	case "sqlite":
		var opts []ledger.SQLiteOption
		if signingKey != nil {
			opts = append(opts, ledger.WithSQLiteSigningKey(signingKey))
		}
		if c.Ledger.RelaxedDurability {
			opts = append(opts, ledger.WithRelaxedDurability())
		}
		return ledger.NewSQLiteLedger(c.Ledger.Path, opts...)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
}

func (c *Config) buildApprovalStore() (approval.Store, error) {
	switch c.Approval.Store {
	case "":
		return nil, nil
	case "memory":
		return approval.NewMemoryStore(), nil
	case "sqlite":
		return approval.NewSQLiteStore(c.Approval.Path)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: c.Approval.RedisAddr})
		return approval.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown approval store %q", c.Approval.Store)
	}
}

// buildBudget returns the manager plus an extra closer when the builder
// opened a handle the manager does not own (the postgres *sql.DB).
func (c *Config) buildBudget() (budget.Manager, func() error, error) {
	limits := budget.Limits{
		AgentLimit: c.Budget.AgentLimit,
		ToolLimit:  c.Budget.ToolLimit,
		Window:     c.Budget.Window(),
	}
	switch c.Budget.Backend {
	case "":
		return nil, nil, nil
	case "memory":
		return budget.NewMemoryManager(limits), nil, nil
	case "sqlite":
		m, err := budget.NewSQLiteManager(c.Budget.Path, limits)
		return m, nil, err
	case "postgres":
		db, err := sql.Open("postgres", c.Budget.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres budget store: %w", err)
		}
		m := budget.NewPostgresManager(db, limits)
		if err := m.Migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return m, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown budget backend %q", c.Budget.Backend)
	}
}
