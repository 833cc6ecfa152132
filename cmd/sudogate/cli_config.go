package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/sudogate/pkg/config"
)

// loadCLIConfig loads the optional --config file plus the environment
// overrides (SUDOGATE_LEDGER_PATH, SUDOGATE_AUTO_APPROVE,
// SUDOGATE_PUBLIC_KEY). Subcommand defaults come from the result.
func loadCLIConfig(path string, stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return cfg, true
}

// resolveLedgerPath returns the positional ledger path, falling back to the
// configured one when the argument is omitted.
func resolveLedgerPath(cmd *flag.FlagSet, cfg *config.Config, stderr io.Writer) (string, bool) {
	switch cmd.NArg() {
	case 0:
		if cfg.Ledger.Path == "" {
			_, _ = fmt.Fprintln(stderr, "Error: a ledger path is required")
			return "", false
		}
		return cfg.Ledger.Path, true
	case 1:
		return cmd.Arg(0), true
	default:
		_, _ = fmt.Fprintln(stderr, "Error: at most one ledger path is allowed")
		return "", false
	}
}

// resolvePublicKeyPath prefers the flag, then the configured verify key.
func resolvePublicKeyPath(flagValue string, cfg *config.Config) string {
	if flagValue != "" {
		return flagValue
	}
	return cfg.Verify.PublicKeyPath
}
