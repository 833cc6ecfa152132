package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/sudogate/pkg/ledger"
	"github.com/Mindburn-Labs/sudogate/pkg/signing"
)

// runVerifyCmd implements `sudogate verify`.
//
// Exit codes:
//
//	0 = chain and signatures verified
//	1 = verification failed
//	2 = usage or runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath    string
		publicKeyPath string
		jsonOutput    bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.StringVar(&publicKeyPath, "public-key", "", "Path to Ed25519 public key PEM")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verification report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, ok := loadCLIConfig(configPath, stderr)
	if !ok {
		return 2
	}
	ledgerPath, ok := resolveLedgerPath(cmd, cfg, stderr)
	if !ok {
		return 2
	}

	var publicKey ed25519.PublicKey
	if keyPath := resolvePublicKeyPath(publicKeyPath, cfg); keyPath != "" {
		key, err := signing.LoadPublicKey(keyPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		publicKey = key
	}

	l := ledger.NewFileLedger(ledgerPath)
	defer func() { _ = l.Close() }()

	report, err := l.Verify(context.Background(), publicKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, err := json.Marshal(report)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.OK {
		_, _ = fmt.Fprintf(stdout, "verification ok (%d entries, %d signatures checked)\n",
			report.Entries, report.SignaturesChecked)
	} else {
		f := report.FirstFailure
		_, _ = fmt.Fprintf(stderr, "verification failed at position %d: %s: %s\n",
			f.Position, f.Kind, f.Detail)
	}

	if !report.OK {
		return 1
	}
	return 0
}
