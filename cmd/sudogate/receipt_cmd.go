package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/sudogate/pkg/ledger"
	"github.com/Mindburn-Labs/sudogate/pkg/signing"
)

// runReceiptCmd implements `sudogate receipt`: extract a portable receipt for
// one decision entry, looked up by request id or decision hash. The walk runs
// through chain verification, so a receipt is only produced from a ledger
// whose prefix up to the entry is intact.
func runReceiptCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("receipt", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath    string
		requestID     string
		decisionHash  string
		publicKeyPath string
		outputPath    string
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.StringVar(&requestID, "request-id", "", "Look up by request_id")
	cmd.StringVar(&decisionHash, "decision-hash", "", "Look up by decision_hash")
	cmd.StringVar(&publicKeyPath, "public-key", "", "Path to Ed25519 public key PEM")
	cmd.StringVar(&outputPath, "output", "", "Output file path (default stdout)")

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
	if (requestID == "") == (decisionHash == "") {
		_, _ = fmt.Fprintln(stderr, "Error: provide exactly one of --request-id or --decision-hash")
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

	ctx := context.Background()
	var (
		receipt *ledger.Receipt
		err     error
	)
	if requestID != "" {
		receipt, err = ledger.ExtractReceipt(ctx, l, publicKey, requestID)
	} else {
		receipt, err = ledger.ExtractReceiptByDecisionHash(ctx, l, publicKey, decisionHash)
	}
	if errors.Is(err, ledger.ErrReceiptNotFound) {
		_, _ = fmt.Fprintln(stderr, "Error: receipt target not found")
		return 1
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	out := stdout
	if outputPath != "" {
		dest, createErr := os.Create(outputPath)
		if createErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", createErr)
			return 2
		}
		defer func() { _ = dest.Close() }()
		out = dest
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(out, string(data))
	return 0
}
