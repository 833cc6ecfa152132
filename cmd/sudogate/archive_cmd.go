package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/sudogate/pkg/archive"
	"github.com/Mindburn-Labs/sudogate/pkg/ledger"
	"github.com/Mindburn-Labs/sudogate/pkg/signing"
)

// runArchiveCmd implements `sudogate archive`: verify the ledger, then upload
// the raw file plus the verification report to object storage. The snapshot
// is taken even when verification fails, so a tampered ledger is preserved as
// evidence; the exit code still reports the failure.
func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath    string
		backend       string
		bucket        string
		prefix        string
		publicKeyPath string
		jsonOutput    bool
	)
	cmd.StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.StringVar(&backend, "backend", "", "Object storage backend: s3 or gcs")
	cmd.StringVar(&bucket, "bucket", "", "Bucket name")
	cmd.StringVar(&prefix, "prefix", "", "Key prefix inside the bucket")
	cmd.StringVar(&publicKeyPath, "public-key", "", "Path to Ed25519 public key PEM")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the snapshot result as JSON")

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
	if backend == "" {
		backend = cfg.Archive.Backend
	}
	if backend == "" {
		backend = "s3"
	}
	if bucket == "" {
		bucket = cfg.Archive.Bucket
	}
	if bucket == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bucket is required")
		return 2
	}
	if prefix == "" {
		prefix = cfg.Archive.Prefix
	}
	if prefix == "" {
		prefix = "sudogate"
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

	ctx := context.Background()
	uploader, err := archive.NewUploader(ctx, backend, bucket)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	l := ledger.NewFileLedger(ledgerPath)
	defer func() { _ = l.Close() }()

	result, err := archive.New(uploader, prefix).Snapshot(ctx, l, ledgerPath, publicKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, err := json.Marshal(result)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "uploaded %s (%d bytes) and %s\n",
			result.LedgerKey, result.Bytes, result.ReportKey)
	}

	if !result.Report.OK {
		_, _ = fmt.Fprintln(stderr, "warning: ledger verification failed; snapshot preserved as evidence")
		return 1
	}
	return 0
}
