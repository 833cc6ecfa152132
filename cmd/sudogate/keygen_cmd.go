package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/sudogate/pkg/signing"
)

// runKeygenCmd implements `sudogate keygen`: write an Ed25519 PEM key pair.
// Existing files are never clobbered unless --overwrite is given.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		privateKeyPath string
		publicKeyPath  string
		overwrite      bool
	)
	cmd.StringVar(&privateKeyPath, "private-key", "", "Path to write the private key PEM (REQUIRED)")
	cmd.StringVar(&publicKeyPath, "public-key", "", "Path to write the public key PEM (REQUIRED)")
	cmd.BoolVar(&overwrite, "overwrite", false, "Overwrite existing key files")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if privateKeyPath == "" || publicKeyPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --private-key and --public-key are required")
		return 2
	}

	if !overwrite {
		for _, path := range []string{privateKeyPath, publicKeyPath} {
			if _, err := os.Stat(path); err == nil {
				_, _ = fmt.Fprintf(stderr, "Error: %s already exists (use --overwrite)\n", path)
				return 1
			}
		}
	}
	for _, path := range []string{privateKeyPath, publicKeyPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
		}
	}

	if err := signing.WriteKeyPair(privateKeyPath, publicKeyPath); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "wrote %s and %s\n", privateKeyPath, publicKeyPath)
	return 0
}
