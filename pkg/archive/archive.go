// Package archive uploads ledger snapshots to object storage. Each snapshot
// pairs the raw ledger bytes with the verification report produced at
// archive time, so a restored copy carries its own attestation.
package archive

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/Mindburn-Labs/sudogate/pkg/ledger"
)

// Uploader writes one object. Implementations exist for S3 and GCS.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) error
}

// Result describes a completed snapshot.
type Result struct {
	LedgerKey string         `json:"ledger_key"`
	ReportKey string         `json:"report_key"`
	Report    *ledger.Report `json:"report"`
	Bytes     int            `json:"bytes"`
}

// Archiver snapshots a ledger to object storage.
type Archiver struct {
	uploader Uploader
	prefix   string
	clock    func() time.Time
}

// New creates an archiver. prefix may be empty.
func New(uploader Uploader, prefix string) *Archiver {
	return &Archiver{uploader: uploader, prefix: prefix, clock: time.Now}
}

// WithClock overrides the snapshot timestamp source for testing.
func (a *Archiver) WithClock(clock func() time.Time) *Archiver {
	a.clock = clock
	return a
}

// Snapshot verifies the ledger, then uploads the raw ledger bytes and the
// verification report under a timestamped key pair. The snapshot proceeds
// even when verification finds a failure; the report records it.
func (a *Archiver) Snapshot(ctx context.Context, l ledger.Ledger, ledgerPath string, publicKey ed25519.PublicKey) (*Result, error) {
	report, err := l.Verify(ctx, publicKey)
	if err != nil {
		return nil, fmt.Errorf("verify before snapshot: %w", err)
	}

	data, err := os.ReadFile(ledgerPath)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	stamp := a.clock().UTC().Format("20060102T150405Z")
	base := path.Join(a.prefix, "snapshots", stamp)
	result := &Result{
		LedgerKey: base + "/" + path.Base(ledgerPath),
		ReportKey: base + "/report.json",
		Report:    report,
		Bytes:     len(data),
	}

	if err := a.uploader.Upload(ctx, result.LedgerKey, "application/octet-stream", data); err != nil {
		return nil, fmt.Errorf("upload ledger: %w", err)
	}
	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := a.uploader.Upload(ctx, result.ReportKey, "application/json", reportJSON); err != nil {
		return nil, fmt.Errorf("upload report: %w", err)
	}
	return result, nil
}
