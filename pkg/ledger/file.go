package ledger

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/sudogate/pkg/canonical"
	"github.com/Mindburn-Labs/sudogate/pkg/signing"
)

const tailReadChunkSize = 4096

// FileLedger is the line-oriented JSONL backend: one canonical-JSON entry
// per LF-terminated line. Advisory file locking gives single-host exclusion;
// multi-writer deployments should use the SQLite backend instead.
type FileLedger struct {
	path       string
	signingKey ed25519.PrivateKey
}

// FileOption configures a FileLedger.
type FileOption func(*FileLedger)

// WithSigningKey makes every appended entry carry an Ed25519 signature.
func WithSigningKey(key ed25519.PrivateKey) FileOption {
	return func(l *FileLedger) { l.signingKey = key }
}

// NewFileLedger opens a file-backed ledger at path. The file is created on
// first append.
func NewFileLedger(path string, opts ...FileOption) *FileLedger {
	l := &FileLedger{path: path}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the ledger file location.
func (l *FileLedger) Path() string { return l.path }

// Append implements the Ledger append contract: lock, read the tail hash,
// chain, sign, write one line, fsync.
func (l *FileLedger) Append(ctx context.Context, entry Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", newWriteError(err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return "", newWriteError(err)
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", newWriteError(err)
	}
	defer func() { _ = f.Close() }()

	if err := lockFile(f, true); err != nil {
		return "", newWriteError(err)
	}
	defer func() { _ = unlockFile(f) }()

	lastHash, err := readLastEntryHash(f)
	if err != nil {
		return "", err
	}
	prepared, entryHash, err := prepareEntry(entry, lastHash)
	if err != nil {
		return "", newWriteError(err)
	}
	if l.signingKey != nil {
		sig, err := signing.SignEntryHash(l.signingKey, entryHash)
		if err != nil {
			return "", newWriteError(err)
		}
		prepared[FieldEntrySignature] = sig
	}
	line, err := canonical.Encode(prepared)
	if err != nil {
		return "", newWriteError(err)
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return "", newWriteError(err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", newWriteError(err)
	}
	if err := f.Sync(); err != nil {
		return "", newWriteError(err)
	}
	return entryHash, nil
}

// Verify implements the Ledger verification contract.
func (l *FileLedger) Verify(ctx context.Context, publicKey ed25519.PublicKey) (*Report, error) {
	report, err := fileVerify(ctx, l.path, func(stream entryStream) (*Report, error) {
		return runVerify(stream, publicKey)
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// IterVerified streams entries in order while validating the chain.
func (l *FileLedger) IterVerified(ctx context.Context, publicKey ed25519.PublicKey, fn func(position int, entry Entry) error) error {
	_, err := fileVerify(ctx, l.path, func(stream entryStream) (*Report, error) {
		return nil, runIterVerified(stream, publicKey, fn)
	})
	return err
}

// Close is a no-op; the file is opened per operation.
func (l *FileLedger) Close() error { return nil }

func fileVerify(ctx context.Context, path string, run func(entryStream) (*Report, error)) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, newVerificationError(err)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// An absent ledger is an empty, valid ledger.
			return run(func(func(parsedEntry) error) error { return nil })
		}
		return nil, newVerificationError(err)
	}
	defer func() { _ = f.Close() }()

	if err := lockFile(f, false); err != nil {
		return nil, newVerificationError(err)
	}
	defer func() { _ = unlockFile(f) }()

	return run(fileEntryStream(ctx, f))
}

func fileEntryStream(ctx context.Context, f *os.File) entryStream {
	return func(yield func(parsedEntry) error) error {
		reader := bufio.NewReader(f)
		position := 0
		for {
			if err := ctx.Err(); err != nil {
				return newVerificationError(err)
			}
			line, err := reader.ReadBytes('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return newVerificationError(err)
			}
			atEOF := errors.Is(err, io.EOF)
			if atEOF && len(line) > 0 {
				// Torn trailing write: readers ignore it, verification
				// reports the truncation.
				return &FailureError{Failure: Failure{
					Position: position,
					Kind:     KindCanonicalForm,
					Detail:   "truncated trailing entry",
				}}
			}
			if atEOF {
				return nil
			}
			raw := bytes.TrimSuffix(line, []byte("\n"))
			if len(raw) == 0 {
				return &FailureError{Failure: Failure{
					Position: position,
					Kind:     KindCanonicalForm,
					Detail:   "empty line",
				}}
			}
			decoded, err := canonical.Decode(raw)
			if err != nil {
				return &FailureError{Failure: Failure{
					Position: position,
					Kind:     KindCanonicalForm,
					Detail:   "line is not valid JSON",
				}}
			}
			entry, ok := decoded.(map[string]any)
			if !ok {
				return &FailureError{Failure: Failure{
					Position: position,
					Kind:     KindCanonicalForm,
					Detail:   "line is not an object",
				}}
			}
			if err := yield(parsedEntry{entry: entry, raw: raw}); err != nil {
				return err
			}
			position++
		}
	}
}

// readLastEntryHash reads the entry_hash of the last complete line without
// scanning the whole file. A torn trailing line (no final newline) is
// skipped so a crashed writer does not wedge the ledger.
func readLastEntryHash(f *os.File) (any, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, newWriteError(err)
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	var data []byte
	pos := size
	for pos > 0 {
		readSize := int64(tailReadChunkSize)
		if pos < readSize {
			readSize = pos
		}
		pos -= readSize
		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, pos); err != nil {
			return nil, newWriteError(err)
		}
		data = append(chunk, data...)
		// Enough once a complete line boundary is in the buffer.
		if bytes.Count(data, []byte("\n")) >= 2 || pos == 0 {
			break
		}
	}

	if !bytes.HasSuffix(data, []byte("\n")) {
		idx := bytes.LastIndexByte(data, '\n')
		if idx < 0 {
			if pos == 0 {
				// The whole file is one torn line.
				return nil, nil
			}
			return nil, writeErrorf("tail read found no complete line")
		}
		data = data[:idx+1]
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return nil, nil
	}
	idx := bytes.LastIndexByte(data, '\n')
	lastLine := data[idx+1:]

	decoded, err := canonical.Decode(lastLine)
	if err != nil {
		return nil, writeErrorf("invalid JSON at tail")
	}
	entry, ok := decoded.(map[string]any)
	if !ok {
		return nil, writeErrorf("ledger line is not an object")
	}
	entryHash, ok := entry[FieldEntryHash].(string)
	if !ok {
		return nil, writeErrorf("entry_hash missing or invalid at tail")
	}
	return entryHash, nil
}
