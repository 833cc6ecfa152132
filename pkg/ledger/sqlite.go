package ledger

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/sudogate/pkg/canonical"
	"github.com/Mindburn-Labs/sudogate/pkg/signing"

	_ "modernc.org/sqlite"
)

// SQLiteLedger stores entries in a single append-only table keyed by a
// monotonic position. WAL mode keeps readers from blocking the writer, so
// it is safe for multi-process single-host use. Durability defaults to
// synchronous=FULL; WithRelaxedDurability opts into NORMAL.
type SQLiteLedger struct {
	db         *sql.DB
	signingKey ed25519.PrivateKey
}

// SQLiteOption configures a SQLiteLedger.
type SQLiteOption func(*sqliteConfig)

type sqliteConfig struct {
	signingKey ed25519.PrivateKey
	relaxed    bool
}

// WithSQLiteSigningKey makes every appended entry carry an Ed25519 signature.
func WithSQLiteSigningKey(key ed25519.PrivateKey) SQLiteOption {
	return func(c *sqliteConfig) { c.signingKey = key }
}

// WithRelaxedDurability trades the per-transaction fsync guarantee for
// throughput (PRAGMA synchronous=NORMAL).
func WithRelaxedDurability() SQLiteOption {
	return func(c *sqliteConfig) { c.relaxed = true }
}

// NewSQLiteLedger opens (and if needed creates) a SQLite-backed ledger at
// path.
func NewSQLiteLedger(path string, opts ...SQLiteOption) (*SQLiteLedger, error) {
	cfg := sqliteConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, newWriteError(err)
	}

	synchronous := "FULL"
	if cfg.relaxed {
		synchronous = "NORMAL"
	}
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=synchronous(%s)&_pragma=busy_timeout(5000)",
		path, synchronous,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newWriteError(err)
	}
	// The append path serializes on BEGIN IMMEDIATE; one connection avoids
	// writer self-contention inside a process.
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db, signingKey: cfg.signingKey}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		event TEXT NOT NULL,
		created_at TEXT NOT NULL,
		entry_json TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		prev_entry_hash TEXT,
		entry_signature TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_request_id ON ledger (request_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_entry_hash ON ledger (entry_hash);
	`
	if _, err := l.db.ExecContext(context.Background(), query); err != nil {
		return newWriteError(err)
	}
	return nil
}

// Append implements the Ledger append contract inside one immediate
// transaction, so the tail read and the insert are atomic against other
// writers.
func (l *SQLiteLedger) Append(ctx context.Context, entry Entry) (string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", newWriteError(err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevHash any
	var last sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT entry_hash FROM ledger ORDER BY position DESC LIMIT 1`,
	).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prevHash = nil
	case err != nil:
		return "", newWriteError(err)
	case last.Valid:
		prevHash = last.String
	default:
		return "", writeErrorf("entry_hash missing at tail")
	}

	prepared, entryHash, err := prepareEntry(entry, prevHash)
	if err != nil {
		return "", newWriteError(err)
	}
	var signature any
	if l.signingKey != nil {
		sig, err := signing.SignEntryHash(l.signingKey, entryHash)
		if err != nil {
			return "", newWriteError(err)
		}
		prepared[FieldEntrySignature] = sig
		signature = sig
	}
	entryJSON, err := canonical.Encode(prepared)
	if err != nil {
		return "", newWriteError(err)
	}

	requestID, _ := prepared[FieldRequestID].(string)
	event, _ := prepared[FieldEvent].(string)
	createdAt, _ := prepared[FieldCreatedAt].(string)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ledger (request_id, event, created_at, entry_json, entry_hash, prev_entry_hash, entry_signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		requestID, event, createdAt, string(entryJSON), entryHash, prevHash, signature,
	)
	if err != nil {
		return "", newWriteError(err)
	}
	if err := tx.Commit(); err != nil {
		return "", newWriteError(err)
	}
	return entryHash, nil
}

// Verify implements the Ledger verification contract. Column values are
// cross-checked against the canonical body.
func (l *SQLiteLedger) Verify(ctx context.Context, publicKey ed25519.PublicKey) (*Report, error) {
	return runVerify(l.entryStream(ctx), publicKey)
}

// IterVerified streams entries in position order while validating the chain.
func (l *SQLiteLedger) IterVerified(ctx context.Context, publicKey ed25519.PublicKey, fn func(position int, entry Entry) error) error {
	return runIterVerified(l.entryStream(ctx), publicKey, fn)
}

// Close releases the database handle.
func (l *SQLiteLedger) Close() error { return l.db.Close() }

func (l *SQLiteLedger) entryStream(ctx context.Context) entryStream {
	return func(yield func(parsedEntry) error) error {
		rows, err := l.db.QueryContext(ctx,
			`SELECT entry_json, entry_hash, prev_entry_hash FROM ledger ORDER BY position ASC`,
		)
		if err != nil {
			return newVerificationError(err)
		}
		defer func() { _ = rows.Close() }()

		position := 0
		for rows.Next() {
			var entryJSON, entryHash string
			var prevHash sql.NullString
			if err := rows.Scan(&entryJSON, &entryHash, &prevHash); err != nil {
				return newVerificationError(err)
			}
			raw := []byte(entryJSON)
			decoded, err := canonical.Decode(raw)
			if err != nil {
				return &FailureError{Failure: Failure{
					Position: position,
					Kind:     KindCanonicalForm,
					Detail:   "row body is not valid JSON",
				}}
			}
			entry, ok := decoded.(map[string]any)
			if !ok {
				return &FailureError{Failure: Failure{
					Position: position,
					Kind:     KindCanonicalForm,
					Detail:   "row body is not an object",
				}}
			}
			var rowPrev any
			if prevHash.Valid {
				rowPrev = prevHash.String
			}
			p := parsedEntry{
				entry:        entry,
				raw:          raw,
				rowEntryHash: entryHash,
				rowPrevHash:  rowPrev,
				hasRowHashes: true,
			}
			if err := yield(p); err != nil {
				return err
			}
			position++
		}
		if err := rows.Err(); err != nil {
			return newVerificationError(err)
		}
		return nil
	}
}
