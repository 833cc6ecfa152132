// Package ledger implements the tamper-evident, hash-chained audit ledger.
//
// Entries are decision or outcome records wrapped with chaining fields:
// prev_entry_hash links each entry to its predecessor, entry_hash commits to
// the entry's canonical JSON, and entry_signature optionally signs the hash.
// Two backends share one append and verification contract: a line-oriented
// JSONL file for single-writer use, and a SQLite table for multi-process
// single-host use.
package ledger

import (
	"context"
	"crypto/ed25519"
)

// Entry is a ledger record as a JSON object tree. Values follow the
// canonical encoding's type domain: nil, bool, string, integers,
// json.Number, time.Time, []any, map[string]any.
type Entry = map[string]any

// Well-known entry fields.
const (
	FieldSchemaVersion  = "schema_version"
	FieldLedgerVersion  = "ledger_version"
	FieldPrevEntryHash  = "prev_entry_hash"
	FieldEntryHash      = "entry_hash"
	FieldEntrySignature = "entry_signature"
	FieldRequestID      = "request_id"
	FieldCreatedAt      = "created_at"
	FieldEvent          = "event"
	FieldAction         = "action"
	FieldAgentID        = "agent_id"
	FieldDecision       = "decision"
	FieldOutcome        = "outcome"
	FieldParameters     = "parameters"
)

// Entry event types.
const (
	EventDecision = "decision"
	EventOutcome  = "outcome"
)

// Ledger is the contract both backends implement. Append computes the chain
// fields and durably writes the entry; a failed append must leave nothing
// visible to subsequent readers.
type Ledger interface {
	// Append stores the entry and returns its entry_hash. The caller's
	// entry must not carry prev_entry_hash, entry_hash, or entry_signature.
	Append(ctx context.Context, entry Entry) (string, error)

	// Verify checks the whole ledger and returns a structured report.
	// publicKey may be nil; when set, every entry must carry a valid
	// signature.
	Verify(ctx context.Context, publicKey ed25519.PublicKey) (*Report, error)

	// IterVerified streams entries in order, validating the chain as it
	// goes. fn receives the zero-based position and the parsed entry;
	// returning an error stops iteration.
	IterVerified(ctx context.Context, publicKey ed25519.PublicKey, fn func(position int, entry Entry) error) error

	// Close releases backend resources.
	Close() error
}
