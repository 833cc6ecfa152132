package ledger

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Receipt is a portable proof that a decision was recorded: enough to
// locate the entry, re-verify its hash, and check its signature.
type Receipt struct {
	LedgerPosition int    `json:"ledger_position"`
	SchemaVersion  string `json:"schema_version"`
	LedgerVersion  string `json:"ledger_version"`
	RequestID      string `json:"request_id"`
	CreatedAt      string `json:"created_at"`
	PolicyID       string `json:"policy_id"`
	PolicyHash     string `json:"policy_hash"`
	DecisionHash   string `json:"decision_hash"`
	EntryHash      string `json:"entry_hash"`
	EntrySignature string `json:"entry_signature,omitempty"`
}

// ErrReceiptNotFound means no decision entry matched the lookup.
var ErrReceiptNotFound = errors.New("no matching decision entry")

// ExtractReceipt walks the verified ledger and returns the receipt for the
// decision entry with the given request id.
func ExtractReceipt(ctx context.Context, l Ledger, publicKey ed25519.PublicKey, requestID string) (*Receipt, error) {
	return extractReceipt(ctx, l, publicKey, func(entry Entry) bool {
		return entry[FieldRequestID] == requestID
	})
}

// ExtractReceiptByDecisionHash is ExtractReceipt keyed on the decision hash
// instead of the request id.
func ExtractReceiptByDecisionHash(ctx context.Context, l Ledger, publicKey ed25519.PublicKey, decisionHash string) (*Receipt, error) {
	return extractReceipt(ctx, l, publicKey, func(entry Entry) bool {
		decision, ok := entry[FieldDecision].(map[string]any)
		return ok && decision["decision_hash"] == decisionHash
	})
}

func extractReceipt(ctx context.Context, l Ledger, publicKey ed25519.PublicKey, match func(Entry) bool) (*Receipt, error) {
	var receipt *Receipt
	err := l.IterVerified(ctx, publicKey, func(position int, entry Entry) error {
		if receipt != nil {
			return nil
		}
		if entry[FieldEvent] != EventDecision || !match(entry) {
			return nil
		}
		r, err := receiptFromEntry(position, entry)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ErrReceiptNotFound
	}
	return receipt, nil
}

func receiptFromEntry(position int, entry Entry) (*Receipt, error) {
	decision, ok := entry[FieldDecision].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decision block missing at position %d", position)
	}
	r := &Receipt{
		LedgerPosition: position,
		SchemaVersion:  stringOr(entry[FieldSchemaVersion]),
		LedgerVersion:  stringOr(entry[FieldLedgerVersion]),
		RequestID:      stringOr(entry[FieldRequestID]),
		CreatedAt:      stringOr(entry[FieldCreatedAt]),
		PolicyID:       stringOr(decision["policy_id"]),
		PolicyHash:     stringOr(decision["policy_hash"]),
		DecisionHash:   stringOr(decision["decision_hash"]),
		EntryHash:      stringOr(entry[FieldEntryHash]),
		EntrySignature: stringOr(entry[FieldEntrySignature]),
	}
	return r, nil
}

func stringOr(v any) string {
	s, _ := v.(string)
	return s
}
