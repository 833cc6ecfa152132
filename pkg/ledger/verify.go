package ledger

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/sudogate/pkg/canonical"
	"github.com/Mindburn-Labs/sudogate/pkg/signing"
)

// FailureKind classifies why verification rejected an entry.
type FailureKind string

const (
	KindChainBreak    FailureKind = "chain-break"
	KindTamper        FailureKind = "tamper"
	KindVersion       FailureKind = "version"
	KindOrphanOutcome FailureKind = "orphan-outcome"
	KindBoundMismatch FailureKind = "bound-mismatch"
	KindSignature     FailureKind = "signature"
	KindCanonicalForm FailureKind = "canonical-form"
)

// Failure pinpoints the first entry that failed verification.
type Failure struct {
	Position int         `json:"position"`
	Kind     FailureKind `json:"kind"`
	Detail   string      `json:"detail,omitempty"`
}

// Report is the result of verifying a whole ledger.
type Report struct {
	OK                bool     `json:"ok"`
	Entries           int      `json:"entries"`
	FirstFailure      *Failure `json:"first_failure,omitempty"`
	SignaturesChecked int      `json:"signatures_checked"`
}

// FailureError surfaces a chain Failure through the streaming interface.
type FailureError struct {
	Failure Failure
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("ledger entry %d: %s (%s)", e.Failure.Position, e.Failure.Kind, e.Failure.Detail)
}

// AsFailure extracts the Failure from an IterVerified error, if any.
func AsFailure(err error) (*Failure, bool) {
	var fe *FailureError
	if errors.As(err, &fe) {
		return &fe.Failure, true
	}
	return nil, false
}

// parsedEntry is one already-parsed entry plus backend-specific evidence:
// the stored raw bytes for file lines, and the denormalized hash columns for
// relational rows.
type parsedEntry struct {
	entry        Entry
	raw          []byte
	rowEntryHash string
	rowPrevHash  any
	hasRowHashes bool
}

// chainVerifier holds the running hash-chain state. check validates one
// entry against that state and advances it.
type chainVerifier struct {
	publicKey         ed25519.PublicKey
	prev              any
	seenDecisions     map[string]string
	position          int
	signaturesChecked int
}

func newChainVerifier(publicKey ed25519.PublicKey) *chainVerifier {
	return &chainVerifier{
		publicKey:     publicKey,
		seenDecisions: make(map[string]string),
	}
}

func (v *chainVerifier) fail(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Position: v.position, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (v *chainVerifier) check(p parsedEntry) *Failure {
	entry := p.entry

	if p.raw != nil {
		encoded, err := canonical.Encode(entry)
		if err != nil {
			return v.fail(KindCanonicalForm, "entry does not canonicalize: %s", err)
		}
		if !bytes.Equal(encoded, p.raw) {
			return v.fail(KindCanonicalForm, "stored bytes are not canonical")
		}
	}

	prevHash, present := entry[FieldPrevEntryHash]
	if !present {
		return v.fail(KindChainBreak, "prev_entry_hash missing")
	}
	if prevHash != nil {
		if _, ok := prevHash.(string); !ok {
			return v.fail(KindChainBreak, "prev_entry_hash is not a string")
		}
	}
	if prevHash != v.prev {
		return v.fail(KindChainBreak, "prev_entry_hash does not match prior entry")
	}

	schemaVersion, ok := entry[FieldSchemaVersion].(string)
	if !ok || !schemaVersionSupported(schemaVersion) {
		return v.fail(KindVersion, "unsupported schema_version %v", entry[FieldSchemaVersion])
	}
	ledgerVersion, ok := entry[FieldLedgerVersion].(string)
	if !ok || !ledgerVersionSupported(ledgerVersion) {
		return v.fail(KindVersion, "unsupported ledger_version %v", entry[FieldLedgerVersion])
	}

	entryHash, ok := entry[FieldEntryHash].(string)
	if !ok {
		return v.fail(KindTamper, "entry_hash missing")
	}
	recomputed, err := recomputeEntryHash(entry)
	if err != nil {
		return v.fail(KindCanonicalForm, "entry does not canonicalize: %s", err)
	}
	if recomputed != entryHash {
		return v.fail(KindTamper, "entry_hash does not match canonical content")
	}

	if p.hasRowHashes {
		if p.rowEntryHash != entryHash {
			return v.fail(KindTamper, "entry_hash column does not match body")
		}
		if p.rowPrevHash != prevHash {
			return v.fail(KindTamper, "prev_entry_hash column does not match body")
		}
	}

	if v.publicKey != nil {
		sig, ok := entry[FieldEntrySignature].(string)
		if !ok {
			return v.fail(KindSignature, "entry_signature missing")
		}
		if !signing.VerifyEntryHash(v.publicKey, entryHash, sig) {
			return v.fail(KindSignature, "entry_signature invalid")
		}
		v.signaturesChecked++
	}

	if failure := v.checkEvent(entry); failure != nil {
		return failure
	}

	v.prev = entryHash
	v.position++
	return nil
}

func (v *chainVerifier) checkEvent(entry Entry) *Failure {
	event, ok := entry[FieldEvent].(string)
	if !ok || (event != EventDecision && event != EventOutcome) {
		return v.fail(KindCanonicalForm, "event type invalid")
	}
	requestID, ok := entry[FieldRequestID].(string)
	if !ok || requestID == "" {
		return v.fail(KindCanonicalForm, "request_id missing")
	}
	decisionBlock, ok := entry[FieldDecision].(map[string]any)
	if !ok {
		return v.fail(KindCanonicalForm, "decision block missing")
	}
	decisionHash, ok := decisionBlock["decision_hash"].(string)
	if !ok || decisionHash == "" {
		return v.fail(KindCanonicalForm, "decision_hash missing")
	}

	switch event {
	case EventDecision:
		if failure := v.checkDecisionHash(entry, decisionBlock, requestID, decisionHash); failure != nil {
			return failure
		}
		if _, dup := v.seenDecisions[decisionHash]; dup {
			return v.fail(KindBoundMismatch, "duplicate decision_hash")
		}
		v.seenDecisions[decisionHash] = requestID
	case EventOutcome:
		boundRequestID, known := v.seenDecisions[decisionHash]
		if !known {
			return v.fail(KindOrphanOutcome, "outcome references unknown decision_hash")
		}
		if boundRequestID != requestID {
			return v.fail(KindBoundMismatch, "outcome request_id does not match decision")
		}
	}
	return nil
}

// checkDecisionHash re-derives the decision hash from the entry's own fields
// so a mutated decision payload is caught even though entry_hash was
// recomputed over the mutated content.
func (v *chainVerifier) checkDecisionHash(entry Entry, decisionBlock map[string]any, requestID, decisionHash string) *Failure {
	createdAt, ok := entry[FieldCreatedAt].(string)
	if !ok {
		return v.fail(KindCanonicalForm, "created_at missing")
	}
	action, ok := entry[FieldAction].(string)
	if !ok {
		return v.fail(KindCanonicalForm, "action missing")
	}
	agentID, ok := entry[FieldAgentID].(string)
	if !ok {
		return v.fail(KindCanonicalForm, "agent_id missing")
	}
	policyHash, ok := decisionBlock["policy_hash"].(string)
	if !ok {
		return v.fail(KindCanonicalForm, "policy_hash missing")
	}
	parameters, ok := entry[FieldParameters].(map[string]any)
	if !ok {
		return v.fail(KindCanonicalForm, "parameters missing")
	}
	recomputed, err := DecisionHash(requestID, createdAt, policyHash, action, parameters, agentID)
	if err != nil {
		return v.fail(KindCanonicalForm, "decision payload does not canonicalize: %s", err)
	}
	if recomputed != decisionHash {
		return v.fail(KindTamper, "decision_hash does not match decision payload")
	}
	return nil
}

func (v *chainVerifier) report(failure *Failure) *Report {
	return &Report{
		OK:                failure == nil,
		Entries:           v.position,
		FirstFailure:      failure,
		SignaturesChecked: v.signaturesChecked,
	}
}

// entryStream feeds parsed entries to a callback in ledger order.
type entryStream func(yield func(parsedEntry) error) error

func runVerify(stream entryStream, publicKey ed25519.PublicKey) (*Report, error) {
	verifier := newChainVerifier(publicKey)
	var firstFailure *Failure
	err := stream(func(p parsedEntry) error {
		if failure := verifier.check(p); failure != nil {
			firstFailure = failure
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		// Streams report structural problems (torn trailing lines, empty
		// lines) as failures at their own position.
		if failure, ok := AsFailure(err); ok {
			failure.Position = verifier.position
			return verifier.report(failure), nil
		}
		return nil, err
	}
	return verifier.report(firstFailure), nil
}

func runIterVerified(stream entryStream, publicKey ed25519.PublicKey, fn func(position int, entry Entry) error) error {
	verifier := newChainVerifier(publicKey)
	return stream(func(p parsedEntry) error {
		position := verifier.position
		if failure := verifier.check(p); failure != nil {
			return &FailureError{Failure: *failure}
		}
		return fn(position, p.entry)
	})
}

var errStopIteration = errors.New("stop iteration")
