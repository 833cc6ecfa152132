package ledger

import (
	"fmt"

	"github.com/Mindburn-Labs/sudogate/pkg/canonical"
)

// prepareEntry is the single source of truth for chain hashing. It returns a
// deep copy of entry with prev_entry_hash set and entry_hash computed over
// the canonical form in which both entry_hash and entry_signature are null.
// prevHash is nil for the first entry.
func prepareEntry(entry Entry, prevHash any) (Entry, string, error) {
	candidate, ok := deepCopyValue(entry).(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("entry is not an object")
	}
	candidate[FieldPrevEntryHash] = prevHash
	candidate[FieldEntryHash] = nil
	candidate[FieldEntrySignature] = nil

	entryHash, err := canonical.Hash(candidate)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize entry: %w", err)
	}
	candidate[FieldEntryHash] = entryHash
	delete(candidate, FieldEntrySignature)
	return candidate, entryHash, nil
}

// recomputeEntryHash re-derives an entry's hash under the same neutralized
// form used at append time.
func recomputeEntryHash(entry Entry) (string, error) {
	candidate, ok := deepCopyValue(entry).(map[string]any)
	if !ok {
		return "", fmt.Errorf("entry is not an object")
	}
	candidate[FieldEntryHash] = nil
	candidate[FieldEntrySignature] = nil
	return canonical.Hash(candidate)
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		// Scalars (and time.Time, json.Number) are immutable by convention.
		return v
	}
}
