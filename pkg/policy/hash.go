package policy

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/sudogate/pkg/canonical"
)

// Hash derives the policy hash recorded in every decision. A policy that
// pins its hash explicitly wins; otherwise the hash is the canonical digest
// of the policy's identity composition, so a renamed, re-versioned, or
// re-sourced policy produces a distinct hash.
func Hash(p Policy) (string, error) {
	if hashed, ok := p.(Hashed); ok {
		if h := strings.TrimSpace(hashed.PolicyHash()); h != "" {
			return h, nil
		}
	}

	var version any
	if versioned, ok := p.(Versioned); ok {
		version = versioned.PolicyVersion()
	}
	var sourceHash any
	if sourced, ok := p.(SourceHashed); ok {
		sourceHash = sourced.PolicySourceHash()
	}

	h, err := canonical.Hash(map[string]any{
		"policy_id":          ID(p),
		"policy_version":     version,
		"policy_class":       className(p),
		"policy_source_hash": sourceHash,
	})
	if err != nil {
		return "", fmt.Errorf("hash policy identity: %w", err)
	}
	return h, nil
}

func className(p Policy) string {
	return fmt.Sprintf("%T", p)
}
