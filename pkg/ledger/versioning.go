package ledger

import (
	"github.com/Masterminds/semver/v3"
)

// Current entry format versions. Both are written into every entry; changing
// either is a breaking ledger-format change gated by golden vectors.
const (
	SchemaVersion = "2.0"
	LedgerVersion = "2.0"
)

var (
	currentSchema = semver.MustParse(SchemaVersion)
	currentLedger = semver.MustParse(LedgerVersion)
)

// schemaVersionSupported reports whether a stored schema_version can be read
// by this build: same major, no newer than what we write.
func schemaVersionSupported(v string) bool {
	return versionWithin(v, currentSchema)
}

// ledgerVersionSupported is the ledger_version counterpart of
// schemaVersionSupported.
func ledgerVersionSupported(v string) bool {
	return versionWithin(v, currentLedger)
}

func versionWithin(v string, current *semver.Version) bool {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	if parsed.Major() != current.Major() {
		return false
	}
	return !parsed.GreaterThan(current)
}
