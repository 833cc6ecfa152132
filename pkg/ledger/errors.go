package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

// WriteError reports a failed append. Messages are sanitized so ledger
// errors never leak filesystem paths into audit trails or API responses.
type WriteError struct {
	msg string
	err error
}

func (e *WriteError) Error() string { return "ledger write failed: " + e.msg }
func (e *WriteError) Unwrap() error { return e.err }

func newWriteError(err error) *WriteError {
	return &WriteError{msg: sanitizeError(err), err: err}
}

func writeErrorf(format string, args ...any) *WriteError {
	return &WriteError{msg: fmt.Sprintf(format, args...)}
}

// VerificationError reports a structural problem that prevented verification
// from running at all (I/O failure, unreadable storage). Chain failures are
// reported in the Report instead.
type VerificationError struct {
	msg string
	err error
}

func (e *VerificationError) Error() string { return "ledger verification failed: " + e.msg }
func (e *VerificationError) Unwrap() error { return e.err }

func newVerificationError(err error) *VerificationError {
	return &VerificationError{msg: sanitizeError(err), err: err}
}

// sanitizeError strips filesystem paths from OS-level errors.
func sanitizeError(err error) string {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		var errno syscall.Errno
		if errors.As(pathErr.Err, &errno) {
			return fmt.Sprintf("%s: errno=%d %s", pathErr.Op, int(errno), errno.Error())
		}
		return fmt.Sprintf("%s: %s", pathErr.Op, pathErr.Err)
	}
	msg := err.Error()
	// Last resort: drop anything that looks like an absolute path token.
	if strings.ContainsRune(msg, '/') {
		fields := strings.Fields(msg)
		kept := fields[:0]
		for _, f := range fields {
			if !strings.HasPrefix(strings.Trim(f, `"':`), "/") {
				kept = append(kept, f)
			}
		}
		msg = strings.Join(kept, " ")
	}
	return msg
}
