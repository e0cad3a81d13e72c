package flu

import (
	"errors"
	"fmt"
)

// Canonical protocol outcomes. These are routine control flow, not
// exceptional conditions — clients act on them directly (retry with a new
// epoch, advance past a trimmed slot, and so on).
var (
	ErrBadEpoch    = errors.New("flu: client epoch below min_epoch")
	ErrOverwritten = errors.New("flu: page already written")
	ErrUnwritten   = errors.New("flu: page has not been written")
	ErrTrimmed     = errors.New("flu: page has been trimmed")

	// ErrClosed is returned by any operation submitted after Stop.
	ErrClosed = errors.New("flu: instance is stopped")
)

// BadRequestError reports a precondition violation by the caller — a
// malformed request that never reaches the page state machine and never
// advances any state. It is deliberately distinct from the four canonical
// protocol errors above.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return "flu: bad request: " + e.Reason }

func badRequest(format string, args ...any) error {
	return &BadRequestError{Reason: fmt.Sprintf(format, args...)}
}

// IsBadRequest reports whether err is (or wraps) a BadRequestError.
func IsBadRequest(err error) bool {
	var br *BadRequestError
	return errors.As(err, &br)
}
