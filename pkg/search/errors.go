package search

import "errors"

// Sentinel errors returned (wrapped) by search providers.
var (
	ErrNotFound           = errors.New("index not found")
	ErrInvalidMapping     = errors.New("invalid index mapping")
	ErrBackendUnavailable = errors.New("search backend unavailable")
	ErrIndexingFailed     = errors.New("failed to index document")
	ErrTransport          = errors.New("search transport failure")
)

// Error is a search provider error carrying the operation that failed.
type Error struct {
	Op  string // Operation that failed, e.g. "Bulk", "CreateIndex".
	Err error  // Underlying error.
	Msg string // Optional context.
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Op + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a transport-level failure, meaning the
// request itself did not complete, as opposed to a per-document rejection.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrBackendUnavailable)
}
