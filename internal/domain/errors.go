package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline. Callers classify failures with
// errors.Is against these; everything else is wrapped storage trouble.
var (
	// ErrValidation marks bad input shape or size. Never retried.
	ErrValidation = errors.New("medvault: validation failed")

	// ErrEmptyContent marks a record whose text is empty after
	// normalization. The caller decides whether to skip or abort.
	ErrEmptyContent = errors.New("medvault: empty record content")

	// ErrModelUnavailable marks an unreachable embedding backend.
	// Retried with backoff at the orchestrator.
	ErrModelUnavailable = errors.New("medvault: embedding backend unavailable")

	// ErrIndexExists marks a CreateIndex on a name already in use
	// without the overwrite flag.
	ErrIndexExists = errors.New("medvault: index already exists")

	// ErrIndexNotReady marks a search against an index with an
	// incomplete train step. The caller should retry later.
	ErrIndexNotReady = errors.New("medvault: index not ready")

	// ErrDimensionMismatch marks a vector whose length differs from the
	// index dimension. Fatal for the batch, not the process.
	ErrDimensionMismatch = errors.New("medvault: vector dimension mismatch")

	// ErrStorage marks a backend failure during create, upsert or search.
	ErrStorage = errors.New("medvault: storage failure")
)

// Error attaches operation context to a sentinel, keeping the structured
// kind+message contract at component boundaries. The message never carries
// clinical text, only identifiers, lengths and hashes.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("medvault.%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WrapError wraps err with operation context. Nil in, nil out.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// ErrorKind returns the taxonomy name for err, or "internal" when the
// error is outside the taxonomy.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrEmptyContent):
		return "empty_content"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, ErrIndexExists):
		return "index_exists"
	case errors.Is(err, ErrIndexNotReady):
		return "index_not_ready"
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}
