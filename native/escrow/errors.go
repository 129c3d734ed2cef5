package escrow

import "errors"

// Every rejected operation wraps exactly one of these sentinels. A rejected
// operation leaves the escrow untouched.
var (
	// ErrInvalidState is returned when the operation is not valid for the
	// escrow's current status.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrUnauthorized is returned when the caller is not allowed to perform
	// the operation.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrWindowViolation is returned when the operation is attempted too
	// early or too late relative to a timing window.
	ErrWindowViolation = errors.New("escrow: timing window violation")
	// ErrInvalidPayment is returned when the attached payment does not match
	// the required arbitration cost.
	ErrInvalidPayment = errors.New("escrow: invalid payment")
	// ErrInvalidRuling is returned for rulings outside the offered options.
	ErrInvalidRuling = errors.New("escrow: invalid ruling")
	// ErrInvalidParams is returned by constructors for malformed input.
	ErrInvalidParams = errors.New("escrow: invalid parameters")
	// ErrNotFound is returned by the registry and store for unknown IDs.
	ErrNotFound = errors.New("escrow: not found")
	// ErrPersist is returned when a change could not be recorded durably. The
	// escrow is left as it was.
	ErrPersist = errors.New("escrow: persist failed")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrInvalidState, "invalid_state"},
	{ErrUnauthorized, "unauthorized"},
	{ErrWindowViolation, "window_violation"},
	{ErrInvalidPayment, "invalid_payment"},
	{ErrInvalidRuling, "invalid_ruling"},
	{ErrInvalidParams, "invalid_params"},
	{ErrNotFound, "not_found"},
	{ErrPersist, "persist_failed"},
}

// Reason returns a stable snake_case label for the sentinel wrapped by err, or
// "error" when err wraps none of them. It returns "" for a nil error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range reasons {
		if errors.Is(err, entry.err) {
			return entry.reason
		}
	}
	return "error"
}
