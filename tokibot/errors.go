package tokibot

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Every failure returned by the confession board, the sanction
// ledger and the rate limiter matches exactly one of these via errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrPermission  = errors.New("permission denied")
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence error")
	ErrDelivery    = errors.New("platform delivery error")

	// ErrBanned and ErrRateLimited are permission-class refusals, kept
	// separate so callers can word their replies differently.
	ErrBanned      = errors.New("banned from confessions")
	ErrRateLimited = errors.New("rate limited")
)

const genericFailureMessage = "Une erreur est survenue, réessaie plus tard."

// Error is a typed operation outcome. Message is safe to show to the
// Discord user, Err is the underlying cause and is only ever logged.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationError(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func permissionError(format string, args ...any) error {
	return &Error{Kind: ErrPermission, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func persistenceError(path string, err error) error {
	return &Error{
		Kind:    ErrPersistence,
		Message: genericFailureMessage,
		Err:     fmt.Errorf("%s: %w", path, err),
	}
}

func deliveryError(op string, err error) error {
	return &Error{
		Kind:    ErrDelivery,
		Message: genericFailureMessage,
		Err:     fmt.Errorf("%s: %w", op, err),
	}
}

var errBannedFromConfessions = &Error{
	Kind:    ErrBanned,
	Message: "🚫 Tu es banni du système de confessions.",
}

// RateLimitError is returned when a user has used up their quota for the
// current window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// UserMessage returns the text to show a Discord user for the given error.
// Validation, permission and not-found outcomes carry their own message,
// persistence and delivery failures collapse to a generic retry message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return fmt.Sprintf(
			"⏳ Limite atteinte, réessaie dans %s.",
			rl.RetryAfter.Round(time.Second),
		)
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case ErrPersistence, ErrDelivery:
			return genericFailureMessage
		default:
			return e.Message
		}
	}
	return genericFailureMessage
}

// isExpectedError reports whether err is an ordinary refusal (bad input,
// wrong actor, unknown id, ban, rate limit), which is answered to the user
// without being logged as a failure.
func isExpectedError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPermission) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrBanned) ||
		errors.Is(err, ErrRateLimited)
}
