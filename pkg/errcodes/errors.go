package errcodes

import "fmt"

// Kind classifies an error across component boundaries. Components map their
// internal failures onto one of these kinds before returning them.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindUnsupported   Kind = "unsupported"
	KindCorrupted     Kind = "corrupted"
	KindAlreadyExists Kind = "already_exists"
	KindTransient     Kind = "transient"
	KindPermanent     Kind = "permanent"
	KindConflict      Kind = "conflict"
	KindCancelled     Kind = "cancelled"
)

type Error struct {
	Kind    Kind
	Message string
}

func (err *Error) Error() string {
	return err.Message
}

func (err *Error) As(target interface{}) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	te.Kind = err.Kind
	te.Message = err.Message
	return true
}

func (err *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Kind == err.Kind && te.Message == err.Message
}

// NotFound returns an error indicating the given resource is absent.
func NotFound(resource string) error {
	return &Error{KindNotFound, resource + " not found."}
}

// Unsupported returns an error for a format or extension outside the allowed
// set.
func Unsupported(what string) error {
	return &Error{KindUnsupported, fmt.Sprintf("Unsupported format: %s", what)}
}

// Corrupted returns an error for a structurally invalid input that aborted a
// probe or parse.
func Corrupted(what string) error {
	return &Error{KindCorrupted, fmt.Sprintf("Corrupted input: %s", what)}
}

// AlreadyExists returns an error for an idempotence violation without an
// override.
func AlreadyExists(resource string) error {
	return &Error{KindAlreadyExists, resource + " already exists."}
}

// Transient returns an error for a retryable network or disk condition.
func Transient(msg string) error {
	return &Error{KindTransient, msg}
}

// Permanent returns an error for an unretryable protocol or semantic failure.
func Permanent(msg string) error {
	return &Error{KindPermanent, msg}
}

// Conflict returns an error for a sync conflict requiring resolution.
func Conflict(msg string) error {
	return &Error{KindConflict, msg}
}

// Cancelled returns an error for an operation cancelled by its caller.
func Cancelled(op string) error {
	return &Error{KindCancelled, op + " cancelled."}
}

// MissingField returns an error for a required structural field absent from a
// parsed document.
func MissingField(name string) error {
	return &Error{KindCorrupted, fmt.Sprintf("Missing required field %q", name)}
}

// HasKind reports whether err (or anything it wraps) carries the given kind.
func HasKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
