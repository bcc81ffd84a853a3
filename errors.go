package mls

import "fmt"

// Kind classifies an Error by the failure domain that produced it, per
// the error handling design: callers branch on Kind, not on message text.
type Kind int

const (
	// KindMalformed indicates a codec/parse failure or unexpected field.
	KindMalformed Kind = iota + 1
	// KindUnsupported indicates an unknown cipher suite, protocol
	// version, or proposal type.
	KindUnsupported
	// KindAuthentication indicates a signature, membership tag, or
	// confirmation tag failed to verify.
	KindAuthentication
	// KindValidation indicates a structural/protocol invariant was
	// violated (lifetime, duplicate identity, ordering, ...).
	KindValidation
	// KindCrypto wraps an error surfaced by the cipher-suite capability.
	KindCrypto
	// KindStorage wraps an error surfaced by a storage capability.
	KindStorage
	// KindStateMismatch indicates an epoch mismatch or a self-sent
	// message received back from the transport.
	KindStateMismatch
	// KindPendingReInit indicates the group is terminal and must migrate.
	KindPendingReInit
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnsupported:
		return "unsupported"
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindCrypto:
		return "crypto"
	case KindStorage:
		return "storage"
	case KindStateMismatch:
		return "state mismatch"
	case KindPendingReInit:
		return "pending reinit"
	default:
		return "unknown"
	}
}

// Error is the single structured error type the engine surfaces to
// callers. It never mutates group state and is always safe to retry
// against, except KindPendingReInit which is terminal for the group.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mls: %s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("mls: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind (and, when
// target has a non-empty Message, the same Message), so callers can
// write errors.Is(err, mls.ErrStateMismatch) style sentinels.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	if other.Message != "" {
		return e.Kind == other.Kind && e.Message == other.Message
	}
	return e.Kind == other.Kind
}

func newErr(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

func wrapErr(kind Kind, op, msg string, cause error) error {
	return &Error{Kind: kind, Op: op, Message: msg, Cause: cause}
}

// Sentinel errors usable with errors.Is for the caller-visible terminal
// conditions named in spec.md §7.
var (
	ErrStateMismatch = &Error{Kind: KindStateMismatch}
	ErrPendingReInit = &Error{Kind: KindPendingReInit}
)
