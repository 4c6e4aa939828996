package nest

import (
	"errors"
	"fmt"
)

// Kind classifies the errors a caller of the database facade must be
// prepared to handle. See spec §7 for the full propagation contract.
type Kind int

const (
	// KindServiceUnavailable is transient: a commit is already in flight
	// for the key, or the repository is not yet open. Callers retry.
	KindServiceUnavailable Kind = iota
	// KindUnauthorized means an authorizer rejected the operation.
	KindUnauthorized
	// KindVerificationFailed means a commit's signature or trust chain
	// did not check out; the commit is discarded, never persisted.
	KindVerificationFailed
	// KindUpgradeImpossible means a schema upgrade path is missing an
	// intermediate version; the item stays at its current version.
	KindUpgradeImpossible
	// KindCorruptedCommit marks a delta commit whose checksum didn't
	// match after patching; it is excluded from head selection, never
	// surfaced to callers directly.
	KindCorruptedCommit
	// KindTimeout means a network sync operation exceeded its deadline.
	KindTimeout
	// KindInvalidPath is a constructor-time, fatal path validation error.
	KindInvalidPath
)

func (k Kind) String() string {
	switch k {
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindUnauthorized:
		return "unauthorized"
	case KindVerificationFailed:
		return "verification_failed"
	case KindUpgradeImpossible:
		return "upgrade_impossible"
	case KindCorruptedCommit:
		return "corrupted_commit"
	case KindTimeout:
		return "timeout"
	case KindInvalidPath:
		return "invalid_path"
	default:
		return "unknown"
	}
}

// Error is the single error type the facade returns; every error kind in
// spec §7 is a Kind value rather than a distinct Go type, so callers can
// branch with errors.Is against the package-level sentinels below instead
// of type-asserting.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nest: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("nest: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's Kind, so that
// errors.Is(err, nest.ErrUnauthorized) works through any number of %w
// wraps.
func (e *Error) Is(target error) bool {
	var sentinel *Error
	if errors.As(target, &sentinel) {
		return sentinel.Kind == e.Kind
	}
	return false
}

func newErr(op string, kind Kind, cause error) error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// Sentinels for errors.Is comparisons. Each carries no Op/Err so it
// matches any *Error of the same Kind via Error.Is above.
var (
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrVerificationFailed = &Error{Kind: KindVerificationFailed}
	ErrUpgradeImpossible  = &Error{Kind: KindUpgradeImpossible}
	ErrCorruptedCommit    = &Error{Kind: KindCorruptedCommit}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrInvalidPath        = &Error{Kind: KindInvalidPath}
)
