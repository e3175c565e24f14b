package editions

import (
	"errors"

	pkgerrors "github.com/angelmondragon/edition-ledger/pkg/errors"
)

var (
	// ErrLockTimeout is returned when the per-product lock could not be taken in time.
	ErrLockTimeout = errors.New("product lock wait exceeded")
	// ErrLockLost is the cause of a lease context whose product lock expired or was taken over.
	ErrLockLost = errors.New("product lock lost")
	// ErrInvariantViolation is returned when a pass would commit, or has committed, a broken sequence.
	ErrInvariantViolation = errors.New("edition invariant violated")
	// ErrPassExhausted is returned when a product's retry budget ran out.
	ErrPassExhausted = errors.New("resequencing attempts exhausted")
	// ErrClosed is returned by a coordinator that no longer accepts work.
	ErrClosed = errors.New("coordinator closed")
)

func lockTimeoutError(productID string, cause error) error {
	return pkgerrors.Wrap(pkgerrors.CodeLockTimeout, errors.Join(ErrLockTimeout, cause), "product "+productID+" is busy")
}

func lockLostError(productID string, cause error) error {
	return pkgerrors.Wrap(pkgerrors.CodeLockTimeout, errors.Join(ErrLockLost, cause), "product "+productID+" lock lost mid-pass")
}

func invariantError(productID string, violations []Violation) error {
	return pkgerrors.Wrap(pkgerrors.CodeInvariant, ErrInvariantViolation, "product "+productID+" sequence is inconsistent").
		WithDetails(violations)
}
