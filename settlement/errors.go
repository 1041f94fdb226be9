package settlement

import "errors"

var (
	// ErrUnauthorized is returned when the acting identity lacks a valid
	// capability over the identity being acted on.
	ErrUnauthorized = errors.New("settlement: caller not authorized for identity")
	// ErrDuplicateIdentity is returned when a sign-up targets an identity that
	// already appears in the journal or holds a committed leaf.
	ErrDuplicateIdentity = errors.New("settlement: identity already registered")
	// ErrKindMismatch is returned when a settlement handler is invoked while
	// the current turn's action was produced by a different request handler.
	ErrKindMismatch = errors.New("settlement: action kind does not match handler")
	// ErrIdentityMismatch is returned when the caller's claimed record is for
	// a different identity than the current turn's action.
	ErrIdentityMismatch = errors.New("settlement: claimed record targets wrong identity")
	// ErrStaleWitness is returned when a supplied proof does not reconstruct
	// the live ledger root.
	ErrStaleWitness = errors.New("settlement: witness does not prove live root")
	// ErrInsufficientFunds is returned when a release exceeds the committed
	// balance.
	ErrInsufficientFunds = errors.New("settlement: release exceeds committed balance")
	// ErrInvalidAmount is returned for zero or negative amounts, and for a
	// queued deposit or release whose carried amount is empty.
	ErrInvalidAmount = errors.New("settlement: invalid amount")
	// ErrRangeOpen is returned when opening a range while the current one
	// still has pending actions.
	ErrRangeOpen = errors.New("settlement: current range not fully drained")
	// ErrRangeDrained is returned when settlement is attempted with no action
	// left at the current turn.
	ErrRangeDrained = errors.New("settlement: no pending action at current turn")
	// ErrTransferFailed is returned when the custodial value transfer backing
	// a request or settlement could not be completed.
	ErrTransferFailed = errors.New("settlement: custodial transfer failed")
	// ErrStateDiverged is returned at startup when the persisted snapshot and
	// the ledger disagree about the committed root.
	ErrStateDiverged = errors.New("settlement: snapshot root diverges from ledger")
)
