package settlement

import (
	"fmt"
	"math/big"

	"tallychain/crypto"
)

// Authorizer decides whether an acting identity holds a valid capability over
// the identity a request mutates. It abstracts the concrete credential scheme
// (recovered signature, bearer token, static allow-list) away from the engine.
type Authorizer interface {
	Verify(acting, required [20]byte) error
}

// ValueTransfer atomically moves custodial balance alongside a state
// transition: deposits pull member funds into custody, release settlements pay
// the counterparty out of custody.
type ValueTransfer interface {
	Collect(member [20]byte, amount *big.Int) error
	Disburse(to [20]byte, amount *big.Int) error
}

// SelfAuthorizer grants a capability only when the acting identity is the
// identity being acted on. Transports that already authenticate callers (for
// example a bearer token bound to an address) compose with it directly.
type SelfAuthorizer struct{}

func (SelfAuthorizer) Verify(acting, required [20]byte) error {
	if acting != required {
		return fmt.Errorf("%w: %s acting for %s", ErrUnauthorized,
			crypto.NewAddress(crypto.MemberPrefix, acting[:]).String(),
			crypto.NewAddress(crypto.MemberPrefix, required[:]).String())
	}
	return nil
}
