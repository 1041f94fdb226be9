package types

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Kind discriminates which request handler produced an action. It is carried
// on every queued record and checked again at settlement time so an operator
// cannot apply a queued action through the wrong settlement path.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSignUp
	KindDeposit
	KindRelease
)

// String returns the wire-stable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSignUp:
		return "sign-up"
	case KindDeposit:
		return "deposit"
	case KindRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Valid reports whether the kind is one of the supported action kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSignUp, KindDeposit, KindRelease:
		return true
	default:
		return false
	}
}

// AccountRecord is the leaf payload describing one member's state. The same
// structure is queued in the action journal (where Origin marks the producing
// request handler) and committed to the ledger (where it is reduced to a
// keccak256 hash stored at the member's key).
//
// Balance is the committed balance. PendingDeposit carries the delta of a
// queued deposit; PendingRelease and Counterparty carry a queued release. All
// three are zeroed again on the committed record.
type AccountRecord struct {
	Identity       [20]byte
	Balance        *big.Int
	PendingDeposit *big.Int
	PendingRelease *big.Int
	Counterparty   [20]byte
	Origin         Kind
}

// Normalize fills nil amounts with zero so records hash deterministically and
// rejects values a committed record can never hold.
func (r *AccountRecord) Normalize() error {
	if r == nil {
		return fmt.Errorf("types: nil account record")
	}
	if r.Balance == nil {
		r.Balance = big.NewInt(0)
	}
	if r.PendingDeposit == nil {
		r.PendingDeposit = big.NewInt(0)
	}
	if r.PendingRelease == nil {
		r.PendingRelease = big.NewInt(0)
	}
	if r.Balance.Sign() < 0 {
		return fmt.Errorf("types: negative balance")
	}
	if r.PendingDeposit.Sign() < 0 {
		return fmt.Errorf("types: negative pending deposit")
	}
	if r.PendingRelease.Sign() < 0 {
		return fmt.Errorf("types: negative pending release")
	}
	if _, overflow := uint256.FromBig(r.Balance); overflow {
		return fmt.Errorf("types: balance overflow")
	}
	if _, overflow := uint256.FromBig(r.PendingDeposit); overflow {
		return fmt.Errorf("types: pending deposit overflow")
	}
	if _, overflow := uint256.FromBig(r.PendingRelease); overflow {
		return fmt.Errorf("types: pending release overflow")
	}
	return nil
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (r *AccountRecord) Clone() *AccountRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Balance != nil {
		clone.Balance = new(big.Int).Set(r.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	if r.PendingDeposit != nil {
		clone.PendingDeposit = new(big.Int).Set(r.PendingDeposit)
	} else {
		clone.PendingDeposit = big.NewInt(0)
	}
	if r.PendingRelease != nil {
		clone.PendingRelease = new(big.Int).Set(r.PendingRelease)
	} else {
		clone.PendingRelease = big.NewInt(0)
	}
	return &clone
}

// Equal reports whether two records carry identical committed state.
func (r *AccountRecord) Equal(other *AccountRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.Identity == other.Identity &&
		r.Origin == other.Origin &&
		r.Counterparty == other.Counterparty &&
		bigEqual(r.Balance, other.Balance) &&
		bigEqual(r.PendingDeposit, other.PendingDeposit) &&
		bigEqual(r.PendingRelease, other.PendingRelease)
}

func bigEqual(a, b *big.Int) bool {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return a.Cmp(b) == 0
}

// Hash reduces the record to its deterministic commitment hash: the keccak256
// of the RLP encoding. The journal chains these hashes and the ledger stores
// them as leaf values.
func (r *AccountRecord) Hash() (common.Hash, error) {
	clone := r.Clone()
	if clone == nil {
		return common.Hash{}, fmt.Errorf("types: nil account record")
	}
	if err := clone.Normalize(); err != nil {
		return common.Hash{}, err
	}
	encoded, err := rlp.EncodeToBytes(clone)
	if err != nil {
		return common.Hash{}, fmt.Errorf("types: encode record: %w", err)
	}
	return ethcrypto.Keccak256Hash(encoded), nil
}

// Key derives the stable ledger key for the record's identity. Keys are
// assigned at request time from the identity alone, so the same member always
// lands on the same leaf.
func (r *AccountRecord) Key() common.Hash {
	return IdentityKey(r.Identity)
}

// IdentityKey maps a member identity to its ledger key.
func IdentityKey(identity [20]byte) common.Hash {
	return ethcrypto.Keccak256Hash(identity[:])
}

// ZeroIdentity reports whether the identity is the all-zero placeholder.
func ZeroIdentity(identity [20]byte) bool {
	return bytes.Equal(identity[:], make([]byte, 20))
}
