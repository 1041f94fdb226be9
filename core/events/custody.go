package events

import (
	"math/big"

	"tallychain/core/types"
	"tallychain/crypto"
)

const (
	TypeCustodyCollected = "custody.collected"
	TypeCustodyDisbursed = "custody.disbursed"
)

// CustodyCollected fires when member funds move into the vault.
type CustodyCollected struct {
	Member [20]byte
	Amount *big.Int
}

func (CustodyCollected) EventType() string { return TypeCustodyCollected }

func (e CustodyCollected) Event() *types.Event {
	return &types.Event{
		Type: TypeCustodyCollected,
		Attributes: map[string]string{
			"member": crypto.NewAddress(crypto.MemberPrefix, e.Member[:]).String(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// CustodyDisbursed fires when vault funds pay out to a counterparty.
type CustodyDisbursed struct {
	Counterparty [20]byte
	Amount       *big.Int
}

func (CustodyDisbursed) EventType() string { return TypeCustodyDisbursed }

func (e CustodyDisbursed) Event() *types.Event {
	return &types.Event{
		Type: TypeCustodyDisbursed,
		Attributes: map[string]string{
			"counterparty": crypto.NewAddress(crypto.MemberPrefix, e.Counterparty[:]).String(),
			"amount":       formatAmount(e.Amount),
		},
	}
}
