package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"tallychain/core/types"
	"tallychain/crypto"
)

const (
	TypeActionDispatched = "action.dispatched"
	TypeRangeOpened      = "range.opened"
	TypeActionSettled    = "action.settled"
)

// ActionDispatched fires when a request handler appends a new action to the
// journal.
type ActionDispatched struct {
	Seq      uint64
	Kind     types.Kind
	Identity [20]byte
	Digest   [32]byte
}

func (ActionDispatched) EventType() string { return TypeActionDispatched }

func (e ActionDispatched) Event() *types.Event {
	return &types.Event{
		Type: TypeActionDispatched,
		Attributes: map[string]string{
			"seq":      uintToString(e.Seq),
			"kind":     e.Kind.String(),
			"identity": crypto.NewAddress(crypto.MemberPrefix, e.Identity[:]).String(),
			"digest":   hex.EncodeToString(e.Digest[:]),
		},
	}
}

// RangeOpened fires when the operator freezes a new batch for settlement.
type RangeOpened struct {
	StartSeq     uint64
	EndSeq       uint64
	PendingCount uint64
}

func (RangeOpened) EventType() string { return TypeRangeOpened }

func (e RangeOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeRangeOpened,
		Attributes: map[string]string{
			"startSeq": uintToString(e.StartSeq),
			"endSeq":   uintToString(e.EndSeq),
			"pending":  uintToString(e.PendingCount),
		},
	}
}

// ActionSettled fires after one queued action has been applied to the ledger.
type ActionSettled struct {
	Seq      uint64
	Kind     types.Kind
	Identity [20]byte
	Balance  *big.Int
	Root     [32]byte
	Turn     uint64
}

func (ActionSettled) EventType() string { return TypeActionSettled }

func (e ActionSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeActionSettled,
		Attributes: map[string]string{
			"seq":      uintToString(e.Seq),
			"kind":     e.Kind.String(),
			"identity": crypto.NewAddress(crypto.MemberPrefix, e.Identity[:]).String(),
			"balance":  formatAmount(e.Balance),
			"root":     hex.EncodeToString(e.Root[:]),
			"turn":     uintToString(e.Turn),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func uintToString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
