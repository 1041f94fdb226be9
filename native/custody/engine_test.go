package custody

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"tallychain/core/events"
	"tallychain/core/types"
	"tallychain/storage"
)

func member(fill byte) [20]byte {
	var id [20]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

type captureEmitter struct {
	events []*types.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	if flat, ok := evt.(interface{ Event() *types.Event }); ok {
		c.events = append(c.events, flat.Event())
	}
}

func TestFundAccumulates(t *testing.T) {
	engine := NewEngine(storage.NewMemDB())
	alice := member(0x01)

	require.NoError(t, engine.Fund(alice, big.NewInt(100)))
	require.NoError(t, engine.Fund(alice, big.NewInt(50)))

	balance, err := engine.BalanceOf(alice)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(150), balance)
}

func TestCollectMovesCashIntoVault(t *testing.T) {
	engine := NewEngine(storage.NewMemDB())
	alice := member(0x01)
	require.NoError(t, engine.Fund(alice, big.NewInt(100)))

	require.NoError(t, engine.Collect(alice, big.NewInt(60)))

	balance, err := engine.BalanceOf(alice)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(40), balance)
	vault, err := engine.VaultBalance()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(60), vault)
}

func TestCollectRejectsOverdraft(t *testing.T) {
	engine := NewEngine(storage.NewMemDB())
	alice := member(0x01)
	require.NoError(t, engine.Fund(alice, big.NewInt(10)))

	err := engine.Collect(alice, big.NewInt(11))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// Nothing moved.
	balance, err := engine.BalanceOf(alice)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10), balance)
	vault, err := engine.VaultBalance()
	require.NoError(t, err)
	require.Equal(t, int64(0), vault.Int64())
}

func TestDisbursePaysCounterpartyFromVault(t *testing.T) {
	engine := NewEngine(storage.NewMemDB())
	alice := member(0x01)
	carol := member(0x0C)
	require.NoError(t, engine.Fund(alice, big.NewInt(100)))
	require.NoError(t, engine.Collect(alice, big.NewInt(100)))

	require.NoError(t, engine.Disburse(carol, big.NewInt(30)))

	payout, err := engine.BalanceOf(carol)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(30), payout)
	vault, err := engine.VaultBalance()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(70), vault)
}

func TestDisburseRejectsEmptyVault(t *testing.T) {
	engine := NewEngine(storage.NewMemDB())
	err := engine.Disburse(member(0x0C), big.NewInt(1))
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestAmountValidation(t *testing.T) {
	engine := NewEngine(storage.NewMemDB())
	alice := member(0x01)

	require.ErrorIs(t, engine.Fund(alice, nil), ErrInvalidAmount)
	require.ErrorIs(t, engine.Fund(alice, big.NewInt(0)), ErrInvalidAmount)
	require.ErrorIs(t, engine.Fund(alice, big.NewInt(-5)), ErrInvalidAmount)
	require.ErrorIs(t, engine.Collect(alice, big.NewInt(0)), ErrInvalidAmount)
	require.ErrorIs(t, engine.Disburse(alice, big.NewInt(-1)), ErrInvalidAmount)
}

func TestTransfersEmitEvents(t *testing.T) {
	engine := NewEngine(storage.NewMemDB())
	capture := &captureEmitter{}
	engine.SetEmitter(capture)
	alice := member(0x01)
	require.NoError(t, engine.Fund(alice, big.NewInt(100)))

	require.NoError(t, engine.Collect(alice, big.NewInt(100)))
	require.NoError(t, engine.Disburse(member(0x0C), big.NewInt(40)))

	require.Len(t, capture.events, 2)
	require.Equal(t, events.TypeCustodyCollected, capture.events[0].Type)
	require.Equal(t, "100", capture.events[0].Attributes["amount"])
	require.Equal(t, events.TypeCustodyDisbursed, capture.events[1].Type)
	require.Equal(t, "40", capture.events[1].Attributes["amount"])
}
