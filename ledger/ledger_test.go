package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	tr, err := NewTrie(memorydb.New(), nil)
	require.NoError(t, err)
	return New(tr)
}

func testKey(seed string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte(seed))
}

func testLeaf(seed string) common.Hash {
	return ethcrypto.Keccak256Hash([]byte("leaf:" + seed))
}

func TestEmptyLedgerRoot(t *testing.T) {
	led := newTestLedger(t)
	require.Equal(t, gethtypes.EmptyRootHash, led.Root())
}

func TestCommitChangesRoot(t *testing.T) {
	led := newTestLedger(t)
	root, err := led.Commit(testKey("alice"), testLeaf("alice"))
	require.NoError(t, err)
	require.NotEqual(t, gethtypes.EmptyRootHash, root)
	require.Equal(t, root, led.Root())

	leaf, err := led.Leaf(testKey("alice"))
	require.NoError(t, err)
	require.Equal(t, testLeaf("alice").Bytes(), leaf)
}

func TestWitnessProvesLeaf(t *testing.T) {
	led := newTestLedger(t)
	_, err := led.Commit(testKey("alice"), testLeaf("alice"))
	require.NoError(t, err)
	root, err := led.Commit(testKey("bob"), testLeaf("bob"))
	require.NoError(t, err)

	w, err := led.Witness(testKey("alice"))
	require.NoError(t, err)
	require.NoError(t, VerifyWitness(w, testKey("alice"), testLeaf("alice").Bytes(), root))

	// Wrong leaf fails.
	err = VerifyWitness(w, testKey("alice"), testLeaf("bob").Bytes(), root)
	require.ErrorIs(t, err, ErrWitnessMismatch)

	// Wrong key fails before any proof work.
	err = VerifyWitness(w, testKey("bob"), testLeaf("bob").Bytes(), root)
	require.ErrorIs(t, err, ErrWitnessMismatch)
}

func TestWitnessProvesAbsence(t *testing.T) {
	led := newTestLedger(t)
	root, err := led.Commit(testKey("alice"), testLeaf("alice"))
	require.NoError(t, err)

	w, err := led.Witness(testKey("carol"))
	require.NoError(t, err)
	require.NoError(t, VerifyWitness(w, testKey("carol"), nil, root))
}

func TestAbsenceWitnessFailsOnceOccupied(t *testing.T) {
	led := newTestLedger(t)
	root, err := led.Commit(testKey("alice"), testLeaf("alice"))
	require.NoError(t, err)

	w, err := led.Witness(testKey("alice"))
	require.NoError(t, err)
	err = VerifyWitness(w, testKey("alice"), nil, root)
	require.ErrorIs(t, err, ErrOccupied)
}

func TestEmptyRootWitness(t *testing.T) {
	// Absence under the empty root needs no proof nodes; any claimed leaf is
	// impossible.
	w := &Witness{Key: testKey("alice")}
	require.NoError(t, VerifyWitness(w, testKey("alice"), nil, gethtypes.EmptyRootHash))
	err := VerifyWitness(w, testKey("alice"), testLeaf("alice").Bytes(), gethtypes.EmptyRootHash)
	require.ErrorIs(t, err, ErrWitnessMismatch)
}

func TestStaleWitnessRejected(t *testing.T) {
	led := newTestLedger(t)
	staleRoot, err := led.Commit(testKey("alice"), testLeaf("alice"))
	require.NoError(t, err)
	w, err := led.Witness(testKey("alice"))
	require.NoError(t, err)

	liveRoot, err := led.Commit(testKey("alice"), testLeaf("alice-v2"))
	require.NoError(t, err)
	require.NotEqual(t, staleRoot, liveRoot)

	err = VerifyWitness(w, testKey("alice"), testLeaf("alice").Bytes(), liveRoot)
	require.ErrorIs(t, err, ErrWitnessMismatch)
}

func TestResetRollsBackToEarlierRoot(t *testing.T) {
	led := newTestLedger(t)
	root, err := led.Commit(testKey("alice"), testLeaf("alice"))
	require.NoError(t, err)

	next, err := led.Commit(testKey("bob"), testLeaf("bob"))
	require.NoError(t, err)
	require.NotEqual(t, root, next)

	require.NoError(t, led.Reset(root))
	require.Equal(t, root, led.Root())
	leaf, err := led.Leaf(testKey("bob"))
	require.NoError(t, err)
	require.Empty(t, leaf)

	alice, err := led.Leaf(testKey("alice"))
	require.NoError(t, err)
	require.Equal(t, testLeaf("alice").Bytes(), alice)
}

func TestSameLeavesSameOrderSameRoot(t *testing.T) {
	build := func() common.Hash {
		led := newTestLedger(t)
		var root common.Hash
		var err error
		for _, seed := range []string{"alice", "bob", "carol"} {
			root, err = led.Commit(testKey(seed), testLeaf(seed))
			require.NoError(t, err)
		}
		return root
	}
	require.Equal(t, build(), build())
}
