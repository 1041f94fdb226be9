package ledger

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	gethtrie "github.com/ethereum/go-ethereum/trie"
)

var (
	// ErrWitnessMismatch is returned when a witness fails to reconstruct the
	// expected root, or proves a different leaf than the caller claimed.
	ErrWitnessMismatch = errors.New("ledger: witness does not match committed state")
	// ErrOccupied is returned when a witness was required to prove the empty
	// sentinel but the key already holds a committed leaf.
	ErrOccupied = errors.New("ledger: key already holds a committed leaf")
)

// Witness is a Merkle proof that a leaf value (or its absence) occupies a
// given key under some root. Nodes are the raw trie nodes on the path from the
// root to the key, in root-first order.
type Witness struct {
	Key   common.Hash
	Nodes [][]byte
}

// Ledger commits member account records to a single root hash. Each leaf value
// is the 32-byte record hash; an unregistered identity is the absent key,
// which doubles as the empty-leaf sentinel.
//
// Ledger is not safe for concurrent use; the settlement engine serializes all
// access.
type Ledger struct {
	tr      *Trie
	version uint64
}

// New creates a ledger over the provided trie wrapper.
func New(tr *Trie) *Ledger {
	return &Ledger{tr: tr}
}

// Root returns the last committed root.
func (l *Ledger) Root() common.Hash {
	return l.tr.Root()
}

// Leaf returns the committed leaf hash at key, or nil when the key is vacant.
func (l *Ledger) Leaf(key common.Hash) ([]byte, error) {
	return l.tr.Get(key.Bytes())
}

// Commit writes the leaf hash at key and persists the resulting trie,
// returning the new root.
func (l *Ledger) Commit(key common.Hash, leaf common.Hash) (common.Hash, error) {
	if err := l.tr.Update(key.Bytes(), leaf.Bytes()); err != nil {
		return common.Hash{}, fmt.Errorf("ledger: update leaf: %w", err)
	}
	parent := l.tr.Root()
	l.version++
	newRoot, err := l.tr.Commit(parent, l.version)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return newRoot, nil
}

// Reset discards any uncommitted changes and reloads the trie at the provided
// root. The settlement engine uses it to roll back a failed apply.
func (l *Ledger) Reset(root common.Hash) error {
	return l.tr.Reset(root)
}

// Witness builds a Merkle proof for the key against the current root. For a
// vacant key the proof demonstrates absence.
func (l *Ledger) Witness(key common.Hash) (*Witness, error) {
	nodes, err := l.tr.Prove(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("ledger: prove %x: %w", key, err)
	}
	return &Witness{Key: key, Nodes: nodes}, nil
}

// VerifyWitness checks that the witness proves the expected leaf at key under
// root. Passing a nil or empty expectedLeaf asserts the key is vacant (the
// empty-leaf sentinel); in that case a witness that resolves to a committed
// value fails with ErrOccupied.
func VerifyWitness(w *Witness, key common.Hash, expectedLeaf []byte, root common.Hash) error {
	if w == nil {
		return fmt.Errorf("ledger: nil witness")
	}
	if w.Key != key {
		return fmt.Errorf("%w: witness key %x, want %x", ErrWitnessMismatch, w.Key, key)
	}
	// The empty trie has no nodes to prove against; absence is trivially true
	// and any claimed leaf is impossible.
	if root == gethtypes.EmptyRootHash {
		if len(expectedLeaf) == 0 {
			return nil
		}
		return fmt.Errorf("%w: empty ledger holds no leaves", ErrWitnessMismatch)
	}
	value, err := gethtrie.VerifyProof(root, key.Bytes(), proofReaderFrom(w.Nodes))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWitnessMismatch, err)
	}
	if len(expectedLeaf) == 0 {
		if len(value) != 0 {
			return ErrOccupied
		}
		return nil
	}
	if !bytes.Equal(value, expectedLeaf) {
		return fmt.Errorf("%w: proved leaf %x, want %x", ErrWitnessMismatch, value, expectedLeaf)
	}
	return nil
}

// proofStore collects proof nodes emitted by Trie.Prove in path order.
type proofStore struct {
	nodes [][]byte
}

func newProofStore() *proofStore {
	return &proofStore{}
}

func (p *proofStore) Put(_ []byte, value []byte) error {
	node := make([]byte, len(value))
	copy(node, value)
	p.nodes = append(p.nodes, node)
	return nil
}

func (p *proofStore) Delete([]byte) error { return nil }

// proofReader serves proof nodes keyed by their keccak256 hash, the lookup
// shape trie.VerifyProof expects.
type proofReader struct {
	nodes map[common.Hash][]byte
}

func proofReaderFrom(nodes [][]byte) *proofReader {
	indexed := make(map[common.Hash][]byte, len(nodes))
	for _, node := range nodes {
		indexed[ethcrypto.Keccak256Hash(node)] = node
	}
	return &proofReader{nodes: indexed}
}

func (r *proofReader) Has(key []byte) (bool, error) {
	_, ok := r.nodes[common.BytesToHash(key)]
	return ok, nil
}

func (r *proofReader) Get(key []byte) ([]byte, error) {
	node, ok := r.nodes[common.BytesToHash(key)]
	if !ok {
		return nil, errors.New("ledger: proof node not found")
	}
	return node, nil
}
