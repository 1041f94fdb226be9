package journal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"tallychain/core/types"
	"tallychain/storage"
)

var (
	// ErrCorrupt is returned when a stored entry fails to decode or its chain
	// digest no longer matches the recomputed chain.
	ErrCorrupt = errors.New("journal: chain integrity violation")
	// ErrOutOfBounds is returned for cursors that do not lie on the journal.
	ErrOutOfBounds = errors.New("journal: cursor out of bounds")
)

var (
	headKey     = []byte("journal:head")
	entryPrefix = []byte("journal:entry:")
)

// Cursor is a stable position on the journal: the sequence number of the last
// entry it covers and the chain digest accumulated up to that entry. The
// digest makes a cursor self-authenticating: replaying the entries between two
// cursors must reproduce the later digest exactly.
type Cursor struct {
	Seq    uint64
	Digest [32]byte
}

// Entry is one appended action. Entries are never mutated or removed.
type Entry struct {
	Seq    uint64
	Record types.AccountRecord
	Digest [32]byte
}

// Journal is the append-only, hash-chained sequence of pending account record
// mutations. Appends always succeed; all validation happens in the request
// handlers before anything reaches the journal.
//
// Journal is not safe for concurrent use; the settlement engine serializes
// all access.
type Journal struct {
	store storage.Database
	head  Cursor
}

// genesisDigest seeds the hash chain so the genesis cursor is distinguishable
// from the all-zero digest.
func genesisDigest() [32]byte {
	return blake3.Sum256([]byte("tallychain/journal/genesis"))
}

// GenesisCursor returns the cursor preceding the first entry.
func GenesisCursor() Cursor {
	return Cursor{Seq: 0, Digest: genesisDigest()}
}

// Open loads the journal head from the store, initialising an empty journal on
// first use.
func Open(store storage.Database) (*Journal, error) {
	j := &Journal{store: store, head: GenesisCursor()}
	data, err := store.Get(headKey)
	if errors.Is(err, storage.ErrNotFound) {
		return j, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: load head: %w", err)
	}
	var head Cursor
	if err := rlp.DecodeBytes(data, &head); err != nil {
		return nil, fmt.Errorf("journal: decode head: %w", err)
	}
	j.head = head
	return j, nil
}

// Head returns the cursor at the current end of the journal.
func (j *Journal) Head() Cursor {
	return j.head
}

// Append adds a record to the journal and returns the new head cursor. It
// performs no validation beyond normalising the record for hashing.
func (j *Journal) Append(record *types.AccountRecord) (Cursor, error) {
	recordHash, err := record.Hash()
	if err != nil {
		return Cursor{}, fmt.Errorf("journal: hash record: %w", err)
	}
	entry := Entry{
		Seq:    j.head.Seq + 1,
		Record: *record.Clone(),
		Digest: chainDigest(j.head.Digest, recordHash.Bytes()),
	}
	encoded, err := rlp.EncodeToBytes(&entry)
	if err != nil {
		return Cursor{}, fmt.Errorf("journal: encode entry: %w", err)
	}
	if err := j.store.Put(entryKey(entry.Seq), encoded); err != nil {
		return Cursor{}, fmt.Errorf("journal: persist entry: %w", err)
	}
	newHead := Cursor{Seq: entry.Seq, Digest: entry.Digest}
	headEncoded, err := rlp.EncodeToBytes(&newHead)
	if err != nil {
		return Cursor{}, fmt.Errorf("journal: encode head: %w", err)
	}
	if err := j.store.Put(headKey, headEncoded); err != nil {
		return Cursor{}, fmt.Errorf("journal: persist head: %w", err)
	}
	j.head = newHead
	return newHead, nil
}

// EntryAt loads the entry with the given sequence number.
func (j *Journal) EntryAt(seq uint64) (*Entry, error) {
	if seq == 0 || seq > j.head.Seq {
		return nil, fmt.Errorf("%w: seq %d, head %d", ErrOutOfBounds, seq, j.head.Seq)
	}
	data, err := j.store.Get(entryKey(seq))
	if err != nil {
		return nil, fmt.Errorf("journal: load entry %d: %w", seq, err)
	}
	var entry Entry
	if err := rlp.DecodeBytes(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: decode entry %d: %v", ErrCorrupt, seq, err)
	}
	if entry.Seq != seq {
		return nil, fmt.Errorf("%w: entry %d stored under seq %d", ErrCorrupt, entry.Seq, seq)
	}
	return &entry, nil
}

// EntriesBetween replays the entries in (start, end], recomputing the hash
// chain from the start digest and failing on any discontinuity. Cost is
// proportional to the range length, not the journal length.
func (j *Journal) EntriesBetween(start, end Cursor) ([]*Entry, error) {
	if start.Seq > end.Seq || end.Seq > j.head.Seq {
		return nil, fmt.Errorf("%w: range (%d, %d], head %d", ErrOutOfBounds, start.Seq, end.Seq, j.head.Seq)
	}
	entries := make([]*Entry, 0, end.Seq-start.Seq)
	digest := start.Digest
	for seq := start.Seq + 1; seq <= end.Seq; seq++ {
		entry, err := j.EntryAt(seq)
		if err != nil {
			return nil, err
		}
		recordHash, err := entry.Record.Hash()
		if err != nil {
			return nil, fmt.Errorf("%w: rehash entry %d: %v", ErrCorrupt, seq, err)
		}
		digest = chainDigest(digest, recordHash.Bytes())
		if digest != entry.Digest {
			return nil, fmt.Errorf("%w: digest mismatch at entry %d", ErrCorrupt, seq)
		}
		entries = append(entries, entry)
	}
	if end.Seq > start.Seq && digest != end.Digest {
		return nil, fmt.Errorf("%w: end cursor digest mismatch", ErrCorrupt)
	}
	return entries, nil
}

// ContainsIdentity folds over the entire journal from genesis, reporting
// whether any entry was produced for the given identity. Sign-up requests pay
// this full scan so an identity can be rejected before it ever reaches the
// ledger.
func (j *Journal) ContainsIdentity(identity [20]byte) (bool, error) {
	for seq := uint64(1); seq <= j.head.Seq; seq++ {
		entry, err := j.EntryAt(seq)
		if err != nil {
			return false, err
		}
		if entry.Record.Identity == identity {
			return true, nil
		}
	}
	return false, nil
}

func chainDigest(prev [32]byte, recordHash []byte) [32]byte {
	buf := make([]byte, 0, len(prev)+len(recordHash))
	buf = append(buf, prev[:]...)
	buf = append(buf, recordHash...)
	return blake3.Sum256(buf)
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], seq)
	return key
}
