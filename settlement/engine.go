package settlement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"tallychain/core/events"
	"tallychain/core/types"
	"tallychain/journal"
	"tallychain/ledger"
	"tallychain/observability"
	"tallychain/storage"
)

var (
	stateKey        = []byte("settlement:state")
	disbursedPrefix = []byte("settlement:disbursed:")
)

func disbursedKey(seq uint64) []byte {
	buf := make([]byte, len(disbursedPrefix)+8)
	copy(buf, disbursedPrefix)
	binary.BigEndian.PutUint64(buf[len(disbursedPrefix):], seq)
	return buf
}

// State is the externally readable commitment surface: the ledger root, the
// journal head and the cursors, count and turn of the current range. It is
// persisted after every successful mutation and reloaded on restart.
type State struct {
	Root         common.Hash
	Head         journal.Cursor
	RangeStart   journal.Cursor
	RangeEnd     journal.Cursor
	PendingCount uint64
	Turn         uint64
}

// Drained reports whether the current range has no actions left to settle.
func (s State) Drained() bool {
	return s.PendingCount == 0
}

// Resolution is the outcome of resolving the action whose turn it is inside
// the open range. The range cursors and turn are echoed back so callers can
// reassert them against the published state before acting on the payload.
type Resolution struct {
	Record     *types.AccountRecord
	Seq        uint64
	RangeStart journal.Cursor
	RangeEnd   journal.Cursor
	Turn       uint64
}

// Config carries deployment knobs for the engine.
type Config struct {
	// MinimumDeposit is collected atomically with every sign-up request when
	// RequireDeposit is set, and becomes the member's initial balance.
	MinimumDeposit *big.Int
	RequireDeposit bool
}

// Engine is the single exclusively-owned service object binding the action
// journal to the committed ledger. Every exported call is synchronous and
// all-or-nothing: it validates against the current state under one lock and
// either commits the whole new snapshot or leaves everything untouched.
type Engine struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	journal  *journal.Journal
	store    storage.Database
	auth     Authorizer
	transfer ValueTransfer
	emitter  events.Emitter
	cfg      Config
	state    State
}

// PersistedRoot peeks the committed root from a stored snapshot without
// constructing an engine. Daemons use it to reopen the ledger trie at the
// right root before wiring the engine.
func PersistedRoot(store storage.Database) (common.Hash, bool, error) {
	data, err := store.Get(stateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, err
	}
	var state State
	if err := rlp.DecodeBytes(data, &state); err != nil {
		return common.Hash{}, false, fmt.Errorf("settlement: decode snapshot: %w", err)
	}
	return state.Root, true, nil
}

// NewEngine wires the engine over its collaborators, reloading the persisted
// snapshot when one exists. The snapshot root must match the ledger's
// committed root.
func NewEngine(led *ledger.Ledger, jrnl *journal.Journal, store storage.Database, auth Authorizer, transfer ValueTransfer, cfg Config) (*Engine, error) {
	if led == nil || jrnl == nil || store == nil {
		return nil, fmt.Errorf("settlement: ledger, journal and store are required")
	}
	if auth == nil {
		auth = SelfAuthorizer{}
	}
	if cfg.MinimumDeposit == nil {
		cfg.MinimumDeposit = big.NewInt(0)
	}
	e := &Engine{
		ledger:   led,
		journal:  jrnl,
		store:    store,
		auth:     auth,
		transfer: transfer,
		emitter:  events.NoopEmitter{},
		cfg:      cfg,
	}
	data, err := store.Get(stateKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		genesis := journal.GenesisCursor()
		e.state = State{
			Root:       led.Root(),
			Head:       jrnl.Head(),
			RangeStart: genesis,
			RangeEnd:   genesis,
		}
		if err := e.persistState(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("settlement: load snapshot: %w", err)
	default:
		var state State
		if err := rlp.DecodeBytes(data, &state); err != nil {
			return nil, fmt.Errorf("settlement: decode snapshot: %w", err)
		}
		if state.Root != led.Root() {
			return nil, fmt.Errorf("%w: snapshot %x, ledger %x", ErrStateDiverged, state.Root, led.Root())
		}
		e.state = state
	}
	return e, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Snapshot returns a copy of the current commitment surface.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Witness builds a Merkle proof for the identity's leaf (or its absence)
// against the live root. Callers attach it to their next request.
func (e *Engine) Witness(identity [20]byte) (*ledger.Witness, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Witness(types.IdentityKey(identity))
}

// CommittedLeaf returns the leaf hash committed for the identity, or nil when
// the identity is unregistered.
func (e *Engine) CommittedLeaf(identity [20]byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Leaf(types.IdentityKey(identity))
}

// Seed commits genesis member records directly to the ledger. It is only
// permitted before any action has been journalled or committed.
func (e *Engine) Seed(members []*types.AccountRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Head.Seq != 0 || e.state.Root != gethtypes.EmptyRootHash {
		return fmt.Errorf("settlement: seed requires a pristine ledger and journal")
	}
	root := e.state.Root
	for _, member := range members {
		record := member.Clone()
		record.Origin = types.KindSignUp
		leaf, err := record.Hash()
		if err != nil {
			return fmt.Errorf("settlement: seed member: %w", err)
		}
		root, err = e.ledger.Commit(record.Key(), leaf)
		if err != nil {
			return err
		}
	}
	e.state.Root = root
	return e.persistState()
}

// --- Request handlers ---

// RequestSignUp validates and queues a sign-up action for the identity. The
// identity must not appear anywhere in the journal or on the ledger. When the
// deployment requires it, the minimum deposit is collected atomically with the
// request and becomes the initial balance.
func (e *Engine) RequestSignUp(acting, identity [20]byte) (journal.Cursor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.auth.Verify(acting, identity); err != nil {
		return journal.Cursor{}, err
	}
	if types.ZeroIdentity(identity) {
		return journal.Cursor{}, fmt.Errorf("settlement: identity required")
	}
	seen, err := e.journal.ContainsIdentity(identity)
	if err != nil {
		return journal.Cursor{}, err
	}
	if seen {
		return journal.Cursor{}, fmt.Errorf("%w: queued in journal", ErrDuplicateIdentity)
	}
	// Genesis-seeded members never pass through the journal, so the committed
	// leaf has to be checked as well.
	leaf, err := e.ledger.Leaf(types.IdentityKey(identity))
	if err != nil {
		return journal.Cursor{}, err
	}
	if len(leaf) != 0 {
		return journal.Cursor{}, fmt.Errorf("%w: committed on ledger", ErrDuplicateIdentity)
	}
	initial := big.NewInt(0)
	if e.cfg.RequireDeposit {
		if err := e.collect(identity, e.cfg.MinimumDeposit); err != nil {
			return journal.Cursor{}, err
		}
		initial = new(big.Int).Set(e.cfg.MinimumDeposit)
	}
	record := &types.AccountRecord{
		Identity: identity,
		Balance:  initial,
		Origin:   types.KindSignUp,
	}
	return e.dispatch(record)
}

// RequestDeposit validates and queues a deposit. The witness must prove the
// claimed record under the live root; the amount is collected into custody at
// request time and the queued action carries it as the deposit delta. Keeping
// the delta rather than a target balance lets any number of outstanding
// deposits for the same member settle in sequence without losing funds.
func (e *Engine) RequestDeposit(acting [20]byte, claimed *types.AccountRecord, w *ledger.Witness, amount *big.Int) (journal.Cursor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	claimed, err := e.verifyClaimed(acting, claimed, w)
	if err != nil {
		return journal.Cursor{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return journal.Cursor{}, fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount)
	}
	if err := e.collect(claimed.Identity, amount); err != nil {
		return journal.Cursor{}, err
	}
	record := claimed.Clone()
	record.PendingDeposit = new(big.Int).Set(amount)
	record.Origin = types.KindDeposit
	return e.dispatch(record)
}

// RequestRelease validates and queues a release of funds to the counterparty.
// The release amount must not exceed the claimed committed balance. A zero
// counterparty releases back to the member itself.
func (e *Engine) RequestRelease(acting [20]byte, claimed *types.AccountRecord, w *ledger.Witness, amount *big.Int, counterparty [20]byte) (journal.Cursor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	claimed, err := e.verifyClaimed(acting, claimed, w)
	if err != nil {
		return journal.Cursor{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return journal.Cursor{}, fmt.Errorf("%w: release must be positive", ErrInvalidAmount)
	}
	if amount.Cmp(claimed.Balance) > 0 {
		return journal.Cursor{}, fmt.Errorf("%w: release %s, balance %s", ErrInsufficientFunds, amount, claimed.Balance)
	}
	if types.ZeroIdentity(counterparty) {
		counterparty = claimed.Identity
	}
	record := claimed.Clone()
	record.PendingRelease = new(big.Int).Set(amount)
	record.Counterparty = counterparty
	record.Origin = types.KindRelease
	return e.dispatch(record)
}

// --- Range maintenance ---

// OpenRange freezes every action appended since the previous range's end
// cursor into a new batch. It requires the current range to be fully drained.
func (e *Engine) OpenRange() (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.PendingCount != 0 {
		return State{}, fmt.Errorf("%w: %d pending", ErrRangeOpen, e.state.PendingCount)
	}
	head := e.journal.Head()
	entries, err := e.journal.EntriesBetween(e.state.RangeEnd, head)
	if err != nil {
		return State{}, err
	}
	e.state.RangeStart = e.state.RangeEnd
	e.state.RangeEnd = head
	e.state.PendingCount = uint64(len(entries))
	e.state.Turn = 0
	if err := e.persistState(); err != nil {
		return State{}, err
	}
	e.emitter.Emit(events.RangeOpened{
		StartSeq:     e.state.RangeStart.Seq,
		EndSeq:       e.state.RangeEnd.Seq,
		PendingCount: e.state.PendingCount,
	})
	metrics := observability.Engine()
	metrics.RangesOpened.Inc()
	metrics.PendingActions.Set(float64(e.state.PendingCount))
	metrics.RangeTurn.Set(float64(e.state.Turn))
	return e.state, nil
}

// CurrentAction resolves the action whose turn it is within the open range,
// echoing the range cursors and turn for the caller to reassert.
func (e *Engine) CurrentAction() (*Resolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentAction()
}

func (e *Engine) currentAction() (*Resolution, error) {
	if e.state.PendingCount == 0 {
		return nil, ErrRangeDrained
	}
	seq := e.state.RangeStart.Seq + e.state.Turn + 1
	if seq > e.state.RangeEnd.Seq {
		return nil, ErrRangeDrained
	}
	entry, err := e.journal.EntryAt(seq)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Record:     entry.Record.Clone(),
		Seq:        entry.Seq,
		RangeStart: e.state.RangeStart,
		RangeEnd:   e.state.RangeEnd,
		Turn:       e.state.Turn,
	}, nil
}

// --- Settlement handlers ---

// SettleSignUp applies the current turn's sign-up action. The witness must
// prove the empty-leaf sentinel at the member's key under the live root, which
// rejects both replays and identity collisions.
func (e *Engine) SettleSignUp(w *ledger.Witness) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.currentAction()
	if err != nil {
		return common.Hash{}, err
	}
	if res.Record.Origin != types.KindSignUp {
		return common.Hash{}, fmt.Errorf("%w: current action is %s", ErrKindMismatch, res.Record.Origin)
	}
	key := res.Record.Key()
	if err := ledger.VerifyWitness(w, key, nil, e.state.Root); err != nil {
		if errors.Is(err, ledger.ErrOccupied) {
			return common.Hash{}, fmt.Errorf("%w: %v", ErrDuplicateIdentity, err)
		}
		return common.Hash{}, fmt.Errorf("%w: %v", ErrStaleWitness, err)
	}
	return e.apply(key, res.Record.Clone(), res)
}

// SettleDeposit applies the current turn's deposit action: it increases the
// committed balance by the queued deposit delta. The witness must prove the
// caller's claimed record under the live root.
func (e *Engine) SettleDeposit(claimed *types.AccountRecord, w *ledger.Witness) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.currentAction()
	if err != nil {
		return common.Hash{}, err
	}
	if res.Record.Origin != types.KindDeposit {
		return common.Hash{}, fmt.Errorf("%w: current action is %s", ErrKindMismatch, res.Record.Origin)
	}
	claimed, err = e.verifyClaimedForSettlement(res, claimed, w)
	if err != nil {
		return common.Hash{}, err
	}
	delta := res.Record.PendingDeposit
	if delta == nil || delta.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("%w: queued deposit is empty", ErrInvalidAmount)
	}
	record := claimed.Clone()
	record.Balance = new(big.Int).Add(claimed.Balance, delta)
	record.PendingDeposit = big.NewInt(0)
	record.Origin = types.KindDeposit
	return e.apply(record.Key(), record, res)
}

// SettleRelease applies the current turn's release action: it reduces the
// committed balance by the queued pending release, zeroes it, and disburses
// the amount to the recorded counterparty out of custody. The disbursement is
// keyed by the action's sequence number, so retrying the action after a crash
// never pays the counterparty twice.
func (e *Engine) SettleRelease(claimed *types.AccountRecord, w *ledger.Witness) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.currentAction()
	if err != nil {
		return common.Hash{}, err
	}
	if res.Record.Origin != types.KindRelease {
		return common.Hash{}, fmt.Errorf("%w: current action is %s", ErrKindMismatch, res.Record.Origin)
	}
	claimed, err = e.verifyClaimedForSettlement(res, claimed, w)
	if err != nil {
		return common.Hash{}, err
	}
	amount := res.Record.PendingRelease
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("%w: queued release is empty", ErrInvalidAmount)
	}
	if claimed.Balance.Cmp(amount) < 0 {
		return common.Hash{}, fmt.Errorf("%w: release %s, committed balance %s", ErrInsufficientFunds, amount, claimed.Balance)
	}
	record := claimed.Clone()
	record.Balance = new(big.Int).Sub(claimed.Balance, amount)
	record.PendingRelease = big.NewInt(0)
	record.Counterparty = [20]byte{}
	record.Origin = types.KindRelease
	if err := e.disburseOnce(res.Seq, res.Record.Counterparty, amount); err != nil {
		return common.Hash{}, err
	}
	return e.apply(record.Key(), record, res)
}

// --- internals ---

// verifyClaimed authorizes the caller and checks the claimed record against
// the live root. Returns the normalised claimed record.
func (e *Engine) verifyClaimed(acting [20]byte, claimed *types.AccountRecord, w *ledger.Witness) (*types.AccountRecord, error) {
	if claimed == nil {
		return nil, fmt.Errorf("%w: nil claimed record", ErrStaleWitness)
	}
	if err := e.auth.Verify(acting, claimed.Identity); err != nil {
		return nil, err
	}
	return e.checkWitness(claimed, w)
}

// verifyClaimedForSettlement binds the claimed record to the resolved action's
// identity before checking it against the live root.
func (e *Engine) verifyClaimedForSettlement(res *Resolution, claimed *types.AccountRecord, w *ledger.Witness) (*types.AccountRecord, error) {
	if claimed == nil {
		return nil, fmt.Errorf("%w: nil claimed record", ErrStaleWitness)
	}
	if claimed.Identity != res.Record.Identity {
		return nil, fmt.Errorf("%w: claimed %x, action %x", ErrIdentityMismatch, claimed.Identity, res.Record.Identity)
	}
	return e.checkWitness(claimed, w)
}

func (e *Engine) checkWitness(claimed *types.AccountRecord, w *ledger.Witness) (*types.AccountRecord, error) {
	normalized := claimed.Clone()
	if err := normalized.Normalize(); err != nil {
		return nil, err
	}
	leaf, err := normalized.Hash()
	if err != nil {
		return nil, err
	}
	if err := ledger.VerifyWitness(w, normalized.Key(), leaf.Bytes(), e.state.Root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleWitness, err)
	}
	return normalized, nil
}

// dispatch appends the record to the journal and advances the published head.
// The caller has already performed every validation; appends never reject.
func (e *Engine) dispatch(record *types.AccountRecord) (journal.Cursor, error) {
	cursor, err := e.journal.Append(record)
	if err != nil {
		return journal.Cursor{}, err
	}
	e.state.Head = cursor
	if err := e.persistState(); err != nil {
		return journal.Cursor{}, err
	}
	e.emitter.Emit(events.ActionDispatched{
		Seq:      cursor.Seq,
		Kind:     record.Origin,
		Identity: record.Identity,
		Digest:   cursor.Digest,
	})
	observability.Engine().Dispatched.WithLabelValues(record.Origin.String()).Inc()
	return cursor, nil
}

// apply commits the new record's leaf and advances the turn. Every check has
// already passed; a failure on storage rolls the ledger and the in-memory
// state back to the pre-settlement snapshot so the action stays retryable.
func (e *Engine) apply(key common.Hash, record *types.AccountRecord, res *Resolution) (common.Hash, error) {
	leaf, err := record.Hash()
	if err != nil {
		return common.Hash{}, err
	}
	prev := e.state
	newRoot, err := e.ledger.Commit(key, leaf)
	if err != nil {
		if resetErr := e.ledger.Reset(prev.Root); resetErr != nil {
			return common.Hash{}, fmt.Errorf("%w: rollback after %v: %v", ErrStateDiverged, err, resetErr)
		}
		return common.Hash{}, err
	}
	e.state.Root = newRoot
	e.state.Turn++
	e.state.PendingCount--
	if err := e.persistState(); err != nil {
		e.state = prev
		if resetErr := e.ledger.Reset(prev.Root); resetErr != nil {
			return common.Hash{}, fmt.Errorf("%w: rollback after %v: %v", ErrStateDiverged, err, resetErr)
		}
		return common.Hash{}, err
	}
	e.emitter.Emit(events.ActionSettled{
		Seq:      res.Seq,
		Kind:     record.Origin,
		Identity: record.Identity,
		Balance:  record.Balance,
		Root:     newRoot,
		Turn:     e.state.Turn,
	})
	metrics := observability.Engine()
	metrics.Settled.WithLabelValues(record.Origin.String()).Inc()
	metrics.PendingActions.Set(float64(e.state.PendingCount))
	metrics.RangeTurn.Set(float64(e.state.Turn))
	return newRoot, nil
}

func (e *Engine) collect(member [20]byte, amount *big.Int) error {
	if e.transfer == nil {
		return nil
	}
	if err := e.transfer.Collect(member, amount); err != nil {
		return fmt.Errorf("%w: collect %s: %v", ErrTransferFailed, amount, err)
	}
	return nil
}

// disburseOnce pays the counterparty for one settled action exactly once. The
// payout is recorded under the action's sequence number before the settlement
// commits, so a retry after a failed commit finds the marker and skips the
// transfer instead of double-paying.
func (e *Engine) disburseOnce(seq uint64, to [20]byte, amount *big.Int) error {
	if e.transfer == nil {
		return nil
	}
	key := disbursedKey(seq)
	done, err := e.store.Has(key)
	if err != nil {
		return fmt.Errorf("settlement: check disbursement %d: %w", seq, err)
	}
	if done {
		return nil
	}
	if err := e.transfer.Disburse(to, amount); err != nil {
		return fmt.Errorf("%w: disburse %s: %v", ErrTransferFailed, amount, err)
	}
	if err := e.store.Put(key, []byte{1}); err != nil {
		return fmt.Errorf("settlement: record disbursement %d: %w", seq, err)
	}
	return nil
}

func (e *Engine) persistState() error {
	encoded, err := rlp.EncodeToBytes(&e.state)
	if err != nil {
		return fmt.Errorf("settlement: encode snapshot: %w", err)
	}
	if err := e.store.Put(stateKey, encoded); err != nil {
		return fmt.Errorf("settlement: persist snapshot: %w", err)
	}
	return nil
}
