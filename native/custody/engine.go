package custody

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"tallychain/core/events"
	"tallychain/storage"
)

var (
	errNilStore            = errors.New("custody engine: store not configured")
	ErrInvalidAmount       = errors.New("custody engine: amount must be positive")
	ErrInsufficientBalance = errors.New("custody engine: insufficient balance")
)

var (
	memberPrefix = []byte("custody:member:")
	vaultKey     = ethcrypto.Keccak256([]byte("custody:vault"))
)

// Engine tracks custodial cash balances: each member's uncommitted funds and
// the shared vault that backs committed ledger balances. Collect moves member
// cash into the vault alongside a queued deposit or sign-up; Disburse pays a
// counterparty out of the vault when a release settles. Both moves are
// all-or-nothing.
type Engine struct {
	mu      sync.Mutex
	store   storage.Database
	emitter events.Emitter
}

// NewEngine creates a custody engine over the provided store with a no-op
// emitter. Callers can override the emitter via SetEmitter.
func NewEngine(store storage.Database) *Engine {
	return &Engine{
		store:   store,
		emitter: events.NoopEmitter{},
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Fund credits external cash to a member. Deployments call this when money
// arrives from outside the system (bank transfer, on-ramp, test fixture).
func (e *Engine) Fund(member [20]byte, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkAmount(amount); err != nil {
		return err
	}
	balance, err := e.load(memberKey(member))
	if err != nil {
		return err
	}
	return e.save(memberKey(member), new(big.Int).Add(balance, amount))
}

// Collect moves member cash into the vault. It fails without mutation when the
// member's custodial balance cannot cover the amount.
func (e *Engine) Collect(member [20]byte, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkAmount(amount); err != nil {
		return err
	}
	balance, err := e.load(memberKey(member))
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	vault, err := e.load(vaultKey)
	if err != nil {
		return err
	}
	if err := e.save(memberKey(member), new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	if err := e.save(vaultKey, new(big.Int).Add(vault, amount)); err != nil {
		return err
	}
	e.emitter.Emit(events.CustodyCollected{Member: member, Amount: new(big.Int).Set(amount)})
	return nil
}

// Disburse pays a counterparty out of the vault. It fails without mutation
// when the vault cannot cover the amount.
func (e *Engine) Disburse(to [20]byte, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkAmount(amount); err != nil {
		return err
	}
	vault, err := e.load(vaultKey)
	if err != nil {
		return err
	}
	if vault.Cmp(amount) < 0 {
		return fmt.Errorf("%w: vault holds %s, need %s", ErrInsufficientBalance, vault, amount)
	}
	balance, err := e.load(memberKey(to))
	if err != nil {
		return err
	}
	if err := e.save(vaultKey, new(big.Int).Sub(vault, amount)); err != nil {
		return err
	}
	if err := e.save(memberKey(to), new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	e.emitter.Emit(events.CustodyDisbursed{Counterparty: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// BalanceOf returns the member's custodial cash balance.
func (e *Engine) BalanceOf(member [20]byte) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(memberKey(member))
}

// VaultBalance returns the total held in the vault.
func (e *Engine) VaultBalance() (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(vaultKey)
}

func (e *Engine) checkAmount(amount *big.Int) error {
	if e.store == nil {
		return errNilStore
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (e *Engine) load(key []byte) (*big.Int, error) {
	data, err := e.store.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(data, balance); err != nil {
		return nil, fmt.Errorf("custody engine: decode balance: %w", err)
	}
	return balance, nil
}

func (e *Engine) save(key []byte, balance *big.Int) error {
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return fmt.Errorf("custody engine: encode balance: %w", err)
	}
	return e.store.Put(key, encoded)
}

func memberKey(member [20]byte) []byte {
	buf := make([]byte, len(memberPrefix)+len(member))
	copy(buf, memberPrefix)
	copy(buf[len(memberPrefix):], member[:])
	return ethcrypto.Keccak256(buf)
}
