package wager

import (
	"fmt"
	"math/big"

	"pricewager/core/types"
)

// State is the transactional view the engine mutates. Implementations buffer
// writes until the enclosing Store.Update returns successfully.
type State interface {
	BetGet(id [32]byte) (*Bet, bool, error)
	BetPut(*Bet) error
	// BetIterate visits every stored bet in identifier order until fn
	// returns false.
	BetIterate(fn func(*Bet) bool) error
	TrophyReserved(hash [32]byte) (bool, error)
	SetTrophyReserved(hash [32]byte, reserved bool) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// Store provides atomic access to State. A non-nil error returned from the
// Update callback discards every write made inside it.
type Store interface {
	View(fn func(State) error) error
	Update(fn func(State) error) error
}

// BetStore enforces identifier uniqueness on top of State.
type BetStore struct {
	st State
}

// NewBetStore wraps st.
func NewBetStore(st State) BetStore { return BetStore{st: st} }

// Insert persists a new bet, refusing to overwrite an existing identifier.
func (s BetStore) Insert(b *Bet) error {
	sanitized, err := SanitizeBet(b)
	if err != nil {
		return err
	}
	_, exists, err := s.st.BetGet(sanitized.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %x", ErrIdentifierCollision, sanitized.ID)
	}
	return s.st.BetPut(sanitized)
}

// Load returns the bet or ErrNotFound.
func (s BetStore) Load(id [32]byte) (*Bet, error) {
	bet, ok, err := s.st.BetGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || bet == nil {
		return nil, ErrNotFound
	}
	return bet.Clone(), nil
}

// Exists reports whether a bet with id is stored.
func (s BetStore) Exists(id [32]byte) (bool, error) {
	_, ok, err := s.st.BetGet(id)
	return ok, err
}

// Save overwrites an existing bet after validating it.
func (s BetStore) Save(b *Bet) error {
	sanitized, err := SanitizeBet(b)
	if err != nil {
		return err
	}
	_, exists, err := s.st.BetGet(sanitized.ID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return s.st.BetPut(sanitized)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func balanceOf(st State, addr [20]byte) (*big.Int, error) {
	acc, err := st.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(ensureAccount(acc).Balance), nil
}

// transfer moves amount between ledger accounts. It fails with
// ErrInsufficientBalance when the source cannot cover the amount.
func transfer(st State, from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("wager: negative transfer amount")
	}
	fromAcc, err := st.GetAccount(from)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromAcc.Balance, amt)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	if err := st.PutAccount(from, fromAcc); err != nil {
		return err
	}
	toAcc, err := st.GetAccount(to)
	if err != nil {
		return err
	}
	toAcc = ensureAccount(toAcc)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	return st.PutAccount(to, toAcc)
}

func credit(st State, to [20]byte, amount *big.Int) error {
	acc, err := st.GetAccount(to)
	if err != nil {
		return err
	}
	acc = ensureAccount(acc)
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return st.PutAccount(to, acc)
}
