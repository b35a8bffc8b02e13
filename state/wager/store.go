package wager

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"pricewager/core/types"
	nativewager "pricewager/native/wager"
	"pricewager/storage"
)

var (
	betPrefix     = []byte("wager/bet/")
	trophyPrefix  = []byte("wager/trophy/")
	accountPrefix = []byte("wager/account/")

	errReadOnly = errors.New("wager state: write in read-only transaction")
)

func prefixed(prefix []byte, id []byte) []byte {
	buf := make([]byte, len(prefix)+len(id))
	copy(buf, prefix)
	copy(buf[len(prefix):], id)
	return buf
}

func betKey(id [32]byte) []byte { return prefixed(betPrefix, id[:]) }
func trophyKey(hash [32]byte) []byte { return prefixed(trophyPrefix, hash[:]) }
func accountKey(addr [20]byte) []byte { return prefixed(accountPrefix, addr[:]) }

// Store persists engine state on a storage.Database. Updates are serialised
// and buffered in memory until the callback returns, then flushed through a
// single batch so a failed operation leaves nothing behind.
type Store struct {
	mu sync.RWMutex
	db storage.Database
}

// NewStore wraps db.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// View runs fn against a read-only snapshot of the committed state.
func (s *Store) View(fn func(nativewager.State) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("wager state: database not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newTx(s.db, true))
}

// Update runs fn in a write transaction and commits its writes atomically
// when fn succeeds.
func (s *Store) Update(fn func(nativewager.State) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("wager state: database not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := newTx(s.db, false)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type tx struct {
	db       storage.Database
	readOnly bool
	writes   map[string][]byte
	deletes  map[string]struct{}
}

func newTx(db storage.Database, readOnly bool) *tx {
	return &tx{
		db:       db,
		readOnly: readOnly,
		writes:   make(map[string][]byte),
		deletes:  make(map[string]struct{}),
	}
}

func (t *tx) get(key []byte) ([]byte, bool, error) {
	k := string(key)
	if v, ok := t.writes[k]; ok {
		return v, true, nil
	}
	if _, ok := t.deletes[k]; ok {
		return nil, false, nil
	}
	v, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *tx) put(key, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	k := string(key)
	delete(t.deletes, k)
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

func (t *tx) del(key []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	return nil
}

func (t *tx) commit() error {
	if len(t.writes) == 0 && len(t.deletes) == 0 {
		return nil
	}
	batch := t.db.NewBatch()
	for k, v := range t.writes {
		batch.Put([]byte(k), v)
	}
	for k := range t.deletes {
		batch.Delete([]byte(k))
	}
	return batch.Write()
}

// iterate merges committed keys under prefix with the pending overlay and
// visits them in ascending key order.
func (t *tx) iterate(prefix []byte, fn func(key, value []byte) bool) error {
	merged := make(map[string][]byte)
	if err := t.db.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = value
		return true
	}); err != nil {
		return err
	}
	for k, v := range t.writes {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = v
		}
	}
	for k := range t.deletes {
		delete(merged, k)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), merged[k]) {
			return nil
		}
	}
	return nil
}

type storedBet struct {
	ID           [32]byte
	Creator      [20]byte
	Joiner       [20]byte
	Stake        *big.Int
	FeedID       [32]byte
	TargetPrice  []byte
	PriceExpoAbs uint64
	StartPrice   uint64
	OracleFee    *big.Int
	Label        string
	LabelHash    [32]byte
	CreatedAt    uint64
	Deadline     uint64
	JoinDeadline uint64
	Status       uint8
	Winner       [20]byte
	FinalPrice   uint64
	ResolvedAt   uint64
}

func newStoredBet(b *nativewager.Bet) (*storedBet, error) {
	if b.PriceExpo > 0 {
		return nil, fmt.Errorf("wager state: positive exponent %d", b.PriceExpo)
	}
	if b.StartPrice < 0 || b.FinalPrice < 0 || b.CreatedAt < 0 || b.ResolvedAt < 0 {
		return nil, fmt.Errorf("wager state: negative field in bet %x", b.ID)
	}
	target := b.TargetPrice.Bytes()
	return &storedBet{
		ID:           b.ID,
		Creator:      b.Creator,
		Joiner:       b.Joiner,
		Stake:        new(big.Int).Set(b.Stake),
		FeedID:       b.FeedID,
		TargetPrice:  target,
		PriceExpoAbs: uint64(-int64(b.PriceExpo)),
		StartPrice:   uint64(b.StartPrice),
		OracleFee:    new(big.Int).Set(b.OracleFee),
		Label:        b.Label,
		LabelHash:    b.LabelHash,
		CreatedAt:    uint64(b.CreatedAt),
		Deadline:     uint64(b.Deadline),
		JoinDeadline: uint64(b.JoinDeadline),
		Status:       uint8(b.Status),
		Winner:       b.Winner,
		FinalPrice:   uint64(b.FinalPrice),
		ResolvedAt:   uint64(b.ResolvedAt),
	}, nil
}

func (s *storedBet) toBet() *nativewager.Bet {
	return &nativewager.Bet{
		ID:           s.ID,
		Creator:      s.Creator,
		Joiner:       s.Joiner,
		Stake:        s.Stake,
		FeedID:       s.FeedID,
		TargetPrice:  new(uint256.Int).SetBytes(s.TargetPrice),
		PriceExpo:    -int32(s.PriceExpoAbs),
		StartPrice:   int64(s.StartPrice),
		OracleFee:    s.OracleFee,
		Label:        s.Label,
		LabelHash:    s.LabelHash,
		CreatedAt:    int64(s.CreatedAt),
		Deadline:     int64(s.Deadline),
		JoinDeadline: int64(s.JoinDeadline),
		Status:       nativewager.Status(s.Status),
		Winner:       s.Winner,
		FinalPrice:   int64(s.FinalPrice),
		ResolvedAt:   int64(s.ResolvedAt),
	}
}

func decodeBet(data []byte) (*nativewager.Bet, error) {
	stored := new(storedBet)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("wager state: decode bet: %w", err)
	}
	return stored.toBet(), nil
}

func (t *tx) BetGet(id [32]byte) (*nativewager.Bet, bool, error) {
	data, ok, err := t.get(betKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	bet, err := decodeBet(data)
	if err != nil {
		return nil, false, err
	}
	return bet, true, nil
}

func (t *tx) BetPut(b *nativewager.Bet) error {
	sanitized, err := nativewager.SanitizeBet(b)
	if err != nil {
		return err
	}
	record, err := newStoredBet(sanitized)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	return t.put(betKey(sanitized.ID), encoded)
}

func (t *tx) BetIterate(fn func(*nativewager.Bet) bool) error {
	var decodeErr error
	err := t.iterate(betPrefix, func(_, value []byte) bool {
		bet, err := decodeBet(value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(bet)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

func (t *tx) TrophyReserved(hash [32]byte) (bool, error) {
	_, ok, err := t.get(trophyKey(hash))
	return ok, err
}

func (t *tx) SetTrophyReserved(hash [32]byte, reserved bool) error {
	if reserved {
		return t.put(trophyKey(hash), []byte{1})
	}
	return t.del(trophyKey(hash))
}

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

func (t *tx) GetAccount(addr [20]byte) (*types.Account, error) {
	data, ok, err := t.get(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("wager state: decode account: %w", err)
	}
	if stored.Balance == nil {
		stored.Balance = big.NewInt(0)
	}
	return &types.Account{Nonce: stored.Nonce, Balance: stored.Balance}, nil
}

func (t *tx) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("wager state: nil account")
	}
	balance := big.NewInt(0)
	if account.Balance != nil {
		balance.Set(account.Balance)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("wager state: negative balance for %x", addr)
	}
	encoded, err := rlp.EncodeToBytes(&storedAccount{Nonce: account.Nonce, Balance: balance})
	if err != nil {
		return err
	}
	return t.put(accountKey(addr), encoded)
}

// Accounts visits every funded account in address order.
func (s *Store) Accounts(fn func(addr [20]byte, balance *big.Int) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var decodeErr error
	err := s.db.Iterate(accountPrefix, func(key, value []byte) bool {
		var addr [20]byte
		copy(addr[:], key[len(accountPrefix):])
		stored := new(storedAccount)
		if err := rlp.DecodeBytes(value, stored); err != nil {
			decodeErr = fmt.Errorf("wager state: decode account: %w", err)
			return false
		}
		return fn(addr, stored.Balance)
	})
	if err != nil {
		return err
	}
	return decodeErr
}
