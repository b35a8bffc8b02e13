package wager

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"pricewager/core/events"
	"pricewager/core/types"
)

// Price is an oracle observation in fixed-point form: the real value is
// Price × 10^Expo.
type Price struct {
	Price       int64
	Expo        int32
	PublishTime int64
}

// PriceOracle is the price-feed collaborator. UpdatePriceFeeds ingests signed
// update blobs and returns the fee it charged.
type PriceOracle interface {
	UpdateFee(updates [][]byte) (*big.Int, error)
	UpdatePriceFeeds(updates [][]byte) (*big.Int, error)
	PriceNoOlderThan(feedID [32]byte, maxAge int64) (Price, error)
}

// TrophyIssuer assigns permanent names to winners.
type TrophyIssuer interface {
	Assign(namespace, label string, owner [20]byte) error
	Available(namespace, label string) bool
	FullName(namespace, label string) string
}

// Metrics receives operation outcomes. The observability package provides the
// prometheus implementation.
type Metrics interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
	ObserveTrophy(delivered bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, error, time.Duration) {}
func (noopMetrics) ObserveTrophy(bool)                            {}

type noopIssuer struct{}

func (noopIssuer) Assign(string, string, [20]byte) error { return nil }
func (noopIssuer) Available(string, string) bool         { return true }
func (noopIssuer) FullName(namespace, label string) string {
	if namespace == "" {
		return label
	}
	return label + "." + namespace
}

// TrophyConfig names the namespace trophies are issued under and the account
// authorised to resolve names in it.
type TrophyConfig struct {
	Namespace string
	Resolver  [20]byte
}

// Config carries the collaborators and addresses the engine requires.
type Config struct {
	Store        Store
	Oracle       PriceOracle
	Trophies     TrophyIssuer
	Owner        [20]byte
	Vault        [20]byte
	FeeCollector [20]byte
	Params       Params
	Trophy       TrophyConfig
}

// Engine runs the bet lifecycle. Every mutating call is serialised behind a
// single mutex and executed inside one Store.Update transaction.
type Engine struct {
	mu sync.Mutex

	store        Store
	oracle       PriceOracle
	trophies     TrophyIssuer
	emitter      events.Emitter
	entropy      EntropySource
	metrics      Metrics
	logger       *slog.Logger
	nowFn        func() int64
	owner        [20]byte
	vault        [20]byte
	feeCollector [20]byte
	params       Params
	trophy       TrophyConfig
}

// NewEngine validates cfg and returns an engine with a no-op emitter, the
// default entropy source and the wall clock.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Oracle == nil {
		return nil, fmt.Errorf("%w: store and oracle are required", ErrZeroAddressConfig)
	}
	zero := [20]byte{}
	if cfg.Owner == zero || cfg.Vault == zero || cfg.FeeCollector == zero {
		return nil, fmt.Errorf("%w: owner, vault and fee collector are required", ErrZeroAddressConfig)
	}
	if cfg.Vault == cfg.FeeCollector {
		return nil, fmt.Errorf("%w: vault and fee collector must differ", ErrZeroAddressConfig)
	}
	params := cfg.Params
	if params.MinStake == nil {
		params = DefaultParams()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	trophies := cfg.Trophies
	if trophies == nil {
		trophies = noopIssuer{}
	}
	return &Engine{
		store:        cfg.Store,
		oracle:       cfg.Oracle,
		trophies:     trophies,
		emitter:      events.NoopEmitter{},
		entropy:      NewRandomEntropy(),
		metrics:      noopMetrics{},
		logger:       slog.Default(),
		nowFn:        func() int64 { return time.Now().Unix() },
		owner:        cfg.Owner,
		vault:        cfg.Vault,
		feeCollector: cfg.FeeCollector,
		params:       params.Clone(),
		trophy:       cfg.Trophy,
	}, nil
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

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEntropy overrides the salt source mixed into bet identifiers.
func (e *Engine) SetEntropy(src EntropySource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if src == nil {
		e.entropy = NewRandomEntropy()
		return
	}
	e.entropy = src
}

func (e *Engine) SetMetrics(m Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m == nil {
		e.metrics = noopMetrics{}
		return
	}
	e.metrics = m
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		e.logger = slog.Default()
		return
	}
	e.logger = logger
}

// Params returns a copy of the active parameters.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Clone()
}

// Vault returns the escrow vault address.
func (e *Engine) Vault() [20]byte { return e.vault }

func (e *Engine) emit(event *types.Event) {
	if e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(wagerEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) observe(op string, started time.Time, err error) {
	e.metrics.ObserveOperation(op, err, time.Since(started))
}

// CreateRequest carries the inputs of Create.
type CreateRequest struct {
	Creator      [20]byte
	FeedID       [32]byte
	TargetUSD    uint64
	Duration     int64
	JoinDuration int64
	Label        string
	Escrowed     *big.Int
	Updates      [][]byte
}

// Create opens a new bet. The creator's escrow pays the oracle update fee and
// the remainder becomes the stake each side must match.
func (e *Engine) Create(req CreateRequest) (bet *Bet, err error) {
	started := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.observe("create", started, err) }()

	if req.Creator == ([20]byte{}) {
		return nil, fmt.Errorf("%w: creator required", ErrUnauthorized)
	}
	label, err := NormalizeLabel(req.Label)
	if err != nil {
		return nil, err
	}
	if err := e.params.checkDurations(req.Duration, req.JoinDuration); err != nil {
		return nil, err
	}
	escrowed := cloneBigInt(req.Escrowed)
	fee, err := e.quoteFee(req.Updates)
	if err != nil {
		return nil, err
	}
	if escrowed.Cmp(fee) < 0 {
		return nil, fmt.Errorf("%w: escrow %s below fee %s", ErrInsufficientFee, escrowed, fee)
	}
	stake := new(big.Int).Sub(escrowed, fee)
	if stake.Cmp(e.params.MinStake) < 0 {
		return nil, fmt.Errorf("%w: stake %s below %s", ErrStakeTooLow, stake, e.params.MinStake)
	}
	if err := e.checkFunds(req.Creator, escrowed); err != nil {
		return nil, err
	}
	fee, err = e.ingest(req.Updates, fee)
	if err != nil {
		return nil, err
	}
	price, err := e.currentPrice(req.FeedID)
	if err != nil {
		return nil, err
	}
	target, err := ToOracleFormat(req.TargetUSD, price.Expo)
	if err != nil {
		return nil, err
	}
	now := e.now()
	id := DeriveID(req.Creator, req.FeedID, target, now, e.entropy.Salt())
	bet = &Bet{
		ID:           id,
		Creator:      req.Creator,
		Stake:        new(big.Int).Sub(escrowed, fee),
		FeedID:       req.FeedID,
		TargetPrice:  target,
		PriceExpo:    price.Expo,
		StartPrice:   price.Price,
		OracleFee:    fee,
		Label:        label,
		LabelHash:    LabelHash(label),
		CreatedAt:    now,
		Deadline:     now + req.Duration,
		JoinDeadline: now + req.JoinDuration,
		Status:       StatusOpen,
	}
	err = e.store.Update(func(st State) error {
		bets := NewBetStore(st)
		exists, err := bets.Exists(bet.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %x", ErrIdentifierCollision, bet.ID)
		}
		if err := NewReservationTable(st).Reserve(bet.LabelHash); err != nil {
			return fmt.Errorf("%w: %q", err, label)
		}
		if !e.trophies.Available(e.trophy.Namespace, label) {
			return fmt.Errorf("%w: %q already issued", ErrLabelTaken, label)
		}
		if err := transfer(st, req.Creator, e.vault, escrowed); err != nil {
			return err
		}
		if err := e.payOut(st, e.feeCollector, fee); err != nil {
			return err
		}
		return bets.Insert(bet)
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(bet))
	return bet.Clone(), nil
}

// Join takes the opposite side of an open bet. The joiner's escrow must equal
// the creator's stake exactly.
func (e *Engine) Join(id [32]byte, joiner [20]byte, escrow *big.Int) (bet *Bet, err error) {
	started := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.observe("join", started, err) }()

	amount := cloneBigInt(escrow)
	err = e.store.Update(func(st State) error {
		bets := NewBetStore(st)
		loaded, err := bets.Load(id)
		if err != nil {
			return err
		}
		if loaded.Status.Terminal() {
			return fmt.Errorf("%w: status %s", ErrAlreadyTerminal, loaded.Status)
		}
		if loaded.Status == StatusMatched {
			return ErrAlreadyMatched
		}
		if joiner == loaded.Creator {
			return ErrSelfMatch
		}
		if joiner == ([20]byte{}) {
			return fmt.Errorf("%w: joiner required", ErrUnauthorized)
		}
		now := e.now()
		if now > loaded.JoinDeadline || now >= loaded.Deadline {
			return fmt.Errorf("%w: join window closed at %d", ErrTimeWindow, loaded.JoinDeadline)
		}
		if amount.Cmp(loaded.Stake) != 0 {
			return fmt.Errorf("%w: got %s, want %s", ErrStakeMismatch, amount, loaded.Stake)
		}
		if err := loaded.match(joiner); err != nil {
			return err
		}
		if err := bets.Save(loaded); err != nil {
			return err
		}
		if err := transfer(st, joiner, e.vault, amount); err != nil {
			return err
		}
		bet = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewJoinedEvent(bet))
	return bet.Clone(), nil
}

// Resolution describes the settlement performed by Resolve.
type Resolution struct {
	Bet       *Bet
	Payout    *big.Int
	Fee       *big.Int
	FeeRefund *big.Int
	// TrophyErr records a failed best-effort trophy delivery. Settlement is
	// final regardless of its value.
	TrophyErr error
}

// Resolve settles a matched bet once its deadline has passed. Any caller may
// resolve by paying the oracle update fee. feePayment enters the vault, the
// quoted fee goes to the collector, and the caller is refunded the excess
// feePayment minus the fee, leaving their net cost at exactly the quote.
// After settlement commits the winner's trophy is delivered on a best-effort
// basis.
func (e *Engine) Resolve(id [32]byte, caller [20]byte, updates [][]byte, feePayment *big.Int) (*Resolution, error) {
	res, namespace, err := e.settle(id, caller, updates, feePayment)
	if err != nil {
		return nil, err
	}
	res.TrophyErr = e.deliverTrophy(res.Bet, namespace)
	return res, nil
}

func (e *Engine) settle(id [32]byte, caller [20]byte, updates [][]byte, feePayment *big.Int) (res *Resolution, namespace string, err error) {
	started := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.observe("resolve", started, err) }()

	if caller == ([20]byte{}) {
		return nil, "", fmt.Errorf("%w: caller required", ErrUnauthorized)
	}
	var bet *Bet
	if err := e.store.View(func(st State) error {
		loaded, err := NewBetStore(st).Load(id)
		if err != nil {
			return err
		}
		bet = loaded
		return nil
	}); err != nil {
		return nil, "", err
	}
	if bet.Status.Terminal() {
		return nil, "", fmt.Errorf("%w: status %s", ErrAlreadyTerminal, bet.Status)
	}
	if e.now() < bet.Deadline {
		return nil, "", fmt.Errorf("%w: resolution opens at %d", ErrTimeWindow, bet.Deadline)
	}
	if bet.Status != StatusMatched {
		return nil, "", ErrNotYetMatched
	}
	payment := cloneBigInt(feePayment)
	fee, err := e.quoteFee(updates)
	if err != nil {
		return nil, "", err
	}
	if payment.Cmp(fee) < 0 {
		return nil, "", fmt.Errorf("%w: paid %s, quoted %s", ErrInsufficientFee, payment, fee)
	}
	if err := e.checkFunds(caller, payment); err != nil {
		return nil, "", err
	}
	fee, err = e.ingest(updates, fee)
	if err != nil {
		return nil, "", err
	}
	price, err := e.currentPrice(bet.FeedID)
	if err != nil {
		return nil, "", err
	}
	if price.Expo != bet.PriceExpo {
		return nil, "", fmt.Errorf("%w: exponent changed from %d to %d", ErrPriceUnavailable, bet.PriceExpo, price.Expo)
	}
	final, err := FromOraclePrice(price.Price)
	if err != nil {
		return nil, "", err
	}
	winner := bet.Joiner
	if CreatorWins(final, bet.TargetPrice) {
		winner = bet.Creator
	}
	now := e.now()
	pot := bet.Pot()
	refund := new(big.Int).Sub(payment, fee)
	err = e.store.Update(func(st State) error {
		bets := NewBetStore(st)
		current, err := bets.Load(id)
		if err != nil {
			return err
		}
		if err := current.resolve(winner, price.Price, now); err != nil {
			return err
		}
		if err := bets.Save(current); err != nil {
			return err
		}
		if err := transfer(st, caller, e.vault, payment); err != nil {
			return err
		}
		if err := e.payOut(st, e.feeCollector, fee); err != nil {
			return err
		}
		if err := e.payOut(st, caller, refund); err != nil {
			return err
		}
		if err := e.payOut(st, winner, pot); err != nil {
			return err
		}
		bet = current
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	e.emit(NewResolvedEvent(bet, caller, pot, fee, refund))
	return &Resolution{
		Bet:       bet.Clone(),
		Payout:    pot,
		Fee:       fee,
		FeeRefund: refund,
	}, e.trophy.Namespace, nil
}

// deliverTrophy runs without the engine lock held. A re-entrant lifecycle call
// from the issuer observes the committed terminal state.
func (e *Engine) deliverTrophy(bet *Bet, namespace string) (deliveryErr error) {
	defer func() {
		if r := recover(); r != nil {
			deliveryErr = fmt.Errorf("wager: trophy issuer panicked: %v", r)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.metrics.ObserveTrophy(deliveryErr == nil)
		fullName := e.trophies.FullName(namespace, bet.Label)
		if deliveryErr != nil {
			e.logger.Warn("trophy delivery failed",
				slog.String("bet", fmt.Sprintf("%x", bet.ID)),
				slog.String("name", fullName),
				slog.Any("error", deliveryErr))
		} else {
			e.logger.Info("trophy delivered",
				slog.String("bet", fmt.Sprintf("%x", bet.ID)),
				slog.String("name", fullName))
		}
		e.emit(NewTrophyEvent(bet, fullName, deliveryErr))
	}()
	e.mu.Lock()
	issuer := e.trophies
	e.mu.Unlock()
	return issuer.Assign(namespace, bet.Label, bet.Winner)
}

// Cancel withdraws an unmatched bet after its join window has closed. The
// stake is refunded and the label becomes available again; the creation fee
// is not refunded.
func (e *Engine) Cancel(id [32]byte, caller [20]byte) (bet *Bet, err error) {
	started := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.observe("cancel", started, err) }()

	err = e.store.Update(func(st State) error {
		bets := NewBetStore(st)
		loaded, err := bets.Load(id)
		if err != nil {
			return err
		}
		if loaded.Status.Terminal() {
			return fmt.Errorf("%w: status %s", ErrAlreadyTerminal, loaded.Status)
		}
		if caller != loaded.Creator {
			return fmt.Errorf("%w: only the creator may cancel", ErrUnauthorized)
		}
		if loaded.Status == StatusMatched {
			return ErrAlreadyMatched
		}
		if e.now() <= loaded.JoinDeadline {
			return fmt.Errorf("%w: cancellation opens after %d", ErrTimeWindow, loaded.JoinDeadline)
		}
		if err := loaded.cancel(); err != nil {
			return err
		}
		if err := bets.Save(loaded); err != nil {
			return err
		}
		if err := NewReservationTable(st).Release(loaded.LabelHash); err != nil {
			return err
		}
		if err := e.payOut(st, loaded.Creator, loaded.Stake); err != nil {
			return err
		}
		bet = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(bet, bet.Stake))
	return bet.Clone(), nil
}

// Get returns a copy of the stored bet.
func (e *Engine) Get(id [32]byte) (*Bet, error) {
	var bet *Bet
	err := e.store.View(func(st State) error {
		loaded, err := NewBetStore(st).Load(id)
		if err != nil {
			return err
		}
		bet = loaded
		return nil
	})
	return bet, err
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status      Status
	Participant [20]byte
	Limit       int
}

// List returns stored bets in identifier order.
func (e *Engine) List(filter ListFilter) ([]*Bet, error) {
	var out []*Bet
	err := e.store.View(func(st State) error {
		return st.BetIterate(func(b *Bet) bool {
			if filter.Status != 0 && b.Status != filter.Status {
				return true
			}
			if filter.Participant != ([20]byte{}) && b.Creator != filter.Participant && b.Joiner != filter.Participant {
				return true
			}
			out = append(out, b.Clone())
			return filter.Limit <= 0 || len(out) < filter.Limit
		})
	})
	return out, err
}

// Matured lists matched bets whose deadline is at or before now.
func (e *Engine) Matured(now int64) ([]*Bet, error) {
	matched, err := e.List(ListFilter{Status: StatusMatched})
	if err != nil {
		return nil, err
	}
	out := matched[:0]
	for _, b := range matched {
		if b.Deadline <= now {
			out = append(out, b)
		}
	}
	return out, nil
}

// Balance returns the ledger balance of addr.
func (e *Engine) Balance(addr [20]byte) (*big.Int, error) {
	var bal *big.Int
	err := e.store.View(func(st State) error {
		var err error
		bal, err = balanceOf(st, addr)
		return err
	})
	return bal, err
}

// VaultBalance returns the amount currently held in escrow.
func (e *Engine) VaultBalance() (*big.Int, error) {
	return e.Balance(e.vault)
}

// QuoteFee returns the oracle fee for ingesting updates. Create expects
// escrow of stake plus this amount; Resolve expects at least this payment.
func (e *Engine) QuoteFee(updates [][]byte) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quoteFee(updates)
}

func (e *Engine) quoteFee(updates [][]byte) (*big.Int, error) {
	fee, err := e.oracle.UpdateFee(updates)
	if err != nil {
		return nil, fmt.Errorf("%w: fee quote: %v", ErrPriceUnavailable, err)
	}
	if fee == nil || fee.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid fee quote", ErrPriceUnavailable)
	}
	return cloneBigInt(fee), nil
}

// ingest submits the updates and returns the fee actually charged, which may
// not exceed the quote.
func (e *Engine) ingest(updates [][]byte, quoted *big.Int) (*big.Int, error) {
	charged, err := e.oracle.UpdatePriceFeeds(updates)
	if err != nil {
		return nil, fmt.Errorf("%w: update rejected: %v", ErrPriceUnavailable, err)
	}
	charged = cloneBigInt(charged)
	if charged.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative fee charged", ErrPriceUnavailable)
	}
	if charged.Cmp(quoted) > 0 {
		return nil, fmt.Errorf("%w: charged %s above quote %s", ErrInsufficientFee, charged, quoted)
	}
	return charged, nil
}

func (e *Engine) currentPrice(feedID [32]byte) (Price, error) {
	price, err := e.oracle.PriceNoOlderThan(feedID, e.params.MaxPriceAge)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if price.Price <= 0 {
		return Price{}, fmt.Errorf("%w: non-positive price %d", ErrPriceUnavailable, price.Price)
	}
	return price, nil
}

// checkFunds rejects a caller who cannot cover amount before any fee is
// spent on the oracle.
func (e *Engine) checkFunds(addr [20]byte, amount *big.Int) error {
	return e.store.View(func(st State) error {
		bal, err := balanceOf(st, addr)
		if err != nil {
			return err
		}
		if bal.Cmp(amount) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
		}
		return nil
	})
}

// payOut moves amount out of the vault. Any failure is a mandatory-transfer
// failure and aborts the enclosing transaction.
func (e *Engine) payOut(st State, to [20]byte, amount *big.Int) error {
	if err := transfer(st, e.vault, to, amount); err != nil {
		if errors.Is(err, ErrTransferFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}
