package wager

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"pricewager/core/events"
	"pricewager/core/types"
)

var (
	ownerAddr     = [20]byte{0x01}
	vaultAddr     = [20]byte{0x02}
	collectorAddr = [20]byte{0x03}
	creatorAddr   = [20]byte{0xA1}
	joinerAddr    = [20]byte{0xB2}
	resolverAddr  = [20]byte{0xC3}
	testFeed      = [32]byte{0xFE, 0xED}
)

var oneUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type mockStore struct {
	mu       sync.Mutex
	bets     map[[32]byte]*Bet
	trophies map[[32]byte]bool
	accounts map[[20]byte]*types.Account
	blocked  map[[20]byte]bool
}

func newMockStore() *mockStore {
	return &mockStore{
		bets:     make(map[[32]byte]*Bet),
		trophies: make(map[[32]byte]bool),
		accounts: make(map[[20]byte]*types.Account),
		blocked:  make(map[[20]byte]bool),
	}
}

type mockTx struct {
	bets     map[[32]byte]*Bet
	trophies map[[32]byte]bool
	accounts map[[20]byte]*types.Account
	blocked  map[[20]byte]bool
}

func (m *mockStore) View(fn func(State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.snapshot())
}

func (m *mockStore) Update(fn func(State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.snapshot()
	if err := fn(tx); err != nil {
		return err
	}
	m.bets, m.trophies, m.accounts = tx.bets, tx.trophies, tx.accounts
	return nil
}

func (m *mockStore) snapshot() *mockTx {
	tx := &mockTx{
		bets:     make(map[[32]byte]*Bet, len(m.bets)),
		trophies: make(map[[32]byte]bool, len(m.trophies)),
		accounts: make(map[[20]byte]*types.Account, len(m.accounts)),
		blocked:  m.blocked,
	}
	for k, v := range m.bets {
		tx.bets[k] = v.Clone()
	}
	for k, v := range m.trophies {
		tx.trophies[k] = v
	}
	for k, v := range m.accounts {
		tx.accounts[k] = v.Clone()
	}
	return tx
}

func (tx *mockTx) BetGet(id [32]byte) (*Bet, bool, error) {
	b, ok := tx.bets[id]
	if !ok {
		return nil, false, nil
	}
	return b.Clone(), true, nil
}

func (tx *mockTx) BetPut(b *Bet) error {
	tx.bets[b.ID] = b.Clone()
	return nil
}

func (tx *mockTx) BetIterate(fn func(*Bet) bool) error {
	ids := make([][32]byte, 0, len(tx.bets))
	for id := range tx.bets {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && string(ids[j][:]) < string(ids[j-1][:]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	for _, id := range ids {
		if !fn(tx.bets[id].Clone()) {
			return nil
		}
	}
	return nil
}

func (tx *mockTx) TrophyReserved(hash [32]byte) (bool, error) { return tx.trophies[hash], nil }

func (tx *mockTx) SetTrophyReserved(hash [32]byte, reserved bool) error {
	if reserved {
		tx.trophies[hash] = true
	} else {
		delete(tx.trophies, hash)
	}
	return nil
}

func (tx *mockTx) GetAccount(addr [20]byte) (*types.Account, error) {
	acc, ok := tx.accounts[addr]
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	return acc.Clone(), nil
}

func (tx *mockTx) PutAccount(addr [20]byte, account *types.Account) error {
	if tx.blocked[addr] {
		return fmt.Errorf("account %x rejects transfers", addr[:1])
	}
	tx.accounts[addr] = account.Clone()
	return nil
}

type fakeOracle struct {
	mu      sync.Mutex
	fee     *big.Int
	price   Price
	err     error
	updates int
}

func (o *fakeOracle) UpdateFee(updates [][]byte) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return new(big.Int).Set(o.fee), nil
}

func (o *fakeOracle) UpdatePriceFeeds(updates [][]byte) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates++
	return new(big.Int).Set(o.fee), nil
}

func (o *fakeOracle) PriceNoOlderThan(feedID [32]byte, maxAge int64) (Price, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return Price{}, o.err
	}
	return o.price, nil
}

func (o *fakeOracle) setPrice(price int64, expo int32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = Price{Price: price, Expo: expo}
}

type fakeIssuer struct {
	mu       sync.Mutex
	assigned map[string][20]byte
	fail     error
	onAssign func()
}

func newFakeIssuer() *fakeIssuer { return &fakeIssuer{assigned: make(map[string][20]byte)} }

func (f *fakeIssuer) Assign(namespace, label string, owner [20]byte) error {
	if f.onAssign != nil {
		f.onAssign()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.assigned[label+"."+namespace] = owner
	return nil
}

func (f *fakeIssuer) Available(namespace, label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, taken := f.assigned[label+"."+namespace]
	return !taken
}

func (f *fakeIssuer) FullName(namespace, label string) string { return label + "." + namespace }

type capturingEmitter struct {
	mu     sync.Mutex
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	payload, ok := events.Payload(evt)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, payload.Clone())
}

func (c *capturingEmitter) last(eventType string) *types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == eventType {
			return c.events[i]
		}
	}
	return nil
}

type harness struct {
	engine  *Engine
	store   *mockStore
	oracle  *fakeOracle
	issuer  *fakeIssuer
	emitter *capturingEmitter
	now     int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newMockStore(),
		oracle:  &fakeOracle{fee: big.NewInt(100), price: Price{Price: 50_000 * 100_000_000, Expo: -8}},
		issuer:  newFakeIssuer(),
		emitter: &capturingEmitter{},
		now:     1_700_000_000,
	}
	engine, err := NewEngine(Config{
		Store:        h.store,
		Oracle:       h.oracle,
		Trophies:     h.issuer,
		Owner:        ownerAddr,
		Vault:        vaultAddr,
		FeeCollector: collectorAddr,
		Params:       DefaultParams(),
		Trophy:       TrophyConfig{Namespace: "wager", Resolver: ownerAddr},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetEmitter(h.emitter)
	engine.SetNowFunc(func() int64 { return h.now })
	h.engine = engine
	for _, addr := range [][20]byte{creatorAddr, joinerAddr, resolverAddr} {
		if err := engine.Deposit(ownerAddr, addr, new(big.Int).Mul(oneUnit, big.NewInt(10))); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	return h
}

func (h *harness) balance(t *testing.T, addr [20]byte) *big.Int {
	t.Helper()
	bal, err := h.engine.Balance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (h *harness) create(t *testing.T, label string, target uint64) *Bet {
	t.Helper()
	bet, err := h.engine.Create(CreateRequest{
		Creator:      creatorAddr,
		FeedID:       testFeed,
		TargetUSD:    target,
		Duration:     300,
		JoinDuration: 60,
		Label:        label,
		Escrowed:     new(big.Int).Add(oneUnit, big.NewInt(100)),
		Updates:      [][]byte{[]byte("update")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return bet
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func TestEndToEndCreatorWinsOnTie(t *testing.T) {
	h := newHarness(t)
	startCreator := h.balance(t, creatorAddr)
	startResolver := h.balance(t, resolverAddr)

	bet := h.create(t, "alpha", 50_000)
	if bet.Status != StatusOpen {
		t.Fatalf("expected open, got %s", bet.Status)
	}
	if bet.Stake.Cmp(oneUnit) != 0 {
		t.Fatalf("expected stake of one unit, got %s", bet.Stake)
	}
	if bet.Deadline != h.now+300 || bet.JoinDeadline != h.now+60 {
		t.Fatalf("unexpected deadlines %d/%d", bet.Deadline, bet.JoinDeadline)
	}

	h.now += 30
	if _, err := h.engine.Join(bet.ID, joinerAddr, oneUnit); err != nil {
		t.Fatalf("join: %v", err)
	}

	h.now = bet.Deadline
	res, err := h.engine.Resolve(bet.ID, resolverAddr, [][]byte{[]byte("final")}, big.NewInt(150))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Bet.Status != StatusResolved || res.Bet.Winner != creatorAddr {
		t.Fatalf("expected creator to win on tie, got %x", res.Bet.Winner)
	}
	if res.Payout.Cmp(new(big.Int).Mul(oneUnit, big.NewInt(2))) != 0 {
		t.Fatalf("unexpected payout %s", res.Payout)
	}
	if res.TrophyErr != nil {
		t.Fatalf("unexpected trophy error: %v", res.TrophyErr)
	}

	wantCreator := new(big.Int).Sub(startCreator, big.NewInt(100))
	wantCreator.Add(wantCreator, oneUnit)
	if got := h.balance(t, creatorAddr); got.Cmp(wantCreator) != 0 {
		t.Fatalf("creator balance: want %s got %s", wantCreator, got)
	}
	wantResolver := new(big.Int).Sub(startResolver, big.NewInt(100))
	if got := h.balance(t, resolverAddr); got.Cmp(wantResolver) != 0 {
		t.Fatalf("resolver should pay exactly the quoted fee: want %s got %s", wantResolver, got)
	}
	if got := h.balance(t, vaultAddr); got.Sign() != 0 {
		t.Fatalf("vault should be empty, got %s", got)
	}
	if got := h.balance(t, collectorAddr); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("collector should hold both fees, got %s", got)
	}
	if owner := h.issuer.assigned["alpha.wager"]; owner != creatorAddr {
		t.Fatalf("trophy not assigned to creator")
	}
	if evt := h.emitter.last(EventTypeTrophy); evt == nil || evt.Attributes["outcome"] != TrophyOutcomeDelivered {
		t.Fatalf("expected delivered trophy event, got %+v", evt)
	}
	if evt := h.emitter.last(EventTypeResolved); evt == nil || evt.Attributes["payout"] != res.Payout.String() {
		t.Fatalf("expected resolved event with payout, got %+v", evt)
	}

	stored, err := h.engine.Get(bet.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusResolved || stored.FinalPrice != 50_000*100_000_000 {
		t.Fatalf("unexpected stored bet %+v", stored)
	}
}

func TestEndToEndCancelRefundsStakeAndReleasesLabel(t *testing.T) {
	h := newHarness(t)
	start := h.balance(t, creatorAddr)
	bet := h.create(t, "alpha", 50_000)

	h.now = bet.JoinDeadline + 1
	cancelled, err := h.engine.Cancel(bet.ID, creatorAddr)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	want := new(big.Int).Sub(start, big.NewInt(100))
	if got := h.balance(t, creatorAddr); got.Cmp(want) != 0 {
		t.Fatalf("creator should get stake back without fee: want %s got %s", want, got)
	}
	if evt := h.emitter.last(EventTypeCancelled); evt == nil || evt.Attributes["refund"] != oneUnit.String() {
		t.Fatalf("expected cancelled event with refund, got %+v", evt)
	}

	again := h.create(t, "alpha", 60_000)
	if again.ID == bet.ID {
		t.Fatalf("expected fresh identifier")
	}
}

func TestLabelTakenAfterResolution(t *testing.T) {
	h := newHarness(t)
	bet := h.create(t, "alpha", 50_000)
	h.now += 10
	if _, err := h.engine.Join(bet.ID, joinerAddr, oneUnit); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.now = bet.Deadline
	if _, err := h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err := h.engine.Create(CreateRequest{
		Creator: creatorAddr, FeedID: testFeed, TargetUSD: 1, Duration: 300, JoinDuration: 60,
		Label: "Alpha", Escrowed: new(big.Int).Add(oneUnit, big.NewInt(100)),
	})
	expectErr(t, err, ErrLabelTaken)
}

func TestLabelTakenWhileOpen(t *testing.T) {
	h := newHarness(t)
	h.create(t, "alpha", 50_000)
	_, err := h.engine.Create(CreateRequest{
		Creator: joinerAddr, FeedID: testFeed, TargetUSD: 1, Duration: 300, JoinDuration: 60,
		Label: "alpha", Escrowed: new(big.Int).Add(oneUnit, big.NewInt(100)),
	})
	expectErr(t, err, ErrLabelTaken)
	if got := h.balance(t, joinerAddr); got.Cmp(new(big.Int).Mul(oneUnit, big.NewInt(10))) != 0 {
		t.Fatalf("failed create must not debit: %s", got)
	}
}

func TestIdentifierCollisionIsRejected(t *testing.T) {
	h := newHarness(t)
	h.engine.SetEntropy(EntropyFunc(func() [32]byte { return [32]byte{0x42} }))
	first := h.create(t, "first", 50_000)
	before := h.balance(t, creatorAddr)

	_, err := h.engine.Create(CreateRequest{
		Creator: creatorAddr, FeedID: testFeed, TargetUSD: 50_000, Duration: 600, JoinDuration: 120,
		Label: "second", Escrowed: new(big.Int).Add(oneUnit, big.NewInt(100)),
	})
	expectErr(t, err, ErrIdentifierCollision)

	stored, err := h.engine.Get(first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Label != "first" || stored.Deadline != first.Deadline {
		t.Fatalf("collision overwrote the original bet")
	}
	if got := h.balance(t, creatorAddr); got.Cmp(before) != 0 {
		t.Fatalf("collision must not move funds")
	}
	if reserved, _ := h.reserved(t, "second"); reserved {
		t.Fatalf("collision must not reserve the label")
	}

	h.now++
	if _, err := h.engine.Create(CreateRequest{
		Creator: creatorAddr, FeedID: testFeed, TargetUSD: 50_000, Duration: 600, JoinDuration: 120,
		Label: "second", Escrowed: new(big.Int).Add(oneUnit, big.NewInt(100)),
	}); err != nil {
		t.Fatalf("create with distinct timestamp: %v", err)
	}
}

func (h *harness) reserved(t *testing.T, label string) (bool, error) {
	t.Helper()
	var reserved bool
	err := h.store.View(func(st State) error {
		var err error
		reserved, err = NewReservationTable(st).Reserved(LabelHash(label))
		return err
	})
	return reserved, err
}

func TestConcurrentJoinsOnlyFirstSucceeds(t *testing.T) {
	h := newHarness(t)
	bet := h.create(t, "race", 50_000)
	joiners := make([][20]byte, 8)
	for i := range joiners {
		joiners[i] = [20]byte{0xD0, byte(i)}
		if err := h.engine.Deposit(ownerAddr, joiners[i], oneUnit); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}

	var wg sync.WaitGroup
	results := make([]error, len(joiners))
	for i := range joiners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = h.engine.Join(bet.ID, joiners[i], oneUnit)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyMatched):
		default:
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful join, got %d", successes)
	}
	if got := h.balance(t, vaultAddr); got.Cmp(new(big.Int).Mul(oneUnit, big.NewInt(2))) != 0 {
		t.Fatalf("vault should hold both stakes, got %s", got)
	}
}

func TestJoinPreconditions(t *testing.T) {
	h := newHarness(t)
	bet := h.create(t, "gate", 50_000)

	_, err := h.engine.Join([32]byte{0x99}, joinerAddr, oneUnit)
	expectErr(t, err, ErrNotFound)

	_, err = h.engine.Join(bet.ID, creatorAddr, oneUnit)
	expectErr(t, err, ErrSelfMatch)

	_, err = h.engine.Join(bet.ID, joinerAddr, big.NewInt(1))
	expectErr(t, err, ErrStakeMismatch)

	h.now = bet.JoinDeadline
	if _, err := h.engine.Join(bet.ID, joinerAddr, oneUnit); err != nil {
		t.Fatalf("join at the deadline should succeed: %v", err)
	}
	_, err = h.engine.Join(bet.ID, resolverAddr, oneUnit)
	expectErr(t, err, ErrAlreadyMatched)

	late := h.create(t, "late", 50_000)
	h.now = late.JoinDeadline + 1
	_, err = h.engine.Join(late.ID, joinerAddr, oneUnit)
	expectErr(t, err, ErrTimeWindow)
}

func TestJoinRequiresFunds(t *testing.T) {
	h := newHarness(t)
	bet := h.create(t, "broke", 50_000)
	poor := [20]byte{0xEE}
	_, err := h.engine.Join(bet.ID, poor, oneUnit)
	expectErr(t, err, ErrInsufficientBalance)
	stored, _ := h.engine.Get(bet.ID)
	if stored.Status != StatusOpen || stored.Joiner != ([20]byte{}) {
		t.Fatalf("failed join must leave the bet open")
	}
}

func TestResolveTiming(t *testing.T) {
	h := newHarness(t)
	bet := h.create(t, "timing", 50_000)

	_, err := h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100))
	expectErr(t, err, ErrTimeWindow)

	h.now = bet.Deadline
	_, err = h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100))
	expectErr(t, err, ErrNotYetMatched)

	_, err = h.engine.Resolve([32]byte{0x77}, resolverAddr, nil, big.NewInt(100))
	expectErr(t, err, ErrNotFound)
}

func matchedBet(t *testing.T, h *harness, label string, target uint64) *Bet {
	t.Helper()
	bet := h.create(t, label, target)
	h.now += 5
	if _, err := h.engine.Join(bet.ID, joinerAddr, oneUnit); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.now = bet.Deadline
	return bet
}

func TestResolveJoinerWinsBelowTarget(t *testing.T) {
	h := newHarness(t)
	bet := matchedBet(t, h, "below", 50_000)
	h.oracle.setPrice(50_000*100_000_000-1, -8)
	res, err := h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Bet.Winner != joinerAddr {
		t.Fatalf("expected joiner to win")
	}
	if owner := h.issuer.assigned["below.wager"]; owner != joinerAddr {
		t.Fatalf("trophy should go to joiner")
	}
}

func TestWinnerDeterminationIsMonotonic(t *testing.T) {
	target, err := ToOracleFormat(50_000, -8)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	flips := 0
	prev := false
	base := int64(50_000*100_000_000 - 5)
	for p := base; p <= base+10; p++ {
		final, err := FromOraclePrice(p)
		if err != nil {
			t.Fatalf("lift: %v", err)
		}
		wins := CreatorWins(final, target)
		if p == 50_000*100_000_000 && !wins {
			t.Fatalf("tie must favour the creator")
		}
		if wins != prev {
			flips++
			if !wins {
				t.Fatalf("winner flipped back to joiner at %d", p)
			}
		}
		prev = wins
	}
	if flips != 1 {
		t.Fatalf("expected exactly one flip, got %d", flips)
	}
}

func TestResolvePriceValidation(t *testing.T) {
	h := newHarness(t)
	bet := matchedBet(t, h, "prices", 50_000)

	h.oracle.setPrice(5_000_000, -2)
	_, err := h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100))
	expectErr(t, err, ErrPriceUnavailable)

	h.oracle.setPrice(0, -8)
	_, err = h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100))
	expectErr(t, err, ErrPriceUnavailable)

	h.oracle.setPrice(50_000*100_000_000, -8)
	h.oracle.err = errors.New("stale")
	_, err = h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100))
	expectErr(t, err, ErrPriceUnavailable)
	h.oracle.err = nil

	_, err = h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(99))
	expectErr(t, err, ErrInsufficientFee)

	stored, _ := h.engine.Get(bet.ID)
	if stored.Status != StatusMatched {
		t.Fatalf("failed resolutions must leave the bet matched, got %s", stored.Status)
	}
	if _, err := h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err = h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100))
	expectErr(t, err, ErrAlreadyTerminal)
}

func TestPayoutConservation(t *testing.T) {
	h := newHarness(t)
	bet := matchedBet(t, h, "conserve", 40_000)
	payment := big.NewInt(1_000)
	res, err := h.engine.Resolve(bet.ID, resolverAddr, nil, payment)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	escrowed := new(big.Int).Mul(bet.Stake, big.NewInt(2))
	escrowed.Add(escrowed, bet.OracleFee)
	escrowed.Add(escrowed, payment)
	paid := new(big.Int).Add(res.Payout, res.FeeRefund)
	if paid.Cmp(escrowed) > 0 {
		t.Fatalf("paid %s exceeds escrowed %s", paid, escrowed)
	}
	if res.FeeRefund.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("expected excess fee refund of 900, got %s", res.FeeRefund)
	}
}

func TestPayoutFailureRollsBackResolution(t *testing.T) {
	h := newHarness(t)
	bet := matchedBet(t, h, "rollback", 50_000)
	resolverBefore := h.balance(t, resolverAddr)
	vaultBefore := h.balance(t, vaultAddr)

	h.store.mu.Lock()
	h.store.blocked[creatorAddr] = true
	h.store.mu.Unlock()

	_, err := h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100))
	expectErr(t, err, ErrTransferFailed)

	stored, _ := h.engine.Get(bet.ID)
	if stored.Status != StatusMatched {
		t.Fatalf("failed payout must not persist the resolution")
	}
	if got := h.balance(t, resolverAddr); got.Cmp(resolverBefore) != 0 {
		t.Fatalf("resolver funds moved despite rollback")
	}
	if got := h.balance(t, vaultAddr); got.Cmp(vaultBefore) != 0 {
		t.Fatalf("vault changed despite rollback")
	}
	if len(h.issuer.assigned) != 0 {
		t.Fatalf("trophy must not be delivered for a failed resolution")
	}
}

func TestTrophyFailureDoesNotRollBackSettlement(t *testing.T) {
	h := newHarness(t)
	bet := matchedBet(t, h, "besteffort", 50_000)
	h.issuer.fail = errors.New("registry offline")

	res, err := h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100))
	if err != nil {
		t.Fatalf("resolve must succeed despite trophy failure: %v", err)
	}
	if res.TrophyErr == nil {
		t.Fatalf("expected trophy error to be reported")
	}
	stored, _ := h.engine.Get(bet.ID)
	if stored.Status != StatusResolved {
		t.Fatalf("settlement rolled back")
	}
	evt := h.emitter.last(EventTypeTrophy)
	if evt == nil || evt.Attributes["outcome"] != TrophyOutcomeFailed {
		t.Fatalf("expected failed trophy event, got %+v", evt)
	}
	if reserved, _ := h.reserved(t, "besteffort"); !reserved {
		t.Fatalf("label must stay reserved after resolution")
	}
}

func TestTrophyIssuerPanicIsContained(t *testing.T) {
	h := newHarness(t)
	bet := matchedBet(t, h, "panicky", 50_000)
	h.issuer.onAssign = func() { panic("boom") }

	res, err := h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.TrophyErr == nil {
		t.Fatalf("expected panic to surface as trophy error")
	}
}

func TestTrophyReentrancySeesTerminalState(t *testing.T) {
	h := newHarness(t)
	bet := matchedBet(t, h, "reenter", 50_000)
	var reentryErr error
	h.issuer.onAssign = func() {
		_, reentryErr = h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100))
	}
	if _, err := h.engine.Resolve(bet.ID, resolverAddr, nil, big.NewInt(100)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	expectErr(t, reentryErr, ErrAlreadyTerminal)
	want := new(big.Int).Mul(oneUnit, big.NewInt(11))
	want.Sub(want, big.NewInt(100))
	if got := h.balance(t, creatorAddr); got.Cmp(want) != 0 {
		t.Fatalf("creator paid more than once: %s", got)
	}
}

func TestCancelPreconditions(t *testing.T) {
	h := newHarness(t)
	bet := h.create(t, "cancel", 50_000)

	_, err := h.engine.Cancel(bet.ID, joinerAddr)
	expectErr(t, err, ErrUnauthorized)

	_, err = h.engine.Cancel(bet.ID, creatorAddr)
	expectErr(t, err, ErrTimeWindow)

	matched := matchedBet(t, h, "matched", 50_000)
	h.now = matched.JoinDeadline + 1
	_, err = h.engine.Cancel(matched.ID, creatorAddr)
	expectErr(t, err, ErrAlreadyMatched)

	h.now = bet.JoinDeadline + 1
	if _, err := h.engine.Cancel(bet.ID, creatorAddr); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = h.engine.Cancel(bet.ID, creatorAddr)
	expectErr(t, err, ErrAlreadyTerminal)
	_, err = h.engine.Join(bet.ID, joinerAddr, oneUnit)
	expectErr(t, err, ErrAlreadyTerminal)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	base := CreateRequest{
		Creator: creatorAddr, FeedID: testFeed, TargetUSD: 50_000, Duration: 300, JoinDuration: 60,
		Label: "valid", Escrowed: new(big.Int).Add(oneUnit, big.NewInt(100)),
	}
	cases := []struct {
		name   string
		mutate func(*CreateRequest)
		setup  func()
		want   error
	}{
		{name: "short duration", mutate: func(r *CreateRequest) { r.Duration = 299 }, want: ErrDurationOutOfRange},
		{name: "long duration", mutate: func(r *CreateRequest) { r.Duration = DefaultMaxDuration + 1 }, want: ErrDurationOutOfRange},
		{name: "short join", mutate: func(r *CreateRequest) { r.JoinDuration = 59 }, want: ErrDurationOutOfRange},
		{name: "join after deadline", mutate: func(r *CreateRequest) { r.JoinDuration = 301 }, want: ErrDurationOutOfRange},
		{name: "fee above escrow", mutate: func(r *CreateRequest) { r.Escrowed = big.NewInt(99) }, want: ErrInsufficientFee},
		{name: "stake too low", mutate: func(r *CreateRequest) { r.Escrowed = big.NewInt(1_000) }, want: ErrStakeTooLow},
		{name: "zero target", mutate: func(r *CreateRequest) { r.TargetUSD = 0 }, want: ErrPriceFormat},
		{name: "bad label", mutate: func(r *CreateRequest) { r.Label = "no spaces" }, want: ErrLabelInvalid},
		{name: "empty label", mutate: func(r *CreateRequest) { r.Label = "  " }, want: ErrLabelInvalid},
		{name: "insufficient balance", mutate: func(r *CreateRequest) { r.Escrowed = new(big.Int).Mul(oneUnit, big.NewInt(100)) }, want: ErrInsufficientBalance},
		{name: "non-positive price", setup: func() { h.oracle.setPrice(-1, -8) }, want: ErrPriceUnavailable},
		{name: "bad exponent", setup: func() { h.oracle.setPrice(5, -1) }, want: ErrPriceFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.oracle.setPrice(50_000*100_000_000, -8)
			if tc.setup != nil {
				tc.setup()
			}
			req := base
			if tc.mutate != nil {
				tc.mutate(&req)
			}
			_, err := h.engine.Create(req)
			expectErr(t, err, tc.want)
		})
	}
	bets, err := h.engine.List(ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bets) != 0 {
		t.Fatalf("failed creations must not persist bets, got %d", len(bets))
	}
	if reserved, _ := h.reserved(t, "valid"); reserved {
		t.Fatalf("failed creations must not reserve labels")
	}
}

func TestNewEngineRequiresConfiguration(t *testing.T) {
	store := newMockStore()
	oracle := &fakeOracle{fee: big.NewInt(0)}
	cases := []Config{
		{Oracle: oracle, Owner: ownerAddr, Vault: vaultAddr, FeeCollector: collectorAddr},
		{Store: store, Owner: ownerAddr, Vault: vaultAddr, FeeCollector: collectorAddr},
		{Store: store, Oracle: oracle, Vault: vaultAddr, FeeCollector: collectorAddr},
		{Store: store, Oracle: oracle, Owner: ownerAddr, FeeCollector: collectorAddr},
		{Store: store, Oracle: oracle, Owner: ownerAddr, Vault: vaultAddr},
		{Store: store, Oracle: oracle, Owner: ownerAddr, Vault: vaultAddr, FeeCollector: vaultAddr},
	}
	for i, cfg := range cases {
		if _, err := NewEngine(cfg); !errors.Is(err, ErrZeroAddressConfig) {
			t.Fatalf("case %d: expected ErrZeroAddressConfig, got %v", i, err)
		}
	}
}

func TestListAndMatured(t *testing.T) {
	h := newHarness(t)
	open := h.create(t, "open", 50_000)
	matched := matchedBet(t, h, "matched", 50_000)

	all, err := h.engine.List(ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected two bets, got %d", len(all))
	}
	mine, _ := h.engine.List(ListFilter{Participant: joinerAddr})
	if len(mine) != 1 || mine[0].ID != matched.ID {
		t.Fatalf("participant filter failed")
	}
	opens, _ := h.engine.List(ListFilter{Status: StatusOpen})
	if len(opens) != 1 || opens[0].ID != open.ID {
		t.Fatalf("status filter failed")
	}
	limited, _ := h.engine.List(ListFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit not applied")
	}

	due, err := h.engine.Matured(matched.Deadline - 1)
	if err != nil {
		t.Fatalf("matured: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("nothing should be due yet")
	}
	due, _ = h.engine.Matured(matched.Deadline)
	if len(due) != 1 || due[0].ID != matched.ID {
		t.Fatalf("expected matched bet to be due")
	}
}

func TestErrorKind(t *testing.T) {
	if ErrorKind(nil) != "" {
		t.Fatalf("nil should map to empty kind")
	}
	if got := ErrorKind(fmt.Errorf("%w: detail", ErrLabelTaken)); got != "label_taken" {
		t.Fatalf("unexpected kind %q", got)
	}
	if got := ErrorKind(errors.New("boom")); got != "internal" {
		t.Fatalf("unexpected kind %q", got)
	}
}
