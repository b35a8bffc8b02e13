package oracle

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"pricewager/native/wager"
)

// maxFutureSkew bounds how far ahead of the local clock a publish time may be.
const maxFutureSkew int64 = 5

// Feed is an in-process price oracle. It accepts signed updates from trusted
// publishers, charges a flat fee per update and keeps the newest observation
// per feed.
type Feed struct {
	mu         sync.RWMutex
	fee        *big.Int
	publishers map[[20]byte]struct{}
	catalog    *Catalog
	latest     map[[32]byte]Update
	nowFn      func() int64
}

// Option configures a Feed.
type Option func(*Feed)

// WithCatalog restricts accepted updates to catalogued feeds and exponents.
func WithCatalog(cat *Catalog) Option {
	return func(f *Feed) { f.catalog = cat }
}

// WithClock overrides the feed's time source.
func WithClock(now func() int64) Option {
	return func(f *Feed) {
		if now != nil {
			f.nowFn = now
		}
	}
}

// NewFeed constructs a feed charging feePerUpdate and trusting publishers.
func NewFeed(feePerUpdate *big.Int, publishers [][20]byte, opts ...Option) (*Feed, error) {
	if len(publishers) == 0 {
		return nil, fmt.Errorf("oracle: at least one publisher required")
	}
	fee := big.NewInt(0)
	if feePerUpdate != nil {
		if feePerUpdate.Sign() < 0 {
			return nil, fmt.Errorf("oracle: fee must not be negative")
		}
		fee.Set(feePerUpdate)
	}
	f := &Feed{
		fee:        fee,
		publishers: make(map[[20]byte]struct{}, len(publishers)),
		latest:     make(map[[32]byte]Update),
		nowFn:      func() int64 { return time.Now().Unix() },
	}
	for _, p := range publishers {
		f.publishers[p] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// UpdateFee quotes the fee for ingesting updates.
func (f *Feed) UpdateFee(updates [][]byte) (*big.Int, error) {
	return new(big.Int).Mul(f.fee, big.NewInt(int64(len(updates)))), nil
}

// UpdatePriceFeeds verifies every update before applying any of them. Older
// observations than the stored one are accepted but ignored.
func (f *Feed) UpdatePriceFeeds(updates [][]byte) (*big.Int, error) {
	decoded := make([]Update, 0, len(updates))
	now := f.nowFn()
	for i, blob := range updates {
		u, err := Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		if err := f.verify(u, now); err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		decoded = append(decoded, u)
	}
	f.mu.Lock()
	for _, u := range decoded {
		id, _ := u.Feed()
		if current, ok := f.latest[id]; ok && current.PublishTime >= u.PublishTime {
			continue
		}
		f.latest[id] = u
	}
	f.mu.Unlock()
	return f.UpdateFee(updates)
}

func (f *Feed) verify(u Update, now int64) error {
	id, err := u.Feed()
	if err != nil {
		return err
	}
	if u.Price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrMalformedUpdate)
	}
	if u.PublishTime <= 0 || u.PublishTime > now+maxFutureSkew {
		return fmt.Errorf("%w: publish time %d outside accepted range", ErrMalformedUpdate, u.PublishTime)
	}
	if f.catalog != nil {
		entry, ok := f.catalog.Lookup(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrFeedNotFound, FormatFeedID(id))
		}
		if entry.Exponent != 0 && entry.Exponent != u.Expo {
			return fmt.Errorf("%w: %s expects exponent %d", ErrMalformedUpdate, entry.Symbol, entry.Exponent)
		}
	}
	publisher, err := u.Publisher()
	if err != nil {
		return err
	}
	f.mu.RLock()
	_, trusted := f.publishers[publisher]
	f.mu.RUnlock()
	if !trusted {
		return fmt.Errorf("%w: %x", ErrUntrustedPublisher, publisher)
	}
	return nil
}

// PriceNoOlderThan returns the newest price for feedID if it was published at
// most maxAge seconds ago.
func (f *Feed) PriceNoOlderThan(feedID [32]byte, maxAge int64) (wager.Price, error) {
	f.mu.RLock()
	u, ok := f.latest[feedID]
	f.mu.RUnlock()
	if !ok {
		return wager.Price{}, fmt.Errorf("%w: %s", ErrFeedNotFound, FormatFeedID(feedID))
	}
	if age := f.nowFn() - u.PublishTime; age > maxAge {
		return wager.Price{}, fmt.Errorf("%w: age %ds exceeds %ds", ErrStalePrice, age, maxAge)
	}
	return wager.Price{Price: u.Price, Expo: u.Expo, PublishTime: u.PublishTime}, nil
}

// Latest returns the newest signed update held for feedID.
func (f *Feed) Latest(feedID [32]byte) (Update, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	u, ok := f.latest[feedID]
	return u, ok
}

// Snapshot returns the newest update of every feed ordered by feed id.
func (f *Feed) Snapshot() []Update {
	f.mu.RLock()
	out := make([]Update, 0, len(f.latest))
	for _, u := range f.latest {
		out = append(out, u)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out
}

// FeePerUpdate returns the flat fee charged for each update.
func (f *Feed) FeePerUpdate() *big.Int {
	return new(big.Int).Set(f.fee)
}
