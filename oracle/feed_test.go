package oracle

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"pricewager/crypto"
	"pricewager/native/wager"
)

var (
	btcFeed = [32]byte{0xB7, 0xC0}
	ethFeed = [32]byte{0xE7, 0x40}
)

const testCatalog = `
feeds:
  - id: "0xb7c0000000000000000000000000000000000000000000000000000000000000"
    symbol: btc/usd
    exponent: -8
  - id: "0xe740000000000000000000000000000000000000000000000000000000000000"
    symbol: ETH/USD
    exponent: -8
`

var _ wager.PriceOracle = (*Feed)(nil)
var _ wager.PriceOracle = (*Client)(nil)

func newSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	signer, err := NewSigner(key)
	require.NoError(t, err)
	return signer
}

func newTestFeed(t *testing.T, signer *Signer, now *int64, opts ...Option) *Feed {
	t.Helper()
	opts = append(opts, WithClock(func() int64 { return *now }))
	feed, err := NewFeed(big.NewInt(7), [][20]byte{signer.Address()}, opts...)
	require.NoError(t, err)
	return feed
}

func TestFeedIngestAndRead(t *testing.T) {
	now := int64(1_700_000_000)
	signer := newSigner(t)
	feed := newTestFeed(t, signer, &now)

	blob, err := signer.SignBlob(btcFeed, 6_500_000_000_000, -8, now-2)
	require.NoError(t, err)

	fee, err := feed.UpdateFee([][]byte{blob})
	require.NoError(t, err)
	require.Equal(t, "7", fee.String())

	charged, err := feed.UpdatePriceFeeds([][]byte{blob})
	require.NoError(t, err)
	require.Zero(t, charged.Cmp(fee))

	price, err := feed.PriceNoOlderThan(btcFeed, 60)
	require.NoError(t, err)
	require.Equal(t, int64(6_500_000_000_000), price.Price)
	require.Equal(t, int32(-8), price.Expo)
	require.Equal(t, now-2, price.PublishTime)

	_, err = feed.PriceNoOlderThan(ethFeed, 60)
	require.ErrorIs(t, err, ErrFeedNotFound)

	now += 120
	_, err = feed.PriceNoOlderThan(btcFeed, 60)
	require.ErrorIs(t, err, ErrStalePrice)
}

func TestFeedKeepsNewestObservation(t *testing.T) {
	now := int64(1_700_000_000)
	signer := newSigner(t)
	feed := newTestFeed(t, signer, &now)

	newer, err := signer.SignBlob(btcFeed, 200, -8, now-1)
	require.NoError(t, err)
	older, err := signer.SignBlob(btcFeed, 100, -8, now-10)
	require.NoError(t, err)

	_, err = feed.UpdatePriceFeeds([][]byte{newer, older})
	require.NoError(t, err)
	price, err := feed.PriceNoOlderThan(btcFeed, 60)
	require.NoError(t, err)
	require.Equal(t, int64(200), price.Price)
}

func TestFeedRejectsBadUpdates(t *testing.T) {
	now := int64(1_700_000_000)
	signer := newSigner(t)
	stranger := newSigner(t)
	cat, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	feed := newTestFeed(t, signer, &now, WithCatalog(cat))

	untrusted, err := stranger.SignBlob(btcFeed, 100, -8, now)
	require.NoError(t, err)
	_, err = feed.UpdatePriceFeeds([][]byte{untrusted})
	require.ErrorIs(t, err, ErrUntrustedPublisher)

	future, err := signer.SignBlob(btcFeed, 100, -8, now+60)
	require.NoError(t, err)
	_, err = feed.UpdatePriceFeeds([][]byte{future})
	require.ErrorIs(t, err, ErrMalformedUpdate)

	negative, err := signer.SignBlob(btcFeed, -1, -8, now)
	require.NoError(t, err)
	_, err = feed.UpdatePriceFeeds([][]byte{negative})
	require.ErrorIs(t, err, ErrMalformedUpdate)

	wrongExpo, err := signer.SignBlob(btcFeed, 100, -6, now)
	require.NoError(t, err)
	_, err = feed.UpdatePriceFeeds([][]byte{wrongExpo})
	require.ErrorIs(t, err, ErrMalformedUpdate)

	unknown, err := signer.SignBlob([32]byte{0x01}, 100, -8, now)
	require.NoError(t, err)
	_, err = feed.UpdatePriceFeeds([][]byte{unknown})
	require.ErrorIs(t, err, ErrFeedNotFound)

	_, err = feed.UpdatePriceFeeds([][]byte{[]byte("not json")})
	require.ErrorIs(t, err, ErrMalformedUpdate)

	tampered, err := signer.Sign(btcFeed, 100, -8, now)
	require.NoError(t, err)
	tampered.Price = 1_000_000
	blob, err := Encode(tampered)
	require.NoError(t, err)
	_, err = feed.UpdatePriceFeeds([][]byte{blob})
	require.Error(t, err)

	// A batch with one bad update applies nothing.
	good, err := signer.SignBlob(ethFeed, 300, -8, now)
	require.NoError(t, err)
	_, err = feed.UpdatePriceFeeds([][]byte{good, untrusted})
	require.Error(t, err)
	_, err = feed.PriceNoOlderThan(ethFeed, 60)
	require.ErrorIs(t, err, ErrFeedNotFound)
}

func TestNewFeedValidation(t *testing.T) {
	_, err := NewFeed(big.NewInt(1), nil)
	require.Error(t, err)
	_, err = NewFeed(big.NewInt(-1), [][20]byte{{0x01}})
	require.Error(t, err)
}

func TestCatalog(t *testing.T) {
	cat, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	id, ok := cat.Resolve("btc/usd")
	require.True(t, ok)
	require.Equal(t, btcFeed, id)

	entry, ok := cat.Lookup(ethFeed)
	require.True(t, ok)
	require.Equal(t, "ETH/USD", entry.Symbol)
	require.Equal(t, int32(-8), entry.Exponent)

	_, err = ParseCatalog([]byte("feeds:\n  - id: \"0x01\"\n    symbol: X\n"))
	require.Error(t, err)

	dup := testCatalog + `  - id: "0xb7c0000000000000000000000000000000000000000000000000000000000000"
    symbol: OTHER
    exponent: -8
`
	_, err = ParseCatalog([]byte(dup))
	require.Error(t, err)

	var nilCat *Catalog
	_, ok = nilCat.Resolve("BTC/USD")
	require.False(t, ok)
}

func TestHandlerAndClient(t *testing.T) {
	now := int64(1_700_000_000)
	signer := newSigner(t)
	feed := newTestFeed(t, signer, &now)
	srv := httptest.NewServer(NewHandler(feed).Routes())
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = client.PriceNoOlderThan(btcFeed, 60)
	require.ErrorIs(t, err, ErrFeedNotFound)

	blob, err := signer.SignBlob(btcFeed, 4_200, -2, now)
	require.NoError(t, err)
	fee, err := client.UpdateFee([][]byte{blob})
	require.NoError(t, err)
	require.Equal(t, "7", fee.String())

	charged, err := client.UpdatePriceFeeds([][]byte{blob})
	require.NoError(t, err)
	require.Equal(t, "7", charged.String())

	price, err := client.PriceNoOlderThan(btcFeed, 60)
	require.NoError(t, err)
	require.Equal(t, int64(4_200), price.Price)
	require.Equal(t, int32(-2), price.Expo)

	now += 61
	_, err = client.PriceNoOlderThan(btcFeed, 60)
	require.ErrorIs(t, err, ErrStalePrice)

	stranger := newSigner(t)
	bad, err := stranger.SignBlob(btcFeed, 1, -2, now)
	require.NoError(t, err)
	_, err = client.UpdatePriceFeeds([][]byte{bad})
	require.True(t, errors.Is(err, ErrUntrustedPublisher))
}

func TestHTTPSourceRelaysLatest(t *testing.T) {
	now := int64(1_700_000_000)
	signer := newSigner(t)
	upstream := newTestFeed(t, signer, &now)
	blob, err := signer.SignBlob(btcFeed, 99, -8, now)
	require.NoError(t, err)
	_, err = upstream.UpdatePriceFeeds([][]byte{blob})
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(upstream).Routes())
	defer srv.Close()

	source, err := NewHTTPSource(srv.URL, srv.Client())
	require.NoError(t, err)
	blobs, err := source.Updates(context.Background(), [][32]byte{btcFeed})
	require.NoError(t, err)
	require.Len(t, blobs, 1)

	downstream := newTestFeed(t, signer, &now)
	_, err = downstream.UpdatePriceFeeds(blobs)
	require.NoError(t, err)
	price, err := downstream.PriceNoOlderThan(btcFeed, 60)
	require.NoError(t, err)
	require.Equal(t, int64(99), price.Price)

	_, err = source.Updates(context.Background(), [][32]byte{ethFeed})
	require.ErrorIs(t, err, ErrFeedNotFound)
}

func TestSignerSource(t *testing.T) {
	now := int64(1_700_000_000)
	signer := newSigner(t)
	source := NewSignerSource(signer)
	source.SetNowFunc(func() int64 { return now })

	_, err := source.Updates(context.Background(), [][32]byte{btcFeed})
	require.ErrorIs(t, err, ErrFeedNotFound)

	source.SetQuote(btcFeed, Quote{Price: 12345, Expo: -8})
	blobs, err := source.Updates(context.Background(), [][32]byte{btcFeed})
	require.NoError(t, err)
	require.Len(t, blobs, 1)

	u, err := Decode(blobs[0])
	require.NoError(t, err)
	require.Equal(t, now, u.PublishTime)
	publisher, err := u.Publisher()
	require.NoError(t, err)
	require.Equal(t, signer.Address(), publisher)
}
