package wager

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"pricewager/core/types"
	nativewager "pricewager/native/wager"
	"pricewager/storage"
)

func sampleBet(id byte) *nativewager.Bet {
	return &nativewager.Bet{
		ID:           [32]byte{id},
		Creator:      [20]byte{0xA1},
		Stake:        big.NewInt(1_000),
		FeedID:       [32]byte{0xFE},
		TargetPrice:  uint256.NewInt(5_000_000_000_000),
		PriceExpo:    -8,
		StartPrice:   4_900_000_000_000,
		OracleFee:    big.NewInt(3),
		Label:        "alpha",
		LabelHash:    nativewager.LabelHash("alpha"),
		CreatedAt:    100,
		Deadline:     400,
		JoinDeadline: 160,
		Status:       nativewager.StatusOpen,
	}
}

func TestBetRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	bet := sampleBet(1)
	require.NoError(t, store.Update(func(st nativewager.State) error { return st.BetPut(bet) }))

	require.NoError(t, store.View(func(st nativewager.State) error {
		got, ok, err := st.BetGet(bet.ID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, bet.TargetPrice.Dec(), got.TargetPrice.Dec())
		require.Equal(t, int32(-8), got.PriceExpo)
		require.Equal(t, bet.Stake.String(), got.Stake.String())
		require.Equal(t, bet.LabelHash, got.LabelHash)
		require.Equal(t, nativewager.StatusOpen, got.Status)
		require.Equal(t, bet.JoinDeadline, got.JoinDeadline)
		return nil
	}))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	boom := errors.New("boom")
	err := store.Update(func(st nativewager.State) error {
		require.NoError(t, st.BetPut(sampleBet(1)))
		require.NoError(t, st.SetTrophyReserved([32]byte{9}, true))
		require.NoError(t, st.PutAccount([20]byte{1}, &types.Account{Balance: big.NewInt(5)}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, store.View(func(st nativewager.State) error {
		_, ok, err := st.BetGet([32]byte{1})
		require.NoError(t, err)
		require.False(t, ok)
		reserved, err := st.TrophyReserved([32]byte{9})
		require.NoError(t, err)
		require.False(t, reserved)
		acc, err := st.GetAccount([20]byte{1})
		require.NoError(t, err)
		require.Equal(t, int64(0), acc.Balance.Int64())
		return nil
	}))
}

func TestUpdateSeesOwnWrites(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	require.NoError(t, store.Update(func(st nativewager.State) error { return st.BetPut(sampleBet(2)) }))
	require.NoError(t, store.Update(func(st nativewager.State) error {
		require.NoError(t, st.BetPut(sampleBet(1)))
		require.NoError(t, st.BetPut(sampleBet(3)))
		var ids []byte
		require.NoError(t, st.BetIterate(func(b *nativewager.Bet) bool {
			ids = append(ids, b.ID[0])
			return true
		}))
		require.Equal(t, []byte{1, 2, 3}, ids)

		require.NoError(t, st.SetTrophyReserved([32]byte{7}, true))
		reserved, err := st.TrophyReserved([32]byte{7})
		require.NoError(t, err)
		require.True(t, reserved)
		require.NoError(t, st.SetTrophyReserved([32]byte{7}, false))
		reserved, err = st.TrophyReserved([32]byte{7})
		require.NoError(t, err)
		require.False(t, reserved)
		return nil
	}))
}

func TestViewIsReadOnly(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	err := store.View(func(st nativewager.State) error { return st.BetPut(sampleBet(1)) })
	require.ErrorIs(t, err, errReadOnly)
}

func TestAccountsListsBalances(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	require.NoError(t, store.Update(func(st nativewager.State) error {
		require.NoError(t, st.PutAccount([20]byte{2}, &types.Account{Balance: big.NewInt(20)}))
		return st.PutAccount([20]byte{1}, &types.Account{Balance: big.NewInt(10)})
	}))
	var seen []int64
	require.NoError(t, store.Accounts(func(addr [20]byte, balance *big.Int) bool {
		seen = append(seen, balance.Int64())
		return true
	}))
	require.Equal(t, []int64{10, 20}, seen)
	err := store.Update(func(st nativewager.State) error {
		return st.PutAccount([20]byte{3}, &types.Account{Balance: big.NewInt(-1)})
	})
	require.Error(t, err)
}

type staticOracle struct{ price nativewager.Price }

func (o staticOracle) UpdateFee([][]byte) (*big.Int, error)        { return big.NewInt(1), nil }
func (o staticOracle) UpdatePriceFeeds([][]byte) (*big.Int, error) { return big.NewInt(1), nil }
func (o staticOracle) PriceNoOlderThan([32]byte, int64) (nativewager.Price, error) {
	return o.price, nil
}

func TestEngineStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	owner, vault, collector := [20]byte{1}, [20]byte{2}, [20]byte{3}
	creator := [20]byte{0xA1}
	oracle := staticOracle{price: nativewager.Price{Price: 100_00, Expo: -2}}
	params := nativewager.DefaultParams()
	params.MinStake = big.NewInt(1)

	open := func() (*nativewager.Engine, *storage.LevelDB) {
		db, err := storage.NewLevelDB(dir)
		require.NoError(t, err)
		engine, err := nativewager.NewEngine(nativewager.Config{
			Store: NewStore(db), Oracle: oracle, Owner: owner, Vault: vault, FeeCollector: collector, Params: params,
		})
		require.NoError(t, err)
		engine.SetNowFunc(func() int64 { return 1_000 })
		return engine, db
	}

	engine, db := open()
	require.NoError(t, engine.Deposit(owner, creator, big.NewInt(1_000)))
	bet, err := engine.Create(nativewager.CreateRequest{
		Creator: creator, TargetUSD: 120, Duration: 300, JoinDuration: 60, Label: "persisted", Escrowed: big.NewInt(101),
	})
	require.NoError(t, err)
	db.Close()

	engine, db = open()
	defer db.Close()
	got, err := engine.Get(bet.ID)
	require.NoError(t, err)
	require.Equal(t, "persisted", got.Label)
	require.Equal(t, "12000", got.TargetPrice.Dec())
	bal, err := engine.Balance(creator)
	require.NoError(t, err)
	require.Equal(t, int64(899), bal.Int64())
	vaultBal, err := engine.VaultBalance()
	require.NoError(t, err)
	require.Equal(t, int64(100), vaultBal.Int64())

	_, err = engine.Create(nativewager.CreateRequest{
		Creator: creator, TargetUSD: 120, Duration: 300, JoinDuration: 60, Label: "persisted", Escrowed: big.NewInt(101),
	})
	require.ErrorIs(t, err, nativewager.ErrLabelTaken)
}
