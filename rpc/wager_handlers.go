package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"pricewager/crypto"
	"pricewager/indexer"
	"pricewager/native/wager"
)

const defaultListLimit = 100

type createParams struct {
	Creator      string   `json:"creator"`
	Feed         string   `json:"feed"`
	TargetUSD    uint64   `json:"targetUsd"`
	Duration     int64    `json:"duration"`
	JoinDuration int64    `json:"joinDuration"`
	Label        string   `json:"label"`
	Escrow       string   `json:"escrow"`
	Updates      [][]byte `json:"updates,omitempty"`
}

type joinParams struct {
	ID     string `json:"id"`
	Joiner string `json:"joiner"`
	Escrow string `json:"escrow"`
}

type resolveParams struct {
	ID      string   `json:"id"`
	Caller  string   `json:"caller"`
	Updates [][]byte `json:"updates,omitempty"`
	Fee     string   `json:"fee,omitempty"`
}

type cancelParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type idParams struct {
	ID string `json:"id"`
}

type listParams struct {
	Status      string `json:"status,omitempty"`
	Participant string `json:"participant,omitempty"`
	Feed        string `json:"feed,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
	Source      string `json:"source,omitempty"`
}

type addressParams struct {
	Address string `json:"address"`
}

type convertParams struct {
	Feed  string `json:"feed,omitempty"`
	Expo  *int32 `json:"expo,omitempty"`
	USD   uint64 `json:"usd,omitempty"`
	Price string `json:"price,omitempty"`
}

type quoteParams struct {
	Updates [][]byte `json:"updates,omitempty"`
	Feeds   []string `json:"feeds,omitempty"`
}

type ResolveResult struct {
	Bet         BetView `json:"bet"`
	Payout      string  `json:"payout"`
	Fee         string  `json:"fee"`
	FeeRefund   string  `json:"feeRefund"`
	TrophyError string  `json:"trophyError,omitempty"`
}

type CancelResult struct {
	Bet    BetView `json:"bet"`
	Refund string  `json:"refund"`
}

type ListResult struct {
	Bets   []BetView `json:"bets"`
	Source string    `json:"source"`
}

type BalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type ConvertResult struct {
	USD   uint64 `json:"usd"`
	Price string `json:"price"`
	Expo  int32  `json:"expo"`
}

type QuoteResult struct {
	Fee     string   `json:"fee"`
	Updates [][]byte `json:"updates,omitempty"`
}

type ParamsResult struct {
	MinStake        string `json:"minStake"`
	MinDuration     int64  `json:"minDuration"`
	MaxDuration     int64  `json:"maxDuration"`
	MinJoinDuration int64  `json:"minJoinDuration"`
	MaxJoinDuration int64  `json:"maxJoinDuration"`
	MaxPriceAge     int64  `json:"maxPriceAge"`
	Owner           string `json:"owner"`
	Vault           string `json:"vault"`
	VaultBalance    string `json:"vaultBalance"`
	TrophyNamespace string `json:"trophyNamespace"`
	TrophyResolver  string `json:"trophyResolver,omitempty"`
}

func (s *Server) handleCreate(ctx context.Context, raw []json.RawMessage) (interface{}, error) {
	var params createParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	creator, err := s.callerFor(ctx, "creator", params.Creator)
	if err != nil {
		return nil, err
	}
	feed, err := s.resolveFeed(params.Feed)
	if err != nil {
		return nil, err
	}
	escrow, err := parseAmount("escrow", params.Escrow)
	if err != nil {
		return nil, err
	}
	updates, err := s.updatesFor(ctx, params.Updates, feed)
	if err != nil {
		return nil, err
	}
	bet, err := s.engine.Create(wager.CreateRequest{
		Creator:      creator,
		FeedID:       feed,
		TargetUSD:    params.TargetUSD,
		Duration:     params.Duration,
		JoinDuration: params.JoinDuration,
		Label:        params.Label,
		Escrowed:     escrow,
		Updates:      updates,
	})
	if err != nil {
		return nil, err
	}
	return s.betView(bet), nil
}

func (s *Server) handleJoin(ctx context.Context, raw []json.RawMessage) (interface{}, error) {
	var params joinParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	id, err := parseBetID(params.ID)
	if err != nil {
		return nil, err
	}
	joiner, err := s.callerFor(ctx, "joiner", params.Joiner)
	if err != nil {
		return nil, err
	}
	escrow, err := parseAmount("escrow", params.Escrow)
	if err != nil {
		return nil, err
	}
	bet, err := s.engine.Join(id, joiner, escrow)
	if err != nil {
		return nil, err
	}
	return s.betView(bet), nil
}

// handleResolve fills in updates from the configured source and the fee from
// a fresh quote when the caller omits them.
func (s *Server) handleResolve(ctx context.Context, raw []json.RawMessage) (interface{}, error) {
	var params resolveParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	id, err := parseBetID(params.ID)
	if err != nil {
		return nil, err
	}
	caller, err := s.callerFor(ctx, "caller", params.Caller)
	if err != nil {
		return nil, err
	}
	bet, err := s.engine.Get(id)
	if err != nil {
		return nil, err
	}
	updates, err := s.updatesFor(ctx, params.Updates, bet.FeedID)
	if err != nil {
		return nil, err
	}
	var fee *big.Int
	if strings.TrimSpace(params.Fee) == "" {
		fee, err = s.engine.QuoteFee(updates)
	} else {
		fee, err = parseAmount("fee", params.Fee)
	}
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Resolve(id, caller, updates, fee)
	if err != nil {
		return nil, err
	}
	out := ResolveResult{
		Bet:       s.betView(res.Bet),
		Payout:    amountString(res.Payout),
		Fee:       amountString(res.Fee),
		FeeRefund: amountString(res.FeeRefund),
	}
	if res.TrophyErr != nil {
		out.TrophyError = res.TrophyErr.Error()
	}
	return out, nil
}

func (s *Server) handleCancel(ctx context.Context, raw []json.RawMessage) (interface{}, error) {
	var params cancelParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	id, err := parseBetID(params.ID)
	if err != nil {
		return nil, err
	}
	caller, err := s.callerFor(ctx, "caller", params.Caller)
	if err != nil {
		return nil, err
	}
	bet, err := s.engine.Cancel(id, caller)
	if err != nil {
		return nil, err
	}
	return CancelResult{Bet: s.betView(bet), Refund: amountString(bet.Stake)}, nil
}

func (s *Server) handleGet(_ context.Context, raw []json.RawMessage) (interface{}, error) {
	var params idParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	id, err := parseBetID(params.ID)
	if err != nil {
		return nil, err
	}
	bet, err := s.engine.Get(id)
	if err != nil {
		return nil, err
	}
	return s.betView(bet), nil
}

// handleList reads from the indexer when one is configured, which adds feed
// filtering and pagination. source "state" forces a read of live state.
func (s *Server) handleList(ctx context.Context, raw []json.RawMessage) (interface{}, error) {
	var params listParams
	if len(raw) > 0 {
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
	}
	if params.Limit < 0 || params.Offset < 0 {
		return nil, invalidParams("limit and offset must not be negative")
	}
	if params.Limit == 0 {
		params.Limit = defaultListLimit
	}
	var status wager.Status
	if params.Status != "" {
		parsed, err := wager.ParseStatus(strings.ToLower(params.Status))
		if err != nil {
			return nil, invalidParams("%v", err)
		}
		status = parsed
	}
	var participant [20]byte
	if params.Participant != "" {
		addr, err := parseAddress("participant", params.Participant)
		if err != nil {
			return nil, err
		}
		participant = addr
	}
	var feed [32]byte
	if params.Feed != "" {
		id, err := s.resolveFeed(params.Feed)
		if err != nil {
			return nil, err
		}
		feed = id
	}

	switch params.Source {
	case "", "index":
		if s.indexer != nil {
			filter := indexer.Filter{Limit: params.Limit, Offset: params.Offset}
			if status != 0 {
				filter.Status = status.String()
			}
			if participant != ([20]byte{}) {
				filter.Participant = hex.EncodeToString(participant[:])
			}
			if feed != ([32]byte{}) {
				filter.FeedID = hex.EncodeToString(feed[:])
			}
			records, err := s.indexer.List(ctx, filter)
			if err != nil {
				return nil, err
			}
			views := make([]BetView, 0, len(records))
			for _, rec := range records {
				views = append(views, indexedView(rec))
			}
			return ListResult{Bets: views, Source: "index"}, nil
		}
		if params.Source == "index" {
			return nil, invalidParams("indexer not configured")
		}
	case "state":
	default:
		return nil, invalidParams("source must be index or state")
	}

	bets, err := s.engine.List(wager.ListFilter{Status: status, Participant: participant})
	if err != nil {
		return nil, err
	}
	views := make([]BetView, 0, len(bets))
	skipped := 0
	for _, bet := range bets {
		if feed != ([32]byte{}) && bet.FeedID != feed {
			continue
		}
		if skipped < params.Offset {
			skipped++
			continue
		}
		views = append(views, s.betView(bet))
		if len(views) >= params.Limit {
			break
		}
	}
	return ListResult{Bets: views, Source: "state"}, nil
}

func (s *Server) handleBalance(_ context.Context, raw []json.RawMessage) (interface{}, error) {
	var params addressParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	addr, err := parseAddress("address", params.Address)
	if err != nil {
		return nil, err
	}
	balance, err := s.engine.Balance(addr)
	if err != nil {
		return nil, err
	}
	return BalanceResult{Address: params.Address, Balance: amountString(balance)}, nil
}

// handleConvertPrice converts between whole dollars and oracle fixed point.
// The exponent comes from the request or from the feed's catalog entry.
func (s *Server) handleConvertPrice(_ context.Context, raw []json.RawMessage) (interface{}, error) {
	var params convertParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	var expo int32
	switch {
	case params.Expo != nil:
		expo = *params.Expo
	case params.Feed != "":
		feed, err := s.resolveFeed(params.Feed)
		if err != nil {
			return nil, err
		}
		entry, ok := s.catalog.Lookup(feed)
		if !ok {
			return nil, invalidParams("feed %s has no catalog exponent", params.Feed)
		}
		expo = entry.Exponent
	default:
		return nil, invalidParams("expo or feed required")
	}
	if params.Price != "" {
		price, err := parseAmount("price", params.Price)
		if err != nil {
			return nil, err
		}
		fixed, overflow := uint256.FromBig(price)
		if overflow {
			return nil, invalidParams("price overflows 256 bits")
		}
		usd, err := wager.ToDisplayFormat(fixed, expo)
		if err != nil {
			return nil, err
		}
		return ConvertResult{USD: usd, Price: fixed.Dec(), Expo: expo}, nil
	}
	fixed, err := wager.ToOracleFormat(params.USD, expo)
	if err != nil {
		return nil, err
	}
	return ConvertResult{USD: params.USD, Price: fixed.Dec(), Expo: expo}, nil
}

// handleQuoteFee quotes either the supplied updates or fresh updates for the
// named feeds, returning the latter so the caller can submit them.
func (s *Server) handleQuoteFee(ctx context.Context, raw []json.RawMessage) (interface{}, error) {
	var params quoteParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	updates := params.Updates
	fetched := false
	if len(updates) == 0 && len(params.Feeds) > 0 {
		feeds := make([][32]byte, 0, len(params.Feeds))
		for _, name := range params.Feeds {
			id, err := s.resolveFeed(name)
			if err != nil {
				return nil, err
			}
			feeds = append(feeds, id)
		}
		var err error
		if updates, err = s.fetchUpdates(ctx, feeds); err != nil {
			return nil, err
		}
		fetched = true
	}
	fee, err := s.engine.QuoteFee(updates)
	if err != nil {
		return nil, err
	}
	out := QuoteResult{Fee: amountString(fee)}
	if fetched {
		out.Updates = updates
	}
	return out, nil
}

func (s *Server) handleParams(_ context.Context, _ []json.RawMessage) (interface{}, error) {
	params := s.engine.Params()
	vaultBalance, err := s.engine.VaultBalance()
	if err != nil {
		return nil, err
	}
	trophy := s.engine.TrophyConfig()
	return ParamsResult{
		MinStake:        amountString(params.MinStake),
		MinDuration:     params.MinDuration,
		MaxDuration:     params.MaxDuration,
		MinJoinDuration: params.MinJoinDuration,
		MaxJoinDuration: params.MaxJoinDuration,
		MaxPriceAge:     params.MaxPriceAge,
		Owner:           crypto.FormatAddress(s.engine.Owner()),
		Vault:           crypto.FormatAddress(s.engine.Vault()),
		VaultBalance:    amountString(vaultBalance),
		TrophyNamespace: trophy.Namespace,
		TrophyResolver:  crypto.FormatAddress(trophy.Resolver),
	}, nil
}

// updatesFor returns supplied when present, otherwise fetches fresh updates
// for feed. With no source configured an empty batch is passed through and
// the engine reads whatever price the oracle already holds.
func (s *Server) updatesFor(ctx context.Context, supplied [][]byte, feed [32]byte) ([][]byte, error) {
	if len(supplied) > 0 || s.updates == nil {
		return supplied, nil
	}
	return s.fetchUpdates(ctx, [][32]byte{feed})
}

func (s *Server) fetchUpdates(ctx context.Context, feeds [][32]byte) ([][]byte, error) {
	if s.updates == nil {
		return nil, invalidParams("no update source configured; supply updates")
	}
	updates, err := s.updates.Updates(ctx, feeds)
	if err != nil {
		return nil, errors.Join(wager.ErrPriceUnavailable, err)
	}
	return updates, nil
}
