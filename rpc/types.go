package rpc

import (
	"context"
	"encoding/hex"
	"math/big"
	"net/http"
	"strings"

	"github.com/holiman/uint256"

	"pricewager/crypto"
	"pricewager/gateway/middleware"
	"pricewager/indexer"
	"pricewager/native/wager"
	"pricewager/oracle"
)

// BetView is the JSON rendering of a bet. Addresses use the bech32 wager
// prefix; amounts are decimal strings.
type BetView struct {
	ID           string `json:"id"`
	Creator      string `json:"creator"`
	Joiner       string `json:"joiner,omitempty"`
	FeedID       string `json:"feedId"`
	Symbol       string `json:"symbol,omitempty"`
	Stake        string `json:"stake"`
	TargetPrice  string `json:"targetPrice"`
	TargetUSD    uint64 `json:"targetUsd"`
	PriceExpo    int32  `json:"priceExpo"`
	StartPrice   int64  `json:"startPrice"`
	OracleFee    string `json:"oracleFee"`
	Label        string `json:"label"`
	LabelHash    string `json:"labelHash"`
	CreatedAt    int64  `json:"createdAt"`
	Deadline     int64  `json:"deadline"`
	JoinDeadline int64  `json:"joinDeadline"`
	Status       string `json:"status"`
	Winner       string `json:"winner,omitempty"`
	FinalPrice   int64  `json:"finalPrice,omitempty"`
	ResolvedAt   int64  `json:"resolvedAt,omitempty"`
}

func (s *Server) betView(b *wager.Bet) BetView {
	view := BetView{
		ID:           formatBetID(b.ID),
		Creator:      crypto.FormatAddress(b.Creator),
		Joiner:       crypto.FormatAddress(b.Joiner),
		FeedID:       oracle.FormatFeedID(b.FeedID),
		Stake:        amountString(b.Stake),
		TargetPrice:  "0",
		PriceExpo:    b.PriceExpo,
		StartPrice:   b.StartPrice,
		OracleFee:    amountString(b.OracleFee),
		Label:        b.Label,
		LabelHash:    "0x" + hex.EncodeToString(b.LabelHash[:]),
		CreatedAt:    b.CreatedAt,
		Deadline:     b.Deadline,
		JoinDeadline: b.JoinDeadline,
		Status:       b.Status.String(),
	}
	if b.TargetPrice != nil {
		view.TargetPrice = b.TargetPrice.Dec()
		if usd, err := wager.ToDisplayFormat(b.TargetPrice, b.PriceExpo); err == nil {
			view.TargetUSD = usd
		}
	}
	if entry, ok := s.catalog.Lookup(b.FeedID); ok {
		view.Symbol = entry.Symbol
	}
	if b.Status == wager.StatusResolved {
		view.Winner = crypto.FormatAddress(b.Winner)
		view.FinalPrice = b.FinalPrice
		view.ResolvedAt = b.ResolvedAt
	}
	return view
}

// indexedView renders an indexer record the same way as a live bet.
func indexedView(rec indexer.BetRecord) BetView {
	view := BetView{
		ID:           "0x" + rec.ID,
		Creator:      formatHexAddress(rec.Creator),
		Joiner:       formatHexAddress(rec.Joiner),
		FeedID:       "0x" + rec.FeedID,
		Stake:        orZero(rec.Stake),
		TargetPrice:  orZero(rec.TargetPrice),
		PriceExpo:    rec.PriceExpo,
		StartPrice:   rec.StartPrice,
		OracleFee:    orZero(rec.OracleFee),
		Label:        rec.Label,
		CreatedAt:    rec.CreatedAt,
		Deadline:     rec.Deadline,
		JoinDeadline: rec.JoinDeadline,
		Status:       rec.Status,
		Winner:       formatHexAddress(rec.Winner),
		FinalPrice:   rec.FinalPrice,
		ResolvedAt:   rec.ResolvedAt,
	}
	if target, ok := new(big.Int).SetString(rec.TargetPrice, 10); ok {
		if fixed, overflow := uint256.FromBig(target); !overflow {
			if usd, err := wager.ToDisplayFormat(fixed, rec.PriceExpo); err == nil {
				view.TargetUSD = usd
			}
		}
	}
	return view
}

func formatBetID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func parseBetID(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(value), "0x"), "0X")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != len(out) {
		return out, invalidParams("id must be 32 bytes of hex")
	}
	copy(out[:], raw)
	return out, nil
}

func formatHexAddress(value string) string {
	raw, err := hex.DecodeString(value)
	if err != nil || len(raw) != 20 {
		return ""
	}
	var addr [20]byte
	copy(addr[:], raw)
	return crypto.FormatAddress(addr)
}

func parseAddress(field, value string) ([20]byte, error) {
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return addr, invalidParams("%s: %v", field, err)
	}
	return addr, nil
}

// parseAmount accepts a non-negative decimal string. Empty means zero.
func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, invalidParams("%s must be a non-negative decimal integer", field)
	}
	return amount, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func orZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

// resolveFeed accepts either a 32-byte hex id or a catalog symbol.
func (s *Server) resolveFeed(value string) ([32]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [32]byte{}, invalidParams("feed required")
	}
	if id, ok := s.catalog.Resolve(trimmed); ok {
		return id, nil
	}
	id, err := oracle.ParseFeedID(trimmed)
	if err != nil {
		return id, invalidParams("unknown feed %q", trimmed)
	}
	return id, nil
}

// callerFor binds the claimed caller to the token subject. Without the admin
// scope a token may only act for the address named by its subject; subjects
// that are not addresses cannot act for anyone.
func (s *Server) callerFor(ctx context.Context, field, claimed string) ([20]byte, error) {
	addr, err := parseAddress(field, claimed)
	if err != nil {
		return addr, err
	}
	if !s.auth.Enabled() || s.auth.Authorize(ctx, middleware.ScopeAdmin) {
		return addr, nil
	}
	bound, err := crypto.ParseAddress(middleware.SubjectFromContext(ctx))
	if err != nil {
		return addr, unauthorizedCaller("token subject is not an account address")
	}
	if bound != addr {
		return addr, unauthorizedCaller("token subject does not match " + field)
	}
	return addr, nil
}

func unauthorizedCaller(msg string) *RPCError {
	return &RPCError{
		Code:    codeForbidden,
		Message: msg,
		Data:    map[string]string{"kind": "unauthorized"},
		status:  http.StatusForbidden,
	}
}
