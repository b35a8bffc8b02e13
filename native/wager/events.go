package wager

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"pricewager/core/types"
)

const (
	EventTypeCreated           = "wager.created"
	EventTypeJoined            = "wager.joined"
	EventTypeResolved          = "wager.resolved"
	EventTypeCancelled         = "wager.cancelled"
	EventTypeTrophy            = "wager.trophy"
	EventTypeEmergencyWithdraw = "wager.emergency_withdraw"
	EventTypeOracleRotated     = "wager.oracle_rotated"
	EventTypeDeposit           = "wager.deposit"
)

const (
	TrophyOutcomeDelivered = "delivered"
	TrophyOutcomeFailed    = "failed"
)

type wagerEvent struct {
	evt *types.Event
}

func (e wagerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e wagerEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the canonical payload for a newly created bet.
func NewCreatedEvent(b *Bet) *types.Event { return newBetEvent(EventTypeCreated, b) }

// NewJoinedEvent returns the payload emitted when the opposite side is taken.
func NewJoinedEvent(b *Bet) *types.Event { return newBetEvent(EventTypeJoined, b) }

// NewResolvedEvent returns the settlement payload, including the payout and
// the resolver's fee accounting.
func NewResolvedEvent(b *Bet, resolver [20]byte, payout, fee, feeRefund *big.Int) *types.Event {
	evt := newBetEvent(EventTypeResolved, b)
	evt.Attributes["resolver"] = hex.EncodeToString(resolver[:])
	evt.Attributes["payout"] = cloneBigInt(payout).String()
	evt.Attributes["resolverFee"] = cloneBigInt(fee).String()
	evt.Attributes["feeRefund"] = cloneBigInt(feeRefund).String()
	return evt
}

// NewCancelledEvent returns the payload emitted when an unmatched bet is
// withdrawn by its creator.
func NewCancelledEvent(b *Bet, refund *big.Int) *types.Event {
	evt := newBetEvent(EventTypeCancelled, b)
	evt.Attributes["refund"] = cloneBigInt(refund).String()
	return evt
}

// NewTrophyEvent reports the outcome of a best-effort trophy delivery.
func NewTrophyEvent(b *Bet, fullName string, deliveryErr error) *types.Event {
	attrs := make(map[string]string)
	if b != nil {
		attrs["id"] = hex.EncodeToString(b.ID[:])
		attrs["label"] = b.Label
		attrs["winner"] = hex.EncodeToString(b.Winner[:])
	}
	if fullName != "" {
		attrs["name"] = fullName
	}
	if deliveryErr != nil {
		attrs["outcome"] = TrophyOutcomeFailed
		attrs["error"] = deliveryErr.Error()
	} else {
		attrs["outcome"] = TrophyOutcomeDelivered
	}
	return &types.Event{Type: EventTypeTrophy, Attributes: attrs}
}

// NewEmergencyWithdrawEvent records a vault sweep.
func NewEmergencyWithdrawEvent(to [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeEmergencyWithdraw, Attributes: map[string]string{
		"to":     hex.EncodeToString(to[:]),
		"amount": cloneBigInt(amount).String(),
	}}
}

// NewOracleRotatedEvent records a change of oracle adapter.
func NewOracleRotatedEvent(feeCollector [20]byte) *types.Event {
	return &types.Event{Type: EventTypeOracleRotated, Attributes: map[string]string{
		"feeCollector": hex.EncodeToString(feeCollector[:]),
	}}
}

// NewDepositEvent records an operator credit.
func NewDepositEvent(to [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeDeposit, Attributes: map[string]string{
		"to":     hex.EncodeToString(to[:]),
		"amount": cloneBigInt(amount).String(),
	}}
}

func newBetEvent(eventType string, b *Bet) *types.Event {
	attrs := make(map[string]string)
	if b == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeBet(b)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["creator"] = hex.EncodeToString(sanitized.Creator[:])
	attrs["feedId"] = hex.EncodeToString(sanitized.FeedID[:])
	attrs["stake"] = sanitized.Stake.String()
	attrs["targetPrice"] = sanitized.TargetPrice.Dec()
	attrs["priceExpo"] = strconv.FormatInt(int64(sanitized.PriceExpo), 10)
	attrs["startPrice"] = strconv.FormatInt(sanitized.StartPrice, 10)
	attrs["oracleFee"] = sanitized.OracleFee.String()
	attrs["label"] = sanitized.Label
	attrs["labelHash"] = hex.EncodeToString(sanitized.LabelHash[:])
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	attrs["deadline"] = strconv.FormatInt(sanitized.Deadline, 10)
	attrs["joinDeadline"] = strconv.FormatInt(sanitized.JoinDeadline, 10)
	attrs["status"] = sanitized.Status.String()
	if sanitized.Joiner != ([20]byte{}) {
		attrs["joiner"] = hex.EncodeToString(sanitized.Joiner[:])
	}
	if sanitized.Status == StatusResolved {
		attrs["winner"] = hex.EncodeToString(sanitized.Winner[:])
		loser := sanitized.Loser()
		attrs["loser"] = hex.EncodeToString(loser[:])
		attrs["finalPrice"] = strconv.FormatInt(sanitized.FinalPrice, 10)
		attrs["resolvedAt"] = strconv.FormatInt(sanitized.ResolvedAt, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
