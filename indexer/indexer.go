package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pricewager/core/events"
	"pricewager/core/types"
	"pricewager/native/wager"
)

// ErrNotFound is returned when a bet has not been indexed.
var ErrNotFound = errors.New("indexer: bet not found")

const maxListLimit = 500

// betColumns are overwritten by lifecycle events. Trophy columns are owned by
// trophy events and survive lifecycle replays.
var betColumns = []string{
	"creator", "joiner", "feed_id", "stake", "target_price", "price_expo",
	"start_price", "oracle_fee", "label", "status", "winner", "loser",
	"final_price", "created_at", "deadline", "join_deadline", "resolved_at",
	"updated_at",
}

// Indexer consumes wager events and mirrors them into the database.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// New wraps an already migrated database handle.
func New(db *gorm.DB, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{db: db, logger: logger, nowFn: time.Now}
}

// Emit implements events.Emitter. Failures are logged; the engine never
// blocks on the mirror.
func (i *Indexer) Emit(evt events.Event) {
	payload, ok := events.Payload(evt)
	if !ok {
		return
	}
	if err := i.Apply(context.Background(), payload); err != nil {
		i.logger.Error("indexer apply failed",
			slog.String("type", payload.Type),
			slog.String("bet", payload.Attr("id")),
			slog.Any("error", err))
	}
}

// Apply folds a single event into the mirror.
func (i *Indexer) Apply(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return nil
	}
	db := i.db.WithContext(ctx)
	switch evt.Type {
	case wager.EventTypeCreated, wager.EventTypeJoined, wager.EventTypeCancelled:
		rec, err := recordFromEvent(evt)
		if err != nil {
			return err
		}
		rec.UpdatedAt = i.nowFn().UTC()
		return upsert(db, rec, betColumns)
	case wager.EventTypeResolved:
		rec, err := recordFromEvent(evt)
		if err != nil {
			return err
		}
		rec.UpdatedAt = i.nowFn().UTC()
		rec.Resolver = evt.Attr("resolver")
		rec.Payout = evt.Attr("payout")
		rec.ResolverFee = evt.Attr("resolverFee")
		return upsert(db, rec, append([]string{"resolver", "payout", "resolver_fee"}, betColumns...))
	case wager.EventTypeTrophy:
		id := evt.Attr("id")
		if id == "" {
			return fmt.Errorf("indexer: trophy event without id")
		}
		return db.Model(&BetRecord{}).Where("id = ?", id).Updates(map[string]any{
			"trophy_name":    evt.Attr("name"),
			"trophy_outcome": evt.Attr("outcome"),
			"trophy_error":   evt.Attr("error"),
			"updated_at":     i.nowFn().UTC(),
		}).Error
	case wager.EventTypeDeposit, wager.EventTypeEmergencyWithdraw:
		return db.Create(&AdminAction{
			Type:      evt.Type,
			Target:    evt.Attr("to"),
			Amount:    evt.Attr("amount"),
			CreatedAt: i.nowFn().UTC(),
		}).Error
	case wager.EventTypeOracleRotated:
		return db.Create(&AdminAction{
			Type:      evt.Type,
			Target:    evt.Attr("feeCollector"),
			CreatedAt: i.nowFn().UTC(),
		}).Error
	default:
		return nil
	}
}

func upsert(db *gorm.DB, rec *BetRecord, columns []string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(rec).Error
}

func recordFromEvent(evt *types.Event) (*BetRecord, error) {
	id := evt.Attr("id")
	if id == "" {
		return nil, fmt.Errorf("indexer: %s event without id", evt.Type)
	}
	expo, err := parseInt(evt, "priceExpo")
	if err != nil {
		return nil, err
	}
	rec := &BetRecord{
		ID:          id,
		Creator:     evt.Attr("creator"),
		Joiner:      evt.Attr("joiner"),
		FeedID:      evt.Attr("feedId"),
		Stake:       evt.Attr("stake"),
		TargetPrice: evt.Attr("targetPrice"),
		PriceExpo:   int32(expo),
		OracleFee:   evt.Attr("oracleFee"),
		Label:       evt.Attr("label"),
		Status:      evt.Attr("status"),
		Winner:      evt.Attr("winner"),
		Loser:       evt.Attr("loser"),
	}
	fields := []struct {
		key string
		dst *int64
	}{
		{"startPrice", &rec.StartPrice},
		{"createdAt", &rec.CreatedAt},
		{"deadline", &rec.Deadline},
		{"joinDeadline", &rec.JoinDeadline},
		{"finalPrice", &rec.FinalPrice},
		{"resolvedAt", &rec.ResolvedAt},
	}
	for _, f := range fields {
		v, err := parseInt(evt, f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return rec, nil
}

func parseInt(evt *types.Event, key string) (int64, error) {
	raw := evt.Attr(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("indexer: %s attribute %s: %w", evt.Type, key, err)
	}
	return v, nil
}

// Filter narrows List results.
type Filter struct {
	Status      string
	Participant string
	FeedID      string
	Limit       int
	Offset      int
}

// Get returns a single indexed bet by hex id.
func (i *Indexer) Get(ctx context.Context, id string) (*BetRecord, error) {
	var rec BetRecord
	err := i.db.WithContext(ctx).Where("id = ?", strings.ToLower(strings.TrimPrefix(id, "0x"))).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns indexed bets newest first.
func (i *Indexer) List(ctx context.Context, filter Filter) ([]BetRecord, error) {
	query := i.db.WithContext(ctx).Model(&BetRecord{})
	if filter.Status != "" {
		query = query.Where("status = ?", strings.ToLower(filter.Status))
	}
	if p := strings.ToLower(strings.TrimPrefix(filter.Participant, "0x")); p != "" {
		query = query.Where("creator = ? OR joiner = ?", p, p)
	}
	if f := strings.ToLower(strings.TrimPrefix(filter.FeedID, "0x")); f != "" {
		query = query.Where("feed_id = ?", f)
	}
	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	var out []BetRecord
	err := query.Order("created_at DESC").Order("id").Limit(limit).Offset(filter.Offset).Find(&out).Error
	return out, err
}

// AdminActions returns privileged operations in insertion order.
func (i *Indexer) AdminActions(ctx context.Context) ([]AdminAction, error) {
	var out []AdminAction
	err := i.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}
