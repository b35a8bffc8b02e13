// Package keeper resolves matured bets on a schedule so settlement does not
// depend on either participant showing up.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"pricewager/crypto"
	"pricewager/native/wager"
	telemetry "pricewager/observability/otel"
	"pricewager/oracle"
)

// DefaultSchedule runs a sweep every thirty seconds.
const DefaultSchedule = "*/30 * * * * *"

// Schedules accept an optional leading seconds field and descriptors such as
// "@every 10s".
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Engine is the subset of the settlement engine the keeper drives.
type Engine interface {
	Matured(now int64) ([]*wager.Bet, error)
	QuoteFee(updates [][]byte) (*big.Int, error)
	Resolve(id [32]byte, caller [20]byte, updates [][]byte, feePayment *big.Int) (*wager.Resolution, error)
}

// Metrics receives sweep outcomes.
type Metrics interface {
	ObserveSweep(err error, at time.Time)
	ObserveResolution(err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSweep(error, time.Time) {}
func (noopMetrics) ObserveResolution(error)       {}

// Config wires a Keeper. Caller is the account that pays oracle fees and is
// recorded as resolver.
type Config struct {
	Engine   Engine
	Source   oracle.UpdateSource
	Caller   [20]byte
	Schedule string
	Metrics  Metrics
	Logger   *slog.Logger
}

// Keeper periodically resolves every matched bet whose deadline has passed.
// A failed resolution is logged and retried on the next tick only.
type Keeper struct {
	engine   Engine
	source   oracle.UpdateSource
	caller   [20]byte
	schedule string
	metrics  Metrics
	logger   *slog.Logger
	nowFn    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func New(cfg Config) (*Keeper, error) {
	if cfg.Engine == nil || cfg.Source == nil {
		return nil, errors.New("keeper: engine and update source are required")
	}
	if cfg.Caller == ([20]byte{}) {
		return nil, errors.New("keeper: caller address required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("keeper: invalid schedule %q: %w", schedule, err)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		engine:   cfg.Engine,
		source:   cfg.Source,
		caller:   cfg.Caller,
		schedule: schedule,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "keeper")),
		nowFn:    time.Now,
	}, nil
}

// SetNowFunc overrides the clock used to decide maturity.
func (k *Keeper) SetNowFunc(now func() time.Time) {
	if now != nil {
		k.nowFn = now
	}
}

// Start schedules sweeps until ctx is cancelled or Stop is called. Overlapping
// ticks are skipped.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cron != nil {
		return errors.New("keeper: already started")
	}
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(k.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		_, _ = k.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("keeper: schedule: %w", err)
	}
	k.cron = c
	c.Start()
	k.logger.Info("keeper started", slog.String("schedule", k.schedule), slog.String("caller", crypto.FormatAddress(k.caller)))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (k *Keeper) Stop() {
	k.mu.Lock()
	c := k.cron
	k.cron = nil
	k.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	k.logger.Info("keeper stopped")
}

// Sweep resolves every matured bet once and returns how many settled.
func (k *Keeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := telemetry.Tracer("pricewager/keeper").Start(ctx, "keeper.sweep")
	defer span.End()

	now := k.nowFn()
	matured, err := k.engine.Matured(now.Unix())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		k.metrics.ObserveSweep(err, now)
		k.logger.Error("list matured bets", slog.Any("error", err))
		return 0, err
	}
	resolved := 0
	var failures []error
	for _, bet := range matured {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		res, err := k.resolve(ctx, bet)
		k.metrics.ObserveResolution(err)
		if err != nil {
			if errors.Is(err, wager.ErrAlreadyTerminal) {
				continue
			}
			failures = append(failures, err)
			k.logger.Warn("resolve failed",
				slog.String("bet", fmt.Sprintf("%x", bet.ID)),
				slog.String("kind", wager.ErrorKind(err)),
				slog.Any("error", err))
			continue
		}
		resolved++
		attrs := []any{
			slog.String("bet", fmt.Sprintf("%x", bet.ID)),
			slog.String("winner", crypto.FormatAddress(res.Bet.Winner)),
			slog.String("payout", res.Payout.String()),
		}
		if res.TrophyErr != nil {
			attrs = append(attrs, slog.Any("trophyError", res.TrophyErr))
		}
		k.logger.Info("bet resolved", attrs...)
	}
	sweepErr := errors.Join(failures...)
	span.SetAttributes(
		attribute.Int("keeper.matured", len(matured)),
		attribute.Int("keeper.resolved", resolved),
	)
	if sweepErr != nil {
		span.SetStatus(codes.Error, sweepErr.Error())
	}
	k.metrics.ObserveSweep(sweepErr, now)
	return resolved, sweepErr
}

func (k *Keeper) resolve(ctx context.Context, bet *wager.Bet) (*wager.Resolution, error) {
	updates, err := k.source.Updates(ctx, [][32]byte{bet.FeedID})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch updates: %v", wager.ErrPriceUnavailable, err)
	}
	fee, err := k.engine.QuoteFee(updates)
	if err != nil {
		return nil, err
	}
	return k.engine.Resolve(bet.ID, k.caller, updates, fee)
}
