package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"pricewager/config"
	"pricewager/core/events"
	"pricewager/crypto"
	"pricewager/gateway/middleware"
	"pricewager/indexer"
	"pricewager/integrations/kafka"
	"pricewager/integrations/webhooks"
	"pricewager/keeper"
	"pricewager/native/wager"
	"pricewager/observability"
	"pricewager/observability/logging"
	"pricewager/oracle"
	"pricewager/rpc"
	statewager "pricewager/state/wager"
	"pricewager/storage"
	"pricewager/trophy"
)

// node owns every long-lived component of the daemon. closers run in reverse
// order of acquisition.
type node struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *wager.Engine
	server  *rpc.Server
	keeper  *keeper.Keeper
	closers []func() error
}

func (n *node) onClose(fn func() error) {
	n.closers = append(n.closers, fn)
}

func (n *node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

func newNode(ctx context.Context, cfg *config.Config, key *crypto.PrivateKey, logger *slog.Logger) (n *node, err error) {
	n = &node{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = n.Close()
		}
	}()

	operator := key.PubKey().Address()
	accounts, err := cfg.ResolveAccounts(operator.Array())
	if err != nil {
		return nil, err
	}
	params, err := cfg.WagerParams()
	if err != nil {
		return nil, err
	}

	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	n.onClose(func() error { db.Close(); return nil })

	httpClient := &http.Client{
		Timeout:   time.Duration(positiveOr(cfg.Oracle.TimeoutMS, 10_000)) * time.Millisecond,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	oracles, err := buildOracle(cfg, key, httpClient)
	if err != nil {
		return nil, err
	}

	registry, err := trophy.Open(cfg.Trophy.Path, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	n.onClose(registry.Close)
	registry.OnAssign(func(rec trophy.Record) {
		logger.Info("trophy assigned",
			slog.String("name", rec.Name),
			slog.String("owner", rec.Owner))
	})

	resolver, err := config.Address(cfg.Trophy.Resolver)
	if err != nil {
		return nil, err
	}
	engine, err := wager.NewEngine(wager.Config{
		Store:        statewager.NewStore(db),
		Oracle:       oracles.price,
		Trophies:     registry,
		Owner:        accounts.Owner,
		Vault:        accounts.Vault,
		FeeCollector: accounts.FeeCollector,
		Params:       params,
		Trophy:       wager.TrophyConfig{Namespace: cfg.Trophy.Namespace, Resolver: resolver},
	})
	if err != nil {
		return nil, err
	}
	engine.SetLogger(logger.With(slog.String("module", "wager")))
	engine.SetMetrics(observability.Wager())
	n.engine = engine

	hub := rpc.NewEventHub(0)
	emitters := events.MultiEmitter{hub, observability.Events()}

	var idx *indexer.Indexer
	if cfg.Indexer.DSN != "" {
		gdb, err := indexer.OpenDB(cfg.Indexer.DSN)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			n.onClose(sqlDB.Close)
		}
		idx = indexer.New(gdb, logger.With(slog.String("module", "indexer")))
		emitters = append(emitters, idx)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		writer := kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		publisher, err := kafka.NewPublisher(writer,
			kafka.WithLogger(logger.With(slog.String("module", "kafka"))),
			kafka.WithQueueSize(cfg.Kafka.QueueSize),
			kafka.WithMeterProvider(otel.GetMeterProvider()))
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		n.onClose(publisher.Close)
		emitters = append(emitters, publisher)
	}

	if cfg.Webhooks.URL != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhooks.URL, []byte(cfg.Webhooks.ResolvedSecret()),
			webhooks.WithEventTypes(cfg.Webhooks.EventTypes...),
			webhooks.WithLogger(logger.With(slog.String("module", "webhooks"))),
			webhooks.WithMeterProvider(otel.GetMeterProvider()))
		if err != nil {
			return nil, err
		}
		n.onClose(func() error { dispatcher.Close(); return nil })
		emitters = append(emitters, dispatcher)
	}
	engine.SetEmitter(emitters)

	if err := seedGauges(engine); err != nil {
		return nil, err
	}

	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.ResolvedSecret(),
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  30 * time.Second,
	}, logger)

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limit := middleware.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}
		limiter = middleware.NewRateLimiter(map[string]middleware.RateLimit{
			"rpc":    limit,
			"oracle": limit,
		}, logger)
		limiter.TrustProxyHeaders(cfg.RateLimit.TrustProxyHeaders)
	}

	server, err := rpc.NewServer(rpc.Config{
		Engine:      engine,
		Auth:        auth,
		Hub:         hub,
		Indexer:     idx,
		Oracle:      oracles.handler,
		Catalog:     oracles.catalog,
		Updates:     oracles.updates,
		RateLimiter: limiter,
		CORS:        middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		LogRequests: cfg.LogLevel == "debug",
		Logger:      logger.With(slog.String("module", "rpc")),
	})
	if err != nil {
		return nil, err
	}
	n.server = server

	if cfg.Keeper.Enabled {
		k, err := keeper.New(keeper.Config{
			Engine:   engine,
			Source:   oracles.updates,
			Caller:   accounts.Keeper,
			Schedule: cfg.Keeper.Schedule,
			Metrics:  observability.Keeper(),
			Logger:   logger.With(slog.String("module", "keeper")),
		})
		if err != nil {
			return nil, err
		}
		if err := k.Start(ctx); err != nil {
			return nil, err
		}
		n.onClose(func() error { k.Stop(); return nil })
		n.keeper = k
	}

	logger.Info("node initialised",
		slog.String("operator", operator.String()),
		slog.String("owner", crypto.FormatAddress(accounts.Owner)),
		slog.String("vault", crypto.FormatAddress(accounts.Vault)),
		slog.String("feeCollector", crypto.FormatAddress(accounts.FeeCollector)),
		slog.String("store", cfg.Store.Backend),
		slog.String("oracle", cfg.Oracle.Mode),
		logging.URLField("indexer", cfg.Indexer.DSN),
		logging.URLField("webhooks", cfg.Webhooks.URL),
		logging.MaskField("hmac_secret", cfg.Auth.ResolvedSecret()),
		slog.Bool("keeper", n.keeper != nil))
	return n, nil
}

func openStore(cfg *config.Config) (storage.Database, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return storage.NewMemDB(), nil
	case config.StoreLevelDB:
		db, err := storage.NewLevelDB(cfg.StorePath())
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

type oracleSet struct {
	price   wager.PriceOracle
	handler *oracle.Handler
	catalog *oracle.Catalog
	updates oracle.UpdateSource
}

func buildOracle(cfg *config.Config, key *crypto.PrivateKey, httpClient *http.Client) (*oracleSet, error) {
	set := &oracleSet{}
	if cfg.Oracle.CatalogFile != "" {
		cat, err := oracle.LoadCatalog(cfg.Oracle.CatalogFile)
		if err != nil {
			return nil, err
		}
		set.catalog = cat
	}

	var local *oracle.SignerSource
	switch cfg.Oracle.Mode {
	case config.OracleLocal:
		fee, err := cfg.Oracle.Fee()
		if err != nil {
			return nil, err
		}
		publishers, err := cfg.Oracle.PublisherAddresses()
		if err != nil {
			return nil, err
		}
		if cfg.Oracle.LocalSigner() {
			signer, err := oracle.NewSigner(key)
			if err != nil {
				return nil, err
			}
			publishers = append(publishers, signer.Address())
			local = oracle.NewSignerSource(signer)
			if set.catalog != nil {
				for _, entry := range set.catalog.Feeds {
					if entry.Reference == 0 {
						continue
					}
					id, _ := oracle.ParseFeedID(entry.ID)
					local.SetQuote(id, oracle.Quote{Price: entry.Reference, Expo: entry.Exponent})
				}
			}
		}
		opts := []oracle.Option{}
		if set.catalog != nil {
			opts = append(opts, oracle.WithCatalog(set.catalog))
		}
		feed, err := oracle.NewFeed(fee, publishers, opts...)
		if err != nil {
			return nil, err
		}
		set.price = feed
		set.handler = oracle.NewHandler(feed)
	case config.OracleRemote:
		client, err := oracle.NewClient(cfg.Oracle.RemoteURL, httpClient)
		if err != nil {
			return nil, err
		}
		set.price = client
	default:
		return nil, fmt.Errorf("unsupported oracle mode %q", cfg.Oracle.Mode)
	}

	switch {
	case cfg.Oracle.UpdateSourceURL != "":
		src, err := oracle.NewHTTPSource(cfg.Oracle.UpdateSourceURL, httpClient)
		if err != nil {
			return nil, err
		}
		set.updates = src
	case local != nil:
		set.updates = local
	}
	return set, nil
}

func seedGauges(engine *wager.Engine) error {
	open, err := engine.List(wager.ListFilter{Status: wager.StatusOpen})
	if err != nil {
		return err
	}
	matched, err := engine.List(wager.ListFilter{Status: wager.StatusMatched})
	if err != nil {
		return err
	}
	observability.Events().Seed(len(open), len(matched))
	return nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
