package main

import (
	"fmt"
	"net/http"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/distribution"
	"github.com/deemkeen/mammut/feed"
	"github.com/deemkeen/mammut/metrics"
	"github.com/deemkeen/mammut/streaming"
	"github.com/deemkeen/mammut/timeline"
	"github.com/deemkeen/mammut/util"
	"github.com/deemkeen/mammut/worker"
	"go.uber.org/zap"
)

// app holds every long-lived component, wired together.
type app struct {
	db         *db.DB
	store      *timeline.Store
	hub        *streaming.Hub
	metrics    *metrics.Metrics
	feeds      *feed.Manager
	pool       *worker.Pool
	outbox     *activitypub.Outbox
	resolver   *activitypub.Resolver
	verifier   *activitypub.Verifier
	dispatcher *activitypub.Dispatcher
	delivery   *activitypub.DeliveryWorker
	logger     *zap.Logger
}

func newApp(conf *util.AppConfig, logger *zap.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.db, err = db.Open(util.ResolveFilePath(conf.Conf.DatabasePath), logger)
	if err != nil {
		return nil, err
	}

	timelinePath := conf.Conf.TimelinePath
	if timelinePath != "" {
		timelinePath = util.ResolveFilePath(timelinePath)
	}
	a.store, err = timeline.NewStore(timeline.StoreConfig{Path: timelinePath, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline store: %w", err)
	}

	if conf.Conf.WithMetrics {
		a.metrics = metrics.New()
	}
	a.hub = streaming.NewHub(0, logger)

	a.feeds, err = feed.NewManager(a.store, a.db, a.hub, feed.Options{
		MaxItems:      conf.Conf.MaxItems,
		ReblogFalloff: conf.Conf.ReblogFalloff,
		Metrics:       a.metrics,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.pool = worker.NewPool(worker.Config{Workers: conf.Conf.Workers, JobTimeout: conf.Conf.DeliveryTimeout}, logger)

	domainName := conf.Conf.SslDomain
	client := &http.Client{Timeout: conf.Conf.HttpTimeout}
	a.outbox = activitypub.NewOutbox(a.db, domainName, &http.Client{Timeout: conf.Conf.DeliveryTimeout}, logger)

	a.resolver = activitypub.NewResolver(a.db, a.db, client, activitypub.ResolverConfig{
		LocalDomain: domainName,
		Freshness:   conf.Conf.ResolveFreshness,
		LockTTL:     conf.Conf.LockTTL,
		Metrics:     a.metrics,
	}, a.pool, logger)
	a.resolver.SetRefollower(a.outbox)
	a.verifier = activitypub.NewVerifier(a.db, a.resolver, domainName, a.metrics, logger)

	distConf := distribution.Config{
		DB:        a.db,
		Feeds:     a.feeds,
		Publisher: a.hub,
		Pool:      a.pool,
		Outbox:    a.outbox,
		Logger:    logger,
	}
	distributor, err := distribution.NewDistributor(distConf)
	if err != nil {
		return nil, err
	}
	remover, err := distribution.NewBatchedRemover(distConf)
	if err != nil {
		return nil, err
	}

	a.dispatcher = activitypub.NewDispatcher(activitypub.DispatcherConfig{
		DB:          a.db,
		Distributor: distributor,
		Remover:     remover,
		Timelines:   a.feeds,
		Actors:      a.resolver,
		Sender:      a.outbox,
		Client:      client,
		LocalDomain: domainName,
		Logger:      logger,
	})
	a.delivery = activitypub.NewDeliveryWorker(a.db, a.outbox, activitypub.DeliveryConfig{}, a.metrics, logger)
	return a, nil
}

// Close stops the workers before the stores they write to.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close timeline store", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
