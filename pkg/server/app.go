package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	icache "MarketAgg/internal/cache"
	"MarketAgg/internal/failover"
	"MarketAgg/internal/rollup"
	"MarketAgg/internal/usecase"
	"MarketAgg/internal/writer"
	pkgch "MarketAgg/pkg/clickhouse"
	"MarketAgg/pkg/config"
	xhttp "MarketAgg/pkg/http"
	pkgkafka "MarketAgg/pkg/kafka"
	applogger "MarketAgg/pkg/logger"
	"MarketAgg/pkg/queue"
)

// App owns the lifecycle of every long-running component: the batching
// writer, the rollup scheduler, the source health probe, the optional
// live stream and Kafka consumer, and the HTTP server.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	coord      *failover.Coordinator
	writer     *writer.Writer
	scheduler  *rollup.Scheduler
	collector  *usecase.StreamCollector
	consumer   *pkgkafka.Consumer
	bh         *usecase.KafkaBarsHandler
	handler    xhttp.Handler
	chClient   *pkgch.Client
	cache      *icache.Tiered
	events     *queue.RedisQueue
	httpServer *xhttp.Server
}

// New creates the App with all dependencies.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	coord *failover.Coordinator,
	w *writer.Writer,
	sched *rollup.Scheduler,
	collector *usecase.StreamCollector,
	consumer *pkgkafka.Consumer,
	bh *usecase.KafkaBarsHandler,
	handler xhttp.Handler,
	chClient *pkgch.Client,
	cache *icache.Tiered,
	events *queue.RedisQueue,
) *App {
	return &App{
		cfg:       cfg,
		log:       log,
		coord:     coord,
		writer:    w,
		scheduler: sched,
		collector: collector,
		consumer:  consumer,
		bh:        bh,
		handler:   handler,
		chClient:  chClient,
		cache:     cache,
		events:    events,
	}
}

// Run starts every component and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.writer.Start(ctx)
	a.log.Info("writer started", applogger.String("backend", a.cfg.Writer.Backend))

	a.scheduler.Start(ctx)
	a.log.Info("rollup scheduler started",
		applogger.Duration("rollup_interval", a.cfg.Rollup.Interval),
		applogger.Duration("maintenance_interval", a.cfg.Rollup.MaintenanceInterval),
	)

	if a.cfg.Failover.ProbeInterval > 0 && a.cfg.Failover.ProbeSymbol != "" {
		go a.coord.StartHealthProbe(ctx, a.cfg.Failover.ProbeInterval, a.cfg.Failover.ProbeSymbol)
		a.log.Info("health probe started", applogger.String("symbol", a.cfg.Failover.ProbeSymbol))
	}

	if a.collector != nil {
		go func() {
			if err := a.collector.Start(ctx); err != nil {
				a.log.Error("stream collector error", applogger.Error(err))
			}
		}()
		a.log.Info("stream collector started", applogger.Strings("symbols", a.cfg.Sources.Finnhub.Symbols))
	}

	if a.events != nil {
		if err := a.events.Start(); err != nil {
			a.log.Warn("events consumer start error", applogger.Error(err))
		} else {
			a.log.Info("events consumer started")
		}
	}

	if a.consumer != nil && a.bh != nil {
		a.consumer.RegisterHandler(a.bh)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.log.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.log.Info("kafka consumer started", applogger.String("topic", a.bh.Topic()))
	}

	a.httpServer = xhttp.NewServer(a.handler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
	)
	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		return err
	}
	a.log.Info("http server started", applogger.Int("port", a.cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.log.Info("shutdown signal received")
	cancel()
	return a.shutdown()
}

// shutdown stops components in dependency order: intake first, then the
// writer so queued rows still flush, then infrastructure.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if a.collector != nil {
		if err := a.collector.Shutdown(ctx); err != nil {
			a.log.Warn("stream collector stop error", applogger.Error(err))
		}
	}

	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			a.log.Error("http shutdown error", applogger.Error(err))
		}
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	a.writer.Stop()

	if a.events != nil {
		if err := a.events.Stop(ctx); err != nil {
			a.log.Warn("events consumer stop error", applogger.Error(err))
		}
	}

	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("cache close error", applogger.Error(err))
		}
	}

	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	a.log.Info("shutdown complete")
	return nil
}
