package di

import (
	"context"
	"fmt"
	"time"

	icache "MarketAgg/internal/cache"
	"MarketAgg/internal/domain/repository"
	"MarketAgg/internal/failover"
	"MarketAgg/internal/handler/api"
	mid "MarketAgg/internal/middleware"
	internalrepo "MarketAgg/internal/repository"
	"MarketAgg/internal/rollup"
	"MarketAgg/internal/service/finnhub"
	"MarketAgg/internal/source"
	"MarketAgg/internal/usecase"
	"MarketAgg/internal/writer"
	pkgcache "MarketAgg/pkg/cache"
	pkgch "MarketAgg/pkg/clickhouse"
	"MarketAgg/pkg/config"
	xhttp "MarketAgg/pkg/http"
	pkgkafka "MarketAgg/pkg/kafka"
	applogger "MarketAgg/pkg/logger"
	"MarketAgg/pkg/metrics"
	"MarketAgg/pkg/queue"
	"MarketAgg/pkg/server"

	"github.com/redis/go-redis/v9"
)

// ProvideLogger builds the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	level := "info"
	format := "json"
	if cfg.Environment == "development" {
		level = "debug"
		format = "console"
	}
	return applogger.New(&applogger.Config{Level: level, Format: format, Output: "stdout"})
}

// ProvideMetrics creates the Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client and ensures the
// schema. market_data is a ReplacingMergeTree versioned by ingestion
// time: re-inserting a (symbol, bucket, resolution, source) key is an
// upsert where the newest row wins after merges.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	db := cfg.ClickHouse.Database
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.InitSchema(ctx, []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.market_data (
			symbol LowCardinality(String),
			bucket DateTime,
			resolution LowCardinality(String),
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			source LowCardinality(String),
			ingested_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(ingested_at)
		PARTITION BY toYYYYMM(bucket)
		ORDER BY (symbol, bucket, resolution, source)`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.market_data_1h (
			symbol LowCardinality(String),
			bucket DateTime,
			resolution LowCardinality(String),
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			source LowCardinality(String),
			ingested_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(ingested_at)
		PARTITION BY toYYYYMM(bucket)
		ORDER BY (symbol, bucket, resolution, source)`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.data_downloads (
			symbol LowCardinality(String),
			resolution LowCardinality(String),
			range_start DateTime,
			range_end DateTime,
			source LowCardinality(String),
			downloaded_at DateTime
		) ENGINE = MergeTree
		ORDER BY (symbol, resolution, range_start)`, db),
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, nil
}

// ProvideKafkaProducer creates a Kafka producer.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideKafkaConsumer creates a Kafka consumer, or nil when disabled.
func ProvideKafkaConsumer(cfg *config.Config) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideRedisClient creates the shared Redis client, or nil when the
// shared tier is disabled. Everything degrades to in-process behavior
// without it.
func ProvideRedisClient(cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// ProvideLayeredCache builds the memory+Redis cache store.
func ProvideLayeredCache(cfg *config.Config, rdb *redis.Client) *pkgcache.LayeredCache {
	var opts []pkgcache.LayeredOption
	if cfg.Cache.MemoryMaxItems > 0 {
		opts = append(opts, pkgcache.WithLayeredMemorySize(cfg.Cache.MemoryMaxItems))
	}
	var rc *pkgcache.RedisCache
	if rdb != nil {
		rc = pkgcache.NewRedisCacheFromClient(rdb, "marketagg")
	}
	return pkgcache.NewLayeredCache(rc, opts...)
}

// ProvideTieredCache builds the record cache with single-flight.
func ProvideTieredCache(cfg *config.Config, store *pkgcache.LayeredCache, m repository.Metrics, log *applogger.Logger) *icache.Tiered {
	return icache.NewTiered(store, icache.TTLPolicy{
		Quote: cfg.Cache.QuoteTTL,
		Daily: cfg.Cache.DailyTTL,
	}, m, log)
}

// ProvideEventSink builds the Redis-backed observability event queue, or
// nil when Redis is disabled. Error logs are deduplicated by a collector
// and shipped over the same queue; without Redis the collector still
// retains entries for the /api/logs view.
func ProvideEventSink(cfg *config.Config, rdb *redis.Client, log *applogger.Logger) queue.QueueService {
	var sink queue.QueueService
	if rdb != nil {
		sink = queue.NewRedisPublisher(log, rdb)
	}
	cc := &applogger.CollectionConfig{
		TimeInterval:   time.Minute,
		CountThreshold: 64,
		Topic:          "log.error_batch",
	}
	if sink != nil {
		cc.Publisher = sink
	}
	log.AddCollector(cc)
	return sink
}

// ProvideEventConsumer builds the worker that drains the observability
// queue, or nil when Redis is disabled.
func ProvideEventConsumer(rdb *redis.Client, log *applogger.Logger) *queue.RedisQueue {
	if rdb == nil {
		return nil
	}
	return queue.NewRedisConsumer(log, &queue.QueueConfig{
		Workers:    1,
		RetryLimit: 3,
		RetryDelay: 10 * time.Second,
	}, rdb, usecase.EventJobs(log))
}

// ProvideRegistry assembles enabled source adapters with their
// priorities.
func ProvideRegistry(cfg *config.Config) (*source.Registry, error) {
	reg := source.NewRegistry()
	if cfg.Sources.Finnhub.Enabled {
		base := cfg.Sources.Finnhub.BaseURL
		if base == "" {
			base = "https://finnhub.io"
		}
		if err := reg.Register(source.NewFinnhub(base, cfg.Sources.Finnhub.APIKey), cfg.Sources.Finnhub.Priority); err != nil {
			return nil, err
		}
	}
	if cfg.Sources.AlphaVantage.Enabled {
		base := cfg.Sources.AlphaVantage.BaseURL
		if base == "" {
			base = "https://www.alphavantage.co"
		}
		if err := reg.Register(source.NewAlphaVantage(base, cfg.Sources.AlphaVantage.APIKey), cfg.Sources.AlphaVantage.Priority); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// ProvideCoordinator builds the failover coordinator and its health
// table.
func ProvideCoordinator(cfg *config.Config, reg *source.Registry, m repository.Metrics, log *applogger.Logger, events queue.QueueService) *failover.Coordinator {
	health := failover.NewHealthTable(failover.BreakerConfig{
		FailureThreshold: cfg.Failover.FailureThreshold,
		BackoffBase:      cfg.Failover.BackoffBase,
		BackoffCeiling:   cfg.Failover.BackoffCeiling,
	}, time.Now)

	opts := []failover.Option{}
	if events != nil {
		opts = append(opts, failover.WithEventSink(events))
	}
	return failover.New(reg, health, m, log, failover.Config{
		TopK:           cfg.Failover.TopK,
		PerCallTimeout: cfg.Failover.PerCallTimeout,
		Tolerance:      cfg.Failover.Tolerance,
	}, opts...)
}

// ProvideBarStorage creates ClickHouse-backed bar storage.
func ProvideBarStorage(client *pkgch.Client, cfg *config.Config) repository.BarStorage {
	db := cfg.ClickHouse.Database
	return internalrepo.NewClickHouseBarStorage(client.DB(), db+".market_data", db+".data_downloads")
}

// ProvideRecordPublisher creates the Kafka publisher.
func ProvideRecordPublisher(producer *pkgkafka.Producer, cfg *config.Config) repository.Publisher {
	return internalrepo.NewKafkaRecordPublisher(producer, cfg.Kafka.Topic)
}

// ProvideWriter builds the async batching writer.
func ProvideWriter(cfg *config.Config, store repository.BarStorage, pub repository.Publisher, cache *icache.Tiered, m repository.Metrics, log *applogger.Logger, events queue.QueueService) *writer.Writer {
	opts := []writer.Option{
		writer.WithInvalidator(func(symbol string) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			cache.InvalidateQuote(ctx, symbol)
		}),
	}
	if events != nil {
		opts = append(opts, writer.WithEventSink(events))
	}
	return writer.New(writer.Config{
		Backend:       cfg.Writer.Backend,
		BatchSize:     cfg.Writer.BatchSize,
		BatchWindow:   cfg.Writer.BatchWindow,
		MaxRetries:    cfg.Writer.MaxRetries,
		RetryBackoff:  cfg.Writer.RetryBackoff,
		QueueCapacity: cfg.Writer.QueueCapacity,
	}, store, pub, m, log, opts...)
}

// ProvideScheduler builds the rollup and retention scheduler.
func ProvideScheduler(cfg *config.Config, client *pkgch.Client, m repository.Metrics, log *applogger.Logger) *rollup.Scheduler {
	db := cfg.ClickHouse.Database
	store := internalrepo.NewClickHouseMaintenance(client.DB(), db, "market_data", "market_data_1h")
	return rollup.NewScheduler(store,
		rollup.AggregationPolicy{
			Width:    cfg.Rollup.Width,
			Grace:    cfg.Rollup.Grace,
			Interval: cfg.Rollup.Interval,
		},
		rollup.RetentionPolicy{
			MaxAge:      cfg.Rollup.RetentionMaxAge,
			CompressAge: cfg.Rollup.CompressAge,
			Interval:    cfg.Rollup.MaintenanceInterval,
		},
		m, log)
}

// ProvideEngine builds the caller-facing engine.
func ProvideEngine(cache *icache.Tiered, coord *failover.Coordinator, w *writer.Writer, store repository.BarStorage, m repository.Metrics, log *applogger.Logger) *usecase.Engine {
	return usecase.NewEngine(cache, coord, w, store, m, log)
}

// ProvideStreamCollector builds the live WS ingest path, or nil when the
// stream is disabled.
func ProvideStreamCollector(cfg *config.Config, w *writer.Writer, pub repository.Publisher, m repository.Metrics, log *applogger.Logger) *usecase.StreamCollector {
	fh := cfg.Sources.Finnhub
	if !fh.Enabled || !fh.StreamEnabled {
		return nil
	}
	stream := finnhub.New(fh.APIKey, fh.WebSocketURL, fh.Symbols, fh.ReconnectDelay, fh.PingInterval, log)
	ing := usecase.NewTradeIngestor(w, pub, m, cfg.Writer.Backend)

	var pipeOpts []mid.PipelineOption
	if cfg.Pipeline.MaxRPS > 0 {
		pipeOpts = append(pipeOpts, mid.WithMaxRPS(cfg.Pipeline.MaxRPS))
	}
	if cfg.Pipeline.BufferSize > 0 {
		pipeOpts = append(pipeOpts, mid.WithBufferSize(cfg.Pipeline.BufferSize))
	}
	pipe := mid.NewRealtimePipeline(ing, m, pipeOpts...)
	return usecase.NewStreamCollector(stream, ing, m, pipe)
}

// ProvideBarsHandler registers the consumer-side persistence handler.
func ProvideBarsHandler(cfg *config.Config, store repository.BarStorage, m repository.Metrics) *usecase.KafkaBarsHandler {
	return usecase.NewKafkaBarsHandler(cfg.Kafka.Topic, store, m)
}

// ProvideHTTPHandler builds the market API handler.
func ProvideHTTPHandler(log *applogger.Logger, engine *usecase.Engine, store repository.BarStorage, collector *usecase.StreamCollector) xhttp.Handler {
	health := func() map[string]interface{} {
		out := map[string]interface{}{}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Health(ctx); err != nil {
			out["storage"] = err.Error()
		} else {
			out["storage"] = "ok"
		}
		if collector != nil {
			out["stream_connected"] = collector.IsConnected()
		}
		return out
	}
	return api.NewMarketEchoHandler(log, engine, health)
}

// ProvideApp assembles the application.
func ProvideApp(
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
) *server.App {
	if consumer != nil {
		consumer.WithConsumerHook(pkgkafka.NoopHook{})
	}
	return server.New(cfg, log, coord, w, sched, collector, consumer, bh, handler, chClient, cache, events)
}
