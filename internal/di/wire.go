//go:build wireinject
// +build wireinject

package di

import (
	"MarketAgg/pkg/config"
	"MarketAgg/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire generates the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,
		ProvideRedisClient,

		// Cache tiers
		ProvideLayeredCache,
		ProvideTieredCache,
		ProvideEventSink,
		ProvideEventConsumer,

		// Sources and failover
		ProvideRegistry,
		ProvideCoordinator,

		// Persistence
		ProvideBarStorage,
		ProvideRecordPublisher,
		ProvideWriter,
		ProvideScheduler,

		// Use cases
		ProvideEngine,
		ProvideStreamCollector,
		ProvideBarsHandler,

		// HTTP
		ProvideHTTPHandler,

		// Application
		ProvideApp,
	)
	return &server.App{}, nil
}
