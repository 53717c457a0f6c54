// cmd/reservation-service/main.go
package main

import (
	"context"

	"go.opentelemetry.io/otel"

	"turnstile/internal/pkg/bootstrap"
	"turnstile/internal/pkg/clock"
	"turnstile/internal/pkg/logger"
	"turnstile/internal/pkg/mq"
	pkgredis "turnstile/internal/pkg/redis"
	"turnstile/internal/service/reservation/application"
	"turnstile/internal/service/reservation/domain"
	"turnstile/internal/service/reservation/infrastructure/adapter"
	"turnstile/internal/service/reservation/infrastructure/memory"
	"turnstile/internal/service/reservation/infrastructure/mysql"
	"turnstile/internal/service/reservation/infrastructure/policy"
	"turnstile/internal/service/reservation/interfaces"
	"turnstile/internal/zookeeper"
)

const (
	serviceName = "reservation-service"
	servicePort = 8083
)

// main 是组装根：创建并组装所有依赖项，然后启动应用。
// MySQL / Redis / Kafka / ZooKeeper 都是可选的，没配就退化成
// 纯内存单实例模式，方便本地起服务。
func main() {
	logger.Init(serviceName)
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	// 1. 账本：配了 MySQL 用 MySQL，否则用内存实现
	var ledger domain.Ledger
	if dsn := cfg.Infra.Mysql.DSN; dsn != "" {
		db, err := mysql.Open(dsn)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to connect to mysql")
		}
		if err := mysql.Migrate(db); err != nil {
			logger.L().Fatal().Err(err).Msg("failed to migrate ledger schema")
		}
		ledger = mysql.NewLedger(db)
	} else {
		logger.L().Warn().Msg("no mysql dsn configured, using in-memory ledger")
		ledger = memory.NewLedger()
	}

	clk := clock.NewSystem()
	tracer := otel.Tracer(serviceName)

	opts := []application.Option{
		application.WithHoldTTL(cfg.App.HoldTTL.Std()),
		application.WithSoldOutTTL(cfg.App.SoldOutTTL.Std()),
	}
	sweepOpts := []application.SweeperOption{
		application.WithSweepInterval(cfg.App.SweepInterval.Std()),
		application.WithRetention(cfg.App.HoldRetention.Std()),
	}

	// 2. 可选协作方
	if rule := cfg.App.PolicyRule; rule != "" {
		p, err := policy.NewCELPolicy(rule)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("invalid purchase policy rule")
		}
		opts = append(opts, application.WithPolicy(p))
	}

	if addr := cfg.Infra.Redis.Addr; addr != "" {
		redisClient, err := pkgredis.NewClient(addr)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to connect to redis")
		}
		gate, err := adapter.NewGateRedisAdapter(redisClient)
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to initialize admission gate")
		}
		opts = append(opts, application.WithGate(gate))
		sweepOpts = append(sweepOpts, application.WithSweepGate(gate))
	}

	if brokers := cfg.Infra.Kafka.Brokers; len(brokers) > 0 {
		writer := mq.NewKafkaWriter(brokers, cfg.Infra.Kafka.HoldEventsTopic)
		defer writer.Close()
		producer := adapter.NewNotificationKafkaAdapter(writer)
		opts = append(opts, application.WithProducer(producer))
		sweepOpts = append(sweepOpts, application.WithSweepProducer(producer))
	}

	if servers := cfg.Infra.Zookeeper.Servers; len(servers) > 0 {
		conn, err := zookeeper.Connect(servers, cfg.App.SweepInterval.Std())
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to connect to zookeeper")
		}
		defer conn.Close()
		leader, err := zookeeper.NewResourceLock(conn, "expiry-sweep")
		if err != nil {
			logger.L().Fatal().Err(err).Msg("failed to initialize sweep leader lock")
		}
		sweepOpts = append(sweepOpts, application.WithLeaderLock(leader))
	}

	service := application.NewReservationService(ledger, clk, tracer, opts...)
	sweeper := application.NewSweeper(ledger, clk, sweepOpts...)
	handler := interfaces.NewReservationHandler(service)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		Background: func(ctx context.Context) {
			_ = sweeper.Run(ctx)
		},
	})
}
