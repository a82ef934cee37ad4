package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/lnchess/settlement-service/internal/config"
	"github.com/lnchess/settlement-service/internal/lichess"
	"github.com/lnchess/settlement-service/internal/lightning"
	"github.com/lnchess/settlement-service/internal/logger"
	"github.com/lnchess/settlement-service/internal/model"
	"github.com/lnchess/settlement-service/internal/repo"
	"github.com/lnchess/settlement-service/internal/service"
	httptransport "github.com/lnchess/settlement-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Balance{}, &model.Transaction{}, &model.Challenge{}, &model.OutboxEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. external clients
	game := lichess.NewClient(cfg.Lichess.BaseURL, log)
	gateway := lightning.NewClient(cfg.Lightning.BaseURL, cfg.Lightning.Macaroon, log)

	// 7. repo & services
	repository := repo.NewRepository(gdb, rdb, kw, log)
	callTimeout := cfg.External.Timeout()
	settle := service.NewSettlementService(repository, game, log, callTimeout)
	money := service.NewMoneyService(repository, gateway, log, callTimeout)

	// 8. gin router
	router := httptransport.NewRouter(httptransport.Deps{
		Repo:        repository,
		Settlement:  settle,
		Money:       money,
		Accounts:    game,
		Profiles:    game,
		AuthTimeout: callTimeout,
	}, cfg.RateLimit, log)

	// 9. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("settlement-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
