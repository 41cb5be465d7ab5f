package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"custodia/internal/consent"
	"custodia/internal/ledger"
	"custodia/internal/notify"
	"custodia/internal/platform/config"
	"custodia/internal/platform/logger"
	"custodia/internal/platform/migrate"
	"custodia/internal/records"
	"custodia/internal/retention"
)

// main wires the stores, engines and background workers. All domain logic
// lives under internal/; the process here is a compliance daemon with a
// metrics endpoint, not an API server.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Env)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("custodia exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if err := migrate.Up(ctx, db); err != nil {
		return err
	}

	store := records.NewPostgresStore(db)
	uow := records.NewPostgresUnitOfWork(db)
	ledgerStore := ledger.NewPostgresStore(db)
	ledgerMetrics := ledger.NewMetrics()
	ledgerSvc := ledger.NewService(ledgerStore, ledgerMetrics)

	var runLock retention.RunLock = retention.NewMemoryRunLock()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		runLock = retention.NewRedisRunLock(rdb)
	}

	var sender notify.Sender = notify.NewConsoleSender(log)
	if cfg.SendgridKey != "" {
		sender = notify.NewSendgridSender(cfg.SendgridKey, "Custodia Privacy", cfg.SenderAddress)
	}

	issuer := consent.NewIssuer(cfg.ConsentTokenKey, cfg.ConsentTokenTTL)
	consentSvc := consent.NewService(store, uow, ledgerSvc, issuer, sender, cfg.ConsentGrantURL, log)
	retentionEngine := retention.NewEngine(store, uow, ledgerSvc, runLock, retention.NewMetrics(), cfg.SweepWorkers)

	var wg sync.WaitGroup

	sweeper := retention.NewSweeper(retentionEngine, consentSvc, cfg.SweepInterval, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if cfg.LedgerTopic != "" {
		producer, err := ledger.NewKafkaProducer(strings.Split(cfg.KafkaBrokers, ","), cfg.LedgerTopic)
		if err != nil {
			return err
		}
		defer producer.Close()
		mirror := ledger.NewMirrorWorker(ledgerStore, producer, ledgerMetrics, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mirror.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("ledger mirror stopped", zap.Error(err))
			}
		}()
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	log.Info("custodia started",
		zap.String("env", cfg.Env),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	wg.Wait()
	return nil
}
