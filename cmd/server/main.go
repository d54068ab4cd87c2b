package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"portal-ledger/internal/config"
	"portal-ledger/internal/events"
	"portal-ledger/internal/events/kafkapub"
	"portal-ledger/internal/events/redispub"
	"portal-ledger/internal/httpapi"
	"portal-ledger/internal/store"
	"portal-ledger/internal/store/memstore"
	"portal-ledger/internal/transfer"
)

type backend interface {
	httpapi.Accounts
	transfer.Ledger
}

func main() {
	start := time.Now()
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}
	log, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer log.Sync()

	log.Info("startup begin",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.Store),
		zap.String("events_sink", cfg.EventsSink),
		zap.Bool("migrate", cfg.Migrate),
	)

	// Startup context
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	var be backend
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("using in-memory store; balances are lost on restart")
		be = memstore.New()
	default:
		pool, err := config.ConnectDB(startCtx, cfg, log)
		if err != nil {
			log.Fatal("db connect failed", zap.Error(err))
		}
		defer pool.Close()
		log.Info("db connected", zap.Int("max_conns", cfg.MaxConns))

		if cfg.Migrate {
			files, err := store.Migrate(startCtx, pool)
			if err != nil {
				log.Fatal("migrations failed", zap.Error(err))
			}
			log.Info("migrations complete", zap.Strings("files", files))
		} else {
			log.Info("migrations disabled")
		}
		be = store.New(pool, store.WithLockTimeout(cfg.LockTimeout))
	}

	pub, err := newPublisher(startCtx, cfg)
	if err != nil {
		log.Fatal("event sink setup failed", zap.Error(err))
	}
	defer pub.Close()

	auth := transfer.NewOwnerPolicy(cfg.Admins...)
	proc := transfer.NewProcessor(be, auth, pub, log.Named("transfer"), transfer.Config{
		MaxAttempts:    cfg.TransferMaxAttempts,
		Backoff:        cfg.TransferRetryBackoff,
		PublishTimeout: cfg.EventsPublishTimeout,
	})
	h := httpapi.NewHandlers(be, proc, auth, log.Named("http"))

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.Router(h, log.Named("http"), httpapi.RouterConfig{MaxInflight: cfg.MaxInflight}),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("ready",
			zap.Duration("startup", time.Since(start).Truncate(time.Millisecond)),
			zap.String("addr", cfg.HTTPAddr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newPublisher(ctx context.Context, cfg config.AppConfig) (events.Publisher, error) {
	switch cfg.EventsSink {
	case config.SinkKafka:
		return kafkapub.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	case config.SinkRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, err
		}
		return redispub.NewPublisher(rdb, cfg.RedisChannel), nil
	default:
		return events.Nop{}, nil
	}
}
