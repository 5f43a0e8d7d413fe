// cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/omica1992/whatsapp-dispatch/internal/app"
	"github.com/omica1992/whatsapp-dispatch/internal/broker"
	"github.com/omica1992/whatsapp-dispatch/internal/channel"
	"github.com/omica1992/whatsapp-dispatch/internal/config"
	"github.com/omica1992/whatsapp-dispatch/internal/db"
	"github.com/omica1992/whatsapp-dispatch/internal/logger"
	"github.com/omica1992/whatsapp-dispatch/internal/model"
	"github.com/omica1992/whatsapp-dispatch/internal/notify"
	"github.com/omica1992/whatsapp-dispatch/internal/queue"
	"github.com/omica1992/whatsapp-dispatch/internal/service"
)

func main() {
	cfg := config.MustLoad()
	logger.Setup(cfg.Env, cfg.LogLevel, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	dsn := cfg.Database.DSN()
	conn, err := db.Open(ctx, dsn, cfg.MaxOpen)
	if err != nil {
		return err
	}
	defer conn.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Session receipts are reconciled like webhook statuses.
	var reconciler *service.Reconciler
	sessions, err := channel.NewSessionManager(ctx, dsn, func(ctx context.Context, ev model.StatusEvent) error {
		return reconciler.ReportDeliveryStatus(ctx, ev)
	})
	if err != nil {
		return err
	}
	defer sessions.Stop()

	lease := channel.NewSessionLease(rdb, cfg.Redis.Prefix, workerID(), cfg.WhatsApp.SessionLeaseTTL)
	resolver := channel.NewResolver(sessions, app.ResolverConfig(cfg.WhatsApp))
	resolver.Owners = lease
	a := app.New(cfg, conn, queue.NewRedisBackend(rdb, cfg.Redis.Prefix), resolver, notify.NewRedisNotifier(rdb, cfg.Redis.Prefix))
	reconciler = a.Reconciler

	if err := a.Verifier.Register(ctx, a.VerifyQueue, cfg.VerifyCron); err != nil {
		return fmt.Errorf("register verifier: %w", err)
	}

	c := cron.New()
	if cfg.SessionsStart {
		watchdog := &sessionWatchdog{Connections: a.Connections, Sessions: sessions, Leases: lease}
		watchdog.check(ctx)
		if _, err := c.AddFunc("@every 1m", func() { watchdog.check(ctx) }); err != nil {
			return err
		}
	}
	c.Start()
	defer c.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range a.Queues() {
		g.Go(func() error { return q.Run(gctx) })
	}

	if cfg.Rabbit.URL != "" {
		amqpConn, ch, err := broker.Dial(ctx, cfg.Rabbit.URL)
		if err != nil {
			return err
		}
		defer amqpConn.Close()
		defer ch.Close()
		if err := broker.DeclareStatusQueue(ch, cfg.StatusQueue); err != nil {
			return err
		}
		consumer := &broker.Consumer{
			Channel:    ch,
			Queue:      cfg.StatusQueue,
			Name:       cfg.ConsumerName,
			Prefetch:   cfg.Prefetch,
			MaxRetries: cfg.Attempts,
			Reporter:   a.Reconciler,
			Requeue:    broker.NewPublisher(ch, cfg.StatusQueue),
		}
		g.Go(func() error { return consumer.Run(gctx) })
	}

	log.Info().Str("verify", cfg.VerifyCron).Msg("worker running")
	return g.Wait()
}

// workerID names this process in session leases.
func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
