// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/omica1992/whatsapp-dispatch/internal/app"
	"github.com/omica1992/whatsapp-dispatch/internal/broker"
	"github.com/omica1992/whatsapp-dispatch/internal/channel"
	"github.com/omica1992/whatsapp-dispatch/internal/config"
	"github.com/omica1992/whatsapp-dispatch/internal/controller"
	"github.com/omica1992/whatsapp-dispatch/internal/db"
	"github.com/omica1992/whatsapp-dispatch/internal/handler"
	"github.com/omica1992/whatsapp-dispatch/internal/logger"
	"github.com/omica1992/whatsapp-dispatch/internal/notify"
	"github.com/omica1992/whatsapp-dispatch/internal/queue"
)

func main() {
	cfg := config.MustLoad()
	logger.Setup(cfg.Env, cfg.LogLevel, "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	dsn := cfg.Database.DSN()
	if err := db.MigrateUp(dsn); err != nil {
		return err
	}
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

	// The server only enqueues and cancels; sessions live in the workers.
	resolver := channel.NewResolver(nil, app.ResolverConfig(cfg.WhatsApp))
	resolver.Owners = channel.NewSessionLease(rdb, cfg.Redis.Prefix, "server", cfg.WhatsApp.SessionLeaseTTL)
	a := app.New(cfg, conn, queue.NewRedisBackend(rdb, cfg.Redis.Prefix), resolver, notify.NewRedisNotifier(rdb, cfg.Redis.Prefix))

	var statuses handler.StatusReporter = a.Reconciler
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
		statuses = broker.NewPublisher(ch, cfg.StatusQueue)
		log.Info().Str("queue", cfg.StatusQueue).Msg("webhook statuses go through rabbitmq")
	}

	router := handler.NewRouter(handler.Routes{
		Campaigns: &controller.CampaignController{CampaignService: a.CampaignService},
		Schedules: &controller.ScheduleController{OutboundService: a.Outbound},
		Webhook: &handler.WebhookHandler{
			VerifyToken: cfg.VerifyToken,
			AppSecret:   cfg.AppSecret,
			Connections: a.Connections,
			Statuses:    statuses,
		},
		Timeout: cfg.WriteTimeout,
	})

	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout + 5*time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Address).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
