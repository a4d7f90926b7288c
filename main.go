package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outreachly/config"
	controller "outreachly/controllers"
	"outreachly/middleware"
	"outreachly/routes"
	"outreachly/services"
	"outreachly/store"
	"outreachly/utils"
	"outreachly/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig
	utils.InitLogger(cfg.Environment, cfg.LogLevel)

	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logrus.WithError(err).Warn("Sentry disabled")
	}
	defer utils.FlushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		logrus.Fatalf("Failed to open store: %v", err)
	}

	sequences := services.NewSequenceService(st, cfg.TrackingSecret)
	tracking := services.NewTrackingService(st, sequences)

	processor := worker.NewJobProcessor(st, newMailer(cfg), sequences, cfg.BaseURL, cfg.FromName)
	processor.Retry = worker.NewRetryPolicy(cfg.RetryBackoff)

	queue := worker.NewQueueManager(st, processor, worker.QueueConfig{
		Interval:  cfg.SchedulerInterval,
		BatchSize: cfg.SchedulerBatchSize,
	})

	var limiterStorage fiber.Storage
	if cfg.Redis.Enabled {
		redisStorage := middleware.NewRedisStorage(cfg.Redis)
		if err := redisStorage.Ping(ctx); err != nil {
			logrus.WithError(err).Warn("Redis unavailable, rate limiting in memory")
		} else {
			limiterStorage = redisStorage
			defer redisStorage.Close()
		}
	}

	app := fiber.New(fiber.Config{
		AppName:               "outreachly",
		DisableStartupMessage: cfg.Environment == "production",
	})
	routes.SetupRoutes(app, routes.Options{
		Sequences:         controller.NewSequenceController(sequences),
		Tracking:          controller.NewTrackingController(tracking),
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		TrackingRateLimit: cfg.TrackingRateLimit,
		RateLimitStorage:  limiterStorage,
		AccessLog:         cfg.Environment != "production",
		Health: func() fiber.Map {
			return fiber.Map{"scheduler": queue.Stats()}
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logrus.Infof("Server starting on port %s", cfg.ServerPort)
		return app.Listen(":" + cfg.ServerPort)
	})

	g.Go(func() error {
		if err := queue.Start(gctx, cfg.SchedulerInterval); err != nil {
			return err
		}
		<-gctx.Done()
		return queue.Stop()
	})

	if cfg.IMAP.Enabled {
		poller := worker.NewReplyPoller(worker.IMAPConfig{
			Host:       cfg.IMAP.Host,
			Port:       cfg.IMAP.Port,
			Username:   cfg.IMAP.Username,
			Password:   cfg.IMAP.Password,
			Mailbox:    cfg.IMAP.Mailbox,
			Encryption: cfg.IMAP.Encryption,
			Interval:   cfg.IMAP.Interval,
		}, tracking)
		g.Go(func() error {
			poller.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Shutting down server...")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("Server stopped with error")
		utils.FlushSentry()
		os.Exit(1)
	}
	logrus.Info("Server stopped")
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		logrus.Warn("Using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	if err := config.ConnectDB(); err != nil {
		return nil, err
	}
	return store.NewGormStore(config.DB), nil
}

func newMailer(cfg config.Config) utils.MailService {
	switch cfg.MailTransport {
	case "http":
		return utils.NewHTTPMailer(cfg.MailAPIURL, cfg.MailAPIKey, cfg.FromEmail, cfg.FromName)
	case "log":
		return utils.LogMailer{Logger: utils.Component("mailer")}
	}
	return utils.NewSMTPMailer(utils.SMTPConfig{
		Host:      cfg.SMTP.Host,
		Port:      cfg.SMTP.Port,
		Username:  cfg.SMTP.Username,
		Password:  cfg.SMTP.Password,
		FromEmail: cfg.FromEmail,
		FromName:  cfg.FromName,
	})
}
