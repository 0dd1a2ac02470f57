package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pharmapos/internal/config"
	"pharmapos/internal/infra"
	"pharmapos/internal/model"
	"pharmapos/internal/repository"
	"pharmapos/internal/router"
	"pharmapos/internal/service"
	"pharmapos/internal/worker"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Structured logger: pretty in dev, JSON in prod
	if cfg.Env != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	db, err := infra.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	rdb, err := infra.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Gateways ─────────────────────────────────────────────────────────────
	gateways := infra.Gateways{}
	if cfg.MPesaAPIKey != "" {
		mpesa, err := infra.NewMPesaClient(infra.MPesaConfig{
			BaseURL:             cfg.MPesaBaseURL,
			APIKey:              cfg.MPesaAPIKey,
			PublicKey:           cfg.MPesaPublicKey,
			ServiceProviderCode: cfg.MPesaServiceProviderCode,
			Timeout:             cfg.GatewayTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure m-pesa")
		}
		gateways[model.GatewayMPesa] = infra.Guard(mpesa, infra.DefaultCBConfig())
	}
	if cfg.E2PaymentsClientID != "" {
		e2 := infra.NewE2PaymentsClient(infra.E2PaymentsConfig{
			BaseURL:      cfg.E2PaymentsBaseURL,
			ClientID:     cfg.E2PaymentsClientID,
			ClientSecret: cfg.E2PaymentsClientSecret,
			WalletID:     cfg.E2PaymentsWalletID,
			Timeout:      cfg.GatewayTimeout,
		}, infra.NewRedisTokenCache(rdb))
		gateways[model.GatewayE2Payments] = infra.Guard(e2, infra.DefaultCBConfig())
	}
	if len(gateways) == 0 {
		log.Warn().Msg("no payment gateway configured; settlement requests will be rejected")
	}

	// ── Optional sinks ───────────────────────────────────────────────────────
	var events infra.EventPublisher = infra.NoopPublisher{}
	if cfg.KafkaEnabled() {
		kp, err := infra.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaSettlementTopic)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure kafka publisher")
		}
		defer kp.Close()
		events = kp
	}
	var journal infra.GatewayJournal = infra.NoopJournal{}
	if cfg.MongoEnabled() {
		mj, err := infra.NewMongoJournal(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mongo")
		}
		defer mj.Close(context.Background())
		journal = mj
	}

	// ── Repositories ─────────────────────────────────────────────────────────
	cashRepo := repository.NewCashRepository(db)
	settlementRepo := repository.NewSettlementRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	exceptionRepo := repository.NewExceptionRepository(db)

	// ── Workers ──────────────────────────────────────────────────────────────
	poller, err := worker.NewPoller(worker.PollerConfig{
		Interval:    cfg.SettlementPollInterval,
		MaxAttempts: cfg.SettlementMaxAttempts,
		PoolSize:    cfg.SettlementPollerPoolSize,
		CallTimeout: cfg.GatewayTimeout,
	}, settlementRepo, gateways)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start settlement poller")
	}

	dispatcher := worker.NewDispatcher(rdb)
	pool := worker.NewPool(rdb)
	pool.Handle(worker.JobTypeAlert, worker.NewAlertWorker(infra.NewMailer(cfg)).Process)
	pool.Start(ctx, cfg.WorkerPoolSize)

	// ── Services ─────────────────────────────────────────────────────────────
	till := make([]model.TenderType, 0)
	for _, t := range cfg.TillTenders() {
		tt := model.TenderType(t)
		if !tt.Valid() {
			log.Fatal().Str("tender", t).Msg("TILL_TENDER_TYPES contains an unknown tender")
		}
		till = append(till, tt)
	}

	cashSvc := service.NewCashService(cashRepo, service.VarianceThresholds{
		WarningPct:  cfg.WarningPct(),
		CriticalPct: cfg.CriticalPct(),
	})
	settlementSvc := service.NewSettlementService(service.SettlementDeps{
		Settlements:    settlementRepo,
		Orders:         orderRepo,
		Exceptions:     exceptionRepo,
		Cash:           cashSvc,
		Gateways:       gateways,
		Poller:         poller,
		Events:         events,
		Journal:        journal,
		Alerts:         dispatcher,
		TillTenders:    till,
		GatewayTimeout: cfg.GatewayTimeout,
	})
	exceptionSvc := service.NewExceptionService(exceptionRepo)

	// The sweep's first pass resumes polling for anything left in flight by
	// a previous process.
	sweeper := worker.NewSweeper(worker.SweeperConfig{
		Repo:        settlementRepo,
		Poller:      poller,
		Target:      settlementSvc,
		MaxAttempts: cfg.SettlementMaxAttempts,
	})
	if err := sweeper.Start(ctx, cfg.SettlementSweepSchedule); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule recovery sweep")
	}

	r := router.New(cfg, router.Deps{
		DB:          db,
		Redis:       rdb,
		Gateways:    gateways,
		Cash:        cashSvc,
		Settlements: settlementSvc,
		Exceptions:  exceptionSvc,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.GatewayTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM
	go func() {
		log.Info().Msgf("pharmapos listening on :%d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server…")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	// In-flight polls stop here; the next process's sweep resumes them.
	cancel()
	poller.Shutdown(10 * time.Second)
	log.Info().Msg("server exited")
}
