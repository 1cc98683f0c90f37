package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := LoadConfig()

	// Logger
	zerolog.TimeFieldFormat = time.RFC3339
	if strings.EqualFold(cfg.LogFormat, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("db", cfg.DBPath).
		Bool("rabbit", cfg.RabbitURL != "").
		Msg("starting catalog service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB + migración + seed opcional
	db, err := openSQLite(cfg.DBPath)
	must(err)
	defer db.Close()
	must(migrate(ctx, db))

	repo := NewSQLiteRepo(db)
	if cfg.SeedOnStart {
		must(repo.Seed(ctx))
		log.Info().Msg("seeded initial books")
	}

	// Rabbit
	rabbit, err := NewRabbit(cfg.RabbitURL, cfg.RabbitExchange)
	must(err)
	defer rabbit.Close()

	svc := NewService(repo, rabbit, log.Logger)
	must(rabbit.ConsumeReconciliation(ctx, cfg.ReconcileQueue, svc.Reconcile))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewCatalogServer(svc, log.Logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Señales para apagado limpio
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		<-ctx.Done()
		log.Warn().Msg("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().Msg("HTTP listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		must(err)
	}
	<-idle
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
