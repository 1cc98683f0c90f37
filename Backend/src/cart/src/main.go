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
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := LoadConfig()
	setupLogger(cfg)

	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("db", cfg.DBPath).
		Str("identity", cfg.IdentityEndpoint).
		Str("books", cfg.BookEndpoint).
		Bool("rabbit", cfg.RabbitURL != "").
		Msg("starting cart service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := openSQLite(cfg.DBPath)
	must(err)
	defer db.Close()
	must(migrate(ctx, db))

	// Rabbit
	events, err := NewPublisher(cfg.RabbitURL, cfg.RabbitExchange)
	must(err)
	defer events.Close()

	repo := NewSQLiteRepo(db)
	books := NewBookClient(cfg)
	identity := NewIdentityClient(cfg.IdentityEndpoint, cfg.UpstreamTimeout, cfg.UpstreamRetries,
		cfg.IdentityCacheSize, cfg.IdentityCacheTTL)
	svc := NewCartService(repo, books, events, log.Logger, cfg.CatalogConcurrency)
	limiter := newUserRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewServer(svc, identity, limiter, log.Logger, cfg.CORSOrigins).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcSrv *healthServer
	if cfg.GRPCAddr != "" {
		grpcSrv, err = newHealthServer(cfg.GRPCAddr)
		must(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			log.Info().Str("addr", grpcSrv.Addr()).Msg("gRPC health listening")
			return grpcSrv.Serve()
		})
	}
	g.Go(func() error {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-t.C:
				limiter.sweep(now)
			}
		}
	})

	// 0 desactiva el barrido
	if cfg.MovementSweepEvery > 0 {
		g.Go(func() error {
			t := time.NewTicker(cfg.MovementSweepEvery)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if _, err := svc.RecoverStaleMovements(gctx, cfg.MovementStaleAfter); err != nil {
						log.Warn().Err(err).Msg("stock movement sweep failed")
					}
				}
			}
		})
	}

	// Apagado limpio: señal o fallo de un servidor
	g.Go(func() error {
		<-gctx.Done()
		log.Warn().Msg("shutting down...")
		if grpcSrv != nil {
			grpcSrv.Stop()
		}
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("cart service stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("cart service stopped")
}

func setupLogger(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if strings.EqualFold(cfg.LogFormat, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
