package main

import (
	"context"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"escrowd/config"
	"escrowd/identity"
	"escrowd/journal"
	"escrowd/native/escrow"
	"escrowd/native/fees"
	"escrowd/native/ledger"
	"escrowd/observability/logging"
	"escrowd/rpc"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "escrowd.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("escrowd", cfg.Environment)

	accountant, err := fees.NewAccountant(fees.Policy{Bps: cfg.FeeBps})
	if err != nil {
		log.Fatalf("fee policy: %v", err)
	}
	led := ledger.New()
	store := escrow.NewStore()
	engine := escrow.NewEngine(store, led, accountant, cfg.PlatformAccount)

	jrnl, err := journal.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer jrnl.Close()
	engine.SetEmitter(jrnl)

	if path := strings.TrimSpace(cfg.SeedFile); path != "" {
		if err := seedLedger(led, path); err != nil {
			log.Fatalf("seed ledger: %v", err)
		}
		logger.Info("seeded ledger from fixture", "path", path)
	}

	skew, err := cfg.IdentityClockSkew()
	if err != nil {
		log.Fatalf("identity config: %v", err)
	}
	if strings.TrimSpace(cfg.Identity.JWTSecret) == "" {
		log.Fatalf("identity config: JWT secret required (set Identity.JWTSecret or ESCROWD_JWT_SECRET)")
	}
	resolver := identity.NewJWTResolver(cfg.Identity.JWTSecret, cfg.Identity.Issuer, skew)

	server := rpc.NewServer(engine, jrnl, resolver, logger, cfg.RequestsPerMinute)
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepEvery, err := cfg.SweepEvery()
	if err != nil {
		log.Fatalf("sweep config: %v", err)
	}
	sweeper := escrow.NewSweeper(engine, sweepEvery, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)

	go func() {
		logger.Info("escrow daemon listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down escrow daemon")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

func seedLedger(led *ledger.Ledger, path string) error {
	accounts, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		amount, _ := new(big.Int).SetString(strings.TrimSpace(acct.Available), 10)
		if amount == nil || amount.Sign() <= 0 {
			continue
		}
		if _, err := led.Deposit(acct.Principal, amount); err != nil {
			return err
		}
	}
	return nil
}
