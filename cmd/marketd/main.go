package main

import (
	"context"
	"log"
	"net/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mintbay/auth"
	"mintbay/config"
	"mintbay/market"
	"mintbay/models"
	"mintbay/observability/logging"
	"mintbay/server"
	"mintbay/settlement"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("marketd", cfg.Env, logging.Options{File: cfg.LogFile})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	noncePersistence, err := auth.NewLevelDBNoncePersistence(cfg.NonceDBPath)
	if err != nil {
		log.Fatalf("nonce store error: %v", err)
	}
	defer noncePersistence.Close()

	nonces := auth.NewNonceStore(cfg.NonceTTL, 0, nil, noncePersistence)
	if err := nonces.Hydrate(context.Background()); err != nil {
		log.Fatalf("nonce hydrate error: %v", err)
	}
	sessions := auth.NewSessionManager([]byte(cfg.SessionSecret), cfg.SessionTTL, nil)
	bridge := auth.NewBridge(auth.BridgeConfig{
		DB:               db,
		Nonces:           nonces,
		Sessions:         sessions,
		CredentialSecret: []byte(cfg.CredentialSecret),
		Domain:           cfg.Domain,
		ChainID:          cfg.ChainID,
	})

	chain, err := settlement.DialChainClient(cfg.ChainRPCURL)
	if err != nil {
		log.Fatalf("chain rpc error: %v", err)
	}

	lifecycle := market.NewLifecycle(db, nil)
	recorder := settlement.NewRecorder(settlement.RecorderConfig{
		DB:             db,
		Chain:          chain,
		Lifecycle:      lifecycle,
		Confirmations:  cfg.Confirmations,
		ReconcileGrace: cfg.ReconcileGrace,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lifecycle.RunSweeper(ctx, cfg.SweepInterval, logger)
	go recorder.RunReconciler(ctx, cfg.ReconcileGrace)

	srv := server.New(server.Config{
		DB:              db,
		Bridge:          bridge,
		Lifecycle:       lifecycle,
		Recorder:        recorder,
		Logger:          logger,
		NonceRatePerMin: cfg.NonceRatePerMin,
		SecureCookies:   cfg.Env != "dev",
	})

	addr := ":" + cfg.Port
	logger.Info("starting marketd", "addr", addr, "chainId", cfg.ChainID)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
