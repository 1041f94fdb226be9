package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gethleveldb "github.com/ethereum/go-ethereum/ethdb/leveldb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tallychain/audit"
	"tallychain/config"
	"tallychain/gateway"
	"tallychain/gateway/middleware"
	"tallychain/journal"
	"tallychain/ledger"
	"tallychain/native/custody"
	"tallychain/observability/logging"
	"tallychain/observability/otel"
	"tallychain/settlement"
	"tallychain/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("TALLY_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	var fileCfg *logging.FileConfig
	if strings.TrimSpace(cfg.Log.Path) != "" {
		fileCfg = &logging.FileConfig{
			Path:       cfg.Log.Path,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	logger := logging.Setup("tallyd", env, fileCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := func(context.Context) error { return nil }
	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdownTelemetry, err = otel.Init(ctx, otel.Config{
			ServiceName: "tallyd",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open state database: %v", err))
	}
	defer db.Close()

	trieDisk, err := gethleveldb.New(filepath.Join(cfg.DataDir, "ledger"), 128, 128, "ledger", false)
	if err != nil {
		panic(fmt.Sprintf("Failed to open ledger database: %v", err))
	}
	defer trieDisk.Close()

	root, found, err := settlement.PersistedRoot(db)
	if err != nil {
		panic(fmt.Sprintf("Failed to read persisted root: %v", err))
	}
	var rootBytes []byte
	if found {
		rootBytes = root.Bytes()
	}
	tr, err := ledger.NewTrie(trieDisk, rootBytes)
	if err != nil {
		panic(fmt.Sprintf("Failed to open ledger trie: %v", err))
	}
	led := ledger.New(tr)

	jrnl, err := journal.Open(db)
	if err != nil {
		panic(fmt.Sprintf("Failed to open journal: %v", err))
	}

	vault := custody.NewEngine(db)

	minDeposit, err := cfg.MinimumDepositAmount()
	if err != nil {
		panic(fmt.Sprintf("Invalid minimum deposit: %v", err))
	}
	engine, err := settlement.NewEngine(led, jrnl, db, settlement.SelfAuthorizer{}, vault, settlement.Config{
		MinimumDeposit: minDeposit,
		RequireDeposit: cfg.RequireDeposit,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to wire engine: %v", err))
	}

	recorder, err := audit.Open(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		logger.Warn("Audit index unavailable", slog.Any("error", err))
	} else {
		engine.SetEmitter(recorder)
		vault.SetEmitter(recorder)
	}

	if !found {
		members, err := config.LoadGenesis(cfg.GenesisFile)
		if err != nil {
			panic(fmt.Sprintf("Failed to load genesis: %v", err))
		}
		if len(members) > 0 {
			if err := engine.Seed(members); err != nil {
				panic(fmt.Sprintf("Failed to seed genesis members: %v", err))
			}
			logger.Info("Seeded genesis members", slog.Int("count", len(members)))
		}
	}

	server := gateway.NewServer(engine, logger, gateway.Config{
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	})

	handler := otelhttp.NewHandler(server.Router(), "gateway")
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", slog.String("address", cfg.ListenAddress), slog.String("network", cfg.NetworkName))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Gateway failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = shutdownTelemetry(shutdownCtx)
}
