package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/takadao/smart-trading/params"
	"github.com/takadao/smart-trading/pkg/api"
	"github.com/takadao/smart-trading/pkg/crypto"
	"github.com/takadao/smart-trading/pkg/events"
	"github.com/takadao/smart-trading/pkg/invalidator"
	"github.com/takadao/smart-trading/pkg/ledger"
	"github.com/takadao/smart-trading/pkg/settlement"
	"github.com/takadao/smart-trading/pkg/util"
)

type snapshotStore interface {
	invalidator.Store
	invalidator.Snapshotter
}

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file unless LOG_FILE is empty)
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.Level, cfg.Log.File)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", cfg.Log.Level, "log_file", cfg.Log.File)

	// ---- Invalidator store ----
	var store snapshotStore
	switch cfg.Storage.Backend {
	case "pebble":
		ps, err := invalidator.NewPebbleStore(cfg.Storage.DBPath)
		if err != nil {
			sugar.Fatalw("pebble_open_failed", "path", cfg.Storage.DBPath, "err", err)
		}
		defer ps.Close()
		store = ps
	default:
		store = invalidator.NewMemoryStore()
	}
	sugar.Infow("invalidator_store_ready", "backend", cfg.Storage.Backend)

	if cfg.Storage.SnapshotPath != "" {
		n, err := importSnapshot(cfg.Storage.SnapshotPath, store)
		if err != nil {
			sugar.Fatalw("snapshot_import_failed", "path", cfg.Storage.SnapshotPath, "err", err)
		}
		sugar.Infow("snapshot_imported", "path", cfg.Storage.SnapshotPath, "rows", n)
	}

	// ---- Ledger ----
	domain := cfg.EIP712Domain()
	ldg := newLedger(domain, cfg.Ledger.Tokens)
	for addr, name := range ldg.Tokens() {
		sugar.Infow("token_registered", "token", addr.Hex(), "name", name)
	}

	// ---- Settlement ----
	engine, err := settlement.NewEngine(settlement.Config{Domain: domain, Layout: cfg.Layout()}, store, ldg, nil)
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}
	engine.Logger = sugar
	permits := settlement.NewPermitAdapter(engine, ldg)

	// ---- API Server ----
	apiCfg := api.Config{
		CORSOrigins: cfg.API.CORSOrigins,
		Logger:      sugar,
	}
	if cfg.API.DevFaucet {
		apiCfg.Faucet = ldg
		sugar.Warnw("dev_faucet_enabled")
	}
	apiServer := api.NewServer(engine, permits, ldg, apiCfg)

	// Settlement events go to WebSocket subscribers and, when configured, Kafka
	publishers := events.Multi{apiServer.Hub()}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			sugar.Fatalw("kafka_init_failed", "brokers", cfg.Events.KafkaBrokers, "err", err)
		}
		defer kp.Close()
		publishers = append(publishers, kp)
		sugar.Infow("kafka_publisher_ready", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
	}
	engine.Publisher = publishers

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("node_starting",
		"chain_id", domain.ChainID,
		"verifying_contract", domain.VerifyingContract.Hex(),
		"expiry_shift", cfg.RFQ.ExpiryShift,
		"expiry_bits", cfg.RFQ.ExpiryBits,
		"tokens", len(ldg.Tokens()))

	if err := apiServer.Start(ctx, cfg.API.Addr); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
	}

	if cfg.Storage.SnapshotPath != "" {
		if err := writeSnapshot(cfg.Storage.SnapshotPath, store); err != nil {
			sugar.Errorw("snapshot_write_failed", "path", cfg.Storage.SnapshotPath, "err", err)
		} else {
			sugar.Infow("snapshot_written", "path", cfg.Storage.SnapshotPath)
		}
	}
	sugar.Info("node_stopped")
}

// newLedger registers tokens on a fresh in-memory ledger. A repeated address
// keeps its last name.
func newLedger(domain crypto.EIP712Domain, tokens []params.Token) *ledger.Memory {
	ldg := ledger.NewMemory(domain.VerifyingContract, domain.ChainID)
	for _, t := range tokens {
		ldg.RegisterToken(common.HexToAddress(t.Address), t.Name)
	}
	return ldg
}

// importSnapshot merges a snapshot file into store. A missing file is not an error.
func importSnapshot(path string, store invalidator.Snapshotter) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return invalidator.ImportSnapshot(f, store)
}

// writeSnapshot replaces path atomically.
func writeSnapshot(path string, store invalidator.Snapshotter) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := invalidator.WriteSnapshot(tmp, store); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
