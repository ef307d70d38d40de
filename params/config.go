package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/takadao/smart-trading/pkg/crypto"
	"github.com/takadao/smart-trading/pkg/rfq"
)

// Domain is the EIP-712 domain orders are signed under.
type Domain struct {
	ChainID           int64
	VerifyingContract string // settlement contract (or service instance) address
}

// RFQ selects the info packing convention. See rfq.Layout.
type RFQ struct {
	ExpiryShift uint
	ExpiryBits  uint
}

type Storage struct {
	Backend string // "memory" or "pebble"
	DBPath  string
	// SnapshotPath is imported on start (if present) and rewritten on shutdown. Empty disables.
	SnapshotPath string
}

type API struct {
	Addr        string
	CORSOrigins []string
	// DevFaucet exposes POST /api/v1/dev/faucet. Devnet only.
	DevFaucet bool
}

type Events struct {
	KafkaBrokers []string // empty disables Kafka
	KafkaTopic   string
}

type Log struct {
	Level string
	File  string // empty logs to stdout only
}

// Token is a ledger asset and its EIP-2612 domain name.
type Token struct {
	Address string
	Name    string
}

type Ledger struct {
	Tokens []Token
}

type Config struct {
	Domain  Domain
	RFQ     RFQ
	Storage Storage
	API     API
	Events  Events
	Log     Log
	Ledger  Ledger
}

func Default() Config {
	layout := rfq.DefaultLayout()
	domain := crypto.DefaultDomain()
	return Config{
		Domain: Domain{
			ChainID:           domain.ChainID.Int64(),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		RFQ: RFQ{
			ExpiryShift: layout.ExpiryShift,
			ExpiryBits:  layout.ExpiryBits,
		},
		Storage: Storage{
			Backend: "memory",
			DBPath:  "data/invalidator",
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Events: Events{
			KafkaTopic: "rfq-settlements",
		},
		Log: Log{
			Level: "info",
			File:  "data/node.log",
		},
		Ledger: Ledger{
			Tokens: []Token{
				{Address: "0x1000000000000000000000000000000000000001", Name: "USD Coin"},
				{Address: "0x2000000000000000000000000000000000000002", Name: "Wrapped Ether"},
			},
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
// Unparseable numbers keep the default; call Validate for semantic checks.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if v := os.Getenv("CHAIN_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Domain.ChainID = id
		}
	}
	cfg.Domain.VerifyingContract = getEnv("VERIFYING_CONTRACT", cfg.Domain.VerifyingContract)

	if v := os.Getenv("RFQ_EXPIRY_SHIFT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.RFQ.ExpiryShift = uint(n)
		}
	}
	if v := os.Getenv("RFQ_EXPIRY_BITS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.RFQ.ExpiryBits = uint(n)
		}
	}

	cfg.Storage.Backend = getEnv("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.DBPath = getEnv("DB_PATH", cfg.Storage.DBPath)
	cfg.Storage.SnapshotPath = getEnv("SNAPSHOT_PATH", cfg.Storage.SnapshotPath)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.API.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("DEV_FAUCET"); v != "" {
		cfg.API.DevFaucet = v == "true"
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Events.KafkaBrokers = splitList(v)
	}
	cfg.Events.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Events.KafkaTopic)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	// Example: "0xA0b8...=USD Coin,0xC02a...=Wrapped Ether"
	if v := os.Getenv("LEDGER_TOKENS"); v != "" {
		cfg.Ledger.Tokens = nil
		for _, entry := range splitList(v) {
			addr, name, _ := strings.Cut(entry, "=")
			cfg.Ledger.Tokens = append(cfg.Ledger.Tokens, Token{
				Address: strings.TrimSpace(addr),
				Name:    strings.TrimSpace(name),
			})
		}
	}

	return cfg
}

// Validate checks the values LoadFromEnv cannot check while parsing.
func (c Config) Validate() error {
	if c.Domain.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive, got %d", c.Domain.ChainID)
	}
	if !common.IsHexAddress(c.Domain.VerifyingContract) {
		return fmt.Errorf("VERIFYING_CONTRACT is not an address: %q", c.Domain.VerifyingContract)
	}
	if err := c.Layout().Validate(); err != nil {
		return fmt.Errorf("rfq layout: %w", err)
	}
	switch c.Storage.Backend {
	case "memory":
	case "pebble":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the pebble backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be memory or pebble, got %q", c.Storage.Backend)
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	for _, t := range c.Ledger.Tokens {
		if !common.IsHexAddress(t.Address) || t.Name == "" {
			return fmt.Errorf("invalid ledger token %q=%q", t.Address, t.Name)
		}
	}
	return nil
}

// EIP712Domain returns the settlement domain.
func (c Config) EIP712Domain() crypto.EIP712Domain {
	d := crypto.DefaultDomain()
	d.ChainID = big.NewInt(c.Domain.ChainID)
	d.VerifyingContract = common.HexToAddress(c.Domain.VerifyingContract)
	return d
}

func (c Config) Layout() rfq.Layout {
	return rfq.Layout{ExpiryShift: c.RFQ.ExpiryShift, ExpiryBits: c.RFQ.ExpiryBits}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
