package params

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/crypto"
	"github.com/uhyunpark/hyperescrow/pkg/util"
)

type Escrow struct {
	Address           common.Address
	Operator          common.Address
	PlatformFeeBps    int64
	MaxPlatformFeeBps int64
	RefundMode        string // "push" or "credit"
}

type Node struct {
	DataDir  string
	LogFile  string // "-" logs to stdout only
	LogLevel string
	// MinBlockTime throttles block production. The producer never finalizes
	// an empty block, so this only bounds how often a busy mempool is cut.
	//
	// Recommended values:
	//   - Devnet:     200ms
	//   - Production: 1s or more, so several actions share one Pebble commit
	MinBlockTime  time.Duration
	MaxBlockBytes int64
	ChainID       int64 // EIP-712 domain chain id
	// DevGenesis seeds a demo collection, a demo token and balances for
	// DevAccounts on an empty data dir.
	DevGenesis  bool
	DevAccounts []common.Address
}

type API struct {
	Addr        string
	CORSOrigins []string
}

// Lease guards the data dir against a second writer. An empty RedisAddr
// disables it.
type Lease struct {
	RedisAddr string
	TTL       time.Duration
}

type Config struct {
	Escrow Escrow
	Node   Node
	API    API
	Lease  Lease
}

func Default() Config {
	return Config{
		Escrow: Escrow{
			PlatformFeeBps:    escrow.DefaultPlatformFeeBps,
			MaxPlatformFeeBps: escrow.DefaultMaxPlatformFeeBps,
			RefundMode:        "push",
		},
		Node: Node{
			DataDir:       "data/chain",
			LogFile:       "data/node.log",
			LogLevel:      "info",
			MinBlockTime:  200 * time.Millisecond, // Devnet default
			MaxBlockBytes: 4 << 20,
			ChainID:       crypto.DefaultChainID,
		},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Lease: Lease{
			TTL: 10 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	// Escrow
	cfg.Escrow.Address = getAddress("ESCROW_ADDRESS", cfg.Escrow.Address)
	cfg.Escrow.Operator = getAddress("OPERATOR_ADDRESS", cfg.Escrow.Operator)
	cfg.Escrow.PlatformFeeBps = getInt("PLATFORM_FEE_BPS", cfg.Escrow.PlatformFeeBps)
	cfg.Escrow.MaxPlatformFeeBps = getInt("MAX_PLATFORM_FEE_BPS", cfg.Escrow.MaxPlatformFeeBps)
	cfg.Escrow.RefundMode = getEnv("REFUND_MODE", cfg.Escrow.RefundMode)

	// Node
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if ms := getInt("MIN_BLOCK_TIME_MS", -1); ms >= 0 {
		cfg.Node.MinBlockTime = time.Duration(ms) * time.Millisecond
	}
	cfg.Node.MaxBlockBytes = getInt("MAX_BLOCK_BYTES", cfg.Node.MaxBlockBytes)
	cfg.Node.ChainID = getInt("CHAIN_ID", cfg.Node.ChainID)
	if dev := os.Getenv("DEV_GENESIS"); dev != "" {
		cfg.Node.DevGenesis = dev == "true"
	}
	// Dev accounts from comma-separated list
	for _, s := range splitList(os.Getenv("DEV_ACCOUNTS")) {
		if common.IsHexAddress(s) {
			cfg.Node.DevAccounts = append(cfg.Node.DevAccounts, common.HexToAddress(s))
		}
	}

	// API
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := splitList(os.Getenv("CORS_ORIGINS")); len(origins) > 0 {
		cfg.API.CORSOrigins = origins
	}

	// Lease
	cfg.Lease.RedisAddr = getEnv("REDIS_ADDR", cfg.Lease.RedisAddr)
	if ms := getInt("LEASE_TTL_MS", -1); ms > 0 {
		cfg.Lease.TTL = time.Duration(ms) * time.Millisecond
	}

	return cfg
}

// EscrowConfig validates the escrow section and converts it for the engine.
func (c Config) EscrowConfig() (escrow.Config, error) {
	mode, err := escrow.ParseRefundMode(c.Escrow.RefundMode)
	if err != nil {
		return escrow.Config{}, err
	}
	ec := escrow.Config{
		Address:           c.Escrow.Address,
		Operator:          c.Escrow.Operator,
		PlatformFeeBps:    c.Escrow.PlatformFeeBps,
		MaxPlatformFeeBps: c.Escrow.MaxPlatformFeeBps,
		RefundMode:        mode,
	}
	if err := ec.Validate(); err != nil {
		return escrow.Config{}, fmt.Errorf("escrow config: %w", err)
	}
	return ec, nil
}

// Domain is the EIP-712 domain actions are signed under. The verifying
// contract is the escrow address.
func (c Config) Domain() crypto.EIP712Domain {
	d := crypto.DefaultDomain()
	d.ChainID = big.NewInt(c.Node.ChainID)
	d.VerifyingContract = c.Escrow.Address
	return d
}

func (c Config) Validate() error {
	if _, err := c.EscrowConfig(); err != nil {
		return err
	}
	if c.Node.DataDir == "" {
		return errors.New("DATA_DIR is required")
	}
	if _, err := util.ParseLevel(c.Node.LogLevel); err != nil {
		return err
	}
	if c.Node.ChainID <= 0 {
		return fmt.Errorf("invalid CHAIN_ID %d", c.Node.ChainID)
	}
	if c.Node.MaxBlockBytes <= 0 {
		return fmt.Errorf("invalid MAX_BLOCK_BYTES %d", c.Node.MaxBlockBytes)
	}
	return nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt falls back to the default when the variable is unset or not a number.
func getInt(key string, defaultValue int64) int64 {
	if n, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return n
	}
	return defaultValue
}

func getAddress(key string, defaultValue common.Address) common.Address {
	if v := getEnv(key, ""); common.IsHexAddress(v) {
		return common.HexToAddress(v)
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
