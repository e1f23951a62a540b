package params

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
)

const (
	escrowHex   = "0x00000000000000000000000000000000e5c20000"
	operatorHex = "0x00000000000000000000000000000000000000aa"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ESCROW_ADDRESS", escrowHex)
	t.Setenv("OPERATOR_ADDRESS", operatorHex)
	t.Setenv("PLATFORM_FEE_BPS", "100")
	t.Setenv("REFUND_MODE", "credit")
	t.Setenv("MIN_BLOCK_TIME_MS", "0")
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("DEV_GENESIS", "true")
	t.Setenv("DEV_ACCOUNTS", " 0x0000000000000000000000000000000000000001 , bogus,")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LEASE_TTL_MS", "1500")

	cfg := LoadFromEnv("testdata/missing.env")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	ec, err := cfg.EscrowConfig()
	if err != nil {
		t.Fatal(err)
	}
	if ec.Address != common.HexToAddress(escrowHex) || ec.Operator != common.HexToAddress(operatorHex) {
		t.Errorf("addresses not loaded: %+v", ec)
	}
	if ec.PlatformFeeBps != 100 || ec.RefundMode != escrow.RefundCredit {
		t.Errorf("fee or refund mode not loaded: %+v", ec)
	}
	if cfg.Node.MinBlockTime != 0 {
		t.Errorf("MinBlockTime = %s, want 0", cfg.Node.MinBlockTime)
	}
	if !cfg.Node.DevGenesis || len(cfg.Node.DevAccounts) != 1 {
		t.Errorf("dev genesis: %v %v", cfg.Node.DevGenesis, cfg.Node.DevAccounts)
	}
	if len(cfg.API.CORSOrigins) != 2 || cfg.API.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.API.CORSOrigins)
	}
	if cfg.Lease.TTL != 1500*time.Millisecond {
		t.Errorf("lease TTL = %s", cfg.Lease.TTL)
	}

	d := cfg.Domain()
	if d.ChainID.Int64() != 31337 || d.VerifyingContract != ec.Address {
		t.Errorf("domain = %+v", d)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Escrow.Address = common.HexToAddress(escrowHex)
	valid.Escrow.Operator = common.HexToAddress(operatorHex)
	if err := valid.Validate(); err != nil {
		t.Fatalf("default with addresses: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing escrow", func(c *Config) { c.Escrow.Address = common.Address{} }},
		{"missing operator", func(c *Config) { c.Escrow.Operator = common.Address{} }},
		{"fee above max", func(c *Config) { c.Escrow.PlatformFeeBps = c.Escrow.MaxPlatformFeeBps + 1 }},
		{"bad refund mode", func(c *Config) { c.Escrow.RefundMode = "pull" }},
		{"no data dir", func(c *Config) { c.Node.DataDir = "" }},
		{"bad chain id", func(c *Config) { c.Node.ChainID = 0 }},
		{"bad log level", func(c *Config) { c.Node.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("PLATFORM_FEE_BPS", "lots")
	t.Setenv("MIN_BLOCK_TIME_MS", "-5")
	cfg := LoadFromEnv("testdata/missing.env")
	if cfg.Escrow.PlatformFeeBps != escrow.DefaultPlatformFeeBps {
		t.Errorf("PlatformFeeBps = %d", cfg.Escrow.PlatformFeeBps)
	}
	if cfg.Node.MinBlockTime != 200*time.Millisecond {
		t.Errorf("MinBlockTime = %s", cfg.Node.MinBlockTime)
	}
}
