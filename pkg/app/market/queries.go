package market

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/registry"
)

// Info describes the engine's configuration and the chain head.
type Info struct {
	EscrowAddress     common.Address `json:"escrow_address"`
	Operator          common.Address `json:"operator"`
	PlatformFeeBps    int64          `json:"platform_fee_bps"`
	MaxPlatformFeeBps int64          `json:"max_platform_fee_bps"`
	RefundMode        string         `json:"refund_mode"`
	ChainID           string         `json:"chain_id"`
	DomainName        string         `json:"domain_name"`
	DomainVersion     string         `json:"domain_version"`
	Height            uint64         `json:"height"`
	Timestamp         int64          `json:"timestamp"`
	AppHash           common.Hash    `json:"app_hash"`
	NextOrderID       uint64         `json:"next_order_id"`
}

func (a *App) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Info{
		EscrowAddress:     a.engine.Address(),
		Operator:          a.engine.Operator(),
		PlatformFeeBps:    a.engine.PlatformFeeBps(),
		MaxPlatformFeeBps: a.engine.MaxPlatformFeeBps(),
		RefundMode:        a.engine.RefundMode().String(),
		ChainID:           a.cfg.Domain.ChainID.String(),
		DomainName:        a.cfg.Domain.Name,
		DomainVersion:     a.cfg.Domain.Version,
		Height:            a.height,
		Timestamp:         a.timestamp,
		AppHash:           a.appHash,
		NextOrderID:       a.engine.NextOrderID(),
	}
}

func (a *App) Order(id uint64) (escrow.Order, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.Order(id)
}

// Orders lists the live orders by ID.
func (a *App) Orders() []escrow.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.Orders()
}

// Bids lists every bid ever placed on the order, in placement order.
func (a *App) Bids(orderID uint64) []escrow.Bid {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.Bids(orderID)
}

func (a *App) Bid(orderID, bidID uint64) (escrow.Bid, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.Bid(orderID, bidID)
}

func (a *App) FeeEntry(asset common.Address) escrow.FeeEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.FeeEntry(asset)
}

func (a *App) Registry() registry.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registry.Export()
}

func (a *App) RefundCredit(bidder, asset common.Address) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine.RefundCredit(bidder, asset)
}

// Nonce is the last nonce applied for addr; the next action must exceed it.
func (a *App) Nonce(addr common.Address) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonces[addr]
}

// Balance reads a native (zero address) or token balance.
func (a *App) Balance(owner, asset common.Address) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if asset == registry.NativeAsset {
		return a.vault.Native().BalanceOf(owner), nil
	}
	t, ok := a.vault.Token(asset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	return t.BalanceOf(owner), nil
}

// ItemBalance reads how many units of item owner holds in source.
func (a *App) ItemBalance(source common.Address, item custody.ItemID, owner common.Address) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.vault.Collection(source)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSource, source.Hex())
	}
	return c.BalanceOf(owner, item), nil
}

// Receipt loads a transaction receipt from the store.
func (a *App) Receipt(hash common.Hash) (Receipt, bool, error) {
	data, ok, err := a.store.LoadReceipt(hash)
	if err != nil || !ok {
		return Receipt{}, false, err
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return Receipt{}, false, fmt.Errorf("decode receipt %s: %w", hash.Hex(), err)
	}
	return r, true, nil
}
