package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
)

// Genesis seeds custody ledgers before the first block. Every collection and
// token listed is approved in the registry.
type Genesis struct {
	Timestamp   int64                    `json:"timestamp"`
	Native      map[common.Address]int64 `json:"native,omitempty"`
	Collections []GenesisCollection      `json:"collections,omitempty"`
	Tokens      []GenesisToken           `json:"tokens,omitempty"`
}

type GenesisCollection struct {
	Address common.Address `json:"address"`
	Items   []GenesisItem  `json:"items,omitempty"`
}

// GenesisItem mints one item. Units of 0 mints a singular item.
type GenesisItem struct {
	ID    custody.ItemID `json:"id"`
	Owner common.Address `json:"owner"`
	Units int64          `json:"units,omitempty"`
}

type GenesisToken struct {
	Address  common.Address           `json:"address"`
	Symbol   string                   `json:"symbol"`
	Balances map[common.Address]int64 `json:"balances,omitempty"`
}

var (
	DevCollection = common.HexToAddress("0x00000000000000000000000000000000000c0113")
	DevToken      = common.HexToAddress("0x0000000000000000000000000000000000005d00")
)

// DevGenesis funds each account with native and token balances, three
// singular items and a stack of 100 units of a counted item.
func DevGenesis(timestamp int64, accounts ...common.Address) Genesis {
	g := Genesis{
		Timestamp:   timestamp,
		Native:      make(map[common.Address]int64, len(accounts)),
		Collections: []GenesisCollection{{Address: DevCollection}},
		Tokens:      []GenesisToken{{Address: DevToken, Symbol: "USD", Balances: make(map[common.Address]int64)}},
	}
	next := custody.ItemID(1)
	for _, acct := range accounts {
		g.Native[acct] = 1_000_000_000
		g.Tokens[0].Balances[acct] = 1_000_000_000
		for i := 0; i < 3; i++ {
			g.Collections[0].Items = append(g.Collections[0].Items, GenesisItem{ID: next, Owner: acct})
			next++
		}
		g.Collections[0].Items = append(g.Collections[0].Items, GenesisItem{ID: next, Owner: acct, Units: 100})
		next++
	}
	return g
}

// InitGenesis applies g and persists it as the state at height 0. It fails if
// the app already has state.
func (a *App) InitGenesis(g Genesis) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.height != 0 || len(a.vault.Export().Native) != 0 || len(a.registry.Export().ItemSources) != 0 {
		return errors.New("genesis: state already initialized")
	}
	if err := a.applyGenesis(g); err != nil {
		a.journal.RevertToSnapshot(0)
		return fmt.Errorf("genesis: %w", err)
	}
	a.journal.Reset()

	parts, err := a.snapshot()
	if err != nil {
		return err
	}
	appHash := computeAppHash(0, g.Timestamp, parts)
	meta, err := json.Marshal(blockMeta{Timestamp: g.Timestamp, AppHash: appHash})
	if err != nil {
		return err
	}
	parts[partMeta] = meta
	if err := a.store.SaveState(0, parts); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	a.timestamp = g.Timestamp
	a.appHash = appHash
	a.clock.Set(time.Unix(g.Timestamp, 0))
	a.log.Infow("genesis_applied",
		"collections", len(g.Collections),
		"tokens", len(g.Tokens),
		"accounts", len(g.Native),
		"app_hash", appHash.Hex())
	return nil
}

func (a *App) applyGenesis(g Genesis) error {
	operator := a.cfg.Escrow.Operator
	for _, addr := range sortedAddresses(g.Native) {
		if err := a.vault.NativeLedger().Mint(addr, g.Native[addr]); err != nil {
			return err
		}
	}
	for _, gc := range g.Collections {
		c := a.vault.AddCollection(gc.Address)
		for _, it := range gc.Items {
			var err error
			if it.Units == 0 {
				err = c.MintSingular(it.Owner, it.ID)
			} else {
				err = c.MintCounted(it.Owner, it.ID, it.Units)
			}
			if err != nil {
				return fmt.Errorf("collection %s item %d: %w", gc.Address.Hex(), it.ID, err)
			}
		}
		if err := a.registry.ApproveItemSource(operator, gc.Address); err != nil {
			return err
		}
	}
	for _, gt := range g.Tokens {
		t, err := a.vault.AddToken(gt.Address, gt.Symbol)
		if err != nil {
			return err
		}
		for _, addr := range sortedAddresses(gt.Balances) {
			if err := t.Mint(addr, gt.Balances[addr]); err != nil {
				return err
			}
		}
		if err := a.registry.ApprovePaymentAsset(operator, gt.Address); err != nil {
			return err
		}
	}
	return nil
}
