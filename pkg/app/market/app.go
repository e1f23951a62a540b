// Package market hosts the escrow engine as a block application. It orders
// signed actions from the mempool, verifies their signatures and nonces,
// applies them one at a time against the engine and the custody vault, and
// persists the resulting state with every block.
package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/abci"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/mempool"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/registry"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperescrow/pkg/crypto"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
	"github.com/uhyunpark/hyperescrow/pkg/util"
)

type Config struct {
	Escrow        escrow.Config
	Domain        crypto.EIP712Domain
	MaxBlockBytes int64
}

// Observer receives what the app applied. *metrics.Metrics implements it.
type Observer interface {
	ObserveEvent(ev escrow.Event)
	ObserveRejected(kind, reason string, engineErr bool)
	ObserveBlock(height uint64)
}

type nopObserver struct{}

func (nopObserver) ObserveEvent(escrow.Event)           {}
func (nopObserver) ObserveRejected(string, string, bool) {}
func (nopObserver) ObserveBlock(uint64)                  {}

// App is safe for concurrent use; block application and queries serialize
// on one lock.
type App struct {
	mu  sync.Mutex
	cfg Config
	log *zap.SugaredLogger

	mempool  *mempool.Mempool
	verifier *transaction.Verifier
	store    storage.Store
	observer Observer

	journal  *journal.Journal
	vault    *custody.Vault
	registry *registry.Registry
	engine   *escrow.Engine
	clock    *util.ManualClock

	nonces    map[common.Address]uint64
	height    uint64
	timestamp int64
	appHash   common.Hash

	txEvents    []escrow.Event
	subscribers []func(Receipt)
}

// New builds the app and restores the last committed state from store, if
// any. A fresh store leaves the app at height 0; call InitGenesis to seed it.
func New(cfg Config, store storage.Store, logger *zap.Logger) (*App, error) {
	if store == nil {
		return nil, errors.New("market: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Domain.ChainID == nil {
		cfg.Domain = crypto.DefaultDomain()
	}
	cfg.Domain.VerifyingContract = cfg.Escrow.Address

	j := journal.New()
	vault := custody.NewVault(j)
	reg := registry.New(cfg.Escrow.Operator, j)
	clock := util.NewManualClock(time.Unix(0, 0))
	engine, err := escrow.New(cfg.Escrow, reg, vault, j, clock, logger.Named("escrow"))
	if err != nil {
		return nil, fmt.Errorf("market: %w", err)
	}
	vault.RegisterReceiver(cfg.Escrow.Address, engine)

	a := &App{
		cfg:      cfg,
		log:      logger.Sugar(),
		mempool:  mempool.NewMempool(),
		verifier: transaction.NewVerifier(cfg.Domain),
		store:    store,
		observer: nopObserver{},
		journal:  j,
		vault:    vault,
		registry: reg,
		engine:   engine,
		clock:    clock,
		nonces:   make(map[common.Address]uint64),
	}
	engine.Subscribe(func(ev escrow.Event) { a.txEvents = append(a.txEvents, ev) })

	if err := a.restore(); err != nil {
		return nil, err
	}
	return a, nil
}

// SetObserver replaces the observer. nil disables observation.
func (a *App) SetObserver(o Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	a.observer = o
}

// Subscribe registers fn to receive every receipt after its block is durable.
func (a *App) Subscribe(fn func(Receipt)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, fn)
}

// CheckTx decodes and verifies raw without touching state.
func (a *App) CheckTx(raw []byte) (*transaction.SignedAction, error) {
	act, err := transaction.Deserialize(raw)
	if err != nil {
		return nil, err
	}
	if _, err := act.DecodePayload(); err != nil {
		return nil, err
	}
	if _, err := a.verifier.Verify(act); err != nil {
		return nil, err
	}
	return act, nil
}

// PushTx enqueues raw for a later block. Validity is decided when the block
// applies it.
func (a *App) PushTx(raw []byte) { a.mempool.PushRaw(raw) }

func (a *App) PendingTxs() int { return a.mempool.Len() }

func (a *App) LastHeight() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.height
}

func (a *App) LastTimestamp() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timestamp
}

func (a *App) AppHash() common.Hash {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appHash
}

func (a *App) PrepareProposal(req abci.RequestPrepareProposal) abci.ResponsePrepareProposal {
	limit := req.MaxTxBytes
	if a.cfg.MaxBlockBytes > 0 && (limit <= 0 || limit > a.cfg.MaxBlockBytes) {
		limit = a.cfg.MaxBlockBytes
	}
	return abci.ResponsePrepareProposal{Txs: a.mempool.SelectForProposal(limit)}
}

// ProcessProposal only bounds the block size; every transaction gets a
// receipt, so malformed ones do not invalidate the block.
func (a *App) ProcessProposal(req abci.RequestProcessProposal) abci.ResponseProcessProposal {
	if a.cfg.MaxBlockBytes <= 0 {
		return abci.ResponseProcessProposal{Accept: true}
	}
	var n int64
	for _, tx := range req.Txs {
		n += int64(len(tx))
	}
	return abci.ResponseProcessProposal{Accept: n <= a.cfg.MaxBlockBytes}
}

// FinalizeBlock applies req.Txs in order and commits the block. The block
// timestamp is the engine's clock for every transaction in it.
func (a *App) FinalizeBlock(req abci.RequestFinalizeBlock) (abci.ResponseFinalizeBlock, error) {
	receipts, resp, err := a.finalize(req)
	if err != nil {
		return abci.ResponseFinalizeBlock{}, err
	}

	a.mu.Lock()
	subs := append([]func(Receipt){}, a.subscribers...)
	a.mu.Unlock()
	for _, r := range receipts {
		for _, fn := range subs {
			fn(r)
		}
	}
	return resp, nil
}

func (a *App) finalize(req abci.RequestFinalizeBlock) ([]Receipt, abci.ResponseFinalizeBlock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Height != a.height+1 {
		return nil, abci.ResponseFinalizeBlock{}, fmt.Errorf("block height %d, expected %d", req.Height, a.height+1)
	}
	if req.Timestamp < a.timestamp {
		return nil, abci.ResponseFinalizeBlock{}, fmt.Errorf("block %d timestamp %d before %d", req.Height, req.Timestamp, a.timestamp)
	}
	a.clock.Set(time.Unix(req.Timestamp, 0))

	receipts := make([]Receipt, 0, len(req.Txs))
	encoded := make(map[common.Hash][]byte, len(req.Txs))
	hashes := make([]common.Hash, 0, len(req.Txs))
	resp := abci.ResponseFinalizeBlock{TxResults: make([]abci.TxResult, 0, len(req.Txs))}
	failed := 0

	for i, raw := range req.Txs {
		r := a.applyTx(req.Height, i, raw)
		hashes = append(hashes, r.TxHash)
		resp.TxResults = append(resp.TxResults, abci.TxResult{Hash: r.TxHash, OK: r.OK, Err: r.Error})
		if !r.OK {
			failed++
		}
		// a replayed action must not overwrite the receipt of its first inclusion
		if r.ErrorKind == ReasonNonce && a.hasReceipt(r.TxHash, encoded) {
			continue
		}
		b, err := json.Marshal(r)
		if err != nil {
			return nil, abci.ResponseFinalizeBlock{}, fmt.Errorf("encode receipt: %w", err)
		}
		encoded[r.TxHash] = b
		receipts = append(receipts, r)
	}

	state, err := a.snapshot()
	if err != nil {
		return nil, abci.ResponseFinalizeBlock{}, err
	}
	appHash := computeAppHash(req.Height, req.Timestamp, state)
	meta, err := json.Marshal(blockMeta{Height: req.Height, Timestamp: req.Timestamp, AppHash: appHash})
	if err != nil {
		return nil, abci.ResponseFinalizeBlock{}, err
	}
	state[partMeta] = meta

	commit := storage.Commit{
		Block: storage.Block{
			Height:    req.Height,
			Timestamp: req.Timestamp,
			Txs:       req.Txs,
			TxHashes:  hashes,
			AppHash:   appHash,
		},
		State:    state,
		Receipts: encoded,
	}
	if err := a.store.Commit(commit); err != nil {
		return nil, abci.ResponseFinalizeBlock{}, fmt.Errorf("persist block %d: %w", req.Height, err)
	}

	a.height = req.Height
	a.timestamp = req.Timestamp
	a.appHash = appHash
	resp.AppHash = appHash
	a.observer.ObserveBlock(req.Height)

	a.log.Infow("block_finalized",
		"height", req.Height,
		"txs", len(req.Txs),
		"failed", failed,
		"app_hash", appHash.Hex())
	return receipts, resp, nil
}

func (a *App) hasReceipt(h common.Hash, pending map[common.Hash][]byte) bool {
	if _, ok := pending[h]; ok {
		return true
	}
	_, ok, err := a.store.LoadReceipt(h)
	return err == nil && ok
}
