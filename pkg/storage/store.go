// Package storage persists committed blocks, the state snapshot taken after
// each block, and per-transaction receipts.
package storage

import (
	"github.com/ethereum/go-ethereum/common"
)

// Block is the record of one applied block.
type Block struct {
	Height    uint64
	Timestamp int64
	Txs       [][]byte
	TxHashes  []common.Hash
	AppHash   common.Hash
}

// Commit is everything one block writes. It is applied atomically.
type Commit struct {
	Block    Block
	State    map[string][]byte
	Receipts map[common.Hash][]byte
}

// Store is implemented by PebbleStore and by MemStore for tests.
// LoadState returns height 0 and a nil map when nothing was saved.
type Store interface {
	SaveState(height uint64, parts map[string][]byte) error
	LoadState() (uint64, map[string][]byte, error)
	SaveBlock(b Block) error
	LoadBlock(height uint64) (Block, bool, error)
	LastBlock() (Block, bool, error)
	SaveReceipt(h common.Hash, data []byte) error
	LoadReceipt(h common.Hash) ([]byte, bool, error)
	Commit(c Commit) error
	Close() error
}
