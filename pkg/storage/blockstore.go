package storage

import (
	"bytes"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemStore keeps everything in memory. Values are copied in and out.
type MemStore struct {
	mu       sync.Mutex
	height   uint64
	state    map[string][]byte
	blocks   map[uint64]Block
	last     *uint64
	receipts map[common.Hash][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{
		blocks:   make(map[uint64]Block),
		receipts: make(map[common.Hash][]byte),
	}
}

func (s *MemStore) SaveState(height uint64, parts map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveState(height, parts)
	return nil
}

func (s *MemStore) saveState(height uint64, parts map[string][]byte) {
	s.height = height
	s.state = make(map[string][]byte, len(parts))
	for k, v := range parts {
		s.state[k] = bytes.Clone(v)
	}
}

func (s *MemStore) LoadState() (uint64, map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return 0, nil, nil
	}
	out := make(map[string][]byte, len(s.state))
	for k, v := range s.state {
		out[k] = bytes.Clone(v)
	}
	return s.height, out, nil
}

func (s *MemStore) SaveBlock(b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveBlock(b)
	return nil
}

func (s *MemStore) saveBlock(b Block) {
	cp := b
	cp.Txs = make([][]byte, len(b.Txs))
	for i, tx := range b.Txs {
		cp.Txs[i] = bytes.Clone(tx)
	}
	cp.TxHashes = append([]common.Hash(nil), b.TxHashes...)
	s.blocks[b.Height] = cp
	if s.last == nil || b.Height > *s.last {
		h := b.Height
		s.last = &h
	}
}

func (s *MemStore) LoadBlock(height uint64) (Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[height]
	return b, ok, nil
}

func (s *MemStore) LastBlock() (Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Block{}, false, nil
	}
	return s.blocks[*s.last], true, nil
}

func (s *MemStore) SaveReceipt(h common.Hash, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[h] = bytes.Clone(data)
	return nil
}

func (s *MemStore) LoadReceipt(h common.Hash) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.receipts[h]
	return bytes.Clone(data), ok, nil
}

func (s *MemStore) Commit(c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveState(c.Block.Height, c.State)
	s.saveBlock(c.Block)
	for h, data := range c.Receipts {
		s.receipts[h] = bytes.Clone(data)
	}
	return nil
}

func (s *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
