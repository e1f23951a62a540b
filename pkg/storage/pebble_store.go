package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// get copies the value out before releasing it. Missing keys return nil, false.
func (s *PebbleStore) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return bytes.Clone(val), true, nil
}

func writeState(b *pebble.Batch, height uint64, parts map[string][]byte) error {
	prefix := []byte(prefixState)
	if err := b.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
		return err
	}
	for name, data := range parts {
		if err := b.Set(stateKey(name), data, nil); err != nil {
			return err
		}
	}
	return b.Set([]byte(keyHeight), heightBytes(height), nil)
}

func writeBlock(b *pebble.Batch, blk Block) error {
	val, err := encodeGob(blk)
	if err != nil {
		return fmt.Errorf("encode block %d: %w", blk.Height, err)
	}
	return b.Set(blockKey(blk.Height), val, nil)
}

// SaveState replaces every state component in one batch.
func (s *PebbleStore) SaveState(height uint64, parts map[string][]byte) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := writeState(b, height, parts); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadState() (uint64, map[string][]byte, error) {
	raw, ok, err := s.get([]byte(keyHeight))
	if err != nil {
		return 0, nil, fmt.Errorf("load state height: %w", err)
	}
	if !ok {
		return 0, nil, nil
	}
	if len(raw) != 8 {
		return 0, nil, fmt.Errorf("load state: corrupt height of %d bytes", len(raw))
	}

	prefix := []byte(prefixState)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, nil, fmt.Errorf("load state: %w", err)
	}
	defer iter.Close()

	parts := make(map[string][]byte)
	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefix):])
		parts[name] = bytes.Clone(iter.Value())
	}
	if err := iter.Error(); err != nil {
		return 0, nil, fmt.Errorf("load state: %w", err)
	}
	return binary.BigEndian.Uint64(raw), parts, nil
}

func (s *PebbleStore) SaveBlock(blk Block) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := writeBlock(b, blk); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) LoadBlock(height uint64) (Block, bool, error) {
	val, ok, err := s.get(blockKey(height))
	if err != nil || !ok {
		return Block{}, false, err
	}
	var out Block
	if err := decodeGob(val, &out); err != nil {
		return Block{}, false, fmt.Errorf("decode block %d: %w", height, err)
	}
	return out, true, nil
}

// LastBlock returns the highest stored block.
func (s *PebbleStore) LastBlock() (Block, bool, error) {
	prefix := []byte(prefixBlock)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return Block{}, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return Block{}, false, iter.Error()
	}
	var out Block
	if err := decodeGob(iter.Value(), &out); err != nil {
		return Block{}, false, fmt.Errorf("decode last block: %w", err)
	}
	return out, true, nil
}

func (s *PebbleStore) SaveReceipt(h common.Hash, data []byte) error {
	if err := s.db.Set(receiptKey(h), data, pebble.Sync); err != nil {
		return fmt.Errorf("save receipt %s: %w", h.Hex(), err)
	}
	return nil
}

func (s *PebbleStore) LoadReceipt(h common.Hash) ([]byte, bool, error) {
	return s.get(receiptKey(h))
}

// Commit writes the block, its receipts and the new state in one synced batch.
func (s *PebbleStore) Commit(c Commit) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := writeState(b, c.Block.Height, c.State); err != nil {
		return fmt.Errorf("commit %d: %w", c.Block.Height, err)
	}
	if err := writeBlock(b, c.Block); err != nil {
		return fmt.Errorf("commit %d: %w", c.Block.Height, err)
	}
	for h, data := range c.Receipts {
		if err := b.Set(receiptKey(h), data, nil); err != nil {
			return fmt.Errorf("commit %d: %w", c.Block.Height, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit %d: %w", c.Block.Height, err)
	}
	return nil
}

var _ Store = (*PebbleStore)(nil)
