package storage

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	p, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return map[string]Store{"pebble": p, "mem": NewMemStore()}
}

func TestStateReplace(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			h, parts, err := s.LoadState()
			if err != nil || h != 0 || parts != nil {
				t.Fatalf("empty store: h=%d parts=%v err=%v", h, parts, err)
			}

			if err := s.SaveState(1, map[string][]byte{"escrow": []byte("a"), "vault": []byte("b")}); err != nil {
				t.Fatal(err)
			}
			if err := s.SaveState(2, map[string][]byte{"escrow": []byte("c")}); err != nil {
				t.Fatal(err)
			}

			h, parts, err = s.LoadState()
			if err != nil {
				t.Fatal(err)
			}
			if h != 2 {
				t.Errorf("height = %d, want 2", h)
			}
			if len(parts) != 1 || string(parts["escrow"]) != "c" {
				t.Errorf("state not replaced: %q", parts)
			}
		})
	}
}

func TestBlocksAndReceipts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.LastBlock(); ok || err != nil {
				t.Fatalf("empty store has a last block (err=%v)", err)
			}

			tx := []byte(`{"kind":"buy_now"}`)
			txHash := common.HexToHash("0x01")
			for h := uint64(1); h <= 3; h++ {
				b := Block{Height: h, Timestamp: int64(1000 + h), Txs: [][]byte{tx}, TxHashes: []common.Hash{txHash}, AppHash: common.BytesToHash([]byte{byte(h)})}
				if err := s.SaveBlock(b); err != nil {
					t.Fatal(err)
				}
			}

			last, ok, err := s.LastBlock()
			if err != nil || !ok {
				t.Fatalf("last block: ok=%v err=%v", ok, err)
			}
			if last.Height != 3 || last.Timestamp != 1003 {
				t.Errorf("last = %+v", last)
			}
			b2, ok, _ := s.LoadBlock(2)
			if !ok || !bytes.Equal(b2.Txs[0], tx) || b2.TxHashes[0] != txHash {
				t.Errorf("block 2 = %+v", b2)
			}
			if _, ok, _ := s.LoadBlock(9); ok {
				t.Error("block 9 should not exist")
			}

			if err := s.SaveReceipt(txHash, []byte(`{"ok":true}`)); err != nil {
				t.Fatal(err)
			}
			got, ok, err := s.LoadReceipt(txHash)
			if err != nil || !ok || string(got) != `{"ok":true}` {
				t.Errorf("receipt = %q ok=%v err=%v", got, ok, err)
			}
			if _, ok, _ := s.LoadReceipt(common.HexToHash("0x02")); ok {
				t.Error("unknown receipt found")
			}
		})
	}
}

func TestCommit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rh := common.HexToHash("0xaa")
			c := Commit{
				Block:    Block{Height: 7, Timestamp: 42},
				State:    map[string][]byte{"escrow": []byte("{}")},
				Receipts: map[common.Hash][]byte{rh: []byte("r")},
			}
			if err := s.Commit(c); err != nil {
				t.Fatal(err)
			}
			h, parts, _ := s.LoadState()
			if h != 7 || string(parts["escrow"]) != "{}" {
				t.Errorf("state after commit: h=%d parts=%q", h, parts)
			}
			if b, ok, _ := s.LastBlock(); !ok || b.Height != 7 {
				t.Errorf("last block after commit = %+v", b)
			}
			if r, ok, _ := s.LoadReceipt(rh); !ok || string(r) != "r" {
				t.Errorf("receipt after commit = %q", r)
			}
		})
	}
}

func TestPebbleReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(Commit{Block: Block{Height: 1}, State: map[string][]byte{"k": []byte("v")}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = NewPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	h, parts, err := s.LoadState()
	if err != nil || h != 1 || string(parts["k"]) != "v" {
		t.Errorf("after reopen: h=%d parts=%q err=%v", h, parts, err)
	}
}

func TestKeyUpperBound(t *testing.T) {
	if got := keyUpperBound([]byte("st:")); string(got) != "st;" {
		t.Errorf("keyUpperBound(st:) = %q", got)
	}
}
