package market

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/registry"
)

// State component names in the store.
const (
	partEscrow   = "escrow"
	partRegistry = "registry"
	partVault    = "vault"
	partNonces   = "nonces"
	partMeta     = "meta"
)

// hashedParts are hashed in this order. meta holds the hash itself.
var hashedParts = []string{partEscrow, partRegistry, partVault, partNonces}

type blockMeta struct {
	Height    uint64      `json:"height"`
	Timestamp int64       `json:"timestamp"`
	AppHash   common.Hash `json:"app_hash"`
}

// snapshot encodes every state component. encoding/json sorts map keys, so
// equal states encode to equal bytes.
func (a *App) snapshot() (map[string][]byte, error) {
	parts := make(map[string][]byte, len(hashedParts)+1)
	for name, v := range map[string]any{
		partEscrow:   a.engine.Export(),
		partRegistry: a.registry.Export(),
		partVault:    a.vault.Export(),
		partNonces:   a.nonces,
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s state: %w", name, err)
		}
		parts[name] = b
	}
	return parts, nil
}

// computeAppHash is keccak256 over the block header and each state component,
// every component prefixed with its name and length.
//
// TODO: replace with a merkleized state tree so the API can serve inclusion
// proofs for single orders.
func computeAppHash(height uint64, timestamp int64, parts map[string][]byte) common.Hash {
	h := sha3.NewLegacyKeccak256()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(timestamp))
	h.Write(buf[:])

	for _, name := range hashedParts {
		data := parts[name]
		h.Write([]byte(name))
		binary.BigEndian.PutUint64(buf[:], uint64(len(data)))
		h.Write(buf[:])
		h.Write(data)
	}

	var out common.Hash
	h.Sum(out[:0])
	return out
}

// restore loads the last committed state. An empty store is not an error.
func (a *App) restore() error {
	height, parts, err := a.store.LoadState()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if parts == nil {
		return nil
	}
	if err := a.importParts(parts); err != nil {
		return fmt.Errorf("restore state at height %d: %w", height, err)
	}

	var meta blockMeta
	if err := json.Unmarshal(parts[partMeta], &meta); err != nil {
		return fmt.Errorf("restore block meta: %w", err)
	}
	if meta.Height != height {
		return fmt.Errorf("restore: state height %d, meta height %d", height, meta.Height)
	}
	if got := computeAppHash(meta.Height, meta.Timestamp, parts); got != meta.AppHash {
		return fmt.Errorf("restore: app hash mismatch at height %d: stored %s, computed %s", height, meta.AppHash.Hex(), got.Hex())
	}
	a.height, a.timestamp, a.appHash = meta.Height, meta.Timestamp, meta.AppHash
	a.clock.Set(time.Unix(meta.Timestamp, 0))
	a.log.Infow("state_restored", "height", a.height, "app_hash", a.appHash.Hex(), "orders", len(a.engine.Orders()))
	return nil
}

func (a *App) importParts(parts map[string][]byte) error {
	var (
		vault  custody.State
		reg    registry.Snapshot
		esc    escrow.State
		nonces map[common.Address]uint64
	)
	for name, v := range map[string]any{
		partVault:    &vault,
		partRegistry: &reg,
		partEscrow:   &esc,
		partNonces:   &nonces,
	} {
		data, ok := parts[name]
		if !ok {
			return fmt.Errorf("missing %s state", name)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s state: %w", name, err)
		}
	}

	if err := a.vault.Import(vault); err != nil {
		return err
	}
	a.registry.Import(reg)
	if err := a.engine.Import(esc); err != nil {
		return err
	}
	a.nonces = make(map[common.Address]uint64, len(nonces))
	for addr, n := range nonces {
		a.nonces[addr] = n
	}
	a.journal.Reset()
	return nil
}

// sortedAddresses returns the keys of m in address order.
func sortedAddresses[V any](m map[common.Address]V) []common.Address {
	out := make([]common.Address, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
