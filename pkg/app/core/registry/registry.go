package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
)

// NativeAsset is the payment asset id that denotes native currency
var NativeAsset = common.Address{}

var (
	ErrNotOperator = errors.New("caller is not the operator")
	ErrNativeAsset = errors.New("native currency is always accepted and cannot be registered")
	ErrZeroSource  = errors.New("zero address is not a valid item source")
)

// Registry keeps the append-only allow-lists of item sources and payment
// assets. Only the operator may extend them; nothing is ever removed.
type Registry struct {
	mu       sync.RWMutex
	operator common.Address
	journal  *journal.Journal
	sources  map[common.Address]struct{}
	assets   map[common.Address]struct{}
}

// New creates an empty registry administered by operator
func New(operator common.Address, j *journal.Journal) *Registry {
	return &Registry{
		operator: operator,
		journal:  j,
		sources:  make(map[common.Address]struct{}),
		assets:   make(map[common.Address]struct{}),
	}
}

// Operator returns the privileged caller
func (r *Registry) Operator() common.Address {
	return r.operator
}

// ApproveItemSource adds id to the approved item sources
// Approving an already approved source is a no-op
func (r *Registry) ApproveItemSource(caller, id common.Address) error {
	if caller != r.operator {
		return fmt.Errorf("approve item source %s: %w", id.Hex(), ErrNotOperator)
	}
	if id == (common.Address{}) {
		return fmt.Errorf("approve item source: %w", ErrZeroSource)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(r.sources, id)
	return nil
}

// ApprovePaymentAsset adds id to the approved payment assets
func (r *Registry) ApprovePaymentAsset(caller, id common.Address) error {
	if caller != r.operator {
		return fmt.Errorf("approve payment asset %s: %w", id.Hex(), ErrNotOperator)
	}
	if id == NativeAsset {
		return fmt.Errorf("approve payment asset: %w", ErrNativeAsset)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(r.assets, id)
	return nil
}

func (r *Registry) IsItemSourceApproved(id common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[id]
	return ok
}

// IsPaymentAssetApproved reports whether id may price an order.
// Native currency is always acceptable.
func (r *Registry) IsPaymentAssetApproved(id common.Address) bool {
	if id == NativeAsset {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.assets[id]
	return ok
}

// Snapshot is the persisted form of the registry
type Snapshot struct {
	ItemSources   []common.Address `json:"item_sources"`
	PaymentAssets []common.Address `json:"payment_assets"`
}

// Export lists both sets in address order
func (r *Registry) Export() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		ItemSources:   sortedKeys(r.sources),
		PaymentAssets: sortedKeys(r.assets),
	}
}

// Import replaces both sets with the content of s
func (r *Registry) Import(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = make(map[common.Address]struct{}, len(s.ItemSources))
	r.assets = make(map[common.Address]struct{}, len(s.PaymentAssets))
	for _, id := range s.ItemSources {
		r.sources[id] = struct{}{}
	}
	for _, id := range s.PaymentAssets {
		if id != NativeAsset {
			r.assets[id] = struct{}{}
		}
	}
}

func (r *Registry) add(set map[common.Address]struct{}, id common.Address) {
	if _, ok := set[id]; ok {
		return
	}
	set[id] = struct{}{}
	r.journal.Append(func() {
		r.mu.Lock()
		delete(set, id)
		r.mu.Unlock()
	})
}

func sortedKeys(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
