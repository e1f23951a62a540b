package escrow

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/registry"
	"github.com/uhyunpark/hyperescrow/pkg/util"
)

func TestEngineProperties(t *testing.T) {
	for _, mode := range []RefundMode{RefundPush, RefundCredit} {
		mode := mode
		t.Run(mode.String(), func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				m := newEngineModel(rt, mode)
				rt.Repeat(rapid.StateMachineActions(m))
			})
		})
	}
}

var traders = []common.Address{seller, buyer, bidder, other}

type engineModel struct {
	eng   *Engine
	vault *custody.Vault
	clock *util.ManualClock
	items *custody.Collection
	usd   *custody.Token

	nextItem custody.ItemID
	orderIDs []uint64
	// terminal bid statuses seen so far, keyed by order then bid
	settled map[[2]uint64]BidStatus
}

func newEngineModel(t *rapid.T, mode RefundMode) *engineModel {
	j := journal.New()
	v := custody.NewVault(j)
	reg := registry.New(operator, j)
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))

	cfg := DefaultConfig(escrowAddr, operator)
	cfg.RefundMode = mode
	eng, err := New(cfg, reg, v, j, clock, zap.NewNop())
	require.NoError(t, err)
	v.RegisterReceiver(escrowAddr, eng)

	items := v.AddCollection(itemsAddr)
	usd, err := v.AddToken(usdAddr, "USD")
	require.NoError(t, err)
	require.NoError(t, eng.ApproveItemSource(Call{Caller: operator}, itemsAddr))
	require.NoError(t, eng.ApprovePaymentAsset(Call{Caller: operator}, usdAddr))

	for _, a := range traders {
		require.NoError(t, v.NativeLedger().Mint(a, 1_000_000))
		require.NoError(t, usd.Mint(a, 1_000_000))
		usd.Approve(a, escrowAddr, 1_000_000)
		items.SetApprovalForAll(a, escrowAddr, true)
	}
	j.Reset()

	return &engineModel{
		eng:      eng,
		vault:    v,
		clock:    clock,
		items:    items,
		usd:      usd,
		nextItem: 1,
		settled:  make(map[[2]uint64]BidStatus),
	}
}

func (m *engineModel) now() int64 { return m.clock.Now().Unix() }

func (m *engineModel) drawOrder(t *rapid.T) uint64 {
	if len(m.orderIDs) == 0 {
		return rapid.Uint64Range(1, 3).Draw(t, "order")
	}
	return rapid.SampledFrom(m.orderIDs).Draw(t, "order")
}

func (m *engineModel) drawAsset(t *rapid.T) common.Address {
	return rapid.SampledFrom([]common.Address{native, usdAddr}).Draw(t, "asset")
}

func (m *engineModel) drawCall(t *rapid.T, asset common.Address, amount int64) Call {
	caller := rapid.SampledFrom(traders).Draw(t, "caller")
	if asset != native {
		return Call{Caller: caller}
	}
	return Call{Caller: caller, Value: amount + rapid.Int64Range(0, 20).Draw(t, "extra")}
}

func (m *engineModel) Create(t *rapid.T) {
	owner := rapid.SampledFrom(traders).Draw(t, "seller")
	item := m.nextItem
	m.nextItem++

	qty := custody.Singular()
	if rapid.Bool().Draw(t, "counted") {
		n := rapid.Int64Range(1, 6).Draw(t, "units")
		require.NoError(t, m.items.MintCounted(owner, item, n))
		qty = custody.Counted(n)
	} else {
		require.NoError(t, m.items.MintSingular(owner, item))
	}
	m.vault.Journal().Reset()

	price := rapid.Int64Range(1, 500).Draw(t, "price")
	ttl := rapid.Int64Range(1, 600).Draw(t, "ttl")
	id, err := m.eng.CreateOrder(Call{Caller: owner}, itemsAddr, item, qty, price, m.drawAsset(t), m.now()+ttl)
	require.NoError(t, err)
	m.orderIDs = append(m.orderIDs, id)
}

func (m *engineModel) BuyNow(t *rapid.T) {
	id := m.drawOrder(t)
	qty := rapid.Int64Range(0, 7).Draw(t, "qty")
	asset := native
	var total int64
	if o, ok := m.eng.Order(id); ok {
		asset = o.PaymentAsset
		total = o.UnitPrice * qty
	}
	_ = m.eng.BuyNow(m.drawCall(t, asset, total), id, qty)
}

func (m *engineModel) BulkBuy(t *rapid.T) {
	n := rapid.IntRange(1, 3).Draw(t, "n")
	ids := make([]uint64, n)
	qtys := make([]int64, n)
	for i := range ids {
		ids[i] = m.drawOrder(t)
		qtys[i] = rapid.Int64Range(1, 3).Draw(t, "qty")
	}
	value := rapid.Int64Range(0, 2000).Draw(t, "value")
	caller := rapid.SampledFrom(traders).Draw(t, "caller")
	_, _ = m.eng.BulkBuy(Call{Caller: caller, Value: value}, ids, qtys)
}

func (m *engineModel) PlaceOffer(t *rapid.T) {
	id := m.drawOrder(t)
	qty := rapid.Int64Range(1, 4).Draw(t, "qty")
	price := rapid.Int64Range(1, 300).Draw(t, "price")
	ttl := rapid.Int64Range(1, 600).Draw(t, "ttl")
	asset := native
	if o, ok := m.eng.Order(id); ok {
		asset = o.PaymentAsset
	}
	_, _ = m.eng.PlaceOffer(m.drawCall(t, asset, qty*price), id, qty, price, m.now()+ttl)
}

func (m *engineModel) drawBid(t *rapid.T) (uint64, uint64, bool) {
	id := m.drawOrder(t)
	bids := m.eng.Bids(id)
	if len(bids) == 0 {
		return 0, 0, false
	}
	return id, rapid.Uint64Range(0, uint64(len(bids)-1)).Draw(t, "bid"), true
}

func (m *engineModel) AcceptBid(t *rapid.T) {
	id, bid, ok := m.drawBid(t)
	if !ok {
		t.Skip("no bids")
	}
	caller := rapid.SampledFrom(traders).Draw(t, "caller")
	if o, ok := m.eng.Order(id); ok && rapid.Bool().Draw(t, "as seller") {
		caller = o.Seller
	}
	_ = m.eng.AcceptBid(Call{Caller: caller}, id, bid)
}

func (m *engineModel) WithdrawOrReject(t *rapid.T) {
	id, bid, ok := m.drawBid(t)
	if !ok {
		t.Skip("no bids")
	}
	b, _ := m.eng.Bid(id, bid)
	reject := rapid.Bool().Draw(t, "reject")
	caller := b.Bidder
	if reject {
		if o, ok := m.eng.Order(id); ok {
			caller = o.Seller
		}
	}
	_ = m.eng.WithdrawOrReject(Call{Caller: caller}, id, bid, reject)
}

func (m *engineModel) Cancel(t *rapid.T) {
	id := m.drawOrder(t)
	caller := rapid.SampledFrom(traders).Draw(t, "caller")
	if o, ok := m.eng.Order(id); ok && rapid.Bool().Draw(t, "as seller") {
		caller = o.Seller
	}
	_ = m.eng.CancelOrder(Call{Caller: caller}, id)
}

func (m *engineModel) ClaimFees(t *rapid.T) {
	_, err := m.eng.ClaimFees(Call{Caller: operator}, m.drawAsset(t), other)
	require.NoError(t, err)
}

func (m *engineModel) ClaimRefund(t *rapid.T) {
	caller := rapid.SampledFrom(traders).Draw(t, "caller")
	_, err := m.eng.ClaimRefund(Call{Caller: caller}, m.drawAsset(t))
	require.NoError(t, err)
}

func (m *engineModel) SetFee(t *rapid.T) {
	bps := rapid.Int64Range(0, DefaultMaxPlatformFeeBps).Draw(t, "bps")
	require.NoError(t, m.eng.SetPlatformFee(Call{Caller: operator}, bps))
}

func (m *engineModel) Tick(t *rapid.T) {
	m.clock.Advance(time.Duration(rapid.Int64Range(1, 120).Draw(t, "secs")) * time.Second)
}

func (m *engineModel) Check(t *rapid.T) {
	for _, o := range m.eng.Orders() {
		require.Positive(t, o.Remaining, "stored order %d", o.ID)
		require.Equal(t, o.Remaining, m.items.BalanceOf(escrowAddr, o.Item), "custody of order %d", o.ID)
	}

	for _, asset := range []common.Address{native, usdAddr} {
		fees := m.eng.FeeEntry(asset)
		require.LessOrEqual(t, fees.Claimed, fees.Generated)

		var held int64
		if asset == native {
			held = m.vault.Native().BalanceOf(escrowAddr)
		} else {
			held = m.usd.BalanceOf(escrowAddr)
		}
		want := m.eng.LockedBids(asset) + fees.Claimable() + m.eng.CreditTotal(asset)
		require.Equal(t, want, held, "custody of %s", asset.Hex())
	}

	for _, id := range m.orderIDs {
		for _, b := range m.eng.Bids(id) {
			require.Equal(t, b.Quantity*b.UnitPrice, b.Locked)
			key := [2]uint64{id, b.ID}
			if prev, ok := m.settled[key]; ok {
				require.Equal(t, prev, b.Status, "bid %d/%d changed after settling", id, b.ID)
			} else if b.Status != BidPlaced {
				m.settled[key] = b.Status
			}
		}
	}
	// the host discards undo history once a call is final
	m.vault.Journal().Reset()
}
