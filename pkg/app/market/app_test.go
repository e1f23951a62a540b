package market

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/abci"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperescrow/pkg/crypto"
	"github.com/uhyunpark/hyperescrow/pkg/storage"
)

const genesisTime = int64(1_700_000_000)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000e5c20000")
	native     = common.Address{}
)

type harness struct {
	app      *App
	store    *storage.MemStore
	domain   crypto.EIP712Domain
	operator *crypto.Signer
	seller   *crypto.Signer
	buyer    *crypto.Signer
	nonces   map[common.Address]uint64
	ts       int64
}

func mustKey(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateKey()
	require.NoError(t, err)
	return s
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemStore(),
		operator: mustKey(t),
		seller:   mustKey(t),
		buyer:    mustKey(t),
		nonces:   make(map[common.Address]uint64),
		ts:       genesisTime,
	}
	h.domain = crypto.DefaultDomain()
	h.domain.VerifyingContract = escrowAddr

	h.app = h.open(t)
	require.NoError(t, h.app.InitGenesis(DevGenesis(genesisTime, h.seller.Address(), h.buyer.Address())))
	return h
}

func (h *harness) open(t *testing.T) *App {
	t.Helper()
	app, err := New(Config{
		Escrow: escrow.DefaultConfig(escrowAddr, h.operator.Address()),
		Domain: crypto.DefaultDomain(),
	}, h.store, zap.NewNop())
	require.NoError(t, err)
	return app
}

// tx signs an action with the signer's next nonce
func (h *harness) tx(t *testing.T, s *crypto.Signer, kind transaction.Kind, value int64, payload any) []byte {
	t.Helper()
	h.nonces[s.Address()]++
	return h.txNonce(t, s, kind, h.nonces[s.Address()], value, payload)
}

func (h *harness) txNonce(t *testing.T, s *crypto.Signer, kind transaction.Kind, nonce uint64, value int64, payload any) []byte {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	act := &transaction.SignedAction{Kind: kind, Nonce: nonce, Value: value, Payload: p}
	require.NoError(t, transaction.Sign(h.domain, s, act))
	raw, err := act.Serialize()
	require.NoError(t, err)
	return raw
}

// block finalizes txs as the next block, 10 seconds after the previous one,
// and returns one receipt per tx.
func (h *harness) block(t *testing.T, txs ...[]byte) []abci.TxResult {
	t.Helper()
	h.ts += 10
	resp, err := h.app.FinalizeBlock(abci.RequestFinalizeBlock{
		Height:    h.app.LastHeight() + 1,
		Timestamp: h.ts,
		Txs:       txs,
	})
	require.NoError(t, err)
	require.Len(t, resp.TxResults, len(txs))
	return resp.TxResults
}

func (h *harness) receipt(t *testing.T, res abci.TxResult) Receipt {
	t.Helper()
	r, ok, err := h.app.Receipt(res.Hash)
	require.NoError(t, err)
	require.True(t, ok, "receipt %s", res.Hash.Hex())
	return r
}

func (h *harness) requireOK(t *testing.T, results []abci.TxResult) {
	t.Helper()
	for i, res := range results {
		require.True(t, res.OK, "tx %d failed: %s", i, res.Err)
	}
}

// listCounted approves the escrow on the dev collection and lists units of
// the seller's counted item (ID 4) at price per unit in native currency.
func (h *harness) listCounted(t *testing.T, units, price int64) uint64 {
	t.Helper()
	results := h.block(t,
		h.tx(t, h.seller, transaction.KindApproveOperator, 0, transaction.ApproveOperatorPayload{Source: DevCollection, Operator: escrowAddr, Approved: true}),
		h.tx(t, h.seller, transaction.KindCreateOrder, 0, transaction.CreateOrderPayload{
			Source:       DevCollection,
			Item:         4,
			Quantity:     custody.Counted(units),
			UnitPrice:    price,
			PaymentAsset: native,
			ExpiresAt:    h.ts + 3600,
		}),
	)
	h.requireOK(t, results)
	r := h.receipt(t, results[1])
	require.NotNil(t, r.OrderID)
	return *r.OrderID
}

func TestListAndBuy(t *testing.T) {
	h := newHarness(t)
	id := h.listCounted(t, 10, 50)
	require.Equal(t, uint64(1), id)

	sellerBefore, err := h.app.Balance(h.seller.Address(), native)
	require.NoError(t, err)

	results := h.block(t, h.tx(t, h.buyer, transaction.KindBuyNow, 200, transaction.BuyNowPayload{OrderID: id, Quantity: 3}))
	h.requireOK(t, results)

	r := h.receipt(t, results[0])
	require.Equal(t, transaction.KindBuyNow, r.Kind)
	require.Equal(t, h.buyer.Address(), r.Sender)
	require.NotEmpty(t, r.Events)
	require.Equal(t, escrow.EventPurchase, r.Events[0].Kind)
	require.Equal(t, int64(3), r.Events[0].Fee)

	sellerAfter, _ := h.app.Balance(h.seller.Address(), native)
	require.Equal(t, sellerBefore+147, sellerAfter)
	buyerBal, _ := h.app.Balance(h.buyer.Address(), native)
	require.Equal(t, int64(1_000_000_000-150), buyerBal, "excess value is returned")

	units, err := h.app.ItemBalance(DevCollection, 4, h.buyer.Address())
	require.NoError(t, err)
	require.Equal(t, int64(3), units)

	o, ok := h.app.Order(id)
	require.True(t, ok)
	require.Equal(t, int64(7), o.Remaining)
	require.Equal(t, int64(3), h.app.FeeEntry(native).Generated)
}

func TestOfferWithToken(t *testing.T) {
	h := newHarness(t)

	results := h.block(t,
		h.tx(t, h.seller, transaction.KindApproveOperator, 0, transaction.ApproveOperatorPayload{Source: DevCollection, Operator: escrowAddr, Approved: true}),
		h.tx(t, h.buyer, transaction.KindApproveSpend, 0, transaction.ApproveSpendPayload{Asset: DevToken, Spender: escrowAddr, Amount: 1000}),
		h.tx(t, h.seller, transaction.KindCreateOrder, 0, transaction.CreateOrderPayload{
			Source:       DevCollection,
			Item:         1,
			Quantity:     custody.Singular(),
			UnitPrice:    100,
			PaymentAsset: DevToken,
			ExpiresAt:    h.ts + 3600,
		}),
	)
	h.requireOK(t, results)
	orderID := *h.receipt(t, results[2]).OrderID

	results = h.block(t, h.tx(t, h.buyer, transaction.KindPlaceOffer, 0, transaction.PlaceOfferPayload{OrderID: orderID, Quantity: 1, UnitPrice: 80, ExpiresAt: h.ts + 600}))
	h.requireOK(t, results)
	r := h.receipt(t, results[0])
	require.NotNil(t, r.BidID)
	require.Equal(t, uint64(0), *r.BidID)

	sellerBefore, _ := h.app.Balance(h.seller.Address(), DevToken)
	results = h.block(t, h.tx(t, h.seller, transaction.KindAcceptBid, 0, transaction.BidRef{OrderID: orderID, BidID: 0}))
	h.requireOK(t, results)

	sellerAfter, _ := h.app.Balance(h.seller.Address(), DevToken)
	require.Equal(t, sellerBefore+78, sellerAfter)
	units, _ := h.app.ItemBalance(DevCollection, 1, h.buyer.Address())
	require.Equal(t, int64(1), units)

	b, ok := h.app.Bid(orderID, 0)
	require.True(t, ok)
	require.Equal(t, escrow.BidAccepted, b.Status)
	_, ok = h.app.Order(orderID)
	require.False(t, ok, "a filled singular order is removed")
}

func TestRejectedTransactions(t *testing.T) {
	h := newHarness(t)
	id := h.listCounted(t, 5, 10)

	// signed by the buyer but claiming the seller as sender
	p, _ := json.Marshal(transaction.OrderRef{OrderID: id})
	forged := &transaction.SignedAction{Kind: transaction.KindCancelOrder, Nonce: 99, Payload: p}
	require.NoError(t, transaction.Sign(h.domain, h.buyer, forged))
	forged.Sender = h.seller.Address()
	forgedRaw, _ := forged.Serialize()

	buy := h.tx(t, h.buyer, transaction.KindBuyNow, 10, transaction.BuyNowPayload{OrderID: id, Quantity: 1})
	missing := h.tx(t, h.buyer, transaction.KindCancelOrder, 0, transaction.OrderRef{OrderID: 42})
	paidApproval := h.tx(t, h.buyer, transaction.KindApproveSpend, 5, transaction.ApproveSpendPayload{Asset: DevToken, Spender: escrowAddr, Amount: 1})

	results := h.block(t, forgedRaw, buy, missing, paidApproval, []byte("not json"))
	require.False(t, results[0].OK)
	require.Equal(t, ReasonSignature, h.receipt(t, results[0]).ErrorKind)
	require.True(t, results[1].OK)
	require.Equal(t, "state", h.receipt(t, results[2]).ErrorKind)
	require.Equal(t, "validation", h.receipt(t, results[3]).ErrorKind)
	require.Equal(t, ReasonDecode, h.receipt(t, results[4]).ErrorKind)

	// failed engine calls still consume the nonce
	require.Equal(t, uint64(3), h.app.Nonce(h.buyer.Address()))
	require.Equal(t, uint64(2), h.app.Nonce(h.seller.Address()), "forged action did not touch the seller's nonce")

	// a replay fails on its nonce and keeps the first receipt
	results = h.block(t, buy)
	require.False(t, results[0].OK)
	require.Contains(t, results[0].Err, "nonce")
	r := h.receipt(t, results[0])
	require.True(t, r.OK)
	o, _ := h.app.Order(id)
	require.Equal(t, int64(4), o.Remaining)
}

func TestBlockOrderingAndAtomicity(t *testing.T) {
	h := newHarness(t)
	id := h.listCounted(t, 2, 10)

	// the cancel is pushed after the buy but proposed first
	h.app.PushTx(h.tx(t, h.buyer, transaction.KindBuyNow, 10, transaction.BuyNowPayload{OrderID: id, Quantity: 1}))
	h.app.PushTx(h.tx(t, h.seller, transaction.KindCancelOrder, 0, transaction.OrderRef{OrderID: id}))
	require.Equal(t, 2, h.app.PendingTxs())

	prop := h.app.PrepareProposal(abci.RequestPrepareProposal{Height: h.app.LastHeight() + 1})
	require.Len(t, prop.Txs, 2)
	require.True(t, h.app.ProcessProposal(abci.RequestProcessProposal{Txs: prop.Txs}).Accept)

	buyerBefore, _ := h.app.Balance(h.buyer.Address(), native)
	results := h.block(t, prop.Txs...)
	require.True(t, results[0].OK, results[0].Err)
	require.False(t, results[1].OK)
	require.Equal(t, "state", h.receipt(t, results[1]).ErrorKind)

	buyerAfter, _ := h.app.Balance(h.buyer.Address(), native)
	require.Equal(t, buyerBefore, buyerAfter, "the failed buy returned the attached value")
	units, _ := h.app.ItemBalance(DevCollection, 4, h.seller.Address())
	require.Equal(t, int64(100), units)
}

func TestRestoreFromStore(t *testing.T) {
	h := newHarness(t)
	id := h.listCounted(t, 10, 50)
	h.requireOK(t, h.block(t, h.tx(t, h.buyer, transaction.KindBuyNow, 100, transaction.BuyNowPayload{OrderID: id, Quantity: 2})))

	before := h.app.Info()
	require.Equal(t, uint64(2), before.Height)

	reopened := h.open(t)
	after := reopened.Info()
	require.Equal(t, before, after)
	require.Equal(t, h.app.Orders(), reopened.Orders())
	require.Equal(t, h.app.Nonce(h.buyer.Address()), reopened.Nonce(h.buyer.Address()))
	bal1, _ := h.app.Balance(h.seller.Address(), native)
	bal2, _ := reopened.Balance(h.seller.Address(), native)
	require.Equal(t, bal1, bal2)

	// the reopened app continues the chain
	h.app = reopened
	h.requireOK(t, h.block(t, h.tx(t, h.buyer, transaction.KindBuyNow, 50, transaction.BuyNowPayload{OrderID: id, Quantity: 1})))
	require.NotEqual(t, after.AppHash, h.app.AppHash())

	require.Error(t, h.app.InitGenesis(DevGenesis(genesisTime)), "genesis runs once")
}

func TestFinalizeBlockChecksHeader(t *testing.T) {
	h := newHarness(t)
	_, err := h.app.FinalizeBlock(abci.RequestFinalizeBlock{Height: 5, Timestamp: genesisTime + 1})
	require.Error(t, err)
	_, err = h.app.FinalizeBlock(abci.RequestFinalizeBlock{Height: 1, Timestamp: genesisTime - 1})
	require.Error(t, err)
}

func TestSubscribeAndObserver(t *testing.T) {
	h := newHarness(t)
	var got []Receipt
	h.app.Subscribe(func(r Receipt) { got = append(got, r) })
	obs := &countingObserver{}
	h.app.SetObserver(obs)

	id := h.listCounted(t, 3, 10)
	h.block(t,
		h.tx(t, h.buyer, transaction.KindBuyNow, 10, transaction.BuyNowPayload{OrderID: id, Quantity: 1}),
		h.tx(t, h.buyer, transaction.KindCancelOrder, 0, transaction.OrderRef{OrderID: id}),
	)

	require.Len(t, got, 4)
	require.Equal(t, transaction.KindCreateOrder, got[1].Kind)
	require.Equal(t, uint64(2), obs.blocks)
	require.Equal(t, 1, obs.rejected["authorization"])
	require.Equal(t, 1, obs.events[escrow.EventPurchase])
}

type countingObserver struct {
	events   map[escrow.EventKind]int
	rejected map[string]int
	blocks   uint64
}

func (o *countingObserver) ObserveEvent(ev escrow.Event) {
	if o.events == nil {
		o.events = make(map[escrow.EventKind]int)
	}
	o.events[ev.Kind]++
}

func (o *countingObserver) ObserveRejected(_, reason string, _ bool) {
	if o.rejected == nil {
		o.rejected = make(map[string]int)
	}
	o.rejected[reason]++
}

func (o *countingObserver) ObserveBlock(h uint64) { o.blocks = h }
