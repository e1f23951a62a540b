// Package escrow implements the settlement engine: the order and bid state
// machines, the fee ledger and the movement of items and value between
// sellers, buyers, bidders and custody.
//
// Every mutating operation is atomic. The engine snapshots the shared journal
// on entry and reverts to it on any error, so a failed call leaves ledgers and
// custody balances exactly as they were. Operations are not reentrant.
package escrow

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/journal"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/registry"
	"github.com/uhyunpark/hyperescrow/pkg/util"
)

// Engine is single-threaded: the host serializes calls into it
type Engine struct {
	cfg      Config
	feeBps   int64
	registry *registry.Registry
	dir      custody.Directory
	journal  *journal.Journal
	clock    util.Clock
	log      *zap.Logger

	orders  *OrderLedger
	bids    *BidLedger
	fees    *FeeLedger
	credits *CreditLedger

	entered   bool
	pending   []Event
	listeners []func(Event)
}

// New wires an engine. The registry and every ledger behind dir must record
// into j.
func New(cfg Config, reg *registry.Registry, dir custody.Directory, j *journal.Journal, clock util.Clock, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil || dir == nil || j == nil {
		return nil, errors.New("escrow: registry, directory and journal are required")
	}
	if reg.Operator() != cfg.Operator {
		return nil, errors.New("escrow: registry operator does not match config")
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		feeBps:   cfg.PlatformFeeBps,
		registry: reg,
		dir:      dir,
		journal:  j,
		clock:    clock,
		log:      logger,
		orders:   NewOrderLedger(j),
		bids:     NewBidLedger(j),
		fees:     NewFeeLedger(j),
		credits:  NewCreditLedger(j),
	}, nil
}

// Subscribe registers fn to receive the events of every successful operation
func (e *Engine) Subscribe(fn func(Event)) {
	e.listeners = append(e.listeners, fn)
}

// run executes one top-level operation under the reentrancy guard. On error
// everything recorded since entry is reverted and buffered events dropped.
func (e *Engine) run(op string, fn func() error) error {
	if e.entered {
		return &Error{Kind: KindState, Op: op, Err: ErrReentrant}
	}
	e.entered = true
	snap := e.journal.Snapshot()

	err := fn()

	e.entered = false
	if err != nil {
		e.journal.RevertToSnapshot(snap)
		e.pending = e.pending[:0]
		e.log.Debug("escrow op reverted", zap.String("op", op), zap.Error(err))
		return err
	}

	events := e.pending
	e.pending = nil
	for _, ev := range events {
		if ev.Kind == EventPurchase || ev.Kind == EventBidAccepted {
			fields := []zap.Field{
				zap.String("kind", string(ev.Kind)),
				zap.Uint64("order_id", ev.OrderID),
				zap.Int64("units", ev.Units),
				zap.Int64("total", ev.Amount),
				zap.Int64("fee", ev.Fee),
			}
			if ev.BidID != nil {
				fields = append(fields, zap.Uint64("bid_id", *ev.BidID))
			}
			e.log.Info("settlement", fields...)
		}
		for _, fn := range e.listeners {
			fn(ev)
		}
	}
	return nil
}

// attempt runs fn as a nested atomic step inside an operation
func (e *Engine) attempt(fn func() error) error {
	snap := e.journal.Snapshot()
	mark := len(e.pending)
	if err := fn(); err != nil {
		e.journal.RevertToSnapshot(snap)
		e.pending = e.pending[:mark]
		return err
	}
	return nil
}

func (e *Engine) emit(ev Event) {
	e.pending = append(e.pending, ev)
}

func (e *Engine) now() int64 { return e.clock.Now().Unix() }

// expired: a deadline is reached at expiresAt itself
func (e *Engine) expired(expiresAt int64) bool { return e.now() >= expiresAt }

// ============================================================================
// Value movement
// ============================================================================

// receiveValue moves the native value attached to a call into custody
func (e *Engine) receiveValue(op string, call Call) error {
	if call.Value < 0 {
		return validationErr(op, "negative value %d", call.Value)
	}
	if call.Value == 0 {
		return nil
	}
	if err := e.dir.Native().Transfer(call.Caller, e.cfg.Address, call.Value); err != nil {
		return transferErr(op, "receive attached value", err)
	}
	return nil
}

func nonPayable(op string, call Call) error {
	if call.Value != 0 {
		return validationErr(op, "operation does not accept value")
	}
	return nil
}

// pull takes amount of a fungible asset from payer into custody
func (e *Engine) pull(op string, asset, payer common.Address, amount int64) error {
	pa, ok := e.dir.PaymentAsset(asset)
	if !ok {
		return transferErr(op, "pull payment", errors.New("unknown payment asset "+asset.Hex()))
	}
	if err := pa.TransferFrom(e.cfg.Address, payer, e.cfg.Address, amount); err != nil {
		return transferErr(op, "pull payment", err)
	}
	return nil
}

// pay sends amount of asset (native when zero) out of custody
func (e *Engine) pay(op string, asset, to common.Address, amount int64) error {
	if amount == 0 {
		return nil
	}
	if asset == registry.NativeAsset {
		if err := e.dir.Native().Transfer(e.cfg.Address, to, amount); err != nil {
			return transferErr(op, "pay "+to.Hex(), err)
		}
		return nil
	}
	pa, ok := e.dir.PaymentAsset(asset)
	if !ok {
		return transferErr(op, "pay "+to.Hex(), errors.New("unknown payment asset "+asset.Hex()))
	}
	if err := pa.Transfer(e.cfg.Address, to, amount); err != nil {
		return transferErr(op, "pay "+to.Hex(), err)
	}
	return nil
}

// moveItems transfers units of an order's item with the escrow as operator
func (e *Engine) moveItems(op string, o Order, from, to common.Address, units int64) error {
	src, ok := e.dir.ItemSource(o.Source)
	if !ok {
		return transferErr(op, "move items", errors.New("unknown item source "+o.Source.Hex()))
	}
	if err := src.Transfer(e.cfg.Address, from, to, o.Item, o.quantity(units)); err != nil {
		return transferErr(op, "move items", err)
	}
	return nil
}

// ============================================================================
// Operator surface
// ============================================================================

func (e *Engine) ApproveItemSource(call Call, source common.Address) error {
	const op = "approve_item_source"
	return e.run(op, func() error {
		if err := nonPayable(op, call); err != nil {
			return err
		}
		if err := e.registry.ApproveItemSource(call.Caller, source); err != nil {
			return registryErr(op, err)
		}
		e.emit(Event{Kind: EventSourceApproved, Account: call.Caller, Asset: source})
		return nil
	})
}

func (e *Engine) ApprovePaymentAsset(call Call, asset common.Address) error {
	const op = "approve_payment_asset"
	return e.run(op, func() error {
		if err := nonPayable(op, call); err != nil {
			return err
		}
		if err := e.registry.ApprovePaymentAsset(call.Caller, asset); err != nil {
			return registryErr(op, err)
		}
		e.emit(Event{Kind: EventAssetApproved, Account: call.Caller, Asset: asset})
		return nil
	})
}

func registryErr(op string, err error) error {
	if errors.Is(err, registry.ErrNotOperator) {
		return &Error{Kind: KindAuthorization, Op: op, Err: err}
	}
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// SetPlatformFee changes the fee rate applied to future settlements
func (e *Engine) SetPlatformFee(call Call, bps int64) error {
	const op = "set_platform_fee"
	return e.run(op, func() error {
		if err := nonPayable(op, call); err != nil {
			return err
		}
		if call.Caller != e.cfg.Operator {
			return authErr(op, "caller %s is not the operator", call.Caller.Hex())
		}
		if bps < 0 || bps > e.cfg.MaxPlatformFeeBps {
			return validationErr(op, "fee %d bps outside [0, %d]", bps, e.cfg.MaxPlatformFeeBps)
		}
		prev := e.feeBps
		e.feeBps = bps
		e.journal.Append(func() { e.feeBps = prev })
		e.emit(Event{Kind: EventFeeUpdated, Account: call.Caller, Amount: bps})
		return nil
	})
}

// ClaimFees sends every unclaimed fee of asset to recipient. Claiming when
// nothing is claimable succeeds and returns 0.
func (e *Engine) ClaimFees(call Call, asset, recipient common.Address) (int64, error) {
	const op = "claim_fees"
	var claimed int64
	err := e.run(op, func() error {
		if err := nonPayable(op, call); err != nil {
			return err
		}
		if call.Caller != e.cfg.Operator {
			return authErr(op, "caller %s is not the operator", call.Caller.Hex())
		}
		if recipient == (common.Address{}) {
			return validationErr(op, "zero recipient")
		}
		amount := e.fees.Entry(asset).Claimable()
		if amount == 0 {
			return nil
		}
		if err := e.pay(op, asset, recipient, amount); err != nil {
			return err
		}
		claimed = e.fees.markClaimed(asset)
		e.emit(Event{Kind: EventFeesClaimed, Account: recipient, Asset: asset, Amount: claimed})
		return nil
	})
	if err != nil {
		return 0, err
	}
	if claimed > 0 {
		e.log.Info("fees claimed",
			zap.String("asset", asset.Hex()),
			zap.String("recipient", recipient.Hex()),
			zap.Int64("amount", claimed))
	}
	return claimed, nil
}

// ClaimRefund withdraws the caller's refund credit in asset (RefundCredit mode)
func (e *Engine) ClaimRefund(call Call, asset common.Address) (int64, error) {
	const op = "claim_refund"
	var amount int64
	err := e.run(op, func() error {
		if err := nonPayable(op, call); err != nil {
			return err
		}
		amount = e.credits.take(call.Caller, asset)
		if amount == 0 {
			return nil
		}
		if err := e.pay(op, asset, call.Caller, amount); err != nil {
			return err
		}
		e.emit(Event{Kind: EventRefundClaimed, Account: call.Caller, Asset: asset, Amount: amount})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// ============================================================================
// Queries
// ============================================================================

func (e *Engine) Address() common.Address       { return e.cfg.Address }
func (e *Engine) Operator() common.Address      { return e.cfg.Operator }
func (e *Engine) PlatformFeeBps() int64         { return e.feeBps }
func (e *Engine) MaxPlatformFeeBps() int64      { return e.cfg.MaxPlatformFeeBps }
func (e *Engine) RefundMode() RefundMode        { return e.cfg.RefundMode }
func (e *Engine) Registry() *registry.Registry  { return e.registry }
func (e *Engine) NextOrderID() uint64           { return e.orders.NextID() }
func (e *Engine) Now() time.Time                { return e.clock.Now() }

func (e *Engine) Order(id uint64) (Order, bool) { return e.orders.Get(id) }

func (e *Engine) Orders() []Order { return e.orders.All() }

func (e *Engine) Bid(orderID, bidID uint64) (Bid, bool) { return e.bids.Get(orderID, bidID) }

func (e *Engine) Bids(orderID uint64) []Bid { return e.bids.List(orderID) }

func (e *Engine) FeeEntry(asset common.Address) FeeEntry { return e.fees.Entry(asset) }

func (e *Engine) RefundCredit(bidder, asset common.Address) int64 {
	return e.credits.Balance(bidder, asset)
}

// LockedBids sums the locked amounts of every Placed bid priced in asset
func (e *Engine) LockedBids(asset common.Address) int64 {
	var sum int64
	for _, orderID := range e.bids.orderIDs() {
		for _, b := range e.bids.bids[orderID] {
			if b.Status != BidPlaced {
				continue
			}
			if b.PaymentAsset == asset {
				sum += b.Locked
			}
		}
	}
	return sum
}

// CreditTotal sums outstanding refund credits in asset
func (e *Engine) CreditTotal(asset common.Address) int64 { return e.credits.Total(asset) }
