package escrow

import (
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/registry"
)

// CreateOrder pulls qty of item from the caller into custody and lists it at
// unitPrice per unit. The caller must have approved the escrow as operator on
// the source beforehand.
func (e *Engine) CreateOrder(call Call, source common.Address, item custody.ItemID, qty custody.Quantity, unitPrice int64, paymentAsset common.Address, expiresAt int64) (uint64, error) {
	const op = "create_order"
	var id uint64
	err := e.run(op, func() error {
		if err := nonPayable(op, call); err != nil {
			return err
		}
		if !e.registry.IsItemSourceApproved(source) {
			return validationErr(op, "item source %s not approved", source.Hex())
		}
		if !e.registry.IsPaymentAssetApproved(paymentAsset) {
			return validationErr(op, "payment asset %s not approved", paymentAsset.Hex())
		}
		if expiresAt <= e.now() {
			return validationErr(op, "expiry %d is not in the future", expiresAt)
		}
		if unitPrice <= 0 {
			return validationErr(op, "unit price must be positive")
		}
		if err := qty.Validate(); err != nil {
			return &Error{Kind: KindValidation, Op: op, Err: err}
		}
		if _, ok := mulAmount(unitPrice, qty.Units()); !ok {
			return validationErr(op, "order value overflows")
		}

		o := Order{
			ID:           e.orders.allocate(),
			Source:       source,
			Item:         item,
			Kind:         qty.Kind(),
			UnitPrice:    unitPrice,
			Remaining:    qty.Units(),
			Seller:       call.Caller,
			CreatedAt:    e.now(),
			ExpiresAt:    expiresAt,
			PaymentAsset: paymentAsset,
		}
		if err := e.moveItems(op, o, call.Caller, e.cfg.Address, o.Remaining); err != nil {
			return err
		}
		e.orders.put(o)
		id = o.ID
		e.emit(Event{Kind: EventOrderCreated, OrderID: o.ID, Account: o.Seller, Asset: o.PaymentAsset, Units: o.Remaining, Amount: o.UnitPrice})
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.log.Info("order created", zap.Uint64("order_id", id), zap.String("seller", call.Caller.Hex()))
	return id, nil
}

// CancelOrder returns the remaining units to the seller, settles every open
// bid and removes the order
func (e *Engine) CancelOrder(call Call, orderID uint64) error {
	const op = "cancel_order"
	return e.run(op, func() error {
		if err := nonPayable(op, call); err != nil {
			return err
		}
		o, ok := e.orders.Get(orderID)
		if !ok {
			return stateErr(op, "order %d not found", orderID)
		}
		if call.Caller != o.Seller {
			return authErr(op, "caller %s is not the seller of order %d", call.Caller.Hex(), orderID)
		}
		if err := e.moveItems(op, o, e.cfg.Address, o.Seller, o.Remaining); err != nil {
			return err
		}
		if err := e.refundBids(op, o); err != nil {
			return err
		}
		e.orders.delete(o.ID)
		e.emit(Event{Kind: EventOrderCancelled, OrderID: o.ID, Account: o.Seller, Asset: o.PaymentAsset, Units: o.Remaining})
		return nil
	})
}

// BuyNow purchases quantity units of an order at its listed price. Native
// orders are paid from the attached value and any excess is returned.
func (e *Engine) BuyNow(call Call, orderID uint64, quantity int64) error {
	const op = "buy_now"
	return e.run(op, func() error {
		if o, ok := e.orders.Get(orderID); ok && !o.IsNative() && call.Value != 0 {
			return validationErr(op, "order %d is not priced in native currency", orderID)
		}
		if err := e.receiveValue(op, call); err != nil {
			return err
		}
		budget := call.Value
		if err := e.buy(op, call.Caller, orderID, quantity, &budget); err != nil {
			return err
		}
		return e.pay(op, registry.NativeAsset, call.Caller, budget)
	})
}

// BulkBuy runs one purchase per (order, quantity) pair. Each purchase is
// atomic on its own; a failed one is reported in its result and does not undo
// the others. Attached native value is a shared budget and the unspent part
// is returned.
func (e *Engine) BulkBuy(call Call, orderIDs []uint64, quantities []int64) ([]BulkResult, error) {
	const op = "bulk_buy"
	var results []BulkResult
	err := e.run(op, func() error {
		if len(orderIDs) != len(quantities) {
			return validationErr(op, "%d orders but %d quantities", len(orderIDs), len(quantities))
		}
		if err := e.receiveValue(op, call); err != nil {
			return err
		}
		budget := call.Value
		results = make([]BulkResult, len(orderIDs))
		for i, id := range orderIDs {
			saved := budget
			err := e.attempt(func() error {
				return e.buy(op, call.Caller, id, quantities[i], &budget)
			})
			if err != nil {
				budget = saved
			}
			results[i] = BulkResult{OrderID: id, Quantity: quantities[i], Err: err}
		}
		return e.pay(op, registry.NativeAsset, call.Caller, budget)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// buy settles one purchase. Native payments are drawn from budget, which
// holds value already moved into custody.
func (e *Engine) buy(op string, buyer common.Address, orderID uint64, quantity int64, budget *int64) error {
	o, ok := e.orders.Get(orderID)
	if !ok {
		return stateErr(op, "order %d not found", orderID)
	}
	if e.expired(o.ExpiresAt) {
		return stateErr(op, "order %d expired", orderID)
	}
	units, err := fillUnits(op, o, quantity)
	if err != nil {
		return err
	}
	if units > o.Remaining {
		return stateErr(op, "quantity %d exceeds remaining %d", units, o.Remaining)
	}
	total, ok := mulAmount(o.UnitPrice, units)
	if !ok {
		return validationErr(op, "purchase value overflows")
	}
	fee := FeeOf(total, e.feeBps)

	e.fees.generate(o.PaymentAsset, fee)
	if o.IsNative() {
		if *budget < total {
			return validationErr(op, "attached value %d below price %d", *budget, total)
		}
		*budget -= total
	} else if err := e.pull(op, o.PaymentAsset, buyer, total); err != nil {
		return err
	}
	if err := e.pay(op, o.PaymentAsset, o.Seller, total-fee); err != nil {
		return err
	}
	if err := e.moveItems(op, o, e.cfg.Address, buyer, units); err != nil {
		return err
	}
	e.emit(Event{Kind: EventPurchase, OrderID: o.ID, Account: buyer, Counterparty: o.Seller, Asset: o.PaymentAsset, Units: units, Amount: total, Fee: fee})
	return e.consume(op, o, units)
}

// consume reduces an order by units. An order that reaches zero has its open
// bids refunded and is removed.
func (e *Engine) consume(op string, o Order, units int64) error {
	o.Remaining -= units
	if o.Remaining > 0 {
		e.orders.put(o)
		return nil
	}
	if err := e.refundBids(op, o); err != nil {
		return err
	}
	e.orders.delete(o.ID)
	e.emit(Event{Kind: EventOrderClosed, OrderID: o.ID, Account: o.Seller, Asset: o.PaymentAsset})
	return nil
}

// fillUnits resolves a requested quantity against the order's standard.
// Singular orders read 0 and 1 as the one unit.
func fillUnits(op string, o Order, quantity int64) (int64, error) {
	if o.Kind == custody.KindSingular {
		if quantity < 0 {
			return 0, validationErr(op, "negative quantity %d", quantity)
		}
		if quantity <= 1 {
			return 1, nil
		}
		return quantity, nil
	}
	if quantity <= 0 {
		return 0, validationErr(op, "quantity must be positive, got %d", quantity)
	}
	return quantity, nil
}
