package escrow

// PlaceOffer locks quantity*unitPrice from the caller and records a bid on
// the order. Returns the bid's position within the order.
func (e *Engine) PlaceOffer(call Call, orderID uint64, quantity, unitPrice, expiresAt int64) (uint64, error) {
	const op = "place_offer"
	var bidID uint64
	err := e.run(op, func() error {
		o, ok := e.orders.Get(orderID)
		if !ok {
			return stateErr(op, "order %d not found", orderID)
		}
		if e.expired(o.ExpiresAt) {
			return stateErr(op, "order %d expired", orderID)
		}
		if call.Caller == o.Seller {
			return authErr(op, "seller cannot bid on own order %d", orderID)
		}
		if expiresAt <= e.now() {
			return validationErr(op, "expiry %d is not in the future", expiresAt)
		}
		if unitPrice <= 0 {
			return validationErr(op, "unit price must be positive")
		}
		units, err := fillUnits(op, o, quantity)
		if err != nil {
			return err
		}
		if units > o.Remaining {
			return validationErr(op, "quantity %d exceeds remaining %d", units, o.Remaining)
		}
		locked, ok := mulAmount(unitPrice, units)
		if !ok {
			return validationErr(op, "bid value overflows")
		}

		if o.IsNative() {
			if call.Value < locked {
				return validationErr(op, "attached value %d below bid %d", call.Value, locked)
			}
			if err := e.receiveValue(op, call); err != nil {
				return err
			}
		} else {
			if call.Value != 0 {
				return validationErr(op, "order %d is not priced in native currency", orderID)
			}
			if err := e.pull(op, o.PaymentAsset, call.Caller, locked); err != nil {
				return err
			}
		}

		bidID = e.bids.append(Bid{
			OrderID:      o.ID,
			Bidder:       call.Caller,
			UnitPrice:    unitPrice,
			Quantity:     units,
			Locked:       locked,
			PaymentAsset: o.PaymentAsset,
			ExpiresAt:    expiresAt,
			Status:       BidPlaced,
		})
		e.emit(Event{Kind: EventBidPlaced, OrderID: o.ID, BidID: bidRef(bidID), Account: call.Caller, Asset: o.PaymentAsset, Units: units, Amount: locked})

		if o.IsNative() {
			return e.pay(op, o.PaymentAsset, call.Caller, call.Value-locked)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return bidID, nil
}

// AcceptBid sells the bid's units to the bidder out of the order, paying the
// seller from the locked amount. Only the seller may accept.
func (e *Engine) AcceptBid(call Call, orderID, bidID uint64) error {
	const op = "accept_bid"
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
		b, ok := e.bids.Get(orderID, bidID)
		if !ok {
			return stateErr(op, "bid %d/%d not found", orderID, bidID)
		}
		if b.Status != BidPlaced {
			return stateErr(op, "bid %d/%d is %s", orderID, bidID, b.Status)
		}
		if e.expired(b.ExpiresAt) {
			return stateErr(op, "bid %d/%d expired", orderID, bidID)
		}
		if b.Quantity > o.Remaining {
			return stateErr(op, "bid quantity %d exceeds remaining %d", b.Quantity, o.Remaining)
		}

		fee := FeeOf(b.Locked, e.feeBps)
		e.fees.generate(o.PaymentAsset, fee)
		if err := e.pay(op, o.PaymentAsset, o.Seller, b.Locked-fee); err != nil {
			return err
		}
		if err := e.moveItems(op, o, e.cfg.Address, b.Bidder, b.Quantity); err != nil {
			return err
		}
		e.bids.setStatus(orderID, bidID, BidAccepted)
		e.emit(Event{Kind: EventBidAccepted, OrderID: o.ID, BidID: bidRef(bidID), Account: b.Bidder, Counterparty: o.Seller, Asset: o.PaymentAsset, Units: b.Quantity, Amount: b.Locked, Fee: fee})
		return e.consume(op, o, b.Quantity)
	})
}

// WithdrawOrReject ends a placed bid and returns its locked amount to the
// bidder. Rejecting is reserved to the seller, withdrawing to the bidder.
func (e *Engine) WithdrawOrReject(call Call, orderID, bidID uint64, isReject bool) error {
	op := "withdraw_bid"
	if isReject {
		op = "reject_bid"
	}
	return e.run(op, func() error {
		if err := nonPayable(op, call); err != nil {
			return err
		}
		b, ok := e.bids.Get(orderID, bidID)
		if !ok {
			return stateErr(op, "bid %d/%d not found", orderID, bidID)
		}

		status, kind := BidWithdrawn, EventBidWithdrawn
		if isReject {
			o, ok := e.orders.Get(orderID)
			if !ok {
				return stateErr(op, "order %d not found", orderID)
			}
			if call.Caller != o.Seller {
				return authErr(op, "caller %s is not the seller of order %d", call.Caller.Hex(), orderID)
			}
			status, kind = BidRejected, EventBidRejected
		} else if call.Caller != b.Bidder {
			return authErr(op, "caller %s is not the bidder of %d/%d", call.Caller.Hex(), orderID, bidID)
		}
		if b.Status != BidPlaced {
			return stateErr(op, "bid %d/%d is %s", orderID, bidID, b.Status)
		}

		e.bids.setStatus(orderID, bidID, status)
		if err := e.pay(op, b.PaymentAsset, b.Bidder, b.Locked); err != nil {
			return err
		}
		e.emit(Event{Kind: kind, OrderID: orderID, BidID: bidRef(bidID), Account: b.Bidder, Asset: b.PaymentAsset, Amount: b.Locked})
		return nil
	})
}

func (e *Engine) WithdrawBid(call Call, orderID, bidID uint64) error {
	return e.WithdrawOrReject(call, orderID, bidID, false)
}

func (e *Engine) RejectBid(call Call, orderID, bidID uint64) error {
	return e.WithdrawOrReject(call, orderID, bidID, true)
}

// refundBids rejects every placed bid of a closing order. In push mode the
// locked amounts go back immediately and any failed transfer fails the
// caller's operation; in credit mode they become claimable credits.
func (e *Engine) refundBids(op string, o Order) error {
	for _, id := range e.bids.placed(o.ID) {
		b, _ := e.bids.Get(o.ID, id)
		e.bids.setStatus(o.ID, id, BidRejected)

		if e.cfg.RefundMode == RefundCredit {
			e.credits.add(b.Bidder, b.PaymentAsset, b.Locked)
			e.emit(Event{Kind: EventRefundCredited, OrderID: o.ID, BidID: bidRef(id), Account: b.Bidder, Asset: b.PaymentAsset, Amount: b.Locked})
			continue
		}
		if err := e.pay(op, b.PaymentAsset, b.Bidder, b.Locked); err != nil {
			return err
		}
		e.emit(Event{Kind: EventBidRejected, OrderID: o.ID, BidID: bidRef(id), Account: b.Bidder, Asset: b.PaymentAsset, Amount: b.Locked})
	}
	return nil
}
