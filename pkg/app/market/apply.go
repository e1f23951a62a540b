package market

import (
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/transaction"
)

// applyTx runs one transaction to completion. The sender's nonce is consumed
// once the signature and nonce checks pass, whatever the action's outcome.
// A failed action leaves no trace beyond its receipt.
func (a *App) applyTx(height uint64, index int, raw []byte) Receipt {
	r := Receipt{Height: height, Index: index}

	act, err := transaction.Deserialize(raw)
	if err != nil {
		r.TxHash = crypto.Keccak256Hash(raw)
		return a.reject(r, ReasonDecode, err)
	}
	r.TxHash = act.Hash()
	r.Kind = act.Kind
	r.Sender = act.Sender
	r.Nonce = act.Nonce

	if _, err := a.verifier.Verify(act); err != nil {
		return a.reject(r, ReasonSignature, err)
	}
	if last := a.nonces[act.Sender]; act.Nonce <= last {
		return a.reject(r, ReasonNonce, hostErr(escrow.KindState, "nonce %d not above %d", act.Nonce, last))
	}
	a.nonces[act.Sender] = act.Nonce

	payload, err := act.DecodePayload()
	if err != nil {
		return a.reject(r, ReasonDecode, err)
	}

	a.txEvents = a.txEvents[:0]
	snap := a.journal.Snapshot()
	err = a.dispatch(act, payload, &r)
	if err != nil {
		a.journal.RevertToSnapshot(snap)
		a.journal.Reset()
		kind := errorKind(err)
		r.fail(kind, err)
		r.Amount, r.OrderID, r.BidID, r.Bulk = nil, nil, nil, nil
		a.observer.ObserveRejected(string(act.Kind), kind, true)
		return r
	}
	a.journal.Reset()

	r.OK = true
	r.Events = append([]escrow.Event(nil), a.txEvents...)
	for _, ev := range r.Events {
		a.observer.ObserveEvent(ev)
	}
	return r
}

func (a *App) reject(r Receipt, reason string, err error) Receipt {
	r.fail(reason, err)
	a.observer.ObserveRejected(string(r.Kind), reason, false)
	a.log.Debugw("tx_rejected", "hash", r.TxHash.Hex(), "reason", reason, "err", err)
	return r
}

func (a *App) dispatch(act *transaction.SignedAction, payload any, r *Receipt) error {
	call := escrow.Call{Caller: act.Sender, Value: act.Value}

	switch p := payload.(type) {
	case *transaction.CreateOrderPayload:
		id, err := a.engine.CreateOrder(call, p.Source, p.Item, p.Quantity, p.UnitPrice, p.PaymentAsset, p.ExpiresAt)
		if err != nil {
			return err
		}
		r.OrderID = u64(id)

	case *transaction.OrderRef:
		r.OrderID = u64(p.OrderID)
		return a.engine.CancelOrder(call, p.OrderID)

	case *transaction.BuyNowPayload:
		r.OrderID = u64(p.OrderID)
		return a.engine.BuyNow(call, p.OrderID, p.Quantity)

	case *transaction.BulkBuyPayload:
		results, err := a.engine.BulkBuy(call, p.OrderIDs, p.Quantities)
		if err != nil {
			return err
		}
		r.Bulk = make([]BulkOutcome, len(results))
		for i, res := range results {
			r.Bulk[i] = BulkOutcome{OrderID: res.OrderID, Quantity: res.Quantity, OK: res.OK()}
			if res.Err != nil {
				r.Bulk[i].Error = res.Err.Error()
			}
		}

	case *transaction.PlaceOfferPayload:
		id, err := a.engine.PlaceOffer(call, p.OrderID, p.Quantity, p.UnitPrice, p.ExpiresAt)
		if err != nil {
			return err
		}
		r.OrderID, r.BidID = u64(p.OrderID), u64(id)

	case *transaction.BidRef:
		r.OrderID, r.BidID = u64(p.OrderID), u64(p.BidID)
		switch act.Kind {
		case transaction.KindAcceptBid:
			return a.engine.AcceptBid(call, p.OrderID, p.BidID)
		case transaction.KindRejectBid:
			return a.engine.RejectBid(call, p.OrderID, p.BidID)
		default:
			return a.engine.WithdrawBid(call, p.OrderID, p.BidID)
		}

	case *transaction.ClaimFeesPayload:
		amount, err := a.engine.ClaimFees(call, p.Asset, p.Recipient)
		if err != nil {
			return err
		}
		r.Amount = i64(amount)

	case *transaction.AssetRef:
		if act.Kind == transaction.KindApproveAsset {
			return a.engine.ApprovePaymentAsset(call, p.Asset)
		}
		amount, err := a.engine.ClaimRefund(call, p.Asset)
		if err != nil {
			return err
		}
		r.Amount = i64(amount)

	case *transaction.SourceRef:
		return a.engine.ApproveItemSource(call, p.Source)

	case *transaction.SetFeePayload:
		return a.engine.SetPlatformFee(call, p.Bps)

	case *transaction.ApproveOperatorPayload:
		if act.Value != 0 {
			return hostErr(escrow.KindValidation, "approve_operator does not accept value")
		}
		c, ok := a.vault.Collection(p.Source)
		if !ok {
			return hostErr(escrow.KindValidation, "%w: %s", ErrUnknownSource, p.Source.Hex())
		}
		c.SetApprovalForAll(act.Sender, p.Operator, p.Approved)

	case *transaction.ApproveSpendPayload:
		if act.Value != 0 {
			return hostErr(escrow.KindValidation, "approve_spend does not accept value")
		}
		if p.Amount < 0 {
			return hostErr(escrow.KindValidation, "negative allowance %d", p.Amount)
		}
		t, ok := a.vault.Token(p.Asset)
		if !ok {
			return hostErr(escrow.KindValidation, "%w: %s", ErrUnknownAsset, p.Asset.Hex())
		}
		t.Approve(act.Sender, p.Spender, p.Amount)

	default:
		return hostErr(escrow.KindValidation, "unsupported payload %T", payload)
	}
	return nil
}
