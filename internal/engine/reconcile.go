package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/satbid/auctionhouse/internal/db"
	"github.com/satbid/auctionhouse/internal/gateway"
	"github.com/satbid/auctionhouse/internal/models"
)

// HandlePayment reconciles an asynchronous payment-settled notification with
// a bid: it either promotes the bid to current winner or refunds it. The
// notification has no return channel, so anomalies are audited and dropped,
// never surfaced. The whole decision runs under the per-item lock so two
// payments settling together cannot both pass the must-refund check.
func (e *Engine) HandlePayment(ctx context.Context, pay models.PaymentNotification) error {
	if pay.Tag != Tag || pay.IsRefund || pay.IsFee || pay.IsPayout {
		return nil
	}

	bid, err := e.store.GetBidByPaymentHash(ctx, pay.PaymentHash)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Printf("payment received for unknown bid: %s", pay.PaymentHash)
			return nil
		}
		return err
	}

	unlock := e.lockItem(bid.ItemID)
	defer unlock()

	item, err := e.store.GetItem(ctx, bid.ItemID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Printf("payment received for unknown auction item %s. Bid '%s' (%s).",
				bid.ItemID, bid.Memo, bid.ID)
			return nil
		}
		return err
	}
	room, err := e.Room(ctx, item.RoomID)
	if err != nil {
		return fmt.Errorf("no auction room %s for item %s: %w", item.RoomID, item.ID, err)
	}
	if err := e.DecorateItem(ctx, item); err != nil {
		return err
	}

	if pay.AmountSat != bid.AmountSat {
		e.audit(ctx, item.ID,
			"Payment amount different than bid amount. Paid: %d sat. Bid '%s' (%s): %d sat. Refunding.",
			pay.AmountSat, bid.Memo, bid.ID, bid.AmountSat)
		refunded := e.refundBid(ctx, bid, item)
		e.audit(ctx, item.ID, "Refunded: %v. Bid '%s' (%s).", refunded, bid.Memo, bid.ID)
		return nil
	}

	// Must-refund is decided against current state, not the state at
	// bid-placement time, to resolve concurrent bids on the same item.
	if reason := e.mustRefund(ctx, bid, item); reason != "" {
		e.audit(ctx, item.ID, "%s Refunding bid '%s' (%s), %d sat.", reason, bid.Memo, bid.ID, bid.AmountSat)
		refunded := e.refundBid(ctx, bid, item)
		e.audit(ctx, item.ID, "Refunded: %v. Bid '%s' (%s).", refunded, bid.Memo, bid.ID)
		return nil
	}

	// Refund the previous winner before promoting the new one: there can
	// only ever be one bid with paid=true and higher_bid_made=false.
	e.refundPreviousWinner(ctx, bid, item)

	if err := e.promote(ctx, bid, item); err != nil {
		return err
	}

	e.audit(ctx, item.ID, "Bid accepted for '%s'. Bid '%s' (%s). Amount: %.2f %s (%d sat).",
		item.Name, bid.Memo, bid.ID, bid.Amount, bid.Currency, bid.AmountSat)
	if e.notifier != nil {
		e.notifier.NotifyNewBid(item, bid)
	}

	// Fixed-price rooms are single-bid-wins: the first settled payment
	// closes the item.
	if room.IsFixedPrice() {
		return e.closeLocked(ctx, item, room)
	}
	return nil
}

// mustRefund returns a non-empty reason when the settled payment cannot win:
// the item is already closed, or another bid holds the win at an equal or
// higher amount.
func (e *Engine) mustRefund(ctx context.Context, bid *models.Bid, item *models.AuctionItem) string {
	if !item.Active {
		return fmt.Sprintf("Payment received for closed auction %s.", item.ID)
	}
	top, err := e.store.GetTopBid(ctx, item.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ""
		}
		log.Printf("failed to get top bid for item %s: %v", item.ID, err)
		return ""
	}
	if top.ID != bid.ID && top.Amount >= bid.Amount {
		return fmt.Sprintf("Bid %.2f is not above current winning bid %.2f.", bid.Amount, top.Amount)
	}
	return ""
}

func (e *Engine) refundPreviousWinner(ctx context.Context, bid *models.Bid, item *models.AuctionItem) {
	top, err := e.store.GetTopBid(ctx, item.ID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("failed to get top bid for item %s: %v", item.ID, err)
		}
		return
	}
	if top.ID == bid.ID {
		return
	}
	e.audit(ctx, item.ID, "Refunding previous winner bid '%s' (%s), %d sat.", top.Memo, top.ID, top.AmountSat)
	refunded := e.refundBid(ctx, top, item)
	e.audit(ctx, item.ID, "Refunded: %v. Bid '%s' (%s).", refunded, top.Memo, top.ID)
}

func (e *Engine) promote(ctx context.Context, bid *models.Bid, item *models.AuctionItem) error {
	if err := e.store.MarkBidPaid(ctx, bid.ID); err != nil {
		return err
	}
	if err := e.store.OutbidOtherBids(ctx, item.ID, bid.ID); err != nil {
		return err
	}
	item.CurrentPrice = bid.Amount
	item.CurrentPriceSat = bid.AmountSat
	if err := e.store.UpdateItem(ctx, item); err != nil {
		return err
	}
	bid.Paid = true
	return nil
}

// refundBid returns a bid's funds to the bidder: external payout address
// first, internal wallet second. A failed refund is audited and reported
// false; the audit trail is the recovery mechanism, there is no automatic
// retry.
func (e *Engine) refundBid(ctx context.Context, bid *models.Bid, item *models.AuctionItem) bool {
	if bid.LnAddress != "" {
		if err := e.refundToAddress(ctx, bid, item); err == nil {
			e.audit(ctx, item.ID, "Refund paid to %s. Bid '%s' (%s).", bid.LnAddress, bid.Memo, bid.ID)
			return true
		} else {
			log.Printf("failed to refund bid '%s' (%s) to address %s: %v", bid.Memo, bid.ID, bid.LnAddress, err)
		}
	}

	if err := e.refundToUserWallet(ctx, bid, item); err != nil {
		log.Printf("failed to refund bid '%s' (%s) to user wallet: %v", bid.Memo, bid.ID, err)
		return false
	}
	e.audit(ctx, item.ID, "Refund paid to user wallet. Bid '%s' (%s).", bid.Memo, bid.ID)
	return true
}

func (e *Engine) refundToAddress(ctx context.Context, bid *models.Bid, item *models.AuctionItem) error {
	comment := fmt.Sprintf("Refund for %s (%s/%s).", bid.Memo, bid.ItemID, bid.ID)
	paymentRequest, err := e.resolver.PaymentRequest(ctx, bid.LnAddress, bid.AmountSat, comment)
	if err != nil {
		return err
	}
	return e.gateway.PayInvoice(ctx, item.WalletID, paymentRequest,
		gateway.Meta{Tag: Tag, ItemID: item.ID, IsRefund: true})
}

// refundToUserWallet creates an invoice on the bidder's own wallet and pays
// it from the escrow. The gateway is pay-to-invoice only, hence the
// indirection.
func (e *Engine) refundToUserWallet(ctx context.Context, bid *models.Bid, item *models.AuctionItem) error {
	walletID, err := e.gateway.GetUserWallet(ctx, bid.UserID)
	if err != nil {
		return err
	}
	memo := fmt.Sprintf("Refund amount: %.2f %s (%d sat). Bid: %s (%s).",
		bid.Amount, bid.Currency, bid.AmountSat, bid.Memo, bid.ID)
	invoice, err := e.gateway.CreateInvoice(ctx, walletID, float64(bid.AmountSat), "sat", memo,
		gateway.Meta{Tag: Tag, ItemID: item.ID, IsRefund: true})
	if err != nil {
		return err
	}
	return e.gateway.PayInvoice(ctx, item.WalletID, invoice.PaymentRequest,
		gateway.Meta{Tag: Tag, ItemID: item.ID, IsRefund: true})
}
