package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/satbid/auctionhouse/internal/db"
	"github.com/satbid/auctionhouse/internal/gateway"
	"github.com/satbid/auctionhouse/internal/models"
	"github.com/satbid/auctionhouse/internal/pricing"
)

// CloseItem drives an item through the closing protocol: deactivate, then
// unlock (no winner) or transfer-then-distribute (winner). Closing is a
// one-way transition; re-invoking it retries only the legs that have not
// completed, guarded by the one-way flags.
func (e *Engine) CloseItem(ctx context.Context, itemID string) error {
	unlock := e.lockItem(itemID)
	defer unlock()

	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	room, err := e.Room(ctx, item.RoomID)
	if err != nil {
		return fmt.Errorf("no auction room %s for item %s: %w", item.RoomID, item.ID, err)
	}
	return e.closeLocked(ctx, item, room)
}

// ManualClose closes an item on request of the seller or the room owner.
// A live, contested auction can never be closed manually: the item must
// either have no bids or be past its expiry.
func (e *Engine) ManualClose(ctx context.Context, userID int, itemID string) error {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	room, err := e.Room(ctx, item.RoomID)
	if err != nil {
		return fmt.Errorf("no auction room %s for item %s: %w", item.RoomID, item.ID, err)
	}
	if userID != item.UserID && userID != room.UserID {
		return ErrNotAllowed
	}
	count, err := e.store.CountItemBids(ctx, item.ID)
	if err != nil {
		return err
	}
	if count > 0 && pricing.TimeLeft(item.ExpiresAt, time.Now()) > 0 {
		return ErrAuctionLive
	}
	return e.CloseItem(ctx, itemID)
}

// closeLocked runs the closing sequence. Callers must hold the item lock.
func (e *Engine) closeLocked(ctx context.Context, item *models.AuctionItem, room *models.AuctionRoom) error {
	// Deactivate and persist before any external call: a crash after this
	// point never resurrects a closed auction.
	if item.Active {
		item.Active = false
		if err := e.store.UpdateItem(ctx, item); err != nil {
			return err
		}
		e.audit(ctx, item.ID, "Closing auction item '%s'.", item.Name)
	}

	top, err := e.store.GetTopBid(ctx, item.ID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}
		top = nil
	}

	if top == nil {
		return e.unlockItem(ctx, item, room)
	}

	if !item.IsTransferred {
		if err := e.transferItem(ctx, item, room, top.UserID); err != nil {
			// Closing is one-way: a failed transfer is an operational
			// alert, not a reason to retry the whole auction.
			e.audit(ctx, item.ID, "Failed to transfer item '%s': %v.", item.Name, err)
			return err
		}
	}

	return e.distribute(ctx, item, room, top)
}

func (e *Engine) unlockItem(ctx context.Context, item *models.AuctionItem, room *models.AuctionRoom) error {
	e.audit(ctx, item.ID, "No bids for item '%s'. Unlocking.", item.Name)
	if room.UnlockWebhook.URL == "" {
		log.Printf("no unlock webhook for item '%s' (%s)", item.Name, item.ID)
		return nil
	}
	if err := e.custody.Unlock(ctx, room.UnlockWebhook, item.LockCode); err != nil {
		e.audit(ctx, item.ID, "Failed to unlock item '%s': %v.", item.Name, err)
		return fmt.Errorf("failed to unlock item '%s' (%s): %w", item.Name, item.ID, err)
	}
	e.audit(ctx, item.ID, "Item '%s' unlocked and returned to seller.", item.Name)
	return nil
}

func (e *Engine) transferItem(ctx context.Context, item *models.AuctionItem, room *models.AuctionRoom, newOwnerID int) error {
	e.audit(ctx, item.ID, "Preparing to transfer item '%s' to user %d.", item.Name, newOwnerID)
	if room.TransferWebhook.URL == "" {
		log.Printf("no transfer webhook for item '%s' (%s)", item.Name, item.ID)
		return nil
	}
	if err := e.custody.Transfer(ctx, room.TransferWebhook, item.LockCode, strconv.Itoa(newOwnerID)); err != nil {
		return err
	}
	item.IsTransferred = true
	if err := e.store.UpdateItem(ctx, item); err != nil {
		return err
	}
	e.audit(ctx, item.ID, "Item '%s' transferred to user %d.", item.Name, newOwnerID)
	return nil
}

// distribute splits the winning amount into the platform fee and the seller
// payout. Each leg is guarded by its own one-way flag so a retried
// distribution skips legs already paid instead of double-paying. The escrow
// wallet is torn down only after the seller has been paid.
func (e *Engine) distribute(ctx context.Context, item *models.AuctionItem, room *models.AuctionRoom, top *models.Bid) error {
	feeSat, payoutSat := pricing.SplitFee(top.AmountSat, room.FeePercentage)

	if !item.IsFeePaid {
		if feeSat <= 0 {
			item.IsFeePaid = true
			if err := e.store.UpdateItem(ctx, item); err != nil {
				return err
			}
		} else if err := e.payFee(ctx, item, room, feeSat); err != nil {
			e.audit(ctx, item.ID, "Failed to pay fee leg (%d sat): %v.", feeSat, err)
		} else {
			item.IsFeePaid = true
			if err := e.store.UpdateItem(ctx, item); err != nil {
				return err
			}
			e.audit(ctx, item.ID, "Fee leg paid: %d sat to room wallet.", feeSat)
		}
	}

	if !item.IsOwnerPaid {
		if e.paySeller(ctx, item, payoutSat) {
			item.IsOwnerPaid = true
			if err := e.store.UpdateItem(ctx, item); err != nil {
				return err
			}
			e.audit(ctx, item.ID, "Seller leg paid: %d sat.", payoutSat)
		} else {
			e.audit(ctx, item.ID, "Failed to pay seller leg (%d sat).", payoutSat)
		}
	}

	if item.IsOwnerPaid && item.WalletID != "" {
		if err := e.gateway.DeleteWallet(ctx, item.WalletID); err != nil {
			log.Printf("failed to remove escrow wallet for item '%s' (%s): %v", item.Name, item.ID, err)
		} else {
			item.WalletID = ""
			if err := e.store.UpdateItem(ctx, item); err != nil {
				return err
			}
			e.audit(ctx, item.ID, "Escrow wallet removed, item retired.")
		}
	}
	return nil
}

func (e *Engine) payFee(ctx context.Context, item *models.AuctionItem, room *models.AuctionRoom, feeSat int64) error {
	memo := fmt.Sprintf("Auction fee for item '%s' (%s): %d sat.", item.Name, item.ID, feeSat)
	invoice, err := e.gateway.CreateInvoice(ctx, room.WalletID, float64(feeSat), "sat", memo,
		gateway.Meta{Tag: Tag, ItemID: item.ID, RoomID: room.ID, IsFee: true})
	if err != nil {
		return err
	}
	return e.gateway.PayInvoice(ctx, item.WalletID, invoice.PaymentRequest,
		gateway.Meta{Tag: Tag, ItemID: item.ID, RoomID: room.ID, IsFee: true})
}

// paySeller pays the seller leg: external payout address first, internal
// wallet fallback, same two-channel scheme as refunds.
func (e *Engine) paySeller(ctx context.Context, item *models.AuctionItem, payoutSat int64) bool {
	if payoutSat <= 0 {
		return true
	}

	if item.PayoutAddress != "" {
		comment := fmt.Sprintf("Auction payout for %s (%s).", item.Name, item.ID)
		paymentRequest, err := e.resolver.PaymentRequest(ctx, item.PayoutAddress, payoutSat, comment)
		if err == nil {
			err = e.gateway.PayInvoice(ctx, item.WalletID, paymentRequest,
				gateway.Meta{Tag: Tag, ItemID: item.ID, IsPayout: true})
		}
		if err == nil {
			e.audit(ctx, item.ID, "Payout paid to %s.", item.PayoutAddress)
			return true
		}
		log.Printf("failed to pay seller of item '%s' (%s) via %s: %v", item.Name, item.ID, item.PayoutAddress, err)
	}

	walletID, err := e.gateway.GetUserWallet(ctx, item.UserID)
	if err != nil {
		log.Printf("no wallet for seller of item '%s' (%s): %v", item.Name, item.ID, err)
		return false
	}
	memo := fmt.Sprintf("Auction payout for '%s' (%s): %d sat.", item.Name, item.ID, payoutSat)
	invoice, err := e.gateway.CreateInvoice(ctx, walletID, float64(payoutSat), "sat", memo,
		gateway.Meta{Tag: Tag, ItemID: item.ID, IsPayout: true})
	if err == nil {
		err = e.gateway.PayInvoice(ctx, item.WalletID, invoice.PaymentRequest,
			gateway.Meta{Tag: Tag, ItemID: item.ID, IsPayout: true})
	}
	if err != nil {
		log.Printf("failed to pay seller of item '%s' (%s) to user wallet: %v", item.Name, item.ID, err)
		return false
	}
	return true
}
