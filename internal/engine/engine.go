package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/satbid/auctionhouse/internal/db"
	"github.com/satbid/auctionhouse/internal/gateway"
	"github.com/satbid/auctionhouse/internal/models"
	"github.com/satbid/auctionhouse/internal/pricing"

	"github.com/google/uuid"
)

// Tag marks gateway traffic as belonging to this engine
const Tag = "auctionhouse"

// Validation errors surfaced to the bid-placement caller
var (
	ErrItemClosed       = errors.New("auction closed")
	ErrBidTooLow        = errors.New("bid amount too low")
	ErrAlreadyTopBidder = errors.New("you are already the top bidder")
	ErrAuctionLive      = errors.New("auction is still live and has bids")
	ErrNotAllowed       = errors.New("not allowed")
)

// Store is the persistence surface the engine needs, satisfied by *db.DB
type Store interface {
	GetRoom(ctx context.Context, roomID string) (*models.AuctionRoom, error)
	GetItem(ctx context.Context, itemID string) (*models.AuctionItem, error)
	GetActiveItems(ctx context.Context) ([]models.AuctionItem, error)
	CreateItem(ctx context.Context, item *models.AuctionItem) (*models.AuctionItem, error)
	UpdateItem(ctx context.Context, item *models.AuctionItem) error
	CreateBid(ctx context.Context, bid *models.Bid) (*models.Bid, error)
	GetBidByPaymentHash(ctx context.Context, paymentHash string) (*models.Bid, error)
	GetTopBid(ctx context.Context, itemID string) (*models.Bid, error)
	CountItemBids(ctx context.Context, itemID string) (int, error)
	MarkBidPaid(ctx context.Context, bidID string) error
	OutbidOtherBids(ctx context.Context, itemID, winningBidID string) error
	CreateAuditEntry(ctx context.Context, itemID, message string) error
}

// Gateway creates invoices and executes outbound payments
type Gateway interface {
	CreateInvoice(ctx context.Context, walletID string, amount float64, currency, memo string, meta gateway.Meta) (*gateway.Invoice, error)
	PayInvoice(ctx context.Context, walletID, paymentRequest string, meta gateway.Meta) error
	CreateWallet(ctx context.Context, name string) (string, error)
	DeleteWallet(ctx context.Context, walletID string) error
	GetUserWallet(ctx context.Context, userID int) (string, error)
}

// Custody locks, unlocks and transfers the auctioned asset
type Custody interface {
	Lock(ctx context.Context, wh models.Webhook, transferCode string) (string, error)
	Unlock(ctx context.Context, wh models.Webhook, lockCode string) error
	Transfer(ctx context.Context, wh models.Webhook, lockCode, newOwnerID string) error
}

// AddressResolver resolves an external payout address to a payment request
type AddressResolver interface {
	PaymentRequest(ctx context.Context, address string, amountSat int64, comment string) (string, error)
}

// RoomCache caches room configuration, invalidated on every room mutation
type RoomCache interface {
	GetRoom(ctx context.Context, roomID string) (*models.AuctionRoom, error)
	SetRoom(ctx context.Context, room *models.AuctionRoom) error
	Invalidate(ctx context.Context, roomID string) error
}

// Notifier pushes new-bid events to live observers
type Notifier interface {
	NotifyNewBid(item *models.AuctionItem, bid *models.Bid)
}

// Engine orchestrates bid acceptance, payment reconciliation, auction closing
// and fund distribution. It is the sole writer of auction-item and bid state
// transitions.
type Engine struct {
	store    Store
	gateway  Gateway
	custody  Custody
	resolver AddressResolver
	cache    RoomCache
	notifier Notifier

	// itemLocks serializes the read-modify-write of the current winning bid
	// per item, so promote/refund decisions are atomic.
	mu        sync.Mutex
	itemLocks map[string]*sync.Mutex
}

// NewEngine creates a new settlement engine. cache and notifier may be nil.
func NewEngine(store Store, gw Gateway, custody Custody, resolver AddressResolver, cache RoomCache, notifier Notifier) *Engine {
	return &Engine{
		store:     store,
		gateway:   gw,
		custody:   custody,
		resolver:  resolver,
		cache:     cache,
		notifier:  notifier,
		itemLocks: make(map[string]*sync.Mutex),
	}
}

// lockItem acquires the per-item mutex and returns the unlock function
func (e *Engine) lockItem(itemID string) func() {
	e.mu.Lock()
	lock, ok := e.itemLocks[itemID]
	if !ok {
		lock = &sync.Mutex{}
		e.itemLocks[itemID] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// audit appends an engine decision to the item's audit trail. Audit failures
// are logged, never propagated: losing one trail entry must not abort a
// settlement step.
func (e *Engine) audit(ctx context.Context, itemID, format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	log.Printf("item %s: %s", itemID, message)
	if err := e.store.CreateAuditEntry(ctx, itemID, message); err != nil {
		log.Printf("failed to write audit entry for item %s: %v", itemID, err)
	}
}

// Room returns the auction room, going through the cache when present
func (e *Engine) Room(ctx context.Context, roomID string) (*models.AuctionRoom, error) {
	if e.cache != nil {
		room, err := e.cache.GetRoom(ctx, roomID)
		if err != nil {
			log.Printf("room cache read failed for %s: %v", roomID, err)
		} else if room != nil {
			return room, nil
		}
	}
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.SetRoom(ctx, room); err != nil {
			log.Printf("room cache write failed for %s: %v", roomID, err)
		}
	}
	return room, nil
}

// InvalidateRoom drops a room from the cache after a mutation
func (e *Engine) InvalidateRoom(ctx context.Context, roomID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, roomID); err != nil {
		log.Printf("room cache invalidation failed for %s: %v", roomID, err)
	}
}

// DecorateItem fills the derived fields of an item: currency, current price
// in sats, bid count, time left and the next minimum bid. An item whose time
// has run out is reported inactive regardless of its stored flag, so callers
// racing with the sweeper never accept a late bid.
func (e *Engine) DecorateItem(ctx context.Context, item *models.AuctionItem) error {
	room, err := e.Room(ctx, item.RoomID)
	if err != nil {
		return fmt.Errorf("no auction room %s for item %s: %w", item.RoomID, item.ID, err)
	}
	item.Currency = room.Currency

	if top, err := e.store.GetTopBid(ctx, item.ID); err == nil {
		item.CurrentPrice = top.Amount
		item.CurrentPriceSat = top.AmountSat
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	count, err := e.store.CountItemBids(ctx, item.ID)
	if err != nil {
		return err
	}
	item.BidCount = count

	left := pricing.TimeLeft(item.ExpiresAt, time.Now())
	item.TimeLeftSeconds = int64(left.Seconds())
	if left == 0 {
		item.Active = false
		return nil
	}
	item.NextMinBid = pricing.NextMinBid(item.AskPrice, item.CurrentPrice, room.MinBidUpPercentage)
	return nil
}

// ListItem lists a new item in a room: locks the asset with the custody
// service, creates the per-item escrow wallet and persists the item.
func (e *Engine) ListItem(ctx context.Context, room *models.AuctionRoom, userID int, data models.CreateItemData) (*models.AuctionItem, error) {
	item := &models.AuctionItem{
		ID:            uuid.NewString(),
		RoomID:        room.ID,
		UserID:        userID,
		Name:          data.Name,
		Description:   data.Description,
		AskPrice:      data.AskPrice,
		TransferCode:  data.TransferCode,
		PayoutAddress: data.PayoutAddress,
		Active:        true,
		ExpiresAt:     time.Now().Add(time.Duration(room.Days) * 24 * time.Hour),
	}

	if room.LockWebhook.URL == "" {
		log.Printf("no lock webhook for auction room %s", room.ID)
	} else {
		lockCode, err := e.custody.Lock(ctx, room.LockWebhook, data.TransferCode)
		if err != nil {
			return nil, fmt.Errorf("failed to lock item '%s': %w", data.Name, err)
		}
		item.LockCode = lockCode
	}

	walletID, err := e.gateway.CreateWallet(ctx, "escrow: "+item.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow wallet for item '%s': %w", data.Name, err)
	}
	item.WalletID = walletID

	created, err := e.store.CreateItem(ctx, item)
	if err != nil {
		return nil, err
	}
	e.audit(ctx, created.ID, "Item '%s' listed in room %s. Ask price: %.2f %s. Expires: %s.",
		created.Name, room.ID, created.AskPrice, room.Currency, created.ExpiresAt.Format(time.RFC3339))
	return created, nil
}

// PlaceBid validates a bid request and reserves the bidder's intent: an
// invoice is created on the item's escrow wallet and a Bid row with
// paid=false is stored. No funds move and no auction state changes here.
func (e *Engine) PlaceBid(ctx context.Context, userID int, itemID string, req models.BidRequest) (*models.BidResponse, error) {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrItemClosed
		}
		return nil, err
	}
	if err := e.DecorateItem(ctx, item); err != nil {
		return nil, err
	}
	if !item.Active {
		return nil, ErrItemClosed
	}
	if req.Amount < item.NextMinBid {
		return nil, fmt.Errorf("%w: next min bid is %.2f %s", ErrBidTooLow, item.NextMinBid, item.Currency)
	}

	top, err := e.store.GetTopBid(ctx, itemID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if top != nil && top.UserID == userID {
		return nil, ErrAlreadyTopBidder
	}

	room, err := e.Room(ctx, item.RoomID)
	if err != nil {
		return nil, fmt.Errorf("no auction room %s for item %s: %w", item.RoomID, item.ID, err)
	}

	memo := fmt.Sprintf("Auction Bid. Item: %s/%s. Amount: %.2f %s",
		room.Name, item.Name, req.Amount, room.Currency)
	invoice, err := e.gateway.CreateInvoice(ctx, item.WalletID, req.Amount, room.Currency, memo,
		gateway.Meta{Tag: Tag, ItemID: item.ID, RoomID: room.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	bid := &models.Bid{
		ID:          uuid.NewString(),
		ItemID:      item.ID,
		UserID:      userID,
		Amount:      req.Amount,
		Currency:    room.Currency,
		AmountSat:   invoice.AmountSat,
		PaymentHash: invoice.PaymentHash,
		Memo:        req.Memo,
		LnAddress:   req.LnAddress,
	}
	created, err := e.store.CreateBid(ctx, bid)
	if err != nil {
		return nil, err
	}

	e.audit(ctx, item.ID, "Bid '%s' (%s) placed. Amount: %.2f %s (%d sat). Awaiting payment %s.",
		created.Memo, created.ID, created.Amount, created.Currency, created.AmountSat, created.PaymentHash)

	return &models.BidResponse{
		ID:             created.ID,
		PaymentHash:    invoice.PaymentHash,
		PaymentRequest: invoice.PaymentRequest,
	}, nil
}
