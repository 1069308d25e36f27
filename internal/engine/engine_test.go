package engine

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/satbid/auctionhouse/internal/db"
	"github.com/satbid/auctionhouse/internal/gateway"
	"github.com/satbid/auctionhouse/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store mirroring the one-way update semantics of
// the SQL layer.
type fakeStore struct {
	rooms map[string]models.AuctionRoom
	items map[string]models.AuctionItem
	bids  map[string]models.Bid
	audit []models.AuditEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms: make(map[string]models.AuctionRoom),
		items: make(map[string]models.AuctionItem),
		bids:  make(map[string]models.Bid),
	}
}

func (s *fakeStore) GetRoom(_ context.Context, roomID string) (*models.AuctionRoom, error) {
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &room, nil
}

func (s *fakeStore) GetItem(_ context.Context, itemID string) (*models.AuctionItem, error) {
	item, ok := s.items[itemID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &item, nil
}

func (s *fakeStore) GetActiveItems(_ context.Context) ([]models.AuctionItem, error) {
	var items []models.AuctionItem
	for _, item := range s.items {
		if item.Active {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *fakeStore) CreateItem(_ context.Context, item *models.AuctionItem) (*models.AuctionItem, error) {
	stored := *item
	stored.Active = true
	s.items[item.ID] = stored
	return &stored, nil
}

func (s *fakeStore) UpdateItem(_ context.Context, item *models.AuctionItem) error {
	stored, ok := s.items[item.ID]
	if !ok {
		return db.ErrNotFound
	}
	stored.CurrentPrice = item.CurrentPrice
	stored.Active = stored.Active && item.Active
	stored.WalletID = item.WalletID
	stored.LockCode = item.LockCode
	stored.PayoutAddress = item.PayoutAddress
	stored.IsFeePaid = stored.IsFeePaid || item.IsFeePaid
	stored.IsOwnerPaid = stored.IsOwnerPaid || item.IsOwnerPaid
	stored.IsTransferred = stored.IsTransferred || item.IsTransferred
	s.items[item.ID] = stored
	return nil
}

func (s *fakeStore) CreateBid(_ context.Context, bid *models.Bid) (*models.Bid, error) {
	stored := *bid
	stored.CreatedAt = time.Now()
	s.bids[bid.ID] = stored
	return &stored, nil
}

func (s *fakeStore) GetBidByPaymentHash(_ context.Context, paymentHash string) (*models.Bid, error) {
	for _, bid := range s.bids {
		if bid.PaymentHash == paymentHash {
			b := bid
			return &b, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) GetTopBid(_ context.Context, itemID string) (*models.Bid, error) {
	var winners []models.Bid
	for _, bid := range s.bids {
		if bid.ItemID == itemID && bid.Paid && !bid.HigherBidMade {
			winners = append(winners, bid)
		}
	}
	if len(winners) == 0 {
		return nil, db.ErrNotFound
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i].Amount > winners[j].Amount })
	return &winners[0], nil
}

func (s *fakeStore) CountItemBids(_ context.Context, itemID string) (int, error) {
	count := 0
	for _, bid := range s.bids {
		if bid.ItemID == itemID {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) MarkBidPaid(_ context.Context, bidID string) error {
	bid, ok := s.bids[bidID]
	if !ok {
		return db.ErrNotFound
	}
	bid.Paid = true
	s.bids[bidID] = bid
	return nil
}

func (s *fakeStore) OutbidOtherBids(_ context.Context, itemID, winningBidID string) error {
	for id, bid := range s.bids {
		if bid.ItemID == itemID && id != winningBidID {
			bid.HigherBidMade = true
			s.bids[id] = bid
		}
	}
	return nil
}

func (s *fakeStore) CreateAuditEntry(_ context.Context, itemID, message string) error {
	s.audit = append(s.audit, models.AuditEntry{ItemID: itemID, Message: message, CreatedAt: time.Now()})
	return nil
}

// winnerCount returns how many bids on the item currently hold the win
func (s *fakeStore) winnerCount(itemID string) int {
	count := 0
	for _, bid := range s.bids {
		if bid.ItemID == itemID && bid.Paid && !bid.HigherBidMade {
			count++
		}
	}
	return count
}

type invoiceCall struct {
	WalletID string
	Amount   float64
	Currency string
	Meta     gateway.Meta
}

type payCall struct {
	WalletID       string
	PaymentRequest string
	Meta           gateway.Meta
}

// fakeGateway records all funds movement; amounts convert 1:1 to sats
type fakeGateway struct {
	invoices       []invoiceCall
	payments       []payCall
	userWallets    map[int]string
	deletedWallets []string
	nextHash       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{userWallets: make(map[int]string)}
}

func (g *fakeGateway) CreateInvoice(_ context.Context, walletID string, amount float64, currency, _ string, meta gateway.Meta) (*gateway.Invoice, error) {
	g.nextHash++
	g.invoices = append(g.invoices, invoiceCall{walletID, amount, currency, meta})
	return &gateway.Invoice{
		PaymentHash:    fmt.Sprintf("hash-%d", g.nextHash),
		PaymentRequest: fmt.Sprintf("lnbc-request-%d", g.nextHash),
		AmountSat:      int64(amount),
	}, nil
}

func (g *fakeGateway) PayInvoice(_ context.Context, walletID, paymentRequest string, meta gateway.Meta) error {
	g.payments = append(g.payments, payCall{walletID, paymentRequest, meta})
	return nil
}

func (g *fakeGateway) CreateWallet(_ context.Context, _ string) (string, error) {
	return "wallet-new", nil
}

func (g *fakeGateway) DeleteWallet(_ context.Context, walletID string) error {
	g.deletedWallets = append(g.deletedWallets, walletID)
	return nil
}

func (g *fakeGateway) GetUserWallet(_ context.Context, userID int) (string, error) {
	wallet, ok := g.userWallets[userID]
	if !ok {
		return "", fmt.Errorf("no wallet found for user %d", userID)
	}
	return wallet, nil
}

func (g *fakeGateway) paymentsWith(filter func(gateway.Meta) bool) []payCall {
	var out []payCall
	for _, p := range g.payments {
		if filter(p.Meta) {
			out = append(out, p)
		}
	}
	return out
}

type fakeCustody struct {
	lockCode     string
	lockErr      error
	unlockErr    error
	transferErr  error
	unlockCalls  []string
	transfers    []string
	transferOwn  []string
}

func (c *fakeCustody) Lock(_ context.Context, _ models.Webhook, _ string) (string, error) {
	if c.lockErr != nil {
		return "", c.lockErr
	}
	return c.lockCode, nil
}

func (c *fakeCustody) Unlock(_ context.Context, _ models.Webhook, lockCode string) error {
	if c.unlockErr != nil {
		return c.unlockErr
	}
	c.unlockCalls = append(c.unlockCalls, lockCode)
	return nil
}

func (c *fakeCustody) Transfer(_ context.Context, _ models.Webhook, lockCode, newOwnerID string) error {
	if c.transferErr != nil {
		return c.transferErr
	}
	c.transfers = append(c.transfers, lockCode)
	c.transferOwn = append(c.transferOwn, newOwnerID)
	return nil
}

type fakeResolver struct {
	paymentRequest string
	err            error
}

func (r *fakeResolver) PaymentRequest(_ context.Context, _ string, _ int64, _ string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.paymentRequest, nil
}

type fixture struct {
	store    *fakeStore
	gateway  *fakeGateway
	custody  *fakeCustody
	resolver *fakeResolver
	engine   *Engine
	room     *models.AuctionRoom
	item     *models.AuctionItem
}

func newFixture(t *testing.T, roomType string) *fixture {
	t.Helper()
	store := newFakeStore()
	gw := newFakeGateway()
	cust := &fakeCustody{lockCode: "lock-code-1"}
	resolver := &fakeResolver{paymentRequest: "lnbc-resolved"}

	room := models.AuctionRoom{
		ID:                 "room-1",
		UserID:             1,
		WalletID:           "room-wallet",
		Name:               "Test Room",
		Currency:           "EUR",
		Type:               roomType,
		FeePercentage:      10,
		MinBidUpPercentage: 10,
		Days:               7,
	}
	store.rooms[room.ID] = room

	item := models.AuctionItem{
		ID:           "item-1",
		RoomID:       room.ID,
		UserID:       1,
		Name:         "Test Item",
		AskPrice:     100,
		Active:       true,
		WalletID:     "escrow-wallet",
		LockCode:     "lock-code-1",
		TransferCode: "transfer-code-1",
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	store.items[item.ID] = item

	eng := NewEngine(store, gw, cust, resolver, nil, nil)
	return &fixture{store: store, gateway: gw, custody: cust, resolver: resolver,
		engine: eng, room: &room, item: &item}
}

// placePaidBid places a bid and settles its payment notification
func (f *fixture) placePaidBid(t *testing.T, userID int, amount float64, lnAddress string) *models.BidResponse {
	t.Helper()
	resp, err := f.engine.PlaceBid(context.Background(), userID, f.item.ID, models.BidRequest{
		Amount:    amount,
		Memo:      fmt.Sprintf("bid by user %d", userID),
		LnAddress: lnAddress,
	})
	require.NoError(t, err)

	err = f.engine.HandlePayment(context.Background(), models.PaymentNotification{
		PaymentHash: resp.PaymentHash,
		AmountSat:   int64(amount),
		Tag:         Tag,
	})
	require.NoError(t, err)
	return resp
}

func TestPlaceBid_Validation(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	ctx := context.Background()

	t.Run("UnknownItem", func(t *testing.T) {
		_, err := f.engine.PlaceBid(ctx, 2, "no-such-item", models.BidRequest{Amount: 100, Memo: "x"})
		assert.ErrorIs(t, err, ErrItemClosed)
	})

	t.Run("BelowAskPrice", func(t *testing.T) {
		_, err := f.engine.PlaceBid(ctx, 2, f.item.ID, models.BidRequest{Amount: 99.99, Memo: "x"})
		assert.ErrorIs(t, err, ErrBidTooLow)
	})

	t.Run("AtAskPrice", func(t *testing.T) {
		resp, err := f.engine.PlaceBid(ctx, 2, f.item.ID, models.BidRequest{Amount: 100, Memo: "x"})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.PaymentHash)
		assert.NotEmpty(t, resp.PaymentRequest)

		// placement alone moves no funds and changes no state
		assert.Empty(t, f.gateway.payments)
		item, err := f.store.GetItem(ctx, f.item.ID)
		require.NoError(t, err)
		assert.Zero(t, item.CurrentPrice)
	})

	t.Run("ExpiredItem", func(t *testing.T) {
		expired := f.store.items[f.item.ID]
		expired.ID = "item-expired"
		expired.ExpiresAt = time.Now().Add(-time.Minute)
		f.store.items[expired.ID] = expired

		_, err := f.engine.PlaceBid(ctx, 2, expired.ID, models.BidRequest{Amount: 500, Memo: "x"})
		assert.ErrorIs(t, err, ErrItemClosed)
	})
}

func TestPlaceBid_AlreadyTopBidder(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	f.gateway.userWallets[2] = "user2-wallet"

	f.placePaidBid(t, 2, 100, "")

	_, err := f.engine.PlaceBid(context.Background(), 2, f.item.ID, models.BidRequest{Amount: 200, Memo: "again"})
	assert.ErrorIs(t, err, ErrAlreadyTopBidder)

	// a different bidder above the minimum is fine
	_, err = f.engine.PlaceBid(context.Background(), 3, f.item.ID, models.BidRequest{Amount: 110, Memo: "other"})
	assert.NoError(t, err)
}

func TestHandlePayment_PromotesFirstBid(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	ctx := context.Background()

	f.placePaidBid(t, 2, 100, "")

	item, err := f.store.GetItem(ctx, f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(100), item.CurrentPrice)
	assert.True(t, item.Active)

	top, err := f.store.GetTopBid(ctx, f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, top.UserID)
	assert.True(t, top.Paid)

	require.NoError(t, f.engine.DecorateItem(ctx, item))
	assert.Equal(t, float64(110), item.NextMinBid)
}

func TestHandlePayment_HigherBidRefundsPreviousWinner(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	f.gateway.userWallets[2] = "user2-wallet"
	ctx := context.Background()

	first := f.placePaidBid(t, 2, 100, "")
	f.placePaidBid(t, 3, 150, "")

	// previous winner refunded to their internal wallet from the escrow
	refunds := f.gateway.paymentsWith(func(m gateway.Meta) bool { return m.IsRefund })
	require.Len(t, refunds, 1)
	assert.Equal(t, "escrow-wallet", refunds[0].WalletID)

	firstBid, err := f.store.GetBidByPaymentHash(ctx, first.PaymentHash)
	require.NoError(t, err)
	assert.True(t, firstBid.Paid)
	assert.True(t, firstBid.HigherBidMade)

	top, err := f.store.GetTopBid(ctx, f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, top.UserID)
	assert.Equal(t, float64(150), top.Amount)

	assert.Equal(t, 1, f.store.winnerCount(f.item.ID))

	item, err := f.store.GetItem(ctx, f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(150), item.CurrentPrice)
	require.NoError(t, f.engine.DecorateItem(ctx, item))
	assert.Equal(t, float64(165), item.NextMinBid)
}

func TestHandlePayment_EqualAmountLosesRace(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	f.gateway.userWallets[3] = "user3-wallet"
	ctx := context.Background()

	// both bids placed before either settles, same amount
	first, err := f.engine.PlaceBid(ctx, 2, f.item.ID, models.BidRequest{Amount: 120, Memo: "first"})
	require.NoError(t, err)
	second, err := f.engine.PlaceBid(ctx, 3, f.item.ID, models.BidRequest{Amount: 120, Memo: "tie"})
	require.NoError(t, err)

	// first payment to settle wins; the tie settling later must be refunded
	require.NoError(t, f.engine.HandlePayment(ctx, models.PaymentNotification{
		PaymentHash: first.PaymentHash,
		AmountSat:   120,
		Tag:         Tag,
	}))
	require.NoError(t, f.engine.HandlePayment(ctx, models.PaymentNotification{
		PaymentHash: second.PaymentHash,
		AmountSat:   120,
		Tag:         Tag,
	}))

	top, err := f.store.GetTopBid(ctx, f.item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, top.UserID)
	assert.Equal(t, 1, f.store.winnerCount(f.item.ID))

	refunds := f.gateway.paymentsWith(func(m gateway.Meta) bool { return m.IsRefund })
	assert.Len(t, refunds, 1)
}

func TestHandlePayment_AmountMismatchIsRefunded(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	f.gateway.userWallets[2] = "user2-wallet"
	ctx := context.Background()

	resp, err := f.engine.PlaceBid(ctx, 2, f.item.ID, models.BidRequest{Amount: 100, Memo: "short pay"})
	require.NoError(t, err)

	require.NoError(t, f.engine.HandlePayment(ctx, models.PaymentNotification{
		PaymentHash: resp.PaymentHash,
		AmountSat:   90,
		Tag:         Tag,
	}))

	bid, err := f.store.GetBidByPaymentHash(ctx, resp.PaymentHash)
	require.NoError(t, err)
	assert.False(t, bid.Paid, "mismatched payment must never be promoted")

	refunds := f.gateway.paymentsWith(func(m gateway.Meta) bool { return m.IsRefund })
	assert.Len(t, refunds, 1)

	item, err := f.store.GetItem(ctx, f.item.ID)
	require.NoError(t, err)
	assert.Zero(t, item.CurrentPrice, "auction state unchanged")
}

func TestHandlePayment_UnknownInvoiceIsDropped(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)

	err := f.engine.HandlePayment(context.Background(), models.PaymentNotification{
		PaymentHash: "never-seen",
		AmountSat:   100,
		Tag:         Tag,
	})
	assert.NoError(t, err)
	assert.Empty(t, f.gateway.payments)
}

func TestHandlePayment_IgnoresForeignAndOwnLegs(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	ctx := context.Background()

	resp, err := f.engine.PlaceBid(ctx, 2, f.item.ID, models.BidRequest{Amount: 100, Memo: "x"})
	require.NoError(t, err)

	for _, pay := range []models.PaymentNotification{
		{PaymentHash: resp.PaymentHash, AmountSat: 100, Tag: "other-extension"},
		{PaymentHash: resp.PaymentHash, AmountSat: 100, Tag: Tag, IsRefund: true},
		{PaymentHash: resp.PaymentHash, AmountSat: 100, Tag: Tag, IsFee: true},
		{PaymentHash: resp.PaymentHash, AmountSat: 100, Tag: Tag, IsPayout: true},
	} {
		require.NoError(t, f.engine.HandlePayment(ctx, pay))
	}

	bid, err := f.store.GetBidByPaymentHash(ctx, resp.PaymentHash)
	require.NoError(t, err)
	assert.False(t, bid.Paid)
}

func TestRefund_FallsBackToUserWallet(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	f.gateway.userWallets[2] = "user2-wallet"
	f.resolver.err = fmt.Errorf("unreachable domain")

	f.placePaidBid(t, 2, 100, "alice@ln.example.com")
	// outbid the address-carrying winner to force a refund
	f.placePaidBid(t, 3, 150, "")

	// the fallback creates an invoice on the bidder's wallet and pays it
	// from escrow
	require.Len(t, f.gateway.invoices, 3) // two bid invoices + one refund invoice
	refundInvoice := f.gateway.invoices[2]
	assert.Equal(t, "user2-wallet", refundInvoice.WalletID)
	assert.True(t, refundInvoice.Meta.IsRefund)

	refunds := f.gateway.paymentsWith(func(m gateway.Meta) bool { return m.IsRefund })
	require.Len(t, refunds, 1)
	assert.Equal(t, "escrow-wallet", refunds[0].WalletID)
}

func TestRefund_UsesLnAddressWhenResolvable(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)

	f.placePaidBid(t, 2, 100, "alice@ln.example.com")
	f.placePaidBid(t, 3, 150, "")

	refunds := f.gateway.paymentsWith(func(m gateway.Meta) bool { return m.IsRefund })
	require.Len(t, refunds, 1)
	assert.Equal(t, "lnbc-resolved", refunds[0].PaymentRequest)
	assert.Equal(t, "escrow-wallet", refunds[0].WalletID)
}

func TestCloseItem_NoBidsUnlocks(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	f.room.UnlockWebhook = models.Webhook{Method: "POST", URL: "https://custody.example.com/unlock"}
	f.store.rooms[f.room.ID] = *f.room
	ctx := context.Background()

	require.NoError(t, f.engine.CloseItem(ctx, f.item.ID))

	item, err := f.store.GetItem(ctx, f.item.ID)
	require.NoError(t, err)
	assert.False(t, item.Active)
	assert.Equal(t, []string{"lock-code-1"}, f.custody.unlockCalls)
	assert.Empty(t, f.gateway.payments, "no distribution without a winner")
	assert.Empty(t, f.custody.transfers)
}

func TestCloseItem_WinnerTransferAndDistribution(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	f.room.TransferWebhook = models.Webhook{Method: "POST", URL: "https://custody.example.com/transfer"}
	f.store.rooms[f.room.ID] = *f.room
	f.gateway.userWallets[1] = "seller-wallet"
	ctx := context.Background()

	f.placePaidBid(t, 2, 1000, "")

	require.NoError(t, f.engine.CloseItem(ctx, f.item.ID))

	item, err := f.store.GetItem(ctx, f.item.ID)
	require.NoError(t, err)
	assert.False(t, item.Active)
	assert.True(t, item.IsTransferred)
	assert.True(t, item.IsFeePaid)
	assert.True(t, item.IsOwnerPaid)

	assert.Equal(t, []string{"lock-code-1"}, f.custody.transfers)
	assert.Equal(t, []string{"2"}, f.custody.transferOwn)

	// fee leg: 10% of 1000 sat to the room wallet
	fees := f.gateway.paymentsWith(func(m gateway.Meta) bool { return m.IsFee })
	require.Len(t, fees, 1)
	var feeInvoice *invoiceCall
	for i := range f.gateway.invoices {
		if f.gateway.invoices[i].Meta.IsFee {
			feeInvoice = &f.gateway.invoices[i]
		}
	}
	require.NotNil(t, feeInvoice)
	assert.Equal(t, "room-wallet", feeInvoice.WalletID)
	assert.Equal(t, float64(100), feeInvoice.Amount)

	// seller leg: remaining 900 sat
	payouts := f.gateway.paymentsWith(func(m gateway.Meta) bool { return m.IsPayout })
	require.Len(t, payouts, 1)
	var payoutInvoice *invoiceCall
	for i := range f.gateway.invoices {
		if f.gateway.invoices[i].Meta.IsPayout {
			payoutInvoice = &f.gateway.invoices[i]
		}
	}
	require.NotNil(t, payoutInvoice)
	assert.Equal(t, "seller-wallet", payoutInvoice.WalletID)
	assert.Equal(t, float64(900), payoutInvoice.Amount)

	// escrow torn down only after the seller was paid
	assert.Equal(t, []string{"escrow-wallet"}, f.gateway.deletedWallets)
}

func TestCloseItem_SecondInvocationPaysNothing(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	f.gateway.userWallets[1] = "seller-wallet"
	ctx := context.Background()

	f.placePaidBid(t, 2, 1000, "")
	require.NoError(t, f.engine.CloseItem(ctx, f.item.ID))

	paymentsBefore := len(f.gateway.payments)
	invoicesBefore := len(f.gateway.invoices)
	deletesBefore := len(f.gateway.deletedWallets)

	require.NoError(t, f.engine.CloseItem(ctx, f.item.ID))

	assert.Equal(t, paymentsBefore, len(f.gateway.payments))
	assert.Equal(t, invoicesBefore, len(f.gateway.invoices))
	assert.Equal(t, deletesBefore, len(f.gateway.deletedWallets))
}

func TestCloseItem_TransferFailureKeepsItemClosed(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	f.room.TransferWebhook = models.Webhook{Method: "POST", URL: "https://custody.example.com/transfer"}
	f.store.rooms[f.room.ID] = *f.room
	f.custody.transferErr = fmt.Errorf("custody unreachable")
	ctx := context.Background()

	f.placePaidBid(t, 2, 1000, "")

	err := f.engine.CloseItem(ctx, f.item.ID)
	assert.Error(t, err)

	item, getErr := f.store.GetItem(ctx, f.item.ID)
	require.NoError(t, getErr)
	assert.False(t, item.Active, "closing is one-way, even on transfer failure")
	assert.False(t, item.IsTransferred)
	assert.Empty(t, f.gateway.paymentsWith(func(m gateway.Meta) bool { return m.IsFee || m.IsPayout }),
		"no distribution after failed transfer")
}

func TestManualClose(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	ctx := context.Background()

	t.Run("StrangerNotAllowed", func(t *testing.T) {
		err := f.engine.ManualClose(ctx, 99, f.item.ID)
		assert.ErrorIs(t, err, ErrNotAllowed)
	})

	t.Run("LiveAuctionWithBidsRefused", func(t *testing.T) {
		f.placePaidBid(t, 2, 100, "")
		err := f.engine.ManualClose(ctx, 1, f.item.ID)
		assert.ErrorIs(t, err, ErrAuctionLive)
	})

	t.Run("NoBidsAllowed", func(t *testing.T) {
		other := f.store.items[f.item.ID]
		other.ID = "item-2"
		other.ExpiresAt = time.Now().Add(time.Hour)
		f.store.items[other.ID] = other

		require.NoError(t, f.engine.ManualClose(ctx, 1, other.ID))
		closed, err := f.store.GetItem(ctx, other.ID)
		require.NoError(t, err)
		assert.False(t, closed.Active)
	})
}

func TestFixedPriceRoom_FirstPaymentCloses(t *testing.T) {
	f := newFixture(t, models.RoomTypeFixedPrice)
	f.room.Type = models.RoomTypeFixedPrice
	f.room.MinBidUpPercentage = 0
	f.store.rooms[f.room.ID] = *f.room
	f.gateway.userWallets[1] = "seller-wallet"
	ctx := context.Background()

	f.placePaidBid(t, 2, 100, "")

	item, err := f.store.GetItem(ctx, f.item.ID)
	require.NoError(t, err)
	assert.False(t, item.Active, "fixed-price sale closes on first settled payment")
	assert.True(t, item.IsFeePaid)
	assert.True(t, item.IsOwnerPaid)
}

func TestExpirySweep(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	ctx := context.Background()

	expired := f.store.items[f.item.ID]
	expired.ID = "item-expired"
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	f.store.items[expired.ID] = expired

	f.engine.CheckExpiredAuctions(ctx)

	closed, err := f.store.GetItem(ctx, expired.ID)
	require.NoError(t, err)
	assert.False(t, closed.Active)

	live, err := f.store.GetItem(ctx, f.item.ID)
	require.NoError(t, err)
	assert.True(t, live.Active, "sweep must not touch live auctions")
}

func TestAuditTrailRecordsDecisions(t *testing.T) {
	f := newFixture(t, models.RoomTypeAuction)
	f.gateway.userWallets[2] = "user2-wallet"

	f.placePaidBid(t, 2, 100, "")
	f.placePaidBid(t, 3, 150, "")
	require.NoError(t, f.engine.CloseItem(context.Background(), f.item.ID))

	require.NotEmpty(t, f.store.audit)
	for _, entry := range f.store.audit {
		assert.Equal(t, f.item.ID, entry.ItemID)
	}
}
