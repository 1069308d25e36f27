package models

import (
	"fmt"
	"strings"
	"time"
)

const (
	RoomTypeAuction    = "auction"
	RoomTypeFixedPrice = "fixed_price"
)

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Webhook is the custody webhook configuration for a room. Body values may
// contain the placeholders {transfer_code}, {lock_code} and {new_owner_id},
// substituted when the request is built.
type Webhook struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]string `json:"body,omitempty"`
}

// AuctionRoom groups auction items under shared fee/duration/webhook policy
type AuctionRoom struct {
	ID                 string    `json:"id"`
	UserID             int       `json:"user_id"`
	WalletID           string    `json:"wallet_id"`
	Name               string    `json:"name"`
	Description        string    `json:"description"`
	Currency           string    `json:"currency"`
	Type               string    `json:"type"`
	FeePercentage      float64   `json:"fee_percentage"`
	MinBidUpPercentage float64   `json:"min_bid_up_percentage"`
	Days               int       `json:"days"`
	IsOpenRoom         bool      `json:"is_open_room"`
	LockWebhook        Webhook   `json:"lock_webhook"`
	UnlockWebhook      Webhook   `json:"unlock_webhook"`
	TransferWebhook    Webhook   `json:"transfer_webhook"`
	CreatedAt          time.Time `json:"created_at"`
}

func (r *AuctionRoom) IsAuction() bool {
	return r.Type == RoomTypeAuction
}

func (r *AuctionRoom) IsFixedPrice() bool {
	return r.Type == RoomTypeFixedPrice
}

// AuctionItem is a single listed asset. WalletID is the per-item escrow
// account holding bid funds until distribution. Active flips to false exactly
// once, when the item is closed; it never reverts.
type AuctionItem struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"room_id"`
	UserID        int       `json:"user_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	AskPrice      float64   `json:"ask_price"`
	CurrentPrice  float64   `json:"current_price"`
	Active        bool      `json:"active"`
	WalletID      string    `json:"-"`
	TransferCode  string    `json:"-"`
	LockCode      string    `json:"-"`
	PayoutAddress string    `json:"-"`
	IsFeePaid     bool      `json:"-"`
	IsOwnerPaid   bool      `json:"-"`
	IsTransferred bool      `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`

	// Derived fields, not stored
	Currency        string  `json:"currency,omitempty"`
	CurrentPriceSat int64   `json:"current_price_sat,omitempty"`
	NextMinBid      float64 `json:"next_min_bid,omitempty"`
	TimeLeftSeconds int64   `json:"time_left_seconds"`
	BidCount        int     `json:"bid_count"`
}

// Bid is a single bid on an item. The unique bid with paid=true and
// higher_bid_made=false is the current winner. Bids are never deleted.
type Bid struct {
	ID            string    `json:"id"`
	ItemID        string    `json:"item_id"`
	UserID        int       `json:"user_id"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	AmountSat     int64     `json:"amount_sat"`
	PaymentHash   string    `json:"-"`
	Paid          bool      `json:"paid"`
	HigherBidMade bool      `json:"higher_bid_made"`
	Memo          string    `json:"memo"`
	LnAddress     string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditEntry is an append-only record of an engine decision for one item
type AuditEntry struct {
	ID        int64     `json:"id"`
	ItemID    string    `json:"item_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentNotification is the gateway's asynchronous payment-settled event.
// Refund/fee/payout legs are tagged so the consumer can skip them instead of
// reconciling the engine's own outbound payments as new bids.
type PaymentNotification struct {
	PaymentHash string `json:"payment_hash"`
	AmountSat   int64  `json:"amount_sat"`
	Tag         string `json:"tag"`
	IsRefund    bool   `json:"is_refund,omitempty"`
	IsFee       bool   `json:"is_fee,omitempty"`
	IsPayout    bool   `json:"is_payout,omitempty"`
}

// CreateRoomData is the payload for creating an auction room
type CreateRoomData struct {
	Name               string  `json:"name"`
	Description        string  `json:"description"`
	Currency           string  `json:"currency"`
	Type               string  `json:"type"`
	FeePercentage      float64 `json:"fee_percentage"`
	MinBidUpPercentage float64 `json:"min_bid_up_percentage"`
	Days               int     `json:"days"`
	IsOpenRoom         bool    `json:"is_open_room"`
	WalletID           string  `json:"wallet_id"`
	LockWebhook        Webhook `json:"lock_webhook"`
	UnlockWebhook      Webhook `json:"unlock_webhook"`
	TransferWebhook    Webhook `json:"transfer_webhook"`
}

// Validate checks room data and normalizes fixed-price rooms: they run for a
// year and have no minimum bid-up because the first paid bid wins.
func (d *CreateRoomData) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("room name is required")
	}
	if d.Type != RoomTypeAuction && d.Type != RoomTypeFixedPrice {
		return fmt.Errorf("room type must be '%s' or '%s'", RoomTypeAuction, RoomTypeFixedPrice)
	}
	if d.Days <= 0 {
		return fmt.Errorf("room duration must be positive")
	}
	if d.FeePercentage <= 0 || d.FeePercentage >= 100 {
		return fmt.Errorf("room fee percentage must be between 0 and 100")
	}
	if d.Type == RoomTypeFixedPrice {
		d.Days = 365
		d.MinBidUpPercentage = 0
	} else if d.MinBidUpPercentage <= 0 {
		return fmt.Errorf("room bid-up percentage must be positive")
	}
	return nil
}

// EditRoomData is the payload for updating an auction room
type EditRoomData struct {
	CreateRoomData
	ID string `json:"id"`
}

// CreateItemData is the payload for listing an item in a room
type CreateItemData struct {
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	AskPrice      float64 `json:"ask_price"`
	TransferCode  string  `json:"transfer_code"`
	PayoutAddress string  `json:"payout_address"`
}

func (d *CreateItemData) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return fmt.Errorf("item name is required")
	}
	if d.AskPrice <= 0 {
		return fmt.Errorf("ask price must be positive")
	}
	if d.TransferCode == "" {
		return fmt.Errorf("transfer code is required")
	}
	return nil
}

// BidRequest is the payload for placing a bid
type BidRequest struct {
	Amount    float64 `json:"amount"`
	Memo      string  `json:"memo"`
	LnAddress string  `json:"ln_address,omitempty"`
}

func (r *BidRequest) Validate() error {
	if r.Amount <= 0 {
		return fmt.Errorf("bid amount must be positive")
	}
	if strings.TrimSpace(r.Memo) == "" {
		return fmt.Errorf("memo is required")
	}
	if r.LnAddress != "" && !strings.Contains(r.LnAddress, "@") {
		return fmt.Errorf("lightning address is not valid")
	}
	if len(r.Memo) > 200 {
		r.Memo = r.Memo[:200]
	}
	return nil
}

// BidResponse carries payment instructions back to the bidder
type BidResponse struct {
	ID             string `json:"id"`
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
}
