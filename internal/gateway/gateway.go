package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Invoice is the gateway's answer to an invoice creation request
type Invoice struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	AmountSat      int64  `json:"amount_sat"`
}

// Meta tags an invoice or payment so the settlement engine can recognize its
// own traffic. Refund, fee and payout legs are marked so their settlement
// notifications are never reconciled as new bids.
type Meta struct {
	Tag      string `json:"tag"`
	ItemID   string `json:"item_id,omitempty"`
	RoomID   string `json:"room_id,omitempty"`
	IsRefund bool   `json:"is_refund,omitempty"`
	IsFee    bool   `json:"is_fee,omitempty"`
	IsPayout bool   `json:"is_payout,omitempty"`
}

// Config holds gateway connection configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the invoice/payment gateway over HTTP. All funds movement
// in the system goes through this client; it is pay-to-invoice only.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a new gateway client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// CreateInvoice creates an invoice on the given wallet for an amount in the
// given currency. The gateway converts to settlement-network units and
// reports them back in AmountSat.
func (c *Client) CreateInvoice(ctx context.Context, walletID string, amount float64, currency, memo string, meta Meta) (*Invoice, error) {
	req := struct {
		WalletID string  `json:"wallet_id"`
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
		Memo     string  `json:"memo"`
		Extra    Meta    `json:"extra"`
	}{walletID, amount, currency, memo, meta}

	invoice := &Invoice{}
	if err := c.do(ctx, http.MethodPost, "/api/v1/invoices", req, invoice); err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	return invoice, nil
}

// PayInvoice pays a payment request from the given wallet
func (c *Client) PayInvoice(ctx context.Context, walletID, paymentRequest string, meta Meta) error {
	req := struct {
		WalletID       string `json:"wallet_id"`
		PaymentRequest string `json:"payment_request"`
		Extra          Meta   `json:"extra"`
	}{walletID, paymentRequest, meta}

	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", req, nil); err != nil {
		return fmt.Errorf("failed to pay invoice: %w", err)
	}
	return nil
}

// CreateWallet creates a new wallet, used as per-item escrow
func (c *Client) CreateWallet(ctx context.Context, name string) (string, error) {
	req := struct {
		Name string `json:"name"`
	}{name}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/wallets", req, &resp); err != nil {
		return "", fmt.Errorf("failed to create wallet: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("gateway returned no wallet id")
	}
	return resp.ID, nil
}

// DeleteWallet removes a wallet. Escrow wallets are removed only after the
// seller has been paid.
func (c *Client) DeleteWallet(ctx context.Context, walletID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/wallets/"+walletID, nil, nil); err != nil {
		return fmt.Errorf("failed to delete wallet: %w", err)
	}
	return nil
}

// GetUserWallet returns the user's first known wallet, the target of
// internal-wallet refunds and payouts.
func (c *Client) GetUserWallet(ctx context.Context, userID int) (string, error) {
	var wallets []struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/api/v1/users/%d/wallets", userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &wallets); err != nil {
		return "", fmt.Errorf("failed to get user wallets: %w", err)
	}
	if len(wallets) == 0 {
		return "", fmt.Errorf("no wallet found for user %d", userID)
	}
	return wallets[0].ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
