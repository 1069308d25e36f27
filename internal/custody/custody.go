package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/satbid/auctionhouse/internal/models"
)

// Placeholders that may appear in webhook body templates. Anything else is
// rejected at configuration time, not at call time.
const (
	PlaceholderTransferCode = "{transfer_code}"
	PlaceholderLockCode     = "{lock_code}"
	PlaceholderNewOwnerID   = "{new_owner_id}"
)

var placeholderPattern = regexp.MustCompile(`\{[a-z_]+\}`)

var knownPlaceholders = map[string]bool{
	PlaceholderTransferCode: true,
	PlaceholderLockCode:     true,
	PlaceholderNewOwnerID:   true,
}

// ValidateWebhook checks a webhook configuration: method, URL scheme and that
// every placeholder in the body template is a known one.
func ValidateWebhook(wh models.Webhook) error {
	if wh.URL == "" {
		return nil
	}
	u, err := url.Parse(wh.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook URL '%s' is not a valid http(s) URL", wh.URL)
	}
	switch wh.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return fmt.Errorf("webhook method '%s' is not supported", wh.Method)
	}
	for key, value := range wh.Body {
		for _, ph := range placeholderPattern.FindAllString(value, -1) {
			if !knownPlaceholders[ph] {
				return fmt.Errorf("webhook body field '%s' uses unknown placeholder '%s'", key, ph)
			}
		}
	}
	return nil
}

// Client calls the external custody service that physically holds auctioned
// assets. Lock/unlock/transfer outcomes are hard failures on non-200
// responses or a missing success flag.
type Client struct {
	http *http.Client
}

// NewClient creates a new custody webhook client
func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Lock asks the custody service to lock an item, proving control via the
// seller's shared transfer code. Returns the opaque lock code.
func (c *Client) Lock(ctx context.Context, wh models.Webhook, transferCode string) (string, error) {
	data, err := c.call(ctx, wh, map[string]string{
		PlaceholderTransferCode: transferCode,
	})
	if err != nil {
		return "", err
	}
	lockCode, _ := data["lock_code"].(string)
	if lockCode == "" {
		return "", fmt.Errorf("lock webhook did not return a lock code")
	}
	return lockCode, nil
}

// Unlock returns a closed, unsold item to the seller's control
func (c *Client) Unlock(ctx context.Context, wh models.Webhook, lockCode string) error {
	data, err := c.call(ctx, wh, map[string]string{
		PlaceholderLockCode: lockCode,
	})
	if err != nil {
		return err
	}
	if ok, _ := data["success"].(bool); !ok {
		return fmt.Errorf("unlock webhook did not report success")
	}
	return nil
}

// Transfer moves custody of a sold item to the winning bidder
func (c *Client) Transfer(ctx context.Context, wh models.Webhook, lockCode, newOwnerID string) error {
	data, err := c.call(ctx, wh, map[string]string{
		PlaceholderLockCode:   lockCode,
		PlaceholderNewOwnerID: newOwnerID,
	})
	if err != nil {
		return err
	}
	if ok, _ := data["success"].(bool); !ok {
		return fmt.Errorf("transfer webhook did not report success")
	}
	return nil
}

func (c *Client) call(ctx context.Context, wh models.Webhook, values map[string]string) (map[string]any, error) {
	if err := ValidateWebhook(wh); err != nil {
		return nil, err
	}

	body := make(map[string]string, len(wh.Body))
	for key, value := range wh.Body {
		for ph, v := range values {
			value = strings.ReplaceAll(value, ph, v)
		}
		body[key] = value
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, wh.Method, wh.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range wh.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webhook returned status %d, expected 200", resp.StatusCode)
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode webhook response: %w", err)
	}
	return data, nil
}
