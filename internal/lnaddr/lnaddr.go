package lnaddr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// Resolver turns a lightning address (name@domain) into a payment request
// via the well-known lnurl-pay discovery flow.
type Resolver struct {
	http *http.Client
}

// NewResolver creates a new lightning address resolver
func NewResolver(timeout time.Duration) *Resolver {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		http: &http.Client{Timeout: timeout},
	}
}

// PaymentRequest resolves the address and requests an invoice for amountSat.
// The returned invoice's embedded amount must equal the requested amount
// exactly, otherwise the invoice is rejected.
func (r *Resolver) PaymentRequest(ctx context.Context, address string, amountSat int64, comment string) (string, error) {
	name, domain, err := splitAddress(address)
	if err != nil {
		return "", err
	}

	wellKnownURL := fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, name)
	var params struct {
		Callback    string `json:"callback"`
		MinSendable int64  `json:"minSendable"`
		MaxSendable int64  `json:"maxSendable"`
	}
	if err := r.getJSON(ctx, wellKnownURL, &params); err != nil {
		return "", fmt.Errorf("failed to discover '%s': %w", address, err)
	}
	if params.Callback == "" {
		return "", fmt.Errorf("missing callback URL for '%s'", address)
	}
	if u, err := url.Parse(params.Callback); err != nil || u.Scheme != "https" {
		return "", fmt.Errorf("invalid callback URL for '%s'", address)
	}

	amountMsat := amountSat * 1000
	if params.MinSendable == 0 || amountMsat < params.MinSendable {
		return "", fmt.Errorf("amount too low for '%s'", address)
	}
	if params.MaxSendable == 0 || amountMsat > params.MaxSendable {
		return "", fmt.Errorf("amount too high for '%s'", address)
	}

	callback, err := url.Parse(params.Callback)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL for '%s': %w", address, err)
	}
	query := callback.Query()
	query.Set("amount", strconv.FormatInt(amountMsat, 10))
	query.Set("comment", comment)
	callback.RawQuery = query.Encode()

	var result struct {
		Pr string `json:"pr"`
	}
	if err := r.getJSON(ctx, callback.String(), &result); err != nil {
		return "", fmt.Errorf("callback failed for '%s': %w", address, err)
	}
	if result.Pr == "" {
		return "", fmt.Errorf("missing payment request in callback response for '%s'", address)
	}

	invoice, err := decodepay.Decodepay(result.Pr)
	if err != nil {
		return "", fmt.Errorf("failed to decode invoice for '%s': %w", address, err)
	}
	if invoice.MSatoshi != amountMsat {
		return "", fmt.Errorf("amount mismatch in invoice for '%s': want %d msat, got %d",
			address, amountMsat, invoice.MSatoshi)
	}

	return result.Pr, nil
}

func splitAddress(address string) (name, domain string, err error) {
	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[0] == "" || len(strings.Split(parts[1], ".")) < 2 {
		return "", "", fmt.Errorf("invalid lightning address '%s'", address)
	}
	return parts[0], parts[1], nil
}

func (r *Resolver) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
