package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StripeClient creates Checkout Sessions over the Stripe REST API.
type StripeClient struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

func NewStripeClient(baseURL, secretKey string, timeout time.Duration) *StripeClient {
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		SecretKey:  secretKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, in CheckoutRequest) (CheckoutSession, error) {
	unit, err := MinorUnits(in.Amount, in.Currency)
	if err != nil {
		return CheckoutSession{}, err
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", in.SuccessURL)
	form.Set("cancel_url", in.CancelURL)
	form.Set("client_reference_id", in.ChargeID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(in.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(unit, 10))
	form.Set("line_items[0][price_data][product_data][name]", in.Description)
	form.Set("metadata[charge_id]", in.ChargeID)
	form.Set("metadata[agreement_id]", in.AgreementID)
	form.Set("payment_intent_data[metadata][charge_id]", in.ChargeID)
	if in.CustomerRef != "" {
		form.Set("customer_email", in.CustomerRef)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return CheckoutSession{}, err
	}
	req.SetBasicAuth(c.SecretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%d", in.ChargeID, in.Attempt))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return CheckoutSession{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return CheckoutSession{}, err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var body struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
			apiErr.Type = body.Error.Type
			apiErr.Message = body.Error.Message
		}
		return CheckoutSession{}, apiErr
	}
	var out CheckoutSession
	if err := json.Unmarshal(raw, &out); err != nil {
		return CheckoutSession{}, fmt.Errorf("payments: decode session: %w", err)
	}
	if out.ID == "" || out.URL == "" {
		return CheckoutSession{}, fmt.Errorf("payments: checkout session missing id or url")
	}
	return out, nil
}
