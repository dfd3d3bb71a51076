package esign

import (
	"bytes"
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

// Client is the HTTP implementation of Provider.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreateEnvelope(ctx context.Context, in CreateEnvelopeRequest) (Envelope, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Envelope{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/envelopes", bytes.NewReader(body))
	if err != nil {
		return Envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	out, err := doJSON[Envelope](c, req)
	if err != nil {
		return Envelope{}, err
	}
	return *out, nil
}

func (c *Client) GetEnvelope(ctx context.Context, id string) (Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/envelopes/"+url.PathEscape(id), nil)
	if err != nil {
		return Envelope{}, err
	}
	out, err := doJSON[Envelope](c, req)
	if err != nil {
		return Envelope{}, err
	}
	return *out, nil
}

func (c *Client) ListEnvelopes(ctx context.Context, opts ListOptions) ([]Envelope, error) {
	q := url.Values{}
	if opts.Query != "" {
		q.Set("q", opts.Query)
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	u := c.BaseURL + "/envelopes"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	out, err := doJSON[struct {
		Data []Envelope `json:"data"`
	}](c, req)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) CreateCeremony(ctx context.Context, envelopeID, recipientID, redirectURL string) (Ceremony, error) {
	body, err := json.Marshal(map[string]string{
		"recipient_id": recipientID,
		"redirect_url": redirectURL,
	})
	if err != nil {
		return Ceremony{}, err
	}
	u := fmt.Sprintf("%s/envelopes/%s/ceremony", c.BaseURL, url.PathEscape(envelopeID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Ceremony{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	out, err := doJSON[Ceremony](c, req)
	if err != nil {
		return Ceremony{}, err
	}
	return *out, nil
}

func (c *Client) SignedDocumentURL(ctx context.Context, envelopeID string) (string, error) {
	u := fmt.Sprintf("%s/envelopes/%s/documents/combined", c.BaseURL, url.PathEscape(envelopeID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	out, err := doJSON[struct {
		URL string `json:"url"`
	}](c, req)
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

func doJSON[T any](c *Client, req *http.Request) (*T, error) {
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, apiError(resp)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("esign: decode response: %w", err)
	}
	return &out, nil
}

// apiError extracts the provider message from a JSON error body, falling
// back to the raw text.
func apiError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		switch v := body.Error.(type) {
		case string:
			apiErr.Message = v
		case map[string]any:
			if msg, ok := v["message"].(string); ok {
				apiErr.Message = msg
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = body.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}
