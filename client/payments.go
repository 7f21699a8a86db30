package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Payment is a single-recipient payment record as returned by the service.
// PlainCode and the claim link are present only on the creation response.
type Payment struct {
	Digest        string    `json:"digest"`
	Sender        string    `json:"sender"`
	Receiver      string    `json:"receiver"`
	Amount        int64     `json:"amount"`
	TokenType     string    `json:"token_type"`
	Status        string    `json:"status"`
	PlainCode     string    `json:"plain_code,omitempty"`
	ClaimURL      string    `json:"claim_url,omitempty"`
	QRCodeData    string    `json:"qr_code_data,omitempty"`
	UpdatedDigest *string   `json:"updated_digest,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Warnings      []string  `json:"warnings,omitempty"`
}

// BulkRecipient is one recipient slot within a bulk payment.
type BulkRecipient struct {
	Address       string  `json:"address"`
	Amount        int64   `json:"amount"`
	Status        string  `json:"status,omitempty"`
	PlainCode     string  `json:"plain_code,omitempty"`
	ClaimURL      string  `json:"claim_url,omitempty"`
	QRCodeData    string  `json:"qr_code_data,omitempty"`
	UpdatedDigest *string `json:"updated_digest,omitempty"`
}

// BulkPayment is a multi-recipient payment record.
type BulkPayment struct {
	Digest      string          `json:"digest"`
	Sender      string          `json:"sender"`
	TotalAmount int64           `json:"total_amount"`
	TokenType   string          `json:"token_type"`
	CreatedAt   time.Time       `json:"created_at"`
	Recipients  []BulkRecipient `json:"recipients"`
	Warnings    []string        `json:"warnings,omitempty"`
}

// Slot is the state of one claimable slot after a transition.
type Slot struct {
	Digest        string  `json:"digest"`
	Sender        string  `json:"sender"`
	Address       string  `json:"address"`
	Amount        int64   `json:"amount"`
	TokenType     string  `json:"token_type"`
	Status        string  `json:"status"`
	UpdatedDigest *string `json:"updated_digest,omitempty"`
}

// Schedule is a pending scheduled intent.
type Schedule struct {
	ID            string          `json:"id"`
	Sender        string          `json:"sender"`
	TokenType     string          `json:"token_type"`
	FundingDigest string          `json:"funding_digest"`
	TotalAmount   int64           `json:"total_amount"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	CreatedAt     time.Time       `json:"created_at"`
	Recipients    []BulkRecipient `json:"recipients"`
}

// Balance is a wallet balance in base units.
type Balance struct {
	SOL  int64 `json:"sol"`
	USDC int64 `json:"usdc"`
}

// Client is the HTTP client for the paylock payment service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new payment service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CreatePaymentParams describes a new single-recipient payment.
type CreatePaymentParams struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Amount    int64  `json:"amount"`
	TokenType string `json:"token_type"`
	Direct    bool   `json:"direct,omitempty"`
}

// CreatePayment creates a payment. For escrowed payments the response carries
// the one-time plaintext claim code; it is not retrievable afterwards.
func (c *Client) CreatePayment(ctx context.Context, params CreatePaymentParams) (*Payment, error) {
	var payment Payment
	if err := c.do(ctx, "POST", "/api/v1/payments", params, http.StatusCreated, &payment); err != nil {
		return nil, err
	}
	c.logger.Debug("payment created", "digest", payment.Digest, "status", payment.Status)
	return &payment, nil
}

// CreateBulkPaymentParams describes a new multi-recipient payment.
type CreateBulkPaymentParams struct {
	Sender      string          `json:"sender"`
	Recipients  []BulkRecipient `json:"recipients"`
	TokenType   string          `json:"token_type"`
	TotalAmount int64           `json:"total_amount,omitempty"`
	Direct      bool            `json:"direct,omitempty"`
}

// CreateBulkPayment creates a bulk payment with one escrowed slot per
// recipient.
func (c *Client) CreateBulkPayment(ctx context.Context, params CreateBulkPaymentParams) (*BulkPayment, error) {
	var payment BulkPayment
	if err := c.do(ctx, "POST", "/api/v1/payments/bulk", params, http.StatusCreated, &payment); err != nil {
		return nil, err
	}
	c.logger.Debug("bulk payment created", "digest", payment.Digest, "recipients", len(payment.Recipients))
	return &payment, nil
}

// GetPayment retrieves one payment record by digest. Exactly one of the
// returned records is non-nil.
func (c *Client) GetPayment(ctx context.Context, digest string) (*Payment, *BulkPayment, error) {
	path := "/api/v1/payments/" + url.PathEscape(digest)
	var raw json.RawMessage
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &raw); err != nil {
		return nil, nil, err
	}

	// Bulk records are distinguished by their recipients array.
	var probe struct {
		Recipients []json.RawMessage `json:"recipients"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if probe.Recipients != nil {
		var bulk BulkPayment
		if err := json.Unmarshal(raw, &bulk); err != nil {
			return nil, nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return nil, &bulk, nil
	}
	var payment Payment
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &payment, nil, nil
}

// ListPayments retrieves all records where the address is the sender or a
// recipient.
func (c *Client) ListPayments(ctx context.Context, address string) ([]*Payment, []*BulkPayment, error) {
	path := "/api/v1/payments?address=" + url.QueryEscape(address)
	var resp struct {
		Payments     []*Payment     `json:"payments"`
		BulkPayments []*BulkPayment `json:"bulk_payments"`
	}
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Payments, resp.BulkPayments, nil
}

// Verify checks a claim code without changing any state.
func (c *Client) Verify(ctx context.Context, digest, address, code string) (bool, error) {
	path := fmt.Sprintf("/api/v1/payments/%s/verify", url.PathEscape(digest))
	body := map[string]string{"address": address, "code": code}
	var resp struct {
		Matched bool `json:"matched"`
	}
	if err := c.do(ctx, "POST", path, body, http.StatusOK, &resp); err != nil {
		return false, err
	}
	return resp.Matched, nil
}

// Claim claims a slot with its code, settling the held funds to the claimant.
func (c *Client) Claim(ctx context.Context, digest, address, code string) (*Slot, error) {
	return c.transition(ctx, digest, "claim", map[string]string{"address": address, "code": code})
}

// Reject rejects a slot. No funds move; the sender may refund afterwards.
func (c *Client) Reject(ctx context.Context, digest, address, code string) (*Slot, error) {
	return c.transition(ctx, digest, "reject", map[string]string{"address": address, "code": code})
}

// Refund refunds a slot back to the sender.
func (c *Client) Refund(ctx context.Context, digest, sender, recipient string) (*Slot, error) {
	return c.transition(ctx, digest, "refund", map[string]string{"sender": sender, "recipient": recipient})
}

func (c *Client) transition(ctx context.Context, digest, op string, body map[string]string) (*Slot, error) {
	path := fmt.Sprintf("/api/v1/payments/%s/%s", url.PathEscape(digest), op)
	var slot Slot
	if err := c.do(ctx, "POST", path, body, http.StatusOK, &slot); err != nil {
		return nil, err
	}
	c.logger.Debug("slot transitioned", "digest", digest, "op", op, "status", slot.Status)
	return &slot, nil
}

// CreateScheduleParams describes a new scheduled intent.
type CreateScheduleParams struct {
	Sender      string          `json:"sender"`
	TokenType   string          `json:"token_type"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Recipients  []BulkRecipient `json:"recipients"`
}

// CreateSchedule creates a scheduled intent, holding the total in escrow.
func (c *Client) CreateSchedule(ctx context.Context, params CreateScheduleParams) (*Schedule, error) {
	var schedule Schedule
	if err := c.do(ctx, "POST", "/api/v1/schedules", params, http.StatusCreated, &schedule); err != nil {
		return nil, err
	}
	return &schedule, nil
}

// ActivateSchedule converts a pending intent into a live payment record. The
// response is the single or bulk record with its one-time claim codes.
func (c *Client) ActivateSchedule(ctx context.Context, id, sender string) (*Payment, *BulkPayment, error) {
	path := fmt.Sprintf("/api/v1/schedules/%s/activate", url.PathEscape(id))
	var raw json.RawMessage
	if err := c.do(ctx, "POST", path, map[string]string{"sender": sender}, http.StatusOK, &raw); err != nil {
		return nil, nil, err
	}
	var probe struct {
		Recipients []json.RawMessage `json:"recipients"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if probe.Recipients != nil {
		var bulk BulkPayment
		if err := json.Unmarshal(raw, &bulk); err != nil {
			return nil, nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return nil, &bulk, nil
	}
	var payment Payment
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &payment, nil, nil
}

// CancelSchedule cancels a pending intent and returns the refund digest.
func (c *Client) CancelSchedule(ctx context.Context, id, sender string) (string, error) {
	path := fmt.Sprintf("/api/v1/schedules/%s?sender=%s", url.PathEscape(id), url.QueryEscape(sender))
	var resp struct {
		RefundDigest string `json:"refund_digest"`
	}
	if err := c.do(ctx, "DELETE", path, nil, http.StatusOK, &resp); err != nil {
		return "", err
	}
	return resp.RefundDigest, nil
}

// ListSchedules retrieves all pending intents for a sender.
func (c *Client) ListSchedules(ctx context.Context, sender string) ([]*Schedule, error) {
	path := "/api/v1/schedules?sender=" + url.QueryEscape(sender)
	var resp struct {
		Schedules []*Schedule `json:"schedules"`
	}
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Schedules, nil
}

// GetSchedule retrieves one pending intent.
func (c *Client) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	path := "/api/v1/schedules/" + url.PathEscape(id)
	var schedule Schedule
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &schedule); err != nil {
		return nil, err
	}
	return &schedule, nil
}

// GetBalance retrieves the on-chain balances of an address.
func (c *Client) GetBalance(ctx context.Context, address string) (*Balance, error) {
	path := "/api/v1/balance/" + url.PathEscape(address)
	var balance Balance
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// Health checks whether the service is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// do performs a JSON request and decodes the response into out when the
// status matches wantStatus.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, wantStatus int, out interface{}) error {
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
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
