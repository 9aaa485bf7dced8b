// Package gateway is a client for the Razorpay Orders and Refunds API and
// the signature checks Razorpay asks merchants to perform.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stamp-order-service/internal/apperr"
	"stamp-order-service/internal/util"

	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.razorpay.com"

// Config holds Razorpay credentials
type Config struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// Client talks to Razorpay over HTTPS with basic auth
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new Razorpay client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     util.ComponentLogger("razorpay"),
	}
}

// KeyID is the public key handed to the checkout widget
func (c *Client) KeyID() string {
	return c.cfg.KeyID
}

// CreateOrderRequest creates a Razorpay order. Amount is in minor units.
type CreateOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// Order is a Razorpay order entity
type Order struct {
	ID         string `json:"id"`
	Entity     string `json:"entity"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	AmountDue  int64  `json:"amount_due"`
	Currency   string `json:"currency"`
	Receipt    string `json:"receipt"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	CreatedAt  int64  `json:"created_at"`
}

// Refund is a Razorpay refund entity
type Refund struct {
	ID        string `json:"id"`
	Entity    string `json:"entity"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Field       string `json:"field"`
	} `json:"error"`
}

// CreateOrder creates the external authorization request for an order
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if req.Amount <= 0 {
		return nil, apperr.Validation("gateway order amount must be positive")
	}
	var order Order
	if err := c.do(ctx, "create_order", http.MethodPost, "/v1/orders", req, &order); err != nil {
		return nil, err
	}
	c.logger.Info("Gateway order created",
		zap.String("gateway_order_id", order.ID),
		zap.String("receipt", order.Receipt),
		zap.Int64("amount", order.Amount))
	return &order, nil
}

// Refund refunds amount of a captured payment
func (c *Client) Refund(ctx context.Context, paymentID string, amount int64, notes map[string]string) (*Refund, error) {
	if paymentID == "" {
		return nil, apperr.Validation("gateway payment id is required for a refund")
	}
	body := map[string]any{"amount": amount}
	if len(notes) > 0 {
		body["notes"] = notes
	}
	var refund Refund
	path := "/v1/payments/" + url.PathEscape(paymentID) + "/refund"
	if err := c.do(ctx, "refund", http.MethodPost, path, body, &refund); err != nil {
		return nil, err
	}
	c.logger.Info("Gateway refund created",
		zap.String("refund_id", refund.ID),
		zap.String("payment_id", paymentID),
		zap.Int64("amount", refund.Amount))
	return &refund, nil
}

func (c *Client) do(ctx context.Context, step, method, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	util.PaymentProcessingLatency.WithLabelValues("gateway_" + step).Observe(time.Since(start).Seconds())
	if err != nil {
		return apperr.Wrap(apperr.CodeGateway, err, "payment gateway request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.CodeGateway, err, "read payment gateway response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		c.logger.Warn("Gateway request rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Error.Code),
			zap.String("description", apiErr.Error.Description))
		return apperr.New(apperr.CodeGateway,
			fmt.Sprintf("payment gateway returned %d: %s", resp.StatusCode, apiErr.Error.Description)).
			WithDetails(map[string]any{"gateway_code": apiErr.Error.Code})
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.CodeGateway, err, "decode payment gateway response")
	}
	return nil
}
