// Package toss implements gateway.Provider for Toss Payments: billing key
// issue and charge, payment confirmation and signed webhooks.
package toss

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
	"github.com/mihaimyh/gobilling/pkg/gateway/internal"
)

const (
	providerName   = "toss"
	defaultBaseURL = "https://api.tosspayments.com"

	endpointBillingCharge = "/v1/billing/{billingKey}"
	endpointBillingIssue  = "/v1/billing/authorizations/issue"
	endpointConfirm       = "/v1/payments/confirm"
)

// Provider implements gateway.Provider for Toss Payments
type Provider struct {
	config      gateway.Config
	baseURL     string
	authHeader  string
	rateLimiter *internal.RateLimiter
	metrics     gateway.Metrics
	logger      billing.Logger
	now         func() time.Time
}

var _ gateway.Provider = (*Provider)(nil)

// NewProvider creates a Toss Payments provider
func NewProvider(config gateway.Config) (*Provider, error) {
	secret := strings.TrimSpace(config.SecretKey)
	if secret == "" {
		return nil, gateway.ErrProviderNotConfigured
	}
	config.SetDefaults()

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Provider{
		config:      config,
		baseURL:     baseURL,
		authHeader:  "Basic " + base64.StdEncoding.EncodeToString([]byte(secret+":")),
		rateLimiter: internal.NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow),
		metrics:     config.Metrics,
		logger:      config.Logger,
		now:         time.Now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Toss webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

type chargeBody struct {
	CustomerKey string `json:"customerKey"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderName   string `json:"orderName"`
}

// payment is the subset of the Toss Payment object we read
type payment struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Status     string `json:"status"`
	Receipt    *struct {
		URL string `json:"url"`
	} `json:"receipt"`
}

func (pm *payment) receiptURL() string {
	if pm.Receipt == nil {
		return ""
	}
	return pm.Receipt.URL
}

// ChargeBillingKey implements billing.Gateway
func (p *Provider) ChargeBillingKey(ctx context.Context, billingKey string,
	req billing.ChargeRequest) (*billing.ChargeReceipt, error) {
	var res payment
	err := p.post(ctx, endpointBillingCharge, "/v1/billing/"+url.PathEscape(billingKey), chargeBody{
		CustomerKey: req.CustomerKey,
		Amount:      req.Amount,
		OrderID:     req.OrderID,
		OrderName:   req.OrderName,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.PaymentKey == "" {
		return nil, &billing.GatewayError{Err: billing.ErrGatewayUnreachable, Message: "response without paymentKey"}
	}
	return &billing.ChargeReceipt{PaymentKey: res.PaymentKey, ReceiptURL: res.receiptURL()}, nil
}

type issueResponse struct {
	BillingKey  string `json:"billingKey"`
	CustomerKey string `json:"customerKey"`
	CardCompany string `json:"cardCompany"`
	Card        *struct {
		Company string `json:"company"`
		Number  string `json:"number"`
	} `json:"card"`
}

// IssueBillingKey implements billing.Gateway
func (p *Provider) IssueBillingKey(ctx context.Context, authKey, customerKey string) (*billing.IssuedBillingKey, error) {
	var res issueResponse
	err := p.post(ctx, endpointBillingIssue, endpointBillingIssue, map[string]string{
		"authKey":     authKey,
		"customerKey": customerKey,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.BillingKey == "" {
		return nil, &billing.GatewayError{Err: billing.ErrGatewayUnreachable, Message: "response without billingKey"}
	}

	issued := &billing.IssuedBillingKey{
		BillingKey:  res.BillingKey,
		CustomerKey: res.CustomerKey,
		CardCompany: res.CardCompany,
	}
	if issued.CustomerKey == "" {
		issued.CustomerKey = customerKey
	}
	if res.Card != nil {
		if res.Card.Company != "" {
			issued.CardCompany = res.Card.Company
		}
		issued.CardNumber = res.Card.Number
	}
	return issued, nil
}

// ConfirmPayment implements billing.Gateway
func (p *Provider) ConfirmPayment(ctx context.Context, paymentKey, orderID string, amount int64) (*billing.Confirmation, error) {
	var res payment
	err := p.post(ctx, endpointConfirm, endpointConfirm, map[string]interface{}{
		"paymentKey": paymentKey,
		"orderId":    orderID,
		"amount":     amount,
	}, &res)
	if err != nil {
		return nil, err
	}
	key := res.PaymentKey
	if key == "" {
		key = paymentKey
	}
	return &billing.Confirmation{PaymentKey: key, ReceiptURL: res.receiptURL()}, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// post sends body to path and decodes a 2xx answer into out.
// endpoint is the low-cardinality label used for metrics.
func (p *Provider) post(ctx context.Context, endpoint, path string, body, out interface{}) error {
	start := time.Now()
	defer func() {
		p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", p.authHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return gateway.TransportError(err)
	}
	defer resp.Body.Close() //nolint:errcheck // body is fully consumed below

	p.metrics.RecordAPICall(providerName, endpoint, strconv.Itoa(resp.StatusCode))
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if err := dec.Decode(&apiErr); err != nil || apiErr.Message == "" {
			return &billing.GatewayError{
				Err:     billing.ErrGatewayUnreachable,
				Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
			}
		}
		p.logger.Debug("toss request rejected",
			billing.Field{Key: "endpoint", Value: endpoint},
			billing.Field{Key: "status", Value: resp.StatusCode},
			billing.Field{Key: "code", Value: apiErr.Code})
		return gateway.Rejected(apiErr.Code, apiErr.Message)
	}

	if err := dec.Decode(out); err != nil {
		return &billing.GatewayError{Err: billing.ErrGatewayUnreachable, Message: "invalid response body"}
	}
	return nil
}
