// Package stripe implements gateway.Provider on Stripe: saved payment methods
// play the role of billing keys and off-session PaymentIntents charge them.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
	"github.com/mihaimyh/gobilling/pkg/gateway/internal"
)

const (
	providerName    = "stripe"
	defaultCurrency = "krw"
	metadataOrderID = "order_id"

	endpointPaymentIntents = "/v1/payment_intents"
	endpointSetupIntents   = "/v1/setup_intents"
)

// Config extends gateway.Config with Stripe-specific options
type Config struct {
	gateway.Config // SecretKey, WebhookSecret, Reconciler, etc.

	// Currency for every charge (default: "krw", a zero-decimal currency,
	// so plan prices are passed through unchanged)
	Currency string
}

// Provider implements gateway.Provider for Stripe
type Provider struct {
	config        Config
	stripeClient  *stripe.Client
	rateLimiter   *internal.RateLimiter
	webhookSecret string
	metrics       gateway.Metrics
	logger        billing.Logger
}

var _ gateway.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.SecretKey)
	if apiKey == "" {
		return nil, gateway.ErrProviderNotConfigured
	}
	config.SetDefaults()
	if config.Currency == "" {
		config.Currency = defaultCurrency
	}

	var opts []stripe.ClientOption
	if config.BaseURL != "" {
		opts = append(opts, stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			URL:               stripe.String(strings.TrimRight(config.BaseURL, "/")),
			HTTPClient:        config.HTTPClient,
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})))
	}

	return &Provider{
		config:        config,
		stripeClient:  stripe.NewClient(apiKey, opts...),
		rateLimiter:   internal.NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow),
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		metrics:       config.Metrics,
		logger:        config.Logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// ChargeBillingKey implements billing.Gateway. billingKey is a saved PaymentMethod
// id and req.CustomerKey the Stripe customer it is attached to.
func (p *Provider) ChargeBillingKey(ctx context.Context, billingKey string,
	req billing.ChargeRequest) (*billing.ChargeReceipt, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(p.config.Currency),
		Customer:      stripe.String(req.CustomerKey),
		PaymentMethod: stripe.String(billingKey),
		Description:   stripe.String(req.OrderName),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	params.AddMetadata(metadataOrderID, req.OrderID)
	params.AddExpand("latest_charge")
	// A retried order never charges twice
	params.SetIdempotencyKey(req.OrderID)

	start := time.Now()
	pi, err := p.stripeClient.V1PaymentIntents.Create(ctx, params)
	p.recordCall(endpointPaymentIntents, start, err)
	if err != nil {
		return nil, classify(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, gateway.Rejected(string(pi.Status), fmt.Sprintf("payment intent %s is %s", pi.ID, pi.Status))
	}
	return &billing.ChargeReceipt{PaymentKey: pi.ID, ReceiptURL: receiptURL(pi)}, nil
}

// IssueBillingKey implements billing.Gateway. authKey is a SetupIntent id the
// client completed; its PaymentMethod becomes the billing key.
func (p *Provider) IssueBillingKey(ctx context.Context, authKey, customerKey string) (*billing.IssuedBillingKey, error) {
	params := &stripe.SetupIntentRetrieveParams{}
	params.AddExpand("payment_method")

	start := time.Now()
	si, err := p.stripeClient.V1SetupIntents.Retrieve(ctx, authKey, params)
	p.recordCall(endpointSetupIntents, start, err)
	if err != nil {
		return nil, classify(err)
	}
	if si.Status != stripe.SetupIntentStatusSucceeded || si.PaymentMethod == nil {
		return nil, gateway.Rejected(string(si.Status), fmt.Sprintf("setup intent %s is %s", si.ID, si.Status))
	}

	issued := &billing.IssuedBillingKey{
		BillingKey:  si.PaymentMethod.ID,
		CustomerKey: customerKey,
	}
	if si.Customer != nil && si.Customer.ID != "" {
		issued.CustomerKey = si.Customer.ID
	}
	if card := si.PaymentMethod.Card; card != nil {
		issued.CardCompany = string(card.Brand)
		issued.CardNumber = "**** " + card.Last4
	}
	return issued, nil
}

// ConfirmPayment implements billing.Gateway. paymentKey is the PaymentIntent the
// client authorized; it is confirmed if needed and checked against the order.
func (p *Provider) ConfirmPayment(ctx context.Context, paymentKey, orderID string, amount int64) (*billing.Confirmation, error) {
	params := &stripe.PaymentIntentRetrieveParams{}
	params.AddExpand("latest_charge")

	start := time.Now()
	pi, err := p.stripeClient.V1PaymentIntents.Retrieve(ctx, paymentKey, params)
	p.recordCall(endpointPaymentIntents, start, err)
	if err != nil {
		return nil, classify(err)
	}

	if pi.Amount != amount {
		return nil, gateway.Rejected("amount_mismatch",
			fmt.Sprintf("payment intent amount %d does not match %d", pi.Amount, amount))
	}
	if id, ok := pi.Metadata[metadataOrderID]; ok && id != orderID {
		return nil, gateway.Rejected("order_mismatch", "payment intent belongs to another order")
	}

	if pi.Status == stripe.PaymentIntentStatusRequiresConfirmation {
		confirmParams := &stripe.PaymentIntentConfirmParams{}
		confirmParams.AddExpand("latest_charge")
		start = time.Now()
		pi, err = p.stripeClient.V1PaymentIntents.Confirm(ctx, paymentKey, confirmParams)
		p.recordCall(endpointPaymentIntents, start, err)
		if err != nil {
			return nil, classify(err)
		}
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, gateway.Rejected(string(pi.Status), fmt.Sprintf("payment intent %s is %s", pi.ID, pi.Status))
	}
	return &billing.Confirmation{PaymentKey: pi.ID, ReceiptURL: receiptURL(pi)}, nil
}

func (p *Provider) recordCall(endpoint string, start time.Time, err error) {
	status := "200"
	if err != nil {
		status = "error"
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode > 0 {
			status = strconv.Itoa(stripeErr.HTTPStatusCode)
		}
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

// classify maps a stripe-go error onto the billing gateway error kinds.
// Card and request errors are rejections; Stripe-side and transport failures are not.
func classify(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return gateway.TransportError(err)
	}
	if stripeErr.HTTPStatusCode >= 500 || stripeErr.Type == stripe.ErrorTypeAPI {
		return &billing.GatewayError{Err: billing.ErrGatewayUnreachable, Code: string(stripeErr.Code), Message: stripeErr.Msg}
	}
	code := string(stripeErr.Code)
	if stripeErr.DeclineCode != "" {
		code = string(stripeErr.DeclineCode)
	}
	return gateway.Rejected(code, stripeErr.Msg)
}

func receiptURL(pi *stripe.PaymentIntent) string {
	if pi.LatestCharge == nil {
		return ""
	}
	return pi.LatestCharge.ReceiptURL
}
