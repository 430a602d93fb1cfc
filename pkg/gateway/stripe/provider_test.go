package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testCustomerID          = "cus_test_123"
	testPaymentMethodID     = "pm_test_123"
)

// newTestProvider points a provider at a fake Stripe API
func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewProvider(Config{Config: gateway.Config{
		SecretKey:     testStripeAPIKey,
		WebhookSecret: testStripeWebhookSecret,
		BaseURL:       srv.URL,
	}})
	require.NoError(t, err)
	return p
}

func writeStripeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, gateway.ErrProviderNotConfigured)

	p, err := NewProvider(Config{Config: gateway.Config{SecretKey: testStripeAPIKey}})
	require.NoError(t, err)
	assert.Equal(t, providerName, p.Name())
	assert.Equal(t, defaultCurrency, p.config.Currency)
	assert.NotNil(t, p.WebhookHandler())
}

func TestProvider_ChargeBillingKey(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.NoError(t, r.ParseForm())

		assert.Equal(t, "Bearer "+testStripeAPIKey, r.Header.Get("Authorization"))
		assert.Equal(t, "ESG_1_20250301", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "328900", r.PostForm.Get("amount"))
		assert.Equal(t, "krw", r.PostForm.Get("currency"))
		assert.Equal(t, testCustomerID, r.PostForm.Get("customer"))
		assert.Equal(t, testPaymentMethodID, r.PostForm.Get("payment_method"))
		assert.Equal(t, "true", r.PostForm.Get("off_session"))
		assert.Equal(t, "true", r.PostForm.Get("confirm"))
		assert.Equal(t, "ESG_1_20250301", r.PostForm.Get("metadata[order_id]"))

		writeStripeJSON(w, http.StatusOK, `{
			"id": "pi_123",
			"object": "payment_intent",
			"amount": 328900,
			"currency": "krw",
			"status": "succeeded",
			"latest_charge": {"id": "ch_123", "object": "charge", "receipt_url": "https://pay.stripe.com/receipts/ch_123"}
		}`)
	})

	receipt, err := p.ChargeBillingKey(context.Background(), testPaymentMethodID, billing.ChargeRequest{
		CustomerKey: testCustomerID,
		Amount:      328900,
		OrderID:     "ESG_1_20250301",
		OrderName:   "Professional plan",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", receipt.PaymentKey)
	assert.Equal(t, "https://pay.stripe.com/receipts/ch_123", receipt.ReceiptURL)
}

func TestProvider_ChargeBillingKey_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantErr  error
		wantCode string
	}{
		{
			name:     "card declined",
			status:   http.StatusPaymentRequired,
			body:     `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`,
			wantErr:  billing.ErrGatewayRejected,
			wantCode: "insufficient_funds",
		},
		{
			name:     "invalid request",
			status:   http.StatusBadRequest,
			body:     `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such PaymentMethod"}}`,
			wantErr:  billing.ErrGatewayRejected,
			wantCode: "resource_missing",
		},
		{
			name:    "stripe outage",
			status:  http.StatusInternalServerError,
			body:    `{"error":{"type":"api_error","message":"Something went wrong"}}`,
			wantErr: billing.ErrGatewayUnreachable,
		},
		{
			name:     "requires action",
			status:   http.StatusOK,
			body:     `{"id":"pi_123","object":"payment_intent","amount":100,"status":"requires_action"}`,
			wantErr:  billing.ErrGatewayRejected,
			wantCode: "requires_action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
				writeStripeJSON(w, tt.status, tt.body)
			})

			_, err := p.ChargeBillingKey(context.Background(), testPaymentMethodID, billing.ChargeRequest{
				CustomerKey: testCustomerID, Amount: 100, OrderID: "ESG_1", OrderName: "Starter plan",
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var gwErr *billing.GatewayError
			require.True(t, errors.As(err, &gwErr))
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, gwErr.Code)
			}
		})
	}
}

func TestProvider_ChargeBillingKey_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewProvider(Config{Config: gateway.Config{SecretKey: testStripeAPIKey, BaseURL: url}})
	require.NoError(t, err)

	_, err = p.ChargeBillingKey(context.Background(), testPaymentMethodID, billing.ChargeRequest{
		CustomerKey: testCustomerID, Amount: 100, OrderID: "ESG_1",
	})
	assert.ErrorIs(t, err, billing.ErrGatewayUnreachable)
}

func TestProvider_IssueBillingKey(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/setup_intents/seti_123", r.URL.Path)
		assert.Equal(t, "payment_method", r.URL.Query().Get("expand[0]"))

		writeStripeJSON(w, http.StatusOK, `{
			"id": "seti_123",
			"object": "setup_intent",
			"status": "succeeded",
			"customer": "cus_from_stripe",
			"payment_method": {
				"id": "pm_card_123",
				"object": "payment_method",
				"type": "card",
				"card": {"brand": "visa", "last4": "4242"}
			}
		}`)
	})

	issued, err := p.IssueBillingKey(context.Background(), "seti_123", testCustomerID)
	require.NoError(t, err)
	assert.Equal(t, "pm_card_123", issued.BillingKey)
	assert.Equal(t, "cus_from_stripe", issued.CustomerKey)
	assert.Equal(t, "visa", issued.CardCompany)
	assert.Equal(t, "**** 4242", issued.CardNumber)
}

func TestProvider_IssueBillingKey_NotSucceeded(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		writeStripeJSON(w, http.StatusOK, `{"id":"seti_123","object":"setup_intent","status":"requires_payment_method"}`)
	})

	_, err := p.IssueBillingKey(context.Background(), "seti_123", testCustomerID)
	assert.ErrorIs(t, err, billing.ErrGatewayRejected)
}

func TestProvider_ConfirmPayment(t *testing.T) {
	t.Run("succeeded intent", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/payment_intents/pi_123", r.URL.Path)
			writeStripeJSON(w, http.StatusOK, `{
				"id": "pi_123", "object": "payment_intent", "amount": 108900, "status": "succeeded",
				"metadata": {"order_id": "ESG_1"},
				"latest_charge": {"id": "ch_1", "object": "charge", "receipt_url": "https://pay.stripe.com/receipts/ch_1"}
			}`)
		})

		conf, err := p.ConfirmPayment(context.Background(), "pi_123", "ESG_1", 108900)
		require.NoError(t, err)
		assert.Equal(t, "pi_123", conf.PaymentKey)
		assert.Equal(t, "https://pay.stripe.com/receipts/ch_1", conf.ReceiptURL)
	})

	t.Run("confirms an unconfirmed intent", func(t *testing.T) {
		var confirmed bool
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				require.Equal(t, "/v1/payment_intents/pi_123/confirm", r.URL.Path)
				confirmed = true
				writeStripeJSON(w, http.StatusOK, `{"id":"pi_123","object":"payment_intent","amount":108900,"status":"succeeded"}`)
				return
			}
			writeStripeJSON(w, http.StatusOK, `{"id":"pi_123","object":"payment_intent","amount":108900,"status":"requires_confirmation"}`)
		})

		conf, err := p.ConfirmPayment(context.Background(), "pi_123", "ESG_1", 108900)
		require.NoError(t, err)
		assert.True(t, confirmed)
		assert.Equal(t, "pi_123", conf.PaymentKey)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
			writeStripeJSON(w, http.StatusOK, `{"id":"pi_123","object":"payment_intent","amount":100,"status":"succeeded"}`)
		})

		_, err := p.ConfirmPayment(context.Background(), "pi_123", "ESG_1", 108900)
		assert.ErrorIs(t, err, billing.ErrGatewayRejected)
	})

	t.Run("intent of another order", func(t *testing.T) {
		p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
			writeStripeJSON(w, http.StatusOK, `{"id":"pi_123","object":"payment_intent","amount":108900,"status":"succeeded","metadata":{"order_id":"ESG_2"}}`)
		})

		_, err := p.ConfirmPayment(context.Background(), "pi_123", "ESG_1", 108900)
		assert.ErrorIs(t, err, billing.ErrGatewayRejected)
	})
}
