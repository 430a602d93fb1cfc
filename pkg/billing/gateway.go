package billing

import "context"

// Gateway is the payment gateway capability consumed by the billing core
type Gateway interface {
	// ChargeBillingKey charges a registered instrument for one order
	ChargeBillingKey(ctx context.Context, billingKey string, req ChargeRequest) (*ChargeReceipt, error)

	// IssueBillingKey exchanges a one-time auth key for a reusable billing key
	IssueBillingKey(ctx context.Context, authKey, customerKey string) (*IssuedBillingKey, error)

	// ConfirmPayment approves a client-side authorized payment
	ConfirmPayment(ctx context.Context, paymentKey, orderID string, amount int64) (*Confirmation, error)
}

// ChargeRequest is the body of a billing key charge
type ChargeRequest struct {
	CustomerKey string
	Amount      int64
	OrderID     string
	OrderName   string
}

// ChargeReceipt is returned for an accepted charge
type ChargeReceipt struct {
	PaymentKey string
	ReceiptURL string
}

// IssuedBillingKey is the instrument registered by IssueBillingKey
type IssuedBillingKey struct {
	BillingKey  string
	CustomerKey string
	CardCompany string
	CardNumber  string
}

// Confirmation is returned for an approved initial payment
type Confirmation struct {
	PaymentKey string
	ReceiptURL string
}
