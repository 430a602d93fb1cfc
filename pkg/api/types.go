package api

import "github.com/mihaimyh/gobilling/pkg/billing"

// PrepareRequest starts an initial purchase
type PrepareRequest struct {
	UserID string       `json:"userId" validate:"required,max=255"`
	Plan   billing.Plan `json:"plan" validate:"required"`
}

// PrepareResponse carries what the payment window needs
type PrepareResponse struct {
	Success   bool   `json:"success"`
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
	OrderName string `json:"orderName"`
	ClientKey string `json:"clientKey,omitempty"`
}

// ConfirmRequest is sent by the client after the payment window succeeded
type ConfirmRequest struct {
	PaymentKey string `json:"paymentKey" validate:"required"`
	OrderID    string `json:"orderId" validate:"required"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
}

// ConfirmResponse describes the completed payment and the new subscription
type ConfirmResponse struct {
	Success      bool                  `json:"success"`
	Payment      PaymentSummary        `json:"payment"`
	Subscription *billing.Subscription `json:"subscription"`
}

// PaymentSummary is the public view of a payment
type PaymentSummary struct {
	OrderID    string                `json:"orderId"`
	Amount     int64                 `json:"amount"`
	Status     billing.PaymentStatus `json:"status,omitempty"`
	PaymentKey string                `json:"paymentKey,omitempty"`
	ReceiptURL string                `json:"receiptUrl,omitempty"`
}

// RegisterRequest exchanges a card authorization for a billing key
type RegisterRequest struct {
	UserID      string `json:"userId" validate:"required,max=255"`
	AuthKey     string `json:"authKey" validate:"required"`
	CustomerKey string `json:"customerKey" validate:"required"`
}

// RegisterResponse describes the registered card without the billing key itself
type RegisterResponse struct {
	Success    bool           `json:"success"`
	BillingKey BillingKeyView `json:"billingKey"`
}

// BillingKeyView is the public view of a registered card
type BillingKeyView struct {
	ID          string `json:"id"`
	CardCompany string `json:"cardCompany,omitempty"`
	CardNumber  string `json:"cardNumber,omitempty"`
}

// ChargeRequest charges a subscription immediately
type ChargeRequest struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
}

// ChargeResponse describes a successful manual charge
type ChargeResponse struct {
	Success      bool                  `json:"success"`
	Payment      PaymentSummary        `json:"payment"`
	Subscription *billing.Subscription `json:"subscription"`
}

// CancelRequest stops renewals of a subscription
type CancelRequest struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
	UserID         string `json:"userId" validate:"required,max=255"`
}

// CancelResponse confirms the cancellation and when service ends
type CancelResponse struct {
	Success      bool                  `json:"success"`
	Message      string                `json:"message"`
	Subscription *billing.Subscription `json:"subscription"`
}

// HistoryResponse lists a user's payments, newest first
type HistoryResponse struct {
	Success  bool               `json:"success"`
	Payments []*billing.Payment `json:"payments"`
}

// SubscriptionResponse holds the active subscription, or null
type SubscriptionResponse struct {
	Success      bool                  `json:"success"`
	Subscription *billing.Subscription `json:"subscription"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}
