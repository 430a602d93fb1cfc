package billingtest

import (
	"context"
	"sync"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Gateway is an in-process billing.Gateway for tests outside the billing
// package. Nil hooks accept every request.
type Gateway struct {
	ChargeFn  func(billingKey string, req billing.ChargeRequest) (*billing.ChargeReceipt, error)
	ConfirmFn func(paymentKey, orderID string, amount int64) (*billing.Confirmation, error)
	IssueFn   func(authKey, customerKey string) (*billing.IssuedBillingKey, error)

	mu      sync.Mutex
	charges []billing.ChargeRequest
}

var _ billing.Gateway = (*Gateway)(nil)

func (g *Gateway) ChargeBillingKey(_ context.Context, billingKey string,
	req billing.ChargeRequest) (*billing.ChargeReceipt, error) {
	g.mu.Lock()
	g.charges = append(g.charges, req)
	g.mu.Unlock()
	if g.ChargeFn != nil {
		return g.ChargeFn(billingKey, req)
	}
	return &billing.ChargeReceipt{PaymentKey: "pk_" + req.OrderID, ReceiptURL: "https://receipt/" + req.OrderID}, nil
}

func (g *Gateway) IssueBillingKey(_ context.Context, authKey, customerKey string) (*billing.IssuedBillingKey, error) {
	if g.IssueFn != nil {
		return g.IssueFn(authKey, customerKey)
	}
	return &billing.IssuedBillingKey{
		BillingKey:  "bk_" + authKey,
		CustomerKey: customerKey,
		CardCompany: "Shinhan",
		CardNumber:  "4330-12**-****-123*",
	}, nil
}

func (g *Gateway) ConfirmPayment(_ context.Context, paymentKey, orderID string,
	amount int64) (*billing.Confirmation, error) {
	if g.ConfirmFn != nil {
		return g.ConfirmFn(paymentKey, orderID, amount)
	}
	return &billing.Confirmation{PaymentKey: paymentKey, ReceiptURL: "https://receipt/" + orderID}, nil
}

// Charges returns the charge requests seen so far
func (g *Gateway) Charges() []billing.ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]billing.ChargeRequest(nil), g.charges...)
}

// Reject is a ChargeFn declining every card
func Reject(string, billing.ChargeRequest) (*billing.ChargeReceipt, error) {
	return nil, &billing.GatewayError{Code: "REJECT_CARD_COMPANY", Message: "card declined", Err: billing.ErrGatewayRejected}
}
