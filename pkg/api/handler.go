package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const maxUserIDLen = 255

var (
	errForbidden       = errors.New("request does not belong to the authenticated user")
	errUnauthenticated = errors.New("user ID not found")
)

// Handler provides the HTTP endpoints of the billing service
type Handler struct {
	config   Config
	validate *validator.Validate
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.setDefaults()
	return &Handler{
		config:   config,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// PreparePayment creates a pending order for the selected plan
func (h *Handler) PreparePayment(w http.ResponseWriter, r *http.Request) {
	var req PrepareRequest
	if !h.decode(w, r, &req) || !h.authorize(w, r, req.UserID) {
		return
	}

	prepared, err := h.config.Manager.PreparePayment(r.Context(), req.UserID, req.Plan)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, PrepareResponse{
		Success:   true,
		OrderID:   prepared.OrderID,
		Amount:    prepared.Amount,
		OrderName: prepared.OrderName,
		ClientKey: h.config.ClientKey,
	})
}

// ConfirmPayment confirms an authorized payment and starts the subscription
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if h.config.GetUserID != nil {
		payment, err := h.config.Manager.Payment(ctx, req.OrderID)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		if !h.authorize(w, r, payment.UserID) {
			return
		}
	}

	purchase, err := h.config.Manager.ConfirmPayment(ctx, req.PaymentKey, req.OrderID, req.Amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ConfirmResponse{
		Success:      true,
		Payment:      summarize(purchase.Payment),
		Subscription: purchase.Subscription,
	})
}

// RegisterBillingKey stores the user's card for recurring charges
func (h *Handler) RegisterBillingKey(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) || !h.authorize(w, r, req.UserID) {
		return
	}

	key, err := h.config.Manager.RegisterBillingKey(r.Context(), req.UserID, req.AuthKey, req.CustomerKey)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, RegisterResponse{
		Success: true,
		BillingKey: BillingKeyView{
			ID:          key.ID,
			CardCompany: key.CardCompany,
			CardNumber:  key.CardNumber,
		},
	})
}

// ChargeSubscription charges a subscription now, outside the daily sweeps
func (h *Handler) ChargeSubscription(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if h.config.GetUserID != nil {
		sub, err := h.config.Manager.Subscription(ctx, req.SubscriptionID)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		if !h.authorize(w, r, sub.UserID) {
			return
		}
	}

	outcome, err := h.config.Manager.ChargeNow(ctx, req.SubscriptionID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if outcome.Result != billing.ChargeSucceeded {
		h.handleError(w, r, outcome.Err)
		return
	}

	h.writeJSON(w, http.StatusOK, ChargeResponse{
		Success: true,
		Payment: PaymentSummary{
			OrderID:    outcome.OrderID,
			Amount:     outcome.Amount,
			Status:     billing.PaymentCompleted,
			PaymentKey: outcome.PaymentKey,
		},
		Subscription: outcome.Subscription,
	})
}

// CancelSubscription stops renewals; service continues until the period ends
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) || !h.authorize(w, r, req.UserID) {
		return
	}

	sub, err := h.config.Manager.CancelSubscription(r.Context(), req.SubscriptionID, req.UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CancelResponse{
		Success: true,
		Message: fmt.Sprintf("subscription cancelled; service remains available until %s",
			sub.CurrentPeriodEnd.Format(time.RFC3339)),
		Subscription: sub,
	})
}

// PaymentHistory lists the user's payments, newest first
func (h *Handler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !h.checkUserID(w, r, userID) {
		return
	}

	payments, err := h.config.Manager.PaymentHistory(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if payments == nil {
		payments = []*billing.Payment{}
	}
	h.writeJSON(w, http.StatusOK, HistoryResponse{Success: true, Payments: payments})
}

// ActiveSubscription returns the user's active subscription, or null
func (h *Handler) ActiveSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !h.checkUserID(w, r, userID) {
		return
	}

	sub, err := h.config.Manager.ActiveSubscription(r.Context(), userID)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{Success: true, Subscription: sub})
}

// Webhook dispatches to the handler registered for the {provider} path segment
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	handler, ok := h.config.Webhooks[provider]
	if !ok {
		h.writeError(w, http.StatusNotFound, fmt.Errorf("unknown webhook provider %q", provider), "")
		return
	}
	handler.ServeHTTP(w, r)
}

func (h *Handler) checkUserID(w http.ResponseWriter, r *http.Request, userID string) bool {
	if userID == "" || len(userID) > maxUserIDLen {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user ID format"), "")
		return false
	}
	return h.authorize(w, r, userID)
}

// authorize refuses requests for another user's data when GetUserID is configured
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, userID string) bool {
	if h.config.GetUserID == nil {
		return true
	}
	authenticated := h.config.GetUserID(r)
	if authenticated == "" {
		h.respondError(w, r, http.StatusUnauthorized, errUnauthenticated, "")
		return false
	}
	if authenticated != userID {
		h.respondError(w, r, http.StatusForbidden, errForbidden, "")
		return false
	}
	return true
}

// decode reads a size-limited JSON body into dst and validates it
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large"), "")
			return false
		}
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err), "")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("validation failed: %w", err), "")
		return false
	}
	return true
}

// handleError maps billing errors to HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		h.config.Logger.Error("billing request failed",
			billing.Field{Key: "path", Value: r.URL.Path},
			billing.Field{Key: "error", Value: err})
	}
	h.respondError(w, r, status, err, code)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, err error, code string) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	if status == http.StatusInternalServerError {
		err = errors.New("internal error")
	}
	h.writeError(w, status, err, code)
}

func statusFor(err error) (int, string) {
	var gwErr *billing.GatewayError
	code := ""
	if errors.As(err, &gwErr) {
		code = gwErr.Code
	}

	switch {
	case errors.Is(err, billing.ErrInvalidPlan),
		errors.Is(err, billing.ErrAmountMismatch),
		errors.Is(err, billing.ErrNoPaymentMethod),
		errors.Is(err, billing.ErrSubscriptionNotActive),
		errors.Is(err, billing.ErrNotEligible):
		return http.StatusBadRequest, code
	case errors.Is(err, billing.ErrPaymentNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrBillingKeyNotFound):
		return http.StatusNotFound, code
	case errors.Is(err, billing.ErrPaymentAlreadyCompleted),
		errors.Is(err, billing.ErrSubscriptionLocked),
		errors.Is(err, billing.ErrAlreadyAttempted),
		errors.Is(err, billing.ErrDuplicateOrderID):
		return http.StatusConflict, code
	case errors.Is(err, billing.ErrGatewayRejected):
		return http.StatusPaymentRequired, code
	case errors.Is(err, billing.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, code
	case errors.Is(err, billing.ErrGatewayUnreachable):
		return http.StatusBadGateway, code
	default:
		return http.StatusInternalServerError, code
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error, code string) {
	msg := err.Error()
	if billing.IsGatewayFailure(err) {
		msg = billing.GatewayMessage(err)
	}
	h.writeJSON(w, status, ErrorResponse{Success: false, Error: msg, Code: code})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Log encoding error but response already sent
		h.config.Logger.Warn("failed to encode response", billing.Field{Key: "error", Value: err})
	}
}

func summarize(p *billing.Payment) PaymentSummary {
	if p == nil {
		return PaymentSummary{}
	}
	return PaymentSummary{
		OrderID:    p.OrderID,
		Amount:     p.Amount,
		Status:     p.Status,
		PaymentKey: p.PaymentKey,
		ReceiptURL: p.ReceiptURL,
	}
}
