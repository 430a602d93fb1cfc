package toss

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/gateway"
	"github.com/mihaimyh/gobilling/pkg/gateway/internal"
)

const (
	headerSignature        = "tosspayments-webhook-signature"
	headerTransmissionTime = "tosspayments-webhook-transmission-time"
	signaturePrefix        = "v1:"
)

// handleWebhook authenticates a Toss webhook and hands it to the reconciler
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.config.Reconciler == nil || p.config.WebhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	if err := p.verifySignature(body, r.Header.Get(headerSignature), r.Header.Get(headerTransmissionTime)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("toss webhook rejected", billing.Field{Key: "error", Value: err})
		return
	}

	var event billing.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil || event.EventType == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	result, err := p.config.Reconciler.Apply(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, event.EventType, time.Since(start))
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, event.EventType, "error")
		p.logger.Error("toss webhook reconciliation failed",
			billing.Field{Key: "event_type", Value: event.EventType},
			billing.Field{Key: "error", Value: err})
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, event.EventType, string(result))
	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// verifySignature checks HMAC-SHA256(secret, body + ":" + transmissionTime)
// against every v1 signature in header, and rejects stale transmissions.
func (p *Provider) verifySignature(body []byte, header, transmissionTime string) error {
	if header == "" || transmissionTime == "" {
		return gateway.ErrInvalidWebhookSignature
	}

	// RFC3339Nano also accepts timestamps without fractional seconds
	sent, err := time.Parse(time.RFC3339Nano, transmissionTime)
	if err != nil {
		return gateway.ErrInvalidWebhookSignature
	}
	if age := p.now().Sub(sent); age > p.config.WebhookTolerance || age < -p.config.WebhookTolerance {
		return gateway.ErrInvalidWebhookSignature
	}

	expected := Sign([]byte(p.config.WebhookSecret), body, transmissionTime)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, signaturePrefix) {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(part, signaturePrefix))
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return gateway.ErrInvalidWebhookSignature
}

// Sign computes the raw Toss webhook signature
func Sign(secret, body []byte, transmissionTime string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(":" + transmissionTime))
	return mac.Sum(nil)
}

// SignatureHeader formats a signature the way Toss sends it
func SignatureHeader(secret, body []byte, transmissionTime string) string {
	return signaturePrefix + base64.StdEncoding.EncodeToString(Sign(secret, body, transmissionTime))
}
