package billing

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	httpmw "github.com/kitchen-alchemy/functions/middleware/http"
	"github.com/kitchen-alchemy/functions/pkg/billing/internal"
)

const (
	maxWebhookBodyBytes      = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// WebhookResponse is the JSON body of a successfully handled webhook.
type WebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// WebhookHandler runs inbound webhooks for one provider through
// verification, normalization and reconciliation.
type WebhookHandler struct {
	provider    Provider
	reconciler  *Reconciler
	rateLimiter *internal.RateLimiter
	metrics     Metrics
	logger      Logger
}

// NewWebhookHandler creates the webhook endpoint for provider.
func NewWebhookHandler(provider Provider, reconciler *Reconciler) (*WebhookHandler, error) {
	if provider == nil || reconciler == nil {
		return nil, ErrProviderNotConfigured
	}
	return &WebhookHandler{
		provider:    provider,
		reconciler:  reconciler,
		rateLimiter: internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		metrics:     reconciler.metrics,
		logger:      reconciler.logger,
	}, nil
}

// Handler returns the rate-limited HTTP handler. It also applies
// httpmw.NoStore so the endpoint keeps its headers when mounted without
// the api router.
func (h *WebhookHandler) Handler() http.Handler {
	return httpmw.NoStore(h.rateLimiter.Middleware(h))
}

// ServeHTTP handles a single webhook delivery.
// Non-2xx responses make the provider redeliver, so only failures a retry can
// fix (store errors) return 5xx; semantic no-ops return 200.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	name := h.provider.Name()

	if r.Method != http.MethodPost {
		WriteJSON(w, http.StatusMethodNotAllowed, ErrorBody{Error: "Method not allowed"})
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			WriteJSON(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: "Payload too large"})
			h.metrics.RecordWebhookError(name, "payload_too_large")
		} else {
			WriteJSON(w, http.StatusBadRequest, ErrorBody{Error: "Invalid payload", Message: err.Error()})
			h.metrics.RecordWebhookError(name, "invalid_payload")
		}
		return
	}

	if err := h.provider.VerifySignature(body, r.Header.Get(h.provider.SignatureHeader())); err != nil {
		h.logger.Warn("webhook signature rejected", F("provider", name), F("error", err))
		h.metrics.RecordWebhookError(name, "auth_failed")
		WriteError(w, err)
		return
	}

	event, err := h.provider.NormalizeEvent(body)
	if err != nil {
		h.logger.Warn("webhook payload rejected", F("provider", name), F("error", err))
		h.metrics.RecordWebhookError(name, "invalid_payload")
		WriteError(w, &Error{
			Kind:    KindValidation,
			Status:  http.StatusBadRequest,
			Message: "Invalid payload",
			Err:     err,
		})
		return
	}

	eventType := event.Type
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	result, err := h.reconciler.Apply(r.Context(), h.provider, event)
	if err != nil {
		h.logger.Error("webhook processing failed",
			F("provider", name), F("event_type", eventType), F("error", err))
		h.metrics.RecordWebhookEvent(name, eventType, "error")
		h.metrics.RecordWebhookError(name, "processing_error")
		h.metrics.RecordWebhookProcessingDuration(name, eventType, time.Since(startTime))
		WriteError(w, InternalError(fmt.Errorf("failed to process webhook: %w", err)))
		return
	}

	WriteJSON(w, http.StatusOK, WebhookResponse{Success: true, Message: result.Message()})
	h.metrics.RecordWebhookEvent(name, eventType, string(result.Outcome))
	h.metrics.RecordWebhookProcessingDuration(name, eventType, time.Since(startTime))
}
