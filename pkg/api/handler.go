// Package api exposes the billing endpoints over HTTP: checkout creation,
// subscription management and the provider webhooks.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kitchen-alchemy/functions/pkg/billing"
	stripebilling "github.com/kitchen-alchemy/functions/pkg/billing/stripe"
)

const maxRequestBodyBytes = 64 * 1024

// Handler provides the billing HTTP endpoints
type Handler struct {
	config   Config
	store    billing.UserStore
	webhooks map[string]http.Handler
	validate *validator.Validate
	logger   billing.Logger
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h := &Handler{
		config:   config,
		store:    config.Reconciler.Store(),
		webhooks: make(map[string]http.Handler, len(config.Providers)),
		validate: newValidator(),
		logger:   billing.LoggerOrNoop(config.Logger),
	}
	for _, p := range config.Providers {
		wh, err := billing.NewWebhookHandler(p, config.Reconciler)
		if err != nil {
			return nil, fmt.Errorf("webhook handler for %s: %w", p.Name(), err)
		}
		h.webhooks[p.Name()] = wh.Handler()
	}
	return h, nil
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateCheckout handles POST /create-checkout.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		req.Email = req.UserEmail
	}
	if err := h.validate.Struct(&req); err != nil {
		billing.WriteError(w, validationError(err, "Missing userId or email"))
		return
	}
	if h.config.Checkout == nil {
		billing.WriteError(w, billing.ConfigError(billing.ErrProviderNotConfigured))
		return
	}

	session, err := h.config.Checkout.CreateCheckoutSession(r.Context(), stripebilling.CheckoutRequest{
		UserID: req.UserID,
		Email:  req.Email,
		Origin: r.Header.Get("Origin"),
	})
	if err != nil {
		h.logger.Error("checkout creation failed", billing.F("user_id", req.UserID), billing.F("error", err))
		billing.WriteError(w, err)
		return
	}

	h.logger.Info("checkout session created",
		billing.F("user_id", req.UserID), billing.F("session_id", session.ID))
	billing.WriteJSON(w, http.StatusOK, CheckoutResponse{SessionID: session.ID, URL: session.URL})
}

// CancelSubscription handles POST /cancel-subscription. It cancels the first
// stored subscription upstream and then marks the user record cancelled.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		billing.WriteError(w, validationError(err, "Missing userId"))
		return
	}
	ctx := r.Context()

	user, err := h.store.GetUser(ctx, req.UserID)
	if errors.Is(err, billing.ErrUserNotFound) {
		billing.WriteError(w, billing.NotFoundError("User not found", err))
		return
	}
	if err != nil {
		billing.WriteError(w, billing.InternalError(err))
		return
	}

	provider, canceller, subscriptionID, err := h.subscriptionFor(user)
	if err != nil {
		billing.WriteError(w, err)
		return
	}

	if err := canceller.CancelSubscription(ctx, subscriptionID); err != nil {
		h.logger.Error("subscription cancel failed",
			billing.F("provider", provider.Name()),
			billing.F("user_id", user.ID),
			billing.F("subscription_id", subscriptionID),
			billing.F("error", err))
		billing.WriteError(w, err)
		return
	}

	// The provider's cancellation webhook follows and re-applies the same state.
	if _, err := h.config.Reconciler.ApplyCancellation(ctx, provider, user.ID); err != nil {
		billing.WriteError(w, billing.InternalError(err))
		return
	}

	h.logger.Info("subscription cancelled",
		billing.F("provider", provider.Name()), billing.F("user_id", user.ID))
	billing.WriteJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Subscription cancelled successfully",
	})
}

// subscriptionFor returns the first provider, in configured order, for which
// the user has a live stored subscription. A subscription already cancelled
// is skipped so a repeated request does not cancel it upstream again.
func (h *Handler) subscriptionFor(user *billing.User) (billing.Provider, billing.SubscriptionCanceller, string, error) {
	var unsupported billing.Provider
	for _, p := range h.config.Providers {
		id := user.Link(p.Name()).SubscriptionID
		if id == "" || subscriptionCancelled(p, user) {
			continue
		}
		canceller, ok := p.(billing.SubscriptionCanceller)
		if !ok {
			if unsupported == nil {
				unsupported = p
			}
			continue
		}
		return p, canceller, id, nil
	}

	if unsupported != nil {
		return nil, nil, "", &billing.Error{
			Kind:    billing.KindValidation,
			Status:  http.StatusBadRequest,
			Message: "Cancellation not supported",
			Err:     fmt.Errorf("%s: %w", unsupported.Name(), billing.ErrNotSupported),
		}
	}
	return nil, nil, "", &billing.Error{
		Kind:    billing.KindValidation,
		Status:  http.StatusBadRequest,
		Message: "No subscription found",
		Err:     billing.ErrNoSubscription,
	}
}

// subscriptionCancelled reports whether the user's subscription with p has
// already ended, either by the provider's own status or by the status a
// cancellation writes.
func subscriptionCancelled(p billing.Provider, user *billing.User) bool {
	switch strings.ToLower(user.Link(p.Name()).Status) {
	case "cancelled", "canceled", "expired", "incomplete_expired":
		return true
	}
	return user.SubscriptionStatus == p.MapStatus(billing.TransitionCancelled, "")
}

// GetSubscription handles POST /subscription.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		billing.WriteError(w, validationError(err, "Missing subscriptionId"))
		return
	}
	if h.config.Checkout == nil {
		billing.WriteError(w, billing.ConfigError(billing.ErrProviderNotConfigured))
		return
	}

	sub, err := h.config.Checkout.GetSubscription(r.Context(), req.SubscriptionID)
	if err != nil {
		billing.WriteError(w, err)
		return
	}

	billing.WriteJSON(w, http.StatusOK, SubscriptionResponse{
		Status:            sub.Status,
		CurrentPeriodEnd:  unix(sub),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	})
}

// CancelAtPeriodEnd handles POST /cancel-at-period-end. The user keeps access
// until the current billing period ends.
func (h *Handler) CancelAtPeriodEnd(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		billing.WriteError(w, validationError(err, "Missing subscriptionId"))
		return
	}
	if h.config.Checkout == nil {
		billing.WriteError(w, billing.ConfigError(billing.ErrProviderNotConfigured))
		return
	}

	sub, err := h.config.Checkout.CancelAtPeriodEnd(r.Context(), req.SubscriptionID)
	if err != nil {
		billing.WriteError(w, err)
		return
	}

	billing.WriteJSON(w, http.StatusOK, CancelAtPeriodEndResponse{Success: true, CancelAt: unix(sub)})
}

// Webhook handles POST /webhook/{provider}.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	h.webhookFor(chi.URLParam(r, "provider")).ServeHTTP(w, r)
}

func (h *Handler) webhookFor(name string) http.Handler {
	if wh, ok := h.webhooks[name]; ok {
		return wh
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		billing.WriteJSON(w, http.StatusNotFound, billing.ErrorBody{Error: "Unknown provider"})
	})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.config.Ready != nil {
		if err := h.config.Ready(r.Context()); err != nil {
			h.logger.Warn("health check failed", billing.F("error", err))
			billing.WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
	}
	billing.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// decode reads a JSON body into v, writing a 400 response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		billing.WriteError(w, &billing.Error{
			Kind:    billing.KindValidation,
			Status:  http.StatusBadRequest,
			Message: "Invalid request body",
			Err:     err,
		})
		return false
	}
	return true
}

// validationError maps validator failures to a 400. Missing required fields
// use missingMsg; other failures name the offending field.
func validationError(err error, missingMsg string) *billing.Error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Tag() != "required" {
				return billing.ValidationError("Invalid " + fe.Field())
			}
		}
	}
	return billing.ValidationError(missingMsg)
}

func unix(sub *stripebilling.Subscription) int64 {
	if sub.CurrentPeriodEnd == nil {
		return 0
	}
	return sub.CurrentPeriodEnd.Unix()
}
