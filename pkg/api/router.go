package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmw "github.com/kitchen-alchemy/functions/middleware/http"
	"github.com/kitchen-alchemy/functions/pkg/billing"
)

// Routes returns the chi router serving every billing endpoint.
// The older function names stay mounted so deployed clients and
// provider webhook settings keep working.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmw.CORS(h.config.CORS))
	r.Use(httpmw.NoStore)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		billing.WriteJSON(w, http.StatusNotFound, billing.ErrorBody{Error: "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		billing.WriteJSON(w, http.StatusMethodNotAllowed, billing.ErrorBody{Error: "Method not allowed"})
	})

	r.Get("/healthz", h.Health)
	if h.config.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.config.MetricsHandler)
	}

	r.Post("/create-checkout", h.CreateCheckout)
	r.Post("/cancel-subscription", h.CancelSubscription)
	r.Post("/subscription", h.GetSubscription)
	r.Post("/cancel-at-period-end", h.CancelAtPeriodEnd)
	r.Post("/webhook/{provider}", h.Webhook)

	r.Post("/stripe-create-checkout", h.CreateCheckout)
	r.Post("/stripe-get-subscription", h.GetSubscription)
	r.Post("/stripe-cancel-subscription", h.CancelAtPeriodEnd)
	r.Method(http.MethodPost, "/stripe-webhook", h.webhookFor(billing.ProviderStripe))
	r.Method(http.MethodPost, "/lemonsqueezy-webhook", h.webhookFor(billing.ProviderLemonSqueezy))

	return r
}
