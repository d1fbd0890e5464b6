package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpmw "github.com/kitchen-alchemy/functions/middleware/http"
	"github.com/kitchen-alchemy/functions/pkg/api"
	"github.com/kitchen-alchemy/functions/pkg/billing"
	"github.com/kitchen-alchemy/functions/pkg/billing/lemonsqueezy"
	stripebilling "github.com/kitchen-alchemy/functions/pkg/billing/stripe"
	"github.com/kitchen-alchemy/functions/storage/memory"
)

const lsSecret = "ls-secret"

var periodEnd = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeCheckout struct {
	gotRequest stripebilling.CheckoutRequest
	gotSubID   string
	err        error
}

func (f *fakeCheckout) CreateCheckoutSession(_ context.Context, req stripebilling.CheckoutRequest) (*stripebilling.CheckoutSession, error) {
	f.gotRequest = req
	if f.err != nil {
		return nil, f.err
	}
	return &stripebilling.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/cs_test_1"}, nil
}

func (f *fakeCheckout) GetSubscription(_ context.Context, id string) (*stripebilling.Subscription, error) {
	f.gotSubID = id
	if f.err != nil {
		return nil, f.err
	}
	end := periodEnd
	return &stripebilling.Subscription{ID: id, Status: "active", CurrentPeriodEnd: &end}, nil
}

func (f *fakeCheckout) CancelAtPeriodEnd(_ context.Context, id string) (*stripebilling.Subscription, error) {
	f.gotSubID = id
	if f.err != nil {
		return nil, f.err
	}
	end := periodEnd
	return &stripebilling.Subscription{ID: id, Status: "active", CurrentPeriodEnd: &end, CancelAtPeriodEnd: true}, nil
}

type fixture struct {
	store    *memory.Storage
	checkout *fakeCheckout
	upstream *httptest.Server
	router   http.Handler

	cancelled []string
	cancelErr int
}

func newFixture(t *testing.T, configure func(*api.Config)) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), checkout: &fakeCheckout{}}

	f.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.cancelErr != 0 {
			w.WriteHeader(f.cancelErr)
			_, _ = w.Write([]byte(`{"errors":[{"detail":"upstream refused"}]}`))
			return
		}
		f.cancelled = append(f.cancelled, r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(f.upstream.Close)

	ctx := context.Background()
	require.NoError(t, f.store.PutUser(ctx, &billing.User{
		ID: "user-1", Email: "a@x.com", SubscriptionStatus: billing.StatusPremium, IsPremium: true,
		LemonSqueezySubscriptionID: "123",
	}))
	require.NoError(t, f.store.PutUser(ctx, &billing.User{
		ID: "user-2", Email: "b@x.com", SubscriptionStatus: billing.StatusFree,
	}))

	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{Store: f.store})
	require.NoError(t, err)

	ls, err := lemonsqueezy.NewProvider(lemonsqueezy.Config{
		Config:  billing.Config{WebhookSecret: lsSecret, APIKey: "ls-key"},
		BaseURL: f.upstream.URL,
	})
	require.NoError(t, err)

	config := api.Config{
		Reconciler: reconciler,
		Providers:  []billing.Provider{ls},
		Checkout:   f.checkout,
		CORS:       httpmw.DefaultConfig(),
	}
	if configure != nil {
		configure(&config)
	}
	h, err := api.NewHandler(config)
	require.NoError(t, err)
	f.router = h.Routes()
	return f
}

func (f *fixture) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) billing.ErrorBody {
	t.Helper()
	var body billing.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := api.NewHandler(api.Config{})
	assert.Error(t, err)

	f := newFixture(t, nil)
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{Store: f.store})
	require.NoError(t, err)
	ls, err := lemonsqueezy.NewProvider(lemonsqueezy.Config{})
	require.NoError(t, err)

	_, err = api.NewHandler(api.Config{Reconciler: reconciler, Providers: []billing.Provider{ls, ls}})
	assert.Error(t, err)
}

func TestRoutes_PreflightAndMethods(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/cancel-subscription", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/cancel-subscription", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "Method not allowed", decodeError(t, w).Error)

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelSubscription(t *testing.T) {
	t.Run("missing user id", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.post(t, "/cancel-subscription", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Missing userId", decodeError(t, w).Error)
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/cancel-subscription", bytes.NewBufferString("{"))
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.post(t, "/cancel-subscription", api.CancelRequest{UserID: "ghost"})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "User not found", decodeError(t, w).Error)
	})

	t.Run("no stored subscription", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.post(t, "/cancel-subscription", api.CancelRequest{UserID: "user-2"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "No subscription found", decodeError(t, w).Error)
		assert.Empty(t, f.cancelled)
	})

	t.Run("cancels upstream and downgrades", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.post(t, "/cancel-subscription", api.CancelRequest{UserID: "user-1"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp api.SuccessResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "Subscription cancelled successfully", resp.Message)
		assert.Equal(t, []string{"/v1/subscriptions/123"}, f.cancelled)

		user, err := f.store.GetUser(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusFree, user.SubscriptionStatus)
		assert.False(t, user.IsPremium)
		assert.NotNil(t, user.CancelledAt)
		assert.Empty(t, user.LastWebhookEvent)
	})

	t.Run("upstream failure keeps status and record", func(t *testing.T) {
		f := newFixture(t, nil)
		f.cancelErr = http.StatusUnprocessableEntity
		w := f.post(t, "/cancel-subscription", api.CancelRequest{UserID: "user-1"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, "Failed to cancel subscription", body.Error)
		assert.NotNil(t, body.Details)

		user, err := f.store.GetUser(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPremium, user.SubscriptionStatus)
	})
}

func TestCancelSubscription_AlreadyCancelled(t *testing.T) {
	t.Run("second request does not cancel upstream again", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.post(t, "/cancel-subscription", api.CancelRequest{UserID: "user-1"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = f.post(t, "/cancel-subscription", api.CancelRequest{UserID: "user-1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "No subscription found", decodeError(t, w).Error)
		assert.Len(t, f.cancelled, 1)
	})

	t.Run("provider already reported cancellation", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.store.PutUser(context.Background(), &billing.User{
			ID: "user-3", Email: "c@x.com", SubscriptionStatus: billing.StatusPremium, IsPremium: true,
			LemonSqueezySubscriptionID: "456", LemonSqueezyStatus: "cancelled",
		}))

		w := f.post(t, "/cancel-subscription", api.CancelRequest{UserID: "user-3"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, f.cancelled)
	})
}

// webhookOnly hides the CancelSubscription method of the wrapped provider.
type webhookOnly struct {
	billing.Provider
}

func TestCancelSubscription_ProviderCannotCancel(t *testing.T) {
	f := newFixture(t, func(c *api.Config) {
		c.Providers = []billing.Provider{webhookOnly{c.Providers[0]}}
	})

	w := f.post(t, "/cancel-subscription", api.CancelRequest{UserID: "user-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Cancellation not supported", decodeError(t, w).Error)
	assert.Empty(t, f.cancelled)

	user, err := f.store.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPremium, user.SubscriptionStatus)
}

func TestCancelSubscription_MissingAPIKey(t *testing.T) {
	f := newFixture(t, func(c *api.Config) {
		ls, err := lemonsqueezy.NewProvider(lemonsqueezy.Config{})
		require.NoError(t, err)
		c.Providers = []billing.Provider{ls}
	})

	w := f.post(t, "/cancel-subscription", api.CancelRequest{UserID: "user-1"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Configuration error", decodeError(t, w).Error)
}

func TestCreateCheckout(t *testing.T) {
	t.Run("missing fields", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.post(t, "/create-checkout", api.CheckoutRequest{UserID: "user-1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Missing userId or email", decodeError(t, w).Error)
	})

	t.Run("malformed email", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.post(t, "/create-checkout", api.CheckoutRequest{UserID: "user-1", Email: "not-an-email"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Invalid email", decodeError(t, w).Error)
	})

	t.Run("creates session", func(t *testing.T) {
		f := newFixture(t, nil)
		data, _ := json.Marshal(api.CheckoutRequest{UserID: "user-1", Email: "a@x.com"})
		req := httptest.NewRequest(http.MethodPost, "/create-checkout", bytes.NewReader(data))
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp api.CheckoutResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "cs_test_1", resp.SessionID)
		assert.Equal(t, "https://app.example.com", f.checkout.gotRequest.Origin)
		assert.Equal(t, "a@x.com", f.checkout.gotRequest.Email)
	})

	t.Run("legacy email field and route", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.post(t, "/stripe-create-checkout", map[string]string{"userId": "user-1", "userEmail": "a@x.com"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "a@x.com", f.checkout.gotRequest.Email)
	})

	t.Run("upstream status is passed through", func(t *testing.T) {
		f := newFixture(t, nil)
		f.checkout.err = billing.UpstreamError(http.StatusPaymentRequired, "Failed to create checkout session", "card declined", errors.New("402"))
		w := f.post(t, "/create-checkout", api.CheckoutRequest{UserID: "user-1", Email: "a@x.com"})
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, "card declined", decodeError(t, w).Details)
	})

	t.Run("stripe not configured", func(t *testing.T) {
		f := newFixture(t, func(c *api.Config) { c.Checkout = nil })
		w := f.post(t, "/create-checkout", api.CheckoutRequest{UserID: "user-1", Email: "a@x.com"})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "Configuration error", decodeError(t, w).Error)
	})
}

func TestSubscriptionEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	w := f.post(t, "/subscription", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing subscriptionId", decodeError(t, w).Error)

	w = f.post(t, "/subscription", api.SubscriptionRequest{SubscriptionID: "sub_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sub api.SubscriptionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, "active", sub.Status)
	assert.Equal(t, periodEnd.Unix(), sub.CurrentPeriodEnd)
	assert.False(t, sub.CancelAtPeriodEnd)

	w = f.post(t, "/stripe-cancel-subscription", api.SubscriptionRequest{SubscriptionID: "sub_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancel api.CancelAtPeriodEndResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancel))
	assert.True(t, cancel.Success)
	assert.Equal(t, periodEnd.Unix(), cancel.CancelAt)
	assert.Equal(t, "sub_1", f.checkout.gotSubID)
}

func TestWebhookRoutes(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"meta":{"event_name":"subscription_created"},` +
		`"data":{"id":"77","type":"subscriptions","attributes":{"user_email":"b@x.com","customer_id":9,"status":"active"}}}`)
	mac := hmac.New(sha256.New, []byte(lsSecret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	for _, path := range []string{"/webhook/lemonsqueezy", "/lemonsqueezy-webhook"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("X-Signature", signature)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	user, err := f.store.GetUser(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPremium, user.SubscriptionStatus)
	assert.Equal(t, "77", user.LemonSqueezySubscriptionID)

	req := httptest.NewRequest(http.MethodPost, "/webhook/paypal", bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Stripe is not configured in this fixture.
	req = httptest.NewRequest(http.MethodPost, "/stripe-webhook", bytes.NewReader(body))
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	down := newFixture(t, func(c *api.Config) {
		c.Ready = func(context.Context) error { return errors.New("store unreachable") }
	})
	w = httptest.NewRecorder()
	down.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, func(c *api.Config) {
		c.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("billing_up 1\n"))
		})
	})
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "billing_up")
}
