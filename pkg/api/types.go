package api

// CheckoutRequest is the body of POST /create-checkout.
type CheckoutRequest struct {
	UserID string `json:"userId" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
	// UserEmail is accepted for clients that still send the older field name.
	UserEmail string `json:"userEmail,omitempty" validate:"-"`
}

// CheckoutResponse is returned by POST /create-checkout.
type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url,omitempty"`
}

// CancelRequest is the body of POST /cancel-subscription.
type CancelRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// SubscriptionRequest is the body of POST /subscription and POST /cancel-at-period-end.
type SubscriptionRequest struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
}

// SubscriptionResponse is returned by POST /subscription.
// Times are Unix seconds, as Stripe reports them.
type SubscriptionResponse struct {
	Status            string `json:"status"`
	CurrentPeriodEnd  int64  `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

// CancelAtPeriodEndResponse is returned by POST /cancel-at-period-end.
type CancelAtPeriodEndResponse struct {
	Success  bool  `json:"success"`
	CancelAt int64 `json:"cancel_at,omitempty"`
}

// SuccessResponse is returned by POST /cancel-subscription.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}
