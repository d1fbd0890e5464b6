package lemonsqueezy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

const jsonAPIMediaType = "application/vnd.api+json"

// CancelSubscription cancels a subscription through the LemonSqueezy API.
// LemonSqueezy keeps the subscription active until the end of the billing
// period and reports the change with a subscription_cancelled webhook.
func (p *Provider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if p.apiKey == "" {
		p.logger.Error("lemonsqueezy API key not configured")
		return billing.ConfigError(fmt.Errorf("lemonsqueezy API key: %w", billing.ErrProviderNotConfigured))
	}

	startTime := time.Now()
	endpoint := "/v1/subscriptions/{id}"
	reqURL := fmt.Sprintf("%s/v1/subscriptions/%s", p.baseURL, url.PathEscape(subscriptionID))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, http.NoBody)
	if err != nil {
		return billing.InternalError(err)
	}
	req.Header.Set("Accept", jsonAPIMediaType)
	req.Header.Set("Content-Type", jsonAPIMediaType)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return billing.UpstreamError(0, "Failed to cancel subscription", nil,
			fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err))
	}
	defer func() { _ = resp.Body.Close() }()

	p.metrics.RecordAPICall(providerName, endpoint, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		details := decodeErrorBody(resp.Body)
		p.logger.Error("lemonsqueezy cancel failed",
			billing.F("subscription_id", subscriptionID),
			billing.F("status", resp.StatusCode),
			billing.F("details", details))
		return billing.UpstreamError(resp.StatusCode, "Failed to cancel subscription", details,
			fmt.Errorf("%w: status %d", billing.ErrProviderAPIError, resp.StatusCode))
	}
	return nil
}

// decodeErrorBody returns the JSON error document, or the raw text when the
// body is not JSON.
func decodeErrorBody(r io.Reader) interface{} {
	raw, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil || len(raw) == 0 {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return string(raw)
	}
	return doc
}
