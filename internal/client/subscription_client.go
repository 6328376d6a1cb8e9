package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/apperr"
	"github.com/wenwu/saas-platform/proxyfleet-service/internal/models"
)

// ResolvedUser is the identity behind an external subscription link.
type ResolvedUser struct {
	UserID                 int64
	ExternalSubscriptionID string
}

// SubscriptionBackend is the external subscription system the entitlement
// sweep and the resolve endpoint consult.
type SubscriptionBackend interface {
	// GetStatus returns active, expired or cancelled
	GetStatus(ctx context.Context, externalID string) (string, error)
	ResolveUser(ctx context.Context, link string) (*ResolvedUser, error)
}

// SubscriptionClient handles communication with subscription-service
type SubscriptionClient struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

// NewSubscriptionClient creates a new subscription service client
func NewSubscriptionClient(baseURL, internalKey string, timeout time.Duration) *SubscriptionClient {
	return &SubscriptionClient{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetStatus fetches the current status of an external subscription. An
// unknown subscription is reported as cancelled.
func (c *SubscriptionClient) GetStatus(ctx context.Context, externalID string) (string, error) {
	body, status, err := c.get(ctx, "/api/internal/subscriptions/"+url.PathEscape(externalID)+"/status")
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return models.EntitlementStatusCancelled, nil
	}

	value, err := jsonparser.GetString(body, "status")
	if err != nil {
		value, err = jsonparser.GetString(body, "data", "status")
	}
	if err != nil {
		return "", fmt.Errorf("decode subscription status: %w", err)
	}
	if !models.ValidEntitlementStatus(value) {
		return "", fmt.Errorf("unknown subscription status %q", value)
	}
	return value, nil
}

// ResolveUser maps a raw subscription link or username to the user it
// belongs to
func (c *SubscriptionClient) ResolveUser(ctx context.Context, link string) (*ResolvedUser, error) {
	body, status, err := c.get(ctx, "/api/internal/subscriptions/resolve?link="+url.QueryEscape(link))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, apperr.NotFound("subscription link", link)
	}

	userID, err := intField(body, "user_id")
	if err != nil {
		return nil, fmt.Errorf("decode resolved user: %w", err)
	}
	externalID, _ := jsonparser.GetString(body, "external_subscription_id")
	if externalID == "" {
		externalID, _ = jsonparser.GetString(body, "data", "external_subscription_id")
	}
	if externalID == "" {
		return nil, fmt.Errorf("decode resolved user: missing external_subscription_id")
	}
	return &ResolvedUser{UserID: userID, ExternalSubscriptionID: externalID}, nil
}

func (c *SubscriptionClient) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return body, resp.StatusCode, nil
	}
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("subscription-service returned status %d", resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

// intField accepts the id as a JSON number or a numeric string.
func intField(body []byte, key string) (int64, error) {
	for _, env := range envelopes {
		keys := append(append([]string{}, env...), key)
		value, dataType, _, err := jsonparser.Get(body, keys...)
		if err != nil {
			continue
		}
		switch dataType {
		case jsonparser.Number:
			return jsonparser.ParseInt(value)
		case jsonparser.String:
			return strconv.ParseInt(string(value), 10, 64)
		}
	}
	return 0, fmt.Errorf("missing %s", key)
}
