// Package httpclient is a client for the SemanticMesh operator HTTP API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cenkalti/backoff/v4"
)

// Client provides an HTTP client for the operator API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new operator API client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		token:      config.Token,
		baseURL:    baseURL,
	}, nil
}

// GetHealth returns the health status of the node. An unhealthy node answers
// 503 with a health body, which is returned without error.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp, http.StatusServiceUnavailable)
	if err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// GetStats returns operation statistics
func (c *Client) GetStats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/stats", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &resp, nil
}

// GetSafety returns the safety enforcer status
func (c *Client) GetSafety(ctx context.Context) (*SafetyStatus, error) {
	var resp SafetyStatus
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/safety", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get safety status: %w", err)
	}
	return &resp, nil
}

// GetBreaker returns the state of the circuit for serviceID
func (c *Client) GetBreaker(ctx context.Context, serviceID string) (*BreakerStats, error) {
	var resp BreakerStats
	path := "/api/v1/breakers/" + url.PathEscape(serviceID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get breaker: %w", err)
	}
	return &resp, nil
}

// Admin Methods (require admin token)

// AdminForceBreaker forces a circuit open or closed. action is "open" or "close".
func (c *Client) AdminForceBreaker(ctx context.Context, serviceID, action string) (*BreakerActionResponse, error) {
	var resp BreakerActionResponse
	path := fmt.Sprintf("/api/v1/admin/breakers/%s/%s", url.PathEscape(serviceID), action)
	if err := c.doRequest(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to %s breaker: %w", action, err)
	}
	return &resp, nil
}

// AdminEmergencyBrake releases every tracked unit on the node
func (c *Client) AdminEmergencyBrake(ctx context.Context) (*BrakeResponse, error) {
	var resp BrakeResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/safety/brake", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to engage emergency brake: %w", err)
	}
	return &resp, nil
}

// AdminListSubscriptions returns every live subscription
func (c *Client) AdminListSubscriptions(ctx context.Context) (*SubscriptionsResponse, error) {
	var resp SubscriptionsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/subscriptions", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return &resp, nil
}

// IssueToken asks the node to issue a token for another principal
func (c *Client) IssueToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/token", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}
	return &resp, nil
}

// doRequest performs an HTTP request. GET requests are retried on network and
// 5xx errors. Statuses listed in accept are decoded like a success.
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody, respBody any, accept ...int) error {
	var payload []byte
	if reqBody != nil {
		var err error
		if payload, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	fullURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	attempt := func() error {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 400 && !accepted(resp.StatusCode, accept) {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			var errResp ErrorResponse
			if json.Unmarshal(bodyBytes, &errResp) == nil {
				apiErr.Message = errResp.Message
			} else {
				apiErr.Message = string(bodyBytes)
			}
			if resp.StatusCode < 500 {
				return backoff.Permanent(apiErr)
			}
			return apiErr
		}

		if respBody != nil {
			if err := json.Unmarshal(bodyBytes, respBody); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
			}
		}
		return nil
	}

	if method != http.MethodGet {
		err := attempt()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.RetryInterval), uint64(c.config.MaxRetries-1)),
		ctx,
	)
	return backoff.Retry(attempt, policy)
}

func accepted(status int, accept []int) bool {
	for _, s := range accept {
		if s == status {
			return true
		}
	}
	return false
}

// IsAuthenticated returns whether the client has a token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token
func (c *Client) SetToken(token string) {
	c.token = token
}
