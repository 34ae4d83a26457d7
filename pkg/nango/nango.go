// Package nango is a minimal client for the connector platform that performs
// CRM, email, and calendar side effects. Only the action-trigger surface is
// wrapped; provider catalogs and auth flows stay on the platform.
package nango

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseSizeBytes = 4 << 20

type Config struct {
	BaseURL   string        `envconfig:"BASE_URL" split_words:"true" default:"https://api.nango.dev"`
	SecretKey string        `envconfig:"SECRET_KEY" split_words:"true" required:"true"`
	Timeout   time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
}

type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("nango base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid nango base url: %w", err)
	}
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, errors.New("nango secret key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    baseURL,
		secretKey:  secret,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func MustNew(cfg Config) *Client {
	client, err := NewClient(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

type triggerRequest struct {
	ActionName string         `json:"action_name"`
	Input      map[string]any `json:"input"`
}

// TriggerAction invokes one named action against the provider binding and
// connection identity. The decoded response body is returned as-is: the
// platform's success/error shape is heterogeneous and normalization belongs
// to the dispatcher. Transport and HTTP-level failures are returned as
// errors for the dispatcher to fold into a failed result.
func (c *Client) TriggerAction(
	ctx context.Context,
	providerConfigKey string,
	connectionID string,
	action string,
	input map[string]any,
) (map[string]any, error) {
	if strings.TrimSpace(providerConfigKey) == "" {
		return nil, errors.New("provider config key is required")
	}
	if strings.TrimSpace(connectionID) == "" {
		return nil, errors.New("connection id is required")
	}
	if strings.TrimSpace(action) == "" {
		return nil, errors.New("action name is required")
	}
	if input == nil {
		input = map[string]any{}
	}

	body, err := json.Marshal(triggerRequest{ActionName: action, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal action request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/action/trigger", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Provider-Config-Key", providerConfigKey)
	req.Header.Set("Connection-Id", connectionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute action request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read action response: %w", err)
	}

	var decoded map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, fmt.Errorf("action http status=%d body=%s", resp.StatusCode, truncateBody(raw))
			}
			return nil, fmt.Errorf("decode action response: %w", err)
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decoded, fmt.Errorf("action http status=%d body=%s", resp.StatusCode, truncateBody(raw))
	}
	return decoded, nil
}

func truncateBody(raw []byte) string {
	const limit = 512
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
