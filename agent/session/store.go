package session

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

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
)

const (
	defaultConnectionKeyPrefix = "active-connection:"
	defaultRunKeyPrefix        = "run:"
	defaultRunEventsKeyPrefix  = "run-events:"
	defaultRunTTL              = 24 * time.Hour
	maxResponseSizeBytes       = 2 << 20
)

// RedisRESTStore is the narrow key/value + append interface onto the
// realtime store: active-connection reads for the dispatcher and run
// snapshot/append writes for finalized runs. Persistence beyond this
// surface is out of scope.
type RedisRESTStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	runTTL     time.Duration
}

var (
	_ contractx.ConnectionStore = (*RedisRESTStore)(nil)
	_ contractx.RunArchiver     = (*RedisRESTStore)(nil)
)

type RedisRESTConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" required:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// StoreOption customizes RedisRESTStore.
type StoreOption func(*RedisRESTStore)

func WithRunTTL(ttl time.Duration) StoreOption {
	return func(s *RedisRESTStore) {
		s.runTTL = ttl
	}
}

func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *RedisRESTStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func NewRedisRESTStore(cfg RedisRESTConfig, opts ...StoreOption) (*RedisRESTStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("redis rest url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("redis rest token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	store := &RedisRESTStore{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		runTTL:     defaultRunTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if store.runTTL < 0 {
		return nil, errors.New("run ttl must be >= 0")
	}
	return store, nil
}

// ActiveConnection reads active-connection:<userId>. A missing key maps to
// contract.ErrNoActiveConnection: the user has to re-authenticate, so the
// condition is reported, never retried.
func (s *RedisRESTStore) ActiveConnection(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", contractx.ErrNoActiveConnection)
	}

	resp, err := s.exec(ctx, []any{"GET", defaultConnectionKeyPrefix + userID})
	if err != nil {
		return "", err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return "", fmt.Errorf("%w: user %s", contractx.ErrNoActiveConnection, userID)
	}

	var connectionID string
	if err := json.Unmarshal(result, &connectionID); err != nil {
		return "", fmt.Errorf("decode connection id: %w", err)
	}
	if strings.TrimSpace(connectionID) == "" {
		return "", fmt.Errorf("%w: user %s", contractx.ErrNoActiveConnection, userID)
	}
	return connectionID, nil
}

// SaveRun snapshots a run under run:<sessionId> with a TTL.
func (s *RedisRESTStore) SaveRun(ctx context.Context, r contractx.Run) error {
	if strings.TrimSpace(r.SessionID) == "" {
		return errors.New("run has no session id")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	cmd := []any{"SET", defaultRunKeyPrefix + r.SessionID, string(payload)}
	if s.runTTL > 0 {
		cmd = append(cmd, "EX", ttlSeconds(s.runTTL))
	}
	_, err = s.exec(ctx, cmd)
	return err
}

// AppendRunEvent appends one entry onto the session's run event list.
func (s *RedisRESTStore) AppendRunEvent(ctx context.Context, sessionID string, entry any) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("empty session id")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	_, err = s.exec(ctx, []any{"RPUSH", defaultRunEventsKeyPrefix + sessionID, string(payload)})
	return err
}

func (s *RedisRESTStore) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	if len(command) == 0 {
		return nil, errors.New("empty redis command")
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
