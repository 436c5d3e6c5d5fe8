package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prudhvinik1/ledgersync/internal/auth"
	"github.com/prudhvinik1/ledgersync/internal/models"
)

const maxErrorBody = 64 << 10

// TokenSource yields the bearer token for the next request.
type TokenSource func(ctx context.Context) (string, error)

func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// SignedToken mints tokens locally from a shared secret. Development setups
// use it when the client is trusted with the server's signing key.
func SignedToken(secret, userID, clientID string, ttl time.Duration) TokenSource {
	var mu sync.Mutex
	var token string
	var expiresAt time.Time
	return func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if token != "" && time.Until(expiresAt) > ttl/10 {
			return token, nil
		}
		t, exp, err := auth.IssueToken(secret, userID, clientID, ttl)
		if err != nil {
			return "", err
		}
		token, expiresAt = t, exp
		return token, nil
	}
}

// Client talks to the ledger server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
}

func NewClient(baseURL string, token TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if token == nil {
		token = StaticToken("")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		token:   token,
	}
}

// Execute sends one mutation. The mutation id in req lets the server answer a
// retry with the outcome of the first attempt.
func (c *Client) Execute(ctx context.Context, req models.ExecuteRequest) (*models.ExecuteResponse, error) {
	var resp models.ExecuteResponse
	if err := c.do(ctx, http.MethodPost, "/v1/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) FetchSnapshot(ctx context.Context) (*models.Snapshot, error) {
	var snap models.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Events returns committed events after since, at most limit of them.
func (c *Client) Events(ctx context.Context, since int64, limit int) ([]models.SyncEvent, error) {
	q := url.Values{}
	q.Set("since", fmt.Sprint(since))
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var events []models.SyncEvent
	if err := c.do(ctx, http.MethodGet, "/v1/events?"+q.Encode(), nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// TokenResponse is returned by the password login endpoint.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
	ClientID string `json:"clientId"`
}

// PasswordToken logs in with a password and reuses the token until it is
// close to expiry.
func (c *Client) PasswordToken(userID, password, clientID string) TokenSource {
	var mu sync.Mutex
	var cached TokenResponse
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if cached.Token != "" && time.Until(cached.ExpiresAt) > time.Minute {
			return cached.Token, nil
		}
		var resp TokenResponse
		err := c.send(ctx, http.MethodPost, "/auth/token", "", loginRequest{
			UserID:   userID,
			Password: password,
			ClientID: clientID,
		}, &resp)
		if err != nil {
			return "", fmt.Errorf("failed to log in: %w", err)
		}
		cached = resp
		return cached.Token, nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	return c.send(ctx, method, path, token, body, out)
}

func (c *Client) send(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb ErrorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&eb)
		return classifyStatus(resp.StatusCode, eb)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A truncated 2xx body means we do not know what happened.
		return transient(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
