// Package cloud is the HTTP client for a Shipline hub. A hub is just another
// shipline workspace served over HTTP, so the payloads here mirror the hub's
// API envelope: every response wraps its result in {"data": ...} and errors
// carry {"detail": ...}.
package cloud

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shipline/internal/config"
)

var ErrNotFound = errors.New("not found")

// Client talks to a Shipline hub. HMAC key credentials take precedence over
// basic auth; with neither set only unauthenticated endpoints work.
type Client struct {
	BaseURL      string
	Username     string
	Password     string
	APIKeyID     string
	APIKeySecret string
	HTTPClient   *http.Client
	Timeout      time.Duration
	Now          func() time.Time
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
		Now:     time.Now,
	}
}

// FromConfig creates a client carrying the user config credentials.
func FromConfig(cfg *config.Config) *Client {
	c := New(cfg.URL)
	c.Username = cfg.Username
	c.Password = cfg.Password
	c.APIKeyID = cfg.APIKeyID
	c.APIKeySecret = cfg.APIKeySecret
	return c
}

// Generation is the hub's generation payload. ID is the hub's own key;
// GenerationID is the id the generation carries in its origin workspace.
type Generation struct {
	ID               string   `json:"id,omitempty"`
	GenerationID     string   `json:"generation_id"`
	Version          string   `json:"version"`
	Description      string   `json:"description,omitempty"`
	Codename         string   `json:"codename,omitempty"`
	Status           string   `json:"status,omitempty"`
	PipelineTemplate string   `json:"pipeline_template,omitempty"`
	CreatedAt        string   `json:"created_at,omitempty"`
	PromotedAt       *string  `json:"promoted_at,omitempty"`
	CreatedBy        string   `json:"created_by,omitempty"`
	PromotedBy       *string  `json:"promoted_by,omitempty"`
	Changes          []Change `json:"changes,omitempty"`
}

type Change struct {
	ChangeID    string `json:"change_id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Evolution is the hub's evolution payload, with the same id duality as
// Generation.
type Evolution struct {
	ID            string  `json:"id,omitempty"`
	EvolutionID   string  `json:"evolution_id"`
	GenerationID  string  `json:"generation_id,omitempty"`
	ChangeID      string  `json:"change_id"`
	Tag           string  `json:"tag"`
	Status        string  `json:"status,omitempty"`
	PipelineRunID *string `json:"pipeline_run_id,omitempty"`
	StartedAt     string  `json:"started_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	CreatedBy     string  `json:"created_by,omitempty"`
}

// LoginResult is the token issued for basic credentials.
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s", e.Detail)
}

// Signature computes the request signature for HMAC key auth. The signed
// string is METHOD, path with query, RFC3339 timestamp and raw body, joined
// by newlines.
func Signature(secret, method, path, timestamp, body string) string {
	msg := strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n" + body
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Health checks hub reachability. Works without credentials.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "api/v1/health", nil, &resp, false)
	return resp, err
}

// Login exchanges basic credentials for a bearer token.
func (c *Client) Login(ctx context.Context) (LoginResult, error) {
	if c.Username == "" || c.Password == "" {
		return LoginResult{}, errors.New("authentication required")
	}
	body := map[string]any{
		"username": c.Username,
		"password": c.Password,
	}
	var resp LoginResult
	err := c.do(ctx, http.MethodPost, "api/v1/auth/login", body, &resp, false)
	return resp, err
}

// ListGenerations returns every generation the hub knows.
func (c *Client) ListGenerations(ctx context.Context) ([]Generation, error) {
	var resp struct {
		Generations []Generation `json:"generations"`
	}
	err := c.do(ctx, http.MethodGet, "api/v1/generations", nil, &resp, true)
	return resp.Generations, err
}

// GetGenerationByVersion fetches one generation, ErrNotFound when the hub
// has no such version.
func (c *Client) GetGenerationByVersion(ctx context.Context, version string) (Generation, error) {
	var resp Generation
	endpoint := fmt.Sprintf("api/v1/generations/by-version/%s", url.PathEscape(version))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, true)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return Generation{}, ErrNotFound
	}
	return resp, err
}

// CreateGeneration registers a generation on the hub and returns the hub's
// copy, including its id.
func (c *Client) CreateGeneration(ctx context.Context, g Generation) (Generation, error) {
	var resp Generation
	err := c.do(ctx, http.MethodPost, "api/v1/generations", g, &resp, true)
	return resp, err
}

// UpdateGeneration patches the hub generation with the given hub id.
func (c *Client) UpdateGeneration(ctx context.Context, remoteID string, g Generation) (Generation, error) {
	var resp Generation
	endpoint := fmt.Sprintf("api/v1/generations/%s", url.PathEscape(remoteID))
	err := c.do(ctx, http.MethodPatch, endpoint, g, &resp, true)
	return resp, err
}

// ListEvolutions returns the evolutions of a hub generation.
func (c *Client) ListEvolutions(ctx context.Context, remoteGenerationID string) ([]Evolution, error) {
	var resp struct {
		Evolutions []Evolution `json:"evolutions"`
	}
	endpoint := fmt.Sprintf("api/v1/generations/%s/evolutions", url.PathEscape(remoteGenerationID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, true)
	return resp.Evolutions, err
}

// CreateEvolution registers an evolution under a hub generation.
func (c *Client) CreateEvolution(ctx context.Context, remoteGenerationID string, e Evolution) (Evolution, error) {
	var resp Evolution
	endpoint := fmt.Sprintf("api/v1/generations/%s/evolutions", url.PathEscape(remoteGenerationID))
	err := c.do(ctx, http.MethodPost, endpoint, e, &resp, true)
	return resp, err
}

// UpdateEvolution patches the hub evolution with the given hub id.
func (c *Client) UpdateEvolution(ctx context.Context, remoteID string, e Evolution) (Evolution, error) {
	var resp Evolution
	endpoint := fmt.Sprintf("api/v1/evolutions/%s", url.PathEscape(remoteID))
	err := c.do(ctx, http.MethodPatch, endpoint, e, &resp, true)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any, requireAuth bool) error {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
	}
	if c.Now == nil {
		c.Now = time.Now
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	path := "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, c.base()+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	switch {
	case c.APIKeyID != "" && c.APIKeySecret != "":
		ts := c.Now().UTC().Format(time.RFC3339)
		sig := Signature(c.APIKeySecret, method, path, ts, string(payload))
		req.Header.Set("Authorization", fmt.Sprintf("HMAC %s:%s:%s", c.APIKeyID, ts, sig))
	case c.Username != "" && c.Password != "":
		req.SetBasicAuth(c.Username, c.Password)
	default:
		if requireAuth {
			return errors.New("authentication required")
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		detail := http.StatusText(resp.StatusCode)
		var e struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &e) == nil && e.Detail != "" {
			detail = e.Detail
		}
		return &APIError{StatusCode: resp.StatusCode, Detail: detail}
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Data != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return json.Unmarshal(data, out)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
