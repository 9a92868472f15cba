package shiplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Shipline hub HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Generation is the hub's generation model. ID is the hub's key,
// GenerationID the id the origin workspace knows it by.
type Generation struct {
	ID               string   `json:"id"`
	GenerationID     string   `json:"generation_id"`
	Version          string   `json:"version"`
	Description      string   `json:"description,omitempty"`
	Codename         string   `json:"codename,omitempty"`
	Status           string   `json:"status"`
	PipelineTemplate string   `json:"pipeline_template,omitempty"`
	CreatedAt        string   `json:"created_at"`
	PromotedAt       *string  `json:"promoted_at,omitempty"`
	CreatedBy        string   `json:"created_by,omitempty"`
	PromotedBy       *string  `json:"promoted_by,omitempty"`
	Changes          []Change `json:"changes"`
}

// Change is one unit of work inside a generation.
type Change struct {
	ChangeID    string `json:"change_id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Evolution is a proof attempt recorded against a change.
type Evolution struct {
	ID            string  `json:"id"`
	EvolutionID   string  `json:"evolution_id"`
	GenerationID  string  `json:"generation_id"`
	ChangeID      string  `json:"change_id"`
	Tag           string  `json:"tag"`
	Status        string  `json:"status"`
	PipelineRunID *string `json:"pipeline_run_id,omitempty"`
	StartedAt     string  `json:"started_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	CreatedBy     string  `json:"created_by,omitempty"`
}

// Event is an audit trail entry.
type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// LoginResult is a bearer token with its expiry.
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type envelope[T any] struct {
	Data T `json:"data"`
}

// Health checks hub reachability without authentication.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var resp map[string]string
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// Login exchanges basic credentials for a bearer token. The caller decides
// whether to store it on the client.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	body := map[string]any{
		"username": username,
		"password": password,
	}
	var resp envelope[LoginResult]
	err := c.do(ctx, http.MethodPost, "auth/login", body, &resp)
	return resp.Data, err
}

// ListGenerations returns all generations on the hub.
func (c *Client) ListGenerations(ctx context.Context) ([]Generation, error) {
	var resp envelope[struct {
		Generations []Generation `json:"generations"`
	}]
	err := c.do(ctx, http.MethodGet, "generations", nil, &resp)
	return resp.Data.Generations, err
}

// GetGeneration fetches a generation by hub id.
func (c *Client) GetGeneration(ctx context.Context, id string) (Generation, error) {
	var resp envelope[Generation]
	endpoint := fmt.Sprintf("generations/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Data, err
}

// GetGenerationByVersion fetches a generation by version string.
func (c *Client) GetGenerationByVersion(ctx context.Context, version string) (Generation, error) {
	var resp envelope[Generation]
	endpoint := fmt.Sprintf("generations/by-version/%s", url.PathEscape(version))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Data, err
}

// CreateGeneration registers a generation on the hub.
func (c *Client) CreateGeneration(ctx context.Context, version, description, codename string) (Generation, error) {
	body := map[string]any{
		"version": version,
	}
	if description != "" {
		body["description"] = description
	}
	if codename != "" {
		body["codename"] = codename
	}
	var resp envelope[Generation]
	err := c.do(ctx, http.MethodPost, "generations", body, &resp)
	return resp.Data, err
}

// UpdateGeneration patches generation fields, for example
// {"status": "promoted", "promoted_at": ts}.
func (c *Client) UpdateGeneration(ctx context.Context, id string, fields map[string]any) (Generation, error) {
	var resp envelope[Generation]
	endpoint := fmt.Sprintf("generations/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, fields, &resp)
	return resp.Data, err
}

// DeleteGeneration removes a generation and its evolutions.
func (c *Client) DeleteGeneration(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("generations/%s", url.PathEscape(id))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// ListEvolutions returns the evolutions of a generation.
func (c *Client) ListEvolutions(ctx context.Context, generationID string) ([]Evolution, error) {
	var resp envelope[struct {
		Evolutions []Evolution `json:"evolutions"`
	}]
	endpoint := fmt.Sprintf("generations/%s/evolutions", url.PathEscape(generationID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Data.Evolutions, err
}

// CreateEvolution records an evolution under a generation. Status may be
// empty, the hub defaults it to pending.
func (c *Client) CreateEvolution(ctx context.Context, generationID, changeID, tag, status string) (Evolution, error) {
	body := map[string]any{
		"change_id": changeID,
		"tag":       tag,
	}
	if status != "" {
		body["status"] = status
	}
	var resp envelope[Evolution]
	endpoint := fmt.Sprintf("generations/%s/evolutions", url.PathEscape(generationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Data, err
}

// UpdateEvolution patches evolution fields, for example
// {"status": "pass", "completed_at": ts}.
func (c *Client) UpdateEvolution(ctx context.Context, id string, fields map[string]any) (Evolution, error) {
	var resp envelope[Evolution]
	endpoint := fmt.Sprintf("evolutions/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, fields, &resp)
	return resp.Data, err
}

// DeleteEvolution removes an evolution.
func (c *Client) DeleteEvolution(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("evolutions/%s", url.PathEscape(id))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Events returns recent audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	return c.EntityEvents(ctx, "", "", limit)
}

// EntityEvents returns the audit timeline of one entity. Empty kind and id
// return the unfiltered trail.
func (c *Client) EntityEvents(ctx context.Context, entityKind, entityID string, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if entityKind != "" {
		q.Set("entity_kind", entityKind)
	}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp envelope[struct {
		Events []Event `json:"events"`
	}]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Data.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/api/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
