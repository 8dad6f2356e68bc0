package remote

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

	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/sync/queue"
)

// HTTPConfig holds the remote connection configuration.
type HTTPConfig struct {
	BaseURL string
	APIKey  string        // sent as a bearer token when set
	Timeout time.Duration // per request; 0 means 30s
}

// HTTPClient talks to the remote authority over HTTP.
type HTTPClient struct {
	config     *HTTPConfig
	httpClient *http.Client
}

// entityEnvelope is the body of action responses.
type entityEnvelope struct {
	Entity *models.RemoteEntity `json:"entity"`
}

// entityList is the body of list responses.
type entityList struct {
	Entities []*models.RemoteEntity `json:"entities"`
}

// pushBody is the body of entity PUT requests.
type pushBody struct {
	Payload json.RawMessage `json:"payload"`
}

// NewHTTPClient creates a new HTTPClient.
func NewHTTPClient(config *HTTPConfig) *HTTPClient {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Ping checks the remote health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := c.createRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return expectStatus(resp, http.StatusOK)
}

// Apply posts an action with its idempotency key.
func (c *HTTPClient) Apply(ctx context.Context, a queue.Action, idempotencyKey string) (*models.RemoteEntity, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Name(), err)
	}
	req, err := c.createRequest(ctx, http.MethodPost, "/actions/"+url.PathEscape(a.Name()), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var env entityEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", a.Name(), err)
	}
	return env.Entity, nil
}

// Fetch returns the entity, or nil when the remote answers 404.
func (c *HTTPClient) Fetch(ctx context.Context, t models.EntityType, id string) (*models.RemoteEntity, error) {
	req, err := c.createRequest(ctx, http.MethodGet, entityPath(t, id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var e models.RemoteEntity
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", t, id, err)
	}
	return &e, nil
}

// Push replaces the entity, guarded by If-Match.
func (c *HTTPClient) Push(ctx context.Context, t models.EntityType, id string, payload json.RawMessage, baseVersion int64) (*models.RemoteEntity, error) {
	body, err := json.Marshal(pushBody{Payload: payload})
	if err != nil {
		return nil, err
	}
	req, err := c.createRequest(ctx, http.MethodPut, entityPath(t, id), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", strconv.FormatInt(baseVersion, 10))

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var e models.RemoteEntity
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", t, id, err)
	}
	return &e, nil
}

// Delete removes the entity, guarded by If-Match.
func (c *HTTPClient) Delete(ctx context.Context, t models.EntityType, id string, baseVersion int64) error {
	req, err := c.createRequest(ctx, http.MethodDelete, entityPath(t, id), nil)
	if err != nil {
		return err
	}
	req.Header.Set("If-Match", strconv.FormatInt(baseVersion, 10))

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return expectStatus(resp, http.StatusNoContent, http.StatusOK)
}

// List returns every entity of type t.
func (c *HTTPClient) List(ctx context.Context, t models.EntityType) ([]*models.RemoteEntity, error) {
	req, err := c.createRequest(ctx, http.MethodGet, "/entities/"+url.PathEscape(string(t)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := expectStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var list entityList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", t, err)
	}
	return list.Entities, nil
}

func entityPath(t models.EntityType, id string) string {
	return "/entities/" + url.PathEscape(string(t)) + "/" + url.PathEscape(id)
}

// createRequest creates an HTTP request against the base URL.
func (c *HTTPClient) createRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	endpoint := strings.TrimRight(c.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	return req, nil
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// expectStatus maps unexpected statuses to the package errors.
func expectStatus(resp *http.Response, ok ...int) error {
	for _, code := range ok {
		if resp.StatusCode == code {
			return nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(string(body)))
	case http.StatusConflict, http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s", ErrVersionConflict, strings.TrimSpace(string(body)))
	}
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
