package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"go.uber.org/zap"
)

const (
	defaultBaseURL     = "http://127.0.0.1:8080"
	defaultMaxRetries  = 2
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
	defaultHTTPTimeout = 15 * time.Second

	pathSession  = "/auth/v1/session"
	pathRealtime = "/realtime/v1"
)

var errMissingTable = errors.New("remote: table is required")

// HTTPClientConfig describes an HTTPClient.
type HTTPClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// MaxRetries bounds in-request retries of transient failures. Negative disables them.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

// HTTPClient talks to the backend's REST and realtime endpoints.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewHTTPClient constructs an HTTPClient.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
		token:      strings.TrimSpace(cfg.Token),
	}
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// Token returns the current bearer token.
func (c *HTTPClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Select returns the rows of table matching query.
func (c *HTTPClient) Select(ctx context.Context, table string, query Query) ([]records.Entity, error) {
	requestPath, err := tablePath(table, "select")
	if err != nil {
		return nil, err
	}
	var out SelectResponse
	if err := c.doJSON(ctx, http.MethodPost, requestPath, query, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

// Insert creates rows.
func (c *HTTPClient) Insert(ctx context.Context, table string, rows []records.Entity) (MutationResult, error) {
	requestPath, err := tablePath(table, "insert")
	if err != nil {
		return MutationResult{}, err
	}
	var out MutationResult
	err = c.doJSON(ctx, http.MethodPost, requestPath, InsertRequest{Rows: rows}, &out)
	return out, err
}

// Update applies patch to the rows matching filters.
func (c *HTTPClient) Update(ctx context.Context, table string, patch records.Entity, filters []Filter) (MutationResult, error) {
	requestPath, err := tablePath(table, "update")
	if err != nil {
		return MutationResult{}, err
	}
	var out MutationResult
	err = c.doJSON(ctx, http.MethodPost, requestPath, UpdateRequest{Patch: patch, Filters: filters}, &out)
	return out, err
}

// Delete hard-deletes the rows matching filters.
func (c *HTTPClient) Delete(ctx context.Context, table string, filters []Filter) (MutationResult, error) {
	requestPath, err := tablePath(table, "delete")
	if err != nil {
		return MutationResult{}, err
	}
	var out MutationResult
	err = c.doJSON(ctx, http.MethodPost, requestPath, DeleteRequest{Filters: filters}, &out)
	return out, err
}

// ValidateSession checks the bearer token with the backend.
func (c *HTTPClient) ValidateSession(ctx context.Context) (Session, error) {
	var out Session
	err := c.doJSON(ctx, http.MethodGet, pathSession, nil, &out)
	return out, err
}

// HasUpdates reports whether any table holds a row updated after since. It issues one
// limit-1 select per table and stops at the first hit.
func HasUpdates(ctx context.Context, backend Backend, tables []string, userID string, since time.Time) (bool, error) {
	for _, table := range tables {
		filters := []Filter{Eq(records.FieldUserID, userID)}
		if !since.IsZero() {
			filters = append(filters, Gt(records.FieldUpdatedAt, records.FormatTimestamp(since)))
		}
		rows, err := backend.Select(ctx, table, Query{
			Columns: []string{records.FieldID},
			Filters: filters,
			Limit:   1,
		})
		if err != nil {
			return false, err
		}
		if len(rows) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func tablePath(table, action string) (string, error) {
	trimmed := strings.TrimSpace(table)
	if trimmed == "" {
		return "", errMissingTable
	}
	return fmt.Sprintf("/rest/v1/%s/%s", url.PathEscape(trimmed), action), nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return &Error{Kind: Classify(ctx.Err()), Err: ctx.Err()}
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &Error{Kind: Classify(waitErr), Err: waitErr}
				}
				continue
			}
			return &Error{Kind: Classify(err), Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &Error{Kind: KindNetwork, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			c.logger.Debug("retrying remote request",
				zap.String("path", requestPath),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &Error{Kind: Classify(waitErr), Err: waitErr}
			}
			continue
		}

		var errPayload ErrorResponse
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return NewStatusError(resp.StatusCode, errPayload.Error, errPayload.Message)
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
