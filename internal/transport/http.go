// Package transport adapts the backend's REST and websocket endpoints to the
// collaborator contracts of the reconciliation core.
package transport

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
	"time"

	"github.com/MarcoPoloResearchLab/tradewind/internal/entity"
	"github.com/MarcoPoloResearchLab/tradewind/internal/mutation"
	"github.com/MarcoPoloResearchLab/tradewind/internal/pagination"
	"github.com/MarcoPoloResearchLab/tradewind/internal/syncerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBaseURL     = "http://127.0.0.1:8080"
	defaultHTTPTimeout = 15 * time.Second
	defaultMaxRetries  = 3
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 2 * time.Second
	correlationHeader  = "X-Correlation-Id"
	idempotencyHeader  = "Idempotency-Key"
)

// HTTPConfig describes an HTTPClient.
type HTTPConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// MaxRetries bounds retries of transport failures, 429 and 5xx responses.
	// Mutations are only replayed after a possible delivery when they carry
	// an idempotency key.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

// HTTPClient implements fetchPage and submitMutation over REST.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
}

// NewHTTPClient constructs an HTTPClient, filling unset fields with defaults.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
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
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
	}
}

type pageResponse struct {
	Items      []entity.Entity `json:"items"`
	NextCursor *string         `json:"nextCursor"`
}

type mutationRequest struct {
	MutationID string        `json:"mutationId,omitempty"`
	Kind       mutation.Kind `json:"kind"`
	TargetKind entity.Kind   `json:"targetKind"`
	TargetID   entity.ID     `json:"targetId"`
	Body       any           `json:"body,omitempty"`
}

type mutationResponse struct {
	Entity      *entity.Entity           `json:"entity,omitempty"`
	Interaction *entity.InteractionPatch `json:"interactionState,omitempty"`
}

// FetchPage loads one page of a collection; a nil cursor requests the first page.
func (c *HTTPClient) FetchPage(ctx context.Context, key pagination.CollectionKey, cursor *string) (pagination.Page, error) {
	requestPath, err := collectionPath(key)
	if err != nil {
		return pagination.Page{}, err
	}
	query := url.Values{}
	if cursor != nil {
		query.Set("cursor", *cursor)
	}
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	var out pageResponse
	if err := c.doJSON(ctx, "fetch_page", http.MethodGet, requestPath, "", nil, &out); err != nil {
		return pagination.Page{}, err
	}
	kind := key.EntityKind()
	for i := range out.Items {
		if out.Items[i].Kind == "" {
			out.Items[i].Kind = kind
		}
	}
	return pagination.Page{Items: out.Items, NextCursor: out.NextCursor}, nil
}

// Fetcher binds FetchPage to one collection.
func (c *HTTPClient) Fetcher(key pagination.CollectionKey) pagination.Fetcher {
	return func(ctx context.Context, cursor *string) (pagination.Page, error) {
		return c.FetchPage(ctx, key, cursor)
	}
}

// SubmitMutation sends one mutation command. Any 2xx response is success.
// The mutation id attached by the queue travels as the Idempotency-Key header
// so the server can discard replays.
func (c *HTTPClient) SubmitMutation(ctx context.Context, kind mutation.Kind, target mutation.Target, body any) (mutation.Response, error) {
	requestPath := fmt.Sprintf("/v1/%s/%s/mutations", url.PathEscape(pluralKind(target.Kind)), url.PathEscape(target.ID.String()))
	mutationID, _ := mutation.IDFromContext(ctx)
	payload := mutationRequest{MutationID: mutationID, Kind: kind, TargetKind: target.Kind, TargetID: target.ID, Body: body}
	var out mutationResponse
	if err := c.doJSON(ctx, "submit_mutation", http.MethodPost, requestPath, mutationID, payload, &out); err != nil {
		var conflict *syncerr.ConflictError
		if errors.As(err, &conflict) {
			conflict.Kind = target.Kind.String()
			conflict.EntityID = target.ID.String()
		}
		return mutation.Response{}, err
	}
	if out.Entity != nil && out.Entity.Kind == "" {
		out.Entity.Kind = target.Kind
	}
	return mutation.Response{Entity: out.Entity, Interaction: out.Interaction}, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, operation, method, requestPath, idempotencyKey string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode %s body: %w", operation, err)
		}
	}
	correlationID := uuid.NewString()
	replaySafe := method == http.MethodGet || idempotencyKey != ""
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return fmt.Errorf("transport: build %s request: %w", operation, err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set(correlationHeader, correlationID)
		if idempotencyKey != "" {
			req.Header.Set(idempotencyHeader, idempotencyKey)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if replaySafe && ctx.Err() == nil && attempt < c.maxRetries {
				c.logRetry(operation, requestPath, attempt, 0, err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &syncerr.NetworkError{Operation: operation, Err: waitErr}
				}
				continue
			}
			return &syncerr.NetworkError{Operation: operation, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &syncerr.NetworkError{Operation: operation, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return &syncerr.ServerError{StatusCode: resp.StatusCode, ErrorCode: "invalid_response", Message: err.Error()}
			}
			return nil
		}

		if retryableStatus(resp.StatusCode, replaySafe) && attempt < c.maxRetries {
			c.logRetry(operation, requestPath, attempt, resp.StatusCode, nil)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &syncerr.NetworkError{Operation: operation, Err: waitErr}
			}
			continue
		}
		return statusError(resp.StatusCode, payloadBytes)
	}
}

func (c *HTTPClient) logRetry(operation, requestPath string, attempt, status int, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("path", requestPath),
		zap.Int("attempt", attempt+1),
	}
	if status > 0 {
		fields = append(fields, zap.Int("status", status))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Debug("retrying backend request", fields...)
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
	return delay
}

// retryableStatus reports whether a response may be retried. A 429 was not
// processed; a 5xx may have been, so it is replayed only when replaySafe.
func retryableStatus(status int, replaySafe bool) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return replaySafe && status >= 500 && status <= 599
}

func statusError(status int, payload []byte) error {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	switch {
	case status == http.StatusConflict:
		return &syncerr.ConflictError{Reason: errPayload.Message}
	case status == http.StatusTooManyRequests || status >= 500:
		return &syncerr.ServerError{StatusCode: status, ErrorCode: errPayload.Code, Message: errPayload.Message}
	default:
		return &syncerr.ValidationError{StatusCode: status, ErrorCode: errPayload.Code, Message: errPayload.Message}
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
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

func collectionPath(key pagination.CollectionKey) (string, error) {
	if _, err := pagination.ParseCollectionKey(key.String()); err != nil {
		return "", err
	}
	scope := url.PathEscape(key.Scope())
	switch key.Namespace() {
	case pagination.NamespaceChat:
		return "/v1/chats/" + scope + "/messages", nil
	case pagination.NamespaceNotifications:
		return "/v1/users/" + scope + "/notifications", nil
	default:
		return "/v1/feeds/" + scope + "/posts", nil
	}
}

func pluralKind(kind entity.Kind) string {
	return kind.String() + "s"
}
