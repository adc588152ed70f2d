package answergateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chat-orchestrator/internal/domain"
)

// DefaultTimeout bounds a single dispatch end to end.
const DefaultTimeout = 30 * time.Second

const (
	maxResponseBytes = 1 << 20

	// MaxContentBytes keeps an answer, and the query log entry that repeats
	// it, under DynamoDB's 400 KB item limit.
	MaxContentBytes = 350 * 1024
)

var errResponseTooLarge = errors.New("answergateway: response body exceeds size limit")

// dispatchRequest is the JSON body posted to the answer engine. Message
// duplicates Query for workflows that read the original field name.
type dispatchRequest struct {
	Message        string `json:"message"`
	Query          string `json:"query"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	Timestamp      string `json:"timestamp"`
}

// dispatchResponse accepts both the current "response" field and the legacy
// "text" field.
type dispatchResponse struct {
	Response string          `json:"response"`
	Text     string          `json:"text"`
	Sources  []domain.Source `json:"sources"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("answergateway: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client dispatches queries to the external answer engine. A Client with no
// endpoint is valid and reports every dispatch as not configured.
type Client struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	token      string
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBearerToken sends token in the Authorization header.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient validates endpoint when present. An empty endpoint is accepted.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("answergateway: parse endpoint: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("answergateway: endpoint %q must be an absolute http(s) URL", endpoint)
		}
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "answergateway")
	return c, nil
}

// Configured reports whether an endpoint was supplied.
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{}
}

// Dispatch makes exactly one attempt and classifies its outcome. It never
// returns an error: every failure is folded into the result status.
func (c *Client) Dispatch(ctx context.Context, in domain.GatewayRequest) domain.GatewayResult {
	if !c.Configured() {
		return domain.GatewayResult{Status: domain.GatewayNotConfigured}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(dispatchRequest{
		Message:        in.Query,
		Query:          in.Query,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		UserName:       in.UserName,
		Timestamp:      ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		c.logger.Warn("marshal gateway request failed", "err", err)
		return domain.GatewayResult{Status: domain.GatewayError}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("create gateway request failed", "err", err)
		return domain.GatewayResult{Status: domain.GatewayError}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	raw, err := c.doJSONRequest(req)
	if errors.Is(err, errResponseTooLarge) {
		c.logger.Warn("gateway response too large", "limitBytes", maxResponseBytes, "conversationId", in.ConversationID)
		return domain.GatewayResult{Status: domain.GatewayError}
	}
	if err != nil {
		status := classify(ctx, err)
		c.logger.Warn("gateway request failed", "status", status, "conversationId", in.ConversationID, "err", err)
		return domain.GatewayResult{Status: status}
	}

	var payload dispatchResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Warn("decode gateway response failed", "err", err)
		return domain.GatewayResult{Status: domain.GatewayError}
	}
	content := payload.Response
	if strings.TrimSpace(content) == "" {
		content = payload.Text
	}
	if strings.TrimSpace(content) == "" {
		c.logger.Warn("gateway response carried no content")
		return domain.GatewayResult{Status: domain.GatewayError}
	}
	if size := storedSize(content, payload.Sources); size > MaxContentBytes {
		c.logger.Warn("gateway answer too large to store", "bytes", size, "limitBytes", MaxContentBytes, "conversationId", in.ConversationID)
		return domain.GatewayResult{Status: domain.GatewayError}
	}

	return domain.GatewayResult{
		Status:  domain.GatewayConnected,
		Content: content,
		Sources: payload.Sources,
	}
}

// storedSize approximates the bytes an answer occupies once persisted.
func storedSize(content string, sources []domain.Source) int {
	n := len(content)
	for _, src := range sources {
		n += len(src.Name) + 32
	}
	return n
}

func (c *Client) doJSONRequest(req *http.Request) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        req.URL.String(),
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(buf) > maxResponseBytes {
		return nil, errResponseTooLarge
	}
	return buf, nil
}

// classify maps a transport failure to TIMEOUT when the dispatch deadline (or
// an HTTP client timeout) fired, and to ERROR otherwise, including caller
// cancellation.
func classify(ctx context.Context, err error) domain.GatewayStatus {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return domain.GatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.GatewayTimeout
	}
	return domain.GatewayError
}
