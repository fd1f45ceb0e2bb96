package apiclient

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

	"github.com/google/uuid"

	"keyvault/internal/logging"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 1 << 20
	maxErrorBody    = 512
)

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.com/api/v2.
	BaseURL string

	// Token is sent as a bearer token when non-empty.
	Token string

	// SessionID identifies this client's own session in the sessions list.
	SessionID string

	Timeout time.Duration
	Retry   RetryPolicy

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client is the key server API client.
type Client struct {
	base      *url.URL
	token     string
	sessionID string
	http      *http.Client
	retry     RetryPolicy
	log       *logging.Logger
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("apiclient: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("apiclient: unsupported scheme %q", base.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	return &Client{
		base:      base,
		token:     cfg.Token,
		sessionID: cfg.SessionID,
		http:      hc,
		retry:     cfg.Retry,
		log:       log.WithComponent("apiclient"),
	}, nil
}

// ListSessions returns every session of the user. Sessions are validated
// to carry a UUID and the caller's own session is flagged Current.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := Retry(ctx, c.retry, func(ctx context.Context) error {
		sessions = nil
		return c.do(ctx, "list sessions", http.MethodGet, "/sessions/list", nil, nil, &sessions)
	})
	if err != nil {
		return nil, err
	}

	for i := range sessions {
		if _, perr := uuid.Parse(sessions[i].UUID); perr != nil {
			return nil, &ResponseError{
				Op:  "list sessions",
				Err: fmt.Errorf("session %d has invalid uuid %q: %w", i, sessions[i].UUID, perr),
			}
		}
		sessions[i].Current = c.sessionID != "" && sessions[i].UUID == c.sessionID
	}
	return sessions, nil
}

// SubmitAccountKey uploads a rotated account key. It is never retried: a
// resubmission after an ambiguous failure must go through a fresh rotation.
func (c *Client) SubmitAccountKey(ctx context.Context, upload AccountKeyUpload) error {
	return c.do(ctx, "submit account key", http.MethodPost, "/keys/accountKey", nil, upload, nil)
}

// FetchMasterKey returns the public master key document of userID.
func (c *Client) FetchMasterKey(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("apiclient: user id is required")
	}

	var resp masterKeyResponse
	query := url.Values{"userId": {userID}}
	err := Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.do(ctx, "fetch master key", http.MethodGet, "/key/masterKey", query, nil, &resp)
	})
	if err != nil {
		return "", err
	}
	if resp.Key == "" {
		return "", &ResponseError{Op: "fetch master key", Err: errors.New("empty key")}
	}
	return resp.Key, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	endpoint := *c.base
	endpoint.Path = c.base.Path + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("apiclient: encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("apiclient: build %s request: %w", op, err)
	}

	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("request failed", "op", op, "request_id", requestID, "error", err)
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug("request completed",
		"op", op,
		"request_id", requestID,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(op, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return &ResponseError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
