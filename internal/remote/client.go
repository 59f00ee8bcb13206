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
	"time"

	"go.uber.org/zap"

	"github.com/chmdznr/edusync/pkg/models"
)

// Error codes carried in ErrorResponse besides the rejection codes.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeUnauthorized       = "unauthorized"
	CodeUnavailable        = "unavailable"
)

const maxResponseSize = 8 << 20

// ErrorResponse is the JSON body of every non-2xx response of the sync API.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RefreshRequest is the body of POST /v1/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Client talks to a remote authority over the HTTP sync API.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

// NewClient returns a client for the API rooted at endpoint. Every request is
// bounded by timeout on top of the caller's context.
func NewClient(endpoint string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http: &http.Client{
			Transport: newTransport(),
			Timeout:   timeout,
		},
		logger: logger.Named("remote"),
	}
}

func (c *Client) Probe(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", "", nil, nil)
}

func (c *Client) Login(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	var session models.Session
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", "", creds, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*models.Session, error) {
	var session models.Session
	if err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", "", RefreshRequest{RefreshToken: refreshToken}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/logout", token, nil, nil)
}

func (c *Client) Push(ctx context.Context, token string, m models.PendingMutation) (*PushResult, error) {
	var result PushResult
	if err := c.do(ctx, http.MethodPost, "/v1/mutations", token, m, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Pull(ctx context.Context, token string, checkpoint string, limit int) (*PullResponse, error) {
	q := url.Values{}
	q.Set("since", checkpoint)
	q.Set("limit", strconv.Itoa(limit))

	var resp PullResponse
	if err := c.do(ctx, http.MethodGet, "/v1/changes?"+q.Encode(), token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("malformed response from %s: %w", path, err)
		}
		return nil
	}

	var apiErr ErrorResponse
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error == "" {
		apiErr.Error = http.StatusText(resp.StatusCode)
	}
	c.logger.Debug("request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("code", apiErr.Code))
	return statusError(resp.StatusCode, apiErr)
}

// statusError maps an HTTP error status to the package's error taxonomy.
func statusError(status int, apiErr ErrorResponse) error {
	switch {
	case status == http.StatusUnauthorized && apiErr.Code == CodeInvalidCredentials:
		return ErrInvalidCredentials
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: %d %s", ErrUnavailable, status, apiErr.Error)
	case status == http.StatusConflict:
		return &RejectedError{Code: CodeConflict, Reason: apiErr.Error}
	case status == http.StatusForbidden:
		return &RejectedError{Code: CodeForbidden, Reason: apiErr.Error}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &RejectedError{Code: CodeInvalid, Reason: apiErr.Error}
	}
	return fmt.Errorf("unexpected status %d: %s", status, apiErr.Error)
}

// StatusFor maps an error from an Authority to the HTTP status and body the
// sync API answers with. It is the inverse of the client's mapping.
func StatusFor(err error) (int, ErrorResponse) {
	var rejected *RejectedError
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: CodeInvalidCredentials}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: CodeUnauthorized}
	case errors.As(err, &rejected):
		status := http.StatusUnprocessableEntity
		switch rejected.Code {
		case CodeConflict:
			status = http.StatusConflict
		case CodeForbidden:
			status = http.StatusForbidden
		}
		return status, ErrorResponse{Error: rejected.Reason, Code: rejected.Code}
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: CodeUnavailable}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
}
