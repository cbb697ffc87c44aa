// Package identity talks to the external identity backend. Credential
// checking lives entirely on the backend side; this client only exchanges
// credentials for sessions over HTTPS/JSON.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mkoval/authlink/internal/common"
	"github.com/mkoval/authlink/internal/logging"
	"github.com/mkoval/authlink/internal/session"
)

const defaultTimeout = 10 * time.Second

// Credentials submitted for sign-in and sign-up.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// Client is what the rest of the core sees of the identity backend.
type Client interface {
	SignIn(ctx context.Context, creds Credentials) (*session.Session, error)
	// SignUp returns (nil, nil) when the account needs out-of-band
	// confirmation before a session can exist.
	SignUp(ctx context.Context, creds Credentials) (*session.Session, error)
	ResetPassword(ctx context.Context, email string) error
	// Refresh asks the backend for a fresh session when local rotation
	// is no longer possible.
	Refresh(ctx context.Context) (*session.Session, error)
}

// Options for the HTTP client.
type Options struct {
	// BaseURL of the identity backend, e.g. "https://id.example.com".
	BaseURL string

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	Logger logging.Logger
}

// HTTPClient implements Client over JSON endpoints.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     logging.Logger
}

func NewHTTPClient(opts Options) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("identity: base url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
		log:     opts.Logger,
	}, nil
}

type sessionResponse struct {
	Session *session.Session `json:"session"`
}

func (c *HTTPClient) SignIn(ctx context.Context, creds Credentials) (*session.Session, error) {
	var resp sessionResponse
	if err := c.post(ctx, "/auth/sign-in", creds, &resp); err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return nil, fmt.Errorf("identity: sign-in response without session: %w", common.ErrInternal)
	}
	return resp.Session, nil
}

func (c *HTTPClient) SignUp(ctx context.Context, creds Credentials) (*session.Session, error) {
	var resp sessionResponse
	if err := c.post(ctx, "/auth/sign-up", creds, &resp); err != nil {
		return nil, err
	}
	// A backend requiring e-mail confirmation answers without a session.
	return resp.Session, nil
}

func (c *HTTPClient) ResetPassword(ctx context.Context, email string) error {
	return c.post(ctx, "/auth/reset-password", map[string]string{"email": email}, nil)
}

func (c *HTTPClient) Refresh(ctx context.Context) (*session.Session, error) {
	var resp sessionResponse
	if err := c.post(ctx, "/auth/refresh", struct{}{}, &resp); err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return nil, fmt.Errorf("identity: refresh response without session: %w", common.ErrInternal)
	}
	return resp.Session, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Body intentionally discarded: backend error detail never
		// reaches callers.
		return common.ErrUnauthorized
	case resp.StatusCode >= 400:
		if c.log != nil {
			c.log.Warn(ctx, "identity backend error", "path", path, "status", resp.StatusCode)
		}
		return fmt.Errorf("identity backend status %d: %w", resp.StatusCode, common.ErrInternal)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding identity response: %w", err)
	}
	return nil
}
