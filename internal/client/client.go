package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ipguard/internal/api/dto"
	"ipguard/internal/support"
)

var (
	ErrUnauthorized = errors.New("session is not valid")
	ErrOriginBanned = errors.New("origin banned")
)

// APIError carries any other non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d %s", e.StatusCode, e.Code)
}

// Temporary reports whether retrying the same call later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type Config struct {
	BaseURL     string
	IPLookupURL string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

const (
	defaultIPLookupURL = "https://api.ipify.org"
	defaultTimeout     = 10 * time.Second
)

// Client talks to the ipguard API on behalf of one user. It is safe for
// concurrent use; the session token is shared by all calls.
type Client struct {
	baseURL     string
	ipLookupURL string
	http        *http.Client

	mu    sync.RWMutex
	token string
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	lookup := strings.TrimSpace(cfg.IPLookupURL)
	if lookup == "" {
		lookup = defaultIPLookupURL
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		ipLookupURL: lookup,
		http:        httpClient,
	}
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// LoginResult is either a session (Token set) or a pending verification.
type LoginResult struct {
	Token                string
	Role                 string
	PollInterval         time.Duration
	RequiresVerification bool
}

func (c *Client) Login(ctx context.Context, email, password, publicIP string) (*LoginResult, error) {
	var resp dto.LoginResponse
	status, err := c.call(ctx, http.MethodPost, "/login", dto.LoginRequest{
		Email:    email,
		Password: password,
		PublicIP: publicIP,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if status == http.StatusAccepted || resp.RequiresVerification {
		return &LoginResult{RequiresVerification: true}, nil
	}

	c.SetToken(resp.Token)
	return &LoginResult{
		Token:        resp.Token,
		Role:         resp.Role,
		PollInterval: time.Duration(resp.PollIntervalSeconds) * time.Second,
	}, nil
}

func (c *Client) Verify(ctx context.Context, email, code, publicIP string) error {
	_, err := c.call(ctx, http.MethodPost, "/verify", dto.VerifyRequest{
		Email:    email,
		Code:     code,
		PublicIP: publicIP,
	}, nil)
	return err
}

// TrustStatus asks how the server currently sees publicIP for the signed-in user.
func (c *Client) TrustStatus(ctx context.Context, publicIP string) (*dto.TrustStatusResponse, error) {
	var resp dto.TrustStatusResponse
	if _, err := c.call(ctx, http.MethodPost, "/trust/status", dto.TrustStatusRequest{PublicIP: publicIP}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Track(ctx context.Context, publicIP, userAgent string) (*dto.TrackResponse, error) {
	var resp dto.TrackResponse
	if _, err := c.call(ctx, http.MethodPost, "/trust/track", dto.TrackRequest{IPAddress: publicIP, UserAgent: userAgent}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PublicIP asks the lookup service which address this machine egresses from.
func (c *Client) PublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ipLookupURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("public ip lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("public ip lookup: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("public ip lookup: %w", err)
	}

	ip, ok := support.CanonicalIP(string(body))
	if !ok {
		return "", fmt.Errorf("public ip lookup: %w: %q", support.ErrInvalidAddress, strings.TrimSpace(string(body)))
	}
	return ip, nil
}

func (c *Client) call(ctx context.Context, method, path string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &payload); err != nil {
		payload.Message = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized && payload.Error != "InvalidCredentials":
		return ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden && payload.Error == "OriginBanned":
		return ErrOriginBanned
	}
	return &APIError{StatusCode: resp.StatusCode, Code: payload.Error, Message: payload.Message}
}
