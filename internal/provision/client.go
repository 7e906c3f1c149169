package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// tokenExpiryBuffer is subtracted from the server-reported token
// lifetime so we re-login before the token actually lapses.
const tokenExpiryBuffer = 60 * time.Second

// ClientConfig configures the provisioning API client.
type ClientConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to a jfa-go-compatible provisioning API. It implements
// Fetcher and Mutator.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a provisioning API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("provisioner base URL and credentials are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) login(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/token/login", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login returned status %d", ErrTransport, resp.StatusCode)
	}

	var body struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: login response: %v", ErrTransport, err)
	}
	if body.Token == "" {
		return fmt.Errorf("%w: login response missing token", ErrTransport)
	}

	lifetime := time.Duration(body.Expires) * time.Second
	if lifetime <= 0 {
		lifetime = 55 * time.Minute
	}
	if lifetime > tokenExpiryBuffer {
		lifetime -= tokenExpiryBuffer
	}

	c.mu.Lock()
	c.token = body.Token
	c.tokenExpiry = time.Now().Add(lifetime)
	c.mu.Unlock()

	log.Debug().Time("expiry", time.Now().Add(lifetime)).Msg("Provisioner token refreshed")
	return nil
}

func (c *Client) ensureAuth(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expiry := c.token, c.tokenExpiry
	c.mu.Unlock()

	if token != "" && time.Now().Before(expiry) {
		return token, nil
	}
	if err := c.login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	token = c.token
	c.mu.Unlock()
	return token, nil
}

// do performs one authenticated request, retrying once after a fresh
// login when the server reports 401.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) (*http.Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.ensureAuth(ctx)
		if err != nil {
			return nil, err
		}

		var body io.Reader
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			body = bytes.NewReader(data)
		}

		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: authentication failed after token refresh", ErrTransport)
}

// ListUsers fetches the full remote user directory.
func (c *Client) ListUsers(ctx context.Context) ([]RemoteUser, error) {
	resp, err := c.do(ctx, http.MethodGet, "/users", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list users returned status %d", ErrTransport, resp.StatusCode)
	}

	var body struct {
		Users []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Email    string `json:"email"`
			Expiry   int64  `json:"expiry"`
			Disabled bool   `json:"disabled"`
			Admin    bool   `json:"admin"`
			ChatID   string `json:"discord_id"`
		} `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: users response: %v", ErrTransport, err)
	}

	users := make([]RemoteUser, 0, len(body.Users))
	for _, u := range body.Users {
		ru := RemoteUser{
			ID:           u.ID,
			Username:     u.Name,
			LinkedChatID: u.ChatID,
			Email:        u.Email,
			Disabled:     u.Disabled,
			Admin:        u.Admin,
		}
		if u.Expiry > 0 {
			t := time.Unix(u.Expiry, 0)
			ru.ExpiresAt = &t
		}
		users = append(users, ru)
	}
	return users, nil
}

// CreateInvite creates an invite and returns its code. The API does not
// return the code on creation, so it is recovered by label lookup.
func (c *Client) CreateInvite(ctx context.Context, spec InviteSpec) (string, error) {
	payload := map[string]any{
		"label":          spec.Label,
		"profile":        spec.Profile,
		"days":           spec.LinkDays,
		"user-days":      spec.AccountDays,
		"user-expiry":    spec.AccountDays > 0,
		"multiple-uses":  false,
		"no-limit":       false,
		"remaining-uses": 1,
		"send-to":        "",
	}

	resp, err := c.do(ctx, http.MethodPost, "/invites", nil, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: create invite returned status %d", ErrTransport, resp.StatusCode)
	}
	return c.inviteCodeByLabel(ctx, spec.Label)
}

func (c *Client) inviteCodeByLabel(ctx context.Context, label string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/invites", url.Values{"label": {label}}, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: list invites returned status %d", ErrTransport, resp.StatusCode)
	}

	var body struct {
		Invites []struct {
			Code  string `json:"code"`
			Label string `json:"label"`
		} `json:"invites"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: invites response: %v", ErrTransport, err)
	}
	for _, inv := range body.Invites {
		if inv.Label == label && inv.Code != "" {
			return inv.Code, nil
		}
	}
	return "", fmt.Errorf("%w: created invite %q not present in listing", ErrTransport, label)
}

// ExtendAccount moves the account expiry to the exact timestamp.
func (c *Client) ExtendAccount(ctx context.Context, remoteUsername string, expiresAt time.Time) (Status, error) {
	payload := map[string]any{
		"users":     []string{remoteUsername},
		"timestamp": expiresAt.Unix(),
		"notify":    true,
	}

	resp, err := c.do(ctx, http.MethodPost, "/users/extend", nil, payload)
	if err != nil {
		return StatusNotFound, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return StatusOK, nil
	case http.StatusNotFound:
		return StatusNotFound, nil
	default:
		return StatusNotFound, fmt.Errorf("%w: extend returned status %d", ErrTransport, resp.StatusCode)
	}
}

// DeleteAccount removes the remote account.
func (c *Client) DeleteAccount(ctx context.Context, remoteUsername string) (Status, error) {
	payload := map[string]any{"users": []string{remoteUsername}}

	resp, err := c.do(ctx, http.MethodDelete, "/users", nil, payload)
	if err != nil {
		return StatusNotFound, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return StatusOK, nil
	case http.StatusNotFound, http.StatusBadRequest:
		// jfa-go reports an unknown user on delete as a bad request
		return StatusNotFound, nil
	default:
		return StatusNotFound, fmt.Errorf("%w: delete account returned status %d", ErrTransport, resp.StatusCode)
	}
}

// DeleteInvite removes an unclaimed invite by code.
func (c *Client) DeleteInvite(ctx context.Context, inviteCode string) (Status, error) {
	payload := map[string]any{"code": inviteCode}

	resp, err := c.do(ctx, http.MethodDelete, "/invites", nil, payload)
	if err != nil {
		return StatusNotFound, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, &body); err != nil {
			// Some servers answer a bare "OK" on success
			if strings.EqualFold(strings.TrimSpace(string(data)), "ok") {
				return StatusOK, nil
			}
			return StatusNotFound, fmt.Errorf("%w: delete invite response: %v", ErrTransport, err)
		}
		if body.Success {
			return StatusOK, nil
		}
		return StatusNotFound, nil
	case http.StatusBadRequest, http.StatusNotFound:
		return StatusNotFound, nil
	default:
		return StatusNotFound, fmt.Errorf("%w: delete invite returned status %d", ErrTransport, resp.StatusCode)
	}
}
