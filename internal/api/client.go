// Package api is the HTTP client for the data-plane endpoints. It shares its
// cookie jar with the websocket dialer so the whole client acts as one
// session.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/domain"
)

type Client struct {
	baseURL string
	http    *http.Client
	jar     *cookiejar.Jar

	mu   sync.Mutex
	user *domain.User
}

func NewClient(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &Client{
		baseURL: baseURL,
		jar:     jar,
		http: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Jar exposes the session cookies for the websocket dialer.
func (c *Client) Jar() http.CookieJar { return c.jar }

// CurrentUser reports the identity established by Register or Me.
func (c *Client) CurrentUser() (*domain.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil, false
	}
	u := *c.user
	return &u, true
}

// Register creates a new user and binds it to this client's session.
func (c *Client) Register(displayName string) (*domain.User, error) {
	var user domain.User
	err := c.do(http.MethodPost, "/api/register",
		map[string]string{"display_name": displayName}, &user)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.user = &user
	c.mu.Unlock()
	return &user, nil
}

// Me fetches the session's user, restoring identity on a fresh process that
// still holds a valid session cookie.
func (c *Client) Me() (*domain.User, error) {
	var user domain.User
	if err := c.do(http.MethodGet, "/api/me", nil, &user); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.user = &user
	c.mu.Unlock()
	return &user, nil
}

func (c *Client) CreateServer(name, description string) (*domain.Server, error) {
	var srv domain.Server
	err := c.do(http.MethodPost, "/api/servers",
		map[string]string{"name": name, "description": description}, &srv)
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

func (c *Client) Servers() ([]domain.Server, error) {
	var out []domain.Server
	if err := c.do(http.MethodGet, "/api/servers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SearchServers(query string) ([]domain.Server, error) {
	var out []domain.Server
	err := c.do(http.MethodGet, "/api/servers/search?q="+url.QueryEscape(query), nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateChannel(serverID domain.ServerID, name, kind string) (*domain.Channel, error) {
	var ch domain.Channel
	err := c.do(http.MethodPost, fmt.Sprintf("/api/servers/%s/channels", serverID),
		map[string]string{"name": name, "kind": kind}, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) Channels(serverID domain.ServerID) ([]domain.Channel, error) {
	var out []domain.Channel
	err := c.do(http.MethodGet, fmt.Sprintf("/api/servers/%s/channels", serverID), nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Messages(channelID domain.ChannelID) ([]domain.Message, error) {
	var out []domain.Message
	err := c.do(http.MethodGet, fmt.Sprintf("/api/channels/%s/messages", channelID), nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(channelID domain.ChannelID, content string) (*domain.Message, error) {
	var msg domain.Message
	err := c.do(http.MethodPost, fmt.Sprintf("/api/channels/%s/messages", channelID),
		map[string]string{"content": content}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) CreateInvite(serverID domain.ServerID, ttlHours, maxUses int) (*domain.Invite, error) {
	var inv domain.Invite
	err := c.do(http.MethodPost, fmt.Sprintf("/api/servers/%s/invites", serverID),
		map[string]int{"ttl_hours": ttlHours, "max_uses": maxUses}, &inv)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) Invites(serverID domain.ServerID) ([]domain.Invite, error) {
	var out []domain.Invite
	err := c.do(http.MethodGet, fmt.Sprintf("/api/servers/%s/invites", serverID), nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) JoinInvite(code domain.InviteCode) (*domain.Server, error) {
	var srv domain.Server
	err := c.do(http.MethodPost, fmt.Sprintf("/api/invites/%s/join", code), nil, &srv)
	if err != nil {
		return nil, err
	}
	return &srv, nil
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
