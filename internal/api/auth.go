package api

import (
	"context"
	"net/http"
)

// User is the logged-in account as the backend reports it.
type User struct {
	Username   string `json:"username"`
	NeedsSetup bool   `json:"needsSetup,omitempty"`
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password string) (string, *User, error) {
	var out struct {
		Token      string `json:"token"`
		Username   string `json:"username"`
		NeedsSetup bool   `json:"needsSetup"`
	}
	body := map[string]string{"username": username, "password": password}
	if _, err := c.do(ctx, "login", http.MethodPost, "/api/auth/login", body, &out); err != nil {
		return "", nil, err
	}
	if out.Token == "" {
		return "", nil, &RequestFailed{Op: "login", Status: http.StatusOK, Reason: "backend returned no token"}
	}
	if out.Username == "" {
		out.Username = username
	}
	c.SetToken(out.Token)
	return out.Token, &User{Username: out.Username, NeedsSetup: out.NeedsSetup}, nil
}

// Me returns the user the current token belongs to.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if _, err := c.do(ctx, "current user", http.MethodGet, "/api/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Logout invalidates the token server-side and clears it locally.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, "logout", http.MethodPost, "/api/auth/logout", nil, nil)
	c.SetToken("")
	return err
}
