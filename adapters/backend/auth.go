package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Account is the identity returned by a successful login.
type Account struct {
	ID       int    `json:"id"`
	Token    string `json:"token"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Login authenticates against the backend and stores the returned bearer
// token on the client. Different backend versions shape the response
// differently; all known variants are accepted (see parseLoginResponse).
func (c *Client) Login(ctx context.Context, username, password string) (Account, error) {
	payload := map[string]string{"username": username, "password": password}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/api/v1/login/", payload, &raw); err != nil {
		return Account{}, fmt.Errorf("login: %w", err)
	}

	account, err := parseLoginResponse(raw)
	if err != nil {
		return Account{}, fmt.Errorf("login: %w", err)
	}

	c.SetToken(account.Token)
	return account, nil
}

// Register creates a backend account.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	payload := map[string]string{"username": username, "email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/register/", payload, nil); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

type loginFields struct {
	ID       int    `json:"id"`
	Access   string `json:"access"`
	Token    string `json:"token"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (f loginFields) account() (Account, bool) {
	token := f.Access
	if token == "" {
		token = f.Token
	}
	if token == "" || f.Username == "" {
		return Account{}, false
	}
	return Account{ID: f.ID, Token: token, Username: f.Username, Email: f.Email}, true
}

// parseLoginResponse accepts the three response shapes observed across
// backend versions: fields at the top level, nested under "user" (with the
// token flat), or the whole thing wrapped in "data". Tried in that order.
func parseLoginResponse(raw json.RawMessage) (Account, error) {
	// Flat: {access, username, email}
	var flat loginFields
	if err := json.Unmarshal(raw, &flat); err == nil {
		if account, ok := flat.account(); ok {
			return account, nil
		}
	}

	// Nested user: {access, user: {username, email}}
	var nested struct {
		Access string      `json:"access"`
		Token  string      `json:"token"`
		User   loginFields `json:"user"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		if nested.User.Access == "" {
			nested.User.Access = nested.Access
		}
		if nested.User.Token == "" {
			nested.User.Token = nested.Token
		}
		if account, ok := nested.User.account(); ok {
			return account, nil
		}
	}

	// Data-wrapped: {data: {access, username, email}}
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Data) > 0 {
		var inner loginFields
		if err := json.Unmarshal(wrapped.Data, &inner); err == nil {
			if account, ok := inner.account(); ok {
				return account, nil
			}
		}
	}

	return Account{}, errors.New("response is missing required fields")
}
