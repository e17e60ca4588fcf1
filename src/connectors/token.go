package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// TokenClient exchanges broker credentials for a short-lived session token
// over HTTPS. Some gateways refuse raw credentials on the stream logon and
// require this hop first.
type TokenClient struct {
	http *resty.Client
}

func NewTokenClient(tokenURL string, timeout time.Duration) *TokenClient {
	client := resty.New().
		SetBaseURL(tokenURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &TokenClient{http: client}
}

// FetchSessionToken posts the credentials and returns the token to use in the
// logon frame.
func (t *TokenClient) FetchSessionToken(ctx context.Context, username, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"username": username,
			"password": password,
		}).
		SetResult(&out).
		Post("")
	if err != nil {
		return "", fmt.Errorf("session token request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("session token request: status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Token == "" {
		return "", errors.New("session token response missing token")
	}

	return out.Token, nil
}
