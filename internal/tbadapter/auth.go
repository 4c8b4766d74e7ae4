package tbadapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"liftcloud/internal/accounts"
)

// defaultTokenTTL is used when a login token carries no readable expiry.
const defaultTokenTTL = 15 * time.Minute

// expirySlack renews tokens slightly before the platform would reject them.
const expirySlack = 30 * time.Second

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type cachedToken struct {
	token   string
	expires time.Time
}

type tokenCache struct {
	clock Clock

	mu     sync.Mutex
	tokens map[string]cachedToken // account id -> token
}

func newTokenCache(clock Clock) *tokenCache {
	return &tokenCache{clock: clock, tokens: make(map[string]cachedToken)}
}

func (c *tokenCache) get(account string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.tokens[account]
	if !ok || c.clock.Now().After(entry.expires) {
		return "", false
	}
	return entry.token, true
}

func (c *tokenCache) put(account, token string) {
	expires := c.clock.Now().Add(defaultTokenTTL)
	if claimed, ok := tokenExpiry(token); ok {
		expires = claimed.Add(-expirySlack)
	}
	c.mu.Lock()
	c.tokens[account] = cachedToken{token: token, expires: expires}
	c.mu.Unlock()
}

func (c *tokenCache) invalidate(account string) {
	c.mu.Lock()
	delete(c.tokens, account)
	c.mu.Unlock()
}

// tokenExpiry reads the exp claim without verifying the signature; the
// platform signed the token and is the party that verifies it.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

type loginResponse struct {
	Token string `json:"token"`
}

// adminToken returns a valid admin JWT for the account, logging in when
// the cache has no fresh token.
func (c *Client) adminToken(ctx context.Context, acc accounts.Account) (string, error) {
	if token, ok := c.tokens.get(acc.ID); ok {
		return token, nil
	}
	if acc.AdminUser == "" || acc.AdminPass == "" {
		return "", fmt.Errorf("tbadapter: account %q has no admin credentials", acc.ID)
	}

	var result loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": acc.AdminUser, "password": acc.AdminPass}).
		SetResult(&result).
		Post(acc.BaseURL + "/api/auth/login")
	if err != nil {
		return "", fmt.Errorf("tbadapter: login %s: %w", acc.ID, err)
	}
	if resp.IsError() {
		return "", &StatusError{Code: resp.StatusCode(), Body: string(resp.Body())}
	}
	if result.Token == "" {
		return "", errors.New("tbadapter: login succeeded but no token in response")
	}
	c.tokens.put(acc.ID, result.Token)
	return result.Token, nil
}
