// Package oauth talks to provider token and revocation endpoints.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/maverick-software/agentopia-vault/internal/core/domain"
	"github.com/maverick-software/agentopia-vault/internal/core/ports/driven"
)

// Ensure Client implements the interface.
var _ driven.TokenEndpoint = (*Client)(nil)

// Config configures the token endpoint client.
type Config struct {
	// Timeout bounds each HTTP call.
	Timeout time.Duration

	// RatePerSecond and Burst limit calls per provider. Zero disables limiting.
	RatePerSecond float64
	Burst         int

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       15 * time.Second,
		RatePerSecond: 5,
		Burst:         10,
	}
}

// Client implements driven.TokenEndpoint over golang.org/x/oauth2 for
// refresh and a plain form POST (RFC 7009) for revocation.
type Client struct {
	httpClient *http.Client
	rate       rate.Limit
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a token endpoint client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultConfig().Timeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		httpClient: httpClient,
		rate:       limit,
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (c *Client) wait(ctx context.Context, provider string) error {
	c.mu.Lock()
	l, ok := c.limiters[provider]
	if !ok {
		l = rate.NewLimiter(c.rate, c.burst)
		c.limiters[provider] = l
	}
	c.mu.Unlock()
	return l.Wait(ctx)
}

// Refresh exchanges a refresh token for a new token set.
func (c *Client) Refresh(ctx context.Context, provider *domain.Provider, clientSecret, refreshToken string) (*domain.IssuedToken, error) {
	if !provider.CanRefresh() {
		return nil, fmt.Errorf("%w: provider %s has no token endpoint", domain.ErrInvalidInput, provider.Name)
	}
	if err := c.wait(ctx, provider.Name); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	cfg := &oauth2.Config{
		ClientID:     provider.ClientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   provider.AuthorizationURL,
			TokenURL:  provider.TokenURL,
			AuthStyle: authStyle(provider.EffectiveAuthStyle()),
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	// An already expired token forces the source to hit the endpoint.
	src := cfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, classify(provider.Name, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("refresh %s: token endpoint returned no access token", provider.Name)
	}

	issued := &domain.IssuedToken{
		AccessToken: tok.AccessToken,
		ExpiresIn:   expiresIn(tok),
	}
	// x/oauth2 carries the old refresh token forward when the provider
	// does not rotate it.
	if tok.RefreshToken != refreshToken {
		issued.RefreshToken = tok.RefreshToken
	}
	return issued, nil
}

// Revoke asks the provider to revoke token. No endpoint means no-op.
func (c *Client) Revoke(ctx context.Context, provider *domain.Provider, clientSecret, token string) error {
	if provider.RevocationURL == "" || token == "" {
		return nil
	}
	if err := c.wait(ctx, provider.Name); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	form := url.Values{"token": {token}}
	if provider.EffectiveAuthStyle() == domain.ClientAuthBody {
		form.Set("client_id", provider.ClientID)
		if clientSecret != "" {
			form.Set("client_secret", clientSecret)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.RevocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if provider.EffectiveAuthStyle() == domain.ClientAuthHeader && provider.ClientID != "" {
		req.SetBasicAuth(url.QueryEscape(provider.ClientID), url.QueryEscape(clientSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke %s: %w", provider.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("revoke %s: unexpected status %d", provider.Name, resp.StatusCode)
	}
	return nil
}

func authStyle(s domain.ClientAuthStyle) oauth2.AuthStyle {
	if s == domain.ClientAuthBody {
		return oauth2.AuthStyleInParams
	}
	return oauth2.AuthStyleInHeader
}

// classify maps token endpoint failures: a 4xx other than 429 means the
// provider refused the refresh token; anything else is transient.
func classify(provider string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			reason := re.ErrorCode
			if reason == "" {
				reason = http.StatusText(code)
			}
			return fmt.Errorf("refresh %s: %w: %s", provider, domain.ErrRefreshRejected, reason)
		}
		return fmt.Errorf("refresh %s: token endpoint status %d", provider, code)
	}
	return fmt.Errorf("refresh %s: %w", provider, err)
}

func expiresIn(tok *oauth2.Token) int64 {
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn
	}
	if tok.Expiry.IsZero() {
		return 0
	}
	secs := math.Round(time.Until(tok.Expiry).Seconds())
	if secs < 0 {
		return 0
	}
	return int64(secs)
}
