// Package tdx is a resilient client for the TDX open-data platform: OAuth2
// client-credentials auth, throttled and retried list fetches, and a
// resumable bulk-ingestion layer persisted next to the response cache.
package tdx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/briangreenhill/tdxsync/cache"
	"github.com/briangreenhill/tdxsync/ratelimit"
)

// tokenEarlyRefresh renews the access token this long before its reported
// expiry, so in-flight requests never carry an about-to-expire token.
const tokenEarlyRefresh = 30 * time.Second

const maxErrorBodyBytes = 512

type Client struct {
	cfg      Config
	http     *http.Client
	cache    *cache.FileCache
	throttle *ratelimit.Throttle
	bucket   *ratelimit.Bucket // optional shared budget; nil disables
	log      zerolog.Logger

	mu     sync.Mutex
	tokens oauth2.TokenSource

	sleep func(time.Duration) // test hook for backoff waits
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithBucket attaches a shared token bucket consulted before every upstream
// request, on top of the per-client spacing throttle.
func WithBucket(b *ratelimit.Bucket) Option {
	return func(c *Client) { c.bucket = b }
}

// New builds a Client over the given cache. A nil fc still works; the client
// then always fetches directly and the bulk layer is unavailable.
func New(cfg Config, fc *cache.FileCache, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = def.TokenURL
	}
	if cfg.City == "" {
		cfg.City = def.City
	}
	if len(cfg.Operators) == 0 {
		cfg.Operators = def.Operators
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.Retry.MaxAttempts < 0 {
		cfg.Retry.MaxAttempts = 0
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if cfg.Bulk.MaxPagesPerCall <= 0 {
		cfg.Bulk.MaxPagesPerCall = def.Bulk.MaxPagesPerCall
	}
	if cfg.Queries == nil {
		cfg.Queries = def.Queries
	}
	if cfg.ETAQuery.Top <= 0 {
		cfg.ETAQuery = def.ETAQuery
	}
	if cfg.StaticTTL <= 0 {
		cfg.StaticTTL = def.StaticTTL
	}
	if cfg.BikeAvailabilityTTL <= 0 {
		cfg.BikeAvailabilityTTL = def.BikeAvailabilityTTL
	}
	if cfg.ParkingAvailabilityTTL <= 0 {
		cfg.ParkingAvailabilityTTL = def.ParkingAvailabilityTTL
	}
	if cfg.ETATTL <= 0 {
		cfg.ETATTL = def.ETATTL
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		cache:    fc,
		throttle: ratelimit.NewThrottle(cfg.RequestSpacing),
		log:      zerolog.Nop(),
		sleep:    time.Sleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config returns the effective configuration after defaulting.
func (c *Client) Config() Config { return c.cfg }

// Cache returns the backing file cache, which may be nil.
func (c *Client) Cache() *cache.FileCache { return c.cache }

// City returns the configured default city.
func (c *Client) City() string { return c.cfg.City }

// Operators returns the configured metro operators.
func (c *Client) Operators() []string { return c.cfg.Operators }

func (c *Client) endpoint(d Dataset, scopeValue string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + d.endpointPath(scopeValue)
}

// token returns a valid bearer token, minting or renewing through the
// reusing source as needed.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return "", ErrCredentialsMissing
	}

	c.mu.Lock()
	if c.tokens == nil {
		cc := &clientcredentials.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			TokenURL:     c.cfg.TokenURL,
		}
		// The token exchange uses our HTTP client, not the default one.
		hctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
		c.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(hctx), tokenEarlyRefresh)
	}
	src := c.tokens
	c.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("tdx: token exchange: %w", err)
	}
	return tok.AccessToken, nil
}

// invalidateToken drops the cached token source so the next call mints a
// fresh token.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.tokens = nil
	c.mu.Unlock()
}

// getJSON performs one throttled, retried GET and returns the raw body.
//
// A 401 triggers a single forced token refresh that does not count against
// the retry budget; a second 401 after the refresh is returned as-is.
// Retryable statuses and transport errors back off exponentially, with the
// delay raised to the server's Retry-After when that is larger.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	retry := c.cfg.Retry
	refreshed := false
	var lastErr error

	for attempt := 0; attempt <= retry.MaxAttempts; attempt++ {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, err
		}

		if c.bucket != nil {
			if err := c.bucket.Acquire(ctx, 1); err != nil {
				return nil, err
			}
		}
		c.throttle.Wait()

		body, err := c.doGET(ctx, endpoint, params, tok)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) {
			if se.Status == http.StatusUnauthorized && !refreshed {
				c.log.Info().Str("endpoint", endpoint).Msg("unauthorized; refreshing token")
				c.invalidateToken()
				refreshed = true
				attempt-- // the forced refresh is free
				continue
			}
			if !retryableStatus(se.Status) || attempt >= retry.MaxAttempts {
				return nil, err
			}
			delay := backoffDelay(retry, attempt)
			if se.RetryAfter > delay {
				delay = se.RetryAfter
			}
			c.log.Warn().
				Int("status", se.Status).
				Int("attempt", attempt+1).
				Int("max_attempts", retry.MaxAttempts).
				Dur("delay", delay).
				Str("endpoint", endpoint).
				Msg("request failed; retrying")
			c.sleep(delay)
			continue
		}

		if ctx.Err() != nil || attempt >= retry.MaxAttempts {
			return nil, err
		}
		delay := backoffDelay(retry, attempt)
		c.log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", retry.MaxAttempts).
			Dur("delay", delay).
			Msg("transport error; retrying")
		c.sleep(delay)
	}
	return nil, lastErr
}

func (c *Client) doGET(ctx context.Context, endpoint string, params url.Values, token string) (json.RawMessage, error) {
	u := endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("tdx: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tdx: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tdx: GET %s: read body: %w", endpoint, err)
	}
	if resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		return nil, &StatusError{
			Status:     resp.StatusCode,
			URL:        endpoint,
			Body:       snippet,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return body, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(header), 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func backoffDelay(retry RetryPolicy, attempt int) time.Duration {
	d := time.Duration(float64(retry.BaseDelay) * math.Pow(2, float64(attempt)))
	if d > retry.MaxDelay || d <= 0 {
		d = retry.MaxDelay
	}
	return d
}

// GetList fetches one page and decodes it as a JSON array of records.
func (c *Client) GetList(ctx context.Context, endpoint string, params url.Values) ([]map[string]any, error) {
	body, err := c.getJSON(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	return decodeList(endpoint, body)
}

func decodeList(endpoint string, body json.RawMessage) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w (endpoint %s)", ErrUnexpectedShape, endpoint)
	}
	var items []map[string]any
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w (endpoint %s): %v", ErrUnexpectedShape, endpoint, err)
	}
	return items, nil
}

func listParams(top, skip int, sel string) url.Values {
	v := url.Values{}
	v.Set("$format", "JSON")
	v.Set("$top", strconv.Itoa(top))
	v.Set("$skip", strconv.Itoa(skip))
	if sel != "" {
		v.Set("$select", sel)
	}
	return v
}

// FetchFullList walks an endpoint page by page until a short page signals
// the end of the collection.
func (c *Client) FetchFullList(ctx context.Context, endpoint string, top int, sel string) ([]map[string]any, error) {
	var out []map[string]any
	skip := 0
	for {
		page, err := c.GetList(ctx, endpoint, listParams(top, skip, sel))
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < top {
			return out, nil
		}
		skip += top
	}
}

// FetchFirstPage fetches only the first page of an endpoint.
func (c *Client) FetchFirstPage(ctx context.Context, endpoint string, top int, sel string) ([]map[string]any, error) {
	return c.GetList(ctx, endpoint, listParams(top, 0, sel))
}
