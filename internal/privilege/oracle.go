// Package privilege decides whether a caller bypasses the free-tier quota.
//
// Privileged callers are subscribers or users inside an active trial. The
// decision comes from an Oracle keyed by the caller's bearer token.
package privilege

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Oracle reports whether token belongs to a privileged caller. An empty
// token is always non-privileged.
type Oracle interface {
	IsPrivileged(ctx context.Context, token string) (bool, error)
}

// StaticOracle grants privilege to a fixed set of tokens.
type StaticOracle struct {
	tokens map[string]struct{}
}

// NewStaticOracle creates an oracle from a token list.
func NewStaticOracle(tokens []string) *StaticOracle {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return &StaticOracle{tokens: set}
}

func (o *StaticOracle) IsPrivileged(_ context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	_, ok := o.tokens[token]
	return ok, nil
}

// SubscriptionStatus is the body returned by the subscription check endpoint.
type SubscriptionStatus struct {
	Subscribed      bool       `json:"subscribed"`
	IsTrial         bool       `json:"is_trial"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`
}

// Privileged reports whether the status grants unlimited admission at now.
// A trial without an end date counts as active.
func (s SubscriptionStatus) Privileged(now time.Time) bool {
	if s.Subscribed {
		return true
	}
	if !s.IsTrial {
		return false
	}
	return s.SubscriptionEnd == nil || s.SubscriptionEnd.After(now)
}

// HTTPOracle asks a remote subscription service about each token.
type HTTPOracle struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewHTTPOracle creates an oracle that GETs url with the token as a bearer credential.
func NewHTTPOracle(url string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPOracle{
		url:    url,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

func (o *HTTPOracle) IsPrivileged(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return false, fmt.Errorf("build subscription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("subscription check: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// unknown caller; treat as free tier
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("subscription check: HTTP %d", resp.StatusCode)
	}

	var status SubscriptionStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&status); err != nil {
		return false, fmt.Errorf("decode subscription status: %w", err)
	}
	return status.Privileged(o.now()), nil
}

// CachingOracle memoizes another oracle's answers per token for a TTL.
// Errors are not cached.
type CachingOracle struct {
	next    Oracle
	answers *ttlcache.Cache[string, bool]
	logger  *slog.Logger
}

// NewCachingOracle wraps next. Call Stop to end the expiry loop.
func NewCachingOracle(next Oracle, ttl time.Duration, logger *slog.Logger) *CachingOracle {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	answers := ttlcache.New(
		ttlcache.WithTTL[string, bool](ttl),
		ttlcache.WithDisableTouchOnHit[string, bool](),
		ttlcache.WithCapacity[string, bool](10_000),
	)
	go answers.Start()
	return &CachingOracle{next: next, answers: answers, logger: logger}
}

func (o *CachingOracle) IsPrivileged(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if item := o.answers.Get(token); item != nil {
		return item.Value(), nil
	}
	ok, err := o.next.IsPrivileged(ctx, token)
	if err != nil {
		return false, err
	}
	o.answers.Set(token, ok, ttlcache.DefaultTTL)
	o.logger.Debug("privilege resolved", "privileged", ok)
	return ok, nil
}

// Stop ends the expiry loop.
func (o *CachingOracle) Stop() {
	o.answers.Stop()
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
