// Package auth implements the authorization proxy and token cache
// (C14): an inbound per-identity result cache with single-flight
// verification, and an outbound auto-refreshing token cache.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/pbs/pkg/expiringmap"
	"github.com/cuemby/pbs/pkg/log"
	"github.com/cuemby/pbs/pkg/metrics"
	"github.com/cuemby/pbs/pkg/pbserr"
)

const (
	defaultInboundTTL   = 5 * time.Minute
	defaultSafetyMargin = 30 * time.Second
	minRefreshDelay     = time.Second
)

// Verifier checks a claimed identity's credential against the remote
// auth endpoint, returning the authorized domain on success.
type Verifier func(ctx context.Context, claimedIdentity, credentialFingerprint string) (domain string, err error)

type inboundEntry struct {
	mu        sync.Mutex
	needsLoad bool
	loaded    bool
	domain    string
}

// InboundCache caches verification results keyed by
// (claimed_identity, credential fingerprint), issuing at most one
// outstanding verification request per key.
type InboundCache struct {
	verify Verifier
	cache  *expiringmap.Map[string, *inboundEntry]
}

// NewInboundCache builds an InboundCache that verifies misses via
// verify, holding results for ttl (defaulting to 5 minutes).
func NewInboundCache(verify Verifier, ttl time.Duration) *InboundCache {
	if ttl <= 0 {
		ttl = defaultInboundTTL
	}
	c := &InboundCache{verify: verify}
	c.cache = expiringmap.New[string, *inboundEntry](ttl, expiringmap.Fixed, nil, ttl)
	return c
}

func cacheKey(claimedIdentity, credentialFingerprint string) string {
	return claimedIdentity + "|" + credentialFingerprint
}

// Authorize returns the authorized domain for the given identity and
// credential. A concurrent caller racing the first verification gets
// CodeAuthRequestInProgress (retryable); a failed verification removes
// the entry so the next caller retries cleanly.
func (c *InboundCache) Authorize(ctx context.Context, claimedIdentity, credentialFingerprint string) (string, error) {
	key := cacheKey(claimedIdentity, credentialFingerprint)
	entry, err := c.cache.Insert(key, &inboundEntry{needsLoad: true})
	if err != nil && err != expiringmap.ErrAlreadyExists {
		return "", pbserr.NewFailure(pbserr.CodeInternal, err)
	}

	entry.mu.Lock()
	if entry.loaded {
		domain := entry.domain
		entry.mu.Unlock()
		metrics.AuthCacheHitsTotal.WithLabelValues("hit").Inc()
		return domain, nil
	}
	if !entry.needsLoad {
		entry.mu.Unlock()
		metrics.AuthCacheHitsTotal.WithLabelValues("pending").Inc()
		return "", pbserr.NewRetry(pbserr.CodeAuthRequestInProgress, nil)
	}
	entry.needsLoad = false
	entry.mu.Unlock()

	metrics.AuthCacheHitsTotal.WithLabelValues("miss").Inc()
	domain, verr := c.verify(ctx, claimedIdentity, credentialFingerprint)
	if verr != nil {
		c.cache.Erase(key)
		return "", pbserr.NewFailure(pbserr.CodeUnauthorized, verr)
	}

	entry.mu.Lock()
	entry.loaded = true
	entry.domain = domain
	entry.mu.Unlock()
	return domain, nil
}

// Token is an outbound credential with its absolute expiry, used to
// authenticate this service's own calls to the remote coordinator or
// auth endpoint.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenFetcher mints a fresh outbound token. It is cloud-specific
// (workload identity, instance metadata, ...).
type TokenFetcher func(ctx context.Context) (Token, error)

// TokenCache holds the current outbound token and refreshes it in the
// background, ahead of expiry by safetyMargin, so callers on the
// request path never block on a network round trip (spec §4.14).
type TokenCache struct {
	fetch        TokenFetcher
	safetyMargin time.Duration
	logger       zerolog.Logger

	mu      sync.RWMutex
	current Token
	err     error

	stop chan struct{}
	done chan struct{}
}

// NewTokenCache builds a TokenCache around fetch, refreshing
// safetyMargin before each token's expiry (defaulting to 30s).
func NewTokenCache(fetch TokenFetcher, safetyMargin time.Duration) *TokenCache {
	if safetyMargin <= 0 {
		safetyMargin = defaultSafetyMargin
	}
	return &TokenCache{
		fetch:        fetch,
		safetyMargin: safetyMargin,
		logger:       log.WithComponent("auth"),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run performs an initial synchronous fetch, then refreshes in the
// background until ctx is done or Stop is called.
func (c *TokenCache) Run(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil {
		return err
	}
	go c.loop(ctx)
	return nil
}

func (c *TokenCache) loop(ctx context.Context) {
	defer close(c.done)
	for {
		delay := c.nextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-c.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := c.refresh(ctx); err != nil {
				c.logger.Error().Err(err).Msg("token refresh failed")
			}
		}
	}
}

func (c *TokenCache) nextDelay() time.Duration {
	c.mu.RLock()
	expires := c.current.ExpiresAt
	c.mu.RUnlock()

	delay := time.Until(expires.Add(-c.safetyMargin))
	if delay <= 0 {
		delay = minRefreshDelay
	}
	return delay
}

func (c *TokenCache) refresh(ctx context.Context) error {
	token, err := c.fetch(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.err = pbserr.NewRetry(pbserr.CodeUnauthorized, err)
		return c.err
	}
	c.current = token
	c.err = nil
	return nil
}

// Token returns the currently cached token, or the last refresh error
// if none has ever succeeded.
func (c *TokenCache) Token() (Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current.Value == "" && c.err != nil {
		return Token{}, c.err
	}
	return c.current, nil
}

// Stop halts the background refresh loop.
func (c *TokenCache) Stop() {
	close(c.stop)
	<-c.done
}
