package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthorizeCachesSuccessfulVerification(t *testing.T) {
	var calls int32
	verify := func(ctx context.Context, claimedIdentity, credentialFingerprint string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "example.com", nil
	}
	cache := NewInboundCache(verify, time.Minute)

	domain, err := cache.Authorize(context.Background(), "svc-a", "fp1")
	require.NoError(t, err)
	require.Equal(t, "example.com", domain)

	domain, err = cache.Authorize(context.Background(), "svc-a", "fp1")
	require.NoError(t, err)
	require.Equal(t, "example.com", domain)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestAuthorizeReturnsInProgressForRacingCaller(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	verify := func(ctx context.Context, claimedIdentity, credentialFingerprint string) (string, error) {
		close(started)
		<-release
		return "example.com", nil
	}
	cache := NewInboundCache(verify, time.Minute)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = cache.Authorize(context.Background(), "svc-a", "fp1")
	}()

	<-started
	_, err := cache.Authorize(context.Background(), "svc-a", "fp1")
	require.Error(t, err)
	require.Equal(t, "RETRY AUTH_REQUEST_IN_PROGRESS", err.Error())

	close(release)
	wg.Wait()
}

func TestAuthorizeEvictsEntryOnVerificationFailure(t *testing.T) {
	var calls int32
	verify := func(ctx context.Context, claimedIdentity, credentialFingerprint string) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return "", errors.New("credential rejected")
		}
		return "example.com", nil
	}
	cache := NewInboundCache(verify, time.Minute)

	_, err := cache.Authorize(context.Background(), "svc-a", "fp1")
	require.Error(t, err)

	domain, err := cache.Authorize(context.Background(), "svc-a", "fp1")
	require.NoError(t, err)
	require.Equal(t, "example.com", domain)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestTokenCacheRefreshesBeforeExpiry(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context) (Token, error) {
		atomic.AddInt32(&calls, 1)
		return Token{Value: "tok", ExpiresAt: time.Now().Add(40 * time.Millisecond)}, nil
	}
	cache := NewTokenCache(fetch, 30*time.Millisecond)
	require.NoError(t, cache.Run(context.Background()))
	t.Cleanup(cache.Stop)

	tok, err := cache.Token()
	require.NoError(t, err)
	require.Equal(t, "tok", tok.Value)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestTokenCacheRunFailsWhenInitialFetchFails(t *testing.T) {
	fetch := func(ctx context.Context) (Token, error) {
		return Token{}, errors.New("no credentials")
	}
	cache := NewTokenCache(fetch, time.Second)
	err := cache.Run(context.Background())
	require.Error(t, err)
}
