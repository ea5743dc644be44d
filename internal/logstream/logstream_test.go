package logstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientAccountToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		assert.Equal(t, "svc-secret", r.Header.Get("X-Service-Token"))
		switch r.URL.Query().Get("accountID") {
		case "json":
			_, _ = w.Write([]byte(`"tok-json"`))
		case "plain":
			_, _ = w.Write([]byte("tok-plain\n"))
		default:
			http.Error(w, "unknown account", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "svc-secret", time.Second)

	tok, err := c.AccountToken(context.Background(), "json")
	require.NoError(t, err)
	assert.Equal(t, "tok-json", tok)

	tok, err = c.AccountToken(context.Background(), "plain")
	require.NoError(t, err)
	assert.Equal(t, "tok-plain", tok)

	_, err = c.AccountToken(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

type stubIssuer struct {
	calls atomic.Int32
	err   error
}

func (s *stubIssuer) AccountToken(_ context.Context, tenant string) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return "tok-" + tenant, nil
}

func TestTokenCacheMemoizesPerTenant(t *testing.T) {
	issuer := &stubIssuer{}
	c := NewTokenCache(issuer, time.Hour)

	for i := 0; i < 3; i++ {
		tok, err := c.AccountToken(context.Background(), "acct")
		require.NoError(t, err)
		assert.Equal(t, "tok-acct", tok)
	}
	tok, err := c.AccountToken(context.Background(), "other")
	require.NoError(t, err)
	assert.Equal(t, "tok-other", tok)
	assert.EqualValues(t, 2, issuer.calls.Load())
}

func TestTokenCacheDoesNotCacheFailures(t *testing.T) {
	issuer := &stubIssuer{err: errors.New("unavailable")}
	c := NewTokenCache(issuer, time.Hour)

	_, err := c.AccountToken(context.Background(), "acct")
	require.Error(t, err)
	_, err = c.AccountToken(context.Background(), "acct")
	require.Error(t, err)
	assert.EqualValues(t, 2, issuer.calls.Load())
}
