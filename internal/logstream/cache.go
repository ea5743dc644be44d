package logstream

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTokenTTL       = 24 * time.Hour
	DefaultTokenCacheSize = 10000
)

// TokenCache memoizes issued tokens per tenant. Failures are not cached.
type TokenCache struct {
	issuer Issuer
	tokens *expirable.LRU[string, string]
	group  singleflight.Group
}

func NewTokenCache(issuer Issuer, ttl time.Duration) *TokenCache {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenCache{
		issuer: issuer,
		tokens: expirable.NewLRU[string, string](DefaultTokenCacheSize, nil, ttl),
	}
}

// AccountToken returns the tenant's cached token, fetching it on a miss.
func (c *TokenCache) AccountToken(ctx context.Context, tenant string) (string, error) {
	if tok, ok := c.tokens.Get(tenant); ok {
		return tok, nil
	}
	v, err, _ := c.group.Do(tenant, func() (any, error) {
		tok, err := c.issuer.AccountToken(ctx, tenant)
		if err != nil {
			return "", err
		}
		c.tokens.Add(tenant, tok)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
