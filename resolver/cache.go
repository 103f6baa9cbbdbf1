package resolver

import (
	"context"
	"time"

	"github.com/bluesky-social/bailiff/subject"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachingResolver remembers positive answers for a while. Unpinned record
// lookups always go through, since the current version can change.
type CachingResolver struct {
	Inner Resolver
	cache *expirable.LRU[string, subject.Subject]
}

var _ Resolver = (*CachingResolver)(nil)

func NewCachingResolver(inner Resolver, size int, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		Inner: inner,
		cache: expirable.NewLRU[string, subject.Subject](size, nil, ttl),
	}
}

func (cr *CachingResolver) ResolveSubject(ctx context.Context, s subject.Subject) (subject.Subject, error) {
	if rec, ok := s.(subject.Record); ok && !rec.Pinned() {
		return cr.Inner.ResolveSubject(ctx, s)
	}

	key, err := subject.Key(s)
	if err != nil {
		return nil, err
	}
	if out, ok := cr.cache.Get(key); ok {
		resolverCacheHits.Inc()
		return out, nil
	}

	out, err := cr.Inner.ResolveSubject(ctx, s)
	if err != nil {
		return nil, err
	}
	cr.cache.Add(key, out)
	return out, nil
}
