package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"

	"github.com/lootwatch/lootwatch/app/deal"
)

// Failure taxonomy for storefront lookups.
var (
	// ErrNotFound: the identifier is syntactically valid but no matching
	// item exists upstream. Terminal, do not retry.
	ErrNotFound = errors.New("game not found")
	// ErrSourceUnavailable: transient network/5xx/timeout failure.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrRateLimited: the upstream source rejected the request despite
	// local throttling.
	ErrRateLimited = errors.New("rate limited by source")
)

// Resolver turns a candidate into canonical storefront metadata.
type Resolver interface {
	Platform() deal.Platform
	Resolve(ctx context.Context, c deal.Candidate) (*deal.Enriched, error)
}

// TitleSearcher is implemented by resolvers whose storefront offers a
// lookup-by-title endpoint. Used by the unknown-platform resolver.
type TitleSearcher interface {
	SearchTitle(ctx context.Context, title string) (*deal.Enriched, error)
}

// Registry maps platforms to their resolver instances.
type Registry struct {
	resolvers map[deal.Platform]Resolver
}

func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[deal.Platform]Resolver)}
}

func (r *Registry) Register(res Resolver) {
	r.resolvers[res.Platform()] = res
}

func (r *Registry) Get(p deal.Platform) (Resolver, bool) {
	res, ok := r.resolvers[p]
	return res, ok
}

// Searchers returns the registered resolvers that support title search, in
// platform order so cross-source lookups probe sources deterministically.
func (r *Registry) Searchers() []TitleSearcher {
	platforms := slices.Sorted(maps.Keys(r.resolvers))
	var searchers []TitleSearcher
	for _, p := range platforms {
		if s, ok := r.resolvers[p].(TitleSearcher); ok {
			searchers = append(searchers, s)
		}
	}
	return searchers
}

// client is the shared HTTP fetch helper. All resolvers go through it so
// status classification onto the failure taxonomy lives in one place.
type client struct {
	http      *http.Client
	userAgent string
}

func newClient(httpClient *http.Client, userAgent string) *client {
	return &client{http: httpClient, userAgent: userAgent}
}

// get fetches url and returns the body on 200. Other statuses map onto the
// failure taxonomy: 404 → ErrNotFound, 429 → ErrRateLimited, anything else
// (including transport errors) → ErrSourceUnavailable.
func (c *client) get(ctx context.Context, source, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, source, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s returned 404", ErrNotFound, source)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s returned 429", ErrRateLimited, source)
	default:
		return nil, fmt.Errorf("%w: %s returned %d", ErrSourceUnavailable, source, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %v", ErrSourceUnavailable, source, err)
	}
	return body, nil
}

// withEntry returns a copy of a cached snapshot re-attributed to the
// candidate's feed entry.
func withEntry(d *deal.Enriched, entryID string) *deal.Enriched {
	out := *d
	out.EntryID = entryID
	return &out
}
