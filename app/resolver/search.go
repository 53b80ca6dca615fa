package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/lootwatch/lootwatch/app/deal"
)

var _ Resolver = (*Search)(nil)

// Search handles candidates with no recognized storefront link by probing
// every registered title-search capable source in turn. The first hit wins;
// transient failures on one source do not stop the sweep, but are reported
// if nothing else matches so the candidate stays retryable.
type Search struct {
	registry *Registry
}

func NewSearch(registry *Registry) *Search {
	return &Search{registry: registry}
}

func (s *Search) Platform() deal.Platform { return deal.PlatformUnknown }

func (s *Search) Resolve(ctx context.Context, c deal.Candidate) (*deal.Enriched, error) {
	title := c.Title
	if title == "" {
		title = c.Identifier
	}
	if title == "" {
		return nil, fmt.Errorf("%w: candidate has no title to search for", ErrNotFound)
	}

	var transient error
	for _, searcher := range s.registry.Searchers() {
		d, err := searcher.SearchTitle(ctx, title)
		if err == nil {
			return withEntry(d, c.EntryID), nil
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if ctx.Err() != nil {
			return nil, err
		}
		transient = err
	}

	if transient != nil {
		return nil, transient
	}
	return nil, fmt.Errorf("%w: no source matched title %q", ErrNotFound, title)
}
