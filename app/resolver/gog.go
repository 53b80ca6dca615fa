package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/lootwatch/lootwatch/app/database"
	"github.com/lootwatch/lootwatch/app/deal"
	"github.com/lootwatch/lootwatch/app/ratelimit"
)

const (
	defaultGOGStoreURL  = "https://www.gog.com"
	defaultGOGSearchURL = "https://embed.gog.com/games/ajax/filtered"

	gogTitleSuffix = " on GOG.com"
)

var _ Resolver = (*GOG)(nil)
var _ TitleSearcher = (*GOG)(nil)

// GOG has no public product API, so resolution scrapes the storefront page
// for OpenGraph metadata and the rendered price block.
type GOG struct {
	client  *client
	limiter *ratelimit.Bucket
	cache   database.CacheRepository
	ttl     time.Duration

	storeURL  string
	searchURL string
}

func NewGOG(httpClient *http.Client, userAgent string, limiter *ratelimit.Bucket, cache database.CacheRepository, ttl time.Duration) *GOG {
	return &GOG{
		client:    newClient(httpClient, userAgent),
		limiter:   limiter,
		cache:     cache,
		ttl:       ttl,
		storeURL:  defaultGOGStoreURL,
		searchURL: defaultGOGSearchURL,
	}
}

func (g *GOG) Platform() deal.Platform { return deal.PlatformGOG }

func (g *GOG) Resolve(ctx context.Context, c deal.Candidate) (*deal.Enriched, error) {
	if cached, hit, err := g.cache.Get(deal.PlatformGOG, c.Identifier, g.ttl); err == nil && hit {
		return withEntry(cached, c.EntryID), nil
	}

	if err := g.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	pageURL := g.storeURL + "/en/game/" + c.Identifier
	body, err := g.client.get(ctx, "GOG", pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: GOG: parse product page: %v", ErrSourceUnavailable, err)
	}

	title, _ := doc.Find(`meta[property="og:title"]`).Attr("content")
	title = strings.TrimSuffix(strings.TrimSpace(title), gogTitleSuffix)
	if title == "" {
		return nil, fmt.Errorf("%w: GOG game %s", ErrNotFound, c.Identifier)
	}
	image, _ := doc.Find(`meta[property="og:image"]`).Attr("content")

	d := &deal.Enriched{
		Title:      title,
		Platform:   deal.PlatformGOG,
		Identifier: c.Identifier,
		StoreURL:   pageURL,
		ImageURL:   image,
		EntryID:    c.EntryID,
	}

	base := strings.TrimSpace(doc.Find(".product-actions-price__base-amount").First().Text())
	final := strings.TrimSpace(doc.Find(".product-actions-price__final-amount").First().Text())
	switch {
	case base != "":
		d.OriginalPrice = base
	case final != "":
		d.OriginalPrice = final
	}
	d.IsFree = final == "0" || final == "0.00" || strings.EqualFold(final, "free")

	if err := g.cache.Put(deal.PlatformGOG, c.Identifier, d, false); err != nil {
		return nil, fmt.Errorf("cache gog game %s: %w", c.Identifier, err)
	}

	return d, nil
}

// SearchTitle looks a game up through the catalog search endpoint and
// resolves the best hit by its slug.
func (g *GOG) SearchTitle(ctx context.Context, title string) (*deal.Enriched, error) {
	if err := g.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	search := fmt.Sprintf("%s?mediaType=game&search=%s", g.searchURL, url.QueryEscape(title))
	body, err := g.client.get(ctx, "GOG", search)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Products []struct {
			Slug  string `json:"slug"`
			Title string `json:"title"`
		} `json:"products"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: GOG: decode search results: %v", ErrSourceUnavailable, err)
	}
	if len(payload.Products) == 0 || payload.Products[0].Slug == "" {
		return nil, fmt.Errorf("%w: GOG search %q", ErrNotFound, title)
	}

	return g.Resolve(ctx, deal.Candidate{
		Platform:   deal.PlatformGOG,
		Identifier: payload.Products[0].Slug,
	})
}
