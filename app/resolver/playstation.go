package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/lootwatch/lootwatch/app/database"
	"github.com/lootwatch/lootwatch/app/deal"
	"github.com/lootwatch/lootwatch/app/ratelimit"
)

const (
	defaultPSStoreURL = "https://store.playstation.com"

	psTitleSuffix = " | PlayStation Store"
)

var _ Resolver = (*PlayStation)(nil)

// PlayStation resolves candidates by scraping the store product page, reading
// OpenGraph tags for identity and the embedded JSON-LD record for pricing.
type PlayStation struct {
	client  *client
	limiter *ratelimit.Bucket
	cache   database.CacheRepository
	ttl     time.Duration

	storeURL string
}

func NewPlayStation(httpClient *http.Client, userAgent string, limiter *ratelimit.Bucket, cache database.CacheRepository, ttl time.Duration) *PlayStation {
	return &PlayStation{
		client:   newClient(httpClient, userAgent),
		limiter:  limiter,
		cache:    cache,
		ttl:      ttl,
		storeURL: defaultPSStoreURL,
	}
}

func (p *PlayStation) Platform() deal.Platform { return deal.PlatformPlayStation }

func (p *PlayStation) Resolve(ctx context.Context, c deal.Candidate) (*deal.Enriched, error) {
	if cached, hit, err := p.cache.Get(deal.PlatformPlayStation, c.Identifier, p.ttl); err == nil && hit {
		return withEntry(cached, c.EntryID), nil
	}

	if err := p.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	pageURL := p.storeURL + "/en-us/product/" + c.Identifier
	body, err := p.client.get(ctx, "PlayStation", pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: PlayStation: parse product page: %v", ErrSourceUnavailable, err)
	}

	title, _ := doc.Find(`meta[property="og:title"]`).Attr("content")
	title = strings.TrimSuffix(strings.TrimSpace(title), psTitleSuffix)
	if title == "" {
		return nil, fmt.Errorf("%w: PlayStation product %s", ErrNotFound, c.Identifier)
	}
	image, _ := doc.Find(`meta[property="og:image"]`).Attr("content")

	d := &deal.Enriched{
		Title:      title,
		Platform:   deal.PlatformPlayStation,
		Identifier: c.Identifier,
		StoreURL:   pageURL,
		ImageURL:   image,
		EntryID:    c.EntryID,
	}

	if ld := psProductLD(doc); ld != nil {
		d.OriginalPrice = ld.Offers.Price.String()
		d.Currency = ld.Offers.PriceCurrency
		d.IsFree = ld.Offers.Price.String() == "0" || ld.Offers.Price.String() == "0.00"
	}

	if err := p.cache.Put(deal.PlatformPlayStation, c.Identifier, d, false); err != nil {
		return nil, fmt.Errorf("cache playstation product %s: %w", c.Identifier, err)
	}

	return d, nil
}

type psLD struct {
	Type   string `json:"@type"`
	Offers struct {
		Price         json.Number `json:"price"`
		PriceCurrency string      `json:"priceCurrency"`
	} `json:"offers"`
}

func psProductLD(doc *goquery.Document) *psLD {
	var found *psLD
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var ld psLD
		if err := json.Unmarshal([]byte(s.Text()), &ld); err != nil {
			return true
		}
		if ld.Type != "Product" && ld.Type != "VideoGame" {
			return true
		}
		found = &ld
		return false
	})
	return found
}
