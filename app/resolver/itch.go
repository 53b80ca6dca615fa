package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/lootwatch/lootwatch/app/database"
	"github.com/lootwatch/lootwatch/app/deal"
	"github.com/lootwatch/lootwatch/app/ratelimit"
)

var _ Resolver = (*Itch)(nil)

var itchPriceRe = regexp.MustCompile(`[$€£]\s?\d+(?:[.,]\d{2})?`)

// Itch resolves candidates by scraping the game page, preferring the embedded
// JSON-LD product record and falling back to OpenGraph tags plus the buy
// button label. Identifiers take the form "creator/slug" because itch pages
// live on per-creator subdomains.
type Itch struct {
	client  *client
	limiter *ratelimit.Bucket
	cache   database.CacheRepository
	ttl     time.Duration

	// pageURL maps an identifier onto a fetchable page address. The default
	// builds the production subdomain URL.
	pageURL func(creator, slug string) string
}

func NewItch(httpClient *http.Client, userAgent string, limiter *ratelimit.Bucket, cache database.CacheRepository, ttl time.Duration) *Itch {
	return &Itch{
		client:  newClient(httpClient, userAgent),
		limiter: limiter,
		cache:   cache,
		ttl:     ttl,
		pageURL: func(creator, slug string) string {
			return fmt.Sprintf("https://%s.itch.io/%s", creator, slug)
		},
	}
}

func (i *Itch) Platform() deal.Platform { return deal.PlatformItch }

func (i *Itch) Resolve(ctx context.Context, c deal.Candidate) (*deal.Enriched, error) {
	creator, slug, ok := strings.Cut(c.Identifier, "/")
	if !ok || creator == "" || slug == "" {
		return nil, fmt.Errorf("%w: itch identifier %q", ErrNotFound, c.Identifier)
	}

	if cached, hit, err := i.cache.Get(deal.PlatformItch, c.Identifier, i.ttl); err == nil && hit {
		return withEntry(cached, c.EntryID), nil
	}

	if err := i.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	pageURL := i.pageURL(creator, slug)
	body, err := i.client.get(ctx, "itch.io", pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: itch.io: parse game page: %v", ErrSourceUnavailable, err)
	}

	d := &deal.Enriched{
		Platform:   deal.PlatformItch,
		Identifier: c.Identifier,
		StoreURL:   fmt.Sprintf("https://%s.itch.io/%s", creator, slug),
		EntryID:    c.EntryID,
	}

	if ld := itchProductLD(doc); ld != nil {
		d.Title = ld.Name
		d.ImageURL = ld.Image
		d.OriginalPrice = ld.Offers.Price
		d.Currency = ld.Offers.PriceCurrency
		d.IsFree = ld.Offers.Price == "0" || ld.Offers.Price == "0.00"
	}

	if d.Title == "" {
		title, _ := doc.Find(`meta[property="og:title"]`).Attr("content")
		d.Title = strings.TrimSpace(title)
	}
	if d.ImageURL == "" {
		d.ImageURL, _ = doc.Find(`meta[property="og:image"]`).Attr("content")
	}
	if d.OriginalPrice == "" {
		label := strings.TrimSpace(doc.Find(".buy_row .buy_btn").First().Text())
		if strings.Contains(strings.ToLower(label), "download now") {
			d.IsFree = true
		} else if price := itchPriceRe.FindString(label); price != "" {
			d.OriginalPrice = price
		}
	}

	if d.Title == "" {
		return nil, fmt.Errorf("%w: itch game %s", ErrNotFound, c.Identifier)
	}

	if err := i.cache.Put(deal.PlatformItch, c.Identifier, d, false); err != nil {
		return nil, fmt.Errorf("cache itch game %s: %w", c.Identifier, err)
	}

	return d, nil
}

type itchLD struct {
	Type   string `json:"@type"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	Offers struct {
		Price         string `json:"price"`
		PriceCurrency string `json:"priceCurrency"`
	} `json:"offers"`
}

func itchProductLD(doc *goquery.Document) *itchLD {
	var found *itchLD
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var ld itchLD
		if err := json.Unmarshal([]byte(s.Text()), &ld); err != nil {
			return true
		}
		if ld.Type != "Product" || ld.Name == "" {
			return true
		}
		found = &ld
		return false
	})
	return found
}
