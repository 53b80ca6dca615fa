package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/lootwatch/lootwatch/app/database"
	"github.com/lootwatch/lootwatch/app/deal"
	"github.com/lootwatch/lootwatch/app/ratelimit"
)

const (
	defaultEpicCMSURL   = "https://store-content-ipv4.ak.epicgames.com/api/en-US/content/products"
	defaultEpicStoreURL = "https://store.epicgames.com"
	defaultEpicPromoURL = "https://store-site-backend-static-ipv4.ak.epicgames.com/freeGamesPromotions?locale=en-US&country=US&allowCountries=US"

	epicTitleSuffix = " | Download and Buy Today - Epic Games Store"
	epicPromoTTL    = 5 * time.Minute
)

var _ Resolver = (*Epic)(nil)

// Epic resolves candidates against the Epic Games Store. Product metadata
// comes from the CMS content API with a storefront page scrape as fallback,
// and pricing comes from the freeGamesPromotions endpoint which is cached
// in memory since one fetch covers every current giveaway.
type Epic struct {
	client  *client
	limiter *ratelimit.Bucket
	cache   database.CacheRepository
	ttl     time.Duration

	cmsURL   string
	storeURL string
	promoURL string

	promoMu        sync.Mutex
	promoFetchedAt time.Time
	promos         []epicPromo
}

func NewEpic(httpClient *http.Client, userAgent string, limiter *ratelimit.Bucket, cache database.CacheRepository, ttl time.Duration) *Epic {
	return &Epic{
		client:   newClient(httpClient, userAgent),
		limiter:  limiter,
		cache:    cache,
		ttl:      ttl,
		cmsURL:   defaultEpicCMSURL,
		storeURL: defaultEpicStoreURL,
		promoURL: defaultEpicPromoURL,
	}
}

func (e *Epic) Platform() deal.Platform { return deal.PlatformEpic }

type epicPromo struct {
	Title         string
	Slug          string
	OriginalPrice string
	Currency      string
	Free          bool
	ExpiresAt     *time.Time
}

func (e *Epic) Resolve(ctx context.Context, c deal.Candidate) (*deal.Enriched, error) {
	if cached, hit, err := e.cache.Get(deal.PlatformEpic, c.Identifier, e.ttl); err == nil && hit {
		return withEntry(cached, c.EntryID), nil
	}

	d, err := e.fromCMS(ctx, c)
	if errors.Is(err, ErrNotFound) {
		d, err = e.fromStorePage(ctx, c)
	}
	if err != nil {
		return nil, err
	}

	if promo := e.promoFor(ctx, c.Identifier, d.Title); promo != nil {
		d.OriginalPrice = promo.OriginalPrice
		d.Currency = promo.Currency
		d.IsFree = promo.Free
		d.ExpiresAt = promo.ExpiresAt
	}

	if err := e.cache.Put(deal.PlatformEpic, c.Identifier, d, false); err != nil {
		return nil, fmt.Errorf("cache epic product %s: %w", c.Identifier, err)
	}

	return d, nil
}

// Each fetch helper debits its own limiter token: a resolve that falls
// through CMS, store page, and promotions makes three requests and must
// count as three against the source budget.
func (e *Epic) fromCMS(ctx context.Context, c deal.Candidate) (*deal.Enriched, error) {
	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	body, err := e.client.get(ctx, "Epic", e.cmsURL+"/"+c.Identifier)
	if err != nil {
		return nil, err
	}

	var payload struct {
		ProductName string `json:"productName"`
		Pages       []struct {
			Data struct {
				About struct {
					Title string `json:"title"`
				} `json:"about"`
				Hero struct {
					BackgroundImageURL string `json:"backgroundImageUrl"`
				} `json:"hero"`
			} `json:"data"`
		} `json:"pages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: Epic: decode CMS payload: %v", ErrSourceUnavailable, err)
	}

	title := payload.ProductName
	image := ""
	for _, page := range payload.Pages {
		if title == "" && page.Data.About.Title != "" {
			title = page.Data.About.Title
		}
		if image == "" && page.Data.Hero.BackgroundImageURL != "" {
			image = page.Data.Hero.BackgroundImageURL
		}
	}
	if title == "" {
		return nil, fmt.Errorf("%w: Epic product %s has no title in CMS payload", ErrNotFound, c.Identifier)
	}

	return &deal.Enriched{
		Title:      title,
		Platform:   deal.PlatformEpic,
		Identifier: c.Identifier,
		StoreURL:   e.storeURL + "/en-US/p/" + c.Identifier,
		ImageURL:   image,
		EntryID:    c.EntryID,
	}, nil
}

func (e *Epic) fromStorePage(ctx context.Context, c deal.Candidate) (*deal.Enriched, error) {
	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	pageURL := e.storeURL + "/en-US/p/" + c.Identifier
	body, err := e.client.get(ctx, "Epic", pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: Epic: parse store page: %v", ErrSourceUnavailable, err)
	}

	title, _ := doc.Find(`meta[property="og:title"]`).Attr("content")
	title = strings.TrimSuffix(strings.TrimSpace(title), epicTitleSuffix)
	if title == "" {
		return nil, fmt.Errorf("%w: Epic product %s", ErrNotFound, c.Identifier)
	}
	image, _ := doc.Find(`meta[property="og:image"]`).Attr("content")

	return &deal.Enriched{
		Title:      title,
		Platform:   deal.PlatformEpic,
		Identifier: c.Identifier,
		StoreURL:   pageURL,
		ImageURL:   image,
		EntryID:    c.EntryID,
	}, nil
}

// promoFor matches a product against the current giveaway roster, by slug
// first and by exact title second. A promotions fetch failure degrades to
// metadata without pricing rather than failing the resolve.
func (e *Epic) promoFor(ctx context.Context, slug, title string) *epicPromo {
	promos, err := e.currentPromos(ctx)
	if err != nil {
		return nil
	}
	for i := range promos {
		if promos[i].Slug == slug {
			return &promos[i]
		}
	}
	for i := range promos {
		if strings.EqualFold(promos[i].Title, title) {
			return &promos[i]
		}
	}
	return nil
}

func (e *Epic) currentPromos(ctx context.Context) ([]epicPromo, error) {
	e.promoMu.Lock()
	defer e.promoMu.Unlock()

	if time.Since(e.promoFetchedAt) < epicPromoTTL && e.promos != nil {
		return e.promos, nil
	}

	if err := e.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	body, err := e.client.get(ctx, "Epic", e.promoURL)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data struct {
			Catalog struct {
				SearchStore struct {
					Elements []struct {
						Title       string `json:"title"`
						ProductSlug string `json:"productSlug"`
						URLSlug     string `json:"urlSlug"`
						Price       struct {
							TotalPrice struct {
								DiscountPrice int    `json:"discountPrice"`
								CurrencyCode  string `json:"currencyCode"`
								FmtPrice      struct {
									OriginalPrice string `json:"originalPrice"`
								} `json:"fmtPrice"`
							} `json:"totalPrice"`
						} `json:"price"`
						Promotions struct {
							PromotionalOffers []struct {
								PromotionalOffers []struct {
									EndDate time.Time `json:"endDate"`
								} `json:"promotionalOffers"`
							} `json:"promotionalOffers"`
						} `json:"promotions"`
					} `json:"elements"`
				} `json:"searchStore"`
			} `json:"Catalog"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: Epic: decode promotions: %v", ErrSourceUnavailable, err)
	}

	promos := make([]epicPromo, 0, len(payload.Data.Catalog.SearchStore.Elements))
	for _, el := range payload.Data.Catalog.SearchStore.Elements {
		slug := el.ProductSlug
		if slug == "" {
			slug = el.URLSlug
		}
		slug = strings.TrimSuffix(slug, "/home")

		p := epicPromo{
			Title:         el.Title,
			Slug:          slug,
			OriginalPrice: el.Price.TotalPrice.FmtPrice.OriginalPrice,
			Currency:      el.Price.TotalPrice.CurrencyCode,
			Free:          el.Price.TotalPrice.DiscountPrice == 0,
		}
		for _, outer := range el.Promotions.PromotionalOffers {
			for _, offer := range outer.PromotionalOffers {
				if !offer.EndDate.IsZero() {
					end := offer.EndDate
					p.ExpiresAt = &end
				}
			}
		}
		promos = append(promos, p)
	}

	e.promos = promos
	e.promoFetchedAt = time.Now()
	return promos, nil
}
