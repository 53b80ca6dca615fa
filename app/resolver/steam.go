package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lootwatch/lootwatch/app/database"
	"github.com/lootwatch/lootwatch/app/deal"
	"github.com/lootwatch/lootwatch/app/ratelimit"
)

const (
	defaultSteamAPIURL    = "https://store.steampowered.com/api/appdetails"
	defaultSteamSearchURL = "https://store.steampowered.com/api/storesearch/"
)

var _ Resolver = (*Steam)(nil)
var _ TitleSearcher = (*Steam)(nil)

// Steam resolves candidates against the Steam storefront appdetails API.
type Steam struct {
	client  *client
	limiter *ratelimit.Bucket
	cache   database.CacheRepository
	ttl     time.Duration

	apiURL    string
	searchURL string
}

func NewSteam(httpClient *http.Client, userAgent string, limiter *ratelimit.Bucket, cache database.CacheRepository, ttl time.Duration) *Steam {
	return &Steam{
		client:    newClient(httpClient, userAgent),
		limiter:   limiter,
		cache:     cache,
		ttl:       ttl,
		apiURL:    defaultSteamAPIURL,
		searchURL: defaultSteamSearchURL,
	}
}

func (s *Steam) Platform() deal.Platform { return deal.PlatformSteam }

type steamAppData struct {
	Name          string `json:"name"`
	IsFree        bool   `json:"is_free"`
	HeaderImage   string `json:"header_image"`
	PriceOverview *struct {
		Currency         string `json:"currency"`
		InitialFormatted string `json:"initial_formatted"`
		FinalFormatted   string `json:"final_formatted"`
	} `json:"price_overview"`
}

func (s *Steam) Resolve(ctx context.Context, c deal.Candidate) (*deal.Enriched, error) {
	if cached, hit, err := s.cache.Get(deal.PlatformSteam, c.Identifier, s.ttl); err == nil && hit {
		return withEntry(cached, c.EntryID), nil
	}

	if err := s.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	lookup := fmt.Sprintf("%s?appids=%s&cc=us&l=en", s.apiURL, url.QueryEscape(c.Identifier))
	body, err := s.client.get(ctx, "Steam", lookup)
	if err != nil {
		return nil, err
	}

	var payload map[string]struct {
		Success bool         `json:"success"`
		Data    steamAppData `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: Steam: decode appdetails: %v", ErrSourceUnavailable, err)
	}

	entry, ok := payload[c.Identifier]
	if !ok || !entry.Success {
		return nil, fmt.Errorf("%w: Steam app %s", ErrNotFound, c.Identifier)
	}

	d := &deal.Enriched{
		Title:      entry.Data.Name,
		Platform:   deal.PlatformSteam,
		Identifier: c.Identifier,
		StoreURL:   fmt.Sprintf("https://store.steampowered.com/app/%s/", c.Identifier),
		IsFree:     entry.Data.IsFree,
		ImageURL:   entry.Data.HeaderImage,
		EntryID:    c.EntryID,
	}
	if po := entry.Data.PriceOverview; po != nil {
		d.Currency = po.Currency
		if po.InitialFormatted != "" {
			d.OriginalPrice = po.InitialFormatted
		} else {
			d.OriginalPrice = po.FinalFormatted
		}
	}

	if err := s.cache.Put(deal.PlatformSteam, c.Identifier, d, false); err != nil {
		return nil, fmt.Errorf("cache steam app %s: %w", c.Identifier, err)
	}

	return d, nil
}

// SearchTitle looks up a game by title via the storesearch endpoint and
// resolves the best hit through the regular appdetails path.
func (s *Steam) SearchTitle(ctx context.Context, title string) (*deal.Enriched, error) {
	if err := s.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	search := fmt.Sprintf("%s?term=%s&l=english&cc=US", s.searchURL, url.QueryEscape(title))
	body, err := s.client.get(ctx, "Steam", search)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Items []struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: Steam: decode storesearch: %v", ErrSourceUnavailable, err)
	}
	if len(payload.Items) == 0 {
		return nil, fmt.Errorf("%w: Steam search %q", ErrNotFound, title)
	}

	return s.Resolve(ctx, deal.Candidate{
		Platform:   deal.PlatformSteam,
		Identifier: strconv.Itoa(payload.Items[0].ID),
	})
}
