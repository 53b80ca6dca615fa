package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lootwatch/lootwatch/app/deal"
)

const steamAppDetailsBody = `{
  "440": {
    "success": true,
    "data": {
      "name": "Team Fortress 2",
      "is_free": true,
      "header_image": "https://cdn.example.com/440/header.jpg",
      "price_overview": {
        "currency": "USD",
        "initial_formatted": "$19.99",
        "final_formatted": "Free"
      }
    }
  }
}`

func newTestSteam(t *testing.T, handler http.HandlerFunc) (*Steam, *memCache) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cache := newMemCache()
	s := NewSteam(srv.Client(), "lootwatch-test", testBucket(), cache, time.Hour)
	s.apiURL = srv.URL + "/api/appdetails"
	s.searchURL = srv.URL + "/api/storesearch/"
	return s, cache
}

func TestSteamResolve(t *testing.T) {
	var requests int
	s, _ := newTestSteam(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		if got := r.URL.Query().Get("appids"); got != "440" {
			t.Errorf("appids: got %q, want %q", got, "440")
		}
		fmt.Fprint(w, steamAppDetailsBody)
	})

	c := deal.Candidate{EntryID: "entry-1", Platform: deal.PlatformSteam, Identifier: "440"}
	d, err := s.Resolve(context.Background(), c)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if d.Title != "Team Fortress 2" {
		t.Errorf("title: got %q", d.Title)
	}
	if !d.IsFree {
		t.Error("expected IsFree")
	}
	if d.OriginalPrice != "$19.99" {
		t.Errorf("original price: got %q", d.OriginalPrice)
	}
	if d.Currency != "USD" {
		t.Errorf("currency: got %q", d.Currency)
	}
	if d.StoreURL != "https://store.steampowered.com/app/440/" {
		t.Errorf("store url: got %q", d.StoreURL)
	}
	if d.EntryID != "entry-1" {
		t.Errorf("entry id: got %q", d.EntryID)
	}
	if requests != 1 {
		t.Errorf("requests: got %d, want 1", requests)
	}
}

func TestSteamResolveCacheHit(t *testing.T) {
	var requests int
	s, _ := newTestSteam(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, steamAppDetailsBody)
	})

	ctx := context.Background()
	first, err := s.Resolve(ctx, deal.Candidate{EntryID: "a", Platform: deal.PlatformSteam, Identifier: "440"})
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := s.Resolve(ctx, deal.Candidate{EntryID: "b", Platform: deal.PlatformSteam, Identifier: "440"})
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}

	if requests != 1 {
		t.Fatalf("requests: got %d, want 1 (second resolve should hit cache)", requests)
	}
	if second.Title != first.Title {
		t.Errorf("cached title: got %q, want %q", second.Title, first.Title)
	}
	if second.EntryID != "b" {
		t.Errorf("cached snapshot must be re-attributed: got entry %q", second.EntryID)
	}
	if first.EntryID != "a" {
		t.Errorf("first snapshot mutated: got entry %q", first.EntryID)
	}
}

func TestSteamResolveUnknownApp(t *testing.T) {
	s, _ := newTestSteam(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"999999": {"success": false}}`)
	})

	_, err := s.Resolve(context.Background(), deal.Candidate{Platform: deal.PlatformSteam, Identifier: "999999"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSteamResolveServerError(t *testing.T) {
	s, _ := newTestSteam(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := s.Resolve(context.Background(), deal.Candidate{Platform: deal.PlatformSteam, Identifier: "440"})
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("got %v, want ErrSourceUnavailable", err)
	}
}

func TestSteamSearchTitle(t *testing.T) {
	s, _ := newTestSteam(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/storesearch/":
			if got := r.URL.Query().Get("term"); got != "Team Fortress 2" {
				t.Errorf("term: got %q", got)
			}
			fmt.Fprint(w, `{"items": [{"id": 440, "name": "Team Fortress 2"}]}`)
		default:
			fmt.Fprint(w, steamAppDetailsBody)
		}
	})

	d, err := s.SearchTitle(context.Background(), "Team Fortress 2")
	if err != nil {
		t.Fatalf("SearchTitle: %v", err)
	}
	if d.Identifier != "440" {
		t.Errorf("identifier: got %q, want %q", d.Identifier, "440")
	}
	if d.Platform != deal.PlatformSteam {
		t.Errorf("platform: got %q", d.Platform)
	}
}

func TestSteamSearchTitleNoResults(t *testing.T) {
	s, _ := newTestSteam(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": []}`)
	})

	_, err := s.SearchTitle(context.Background(), "No Such Game")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
