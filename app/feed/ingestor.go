package feed

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

// ErrFeedUnavailable signals a transient feed-level failure: timeout,
// non-success status, or a malformed envelope. The caller treats it as
// "zero entries this cycle".
var ErrFeedUnavailable = errors.New("feed unavailable")

// Entry is one raw item from the announcement feed, immutable once ingested.
type Entry struct {
	ID          string
	Title       string
	Body        string
	Links       []string
	PublishedAt time.Time
}

// Ingestor fetches the configured feed and parses its envelope into entries.
// It does not deduplicate; that is the pipeline's job.
type Ingestor struct {
	url        string
	httpClient *http.Client
	parser     *gofeed.Parser
	userAgent  string
	timeout    time.Duration
}

func NewIngestor(url string, httpClient *http.Client, userAgent string, timeout time.Duration) *Ingestor {
	return &Ingestor{
		url:        url,
		httpClient: httpClient,
		parser:     gofeed.NewParser(),
		userAgent:  userAgent,
		timeout:    timeout,
	}
}

// Poll performs one fetch of the feed and returns its entries in feed order.
// Any transport or envelope failure is reported as ErrFeedUnavailable.
func (i *Ingestor) Poll(ctx context.Context) ([]Entry, error) {
	data, err := i.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	parsed, err := i.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: parse envelope: %v", ErrFeedUnavailable, err)
	}

	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entries = append(entries, normalizeItem(item))
	}

	slog.Debug("Feed polled", "url", i.url, "entries", len(entries))
	return entries, nil
}

func (i *Ingestor) fetch(ctx context.Context) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, i.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %v", err)
	}
	req.Header.Set("User-Agent", i.userAgent)

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %v", err)
	}

	return data, nil
}

func normalizeItem(item *gofeed.Item) Entry {
	entry := Entry{
		ID:    cmp.Or(item.GUID, item.Link),
		Title: item.Title,
		Body:  cmp.Or(item.Content, item.Description),
	}

	if item.PublishedParsed != nil {
		entry.PublishedAt = *item.PublishedParsed
	}

	if item.Link != "" {
		entry.Links = append(entry.Links, item.Link)
	}
	for _, l := range item.Links {
		if l != "" && l != item.Link {
			entry.Links = append(entry.Links, l)
		}
	}

	return entry
}
