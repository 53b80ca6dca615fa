package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lootwatch/lootwatch/app/database"
	"github.com/lootwatch/lootwatch/app/deal"
	"github.com/lootwatch/lootwatch/app/feed"
	"github.com/lootwatch/lootwatch/app/resolver"
)

type memLedger struct {
	mu   sync.Mutex
	seen map[deal.Key]database.SeenDeal
}

func newMemLedger() *memLedger {
	return &memLedger{seen: make(map[deal.Key]database.SeenDeal)}
}

func (l *memLedger) HasSeen(key deal.Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[key]
	return ok, nil
}

func (l *memLedger) MarkSeen(key deal.Key, d *deal.Enriched, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.seen[key]
	if !ok {
		rec = database.SeenDeal{Key: key, FirstSeenAt: at}
		if d != nil {
			rec.Platform = d.Platform
			rec.Identifier = d.Identifier
			rec.Title = d.Title
		}
	}
	rec.LastEmittedAt = at
	l.seen[key] = rec
	return nil
}

func (l *memLedger) RecentDeals(limit int) ([]database.SeenDeal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []database.SeenDeal
	for _, rec := range l.seen {
		out = append(out, rec)
	}
	return out, nil
}

func (l *memLedger) Count() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen), nil
}

func (l *memLedger) Prune(olderThan time.Time) (int64, error) {
	return 0, nil
}

type stubSource struct {
	entries []feed.Entry
	err     error
}

func (s *stubSource) Poll(_ context.Context) ([]feed.Entry, error) {
	return s.entries, s.err
}

type stubParser struct {
	candidates map[string][]deal.Candidate
}

func (p *stubParser) Extract(entry feed.Entry) []deal.Candidate {
	return p.candidates[entry.ID]
}

// scriptedResolver replays a per-identifier error script, then succeeds.
type scriptedResolver struct {
	platform deal.Platform

	mu     sync.Mutex
	script map[string][]error
	calls  map[string]int
}

func newScriptedResolver(platform deal.Platform) *scriptedResolver {
	return &scriptedResolver{
		platform: platform,
		script:   make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (r *scriptedResolver) Platform() deal.Platform { return r.platform }

func (r *scriptedResolver) Resolve(_ context.Context, c deal.Candidate) (*deal.Enriched, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.Identifier]++
	if queue := r.script[c.Identifier]; len(queue) > 0 {
		err := queue[0]
		r.script[c.Identifier] = queue[1:]
		if err != nil {
			return nil, err
		}
	}
	return &deal.Enriched{
		Title:      "Game " + c.Identifier,
		Platform:   r.platform,
		Identifier: c.Identifier,
		StoreURL:   fmt.Sprintf("https://example.com/%s", c.Identifier),
		IsFree:     true,
		EntryID:    c.EntryID,
	}, nil
}

func (r *scriptedResolver) callCount(identifier string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[identifier]
}

type collectEmitter struct {
	mu    sync.Mutex
	deals []*deal.Enriched
}

func (e *collectEmitter) OnDealEmitted(d *deal.Enriched) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deals = append(e.deals, d)
}

func (e *collectEmitter) emitted() []*deal.Enriched {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*deal.Enriched(nil), e.deals...)
}

func fastOptions() Options {
	return Options{
		MaxConcurrent:  4,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func steamCandidate(entryID, appID string) deal.Candidate {
	return deal.Candidate{EntryID: entryID, Platform: deal.PlatformSteam, Identifier: appID}
}

func newTestPipeline(source *stubSource, parser *stubParser, res *scriptedResolver, opts Options) (*Pipeline, *memLedger, *collectEmitter) {
	reg := resolver.NewRegistry()
	reg.Register(res)
	ledger := newMemLedger()
	emitter := &collectEmitter{}
	return New(source, parser, reg, ledger, emitter, opts, nil), ledger, emitter
}

func TestRunCycleEmitsNewDeal(t *testing.T) {
	source := &stubSource{entries: []feed.Entry{{ID: "e1", Title: "Game 440 is free"}}}
	parser := &stubParser{candidates: map[string][]deal.Candidate{
		"e1": {steamCandidate("e1", "440")},
	}}
	res := newScriptedResolver(deal.PlatformSteam)
	p, ledger, emitter := newTestPipeline(source, parser, res, fastOptions())

	stats, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if stats.Emitted != 1 {
		t.Fatalf("emitted: got %d, want 1", stats.Emitted)
	}
	deals := emitter.emitted()
	if len(deals) != 1 || deals[0].Identifier != "440" {
		t.Fatalf("emitter got %v", deals)
	}
	if seen, _ := ledger.HasSeen(deal.Key("steam:440")); !seen {
		t.Error("store-native key not recorded")
	}
	if seen, _ := ledger.HasSeen(deal.EntryKey("e1")); !seen {
		t.Error("entry key not recorded after a fully terminal cycle")
	}
}

// orderCheckEmitter records whether the dedup key was already marked when
// delivery ran. The ledger write must come after the handoff so a crash
// between the two re-detects the deal instead of losing it.
type orderCheckEmitter struct {
	ledger       *memLedger
	markedAtEmit bool
	emitted      int
}

func (e *orderCheckEmitter) OnDealEmitted(d *deal.Enriched) {
	e.emitted++
	if seen, _ := e.ledger.HasSeen(deal.KeyFor(d)); seen {
		e.markedAtEmit = true
	}
}

func TestRunCycleEmitsBeforeMarking(t *testing.T) {
	source := &stubSource{entries: []feed.Entry{{ID: "e1"}}}
	parser := &stubParser{candidates: map[string][]deal.Candidate{
		"e1": {steamCandidate("e1", "440")},
	}}
	res := newScriptedResolver(deal.PlatformSteam)

	reg := resolver.NewRegistry()
	reg.Register(res)
	ledger := newMemLedger()
	emitter := &orderCheckEmitter{ledger: ledger}
	p := New(source, parser, reg, ledger, emitter, fastOptions(), nil)

	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if emitter.emitted != 1 {
		t.Fatalf("emitted: got %d, want 1", emitter.emitted)
	}
	if emitter.markedAtEmit {
		t.Fatal("dedup key was already marked when delivery ran; the mark must be the last step of emission")
	}
	if seen, _ := ledger.HasSeen(deal.Key("steam:440")); !seen {
		t.Fatal("dedup key not marked after delivery")
	}
}

func TestRunCycleIdempotentAcrossCycles(t *testing.T) {
	source := &stubSource{entries: []feed.Entry{{ID: "e1"}}}
	parser := &stubParser{candidates: map[string][]deal.Candidate{
		"e1": {steamCandidate("e1", "440")},
	}}
	res := newScriptedResolver(deal.PlatformSteam)
	p, _, emitter := newTestPipeline(source, parser, res, fastOptions())

	for i := 0; i < 3; i++ {
		if _, err := p.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	if got := len(emitter.emitted()); got != 1 {
		t.Fatalf("emitted across 3 cycles: got %d, want 1", got)
	}
	if got := res.callCount("440"); got != 1 {
		t.Fatalf("resolver calls: got %d, want 1 (later cycles skip the seen entry)", got)
	}
}

func TestRunCycleDeduplicatesBeforeResolving(t *testing.T) {
	source := &stubSource{entries: []feed.Entry{{ID: "e1"}, {ID: "e2"}}}
	parser := &stubParser{candidates: map[string][]deal.Candidate{
		"e1": {steamCandidate("e1", "440")},
		"e2": {steamCandidate("e2", "440")},
	}}
	res := newScriptedResolver(deal.PlatformSteam)
	p, _, emitter := newTestPipeline(source, parser, res, fastOptions())

	stats, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if got := res.callCount("440"); got != 1 {
		t.Fatalf("resolver calls: got %d, want 1 (duplicate must be dropped before resolving)", got)
	}
	if stats.Duplicates != 1 {
		t.Errorf("duplicates: got %d, want 1", stats.Duplicates)
	}
	if got := len(emitter.emitted()); got != 1 {
		t.Errorf("emitted: got %d, want 1", got)
	}
}

func TestRunCycleRetriesTransientFailure(t *testing.T) {
	source := &stubSource{entries: []feed.Entry{{ID: "e1"}}}
	parser := &stubParser{candidates: map[string][]deal.Candidate{
		"e1": {steamCandidate("e1", "440")},
	}}
	res := newScriptedResolver(deal.PlatformSteam)
	res.script["440"] = []error{resolver.ErrSourceUnavailable, resolver.ErrSourceUnavailable}
	p, _, emitter := newTestPipeline(source, parser, res, fastOptions())

	stats, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if got := res.callCount("440"); got != 3 {
		t.Fatalf("resolver calls: got %d, want 3 (fail, fail, succeed)", got)
	}
	if stats.Emitted != 1 || len(emitter.emitted()) != 1 {
		t.Fatalf("emitted: stats %d, emitter %d, want 1", stats.Emitted, len(emitter.emitted()))
	}
}

func TestRunCycleNotFoundIsTerminal(t *testing.T) {
	source := &stubSource{entries: []feed.Entry{{ID: "e1"}}}
	parser := &stubParser{candidates: map[string][]deal.Candidate{
		"e1": {steamCandidate("e1", "999")},
	}}
	res := newScriptedResolver(deal.PlatformSteam)
	res.script["999"] = []error{resolver.ErrNotFound, resolver.ErrNotFound, resolver.ErrNotFound}
	p, ledger, emitter := newTestPipeline(source, parser, res, fastOptions())

	stats, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if stats.NotFound != 1 || len(emitter.emitted()) != 0 {
		t.Fatalf("first cycle: not found %d, emitted %d", stats.NotFound, len(emitter.emitted()))
	}
	if got := res.callCount("999"); got != 1 {
		t.Fatalf("resolver calls after not-found: got %d, want 1 (no retries on a terminal error)", got)
	}
	if seen, _ := ledger.HasSeen(deal.EntryKey("e1")); !seen {
		t.Fatal("entry key should be recorded so a dead identifier stops consuming quota")
	}

	if _, err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if got := res.callCount("999"); got != 1 {
		t.Fatalf("resolver calls after second cycle: got %d, want 1", got)
	}
}

func TestRunCycleTransientFailureKeepsEntryRetryable(t *testing.T) {
	source := &stubSource{entries: []feed.Entry{{ID: "e1"}}}
	parser := &stubParser{candidates: map[string][]deal.Candidate{
		"e1": {steamCandidate("e1", "440")},
	}}
	res := newScriptedResolver(deal.PlatformSteam)
	opts := fastOptions()
	opts.RetryAttempts = 1
	res.script["440"] = []error{resolver.ErrSourceUnavailable}
	p, ledger, emitter := newTestPipeline(source, parser, res, opts)

	stats, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if stats.Failed != 1 || stats.Emitted != 0 {
		t.Fatalf("first cycle: failed %d, emitted %d", stats.Failed, stats.Emitted)
	}
	if seen, _ := ledger.HasSeen(deal.EntryKey("e1")); seen {
		t.Fatal("entry key must not be recorded while a candidate is still retryable")
	}

	stats, err = p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if stats.Emitted != 1 || len(emitter.emitted()) != 1 {
		t.Fatalf("second cycle should emit: stats %d, emitter %d", stats.Emitted, len(emitter.emitted()))
	}
}

func TestRunCycleFeedUnavailable(t *testing.T) {
	source := &stubSource{err: fmt.Errorf("%w: boom", feed.ErrFeedUnavailable)}
	p, _, _ := newTestPipeline(source, &stubParser{}, newScriptedResolver(deal.PlatformSteam), fastOptions())

	_, err := p.RunCycle(context.Background())
	if !errors.Is(err, feed.ErrFeedUnavailable) {
		t.Fatalf("got %v, want ErrFeedUnavailable", err)
	}
}

func TestRunCycleResolvedKeyCollision(t *testing.T) {
	// Two entries point at the same product through different candidate
	// identities; the second resolution must not emit again.
	source := &stubSource{entries: []feed.Entry{{ID: "e1"}, {ID: "e2"}}}
	parser := &stubParser{candidates: map[string][]deal.Candidate{
		"e1": {{EntryID: "e1", Platform: deal.PlatformUnknown, Identifier: "some game", Title: "Some Game"}},
		"e2": {{EntryID: "e2", Platform: deal.PlatformUnknown, Identifier: "Some Game!", Title: "Some Game!"}},
	}}

	reg := resolver.NewRegistry()
	canonical := &deal.Enriched{Title: "Some Game", Platform: deal.PlatformSteam, Identifier: "440"}
	reg.Register(&fixedResolver{platform: deal.PlatformUnknown, d: canonical})
	ledger := newMemLedger()
	emitter := &collectEmitter{}
	p := New(source, parser, reg, ledger, emitter, fastOptions(), nil)

	stats, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if got := len(emitter.emitted()); got != 1 {
		t.Fatalf("emitted: got %d, want 1", got)
	}
	if stats.Duplicates != 1 {
		t.Errorf("duplicates: got %d, want 1", stats.Duplicates)
	}
}

type fixedResolver struct {
	platform deal.Platform
	d        *deal.Enriched
}

func (r *fixedResolver) Platform() deal.Platform { return r.platform }

func (r *fixedResolver) Resolve(_ context.Context, c deal.Candidate) (*deal.Enriched, error) {
	out := *r.d
	out.EntryID = c.EntryID
	return &out, nil
}

func TestRunCycleStats(t *testing.T) {
	source := &stubSource{entries: []feed.Entry{{ID: "e1"}, {ID: "e2"}}}
	parser := &stubParser{candidates: map[string][]deal.Candidate{
		"e1": {steamCandidate("e1", "440"), steamCandidate("e1", "570")},
	}}
	res := newScriptedResolver(deal.PlatformSteam)
	p, _, _ := newTestPipeline(source, parser, res, fastOptions())

	stats, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if stats.Entries != 2 || stats.NewEntries != 2 {
		t.Errorf("entries: got %d/%d, want 2/2", stats.Entries, stats.NewEntries)
	}
	if stats.Candidates != 2 {
		t.Errorf("candidates: got %d, want 2", stats.Candidates)
	}
	if stats.Emitted != 2 {
		t.Errorf("emitted: got %d, want 2", stats.Emitted)
	}
	if p.LastStats().Emitted != 2 {
		t.Errorf("LastStats not recorded")
	}
}

func TestChannelEmitterDropsWhenFull(t *testing.T) {
	e := NewChannelEmitter(1)
	e.OnDealEmitted(&deal.Enriched{Platform: deal.PlatformSteam, Identifier: "1"})
	e.OnDealEmitted(&deal.Enriched{Platform: deal.PlatformSteam, Identifier: "2"})

	if e.Dropped() != 1 {
		t.Fatalf("dropped: got %d, want 1", e.Dropped())
	}
	got := <-e.Deals()
	if got.Identifier != "1" {
		t.Fatalf("delivered: got %q, want first deal", got.Identifier)
	}
}
