package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/lootwatch/lootwatch/app/database"
	"github.com/lootwatch/lootwatch/app/deal"
	"github.com/lootwatch/lootwatch/app/feed"
	"github.com/lootwatch/lootwatch/app/resolver"
)

// FeedSource yields the current entries of the watched feed.
type FeedSource interface {
	Poll(ctx context.Context) ([]feed.Entry, error)
}

// CandidateExtractor turns a feed entry into storefront candidates.
type CandidateExtractor interface {
	Extract(entry feed.Entry) []deal.Candidate
}

// Options tune one detection cycle.
type Options struct {
	MaxConcurrent  int
	RetryAttempts  uint
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// RateLimitFloor is the minimum backoff after an upstream 429,
	// regardless of where the exponential schedule is.
	RateLimitFloor time.Duration
	CycleTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 30 * time.Second
	}
	return o
}

// Stats summarize one completed cycle.
type Stats struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Entries    int           `json:"entries"`
	NewEntries int           `json:"new_entries"`
	Candidates int           `json:"candidates"`
	Duplicates int           `json:"duplicates"`
	Emitted    int           `json:"emitted"`
	NotFound   int           `json:"not_found"`
	Failed     int           `json:"failed"`
}

// Pipeline runs the poll, parse, resolve, dedup, emit cycle.
type Pipeline struct {
	source   FeedSource
	parser   CandidateExtractor
	registry *resolver.Registry
	ledger   database.LedgerRepository
	emitter  Emitter
	opts     Options
	logger   *slog.Logger

	mu   sync.Mutex
	last Stats
}

func New(source FeedSource, parser CandidateExtractor, registry *resolver.Registry, ledger database.LedgerRepository, emitter Emitter, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source:   source,
		parser:   parser,
		registry: registry,
		ledger:   ledger,
		emitter:  emitter,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

// LastStats returns the stats of the most recently completed cycle.
func (p *Pipeline) LastStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type job struct {
	entryIdx int
	cand     deal.Candidate
}

type result struct {
	d   *deal.Enriched
	err error
}

// RunCycle executes one full detection cycle. An entry is only recorded as
// handled once every candidate it produced reached a terminal state, so a
// transient storefront failure leaves the entry eligible for the next cycle
// while already-emitted deals stay deduplicated by their store-native key.
func (p *Pipeline) RunCycle(ctx context.Context) (Stats, error) {
	if p.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.CycleTimeout)
		defer cancel()
	}

	stats := Stats{StartedAt: time.Now().UTC()}
	defer func() {
		stats.Duration = time.Since(stats.StartedAt)
		p.mu.Lock()
		p.last = stats
		p.mu.Unlock()
	}()

	entries, err := p.source.Poll(ctx)
	if err != nil {
		return stats, fmt.Errorf("poll feed: %w", err)
	}
	stats.Entries = len(entries)

	var jobs []job
	handled := make([]bool, len(entries))
	retryLater := make([]bool, len(entries))
	cycleKeys := make(map[deal.Key]bool)

	for idx, entry := range entries {
		seen, err := p.ledger.HasSeen(deal.EntryKey(entry.ID))
		if err != nil {
			return stats, fmt.Errorf("check entry key: %w", err)
		}
		if seen {
			handled[idx] = true
			continue
		}
		stats.NewEntries++

		for _, c := range p.parser.Extract(entry) {
			stats.Candidates++
			if key, ok := deal.CandidateKey(c); ok {
				if cycleKeys[key] {
					stats.Duplicates++
					continue
				}
				seen, err := p.ledger.HasSeen(key)
				if err != nil {
					return stats, fmt.Errorf("check candidate key: %w", err)
				}
				if seen {
					stats.Duplicates++
					continue
				}
				cycleKeys[key] = true
			}
			jobs = append(jobs, job{entryIdx: idx, cand: c})
		}
	}

	results := p.resolveAll(ctx, jobs)

	now := time.Now().UTC()
	for i, j := range jobs {
		res := results[i]
		switch {
		case res.err == nil:
			key := deal.KeyFor(res.d)
			seen, err := p.ledger.HasSeen(key)
			if err != nil {
				return stats, fmt.Errorf("check resolved key: %w", err)
			}
			if seen {
				stats.Duplicates++
				continue
			}
			// Hand off first, mark second. A crash between the two causes
			// a harmless re-detection next cycle; marking first would lose
			// the deal permanently.
			p.emitter.OnDealEmitted(res.d)
			stats.Emitted++
			p.logger.Info("Deal emitted", "key", key, "title", res.d.Title, "platform", res.d.Platform)
			if err := p.ledger.MarkSeen(key, res.d, now); err != nil {
				p.logger.Error("Failed to record emission, deal may repeat", "key", key, "error", err)
				retryLater[j.entryIdx] = true
			}
		case errors.Is(res.err, resolver.ErrNotFound):
			stats.NotFound++
			p.logger.Info("Candidate not found upstream", "platform", j.cand.Platform, "identifier", j.cand.Identifier)
		default:
			stats.Failed++
			retryLater[j.entryIdx] = true
			p.logger.Warn("Candidate resolution failed", "platform", j.cand.Platform, "identifier", j.cand.Identifier, "error", res.err)
		}
	}

	for idx, entry := range entries {
		if handled[idx] || retryLater[idx] {
			continue
		}
		if err := p.ledger.MarkSeen(deal.EntryKey(entry.ID), nil, now); err != nil {
			p.logger.Error("Failed to record entry key", "entry", entry.ID, "error", err)
		}
	}

	return stats, nil
}

// resolveAll fans candidates out over a bounded worker set and returns
// results in job order so the commit phase is deterministic.
func (p *Pipeline) resolveAll(ctx context.Context, jobs []job) []result {
	results := make([]result, len(jobs))
	sem := make(chan struct{}, p.opts.MaxConcurrent)
	var wg sync.WaitGroup

	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			d, err := p.resolveWithRetry(ctx, j.cand)
			results[i] = result{d: d, err: err}
		}(i, j)
	}

	wg.Wait()
	return results
}

func (p *Pipeline) resolveWithRetry(ctx context.Context, c deal.Candidate) (*deal.Enriched, error) {
	r, ok := p.registry.Get(c.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: no resolver for platform %q", resolver.ErrNotFound, c.Platform)
	}

	var d *deal.Enriched
	err := retry.Do(
		func() error {
			var err error
			d, err = r.Resolve(ctx, c)
			if errors.Is(err, resolver.ErrNotFound) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(p.opts.RetryAttempts),
		retry.Delay(p.opts.RetryBaseDelay),
		retry.MaxDelay(p.opts.RetryMaxDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			delay := retry.BackOffDelay(n, err, config)
			if errors.Is(err, resolver.ErrRateLimited) && delay < p.opts.RateLimitFloor {
				delay = p.opts.RateLimitFloor
			}
			return delay
		}),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("Retrying candidate resolution",
				"platform", c.Platform,
				"identifier", c.Identifier,
				"attempt", n,
				"error", err)
		}),
	)
	return d, err
}
