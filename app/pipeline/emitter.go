package pipeline

import (
	"log/slog"
	"sync/atomic"

	"github.com/lootwatch/lootwatch/app/deal"
)

// Emitter receives enriched deals as they clear the dedup ledger.
type Emitter interface {
	OnDealEmitted(d *deal.Enriched)
}

// ChannelEmitter hands deals to a downstream consumer over a buffered
// channel. Delivery never blocks the pipeline: when the consumer falls
// behind, deals are dropped and counted. A rising Dropped count means the
// buffer is undersized for the cycle's output.
type ChannelEmitter struct {
	ch      chan *deal.Enriched
	dropped atomic.Int64
}

func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelEmitter{ch: make(chan *deal.Enriched, buffer)}
}

func (e *ChannelEmitter) OnDealEmitted(d *deal.Enriched) {
	select {
	case e.ch <- d:
	default:
		e.dropped.Add(1)
		slog.Warn("Emitter buffer full, dropping deal", "key", deal.KeyFor(d), "title", d.Title)
	}
}

// Deals is the consumer side of the emitter.
func (e *ChannelEmitter) Deals() <-chan *deal.Enriched { return e.ch }

func (e *ChannelEmitter) Dropped() int64 { return e.dropped.Load() }

// LogEmitter writes emitted deals to the structured log. Used as the default
// sink when no downstream consumer is wired.
type LogEmitter struct{}

func (LogEmitter) OnDealEmitted(d *deal.Enriched) {
	slog.Info("Deal emitted",
		"key", deal.KeyFor(d),
		"title", d.Title,
		"platform", d.Platform,
		"url", d.StoreURL,
		"free", d.IsFree)
}
