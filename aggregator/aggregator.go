package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "predictflow/config"
	"predictflow/internal/channel"
	"predictflow/logger"
	"predictflow/models"
)

// Aggregator owns the canonical per-market books and per-venue connection
// health. All book mutation happens on its single run goroutine; readers
// get copies. Downstream consumers subscribe for the ordered event stream.
type Aggregator struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	stateMu sync.RWMutex
	books   map[models.MarketKey]*models.OrderBook

	healthMu sync.RWMutex
	health   map[models.Venue]models.ConnectionHealth

	subMu       sync.RWMutex
	subscribers []chan models.Event
}

func NewAggregator(cfg *appconfig.Config, ch *channel.Channels) *Aggregator {
	return &Aggregator{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		books:    make(map[models.MarketKey]*models.OrderBook),
		health:   make(map[models.Venue]models.ConnectionHealth),
	}
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("aggregator already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.log.WithComponent("aggregator").Info("starting aggregator")
	a.wg.Add(1)
	go a.run()
	return nil
}

func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.wg.Wait()
	a.log.WithComponent("aggregator").Info("aggregator stopped")
}

// Subscribe returns a channel carrying every event the aggregator accepts,
// in application order. Slow subscribers lose events rather than stalling
// the pipeline.
func (a *Aggregator) Subscribe(buffer int) <-chan models.Event {
	ch := make(chan models.Event, buffer)
	a.subMu.Lock()
	a.subscribers = append(a.subscribers, ch)
	a.subMu.Unlock()
	return ch
}

func (a *Aggregator) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev, ok := <-a.channels.Events:
			if !ok {
				return
			}
			if a.apply(ev) {
				logger.IncrementEventPublished()
				a.fanOut(ev)
			}
		}
	}
}

// apply folds one event into canonical state. It reports whether the event
// should be published downstream.
func (a *Aggregator) apply(ev models.Event) bool {
	a.touchVenue(ev.Venue, ev.Received)

	switch ev.Type {
	case models.EventSnapshot:
		a.stateMu.Lock()
		key := models.MarketKey{Venue: ev.Venue, Market: ev.Market}
		book, ok := a.books[key]
		if !ok {
			book = models.NewOrderBook(ev.Venue, ev.Market)
			a.books[key] = book
		}
		book.ApplySnapshot(ev.Bids, ev.Asks, ev.Sequence, ev.Received)
		a.stateMu.Unlock()
		return true

	case models.EventDelta:
		a.stateMu.Lock()
		defer a.stateMu.Unlock()
		key := models.MarketKey{Venue: ev.Venue, Market: ev.Market}
		book, ok := a.books[key]
		if !ok {
			// The normalizer guarantees snapshot-before-delta; a miss
			// here means state was discarded, drop until the resync
			// snapshot lands.
			return false
		}
		if ev.Sequence <= book.Sequence {
			return false
		}
		book.ApplyChanges(ev.Changes, ev.Sequence, ev.Received)
		return true

	case models.EventTrade, models.EventTicker:
		return true

	default:
		return false
	}
}

func (a *Aggregator) fanOut(ev models.Event) {
	a.subMu.RLock()
	defer a.subMu.RUnlock()
	for _, ch := range a.subscribers {
		select {
		case ch <- ev:
		default:
			a.log.WithComponent("aggregator").WithFields(logger.Fields{
				"venue":  ev.Venue,
				"market": ev.Market,
				"type":   ev.Type,
			}).Warn("subscriber queue full, event dropped")
		}
	}
}

// ReportHealth records a connection state transition from a venue reader
// and publishes it as a health event. The reader goroutine is the only
// writer for its venue so transitions arrive in order.
func (a *Aggregator) ReportHealth(h models.ConnectionHealth) {
	a.healthMu.Lock()
	if prev, ok := a.health[h.Venue]; ok && h.LastMessageAt.IsZero() {
		h.LastMessageAt = prev.LastMessageAt
	}
	a.health[h.Venue] = h
	a.healthMu.Unlock()

	a.log.WithComponent("aggregator").WithFields(logger.Fields{
		"venue": h.Venue,
		"state": h.State,
	}).Info("venue health transition")

	hc := h
	a.fanOut(models.Event{
		Type:     models.EventHealth,
		Venue:    h.Venue,
		Health:   &hc,
		Received: time.Now().UTC(),
	})
}

// touchVenue stamps the venue's last message time.
func (a *Aggregator) touchVenue(v models.Venue, at time.Time) {
	a.healthMu.Lock()
	h := a.health[v]
	h.Venue = v
	if at.After(h.LastMessageAt) {
		h.LastMessageAt = at
	}
	a.health[v] = h
	a.healthMu.Unlock()
}

// BookSnapshot returns a copy of a market's book, if one exists.
func (a *Aggregator) BookSnapshot(venue models.Venue, market string) (models.BookSnapshot, bool) {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	book, ok := a.books[models.MarketKey{Venue: venue, Market: market}]
	if !ok {
		return models.BookSnapshot{}, false
	}
	return book.Snapshot(0), true
}

// DropBook evicts a market's canonical book. The hub calls this when the
// last subscriber of a market's order book leaves; the book is rebuilt from
// the venue's snapshot on the next subscribe.
func (a *Aggregator) DropBook(venue models.Venue, market string) {
	a.stateMu.Lock()
	delete(a.books, models.MarketKey{Venue: venue, Market: market})
	a.stateMu.Unlock()
}

// HealthSnapshot returns a copy of all venue health records.
func (a *Aggregator) HealthSnapshot() map[models.Venue]models.ConnectionHealth {
	a.healthMu.RLock()
	defer a.healthMu.RUnlock()
	out := make(map[models.Venue]models.ConnectionHealth, len(a.health))
	for v, h := range a.health {
		out[v] = h
	}
	return out
}
