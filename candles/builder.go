package candles

import (
	"context"
	"fmt"
	"sync"

	appconfig "predictflow/config"
	"predictflow/logger"
	"predictflow/models"
)

// Builder folds the trade stream into fixed-interval OHLC bars per market.
// Bars close on interval boundaries; at most MaxKept closed bars are
// retained per market.
type Builder struct {
	config appconfig.CandlesConfig
	events <-chan models.Event
	log    *logger.Entry

	mu     sync.RWMutex
	open   map[models.MarketKey]*models.Candle
	closed map[models.MarketKey][]models.Candle

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewBuilder(config appconfig.CandlesConfig, events <-chan models.Event) *Builder {
	return &Builder{
		config: config,
		events: events,
		log:    logger.GetLogger().WithComponent("candles"),
		open:   make(map[models.MarketKey]*models.Candle),
		closed: make(map[models.MarketKey][]models.Candle),
	}
}

func (b *Builder) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("candle builder already running")
	}
	b.running = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	b.log.WithFields(logger.Fields{
		"interval": b.config.Interval.String(),
		"max_kept": b.config.MaxKept,
	}).Info("Starting candle builder")

	b.wg.Add(1)
	go b.run()
	return nil
}

func (b *Builder) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.log.Info("Candle builder stopped")
}

func (b *Builder) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-b.events:
			if !ok {
				return
			}
			if ev.Type == models.EventTrade && ev.Trade != nil {
				b.applyTrade(ev.Trade)
			}
		}
	}
}

// applyTrade rolls the trade into the open bar for its market, closing
// the previous bar first when the trade falls past its boundary.
func (b *Builder) applyTrade(t *models.Trade) {
	key := models.MarketKey{Venue: t.Venue, Market: t.Market}
	opened := t.TradedAt.Truncate(b.config.Interval)

	b.mu.Lock()
	defer b.mu.Unlock()

	bar := b.open[key]
	if bar != nil && opened.After(bar.OpenedAt) {
		b.closeBarLocked(key, bar)
		bar = nil
	}
	if bar != nil && opened.Before(bar.OpenedAt) {
		// Late trade from before the open bar. Fold it into the open bar
		// rather than rewriting closed history.
		opened = bar.OpenedAt
	}

	if bar == nil {
		bar = &models.Candle{
			Venue:    t.Venue,
			Market:   t.Market,
			Open:     t.Price,
			High:     t.Price,
			Low:      t.Price,
			Close:    t.Price,
			OpenedAt: opened,
			ClosedAt: opened.Add(b.config.Interval),
		}
		b.open[key] = bar
	} else {
		if t.Price.GreaterThan(bar.High) {
			bar.High = t.Price
		}
		if t.Price.LessThan(bar.Low) {
			bar.Low = t.Price
		}
		bar.Close = t.Price
	}
	bar.Volume = bar.Volume.Add(t.Size)
	bar.Trades++
}

func (b *Builder) closeBarLocked(key models.MarketKey, bar *models.Candle) {
	history := append(b.closed[key], *bar)
	if b.config.MaxKept > 0 && len(history) > b.config.MaxKept {
		history = history[len(history)-b.config.MaxKept:]
	}
	b.closed[key] = history
	delete(b.open, key)
}

// Candles returns closed bars for a market, oldest first, with the open
// bar appended last. The slice is a copy.
func (b *Builder) Candles(v models.Venue, market string) []models.Candle {
	key := models.MarketKey{Venue: v, Market: market}

	b.mu.RLock()
	defer b.mu.RUnlock()

	history := b.closed[key]
	out := make([]models.Candle, 0, len(history)+1)
	out = append(out, history...)
	if bar, ok := b.open[key]; ok {
		out = append(out, *bar)
	}
	return out
}
