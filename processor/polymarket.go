package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	appconfig "predictflow/config"
	"predictflow/internal/channel"
	"predictflow/logger"
	"predictflow/models"

	"github.com/shopspring/decimal"
)

// Polymarket frames carry decimal strings and no sequence numbers. Every
// book event is a full snapshot and price_change sets absolute sizes, so
// the normalizer mints a synthetic monotonic sequence per asset which is
// gap-free by construction. Gaps can still arise from backpressure drops
// and reconnects; those invalidate the asset until the next book event.

type polyLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type polyChange struct {
	Price string `json:"price"`
	Side  string `json:"side"`
	Size  string `json:"size"`
}

type polyEvent struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Bids      []polyLevel  `json:"bids"`
	Asks      []polyLevel  `json:"asks"`
	Buys      []polyLevel  `json:"buys"`
	Sells     []polyLevel  `json:"sells"`
	Changes   []polyChange `json:"changes"`
	Price     string       `json:"price"`
	Side      string       `json:"side"`
	Size      string       `json:"size"`
	BestBid   string       `json:"best_bid"`
	BestAsk   string       `json:"best_ask"`
	Timestamp string       `json:"timestamp"`
}

// PolymarketNormalizer consumes raw market-channel frames and emits
// canonical events. One goroutine owns all per-asset state.
type PolymarketNormalizer struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	tracker  *SequenceTracker
}

func NewPolymarketNormalizer(cfg *appconfig.Config, ch *channel.Channels) *PolymarketNormalizer {
	return &PolymarketNormalizer{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		tracker:  NewSequenceTracker(),
	}
}

func (n *PolymarketNormalizer) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("polymarket normalizer already running")
	}
	n.running = true
	n.ctx = ctx
	n.mu.Unlock()

	n.log.WithComponent("polymarket_normalizer").Info("starting polymarket normalizer")
	n.wg.Add(1)
	go n.process()
	return nil
}

func (n *PolymarketNormalizer) Stop() {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()
	n.wg.Wait()
	n.log.WithComponent("polymarket_normalizer").Info("polymarket normalizer stopped")
}

func (n *PolymarketNormalizer) process() {
	defer n.wg.Done()
	raw := n.channels.Raw(models.VenuePolymarket)
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg, ok := <-raw:
			if !ok {
				return
			}
			n.handleRaw(msg)
		}
	}
}

func (n *PolymarketNormalizer) handleRaw(msg models.RawMessage) {
	log := n.log.WithComponent("polymarket_normalizer")

	if msg.Kind == models.RawReset {
		n.tracker.Reset()
		log.Info("connection reset, awaiting fresh book events")
		return
	}
	if msg.Kind == models.RawDrop {
		n.tracker.Drop(msg.Market)
		log.WithFields(logger.Fields{"asset": msg.Market}).Debug("asset unsubscribed, state dropped")
		return
	}
	if msg.GapBefore {
		n.invalidateAll("frames dropped under backpressure")
	}

	// The market channel batches events into arrays; single objects also
	// occur.
	data := bytes.TrimSpace(msg.Data)
	if len(data) > 0 && data[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(data, &events); err != nil {
			n.decodeError(log, "frame", err.Error())
			return
		}
		for _, e := range events {
			n.handleEvent(e, msg.Received, log)
		}
		return
	}
	n.handleEvent(data, msg.Received, log)
}

func (n *PolymarketNormalizer) handleEvent(data []byte, received time.Time, log *logger.Entry) {
	var ev polyEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		n.decodeError(log, "event", err.Error())
		return
	}
	if ev.AssetID == "" {
		n.decodeError(log, ev.EventType, "missing asset_id")
		return
	}

	switch ev.EventType {
	case "book":
		n.handleBook(ev, received, log)
	case "price_change":
		n.handlePriceChange(ev, received, log)
	case "last_trade_price":
		n.handleLastTrade(ev, received, log)
	case "best_bid_ask":
		n.handleBestBidAsk(ev, received, log)
	case "tick_size_change":
		log.WithFields(logger.Fields{"asset": ev.AssetID}).Debug("tick size change ignored")
	default:
		log.WithFields(logger.Fields{"event_type": ev.EventType}).Debug("ignoring event type")
	}
}

func (n *PolymarketNormalizer) handleBook(ev polyEvent, received time.Time, log *logger.Entry) {
	bidLevels := ev.Bids
	if len(bidLevels) == 0 {
		bidLevels = ev.Buys
	}
	askLevels := ev.Asks
	if len(askLevels) == 0 {
		askLevels = ev.Sells
	}

	bids, err := n.parseLevels(bidLevels)
	if err != nil {
		n.decodeError(log, "book", err.Error())
		return
	}
	asks, err := n.parseLevels(askLevels)
	if err != nil {
		n.decodeError(log, "book", err.Error())
		return
	}

	seq := n.tracker.NextSynthetic(ev.AssetID)
	n.tracker.MarkSnapshot(ev.AssetID, seq)
	n.channels.SendEvent(n.ctx, models.Event{
		Type:     models.EventSnapshot,
		Venue:    models.VenuePolymarket,
		Market:   ev.AssetID,
		Sequence: seq,
		Bids:     bids,
		Asks:     asks,
		Received: received,
	})
}

func (n *PolymarketNormalizer) handlePriceChange(ev polyEvent, received time.Time, log *logger.Entry) {
	if !n.tracker.Synced(ev.AssetID) {
		logger.IncrementSequenceGap(string(models.VenuePolymarket))
		log.WithFields(logger.Fields{"asset": ev.AssetID}).Warn("price change without book, requesting resync")
		n.channels.SendResync(n.ctx, models.ResyncRequest{
			Venue:  models.VenuePolymarket,
			Market: ev.AssetID,
			Reason: "price change before book",
		})
		return
	}

	changes := make([]models.LevelChange, 0, len(ev.Changes))
	for _, c := range ev.Changes {
		price, err := parseProbability(c.Price)
		if err != nil {
			n.decodeError(log, "price_change", err.Error())
			return
		}
		size, err := parseSize(c.Size)
		if err != nil {
			n.decodeError(log, "price_change", err.Error())
			return
		}
		side := models.SideBid
		if c.Side == "SELL" {
			side = models.SideAsk
		}
		changes = append(changes, models.LevelChange{
			Side:  side,
			Price: price,
			Size:  size,
			Kind:  models.ChangeSet,
		})
	}
	if len(changes) == 0 {
		return
	}

	seq := n.tracker.NextSynthetic(ev.AssetID)
	n.channels.SendEvent(n.ctx, models.Event{
		Type:     models.EventDelta,
		Venue:    models.VenuePolymarket,
		Market:   ev.AssetID,
		Sequence: seq,
		Changes:  changes,
		Received: received,
	})
}

func (n *PolymarketNormalizer) handleLastTrade(ev polyEvent, received time.Time, log *logger.Entry) {
	price, err := parseProbability(ev.Price)
	if err != nil {
		n.decodeError(log, "last_trade_price", err.Error())
		return
	}
	size := decimal.Zero
	if ev.Size != "" {
		if size, err = parseSize(ev.Size); err != nil {
			n.decodeError(log, "last_trade_price", err.Error())
			return
		}
	}
	side := models.SideBid
	if ev.Side == "SELL" {
		side = models.SideAsk
	}
	n.channels.SendEvent(n.ctx, models.Event{
		Type:   models.EventTrade,
		Venue:  models.VenuePolymarket,
		Market: ev.AssetID,
		Trade: &models.Trade{
			Venue:    models.VenuePolymarket,
			Market:   ev.AssetID,
			Price:    price,
			Size:     size,
			Side:     side,
			TradedAt: parseMillis(ev.Timestamp, received),
		},
		Received: received,
	})
}

func (n *PolymarketNormalizer) handleBestBidAsk(ev polyEvent, received time.Time, log *logger.Entry) {
	bid, err := parseProbability(ev.BestBid)
	if err != nil {
		n.decodeError(log, "best_bid_ask", err.Error())
		return
	}
	ask, err := parseProbability(ev.BestAsk)
	if err != nil {
		n.decodeError(log, "best_bid_ask", err.Error())
		return
	}
	n.channels.SendEvent(n.ctx, models.Event{
		Type:   models.EventTicker,
		Venue:  models.VenuePolymarket,
		Market: ev.AssetID,
		Ticker: &models.TickerUpdate{
			Venue:     models.VenuePolymarket,
			Market:    ev.AssetID,
			BestBid:   bid,
			BestAsk:   ask,
			UpdatedAt: parseMillis(ev.Timestamp, received),
		},
		Received: received,
	})
}

func (n *PolymarketNormalizer) parseLevels(levels []polyLevel) ([]models.Level, error) {
	out := make([]models.Level, 0, len(levels))
	for _, l := range levels {
		price, err := parseProbability(l.Price)
		if err != nil {
			return nil, err
		}
		size, err := parseSize(l.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Level{Price: price, Size: size})
	}
	return out, nil
}

func (n *PolymarketNormalizer) invalidateAll(reason string) {
	affected := n.tracker.InvalidateAll()
	for _, asset := range affected {
		n.channels.SendResync(n.ctx, models.ResyncRequest{
			Venue:  models.VenuePolymarket,
			Market: asset,
			Reason: reason,
		})
	}
	if len(affected) > 0 {
		n.log.WithComponent("polymarket_normalizer").WithFields(logger.Fields{
			"assets": len(affected),
		}).Warn("invalidated assets: " + reason)
	}
}

func (n *PolymarketNormalizer) decodeError(log *logger.Entry, field, reason string) {
	logger.IncrementDecodeError(string(models.VenuePolymarket))
	derr := &models.DecodeError{Venue: models.VenuePolymarket, Field: field, Reason: reason}
	log.WithError(derr).Warn("dropping undecodable event")
}

// parseProbability parses a price string and requires it to sit inside
// (0, 1) exclusive, the valid range for a binary outcome.
func parseProbability(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad price %q: %w", s, err)
	}
	if d.Sign() <= 0 || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Decimal{}, fmt.Errorf("price %q out of range", s)
	}
	return d, nil
}

// parseSize parses a size string. Zero is allowed; it removes a level.
func parseSize(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad size %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return decimal.Decimal{}, fmt.Errorf("size %q is negative", s)
	}
	return d, nil
}

func parseMillis(s string, fallback time.Time) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms).UTC()
}
