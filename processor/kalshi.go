package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	appconfig "predictflow/config"
	"predictflow/internal/channel"
	"predictflow/logger"
	"predictflow/models"

	"github.com/shopspring/decimal"
)

// Kalshi prices are integer cents on the yes side. A resting order on the
// no side at p cents is equivalent to an ask on the yes book at 100-p, so
// the canonical book carries yes bids against converted no offers.

type kalshiEnvelope struct {
	Type string          `json:"type"`
	Sid  int64           `json:"sid,omitempty"`
	Seq  uint64          `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

type kalshiSnapshot struct {
	MarketTicker string     `json:"market_ticker"`
	Yes          [][2]int64 `json:"yes"`
	No           [][2]int64 `json:"no"`
}

type kalshiDelta struct {
	MarketTicker string `json:"market_ticker"`
	Price        int64  `json:"price"`
	Delta        int64  `json:"delta"`
	Side         string `json:"side"`
}

type kalshiTrade struct {
	MarketTicker string `json:"market_ticker"`
	TradeID      string `json:"trade_id"`
	YesPrice     int64  `json:"yes_price"`
	Count        int64  `json:"count"`
	TakerSide    string `json:"taker_side"`
	Ts           int64  `json:"ts"`
}

type kalshiTicker struct {
	MarketTicker string `json:"market_ticker"`
	Price        int64  `json:"price"`
	YesBid       int64  `json:"yes_bid"`
	YesAsk       int64  `json:"yes_ask"`
	Volume       int64  `json:"volume"`
	Ts           int64  `json:"ts"`
}

// KalshiNormalizer consumes raw Kalshi frames, enforces per-market
// sequence continuity and emits canonical events. A single goroutine owns
// the tracker so event order is preserved end to end.
type KalshiNormalizer struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	tracker  *SequenceTracker
}

func NewKalshiNormalizer(cfg *appconfig.Config, ch *channel.Channels) *KalshiNormalizer {
	return &KalshiNormalizer{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		tracker:  NewSequenceTracker(),
	}
}

func (n *KalshiNormalizer) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return fmt.Errorf("kalshi normalizer already running")
	}
	n.running = true
	n.ctx = ctx
	n.mu.Unlock()

	n.log.WithComponent("kalshi_normalizer").Info("starting kalshi normalizer")
	n.wg.Add(1)
	go n.process()
	return nil
}

func (n *KalshiNormalizer) Stop() {
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()
	n.wg.Wait()
	n.log.WithComponent("kalshi_normalizer").Info("kalshi normalizer stopped")
}

func (n *KalshiNormalizer) process() {
	defer n.wg.Done()
	raw := n.channels.Raw(models.VenueKalshi)
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

func (n *KalshiNormalizer) handleRaw(msg models.RawMessage) {
	log := n.log.WithComponent("kalshi_normalizer")

	if msg.Kind == models.RawReset {
		n.tracker.Reset()
		log.Info("connection reset, awaiting fresh snapshots")
		return
	}
	if msg.Kind == models.RawDrop {
		n.tracker.Drop(msg.Market)
		log.WithFields(logger.Fields{"market": msg.Market}).Debug("market unsubscribed, state dropped")
		return
	}
	if msg.GapBefore {
		n.invalidateAll("frames dropped under backpressure")
	}

	var env kalshiEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		n.decodeError(log, "frame", err.Error())
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		n.handleSnapshot(env, msg.Received, log)
	case "orderbook_delta":
		n.handleDelta(env, msg.Received, log)
	case "trade":
		n.handleTrade(env, msg.Received, log)
	case "ticker":
		n.handleTicker(env, msg.Received, log)
	default:
		log.WithFields(logger.Fields{"type": env.Type}).Debug("ignoring frame type")
	}
}

func (n *KalshiNormalizer) handleSnapshot(env kalshiEnvelope, received time.Time, log *logger.Entry) {
	var snap kalshiSnapshot
	if err := json.Unmarshal(env.Msg, &snap); err != nil {
		n.decodeError(log, "orderbook_snapshot", err.Error())
		return
	}
	if snap.MarketTicker == "" {
		n.decodeError(log, "orderbook_snapshot", "missing market_ticker")
		return
	}

	bids := make([]models.Level, 0, len(snap.Yes))
	for _, l := range snap.Yes {
		price, err := centsPrice(l[0])
		if err != nil {
			n.decodeError(log, "orderbook_snapshot", err.Error())
			return
		}
		bids = append(bids, models.Level{Price: price, Size: decimal.NewFromInt(l[1])})
	}
	asks := make([]models.Level, 0, len(snap.No))
	for _, l := range snap.No {
		price, err := centsPrice(100 - l[0])
		if err != nil {
			n.decodeError(log, "orderbook_snapshot", err.Error())
			return
		}
		asks = append(asks, models.Level{Price: price, Size: decimal.NewFromInt(l[1])})
	}

	n.tracker.MarkSnapshot(snap.MarketTicker, env.Seq)
	n.channels.SendEvent(n.ctx, models.Event{
		Type:     models.EventSnapshot,
		Venue:    models.VenueKalshi,
		Market:   snap.MarketTicker,
		Sequence: env.Seq,
		Bids:     bids,
		Asks:     asks,
		Received: received,
	})
}

func (n *KalshiNormalizer) handleDelta(env kalshiEnvelope, received time.Time, log *logger.Entry) {
	var d kalshiDelta
	if err := json.Unmarshal(env.Msg, &d); err != nil {
		n.decodeError(log, "orderbook_delta", err.Error())
		return
	}
	if d.MarketTicker == "" || (d.Side != "yes" && d.Side != "no") {
		n.decodeError(log, "orderbook_delta", "missing market_ticker or bad side")
		return
	}

	switch n.tracker.CheckDelta(d.MarketTicker, env.Seq) {
	case VerdictApply:
	case VerdictStale:
		return
	case VerdictAwaiting:
		log.WithFields(logger.Fields{"market": d.MarketTicker}).Debug("delta before snapshot, dropping")
		return
	case VerdictGap:
		logger.IncrementSequenceGap(string(models.VenueKalshi))
		log.WithFields(logger.Fields{
			"market": d.MarketTicker,
			"seq":    env.Seq,
		}).Warn("sequence gap detected, requesting resync")
		n.channels.SendResync(n.ctx, models.ResyncRequest{
			Venue:  models.VenueKalshi,
			Market: d.MarketTicker,
			Reason: "sequence gap",
		})
		return
	}

	var change models.LevelChange
	if d.Side == "yes" {
		price, err := centsPrice(d.Price)
		if err != nil {
			n.decodeError(log, "orderbook_delta", err.Error())
			return
		}
		change = models.LevelChange{Side: models.SideBid, Price: price, Size: decimal.NewFromInt(d.Delta), Kind: models.ChangeAdd}
	} else {
		price, err := centsPrice(100 - d.Price)
		if err != nil {
			n.decodeError(log, "orderbook_delta", err.Error())
			return
		}
		change = models.LevelChange{Side: models.SideAsk, Price: price, Size: decimal.NewFromInt(d.Delta), Kind: models.ChangeAdd}
	}

	n.channels.SendEvent(n.ctx, models.Event{
		Type:     models.EventDelta,
		Venue:    models.VenueKalshi,
		Market:   d.MarketTicker,
		Sequence: env.Seq,
		Changes:  []models.LevelChange{change},
		Received: received,
	})
}

func (n *KalshiNormalizer) handleTrade(env kalshiEnvelope, received time.Time, log *logger.Entry) {
	var t kalshiTrade
	if err := json.Unmarshal(env.Msg, &t); err != nil {
		n.decodeError(log, "trade", err.Error())
		return
	}
	if t.MarketTicker == "" {
		n.decodeError(log, "trade", "missing market_ticker")
		return
	}
	price, err := centsPrice(t.YesPrice)
	if err != nil {
		n.decodeError(log, "trade", err.Error())
		return
	}
	side := models.SideBid
	if t.TakerSide == "no" {
		side = models.SideAsk
	}
	n.channels.SendEvent(n.ctx, models.Event{
		Type:   models.EventTrade,
		Venue:  models.VenueKalshi,
		Market: t.MarketTicker,
		Trade: &models.Trade{
			Venue:    models.VenueKalshi,
			Market:   t.MarketTicker,
			TradeID:  t.TradeID,
			Price:    price,
			Size:     decimal.NewFromInt(t.Count),
			Side:     side,
			TradedAt: time.Unix(t.Ts, 0).UTC(),
		},
		Received: received,
	})
}

func (n *KalshiNormalizer) handleTicker(env kalshiEnvelope, received time.Time, log *logger.Entry) {
	var t kalshiTicker
	if err := json.Unmarshal(env.Msg, &t); err != nil {
		n.decodeError(log, "ticker", err.Error())
		return
	}
	if t.MarketTicker == "" {
		n.decodeError(log, "ticker", "missing market_ticker")
		return
	}
	n.channels.SendEvent(n.ctx, models.Event{
		Type:   models.EventTicker,
		Venue:  models.VenueKalshi,
		Market: t.MarketTicker,
		Ticker: &models.TickerUpdate{
			Venue:     models.VenueKalshi,
			Market:    t.MarketTicker,
			BestBid:   decimal.New(t.YesBid, -2),
			BestAsk:   decimal.New(t.YesAsk, -2),
			LastPrice: decimal.New(t.Price, -2),
			Volume:    decimal.NewFromInt(t.Volume),
			UpdatedAt: time.Unix(t.Ts, 0).UTC(),
		},
		Received: received,
	})
}

func (n *KalshiNormalizer) invalidateAll(reason string) {
	affected := n.tracker.InvalidateAll()
	for _, market := range affected {
		n.channels.SendResync(n.ctx, models.ResyncRequest{
			Venue:  models.VenueKalshi,
			Market: market,
			Reason: reason,
		})
	}
	if len(affected) > 0 {
		n.log.WithComponent("kalshi_normalizer").WithFields(logger.Fields{
			"markets": len(affected),
		}).Warn("invalidated markets: " + reason)
	}
}

func (n *KalshiNormalizer) decodeError(log *logger.Entry, field, reason string) {
	logger.IncrementDecodeError(string(models.VenueKalshi))
	derr := &models.DecodeError{Venue: models.VenueKalshi, Field: field, Reason: reason}
	log.WithError(derr).Warn("dropping undecodable frame")
}

// centsPrice converts an integer cent price into a probability-style
// decimal. Contract prices sit strictly inside (0, 100) cents.
func centsPrice(cents int64) (decimal.Decimal, error) {
	if cents <= 0 || cents >= 100 {
		return decimal.Decimal{}, fmt.Errorf("price %d out of range", cents)
	}
	return decimal.New(cents, -2), nil
}
