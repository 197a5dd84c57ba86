package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType discriminates canonical events flowing from the normalizers
// through the aggregator to downstream fan-out.
type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventDelta    EventType = "delta"
	EventTrade    EventType = "trade"
	EventTicker   EventType = "ticker"
	EventHealth   EventType = "health"
)

// Trade is a normalized execution report.
type Trade struct {
	Venue    Venue           `json:"venue"`
	Market   string          `json:"market"`
	TradeID  string          `json:"trade_id"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	Side     Side            `json:"side"`
	TradedAt time.Time       `json:"traded_at"`
}

// TickerUpdate is a normalized top-of-book / last-price summary.
type TickerUpdate struct {
	Venue     Venue           `json:"venue"`
	Market    string          `json:"market"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	LastPrice decimal.Decimal `json:"last_price"`
	Volume    decimal.Decimal `json:"volume,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Event is the canonical unit between normalizers, aggregator and fan-out.
// Exactly one payload pointer is set, matching Type.
type Event struct {
	Type     EventType `json:"type"`
	Venue    Venue     `json:"venue"`
	Market   string    `json:"market"`
	Sequence uint64    `json:"sequence"`

	// Snapshot payload: full sides.
	Bids []Level `json:"bids,omitempty"`
	Asks []Level `json:"asks,omitempty"`

	// Delta payload: ordered level mutations.
	Changes []LevelChange `json:"changes,omitempty"`

	Trade  *Trade            `json:"trade,omitempty"`
	Ticker *TickerUpdate     `json:"ticker,omitempty"`
	Health *ConnectionHealth `json:"health,omitempty"`

	Received time.Time `json:"received"`
}

// Key returns the fan-out subscription key this event belongs to. Health
// events are venue-wide and carry an empty market.
func (e Event) Key() SubscriptionKey {
	ch := ChannelOrderbook
	switch e.Type {
	case EventTrade:
		ch = ChannelTrades
	case EventTicker:
		ch = ChannelTicker
	}
	return SubscriptionKey{Venue: e.Venue, Market: e.Market, Channel: ch}
}

// Candle is one fixed-interval OHLC bar built from the trade stream.
type Candle struct {
	Venue    Venue           `json:"venue"`
	Market   string          `json:"market"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Trades   int             `json:"trades"`
	OpenedAt time.Time       `json:"opened_at"`
	ClosedAt time.Time       `json:"closed_at"`
}

// ResyncRequest asks a venue reader to re-establish a market's snapshot
// after a sequence gap or backpressure drop.
type ResyncRequest struct {
	Venue  Venue
	Market string
	Reason string
}
