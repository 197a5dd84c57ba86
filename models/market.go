package models

import (
	"fmt"
	"strings"
	"time"
)

// Venue identifies an upstream market-data source.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"
	VenuePolymarket Venue = "polymarket"
)

// Known reports whether v is a venue this process can connect to.
func (v Venue) Known() bool {
	return v == VenueKalshi || v == VenuePolymarket
}

// Channel identifies a data stream within a market.
type Channel string

const (
	ChannelOrderbook Channel = "orderbook"
	ChannelTrades    Channel = "trades"
	ChannelTicker    Channel = "ticker"
)

// Known reports whether c is a channel clients may subscribe to.
func (c Channel) Known() bool {
	return c == ChannelOrderbook || c == ChannelTrades || c == ChannelTicker
}

// SubscriptionKey uniquely identifies a (venue, market, channel) stream.
type SubscriptionKey struct {
	Venue   Venue   `json:"venue"`
	Market  string  `json:"market"`
	Channel Channel `json:"channel"`
}

func (k SubscriptionKey) String() string {
	return string(k.Venue) + ":" + k.Market + ":" + string(k.Channel)
}

// ParseSubscriptionKey parses "venue:market:channel" back into a key.
// Market identifiers never contain colons on either venue.
func ParseSubscriptionKey(s string) (SubscriptionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return SubscriptionKey{}, fmt.Errorf("malformed subscription key %q", s)
	}
	return SubscriptionKey{
		Venue:   Venue(parts[0]),
		Market:  parts[1],
		Channel: Channel(parts[2]),
	}, nil
}

// MarketKey identifies a market independent of channel.
type MarketKey struct {
	Venue  Venue  `json:"venue"`
	Market string `json:"market"`
}

func (k MarketKey) String() string {
	return string(k.Venue) + ":" + k.Market
}

// RawKind distinguishes payload frames from in-band control markers on the
// raw channel between a venue reader and its normalizer.
type RawKind int

const (
	// RawData carries a venue-native frame in Data.
	RawData RawKind = iota
	// RawReset means the connection was re-established. Sequence tracking
	// restarts from the next snapshot per market.
	RawReset
	// RawDrop means local interest in Market ended. Tracking state for
	// that market is discarded until it is subscribed again.
	RawDrop
)

// RawMessage wraps a frame read off a venue websocket, before normalization.
type RawMessage struct {
	Venue Venue
	Kind  RawKind
	// Market is set on RawDrop markers.
	Market string
	Data   []byte
	// GapBefore is set when earlier frames were evicted under
	// backpressure. Every market on the venue must be treated as
	// desynchronized until a fresh snapshot arrives.
	GapBefore bool
	Received  time.Time
}
