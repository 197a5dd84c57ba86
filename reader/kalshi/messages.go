package kalshi

import (
	"encoding/json"

	"predictflow/models"
)

// Wire channel names on the Kalshi websocket.
const (
	wireOrderbookDelta = "orderbook_delta"
	wireTicker         = "ticker"
	wireTrade          = "trade"
)

// wireChannel maps a canonical channel to its Kalshi name. The
// orderbook_delta channel replays a full snapshot on subscribe followed by
// deltas.
func wireChannel(c models.Channel) string {
	switch c {
	case models.ChannelTrades:
		return wireTrade
	case models.ChannelTicker:
		return wireTicker
	default:
		return wireOrderbookDelta
	}
}

func canonicalChannel(wire string) models.Channel {
	switch wire {
	case wireTrade:
		return models.ChannelTrades
	case wireTicker:
		return models.ChannelTicker
	default:
		return models.ChannelOrderbook
	}
}

type commandParams struct {
	Channels      []string `json:"channels,omitempty"`
	MarketTickers []string `json:"market_tickers,omitempty"`
	Sids          []int64  `json:"sids,omitempty"`
}

// command is a client request frame: subscribe or unsubscribe.
type command struct {
	ID     int64         `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

// envelope is the minimal view of every server frame, enough to route it.
type envelope struct {
	Type string          `json:"type"`
	ID   int64           `json:"id,omitempty"`
	Sid  int64           `json:"sid,omitempty"`
	Seq  uint64          `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// subscribedMsg is the body of a "subscribed" acknowledgment.
type subscribedMsg struct {
	Channel string `json:"channel"`
	Sid     int64  `json:"sid"`
}

// errorMsg is the body of an "error" frame.
type errorMsg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// isDataFrame reports whether a frame type carries market data that the
// normalizer should see.
func isDataFrame(t string) bool {
	switch t {
	case "orderbook_snapshot", "orderbook_delta", "ticker", "trade":
		return true
	default:
		return false
	}
}
