package models

import "time"

// Client -> server operations.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPing        = "ping"
)

// ClientMessage is one JSON request from a streaming client.
type ClientMessage struct {
	Op      string  `json:"op"`
	Venue   Venue   `json:"venue,omitempty"`
	Market  string  `json:"market,omitempty"`
	Channel Channel `json:"channel,omitempty"`
	// ID is echoed back on acks and errors so clients can correlate.
	ID string `json:"id,omitempty"`
}

// Server -> client message types.
const (
	MsgSnapshot = "snapshot"
	MsgUpdate   = "update"
	MsgTrade    = "trade"
	MsgTicker   = "ticker"
	MsgHealth   = "health"
	MsgAck      = "ack"
	MsgError    = "error"
	MsgPong     = "pong"
)

// ServerMessage is one JSON frame pushed to a streaming client.
type ServerMessage struct {
	Type    string  `json:"type"`
	ID      string  `json:"id,omitempty"`
	Venue   Venue   `json:"venue,omitempty"`
	Market  string  `json:"market,omitempty"`
	Channel Channel `json:"channel,omitempty"`

	Sequence uint64        `json:"sequence,omitempty"`
	Bids     []Level       `json:"bids,omitempty"`
	Asks     []Level       `json:"asks,omitempty"`
	Changes  []LevelChange `json:"changes,omitempty"`

	Trade  *Trade            `json:"trade,omitempty"`
	Ticker *TickerUpdate     `json:"ticker,omitempty"`
	Health *ConnectionHealth `json:"health,omitempty"`

	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// AckMessage builds the acknowledgment for a successful subscribe or
// unsubscribe.
func AckMessage(req ClientMessage) ServerMessage {
	return ServerMessage{
		Type:      MsgAck,
		ID:        req.ID,
		Venue:     req.Venue,
		Market:    req.Market,
		Channel:   req.Channel,
		Message:   req.Op,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorMessage builds the error frame for a failed client request.
func ErrorMessage(req ClientMessage, err *ClientError) ServerMessage {
	return ServerMessage{
		Type:      MsgError,
		ID:        req.ID,
		Code:      err.Code,
		Message:   err.Message,
		Timestamp: time.Now().UTC(),
	}
}

// EventMessage converts a canonical event into its client frame.
func EventMessage(ev Event) ServerMessage {
	msg := ServerMessage{
		Venue:     ev.Venue,
		Market:    ev.Market,
		Sequence:  ev.Sequence,
		Timestamp: ev.Received,
	}
	switch ev.Type {
	case EventSnapshot:
		msg.Type = MsgSnapshot
		msg.Channel = ChannelOrderbook
		msg.Bids = ev.Bids
		msg.Asks = ev.Asks
	case EventDelta:
		msg.Type = MsgUpdate
		msg.Channel = ChannelOrderbook
		msg.Changes = ev.Changes
	case EventTrade:
		msg.Type = MsgTrade
		msg.Channel = ChannelTrades
		msg.Trade = ev.Trade
	case EventTicker:
		msg.Type = MsgTicker
		msg.Channel = ChannelTicker
		msg.Ticker = ev.Ticker
	case EventHealth:
		msg.Type = MsgHealth
		msg.Health = ev.Health
	}
	return msg
}

// SnapshotMessage converts a book copy into the initial frame sent after a
// successful orderbook subscribe.
func SnapshotMessage(s BookSnapshot) ServerMessage {
	return ServerMessage{
		Type:      MsgSnapshot,
		Venue:     s.Venue,
		Market:    s.Market,
		Channel:   ChannelOrderbook,
		Sequence:  s.Sequence,
		Bids:      s.Bids,
		Asks:      s.Asks,
		Timestamp: s.UpdatedAt,
	}
}
