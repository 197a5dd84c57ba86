package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"predictflow/logger"
	"predictflow/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxRequestSize = 4096
)

// session is one streaming client connection. The read pump parses
// requests, the write pump drains the send channel; a full send channel
// means the client is too slow and gets disconnected.
type session struct {
	id      string
	conn    *websocket.Conn
	hub     *Hub
	limiter *rate.Limiter
	log     *logger.Entry

	send chan models.ServerMessage
	// subs maps held keys to their delivery state. Guarded by hub.mu.
	subs map[models.SubscriptionKey]*interest

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id string, conn *websocket.Conn, hub *Hub, buffer int, limit rate.Limit, burst int) *session {
	return &session{
		id:      id,
		conn:    conn,
		hub:     hub,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.GetLogger().WithComponent("session"),
		send:    make(chan models.ServerMessage, buffer),
		subs:    make(map[models.SubscriptionKey]*interest),
		closed:  make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. Overflow closes the session;
// a stalled client must never stall the broadcast path.
func (s *session) enqueue(msg models.ServerMessage) {
	select {
	case s.send <- msg:
	default:
		s.log.WithFields(logger.Fields{"client": s.id}).Warn("send buffer full, dropping client")
		s.close()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// readPump consumes client requests until the connection drops. Runs on
// the handler goroutine; returning triggers cleanup.
func (s *session) readPump() {
	defer func() {
		s.close()
		s.hub.removeSession(s)
	}()

	s.conn.SetReadLimit(maxRequestSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).WithFields(logger.Fields{"client": s.id}).Debug("read error")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		logger.IncrementClientFrame(len(data))

		var req models.ClientMessage
		if err := json.Unmarshal(data, &req); err != nil {
			s.enqueue(models.ErrorMessage(models.ClientMessage{}, models.NewClientError(
				models.ErrMalformedRequest, "invalid JSON: %v", err)))
			continue
		}
		s.handleRequest(req)
	}
}

// handleRequest dispatches one parsed client request. Errors fail the
// request only; the connection stays open.
func (s *session) handleRequest(req models.ClientMessage) {
	if req.Op == models.OpPing {
		s.enqueue(models.ServerMessage{Type: models.MsgPong, ID: req.ID, Timestamp: time.Now().UTC()})
		return
	}

	if !s.limiter.Allow() {
		s.enqueue(models.ErrorMessage(req, models.NewClientError(
			models.ErrRateLimited, "request rate limit exceeded")))
		return
	}

	key := models.SubscriptionKey{Venue: req.Venue, Market: req.Market, Channel: req.Channel}
	switch req.Op {
	case models.OpSubscribe:
		if cerr := s.hub.subscribe(s, key, models.AckMessage(req)); cerr != nil {
			s.enqueue(models.ErrorMessage(req, cerr))
		}
	case models.OpUnsubscribe:
		if cerr := s.hub.unsubscribe(s, key); cerr != nil {
			s.enqueue(models.ErrorMessage(req, cerr))
			return
		}
		s.enqueue(models.AckMessage(req))
	default:
		s.enqueue(models.ErrorMessage(req, models.NewClientError(
			models.ErrMalformedRequest, "unknown op %q", req.Op)))
	}
}

// writePump drains the send channel onto the wire and keeps the
// connection alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
