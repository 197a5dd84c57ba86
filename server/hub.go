package server

import (
	"context"
	"sync"

	"predictflow/logger"
	"predictflow/models"
)

// Upstream is the venue-facing side of the fan-out: a reader that can add
// or drop upstream subscriptions.
type Upstream interface {
	Subscribe(market string, ch models.Channel) error
	Unsubscribe(market string, ch models.Channel) error
}

// BookSource hands out canonical state copies and releases books nobody
// subscribes to anymore. Implemented by the aggregator.
type BookSource interface {
	BookSnapshot(v models.Venue, market string) (models.BookSnapshot, bool)
	DropBook(v models.Venue, market string)
	HealthSnapshot() map[models.Venue]models.ConnectionHealth
}

// interest is one client's hold on a subscription key. Order book streams
// withhold deltas until the baseline snapshot went out; lastSeq is the
// sequence of the last frame forwarded to this client, so a hole in the
// delta stream is caught before the client's book diverges.
type interest struct {
	baseline bool
	lastSeq  uint64
}

// Hub refcounts client interest per subscription key and fans canonical
// events out to sessions. The first subscriber to a key triggers the
// upstream subscription; the last one leaving tears it down.
type Hub struct {
	mu       sync.Mutex
	interest map[models.SubscriptionKey]map[string]*session
	sessions map[string]*session
	upstream map[models.Venue]Upstream
	books    BookSource
	log      *logger.Log
}

func NewHub(books BookSource) *Hub {
	return &Hub{
		interest: make(map[models.SubscriptionKey]map[string]*session),
		sessions: make(map[string]*session),
		upstream: make(map[models.Venue]Upstream),
		books:    books,
		log:      logger.GetLogger(),
	}
}

// RegisterUpstream attaches a venue reader. Venues without a registered
// upstream reject subscriptions.
func (h *Hub) RegisterUpstream(v models.Venue, u Upstream) {
	h.mu.Lock()
	h.upstream[v] = u
	h.mu.Unlock()
}

// Run consumes the aggregator's event stream until the context ends.
func (h *Hub) Run(ctx context.Context, events <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) addSession(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	logger.ClientConnected()
	h.log.WithComponent("hub").WithFields(logger.Fields{
		"client": s.id, "clients": n,
	}).Info("client connected")
}

// removeSession releases every key the client held, tearing down upstream
// subscriptions whose refcount reaches zero.
func (h *Hub) removeSession(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	var lastOut []models.SubscriptionKey
	for key := range s.subs {
		if h.dropInterestLocked(key, s.id) {
			lastOut = append(lastOut, key)
		}
	}
	s.subs = make(map[models.SubscriptionKey]*interest)
	h.mu.Unlock()

	for _, key := range lastOut {
		h.unsubscribeUpstream(key)
	}
	logger.ClientDisconnected()
	h.log.WithComponent("hub").WithFields(logger.Fields{"client": s.id}).Info("client disconnected")
}

// subscribe registers a client's interest. The ack and any initial book
// snapshot are enqueued in order inside one critical section, so no delta
// can slip in between.
func (h *Hub) subscribe(s *session, key models.SubscriptionKey, ack models.ServerMessage) *models.ClientError {
	if !key.Venue.Known() {
		return models.NewClientError(models.ErrUnknownVenue, "venue %q is not supported", key.Venue)
	}
	if !key.Channel.Known() {
		return models.NewClientError(models.ErrMalformedRequest, "channel %q is not supported", key.Channel)
	}
	if key.Market == "" {
		return models.NewClientError(models.ErrMalformedRequest, "market is required")
	}
	if !marketIDValid(key.Venue, key.Market) {
		return models.NewClientError(models.ErrUnknownMarket, "market %q is not a valid %s market id", key.Market, key.Venue)
	}

	h.mu.Lock()
	up, ok := h.upstream[key.Venue]
	if !ok {
		h.mu.Unlock()
		return models.NewClientError(models.ErrUnknownVenue, "venue %q is not connected", key.Venue)
	}
	if _, held := s.subs[key]; held {
		s.enqueue(ack) // idempotent
		h.mu.Unlock()
		return nil
	}

	holders, exists := h.interest[key]
	if !exists {
		holders = make(map[string]*session)
		h.interest[key] = holders
	}
	if len(holders) == 0 {
		// First holder brings the upstream subscription up. Readers only
		// enqueue a command here, so this does not block.
		if err := up.Subscribe(key.Market, key.Channel); err != nil {
			if !exists {
				delete(h.interest, key)
			}
			h.mu.Unlock()
			h.log.WithComponent("hub").WithError(err).WithFields(logger.Fields{
				"key": key.String(),
			}).Error("upstream subscribe failed")
			return models.NewClientError(models.ErrInternal, "subscription failed")
		}
	}
	holders[s.id] = s

	in := &interest{}
	if key.Channel != models.ChannelOrderbook {
		in.baseline = true
	}
	s.subs[key] = in
	s.enqueue(ack)

	// Snapshot-before-delta: an existing book seeds the baseline inside
	// the same critical section, so no delta can slip ahead of it.
	if key.Channel == models.ChannelOrderbook {
		if snap, ok := h.books.BookSnapshot(key.Venue, key.Market); ok {
			in.baseline = true
			in.lastSeq = snap.Sequence
			s.enqueue(models.SnapshotMessage(snap))
		}
	}
	h.mu.Unlock()
	return nil
}

// unsubscribe drops a client's interest. Unsubscribing a key that was
// never held is a no-op and still acked.
func (h *Hub) unsubscribe(s *session, key models.SubscriptionKey) *models.ClientError {
	if !key.Venue.Known() {
		return models.NewClientError(models.ErrUnknownVenue, "venue %q is not supported", key.Venue)
	}

	h.mu.Lock()
	if _, held := s.subs[key]; !held {
		h.mu.Unlock()
		return nil
	}
	delete(s.subs, key)
	last := h.dropInterestLocked(key, s.id)
	h.mu.Unlock()

	if last {
		h.unsubscribeUpstream(key)
	}
	return nil
}

// dropInterestLocked removes one holder and reports whether the key's
// refcount hit zero. Caller holds h.mu.
func (h *Hub) dropInterestLocked(key models.SubscriptionKey, clientID string) bool {
	holders, ok := h.interest[key]
	if !ok {
		return false
	}
	if _, held := holders[clientID]; !held {
		return false
	}
	delete(holders, clientID)
	if len(holders) == 0 {
		delete(h.interest, key)
		return true
	}
	return false
}

func (h *Hub) unsubscribeUpstream(key models.SubscriptionKey) {
	h.mu.Lock()
	up, ok := h.upstream[key.Venue]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := up.Unsubscribe(key.Market, key.Channel); err != nil {
		h.log.WithComponent("hub").WithError(err).WithFields(logger.Fields{
			"key": key.String(),
		}).Warn("upstream unsubscribe failed")
	}
	// The canonical book has no consumers left; release it so unsubscribed
	// markets do not accumulate state.
	if key.Channel == models.ChannelOrderbook {
		h.books.DropBook(key.Venue, key.Market)
	}
}

// broadcast delivers one canonical event to every interested session.
// Health events are venue-wide and go to all clients.
func (h *Hub) broadcast(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Type == models.EventHealth {
		msg := models.EventMessage(ev)
		for _, s := range h.sessions {
			s.enqueue(msg)
		}
		return
	}

	key := ev.Key()
	holders, ok := h.interest[key]
	if !ok {
		return
	}
	msg := models.EventMessage(ev)
	for _, s := range holders {
		in := s.subs[key]
		if in == nil {
			continue
		}
		switch ev.Type {
		case models.EventSnapshot:
			in.baseline = true
			in.lastSeq = ev.Sequence
			s.enqueue(msg)
		case models.EventDelta:
			// No deltas before the baseline snapshot, and none that
			// the baseline already covers.
			if !in.baseline || ev.Sequence <= in.lastSeq {
				continue
			}
			if ev.Sequence != in.lastSeq+1 {
				// A delta went missing between the canonical stream and
				// this session. Forwarding the gap would desync the
				// client's book, so re-seed from the canonical state.
				in.baseline = false
				if snap, ok := h.books.BookSnapshot(ev.Venue, ev.Market); ok {
					in.baseline = true
					in.lastSeq = snap.Sequence
					s.enqueue(models.SnapshotMessage(snap))
				}
				continue
			}
			in.lastSeq = ev.Sequence
			s.enqueue(msg)
		default:
			s.enqueue(msg)
		}
	}
}

// marketIDValid checks the venue's market id shape. Kalshi uses upper
// case event tickers; Polymarket identifies assets by decimal token ids.
func marketIDValid(v models.Venue, market string) bool {
	switch v {
	case models.VenueKalshi:
		for _, r := range market {
			if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' && r != '.' {
				return false
			}
		}
		return true
	case models.VenuePolymarket:
		for _, r := range market {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// counts returns the number of connected sessions and active keys.
func (h *Hub) counts() (sessions, keys int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions), len(h.interest)
}
