package kalshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"predictflow/auth"
	appconfig "predictflow/config"
	"predictflow/internal/channel"
	"predictflow/logger"
	"predictflow/models"
	"predictflow/reader"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

// Reader maintains the authenticated Kalshi websocket. It holds the set of
// subscribed markets across reconnects, forwards raw frames to the
// normalizer and reports connection health transitions.
type Reader struct {
	config   *appconfig.Config
	channels *channel.Channels
	signer   auth.RequestSigner
	health   reader.HealthReporter
	subs     *reader.SubscriptionSet
	commands chan reader.Command
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	cmdID   int64
	sidMu   sync.Mutex
	pending map[int64]models.SubscriptionKey
	sids    map[models.SubscriptionKey]int64
}

func NewReader(cfg *appconfig.Config, ch *channel.Channels, signer auth.RequestSigner, health reader.HealthReporter) *Reader {
	return &Reader{
		config:   cfg,
		channels: ch,
		signer:   signer,
		health:   health,
		subs:     reader.NewSubscriptionSet(),
		commands: make(chan reader.Command, 64),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		pending:  make(map[int64]models.SubscriptionKey),
		sids:     make(map[models.SubscriptionKey]int64),
	}
}

// Start connects to Kalshi and keeps the connection alive until the context
// is cancelled or the reconnect budget runs out.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("kalshi reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Venues.Kalshi
	log := r.log.WithComponent("kalshi_reader")
	if !cfg.Enabled {
		log.Warn("kalshi venue is disabled")
		return fmt.Errorf("kalshi venue is disabled")
	}

	log.WithFields(logger.Fields{"url": cfg.URL}).Info("starting kalshi reader")
	r.wg.Add(1)
	go r.stream()
	return nil
}

// Stop waits for the supervising goroutine to finish. The caller cancels
// the context passed to Start first.
func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.WithComponent("kalshi_reader").Info("stopping kalshi reader")
	r.wg.Wait()
	r.log.WithComponent("kalshi_reader").Info("kalshi reader stopped")
}

// Subscribe asks for a market channel upstream. Called on the 0->1
// interest transition.
func (r *Reader) Subscribe(market string, ch models.Channel) error {
	key := models.SubscriptionKey{Venue: models.VenueKalshi, Market: market, Channel: ch}
	if !r.subs.Add(key) {
		return nil
	}
	return r.enqueue(reader.Command{Op: reader.CmdSubscribe, Market: market, Channel: ch})
}

// Unsubscribe drops a market channel upstream. Called on the 1->0
// interest transition.
func (r *Reader) Unsubscribe(market string, ch models.Channel) error {
	key := models.SubscriptionKey{Venue: models.VenueKalshi, Market: market, Channel: ch}
	if !r.subs.Remove(key) {
		return nil
	}
	return r.enqueue(reader.Command{Op: reader.CmdUnsubscribe, Market: market, Channel: ch})
}

func (r *Reader) enqueue(cmd reader.Command) error {
	select {
	case r.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("kalshi command queue full")
	}
}

// stream owns the connection lifecycle: dial, session, backoff, repeat.
func (r *Reader) stream() {
	defer r.wg.Done()
	cfg := r.config.Venues.Kalshi
	log := r.log.WithComponent("kalshi_reader").WithFields(logger.Fields{"worker": "stream"})
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(logger.Fields{"panic": rec}).Error("reader goroutine panicked")
			r.reportHealth(models.ConnectionHealth{
				State:  models.HealthDisconnected,
				Reason: fmt.Sprintf("panic: %v", rec),
			})
		}
	}()
	backoff := reader.NewBackoff(cfg.Reconnect)

	for {
		if r.ctx.Err() != nil {
			return
		}

		r.reportHealth(models.ConnectionHealth{
			State:               models.HealthConnecting,
			ConsecutiveFailures: backoff.Attempt(),
		})

		conn, err := r.dial(cfg)
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket")
			if errors.Is(err, errAuth) {
				r.reportHealth(models.ConnectionHealth{
					State:               models.HealthDegraded,
					Reason:              err.Error(),
					ConsecutiveFailures: backoff.Attempt(),
				})
			}
			if !r.waitRetry(backoff, err.Error()) {
				return
			}
			continue
		}

		r.reportHealth(models.ConnectionHealth{State: models.HealthConnected})
		connectedAt := time.Now()
		r.session(conn, cfg)
		if r.ctx.Err() != nil {
			conn.Close()
			return
		}

		// A connection that streamed long enough clears the failure
		// streak so transient blips do not eat the retry budget.
		if time.Since(connectedAt) >= cfg.Reconnect.HealthyReset {
			backoff.Reset()
		}

		// Sequence tracking restarts from the next snapshot.
		r.channels.SendRaw(r.ctx, models.RawMessage{
			Venue:    models.VenueKalshi,
			Kind:     models.RawReset,
			Received: time.Now(),
		})

		if !r.waitRetry(backoff, "connection lost") {
			return
		}
	}
}

// waitRetry sleeps out the backoff delay. It returns false when the retry
// budget is exhausted or the context ended.
func (r *Reader) waitRetry(backoff *reader.Backoff, reason string) bool {
	delay, ok := backoff.Next()
	if !ok {
		r.log.WithComponent("kalshi_reader").Error("reconnect budget exhausted, giving up")
		r.reportHealth(models.ConnectionHealth{
			State:               models.HealthDisconnected,
			Reason:              reason,
			ConsecutiveFailures: backoff.Attempt(),
		})
		return false
	}
	r.reportHealth(models.ConnectionHealth{
		State:               models.HealthReconnecting,
		Reason:              reason,
		Attempt:             backoff.Attempt(),
		NextRetryAt:         time.Now().Add(delay),
		ConsecutiveFailures: backoff.Attempt(),
	})
	select {
	case <-time.After(delay):
		return true
	case <-r.ctx.Done():
		return false
	}
}

// errAuth marks signing failures and rejected handshakes. Retried with
// backoff like any transport error, but surfaced as degraded health since
// retrying unchanged credentials rarely helps.
var errAuth = errors.New("authentication failed")

func (r *Reader) dial(cfg appconfig.KalshiConfig) (*websocket.Conn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid kalshi url: %w", err)
	}
	headers, err := r.signer.SignHeaders("GET", u.Path, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errAuth, err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.Dial(cfg.URL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with status %d", errAuth, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// session runs one established connection until it fails.
func (r *Reader) session(conn *websocket.Conn, cfg appconfig.KalshiConfig) {
	log := r.log.WithComponent("kalshi_reader").WithFields(logger.Fields{"worker": "session"})
	done := make(chan struct{})
	var writeMu sync.Mutex

	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
		return conn.WriteJSON(v)
	}

	// Subscriptions held before the reconnect are re-established first so
	// downstream gaps stay as short as possible.
	r.resetSids()
	for _, market := range r.subs.Markets() {
		r.sendSubscribe(writeJSON, market, r.subs.ChannelsFor(market), log)
	}

	pingTicker := time.NewTicker(cfg.HeartbeatInterval)
	go func() {
		defer pingTicker.Stop()
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-r.ctx.Done():
				return
			case cmd := <-r.commands:
				r.handleCommand(writeJSON, cmd, log)
			case req := <-r.channels.Resync(models.VenueKalshi):
				logger.IncrementResync(string(models.VenueKalshi))
				log.WithFields(logger.Fields{"market": req.Market, "reason": req.Reason}).Warn("resyncing market")
				r.resubscribeMarket(writeJSON, req.Market, log)
			}
		}
	}()

	staleAfter := 2 * cfg.HeartbeatInterval
	conn.SetReadDeadline(time.Now().Add(staleAfter))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(staleAfter))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			close(done)
			conn.Close()
			log.WithError(err).Warn("websocket read error, reconnecting")
			return
		}
		conn.SetReadDeadline(time.Now().Add(staleAfter))
		r.processMessage(msg)
	}
}

func (r *Reader) handleCommand(writeJSON func(interface{}) error, cmd reader.Command, log *logger.Entry) {
	switch cmd.Op {
	case reader.CmdSubscribe:
		r.sendSubscribe(writeJSON, cmd.Market, []models.Channel{cmd.Channel}, log)
	case reader.CmdUnsubscribe:
		key := models.SubscriptionKey{Venue: models.VenueKalshi, Market: cmd.Market, Channel: cmd.Channel}
		if sid, ok := r.takeSid(key); ok {
			c := command{
				ID:     atomic.AddInt64(&r.cmdID, 1),
				Cmd:    "unsubscribe",
				Params: commandParams{Sids: []int64{sid}},
			}
			if err := writeJSON(c); err != nil {
				log.WithError(err).Warn("failed to send unsubscribe")
			}
		}
		if !r.subs.HasMarket(cmd.Market) {
			r.channels.SendRaw(r.ctx, models.RawMessage{
				Venue:    models.VenueKalshi,
				Kind:     models.RawDrop,
				Market:   cmd.Market,
				Received: time.Now(),
			})
		}
	}
}

func (r *Reader) sendSubscribe(writeJSON func(interface{}) error, market string, chans []models.Channel, log *logger.Entry) {
	for _, ch := range chans {
		id := atomic.AddInt64(&r.cmdID, 1)
		key := models.SubscriptionKey{Venue: models.VenueKalshi, Market: market, Channel: ch}
		r.trackPending(id, key)
		c := command{
			ID:  id,
			Cmd: "subscribe",
			Params: commandParams{
				Channels:      []string{wireChannel(ch)},
				MarketTickers: []string{market},
			},
		}
		if err := writeJSON(c); err != nil {
			log.WithError(err).WithFields(logger.Fields{"market": market}).Warn("failed to send subscribe")
			return
		}
	}
}

// resubscribeMarket drops and re-adds the orderbook subscription so the
// venue replays a fresh snapshot.
func (r *Reader) resubscribeMarket(writeJSON func(interface{}) error, market string, log *logger.Entry) {
	key := models.SubscriptionKey{Venue: models.VenueKalshi, Market: market, Channel: models.ChannelOrderbook}
	if sid, ok := r.takeSid(key); ok {
		c := command{
			ID:     atomic.AddInt64(&r.cmdID, 1),
			Cmd:    "unsubscribe",
			Params: commandParams{Sids: []int64{sid}},
		}
		if err := writeJSON(c); err != nil {
			log.WithError(err).Warn("failed to send unsubscribe for resync")
		}
	}
	r.sendSubscribe(writeJSON, market, []models.Channel{models.ChannelOrderbook}, log)
}

// processMessage routes one server frame: acks update sid tracking, data
// frames go to the normalizer untouched.
func (r *Reader) processMessage(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.log.WithComponent("kalshi_reader").WithError(err).Debug("failed to decode frame")
		return
	}

	switch {
	case env.Type == "subscribed":
		var sub subscribedMsg
		if err := json.Unmarshal(env.Msg, &sub); err == nil {
			r.resolvePending(env.ID, sub.Sid)
		}
	case env.Type == "unsubscribed":
		// nothing to track, sid was already released
	case env.Type == "error":
		var e errorMsg
		json.Unmarshal(env.Msg, &e)
		r.log.WithComponent("kalshi_reader").WithFields(logger.Fields{
			"code": e.Code, "id": env.ID,
		}).Warn("venue rejected command: " + e.Msg)
	case isDataFrame(env.Type):
		raw := models.RawMessage{
			Venue:    models.VenueKalshi,
			Data:     msg,
			Received: time.Now(),
		}
		if r.channels.SendRaw(r.ctx, raw) {
			logger.IncrementFeedRead(string(models.VenueKalshi), len(msg))
		}
	default:
		r.log.WithComponent("kalshi_reader").WithFields(logger.Fields{"type": env.Type}).Debug("ignoring frame")
	}
}

func (r *Reader) trackPending(id int64, key models.SubscriptionKey) {
	r.sidMu.Lock()
	r.pending[id] = key
	r.sidMu.Unlock()
}

func (r *Reader) resolvePending(id, sid int64) {
	r.sidMu.Lock()
	if key, ok := r.pending[id]; ok {
		delete(r.pending, id)
		r.sids[key] = sid
	}
	r.sidMu.Unlock()
}

func (r *Reader) takeSid(key models.SubscriptionKey) (int64, bool) {
	r.sidMu.Lock()
	defer r.sidMu.Unlock()
	sid, ok := r.sids[key]
	if ok {
		delete(r.sids, key)
	}
	return sid, ok
}

func (r *Reader) resetSids() {
	r.sidMu.Lock()
	r.pending = make(map[int64]models.SubscriptionKey)
	r.sids = make(map[models.SubscriptionKey]int64)
	r.sidMu.Unlock()
}

func (r *Reader) reportHealth(h models.ConnectionHealth) {
	h.Venue = models.VenueKalshi
	if r.health != nil {
		r.health.ReportHealth(h)
	}
}
