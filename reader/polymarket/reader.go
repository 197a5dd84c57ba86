package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	appconfig "predictflow/config"
	"predictflow/internal/channel"
	"predictflow/logger"
	"predictflow/models"
	"predictflow/reader"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

// pingPayload is the text keepalive the venue expects; it answers with a
// literal "PONG".
var (
	pingPayload = []byte("PING")
	pongPayload = []byte("PONG")
)

// subscribeRequest is the only client frame the market channel accepts.
// There is no unsubscribe; interest is dropped locally and frames for
// unheld assets are filtered before they reach the pipeline.
type subscribeRequest struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// Reader maintains the Polymarket market-channel websocket. The connection
// is established lazily on the first subscription and then kept open; the
// venue has no unsubscribe, so dropped interest only stops local
// forwarding.
type Reader struct {
	config   *appconfig.Config
	channels *channel.Channels
	health   reader.HealthReporter
	subs     *reader.SubscriptionSet
	commands chan reader.Command
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewReader(cfg *appconfig.Config, ch *channel.Channels, health reader.HealthReporter) *Reader {
	return &Reader{
		config:   cfg,
		channels: ch,
		health:   health,
		subs:     reader.NewSubscriptionSet(),
		commands: make(chan reader.Command, 64),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("polymarket reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Venues.Polymarket
	log := r.log.WithComponent("polymarket_reader")
	if !cfg.Enabled {
		log.Warn("polymarket venue is disabled")
		return fmt.Errorf("polymarket venue is disabled")
	}

	log.WithFields(logger.Fields{"url": cfg.URL}).Info("starting polymarket reader")
	r.wg.Add(1)
	go r.stream()
	return nil
}

func (r *Reader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.WithComponent("polymarket_reader").Info("stopping polymarket reader")
	r.wg.Wait()
	r.log.WithComponent("polymarket_reader").Info("polymarket reader stopped")
}

func (r *Reader) Subscribe(market string, ch models.Channel) error {
	key := models.SubscriptionKey{Venue: models.VenuePolymarket, Market: market, Channel: ch}
	if !r.subs.Add(key) {
		return nil
	}
	return r.enqueue(reader.Command{Op: reader.CmdSubscribe, Market: market, Channel: ch})
}

// Unsubscribe only drops local interest. The venue has no unsubscribe
// operation on the market channel; frames for the asset keep arriving and
// the read loop filters them out.
func (r *Reader) Unsubscribe(market string, ch models.Channel) error {
	key := models.SubscriptionKey{Venue: models.VenuePolymarket, Market: market, Channel: ch}
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
		return fmt.Errorf("polymarket command queue full")
	}
}

func (r *Reader) stream() {
	defer r.wg.Done()
	cfg := r.config.Venues.Polymarket
	log := r.log.WithComponent("polymarket_reader").WithFields(logger.Fields{"worker": "stream"})
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

		// Lazy connect: no point holding a socket with nothing
		// subscribed.
		if r.subs.Len() == 0 {
			select {
			case <-r.commands:
				continue
			case <-r.ctx.Done():
				return
			}
		}

		r.reportHealth(models.ConnectionHealth{
			State:               models.HealthConnecting,
			ConsecutiveFailures: backoff.Attempt(),
		})

		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.Dial(cfg.URL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket")
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

		if time.Since(connectedAt) >= cfg.Reconnect.HealthyReset {
			backoff.Reset()
		}

		r.channels.SendRaw(r.ctx, models.RawMessage{
			Venue:    models.VenuePolymarket,
			Kind:     models.RawReset,
			Received: time.Now(),
		})

		if !r.waitRetry(backoff, "connection lost") {
			return
		}
	}
}

func (r *Reader) waitRetry(backoff *reader.Backoff, reason string) bool {
	delay, ok := backoff.Next()
	if !ok {
		r.log.WithComponent("polymarket_reader").Error("reconnect budget exhausted, giving up")
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

func (r *Reader) session(conn *websocket.Conn, cfg appconfig.PolymarketConfig) {
	log := r.log.WithComponent("polymarket_reader").WithFields(logger.Fields{"worker": "session"})
	done := make(chan struct{})
	var writeMu sync.Mutex

	writeText := func(payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
		return conn.WriteMessage(websocket.TextMessage, payload)
	}
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
		return conn.WriteJSON(v)
	}

	if assets := r.subs.Markets(); len(assets) > 0 {
		if err := writeJSON(subscribeRequest{AssetsIDs: assets, Type: "market"}); err != nil {
			log.WithError(err).Warn("failed to send subscribe")
			conn.Close()
			return
		}
	}

	pingTicker := time.NewTicker(cfg.HeartbeatInterval)
	go func() {
		defer pingTicker.Stop()
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				writeText(pingPayload)
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
				switch cmd.Op {
				case reader.CmdSubscribe:
					// Subscribing again to a held asset just replays its
					// book snapshot.
					if err := writeJSON(subscribeRequest{AssetsIDs: []string{cmd.Market}, Type: "market"}); err != nil {
						log.WithError(err).WithFields(logger.Fields{"asset": cmd.Market}).Warn("failed to send subscribe")
					}
				case reader.CmdUnsubscribe:
					log.WithFields(logger.Fields{"asset": cmd.Market}).Debug("dropped local interest")
					if !r.subs.HasMarket(cmd.Market) {
						r.channels.SendRaw(r.ctx, models.RawMessage{
							Venue:    models.VenuePolymarket,
							Kind:     models.RawDrop,
							Market:   cmd.Market,
							Received: time.Now(),
						})
					}
				}
			case req := <-r.channels.Resync(models.VenuePolymarket):
				logger.IncrementResync(string(models.VenuePolymarket))
				log.WithFields(logger.Fields{"asset": req.Market, "reason": req.Reason}).Warn("resyncing asset")
				if err := writeJSON(subscribeRequest{AssetsIDs: []string{req.Market}, Type: "market"}); err != nil {
					log.WithError(err).Warn("failed to send resync subscribe")
				}
			}
		}
	}()

	staleAfter := 2 * cfg.HeartbeatInterval
	conn.SetReadDeadline(time.Now().Add(staleAfter))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			close(done)
			conn.Close()
			log.WithError(err).Warn("websocket read error, reconnecting")
			return
		}
		conn.SetReadDeadline(time.Now().Add(staleAfter))
		if bytes.Equal(msg, pongPayload) {
			continue
		}
		if !r.interested(msg) {
			continue
		}
		raw := models.RawMessage{
			Venue:    models.VenuePolymarket,
			Data:     msg,
			Received: time.Now(),
		}
		if r.channels.SendRaw(r.ctx, raw) {
			logger.IncrementFeedRead(string(models.VenuePolymarket), len(msg))
		}
	}
}

// assetFrame carries just the asset id, for interest filtering.
type assetFrame struct {
	AssetID string `json:"asset_id"`
}

// interested reports whether a frame concerns at least one held asset. The
// venue keeps streaming frames for assets after local unsubscribe, so they
// are dropped here before reaching the pipeline. Frames the filter cannot
// parse pass through for the normalizer to judge.
func (r *Reader) interested(msg []byte) bool {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] == '[' {
		var frames []assetFrame
		if err := json.Unmarshal(trimmed, &frames); err != nil {
			return true
		}
		for _, f := range frames {
			if f.AssetID == "" || r.subs.HasMarket(f.AssetID) {
				return true
			}
		}
		return false
	}
	var f assetFrame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return true
	}
	return f.AssetID == "" || r.subs.HasMarket(f.AssetID)
}

func (r *Reader) reportHealth(h models.ConnectionHealth) {
	h.Venue = models.VenuePolymarket
	if r.health != nil {
		r.health.ReportHealth(h)
	}
}
