package kalshi

import (
	"context"
	"encoding/json"
	"testing"

	"predictflow/auth"
	appconfig "predictflow/config"
	"predictflow/internal/channel"
	"predictflow/models"
)

type captureHealth struct {
	reports []models.ConnectionHealth
}

func (c *captureHealth) ReportHealth(h models.ConnectionHealth) {
	c.reports = append(c.reports, h)
}

func newTestReader() (*Reader, *channel.Channels) {
	cfg := &appconfig.Config{}
	ch := channel.NewChannels([]models.Venue{models.VenueKalshi}, 16, 16, 4)
	r := NewReader(cfg, ch, auth.NopSigner{}, &captureHealth{})
	r.ctx = context.Background()
	return r, ch
}

func TestSubscribeEnqueuesOnlyNewKeys(t *testing.T) {
	r, _ := newTestReader()

	if err := r.Subscribe("PRES-2028", models.ChannelOrderbook); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Subscribe("PRES-2028", models.ChannelOrderbook); err != nil {
		t.Fatalf("duplicate subscribe: %v", err)
	}

	if got := len(r.commands); got != 1 {
		t.Errorf("duplicate subscribe should not enqueue again, queue len = %d", got)
	}
	if r.subs.Len() != 1 {
		t.Errorf("subscription set len = %d, want 1", r.subs.Len())
	}
}

func TestUnsubscribeUnknownKeyIsNoop(t *testing.T) {
	r, _ := newTestReader()
	if err := r.Unsubscribe("NEVER-SUBSCRIBED", models.ChannelTrades); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := len(r.commands); got != 0 {
		t.Errorf("unsubscribe of absent key enqueued %d commands", got)
	}
}

func TestLastUnsubscribeEmitsDropMarker(t *testing.T) {
	r, ch := newTestReader()
	writeJSON := func(interface{}) error { return nil }
	log := r.log.WithComponent("kalshi_reader")
	pump := func() {
		for len(r.commands) > 0 {
			r.handleCommand(writeJSON, <-r.commands, log)
		}
	}
	drops := func() []models.RawMessage {
		var out []models.RawMessage
		for done := false; !done; {
			select {
			case raw := <-ch.Raw(models.VenueKalshi):
				if raw.Kind == models.RawDrop {
					out = append(out, raw)
				}
			default:
				done = true
			}
		}
		return out
	}

	r.Subscribe("PRES-2028", models.ChannelOrderbook)
	r.Subscribe("PRES-2028", models.ChannelTrades)
	pump()

	r.Unsubscribe("PRES-2028", models.ChannelOrderbook)
	pump()
	if got := drops(); len(got) != 0 {
		t.Fatalf("market still held for trades, drops = %+v", got)
	}

	r.Unsubscribe("PRES-2028", models.ChannelTrades)
	pump()
	got := drops()
	if len(got) != 1 || got[0].Market != "PRES-2028" {
		t.Fatalf("drops = %+v, want one for PRES-2028", got)
	}
}

func TestProcessMessageForwardsDataFrames(t *testing.T) {
	r, ch := newTestReader()

	frame := []byte(`{"type":"orderbook_delta","sid":3,"seq":42,"msg":{"market_ticker":"PRES-2028","price":55,"delta":10,"side":"yes"}}`)
	r.processMessage(frame)

	select {
	case raw := <-ch.Raw(models.VenueKalshi):
		if raw.Venue != models.VenueKalshi {
			t.Errorf("venue = %s", raw.Venue)
		}
		if string(raw.Data) != string(frame) {
			t.Error("frame should be forwarded untouched")
		}
	default:
		t.Fatal("data frame was not forwarded")
	}
}

func TestProcessMessageIgnoresAcksAndErrors(t *testing.T) {
	r, ch := newTestReader()

	r.processMessage([]byte(`{"type":"error","id":9,"msg":{"code":6,"msg":"already subscribed"}}`))
	r.processMessage([]byte(`{"type":"unsubscribed","sid":3}`))
	r.processMessage([]byte(`not json`))

	select {
	case <-ch.Raw(models.VenueKalshi):
		t.Fatal("control frames must not reach the raw queue")
	default:
	}
}

func TestSubscribedAckResolvesSid(t *testing.T) {
	r, _ := newTestReader()
	key := models.SubscriptionKey{Venue: models.VenueKalshi, Market: "FED-DEC", Channel: models.ChannelOrderbook}

	r.trackPending(7, key)
	ack, _ := json.Marshal(map[string]interface{}{
		"type": "subscribed",
		"id":   7,
		"msg":  map[string]interface{}{"channel": "orderbook_delta", "sid": 101},
	})
	r.processMessage(ack)

	sid, ok := r.takeSid(key)
	if !ok || sid != 101 {
		t.Fatalf("sid = %d, %v; want 101, true", sid, ok)
	}
	if _, ok := r.takeSid(key); ok {
		t.Error("takeSid should release the sid")
	}
}

func TestWireChannelMapping(t *testing.T) {
	if wireChannel(models.ChannelOrderbook) != "orderbook_delta" {
		t.Error("orderbook should map to orderbook_delta")
	}
	if wireChannel(models.ChannelTrades) != "trade" {
		t.Error("trades should map to trade")
	}
	if canonicalChannel("ticker") != models.ChannelTicker {
		t.Error("ticker should round trip")
	}
}
