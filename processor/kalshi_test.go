package processor

import (
	"context"
	"fmt"
	"testing"
	"time"

	appconfig "predictflow/config"
	"predictflow/internal/channel"
	"predictflow/models"

	"github.com/shopspring/decimal"
)

func newKalshiTestNormalizer(t *testing.T) (*KalshiNormalizer, *channel.Channels) {
	t.Helper()
	ch := channel.NewChannels([]models.Venue{models.VenueKalshi}, 64, 64, 16)
	n := NewKalshiNormalizer(&appconfig.Config{}, ch)
	n.ctx = context.Background()
	return n, ch
}

func rawKalshi(data string) models.RawMessage {
	return models.RawMessage{Venue: models.VenueKalshi, Data: []byte(data), Received: time.Now()}
}

func drainEvents(ch *channel.Channels) []models.Event {
	var out []models.Event
	for {
		select {
		case ev := <-ch.Events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func drainResyncs(ch *channel.Channels, v models.Venue) []models.ResyncRequest {
	var out []models.ResyncRequest
	for {
		select {
		case req := <-ch.Resync(v):
			out = append(out, req)
		default:
			return out
		}
	}
}

const kalshiSnapshot100 = `{"type":"orderbook_snapshot","sid":1,"seq":100,"msg":{"market_ticker":"PRES-2028","yes":[[55,100],[54,40]],"no":[[40,70]]}}`

func TestKalshiSnapshotNormalization(t *testing.T) {
	n, ch := newKalshiTestNormalizer(t)
	n.handleRaw(rawKalshi(kalshiSnapshot100))

	events := drainEvents(ch)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != models.EventSnapshot || ev.Sequence != 100 {
		t.Fatalf("event = %+v", ev)
	}
	if len(ev.Bids) != 2 || !ev.Bids[0].Price.Equal(decimal.RequireFromString("0.55")) {
		t.Errorf("bids = %v", ev.Bids)
	}
	// A resting no order at 40 cents is an ask on the yes book at 0.60.
	if len(ev.Asks) != 1 || !ev.Asks[0].Price.Equal(decimal.RequireFromString("0.60")) {
		t.Errorf("asks = %v", ev.Asks)
	}
}

func TestKalshiSequenceGapTriggersResync(t *testing.T) {
	n, ch := newKalshiTestNormalizer(t)
	n.handleRaw(rawKalshi(kalshiSnapshot100))
	drainEvents(ch)

	delta := func(seq int) string {
		return fmt.Sprintf(`{"type":"orderbook_delta","sid":1,"seq":%d,"msg":{"market_ticker":"PRES-2028","price":55,"delta":-10,"side":"yes"}}`, seq)
	}

	n.handleRaw(rawKalshi(delta(101)))
	if events := drainEvents(ch); len(events) != 1 || events[0].Sequence != 101 {
		t.Fatalf("in-order delta should pass: %+v", events)
	}

	// seq 102 never arrives
	n.handleRaw(rawKalshi(delta(103)))
	if events := drainEvents(ch); len(events) != 0 {
		t.Fatalf("gapped delta must be discarded, got %+v", events)
	}
	resyncs := drainResyncs(ch, models.VenueKalshi)
	if len(resyncs) != 1 || resyncs[0].Market != "PRES-2028" {
		t.Fatalf("resyncs = %+v", resyncs)
	}

	// Everything is dropped until the fresh snapshot arrives.
	n.handleRaw(rawKalshi(delta(104)))
	if events := drainEvents(ch); len(events) != 0 {
		t.Fatalf("post-gap delta must be discarded, got %+v", events)
	}

	snap150 := `{"type":"orderbook_snapshot","sid":1,"seq":150,"msg":{"market_ticker":"PRES-2028","yes":[[50,10]],"no":[]}}`
	n.handleRaw(rawKalshi(snap150))
	n.handleRaw(rawKalshi(delta(151)))
	events := drainEvents(ch)
	if len(events) != 2 {
		t.Fatalf("snapshot and next delta should flow, got %d", len(events))
	}
	if events[0].Type != models.EventSnapshot || events[0].Sequence != 150 {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Type != models.EventDelta || events[1].Sequence != 151 {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestKalshiResetDiscardsState(t *testing.T) {
	n, ch := newKalshiTestNormalizer(t)
	n.handleRaw(rawKalshi(kalshiSnapshot100))
	drainEvents(ch)

	n.handleRaw(models.RawMessage{Venue: models.VenueKalshi, Kind: models.RawReset, Received: time.Now()})

	delta101 := `{"type":"orderbook_delta","sid":1,"seq":101,"msg":{"market_ticker":"PRES-2028","price":55,"delta":5,"side":"yes"}}`
	n.handleRaw(rawKalshi(delta101))
	if events := drainEvents(ch); len(events) != 0 {
		t.Fatalf("deltas after reset must wait for a snapshot, got %+v", events)
	}
}

func TestKalshiDropDiscardsMarketState(t *testing.T) {
	n, ch := newKalshiTestNormalizer(t)
	n.handleRaw(rawKalshi(kalshiSnapshot100))
	drainEvents(ch)

	n.handleRaw(models.RawMessage{
		Venue: models.VenueKalshi, Kind: models.RawDrop, Market: "PRES-2028", Received: time.Now(),
	})

	delta101 := `{"type":"orderbook_delta","sid":1,"seq":101,"msg":{"market_ticker":"PRES-2028","price":55,"delta":5,"side":"yes"}}`
	n.handleRaw(rawKalshi(delta101))
	if events := drainEvents(ch); len(events) != 0 {
		t.Fatalf("deltas for a dropped market must wait for a snapshot, got %+v", events)
	}
	if n.tracker.Synced("PRES-2028") {
		t.Fatalf("dropped market still tracked")
	}
}

func TestKalshiGapFlagInvalidatesAllMarkets(t *testing.T) {
	n, ch := newKalshiTestNormalizer(t)
	n.handleRaw(rawKalshi(kalshiSnapshot100))
	drainEvents(ch)

	msg := rawKalshi(`{"type":"ticker","msg":{"market_ticker":"PRES-2028","price":55,"yes_bid":54,"yes_ask":56,"volume":10,"ts":1700000000}}`)
	msg.GapBefore = true
	n.handleRaw(msg)

	resyncs := drainResyncs(ch, models.VenueKalshi)
	if len(resyncs) != 1 || resyncs[0].Market != "PRES-2028" {
		t.Fatalf("backpressure gap should resync synced markets, got %+v", resyncs)
	}
}

func TestKalshiMalformedFramesAreDropped(t *testing.T) {
	n, ch := newKalshiTestNormalizer(t)

	n.handleRaw(rawKalshi(`{"type":"orderbook_snapshot","seq":1,"msg":{"yes":[[55,10]]}}`))       // no market
	n.handleRaw(rawKalshi(`{"type":"orderbook_snapshot","seq":2,"msg":{"market_ticker":"M","yes":[[155,10]]}}`)) // price out of range
	n.handleRaw(rawKalshi(`garbage`))

	if events := drainEvents(ch); len(events) != 0 {
		t.Fatalf("malformed frames must not produce events: %+v", events)
	}
}

func TestKalshiTradeNormalization(t *testing.T) {
	n, ch := newKalshiTestNormalizer(t)
	n.handleRaw(rawKalshi(`{"type":"trade","msg":{"market_ticker":"FED-DEC","trade_id":"t1","yes_price":62,"count":25,"taker_side":"no","ts":1700000000}}`))

	events := drainEvents(ch)
	if len(events) != 1 || events[0].Type != models.EventTrade {
		t.Fatalf("events = %+v", events)
	}
	tr := events[0].Trade
	if !tr.Price.Equal(decimal.RequireFromString("0.62")) || tr.Side != models.SideAsk {
		t.Errorf("trade = %+v", tr)
	}
}
