package processor

import (
	"context"
	"testing"
	"time"

	appconfig "predictflow/config"
	"predictflow/internal/channel"
	"predictflow/models"

	"github.com/shopspring/decimal"
)

func newPolyTestNormalizer(t *testing.T) (*PolymarketNormalizer, *channel.Channels) {
	t.Helper()
	ch := channel.NewChannels([]models.Venue{models.VenuePolymarket}, 64, 64, 16)
	n := NewPolymarketNormalizer(&appconfig.Config{}, ch)
	n.ctx = context.Background()
	return n, ch
}

func rawPoly(data string) models.RawMessage {
	return models.RawMessage{Venue: models.VenuePolymarket, Data: []byte(data), Received: time.Now()}
}

const polyBook = `{"event_type":"book","asset_id":"0xabc","bids":[{"price":"0.48","size":"100"}],"asks":[{"price":"0.52","size":"60"}],"timestamp":"1700000000000"}`

func TestPolymarketBookBecomesSnapshot(t *testing.T) {
	n, ch := newPolyTestNormalizer(t)
	n.handleRaw(rawPoly(polyBook))

	events := drainEvents(ch)
	if len(events) != 1 || events[0].Type != models.EventSnapshot {
		t.Fatalf("events = %+v", events)
	}
	ev := events[0]
	if ev.Sequence != 1 {
		t.Errorf("synthetic sequence = %d, want 1", ev.Sequence)
	}
	if len(ev.Bids) != 1 || !ev.Bids[0].Price.Equal(decimal.RequireFromString("0.48")) {
		t.Errorf("bids = %v", ev.Bids)
	}
}

func TestPolymarketPriceChangeSetsAbsoluteSize(t *testing.T) {
	n, ch := newPolyTestNormalizer(t)
	n.handleRaw(rawPoly(polyBook))
	drainEvents(ch)

	n.handleRaw(rawPoly(`{"event_type":"price_change","asset_id":"0xabc","changes":[{"price":"0.48","side":"BUY","size":"0"},{"price":"0.49","side":"BUY","size":"25"}],"timestamp":"1700000001000"}`))

	events := drainEvents(ch)
	if len(events) != 1 || events[0].Type != models.EventDelta {
		t.Fatalf("events = %+v", events)
	}
	ev := events[0]
	if ev.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", ev.Sequence)
	}
	if len(ev.Changes) != 2 || ev.Changes[0].Kind != models.ChangeSet {
		t.Fatalf("changes = %+v", ev.Changes)
	}
	if !ev.Changes[0].Size.IsZero() {
		t.Error("zero size change should survive normalization, it removes the level")
	}
}

func TestPolymarketPriceChangeBeforeBookResyncs(t *testing.T) {
	n, ch := newPolyTestNormalizer(t)

	n.handleRaw(rawPoly(`{"event_type":"price_change","asset_id":"0xnew","changes":[{"price":"0.40","side":"SELL","size":"10"}]}`))

	if events := drainEvents(ch); len(events) != 0 {
		t.Fatalf("change without book must be dropped: %+v", events)
	}
	resyncs := drainResyncs(ch, models.VenuePolymarket)
	if len(resyncs) != 1 || resyncs[0].Market != "0xnew" {
		t.Fatalf("resyncs = %+v", resyncs)
	}
}

func TestPolymarketArrayFrames(t *testing.T) {
	n, ch := newPolyTestNormalizer(t)
	n.handleRaw(rawPoly(`[` + polyBook + `,{"event_type":"last_trade_price","asset_id":"0xabc","price":"0.50","side":"SELL","size":"12","timestamp":"1700000002000"}]`))

	events := drainEvents(ch)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != models.EventSnapshot || events[1].Type != models.EventTrade {
		t.Errorf("types = %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].Trade.Side != models.SideAsk {
		t.Errorf("trade side = %s", events[1].Trade.Side)
	}
}

func TestPolymarketRejectsBadDecimals(t *testing.T) {
	n, ch := newPolyTestNormalizer(t)

	n.handleRaw(rawPoly(`{"event_type":"book","asset_id":"0xabc","bids":[{"price":"not-a-number","size":"1"}]}`))
	n.handleRaw(rawPoly(`{"event_type":"book","asset_id":"0xabc","bids":[{"price":"1.20","size":"1"}]}`))
	n.handleRaw(rawPoly(`{"event_type":"book","asset_id":"0xabc","bids":[{"price":"0.50","size":"-3"}]}`))

	if events := drainEvents(ch); len(events) != 0 {
		t.Fatalf("invalid decimals must not produce events: %+v", events)
	}
}

func TestPolymarketBestBidAsk(t *testing.T) {
	n, ch := newPolyTestNormalizer(t)
	n.handleRaw(rawPoly(`{"event_type":"best_bid_ask","asset_id":"0xabc","best_bid":"0.47","best_ask":"0.53","timestamp":"1700000000000"}`))

	events := drainEvents(ch)
	if len(events) != 1 || events[0].Type != models.EventTicker {
		t.Fatalf("events = %+v", events)
	}
	if !events[0].Ticker.BestBid.Equal(decimal.RequireFromString("0.47")) {
		t.Errorf("ticker = %+v", events[0].Ticker)
	}
}
