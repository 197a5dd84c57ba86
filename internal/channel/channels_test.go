package channel

import (
	"context"
	"testing"
	"time"

	"predictflow/models"
)

func newTestChannels(rawBuffer int) *Channels {
	return NewChannels([]models.Venue{models.VenueKalshi}, rawBuffer, 8, 4)
}

func TestSendRawDelivers(t *testing.T) {
	c := newTestChannels(2)
	msg := models.RawMessage{Venue: models.VenueKalshi, Data: []byte(`{}`), Received: time.Now()}

	if !c.SendRaw(context.Background(), msg) {
		t.Fatal("send into empty queue failed")
	}
	got := <-c.Raw(models.VenueKalshi)
	if got.GapBefore {
		t.Error("no eviction happened, GapBefore should be false")
	}
	if s := c.GetStats(); s.RawSent != 1 {
		t.Errorf("RawSent = %d, want 1", s.RawSent)
	}
}

func TestSendRawEvictsOldestAndFlagsGap(t *testing.T) {
	c := newTestChannels(1)
	ctx := context.Background()

	first := models.RawMessage{Venue: models.VenueKalshi, Data: []byte(`first`)}
	second := models.RawMessage{Venue: models.VenueKalshi, Data: []byte(`second`)}

	if !c.SendRaw(ctx, first) {
		t.Fatal("first send failed")
	}
	if !c.SendRaw(ctx, second) {
		t.Fatal("send under backpressure should evict, not fail")
	}

	got := <-c.Raw(models.VenueKalshi)
	if string(got.Data) != "second" {
		t.Fatalf("newest frame should survive eviction, got %q", got.Data)
	}
	if !got.GapBefore {
		t.Error("evicting frame must carry the gap flag")
	}
	if s := c.GetStats(); s.RawEvicted != 1 {
		t.Errorf("RawEvicted = %d, want 1", s.RawEvicted)
	}
}

func TestSendRawUnknownVenue(t *testing.T) {
	c := newTestChannels(1)
	if c.SendRaw(context.Background(), models.RawMessage{Venue: models.VenuePolymarket}) {
		t.Fatal("send to venue without a queue should fail")
	}
}

func TestSendEventDropsWhenFull(t *testing.T) {
	c := NewChannels([]models.Venue{models.VenueKalshi}, 1, 1, 1)
	ctx := context.Background()

	ev := models.Event{Type: models.EventDelta, Venue: models.VenueKalshi, Market: "M"}
	if !c.SendEvent(ctx, ev) {
		t.Fatal("first event should enqueue")
	}
	if c.SendEvent(ctx, ev) {
		t.Fatal("second event should drop, queue is full")
	}
	if s := c.GetStats(); s.EventsLost != 1 {
		t.Errorf("EventsLost = %d, want 1", s.EventsLost)
	}
}

func TestSendResync(t *testing.T) {
	c := newTestChannels(1)
	req := models.ResyncRequest{Venue: models.VenueKalshi, Market: "M", Reason: "gap"}
	if !c.SendResync(context.Background(), req) {
		t.Fatal("resync send failed")
	}
	got := <-c.Resync(models.VenueKalshi)
	if got.Market != "M" || got.Reason != "gap" {
		t.Errorf("unexpected resync request: %+v", got)
	}
}
