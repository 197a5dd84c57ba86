package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func lvl(price, size string) Level {
	return Level{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func TestOrderBookSnapshotOrdering(t *testing.T) {
	b := NewOrderBook(VenueKalshi, "PRES-2028")
	b.ApplySnapshot(
		[]Level{lvl("0.40", "100"), lvl("0.55", "25"), lvl("0.52", "10")},
		[]Level{lvl("0.61", "40"), lvl("0.58", "5"), lvl("0.70", "300")},
		100, time.Now(),
	)

	snap := b.Snapshot(0)
	if len(snap.Bids) != 3 || len(snap.Asks) != 3 {
		t.Fatalf("expected 3x3 levels, got %d bids %d asks", len(snap.Bids), len(snap.Asks))
	}
	if !snap.Bids[0].Price.Equal(decimal.RequireFromString("0.55")) {
		t.Errorf("best bid should sort first, got %s", snap.Bids[0].Price)
	}
	if !snap.Asks[0].Price.Equal(decimal.RequireFromString("0.58")) {
		t.Errorf("best ask should sort first, got %s", snap.Asks[0].Price)
	}
	if snap.Sequence != 100 {
		t.Errorf("sequence = %d, want 100", snap.Sequence)
	}
}

func TestOrderBookSnapshotDepth(t *testing.T) {
	b := NewOrderBook(VenuePolymarket, "0xabc")
	b.ApplySnapshot(
		[]Level{lvl("0.10", "1"), lvl("0.20", "1"), lvl("0.30", "1"), lvl("0.40", "1")},
		nil, 1, time.Now(),
	)
	snap := b.Snapshot(2)
	if len(snap.Bids) != 2 {
		t.Fatalf("depth 2 returned %d bids", len(snap.Bids))
	}
	if !snap.Bids[0].Price.Equal(decimal.RequireFromString("0.40")) {
		t.Errorf("truncated bids should keep best levels, got %s", snap.Bids[0].Price)
	}
}

func TestOrderBookSetRemovesEmptyLevels(t *testing.T) {
	b := NewOrderBook(VenueKalshi, "FED-DEC")
	b.ApplySnapshot([]Level{lvl("0.45", "50")}, nil, 10, time.Now())

	b.ApplyChanges([]LevelChange{
		{Side: SideBid, Price: decimal.RequireFromString("0.45"), Size: decimal.Zero, Kind: ChangeSet},
	}, 11, time.Now())

	if snap := b.Snapshot(0); len(snap.Bids) != 0 {
		t.Fatalf("zero-size set must remove the level, %d bids remain", len(snap.Bids))
	}
	if b.Sequence != 11 {
		t.Errorf("sequence = %d, want 11", b.Sequence)
	}
}

func TestOrderBookAddDeltaAccumulatesAndDrains(t *testing.T) {
	b := NewOrderBook(VenueKalshi, "FED-DEC")
	p := decimal.RequireFromString("0.30")
	b.ApplyChanges([]LevelChange{
		{Side: SideAsk, Price: p, Size: decimal.RequireFromString("40"), Kind: ChangeAdd},
	}, 1, time.Now())
	b.ApplyChanges([]LevelChange{
		{Side: SideAsk, Price: p, Size: decimal.RequireFromString("10"), Kind: ChangeAdd},
	}, 2, time.Now())

	best, ok := b.BestAsk()
	if !ok || !best.Size.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("delta should accumulate to 50, got %v %v", best.Size, ok)
	}

	b.ApplyChanges([]LevelChange{
		{Side: SideAsk, Price: p, Size: decimal.RequireFromString("-50"), Kind: ChangeAdd},
	}, 3, time.Now())
	if _, ok := b.BestAsk(); ok {
		t.Fatal("fully drained level must disappear")
	}
}

func TestOrderBookSnapshotIsACopy(t *testing.T) {
	b := NewOrderBook(VenueKalshi, "PRES-2028")
	b.ApplySnapshot([]Level{lvl("0.50", "10")}, nil, 5, time.Now())

	snap := b.Snapshot(0)
	b.ApplyChanges([]LevelChange{
		{Side: SideBid, Price: decimal.RequireFromString("0.50"), Size: decimal.RequireFromString("99"), Kind: ChangeSet},
	}, 6, time.Now())

	if !snap.Bids[0].Size.Equal(decimal.RequireFromString("10")) {
		t.Errorf("snapshot mutated by later writes: %s", snap.Bids[0].Size)
	}
}

func TestSubscriptionKeyRoundTrip(t *testing.T) {
	k := SubscriptionKey{Venue: VenuePolymarket, Market: "0xdeadbeef", Channel: ChannelTrades}
	got, err := ParseSubscriptionKey(k.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != k {
		t.Errorf("round trip: got %+v want %+v", got, k)
	}

	if _, err := ParseSubscriptionKey("kalshi:orderbook"); err == nil {
		t.Error("two-part key should fail to parse")
	}
	if _, err := ParseSubscriptionKey("::"); err == nil {
		t.Error("empty fields should fail to parse")
	}
}
