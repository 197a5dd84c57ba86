package writer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "predictflow/config"
	"predictflow/logger"
	"predictflow/models"
)

func testArchiver(maxBatch int) *Archiver {
	cfg := &appconfig.Config{}
	cfg.Archive.Prefix = "events"
	cfg.Archive.MaxBatch = maxBatch
	return &Archiver{
		config: cfg,
		log:    logger.GetLogger(),
		buffer: make(map[models.MarketKey][]ParquetRecord),
	}
}

func TestTradeEventProducesOneRow(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := rowsFromEvent(models.Event{
		Type:     models.EventTrade,
		Venue:    models.VenueKalshi,
		Market:   "PRES-2028",
		Sequence: 7,
		Trade: &models.Trade{
			Venue:    models.VenueKalshi,
			Market:   "PRES-2028",
			TradeID:  "t-1",
			Price:    decimal.New(55, -2),
			Size:     decimal.New(10, 0),
			Side:     models.SideBid,
			TradedAt: at,
		},
	})
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.Venue != "kalshi" || row.Market != "PRES-2028" || row.EventType != "trade" {
		t.Fatalf("unexpected row identity %+v", row)
	}
	if row.Price != 0.55 || row.Size != 10 || row.TradeID != "t-1" {
		t.Fatalf("unexpected row payload %+v", row)
	}
	if row.Timestamp != at.UnixMilli() {
		t.Fatalf("timestamp = %d, want %d", row.Timestamp, at.UnixMilli())
	}
}

func TestDeltaEventProducesRowPerChange(t *testing.T) {
	rows := rowsFromEvent(models.Event{
		Type:     models.EventDelta,
		Venue:    models.VenuePolymarket,
		Market:   "0xabc",
		Sequence: 12,
		Changes: []models.LevelChange{
			{Side: models.SideBid, Price: decimal.New(40, -2), Size: decimal.New(5, 0)},
			{Side: models.SideAsk, Price: decimal.New(60, -2), Size: decimal.New(3, 0)},
		},
		Received: time.Now(),
	})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Side != "bid" || rows[1].Side != "ask" {
		t.Fatalf("sides wrong: %s %s", rows[0].Side, rows[1].Side)
	}
	for _, row := range rows {
		if row.Sequence != 12 || row.EventType != "delta" {
			t.Fatalf("unexpected row %+v", row)
		}
	}
}

func TestSnapshotAndHealthEventsNotArchived(t *testing.T) {
	if rows := rowsFromEvent(models.Event{Type: models.EventSnapshot}); rows != nil {
		t.Fatalf("snapshot rows = %v, want none", rows)
	}
	if rows := rowsFromEvent(models.Event{Type: models.EventHealth}); rows != nil {
		t.Fatalf("health rows = %v, want none", rows)
	}
	if rows := rowsFromEvent(models.Event{Type: models.EventTrade}); rows != nil {
		t.Fatalf("trade without payload rows = %v, want none", rows)
	}
}

func TestObjectKeyPartitioning(t *testing.T) {
	a := testArchiver(1000)
	at := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	key := a.objectKey(models.MarketKey{Venue: models.VenueKalshi, Market: "PRES-2028"}, at)

	want := "events/venue=kalshi/market=PRES-2028/date=2025-06-01/kalshi_PRES-2028_20250601123045.parquet"
	if key != want {
		t.Fatalf("objectKey = %q, want %q", key, want)
	}
}

func TestEventsBufferPerMarket(t *testing.T) {
	a := testArchiver(1000)

	ev := models.Event{
		Type:   models.EventTrade,
		Venue:  models.VenueKalshi,
		Market: "PRES-2028",
		Trade:  &models.Trade{Price: decimal.New(50, -2), Size: decimal.New(1, 0), TradedAt: time.Now()},
	}
	a.addEvent(ev)
	a.addEvent(ev)
	other := ev
	other.Market = "SENATE-GA"
	a.addEvent(other)

	a.mu.Lock()
	defer a.mu.Unlock()
	if got := len(a.buffer[models.MarketKey{Venue: models.VenueKalshi, Market: "PRES-2028"}]); got != 2 {
		t.Fatalf("PRES-2028 buffer = %d rows, want 2", got)
	}
	if got := len(a.buffer[models.MarketKey{Venue: models.VenueKalshi, Market: "SENATE-GA"}]); got != 1 {
		t.Fatalf("SENATE-GA buffer = %d rows, want 1", got)
	}
}

func TestParquetRoundTripBuilds(t *testing.T) {
	rows := []ParquetRecord{
		{Venue: "kalshi", Market: "PRES-2028", EventType: "trade", Price: 0.55, Size: 10, Timestamp: 1},
		{Venue: "kalshi", Market: "PRES-2028", EventType: "delta", Side: "bid", Price: 0.54, Size: 3, Timestamp: 2},
	}
	data, err := buildParquetFile(rows)
	if err != nil {
		t.Fatalf("buildParquetFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet file")
	}
	// PAR1 magic at both ends
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("missing parquet magic bytes")
	}
}
