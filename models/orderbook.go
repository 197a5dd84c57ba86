package models

import (
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// Side marks which half of the book a level belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// ChangeKind controls how a LevelChange is applied to the resting size.
type ChangeKind int

const (
	// ChangeSet replaces the level size with the given value.
	ChangeSet ChangeKind = iota
	// ChangeAdd adjusts the level size by a signed delta.
	ChangeAdd
)

// Level is a single price level. Size is the total resting quantity.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// LevelChange is one normalized mutation to an order book side.
type LevelChange struct {
	Side  Side            `json:"side"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Kind  ChangeKind      `json:"-"`
}

const sideTreeDegree = 16

type bookSide struct {
	tree *btree.BTreeG[Level]
}

func newBookSide(less btree.LessFunc[Level]) *bookSide {
	return &bookSide{tree: btree.NewG(sideTreeDegree, less)}
}

// set stores an absolute size, removing the level when size is not positive.
func (s *bookSide) set(price, size decimal.Decimal) {
	if size.Sign() <= 0 {
		s.tree.Delete(Level{Price: price})
		return
	}
	s.tree.ReplaceOrInsert(Level{Price: price, Size: size})
}

// add applies a signed size delta, removing the level when it empties.
func (s *bookSide) add(price, delta decimal.Decimal) {
	size := delta
	if cur, ok := s.tree.Get(Level{Price: price}); ok {
		size = cur.Size.Add(delta)
	}
	s.set(price, size)
}

// levels returns up to depth levels in priority order. depth <= 0 means all.
func (s *bookSide) levels(depth int) []Level {
	out := make([]Level, 0, s.tree.Len())
	s.tree.Ascend(func(l Level) bool {
		out = append(out, l)
		return depth <= 0 || len(out) < depth
	})
	return out
}

// OrderBook is the canonical two-sided book for one market. It is not safe
// for concurrent use; mutation is confined to the aggregator's owner
// goroutine.
type OrderBook struct {
	Venue     Venue
	Market    string
	Sequence  uint64
	UpdatedAt time.Time

	bids *bookSide
	asks *bookSide
}

// NewOrderBook returns an empty book. Bids iterate best (highest) first,
// asks best (lowest) first.
func NewOrderBook(venue Venue, market string) *OrderBook {
	return &OrderBook{
		Venue:  venue,
		Market: market,
		bids:   newBookSide(func(a, b Level) bool { return a.Price.GreaterThan(b.Price) }),
		asks:   newBookSide(func(a, b Level) bool { return a.Price.LessThan(b.Price) }),
	}
}

// ApplySnapshot replaces the full book state.
func (b *OrderBook) ApplySnapshot(bids, asks []Level, seq uint64, ts time.Time) {
	b.bids.tree.Clear(false)
	b.asks.tree.Clear(false)
	for _, l := range bids {
		b.bids.set(l.Price, l.Size)
	}
	for _, l := range asks {
		b.asks.set(l.Price, l.Size)
	}
	b.Sequence = seq
	b.UpdatedAt = ts
}

// ApplyChanges applies a normalized delta batch in order.
func (b *OrderBook) ApplyChanges(changes []LevelChange, seq uint64, ts time.Time) {
	for _, c := range changes {
		side := b.bids
		if c.Side == SideAsk {
			side = b.asks
		}
		switch c.Kind {
		case ChangeAdd:
			side.add(c.Price, c.Size)
		default:
			side.set(c.Price, c.Size)
		}
	}
	b.Sequence = seq
	b.UpdatedAt = ts
}

// BestBid returns the highest bid, if any.
func (b *OrderBook) BestBid() (Level, bool) {
	var best Level
	found := false
	b.bids.tree.Ascend(func(l Level) bool {
		best, found = l, true
		return false
	})
	return best, found
}

// BestAsk returns the lowest ask, if any.
func (b *OrderBook) BestAsk() (Level, bool) {
	var best Level
	found := false
	b.asks.tree.Ascend(func(l Level) bool {
		best, found = l, true
		return false
	})
	return best, found
}

// Snapshot copies the book into a wire-ready value. depth <= 0 copies every
// level. The copy shares no state with the live book.
func (b *OrderBook) Snapshot(depth int) BookSnapshot {
	return BookSnapshot{
		Venue:     b.Venue,
		Market:    b.Market,
		Sequence:  b.Sequence,
		Bids:      b.bids.levels(depth),
		Asks:      b.asks.levels(depth),
		UpdatedAt: b.UpdatedAt,
	}
}

// BookSnapshot is an immutable copy of an OrderBook, safe to hand out
// across goroutines.
type BookSnapshot struct {
	Venue     Venue     `json:"venue"`
	Market    string    `json:"market"`
	Sequence  uint64    `json:"sequence"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	UpdatedAt time.Time `json:"updated_at"`
}
