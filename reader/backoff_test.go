package reader

import (
	"testing"
	"time"

	"predictflow/config"
	"predictflow/models"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(config.ReconnectConfig{
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		MaxAttempts: 5,
	})

	nominal := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, want := range nominal {
		d, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: budget exhausted early", i+1)
		}
		lo := time.Duration(float64(want) * 0.75)
		hi := time.Duration(float64(want) * 1.25)
		if d < lo || d > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", i+1, d, lo, hi)
		}
	}

	if _, ok := b.Next(); ok {
		t.Error("sixth attempt should exceed the budget")
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(config.ReconnectConfig{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 2,
	})
	b.Next()
	b.Next()
	if _, ok := b.Next(); ok {
		t.Fatal("budget should be exhausted")
	}

	b.Reset()
	if b.Attempt() != 0 {
		t.Errorf("attempt after reset = %d", b.Attempt())
	}
	if _, ok := b.Next(); !ok {
		t.Error("reset should restore the attempt budget")
	}
}

func TestSubscriptionSet(t *testing.T) {
	s := NewSubscriptionSet()
	book := models.SubscriptionKey{Venue: models.VenueKalshi, Market: "PRES-2028", Channel: models.ChannelOrderbook}
	trades := models.SubscriptionKey{Venue: models.VenueKalshi, Market: "PRES-2028", Channel: models.ChannelTrades}

	if !s.Add(book) {
		t.Fatal("first add should report new")
	}
	if s.Add(book) {
		t.Fatal("second add should report existing")
	}
	s.Add(trades)

	if got := s.Markets(); len(got) != 1 || got[0] != "PRES-2028" {
		t.Errorf("markets = %v", got)
	}
	if got := s.ChannelsFor("PRES-2028"); len(got) != 2 {
		t.Errorf("channels = %v", got)
	}

	if !s.Remove(book) {
		t.Fatal("remove of held key should succeed")
	}
	if s.Remove(book) {
		t.Fatal("remove of absent key should fail")
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
}
