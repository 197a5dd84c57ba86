package reader

import (
	"sync"

	"predictflow/models"
)

// CommandOp is the kind of upstream command queued to a venue reader.
type CommandOp int

const (
	CmdSubscribe CommandOp = iota
	CmdUnsubscribe
)

// Command asks a venue reader to change its upstream subscriptions. The
// fan-out layer sends one on the 0->1 and 1->0 interest transitions.
// Resync requests reach readers separately, on the channel layer's resync
// queue.
type Command struct {
	Op      CommandOp
	Market  string
	Channel models.Channel
}

// HealthReporter receives connection state transitions from a reader's
// supervising goroutine.
type HealthReporter interface {
	ReportHealth(models.ConnectionHealth)
}

// SubscriptionSet tracks the markets and channels a reader should hold
// upstream. It survives reconnects so sessions can resubscribe.
type SubscriptionSet struct {
	mu   sync.RWMutex
	keys map[models.SubscriptionKey]struct{}
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{keys: make(map[models.SubscriptionKey]struct{})}
}

// Add records interest and reports whether the key was new.
func (s *SubscriptionSet) Add(key models.SubscriptionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// Remove drops interest and reports whether the key was present.
func (s *SubscriptionSet) Remove(key models.SubscriptionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; !ok {
		return false
	}
	delete(s.keys, key)
	return true
}

// Keys returns a copy of the current set.
func (s *SubscriptionSet) Keys() []models.SubscriptionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SubscriptionKey, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out
}

// Markets returns the distinct markets in the set.
func (s *SubscriptionSet) Markets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.keys))
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		if _, ok := seen[k.Market]; !ok {
			seen[k.Market] = struct{}{}
			out = append(out, k.Market)
		}
	}
	return out
}

// HasMarket reports whether any channel is held for the market.
func (s *SubscriptionSet) HasMarket(market string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.keys {
		if k.Market == market {
			return true
		}
	}
	return false
}

// ChannelsFor returns the channels held for one market.
func (s *SubscriptionSet) ChannelsFor(market string) []models.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Channel
	for k := range s.keys {
		if k.Market == market {
			out = append(out, k.Channel)
		}
	}
	return out
}

// Len returns the number of held keys.
func (s *SubscriptionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
