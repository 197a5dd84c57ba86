package channel

import (
	"context"
	"sync"
	"time"

	"predictflow/logger"
	"predictflow/models"
)

type ChannelStats struct {
	RawSent      int64
	RawEvicted   int64
	EventsSent   int64
	EventsLost   int64
	ResyncsSent  int64
	ResyncsLost  int64
	HealthEvents int64
}

// Channels owns the bounded queues between venue readers, normalizers and
// the aggregator. Raw and Resync are per venue; Events is shared.
type Channels struct {
	raw    map[models.Venue]chan models.RawMessage
	resync map[models.Venue]chan models.ResyncRequest
	Events chan models.Event

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(venues []models.Venue, rawBuffer, eventBuffer, resyncBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		raw:    make(map[models.Venue]chan models.RawMessage, len(venues)),
		resync: make(map[models.Venue]chan models.ResyncRequest, len(venues)),
		Events: make(chan models.Event, eventBuffer),
		log:    log,
	}
	for _, v := range venues {
		c.raw[v] = make(chan models.RawMessage, rawBuffer)
		c.resync[v] = make(chan models.ResyncRequest, resyncBuffer)
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"venues":        len(venues),
		"raw_buffer":    rawBuffer,
		"event_buffer":  eventBuffer,
		"resync_buffer": resyncBuffer,
	}).Info("pipeline channels initialized")

	return c
}

// Raw returns the raw frame queue for a venue.
func (c *Channels) Raw(v models.Venue) chan models.RawMessage {
	return c.raw[v]
}

// Resync returns the resync request queue for a venue.
func (c *Channels) Resync(v models.Venue) chan models.ResyncRequest {
	return c.resync[v]
}

// SendRaw enqueues a frame without ever blocking the reader. When the queue
// is full the oldest frame is evicted and the delivered frame is marked so
// the normalizer knows data was lost.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawMessage) bool {
	ch, ok := c.raw[msg.Venue]
	if !ok {
		return false
	}

	select {
	case ch <- msg:
		c.incr(func(s *ChannelStats) { s.RawSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
	}

	// Queue full. Evict the oldest frame so the newest keeps flowing and
	// flag the gap downstream.
	select {
	case <-ch:
		c.incr(func(s *ChannelStats) { s.RawEvicted++ })
		logger.IncrementFeedDrop(string(msg.Venue))
	default:
	}
	msg.GapBefore = true
	select {
	case ch <- msg:
		c.incr(func(s *ChannelStats) { s.RawSent++ })
		return true
	default:
		c.incr(func(s *ChannelStats) { s.RawEvicted++ })
		logger.IncrementFeedDrop(string(msg.Venue))
		return false
	}
}

// SendEvent forwards a canonical event to the aggregator. Events are never
// silently reordered; a full queue drops the event and counts the loss.
func (c *Channels) SendEvent(ctx context.Context, ev models.Event) bool {
	select {
	case c.Events <- ev:
		c.incr(func(s *ChannelStats) { s.EventsSent++ })
		if ev.Type == models.EventHealth {
			c.incr(func(s *ChannelStats) { s.HealthEvents++ })
		}
		return true
	case <-ctx.Done():
		return false
	default:
		c.incr(func(s *ChannelStats) { s.EventsLost++ })
		c.log.WithComponent("channels").WithFields(logger.Fields{
			"venue":  ev.Venue,
			"market": ev.Market,
			"type":   ev.Type,
		}).Warn("event queue full, event dropped")
		return false
	}
}

// SendResync asks a venue reader for a fresh snapshot. Duplicate requests
// are harmless so a full queue just drops.
func (c *Channels) SendResync(ctx context.Context, req models.ResyncRequest) bool {
	ch, ok := c.resync[req.Venue]
	if !ok {
		return false
	}
	select {
	case ch <- req:
		c.incr(func(s *ChannelStats) { s.ResyncsSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.incr(func(s *ChannelStats) { s.ResyncsLost++ })
		return false
	}
}

// StartMetricsReporting periodically logs queue depth and throughput.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()

	fields := logger.Fields{
		"raw_sent":        stats.RawSent,
		"raw_evicted":     stats.RawEvicted,
		"events_sent":     stats.EventsSent,
		"events_lost":     stats.EventsLost,
		"resyncs_sent":    stats.ResyncsSent,
		"event_queue_len": len(c.Events),
		"event_queue_cap": cap(c.Events),
	}
	for v, ch := range c.raw {
		fields[string(v)+"_raw_len"] = len(ch)
		fields[string(v)+"_raw_cap"] = cap(ch)
	}
	c.log.WithComponent("channels").WithFields(fields).Info("channel statistics")
}

func (c *Channels) Close() {
	for _, ch := range c.raw {
		close(ch)
	}
	for _, ch := range c.resync {
		close(ch)
	}
	close(c.Events)
	c.log.WithComponent("channels").Info("pipeline channels closed")
}

func (c *Channels) incr(f func(*ChannelStats)) {
	c.statsMutex.Lock()
	f(&c.stats)
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
