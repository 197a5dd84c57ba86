package processor

// DeltaVerdict is the outcome of checking a delta against a market's
// sequence state.
type DeltaVerdict int

const (
	// VerdictApply: the delta is the next expected update.
	VerdictApply DeltaVerdict = iota
	// VerdictStale: already seen, drop silently.
	VerdictStale
	// VerdictGap: updates were missed, the book is no longer trustworthy.
	VerdictGap
	// VerdictAwaiting: no snapshot has been seen yet, drop until one
	// arrives.
	VerdictAwaiting
)

type seqState struct {
	last   uint64
	synced bool
}

// SequenceTracker keeps per-market sequence state for one venue. It is not
// safe for concurrent use; each normalizer goroutine owns its own tracker.
type SequenceTracker struct {
	states map[string]*seqState
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{states: make(map[string]*seqState)}
}

func (t *SequenceTracker) state(market string) *seqState {
	s, ok := t.states[market]
	if !ok {
		s = &seqState{}
		t.states[market] = s
	}
	return s
}

// MarkSnapshot resets a market's state from a full snapshot. Any verdict
// history is discarded; deltas resume from seq.
func (t *SequenceTracker) MarkSnapshot(market string, seq uint64) {
	s := t.state(market)
	s.last = seq
	s.synced = true
}

// CheckDelta validates a delta's sequence number and advances the state
// when the delta should be applied.
func (t *SequenceTracker) CheckDelta(market string, seq uint64) DeltaVerdict {
	s := t.state(market)
	if !s.synced {
		return VerdictAwaiting
	}
	switch {
	case seq <= s.last:
		return VerdictStale
	case seq == s.last+1:
		s.last = seq
		return VerdictApply
	default:
		s.synced = false
		return VerdictGap
	}
}

// NextSynthetic mints the next sequence number for venues that do not
// provide one. The caller decides whether it labels a snapshot or a delta.
func (t *SequenceTracker) NextSynthetic(market string) uint64 {
	s := t.state(market)
	s.last++
	return s.last
}

// Synced reports whether a market has an authoritative snapshot.
func (t *SequenceTracker) Synced(market string) bool {
	s, ok := t.states[market]
	return ok && s.synced
}

// Drop discards one market's state entirely, as after an unsubscribe.
func (t *SequenceTracker) Drop(market string) {
	delete(t.states, market)
}

// Invalidate marks one market as needing a fresh snapshot.
func (t *SequenceTracker) Invalidate(market string) {
	if s, ok := t.states[market]; ok {
		s.synced = false
	}
}

// InvalidateAll desynchronizes every tracked market and returns the ones
// that were synced, so resyncs can be requested for them.
func (t *SequenceTracker) InvalidateAll() []string {
	var affected []string
	for market, s := range t.states {
		if s.synced {
			affected = append(affected, market)
			s.synced = false
		}
	}
	return affected
}

// Reset drops all state, as after a reconnect.
func (t *SequenceTracker) Reset() {
	t.states = make(map[string]*seqState)
}
