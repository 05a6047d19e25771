package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TopicLoad is one client's usage of one topic over a reporting window.
type TopicLoad struct {
	ClientID string
	From     time.Time
	To       time.Time
	Bytes    int64
	Queries  int64
}

// Rates returns the per-second byte and query rates over the load's window.
func (l TopicLoad) Rates() (bytesPerSecond, queriesPerSecond float64) {
	seconds := l.To.Sub(l.From).Seconds()
	if seconds <= 0 {
		return 0, 0
	}
	return float64(l.Bytes) / seconds, float64(l.Queries) / seconds
}

// ClientHistory keeps the most recent loads reported by each client for a single topic.
// Each client holds at most `slots` records; older ones are dropped first.
type ClientHistory struct {
	mu      sync.Mutex
	slots   int
	expiry  time.Duration
	clock   clockwork.Clock
	records map[string][]TopicLoad // clientId to history, oldest first
}

// NewClientHistory creates a ClientHistory. Records whose window ended more than expiry ago
// no longer count towards the prediction.
func NewClientHistory(slots int, expiry time.Duration, clock clockwork.Clock) (*ClientHistory, error) {
	if slots <= 0 {
		return nil, errors.New("history slots must be positive")
	}
	if expiry <= 0 {
		return nil, errors.New("history expiry must be positive")
	}
	return &ClientHistory{
		slots:   slots,
		expiry:  expiry,
		clock:   clock,
		records: make(map[string][]TopicLoad),
	}, nil
}

// Add appends a load to its client's history.
func (h *ClientHistory) Add(load TopicLoad) {
	h.mu.Lock()
	defer h.mu.Unlock()

	history := h.records[load.ClientID]
	if len(history) == h.slots {
		copy(history, history[1:])
		history = history[:len(history)-1]
	}
	h.records[load.ClientID] = append(history, load)
}

// PredictLoad returns the latest record of every client that is still active.
// Clients whose latest record has expired are removed.
func (h *ClientHistory) PredictLoad() []TopicLoad {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	recent := make([]TopicLoad, 0, len(h.records))
	for clientID, history := range h.records {
		if len(history) == 0 {
			delete(h.records, clientID)
			continue
		}
		latest := history[len(history)-1]
		if h.isExpired(now, latest.To) {
			delete(h.records, clientID)
			continue
		}
		recent = append(recent, latest)
	}
	return recent
}

// Prune drops expired clients and returns how many were removed and how many remain.
func (h *ClientHistory) Prune() (removed, remaining int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	for clientID, history := range h.records {
		if len(history) == 0 || h.isExpired(now, history[len(history)-1].To) {
			delete(h.records, clientID)
			removed++
		}
	}
	return removed, len(h.records)
}

func (h *ClientHistory) isExpired(now, to time.Time) bool {
	return now.Sub(to) > h.expiry
}
