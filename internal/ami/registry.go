package ami

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Channel is the live state of one telephony channel as reported by manager
// events. The registry owns the authoritative copy; accessors hand out
// value copies only.
type Channel struct {
	Name              string
	UniqueID          string
	LinkedID          string
	State             string
	StateDesc         string
	CallerIDNum       string
	CallerIDName      string
	ConnectedLineNum  string
	ConnectedLineName string
	Context           string
	Exten             string
	Priority          string
	CreatedAt         time.Time
}

// Registry accumulates channel state keyed by UniqueID. Mutations for a given
// UniqueID are applied in event-arrival order by the single classification
// goroutine; the lock exists for concurrent snapshot readers.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("subsystem", "channels"),
		channels: make(map[string]*Channel),
	}
}

// Add inserts the channel record for a creation event. An existing record
// with the same UniqueID is overwritten; Asterisk does not reuse UniqueIDs
// within a connection, so this only happens after a missed hangup.
func (r *Registry) Add(ch Channel) {
	ch.CreatedAt = time.Now()

	r.mu.Lock()
	r.channels[ch.UniqueID] = &ch
	r.mu.Unlock()

	r.logger.Debug("channel created",
		"channel", ch.Name,
		"unique_id", ch.UniqueID,
		"caller_id", ch.CallerIDNum,
	)
}

// UpdateState applies a state-change event to an existing record. A missing
// record indicates an out-of-order or missed creation event; the update is
// dropped with a log line rather than fabricating a record.
func (r *Registry) UpdateState(uniqueID, state, stateDesc string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[uniqueID]
	if !ok {
		r.logger.Warn("state change for unknown channel", "unique_id", uniqueID, "state", stateDesc)
		return
	}
	ch.State = state
	ch.StateDesc = stateDesc
}

// UpdateConnectedLine records the connected line after a dial or bridge event.
// A missing record is a logged no-op, as with UpdateState.
func (r *Registry) UpdateConnectedLine(uniqueID, num, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[uniqueID]
	if !ok {
		r.logger.Warn("connected line update for unknown channel", "unique_id", uniqueID)
		return
	}
	ch.ConnectedLineNum = num
	ch.ConnectedLineName = name
}

// Remove deletes the record on hangup. Removing an unknown UniqueID is a no-op.
func (r *Registry) Remove(uniqueID string) {
	r.mu.Lock()
	_, ok := r.channels[uniqueID]
	delete(r.channels, uniqueID)
	r.mu.Unlock()

	if ok {
		r.logger.Debug("channel removed", "unique_id", uniqueID)
	}
}

// Get returns a copy of the record for a UniqueID.
func (r *Registry) Get(uniqueID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[uniqueID]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

// GetByName returns a copy of the record for a channel name.
func (r *Registry) GetByName(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.channels {
		if ch.Name == name {
			return *ch, true
		}
	}
	return Channel{}, false
}

// Snapshot returns a point-in-time copy of all channel records, sorted by
// UniqueID for stable output.
func (r *Registry) Snapshot() []Channel {
	r.mu.RLock()
	channels := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, *ch)
	}
	r.mu.RUnlock()

	sort.Slice(channels, func(i, j int) bool {
		return channels[i].UniqueID < channels[j].UniqueID
	})
	return channels
}

// Count returns the number of live channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
