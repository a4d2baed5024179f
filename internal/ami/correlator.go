package ami

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// actionResult is the outcome delivered for one pending action.
type actionResult struct {
	msg Message
	err error
}

// pendingAction tracks one in-flight action from send until resolution.
type pendingAction struct {
	id     string
	sentAt time.Time
	done   chan actionResult // buffered, receives exactly one result
	timer  *time.Timer
}

// Correlator pairs outgoing actions with their eventual responses. Each
// pending action resolves exactly once: with the matching response, with a
// protocol-signaled error, or with ErrActionTimeout. Late responses for
// already-resolved identifiers are logged and discarded.
type Correlator struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingAction

	lateResponses atomic.Uint64
	timeouts      atomic.Uint64
}

// NewCorrelator creates a correlator with the given per-action timeout.
func NewCorrelator(timeout time.Duration, logger *slog.Logger) *Correlator {
	return &Correlator{
		timeout: timeout,
		logger:  logger.With("subsystem", "correlator"),
		pending: make(map[string]*pendingAction),
	}
}

// Track registers a new pending action and returns its process-unique
// identifier together with the channel its single result will arrive on.
// The timeout clock starts immediately.
func (c *Correlator) Track() (string, <-chan actionResult) {
	id := uuid.NewString()
	p := &pendingAction{
		id:     id,
		sentAt: time.Now(),
		done:   make(chan actionResult, 1),
	}

	// The timer is armed under the same lock that publishes the entry, so a
	// response or the timer callback can never observe a half-registered action.
	c.mu.Lock()
	c.pending[id] = p
	p.timer = time.AfterFunc(c.timeout, func() {
		if c.take(id) != nil {
			c.timeouts.Add(1)
			c.logger.Warn("action timed out", "action_id", id, "timeout", c.timeout.String())
			p.done <- actionResult{err: ErrActionTimeout}
		}
	})
	c.mu.Unlock()

	return id, p.done
}

// Resolve routes a response frame to its pending action. It returns false
// when no action is waiting on the frame's identifier, in which case the
// response is counted as late and dropped.
func (c *Correlator) Resolve(msg Message) bool {
	id := msg.ActionID()
	p := c.take(id)
	if p == nil {
		c.lateResponses.Add(1)
		c.logger.Debug("discarding response for unknown action", "action_id", id)
		return false
	}
	p.timer.Stop()
	p.done <- actionResult{msg: msg}
	return true
}

// Cancel resolves a single pending action with the given error, if it is
// still pending.
func (c *Correlator) Cancel(id string, err error) {
	if p := c.take(id); p != nil {
		p.timer.Stop()
		p.done <- actionResult{err: err}
	}
}

// FailAll resolves every pending action with the given error. Called when
// the transport drops so waiters do not hang until their timers fire.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingAction)
	c.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.done <- actionResult{err: err}
	}
	if len(pending) > 0 {
		c.logger.Info("failed pending actions after transport loss", "count", len(pending))
	}
}

// PendingCount returns the number of in-flight actions.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LateResponses returns the number of responses discarded because their
// action had already resolved.
func (c *Correlator) LateResponses() uint64 { return c.lateResponses.Load() }

// Timeouts returns the number of actions that resolved with ErrActionTimeout.
func (c *Correlator) Timeouts() uint64 { return c.timeouts.Load() }

// take removes and returns the pending action for id. Removal under the lock
// is what guarantees exactly-one resolution: only the caller that wins the
// removal may deliver a result.
func (c *Correlator) take(id string) *pendingAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}
