package ami

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is the transport lifecycle state of the manager connection.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
)

// Config holds the connection parameters for the manager client.
type Config struct {
	Host      string
	Port      int
	Username  string
	Secret    string
	EventMask string // value for the Events field (e.g. "on", "call")

	// ActionTimeout bounds how long an action waits for its response.
	ActionTimeout time.Duration

	// KeepAlive is the interval between liveness Ping actions while Ready.
	// Zero disables the probe.
	KeepAlive time.Duration

	// Dial overrides the transport dialer. Used by tests; defaults to TCP.
	Dial func(ctx context.Context) (net.Conn, error)
}

// TransportListener receives connection lifecycle notifications. Callbacks
// run on the supervisor goroutine and must not block.
type TransportListener interface {
	TransportConnected()
	TransportDisconnected()
}

// Client maintains the manager connection: it owns the transport, drives the
// Disconnected → Connecting → Authenticating → Ready lifecycle with
// exponential backoff between attempts, probes liveness while Ready, and
// re-asserts the event subscription before reporting Ready after a reconnect.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	correlator *Correlator
	registry   *Registry
	classifier *Classifier
	listener   TransportListener

	mu      sync.Mutex
	conn    net.Conn
	state   State
	authed  bool
	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}

	protocolErrors atomic.Uint64
}

// NewClient creates a manager client. handler receives normalized channel
// events after the registry has been updated; it runs on the read goroutine
// and must not block. listener may be nil.
func NewClient(cfg Config, handler func(ChannelEvent), listener TransportListener, logger *slog.Logger) *Client {
	l := logger.With("subsystem", "ami")
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 5 * time.Second
	}
	if cfg.Dial == nil {
		addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
		cfg.Dial = func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{Timeout: 10 * time.Second}
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	c := &Client{
		cfg:      cfg,
		logger:   l,
		registry: NewRegistry(l),
		listener: listener,
		state:    StateDisconnected,
		done:     make(chan struct{}),
	}
	c.correlator = NewCorrelator(cfg.ActionTimeout, l)
	c.classifier = NewClassifier(c.correlator, c.registry, handler, l)
	return c
}

// Registry exposes the live channel state tracker.
func (c *Client) Registry() *Registry { return c.registry }

// State returns the current transport lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connection is authenticated and Ready.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady
}

// ProtocolErrors returns the number of malformed frames dropped.
func (c *Client) ProtocolErrors() uint64 { return c.protocolErrors.Load() }

// ActionTimeouts returns the number of actions that timed out.
func (c *Client) ActionTimeouts() uint64 { return c.correlator.Timeouts() }

// UnhandledEvents returns the number of events with no registered handling.
func (c *Client) UnhandledEvents() uint64 { return c.classifier.UnhandledCount() }

// Start establishes the initial connection synchronously so authentication
// failures surface to the caller, then hands the connection to the
// background supervisor. The ctx bounds only the initial attempt; the
// supervisor runs until Stop.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	sess, err := c.establish(ctx)
	if err != nil {
		cancel()
		close(c.done)
		return err
	}

	go c.supervise(runCtx, sess)
	return nil
}

// Stop shuts the client down: a best-effort Logoff is sent, the supervisor's
// reconnect and keepalive timers are cancelled, and pending actions fail.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

// session is one established, authenticated connection.
type session struct {
	conn    net.Conn
	readErr chan error
}

// establish dials, consumes the banner, starts the read loop, authenticates
// and re-asserts the event subscription. The connection is only reported
// Ready once all of that has succeeded.
func (c *Client) establish(ctx context.Context) (*session, error) {
	c.setState(StateConnecting)

	conn, err := c.cfg.Dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, fmt.Errorf("connecting to manager: %w", err)
	}

	dec := NewDecoder(conn)

	// The manager greets with a single banner line before the first frame.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	banner, err := dec.ReadBanner()
	if err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return nil, fmt.Errorf("reading manager banner: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.state = StateAuthenticating
	c.mu.Unlock()

	c.logger.Info("connected to manager", "banner", banner)

	sess := &session{conn: conn, readErr: make(chan error, 1)}
	go func() { sess.readErr <- c.readLoop(dec) }()

	// Authentication is the single action permitted before Ready.
	loginCtx, loginCancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer loginCancel()

	res, err := c.send(loginCtx, "Login", map[string]string{
		"Username": c.cfg.Username,
		"Secret":   c.cfg.Secret,
		"Events":   c.cfg.EventMask,
	}, false)
	if err != nil {
		c.closeSession(sess)
		return nil, fmt.Errorf("manager login: %w", err)
	}
	if !res.Success() {
		c.closeSession(sess)
		return nil, &AuthError{Message: res.Get("message")}
	}

	// Re-assert the event subscription explicitly so a manager that reset
	// its event mask during the outage delivers events again before we
	// report Ready to dependents.
	evCtx, evCancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer evCancel()
	if _, err := c.send(evCtx, "Events", map[string]string{"EventMask": c.cfg.EventMask}, false); err != nil {
		c.closeSession(sess)
		return nil, fmt.Errorf("asserting event mask: %w", err)
	}

	c.mu.Lock()
	c.authed = true
	c.state = StateReady
	c.mu.Unlock()

	c.logger.Info("manager connection ready", "host", c.cfg.Host, "event_mask", c.cfg.EventMask)
	if c.listener != nil {
		c.listener.TransportConnected()
	}
	return sess, nil
}

// supervise owns the connection for its whole lifetime: it monitors the
// current session and reconnects with exponential backoff when it drops.
func (c *Client) supervise(ctx context.Context, sess *session) {
	defer close(c.done)
	backoff := newBackoff()

	for {
		err := c.monitor(ctx, sess)
		c.teardown(sess)

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("manager connection lost", "error", err)

		// Reconnect loop.
		for {
			delay := backoff.next()
			c.logger.Info("reconnecting to manager",
				"attempt", backoff.attempt,
				"retry_in", delay.String(),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			next, err := c.establish(ctx)
			if err == nil {
				sess = next
				backoff.reset()
				break
			}
			if ctx.Err() != nil {
				return
			}
			// Authentication failures are fatal for the attempt but the
			// retry policy still applies.
			c.logger.Error("manager reconnect failed", "error", err)
		}
	}
}

// monitor runs the liveness probe for one session and returns when the
// session's read loop fails or the supervisor is cancelled.
func (c *Client) monitor(ctx context.Context, sess *session) error {
	var keepalive <-chan time.Time
	if c.cfg.KeepAlive > 0 {
		ticker := time.NewTicker(c.cfg.KeepAlive)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case err := <-sess.readErr:
			return err

		case <-ctx.Done():
			// Best-effort Logoff so the manager logs a clean departure.
			logoffCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			c.send(logoffCtx, "Logoff", nil, true) //nolint:errcheck
			cancel()
			sess.conn.Close()
			<-sess.readErr
			return ctx.Err()

		case <-keepalive:
			probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
			_, err := c.send(probeCtx, "Ping", nil, true)
			cancel()
			if err != nil {
				// A missed probe is a transport failure: close the
				// connection so the read loop unblocks and the normal
				// reconnect path takes over.
				c.logger.Warn("liveness probe failed", "error", err)
				sess.conn.Close()
			}
		}
	}
}

// readLoop drains and classifies frames until the transport fails. It never
// blocks on pending actions: responses are handed to the correlator and
// events to the registry and handler synchronously.
func (c *Client) readLoop(dec *Decoder) error {
	for {
		msg, err := dec.Next()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				c.protocolErrors.Add(1)
				c.logger.Warn("dropping malformed frame", "line", perr.Line)
				continue
			}
			return err
		}
		c.classifier.Classify(msg)
	}
}

// closeSession tears down a half-established session during connect.
func (c *Client) closeSession(sess *session) {
	sess.conn.Close()
	<-sess.readErr
	c.teardown(sess)
}

// teardown clears connection state after a session ends and notifies the
// listener. Pending actions fail immediately rather than waiting out their
// timers.
func (c *Client) teardown(sess *session) {
	c.mu.Lock()
	wasReady := c.state == StateReady
	if c.conn == sess.conn {
		c.conn = nil
	}
	c.authed = false
	c.state = StateDisconnected
	c.mu.Unlock()

	sess.conn.Close()
	c.correlator.FailAll(ErrNotConnected)

	if wasReady && c.listener != nil {
		c.listener.TransportDisconnected()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Send submits an action and waits for its correlated response, the action
// timeout, or ctx cancellation. It requires an authenticated connection.
func (c *Client) Send(ctx context.Context, action string, fields map[string]string) (Message, error) {
	return c.send(ctx, action, fields, true)
}

func (c *Client) send(ctx context.Context, action string, fields map[string]string, requireAuth bool) (Message, error) {
	c.mu.Lock()
	conn := c.conn
	authed := c.authed
	c.mu.Unlock()

	if conn == nil {
		return Message{}, ErrNotConnected
	}
	if requireAuth && !authed {
		return Message{}, ErrNotAuthenticated
	}

	id, done := c.correlator.Track()
	frame := encodeAction(action, id, fields)

	c.writeMu.Lock()
	_, err := conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.correlator.Cancel(id, err)
		<-done
		return Message{}, fmt.Errorf("writing %s action: %w", action, err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			return Message{}, res.err
		}
		if !res.msg.Success() {
			return res.msg, &ActionError{Message: res.msg.Get("message")}
		}
		return res.msg, nil
	case <-ctx.Done():
		c.correlator.Cancel(id, ctx.Err())
		return Message{}, ctx.Err()
	}
}

// backoff implements exponential backoff with jitter for reconnect attempts.
// Jitter avoids synchronized reconnect storms when several bridges share a
// manager.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
