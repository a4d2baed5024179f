package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rtcbridge/rtcbridge/internal/ami"
	"github.com/rtcbridge/rtcbridge/internal/database"
	"github.com/rtcbridge/rtcbridge/internal/database/models"
	"github.com/rtcbridge/rtcbridge/internal/identity"
	"github.com/rtcbridge/rtcbridge/internal/remote"
)

// ErrSessionNotFound is returned by operator commands naming an unknown or
// already-terminal session.
var ErrSessionNotFound = errors.New("bridge: session not found")

// cleanupTimeout bounds the background work done after a session turns
// terminal (remote teardown, external-leg hangup, record persistence).
const cleanupTimeout = 5 * time.Second

// Resolver is the identity lookup as the orchestrator consumes it.
type Resolver interface {
	Resolve(ctx context.Context, externalAddress string) (*identity.Mapping, error)
}

// HangupFunc terminates the external leg of a call. The control-channel
// client and the signaling adapter each contribute one.
type HangupFunc func(ctx context.Context, externalRef string, cause int) error

// WakeSender pushes a wake-up notification to the callee's device before the
// remote call is placed, so a backgrounded mobile app is running when the
// call arrives.
type WakeSender interface {
	Wake(ctx context.Context, pushToken, callerID, callID string) error
}

// Listener receives session and transport lifecycle notifications.
// Callbacks must not block; they run on orchestrator goroutines.
type Listener interface {
	SessionCreated(CallSession)
	SessionConnected(CallSession)
	SessionRejected(CallSession)
	SessionEnded(CallSession)
	TransportConnected()
	TransportDisconnected()
}

// IncomingCall is a normalized incoming-call signal from either event path.
type IncomingCall struct {
	ExternalCallID string
	From           string
	To             string
	Channel        string
	HasVideo       bool
	Source         Source
}

// Options wires the orchestrator's collaborators. Resolver and Remote are
// required; everything else degrades to a no-op when absent.
type Options struct {
	Resolver      Resolver
	Remote        remote.Service
	CallRecords   database.CallRecordRepository
	Wake          WakeSender
	ControlHangup HangupFunc
	SignalHangup  HangupFunc
	Listener      Listener
	Logger        *slog.Logger
}

// sessionHandle pairs a session with the lock serializing its transitions
// and the context cancelling its in-flight setup work.
type sessionHandle struct {
	mu     sync.Mutex
	s      CallSession
	ctx    context.Context
	cancel context.CancelFunc
}

// Orchestrator is the top-level call state machine. It owns the live session
// set: sessions are created from incoming-call events, driven through
// identity resolution and remote call placement, advanced by remote
// callbacks, and torn down by hangups from either side.
//
// Transitions for one session are serialized by its handle lock; sessions
// progress independently of each other. The control channel is authoritative
// for call state; the signaling layer is authoritative for media flags.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	byExtID  map[string]*sessionHandle
	byID     map[string]*sessionHandle
	byRemote map[string]*sessionHandle
	closed   bool

	wg sync.WaitGroup

	duplicateCreations atomic.Uint64
	transportUp        atomic.Bool
}

// NewOrchestrator creates an orchestrator with an empty live set.
func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{
		opts:     opts,
		logger:   opts.Logger.With("subsystem", "bridge"),
		byExtID:  make(map[string]*sessionHandle),
		byID:     make(map[string]*sessionHandle),
		byRemote: make(map[string]*sessionHandle),
	}
}

// HandleChannelEvent consumes classified control-channel events. It runs on
// the transport read goroutine, so everything slow happens on session
// goroutines.
func (o *Orchestrator) HandleChannelEvent(ev ami.ChannelEvent) {
	switch ev.Kind {
	case ami.EventChannelCreated:
		o.StartCall(IncomingCall{
			ExternalCallID: ev.UniqueID,
			From:           ev.CallerIDNum,
			To:             ev.Exten,
			Channel:        ev.Channel,
			Source:         SourceControl,
		})
	case ami.EventChannelHangup:
		o.HandleHangup(ev.UniqueID, ev.HangupCause)
	}
}

// StartCall creates a session for an incoming call and starts its setup
// pipeline. A second creation for the same external call identifier is
// ignored and counted; per the media-flag precedence rule a duplicate from
// the signaling path may still refresh HasVideo while setup is in progress.
func (o *Orchestrator) StartCall(inc IncomingCall) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if existing, ok := o.byExtID[inc.ExternalCallID]; ok {
		o.mu.Unlock()
		o.duplicateCreations.Add(1)
		o.absorbDuplicate(existing, inc)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &sessionHandle{
		s: CallSession{
			SessionID:      uuid.NewString(),
			ExternalCallID: inc.ExternalCallID,
			From:           inc.From,
			To:             inc.To,
			Channel:        inc.Channel,
			Source:         inc.Source,
			Status:         StatusRinging,
			HasVideo:       inc.HasVideo,
			StartedAt:      time.Now(),
		},
		ctx:    ctx,
		cancel: cancel,
	}
	o.byExtID[inc.ExternalCallID] = h
	o.byID[h.s.SessionID] = h
	o.mu.Unlock()

	o.logger.Info("session created",
		"session_id", h.s.SessionID,
		"external_call_id", inc.ExternalCallID,
		"from", inc.From,
		"source", inc.Source,
	)
	o.notifyCreated(h.s)

	o.wg.Add(1)
	go o.setup(h)
}

// absorbDuplicate applies the precedence rule to a repeated creation event:
// first creation wins the identity fields, but a signaling-path report may
// update the media flags while the call is still being set up.
func (o *Orchestrator) absorbDuplicate(h *sessionHandle, inc IncomingCall) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.s.Status.Terminal() && h.s.Status != StatusConnected && h.s.Status != StatusEnding &&
		inc.Source == SourceSignaling {
		h.s.HasVideo = inc.HasVideo
	}
	o.logger.Debug("duplicate session creation ignored",
		"external_call_id", inc.ExternalCallID,
		"source", inc.Source,
	)
}

// setup drives one session from Ringing to Connecting: identity resolution,
// remote session creation, call placement. Remote callbacks take over from
// there. Every step re-checks the session under its lock, so a hangup that
// lands mid-pipeline wins and stale results cannot resurrect the session.
func (o *Orchestrator) setup(h *sessionHandle) {
	defer o.wg.Done()

	h.mu.Lock()
	from := h.s.From
	sessionID := h.s.SessionID
	hasVideo := h.s.HasVideo
	h.mu.Unlock()

	mapping, err := o.opts.Resolver.Resolve(h.ctx, from)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrNotMapped):
			o.finalize(h, StatusRejected, "not_mapped")
		case h.ctx.Err() != nil:
			// Hangup already finalized the session.
		default:
			o.logger.Error("identity resolution failed", "session_id", sessionID, "error", err)
			o.finalize(h, StatusFailed, "identity_lookup_failed")
		}
		return
	}

	ok := o.advance(h, StatusIdentityResolved, func(s *CallSession) {
		s.RemoteUserID = mapping.RemoteUserID
		s.RemoteUsername = mapping.RemoteUsername
	})
	if !ok {
		return
	}

	// Wake the callee's device before placing the call. Best effort: a push
	// failure never fails the session.
	if o.opts.Wake != nil && mapping.PushToken != "" {
		if err := o.opts.Wake.Wake(h.ctx, mapping.PushToken, from, sessionID); err != nil {
			o.logger.Warn("wake-up push failed", "session_id", sessionID, "error", err)
		}
	}

	if !o.advance(h, StatusRemoteSessionPending, nil) {
		return
	}

	sess, err := o.opts.Remote.OpenSession(h.ctx, remote.SessionRequest{
		Username: mapping.RemoteUsername,
		UserID:   mapping.RemoteUserID,
	})
	if err != nil {
		o.failSetup(h, sessionID, fmt.Errorf("opening remote session: %w", err))
		return
	}

	ok = o.advance(h, StatusConnecting, func(s *CallSession) {
		s.RemoteSessionID = sess.ID
	})
	if !ok {
		// The session went terminal while the remote call was in flight;
		// release the platform session instead of resurrecting anything.
		o.releaseRemote(sess.ID, "")
		return
	}
	o.mu.Lock()
	o.byRemote[sess.ID] = h
	o.mu.Unlock()

	call, err := o.opts.Remote.PlaceCall(h.ctx, remote.CallRequest{
		SessionID:      sess.ID,
		CalleeUsername: mapping.RemoteUsername,
		CallerDisplay:  from,
		HasVideo:       hasVideo,
		ExternalRef:    sessionID,
	})
	if err != nil {
		o.releaseRemote(sess.ID, "")
		o.failSetup(h, sessionID, fmt.Errorf("placing remote call: %w", err))
		return
	}

	h.mu.Lock()
	terminal := h.s.Status.Terminal()
	if !terminal {
		h.s.RemoteCallID = call.ID
	}
	h.mu.Unlock()
	if terminal {
		o.releaseRemote(sess.ID, call.ID)
	}
}

// failSetup marks a session Failed unless its setup was cancelled by a
// hangup, in which case the hangup path already finalized it.
func (o *Orchestrator) failSetup(h *sessionHandle, sessionID string, err error) {
	if h.ctx.Err() != nil {
		return
	}
	o.logger.Error("session setup failed", "session_id", sessionID, "error", err)
	o.finalize(h, StatusFailed, "remote_service_error")
}

// advance applies one forward transition under the session lock. It returns
// false when the session already turned terminal, which callers treat as
// "stop the pipeline".
func (o *Orchestrator) advance(h *sessionHandle, to Status, mutate func(*CallSession)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.s.Status.Terminal() {
		return false
	}
	if !legalTransition(h.s.Status, to) {
		o.logger.Error("illegal session transition",
			"session_id", h.s.SessionID,
			"from", h.s.Status,
			"to", to,
		)
		return false
	}
	h.s.Status = to
	if mutate != nil {
		mutate(&h.s)
	}
	o.logger.Debug("session transition", "session_id", h.s.SessionID, "status", to)
	return true
}

// HandleRemoteCallback consumes one platform callback. Callbacks for
// unknown or already-terminal sessions are no-ops.
func (o *Orchestrator) HandleRemoteCallback(cb remote.Callback) {
	h := o.lookupCallback(cb)
	if h == nil {
		o.logger.Debug("callback for unknown session",
			"event", cb.Kind,
			"remote_session_id", cb.RemoteSessionID,
		)
		return
	}

	switch cb.Kind {
	case remote.CallbackAccepted:
		h.mu.Lock()
		if h.s.Status != StatusConnecting {
			// Late or duplicate acceptance; the session has moved on.
			h.mu.Unlock()
			o.logger.Debug("stale accepted callback ignored", "remote_session_id", cb.RemoteSessionID)
			return
		}
		h.s.Status = StatusConnected
		h.s.Answered = true
		if cb.RemoteCallID != "" && h.s.RemoteCallID == "" {
			h.s.RemoteCallID = cb.RemoteCallID
		}
		s := h.s
		h.mu.Unlock()

		o.logger.Info("session connected", "session_id", s.SessionID, "remote_session_id", s.RemoteSessionID)
		o.notifyConnected(s)

	case remote.CallbackRejected:
		reason := cb.Reason
		if reason == "" {
			reason = "rejected"
		}
		o.finalize(h, StatusRejected, reason)

	case remote.CallbackNotAnswered:
		o.finalize(h, StatusRejected, "not_answered")

	case remote.CallbackHungUp, remote.CallbackSessionClosed:
		h.mu.Lock()
		answered := h.s.Answered
		h.mu.Unlock()
		if answered {
			o.teardown(h, "remote_hangup", false)
		} else {
			o.finalize(h, StatusFailed, string(cb.Kind))
		}

	case remote.CallbackRemoteStream:
		h.mu.Lock()
		if !h.s.Status.Terminal() {
			h.s.HasRemoteStream = true
			h.s.HasVideo = cb.HasVideo
		}
		h.mu.Unlock()
	}
}

// lookupCallback finds the session a callback refers to, preferring the
// bridge session identifier echoed back in ExternalRef.
func (o *Orchestrator) lookupCallback(cb remote.Callback) *sessionHandle {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cb.ExternalRef != "" {
		if h, ok := o.byID[cb.ExternalRef]; ok {
			return h
		}
	}
	return o.byRemote[cb.RemoteSessionID]
}

// HandleHangup consumes a hangup from the control channel or signaling
// layer for an external call. Unknown identifiers are no-ops: hangups for
// calls the bridge never tracked are routine.
func (o *Orchestrator) HandleHangup(externalCallID, cause string) {
	o.mu.Lock()
	h, ok := o.byExtID[externalCallID]
	o.mu.Unlock()
	if !ok {
		return
	}
	o.teardown(h, cause, true)
}

// Hangup is the operator command ending a live session by its identifier.
func (o *Orchestrator) Hangup(sessionID string) error {
	o.mu.Lock()
	h, ok := o.byID[sessionID]
	o.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	o.teardown(h, "local_hangup", false)
	return nil
}

// teardown drives a session through Ending to Ended. external marks
// teardowns triggered by the external leg itself, whose channel needs no
// hangup action.
func (o *Orchestrator) teardown(h *sessionHandle, cause string, external bool) {
	h.mu.Lock()
	if h.s.Status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.cancel()
	h.s.Status = StatusEnding
	h.s.HangupCause = cause
	h.s.EndedAt = time.Now()
	h.s.Status = StatusEnded
	s := h.s
	h.mu.Unlock()

	o.logger.Info("session ended",
		"session_id", s.SessionID,
		"cause", cause,
		"duration", s.Duration().Round(time.Millisecond).String(),
	)

	o.remove(s)
	o.releaseRemote(s.RemoteSessionID, s.RemoteCallID)
	if !external {
		o.hangupExternal(s)
	}
	o.persist(s)
	o.notifyEnded(s)
}

// finalize moves a pre-connected session straight to a Rejected or Failed
// terminal state and releases everything it held.
func (o *Orchestrator) finalize(h *sessionHandle, terminal Status, reason string) {
	h.mu.Lock()
	if h.s.Status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.cancel()
	h.s.Status = terminal
	h.s.Reason = reason
	h.s.EndedAt = time.Now()
	s := h.s
	h.mu.Unlock()

	o.logger.Info("session terminated",
		"session_id", s.SessionID,
		"status", terminal,
		"reason", reason,
	)

	o.remove(s)
	o.releaseRemote(s.RemoteSessionID, s.RemoteCallID)
	o.hangupExternal(s)
	o.persist(s)

	if terminal == StatusRejected {
		o.notifyRejected(s)
	} else {
		o.notifyEnded(s)
	}
}

// remove drops a terminal session from the live set.
func (o *Orchestrator) remove(s CallSession) {
	o.mu.Lock()
	delete(o.byExtID, s.ExternalCallID)
	delete(o.byID, s.SessionID)
	if s.RemoteSessionID != "" {
		delete(o.byRemote, s.RemoteSessionID)
	}
	o.mu.Unlock()
}

// releaseRemote tears down platform-side resources in the background.
func (o *Orchestrator) releaseRemote(remoteSessionID, remoteCallID string) {
	if remoteSessionID == "" {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if remoteCallID != "" {
			if err := o.opts.Remote.EndCall(ctx, remoteSessionID, remoteCallID); err != nil {
				o.logger.Warn("ending remote call", "remote_session_id", remoteSessionID, "error", err)
			}
		}
		if err := o.opts.Remote.CloseSession(ctx, remoteSessionID); err != nil {
			o.logger.Warn("closing remote session", "remote_session_id", remoteSessionID, "error", err)
		}
	}()
}

// hangupExternal drops the external leg of a terminated session through
// whichever plane created it.
func (o *Orchestrator) hangupExternal(s CallSession) {
	var fn HangupFunc
	var ref string
	switch s.Source {
	case SourceControl:
		fn, ref = o.opts.ControlHangup, s.Channel
	case SourceSignaling:
		fn, ref = o.opts.SignalHangup, s.ExternalCallID
	}
	if fn == nil || ref == "" {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := fn(ctx, ref, 0); err != nil {
			o.logger.Warn("hanging up external leg", "session_id", s.SessionID, "error", err)
		}
	}()
}

// persist writes the call record for a terminal session.
func (o *Orchestrator) persist(s CallSession) {
	if o.opts.CallRecords == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		ended := s.EndedAt
		rec := &models.CallRecord{
			SessionID:       s.SessionID,
			ExternalCallID:  s.ExternalCallID,
			FromAddress:     s.From,
			ToAddress:       s.To,
			RemoteUserID:    s.RemoteUserID,
			RemoteSessionID: s.RemoteSessionID,
			Disposition:     s.Disposition(),
			HasVideo:        s.HasVideo,
			StartedAt:       s.StartedAt,
			EndedAt:         &ended,
			DurationSeconds: int64(s.Duration().Seconds()),
			HangupCause:     s.HangupCause,
		}
		if err := o.opts.CallRecords.Create(ctx, rec); err != nil {
			o.logger.Error("persisting call record", "session_id", s.SessionID, "error", err)
		}
	}()
}

// Sessions returns a point-in-time copy of the live session set, oldest
// first.
func (o *Orchestrator) Sessions() []CallSession {
	o.mu.Lock()
	handles := make([]*sessionHandle, 0, len(o.byID))
	for _, h := range o.byID {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	sessions := make([]CallSession, 0, len(handles))
	for _, h := range handles {
		h.mu.Lock()
		sessions = append(sessions, h.s)
		h.mu.Unlock()
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].SessionID < sessions[j].SessionID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions
}

// Session returns a copy of one live session.
func (o *Orchestrator) Session(sessionID string) (CallSession, bool) {
	o.mu.Lock()
	h, ok := o.byID[sessionID]
	o.mu.Unlock()
	if !ok {
		return CallSession{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.s, true
}

// ActiveCount returns the size of the live session set.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byID)
}

// DuplicateCreations returns the number of ignored repeat creation events.
func (o *Orchestrator) DuplicateCreations() uint64 {
	return o.duplicateCreations.Load()
}

// TransportUp reports whether the control channel is currently Ready.
func (o *Orchestrator) TransportUp() bool { return o.transportUp.Load() }

// TransportConnected implements the transport listener: the control channel
// reached Ready.
func (o *Orchestrator) TransportConnected() {
	o.transportUp.Store(true)
	if o.opts.Listener != nil {
		o.opts.Listener.TransportConnected()
	}
}

// TransportDisconnected implements the transport listener: the control
// channel dropped. Live sessions are kept; the telephony switch will emit
// hangups for any channels that died with the connection once it returns.
func (o *Orchestrator) TransportDisconnected() {
	o.transportUp.Store(false)
	if o.opts.Listener != nil {
		o.opts.Listener.TransportDisconnected()
	}
}

// Shutdown drains every live session through the teardown path and waits
// for background cleanup to finish or ctx to expire. New sessions are
// refused once shutdown begins.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	handles := make([]*sessionHandle, 0, len(o.byID))
	for _, h := range o.byID {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		o.teardown(h, "shutdown", false)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) notifyCreated(s CallSession) {
	if o.opts.Listener != nil {
		o.opts.Listener.SessionCreated(s)
	}
}

func (o *Orchestrator) notifyConnected(s CallSession) {
	if o.opts.Listener != nil {
		o.opts.Listener.SessionConnected(s)
	}
}

func (o *Orchestrator) notifyRejected(s CallSession) {
	if o.opts.Listener != nil {
		o.opts.Listener.SessionRejected(s)
	}
}

func (o *Orchestrator) notifyEnded(s CallSession) {
	if o.opts.Listener != nil {
		o.opts.Listener.SessionEnded(s)
	}
}
