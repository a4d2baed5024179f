package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rtcbridge/rtcbridge/internal/ami"
	"github.com/rtcbridge/rtcbridge/internal/identity"
	"github.com/rtcbridge/rtcbridge/internal/remote"
)

type fakeResolver struct {
	mu       sync.Mutex
	mappings map[string]*identity.Mapping
	calls    int
}

func (r *fakeResolver) Resolve(ctx context.Context, addr string) (*identity.Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if m, ok := r.mappings[addr]; ok {
		return m, nil
	}
	return nil, identity.ErrNotMapped
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeRemote struct {
	mu         sync.Mutex
	openCalls  []remote.SessionRequest
	placeCalls []remote.CallRequest
	endedCalls [][2]string
	closed     []string

	openErr  error
	placeErr error

	// blockOpen, when non-nil, makes OpenSession wait until the channel is
	// closed or ctx is cancelled.
	blockOpen chan struct{}
	placed    chan remote.CallRequest
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{placed: make(chan remote.CallRequest, 8)}
}

func (f *fakeRemote) OpenSession(ctx context.Context, req remote.SessionRequest) (*remote.Session, error) {
	f.mu.Lock()
	f.openCalls = append(f.openCalls, req)
	block := f.blockOpen
	err := f.openErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &remote.Session{ID: "rs-" + req.Username, Token: "tok"}, nil
}

func (f *fakeRemote) PlaceCall(ctx context.Context, req remote.CallRequest) (*remote.Call, error) {
	f.mu.Lock()
	f.placeCalls = append(f.placeCalls, req)
	err := f.placeErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	f.placed <- req
	return &remote.Call{ID: "rc-1", HasVideo: req.HasVideo}, nil
}

func (f *fakeRemote) EndCall(ctx context.Context, sessionID, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endedCalls = append(f.endedCalls, [2]string{sessionID, callID})
	return nil
}

func (f *fakeRemote) CloseSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeRemote) counts() (opens, places int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.openCalls), len(f.placeCalls)
}

type fakeListener struct {
	created     chan CallSession
	connected   chan CallSession
	rejected    chan CallSession
	ended       chan CallSession
	transportUp chan struct{}
	transportDn chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		created:     make(chan CallSession, 8),
		connected:   make(chan CallSession, 8),
		rejected:    make(chan CallSession, 8),
		ended:       make(chan CallSession, 8),
		transportUp: make(chan struct{}, 8),
		transportDn: make(chan struct{}, 8),
	}
}

func (l *fakeListener) SessionCreated(s CallSession)   { l.created <- s }
func (l *fakeListener) SessionConnected(s CallSession) { l.connected <- s }
func (l *fakeListener) SessionRejected(s CallSession)  { l.rejected <- s }
func (l *fakeListener) SessionEnded(s CallSession)     { l.ended <- s }
func (l *fakeListener) TransportConnected()            { l.transportUp <- struct{}{} }
func (l *fakeListener) TransportDisconnected()         { l.transportDn <- struct{}{} }

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func expectNone[T any](t *testing.T, ch chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Errorf("unexpected %s", what)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestOrchestrator(t *testing.T, rem remote.Service, resolver *fakeResolver, listener *fakeListener) *Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := NewOrchestrator(Options{
		Resolver: resolver,
		Remote:   rem,
		Listener: listener,
		Logger:   logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func mappedResolver() *fakeResolver {
	return &fakeResolver{mappings: map[string]*identity.Mapping{
		"sip:vendas@domain": {
			ExternalAddress: "sip:vendas@domain",
			RemoteUsername:  "vendas",
			RemoteUserID:    42,
		},
	}}
}

func waitStatus(t *testing.T, o *Orchestrator, sessionID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := o.Session(sessionID); ok && s.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, ok := o.Session(sessionID)
	t.Fatalf("session %s never reached %s (current %v, live %v)", sessionID, want, s.Status, ok)
}

func TestStartCall_MappedIdentityReachesConnecting(t *testing.T) {
	rem := newFakeRemote()
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	o.HandleChannelEvent(ami.ChannelEvent{
		Kind:        ami.EventChannelCreated,
		UniqueID:    "U1",
		Channel:     "SIP/trunk-0001",
		CallerIDNum: "sip:vendas@domain",
		Exten:       "100",
	})

	created := recv(t, listener.created, "created notification")
	if created.Status != StatusRinging {
		t.Errorf("created status = %s, want %s", created.Status, StatusRinging)
	}

	placed := recv(t, rem.placed, "remote call placement")
	if placed.CalleeUsername != "vendas" {
		t.Errorf("callee = %q, want vendas", placed.CalleeUsername)
	}
	if placed.ExternalRef != created.SessionID {
		t.Errorf("ExternalRef = %q, want session id %q", placed.ExternalRef, created.SessionID)
	}

	rem.mu.Lock()
	open := rem.openCalls[0]
	rem.mu.Unlock()
	if open.UserID != 42 {
		t.Errorf("remote session opened for user %d, want 42", open.UserID)
	}

	waitStatus(t, o, created.SessionID, StatusConnecting)
}

func TestStartCall_AcceptedCallbackConnects(t *testing.T) {
	rem := newFakeRemote()
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	o.StartCall(IncomingCall{ExternalCallID: "U1", From: "sip:vendas@domain", Source: SourceControl})
	created := recv(t, listener.created, "created notification")
	recv(t, rem.placed, "remote call placement")
	waitStatus(t, o, created.SessionID, StatusConnecting)

	o.HandleRemoteCallback(remote.Callback{
		Kind:            remote.CallbackAccepted,
		RemoteSessionID: "rs-vendas",
		ExternalRef:     created.SessionID,
	})

	connected := recv(t, listener.connected, "connected notification")
	if connected.Status != StatusConnected {
		t.Errorf("status = %s, want %s", connected.Status, StatusConnected)
	}
	if !connected.Answered {
		t.Error("Answered = false after acceptance")
	}
}

func TestStartCall_DuplicateCreationIgnored(t *testing.T) {
	rem := newFakeRemote()
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	ev := ami.ChannelEvent{
		Kind:        ami.EventChannelCreated,
		UniqueID:    "U1",
		CallerIDNum: "sip:vendas@domain",
	}
	o.HandleChannelEvent(ev)
	o.HandleChannelEvent(ev)

	recv(t, listener.created, "created notification")
	expectNone(t, listener.created, "second created notification")

	if got := o.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
	if got := o.DuplicateCreations(); got != 1 {
		t.Errorf("DuplicateCreations() = %d, want 1", got)
	}
}

func TestStartCall_NotMappedRejectsWithoutRemoteCalls(t *testing.T) {
	rem := newFakeRemote()
	resolver := &fakeResolver{mappings: map[string]*identity.Mapping{}}
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, resolver, listener)

	o.StartCall(IncomingCall{ExternalCallID: "U1", From: "sip:unknown@domain", Source: SourceControl})

	recv(t, listener.created, "created notification")
	rejected := recv(t, listener.rejected, "rejected notification")
	if rejected.Status != StatusRejected {
		t.Errorf("status = %s, want %s", rejected.Status, StatusRejected)
	}
	if rejected.Reason != "not_mapped" {
		t.Errorf("reason = %q, want not_mapped", rejected.Reason)
	}

	opens, places := rem.counts()
	if opens != 0 || places != 0 {
		t.Errorf("remote calls made for unmapped address: opens=%d places=%d", opens, places)
	}
	if got := o.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}
}

func TestHangupDuringConnecting_LateAcceptIsNoOp(t *testing.T) {
	rem := newFakeRemote()
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	o.StartCall(IncomingCall{ExternalCallID: "U1", From: "sip:vendas@domain", Source: SourceControl})
	created := recv(t, listener.created, "created notification")
	recv(t, rem.placed, "remote call placement")
	waitStatus(t, o, created.SessionID, StatusConnecting)

	o.HandleHangup("U1", "16")

	ended := recv(t, listener.ended, "ended notification")
	if ended.Status != StatusEnded {
		t.Errorf("status = %s, want %s", ended.Status, StatusEnded)
	}
	if ended.EndedAt.IsZero() || ended.Duration() < 0 {
		t.Errorf("duration not computed: endedAt=%v duration=%v", ended.EndedAt, ended.Duration())
	}
	if ended.HangupCause != "16" {
		t.Errorf("HangupCause = %q, want 16", ended.HangupCause)
	}

	// A late acceptance for the now-stale remote session must change nothing.
	o.HandleRemoteCallback(remote.Callback{
		Kind:            remote.CallbackAccepted,
		RemoteSessionID: "rs-vendas",
		ExternalRef:     created.SessionID,
	})
	expectNone(t, listener.connected, "connected notification after hangup")

	if got := o.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}
}

func TestHangupDuringRemoteSessionOpen_CancelsSetup(t *testing.T) {
	rem := newFakeRemote()
	rem.blockOpen = make(chan struct{})
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	o.StartCall(IncomingCall{ExternalCallID: "U1", From: "sip:vendas@domain", Source: SourceControl})
	created := recv(t, listener.created, "created notification")
	waitStatus(t, o, created.SessionID, StatusRemoteSessionPending)

	o.HandleHangup("U1", "16")
	recv(t, listener.ended, "ended notification")

	close(rem.blockOpen)

	// The cancelled setup must not place a call afterwards.
	expectNone(t, rem.placed, "remote call placement after hangup")
	if got := o.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}
}

func TestRemoteRejectedCallback(t *testing.T) {
	rem := newFakeRemote()
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	o.StartCall(IncomingCall{ExternalCallID: "U1", From: "sip:vendas@domain", Source: SourceControl})
	created := recv(t, listener.created, "created notification")
	recv(t, rem.placed, "remote call placement")
	waitStatus(t, o, created.SessionID, StatusConnecting)

	o.HandleRemoteCallback(remote.Callback{
		Kind:            remote.CallbackRejected,
		RemoteSessionID: "rs-vendas",
		ExternalRef:     created.SessionID,
		Reason:          "busy",
	})

	rejected := recv(t, listener.rejected, "rejected notification")
	if rejected.Reason != "busy" {
		t.Errorf("reason = %q, want busy", rejected.Reason)
	}
	if got := o.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}
}

func TestRemoteServiceFailure(t *testing.T) {
	rem := newFakeRemote()
	rem.openErr = errors.New("platform unavailable")
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	o.StartCall(IncomingCall{ExternalCallID: "U1", From: "sip:vendas@domain", Source: SourceControl})
	recv(t, listener.created, "created notification")

	ended := recv(t, listener.ended, "ended notification")
	if ended.Status != StatusFailed {
		t.Errorf("status = %s, want %s", ended.Status, StatusFailed)
	}
	if ended.Reason != "remote_service_error" {
		t.Errorf("reason = %q", ended.Reason)
	}
}

func TestCallbackForUnknownSessionIsNoOp(t *testing.T) {
	rem := newFakeRemote()
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	o.HandleRemoteCallback(remote.Callback{
		Kind:            remote.CallbackAccepted,
		RemoteSessionID: "rs-nobody",
	})
	expectNone(t, listener.connected, "connected notification for unknown session")
}

func TestSignalingDuplicateUpdatesMediaFlags(t *testing.T) {
	rem := newFakeRemote()
	rem.blockOpen = make(chan struct{})
	defer close(rem.blockOpen)
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	o.StartCall(IncomingCall{ExternalCallID: "U1", From: "sip:vendas@domain", Source: SourceControl})
	created := recv(t, listener.created, "created notification")
	waitStatus(t, o, created.SessionID, StatusRemoteSessionPending)

	// The signaling path reports the same call with video. Identity fields
	// stay as first written; the media flag follows the signaling layer.
	o.StartCall(IncomingCall{
		ExternalCallID: "U1",
		From:           "sip:someone-else@domain",
		HasVideo:       true,
		Source:         SourceSignaling,
	})

	s, ok := o.Session(created.SessionID)
	if !ok {
		t.Fatal("session missing")
	}
	if !s.HasVideo {
		t.Error("HasVideo not updated from the signaling report")
	}
	if s.From != "sip:vendas@domain" {
		t.Errorf("From = %q, first creation must win identity fields", s.From)
	}
}

func TestOperatorHangup(t *testing.T) {
	rem := newFakeRemote()
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	o.StartCall(IncomingCall{ExternalCallID: "U1", From: "sip:vendas@domain", Source: SourceControl})
	created := recv(t, listener.created, "created notification")
	recv(t, rem.placed, "remote call placement")
	waitStatus(t, o, created.SessionID, StatusConnecting)

	if err := o.Hangup(created.SessionID); err != nil {
		t.Fatalf("Hangup() error: %v", err)
	}
	recv(t, listener.ended, "ended notification")

	if err := o.Hangup(created.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Hangup() on terminal session error = %v, want ErrSessionNotFound", err)
	}
}

func TestShutdown_DrainsLiveSessions(t *testing.T) {
	rem := newFakeRemote()
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	o.StartCall(IncomingCall{ExternalCallID: "U1", From: "sip:vendas@domain", Source: SourceControl})
	o.StartCall(IncomingCall{ExternalCallID: "U2", From: "sip:vendas@domain", Source: SourceControl})
	recv(t, listener.created, "first created notification")
	recv(t, listener.created, "second created notification")
	recv(t, rem.placed, "first placement")
	recv(t, rem.placed, "second placement")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	recv(t, listener.ended, "first ended notification")
	recv(t, listener.ended, "second ended notification")
	if got := o.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d after shutdown, want 0", got)
	}

	// New calls are refused after shutdown.
	o.StartCall(IncomingCall{ExternalCallID: "U3", From: "sip:vendas@domain", Source: SourceControl})
	expectNone(t, listener.created, "created notification after shutdown")
}

func TestTransportNotificationsForwarded(t *testing.T) {
	rem := newFakeRemote()
	listener := newFakeListener()
	o := newTestOrchestrator(t, rem, mappedResolver(), listener)

	o.TransportConnected()
	recv(t, listener.transportUp, "transport connected notification")
	if !o.TransportUp() {
		t.Error("TransportUp() = false")
	}

	o.TransportDisconnected()
	recv(t, listener.transportDn, "transport disconnected notification")
	if o.TransportUp() {
		t.Error("TransportUp() = true after disconnect")
	}
}

func TestTransitionLegality(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusRinging, StatusIdentityResolved, true},
		{StatusIdentityResolved, StatusRemoteSessionPending, true},
		{StatusRemoteSessionPending, StatusConnecting, true},
		{StatusConnecting, StatusConnected, true},
		{StatusConnected, StatusEnding, true},
		{StatusEnding, StatusEnded, true},
		// Connected is unreachable without passing RemoteSessionPending.
		{StatusRinging, StatusConnected, false},
		{StatusIdentityResolved, StatusConnected, false},
		{StatusRemoteSessionPending, StatusConnected, false},
		// Terminal states have no exits.
		{StatusEnded, StatusRinging, false},
		{StatusRejected, StatusConnecting, false},
		{StatusFailed, StatusEnded, false},
		// Rejection is reachable from every pre-terminal setup state.
		{StatusRinging, StatusRejected, true},
		{StatusConnecting, StatusRejected, true},
		{StatusConnected, StatusRejected, true},
	}

	for _, tt := range tests {
		if got := legalTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("legalTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDisposition(t *testing.T) {
	tests := []struct {
		name string
		s    CallSession
		want string
	}{
		{"answered", CallSession{Status: StatusEnded, Answered: true}, "answered"},
		{"hung up before answer", CallSession{Status: StatusEnded}, "no_answer"},
		{"rejected", CallSession{Status: StatusRejected, Reason: "busy"}, "rejected"},
		{"not answered", CallSession{Status: StatusRejected, Reason: "not_answered"}, "no_answer"},
		{"failed", CallSession{Status: StatusFailed}, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Disposition(); got != tt.want {
				t.Errorf("Disposition() = %q, want %q", got, tt.want)
			}
		})
	}
}
