package signal

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/rtcbridge/rtcbridge/internal/bridge"
	"github.com/rtcbridge/rtcbridge/internal/config"
)

// CallHandler is the slice of the orchestrator the adapter feeds.
type CallHandler interface {
	StartCall(bridge.IncomingCall)
	HandleHangup(externalCallID, cause string)
}

// Adapter is the SIP signaling layer for sip-only and hybrid modes. It keeps
// the bridge account registered upstream and converts inbound INVITE, CANCEL
// and BYE into normalized incoming-call and hangup signals.
//
// The adapter handles signaling only. INVITEs are acknowledged with 180
// Ringing and held; the bridge answers through the remote platform, and the
// pending INVITE is completed with a final response when the session turns
// terminal.
type Adapter struct {
	cfg     *config.Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	handler CallHandler
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	invites map[string]*pendingInvite // keyed by Call-ID

	reg *registration
}

// pendingInvite is an inbound call leg awaiting its final response.
type pendingInvite struct {
	req *sip.Request
	tx  sip.ServerTransaction
}

// NewAdapter creates the SIP adapter. handler receives call signals; it must
// not block.
func NewAdapter(cfg *config.Config, handler CallHandler, logger *slog.Logger) (*Adapter, error) {
	l := logger.With("subsystem", "signal")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("RTCBridge"),
		sipgo.WithUserAgentHostname(cfg.SIPDomain),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(l))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	a := &Adapter{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		handler: handler,
		logger:  l,
		invites: make(map[string]*pendingInvite),
		reg:     newRegistration(cfg, client, l),
	}

	srv.OnInvite(a.handleInvite)
	srv.OnCancel(a.handleCancel)
	srv.OnBye(a.handleBye)
	srv.OnAck(a.handleACK)
	srv.OnOptions(a.handleOptions)
	return a, nil
}

// Start brings up the SIP listener and the upstream registration loop.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", a.cfg.SIPPort)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("sip listener starting", "addr", addr, "transport", a.cfg.SIPTransport)
		if err := a.srv.ListenAndServe(ctx, a.cfg.SIPTransport, addr); err != nil {
			a.logger.Error("sip listener stopped", "error", err)
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reg.run(ctx)
	}()
	return nil
}

// Stop un-registers upstream, rejects any still-pending INVITEs and shuts
// the SIP stack down.
func (a *Adapter) Stop() {
	a.logger.Info("stopping sip adapter")
	if a.cancel != nil {
		a.cancel()
	}

	a.mu.Lock()
	pending := a.invites
	a.invites = make(map[string]*pendingInvite)
	a.mu.Unlock()
	for callID, inv := range pending {
		a.respond(inv, 503, "Service Unavailable")
		a.logger.Debug("pending invite rejected on shutdown", "call_id", callID)
	}

	a.reg.unregister()
	a.wg.Wait()
	a.client.Close()
	a.srv.Close()
	a.ua.Close()
	a.logger.Info("sip adapter stopped")
}

// RegistrationState returns the upstream registration status snapshot.
func (a *Adapter) RegistrationState() RegistrationState {
	return a.reg.state()
}

// HangupCall completes the pending INVITE for an external call with a final
// response. It is the adapter's side of the orchestrator's hangup path; an
// unknown Call-ID is a no-op.
func (a *Adapter) HangupCall(ctx context.Context, callID string, cause int) error {
	a.mu.Lock()
	inv, ok := a.invites[callID]
	delete(a.invites, callID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	status, reason := 603, "Decline"
	if cause == 486 {
		status, reason = 486, "Busy Here"
	}
	a.respond(inv, status, reason)
	return nil
}

// handleInvite accepts an inbound call leg: ring back immediately, hold the
// transaction open, and hand the normalized signal to the bridge.
func (a *Adapter) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if callID == "" {
		a.respond(&pendingInvite{req: req, tx: tx}, 400, "Missing Call-ID")
		return
	}

	from, to := "", ""
	if f := req.From(); f != nil {
		from = f.Address.String()
	}
	if t := req.To(); t != nil {
		to = t.Address.User
	}
	hasVideo := bytes.Contains(req.Body(), []byte("m=video"))

	a.mu.Lock()
	_, duplicate := a.invites[callID]
	if !duplicate {
		a.invites[callID] = &pendingInvite{req: req, tx: tx}
	}
	a.mu.Unlock()

	if duplicate {
		// Retransmission; the original transaction already rings.
		return
	}

	a.logger.Info("inbound invite", "call_id", callID, "from", from, "to", to, "video", hasVideo)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		a.logger.Error("responding 180 to invite", "call_id", callID, "error", err)
	}

	a.handler.StartCall(bridge.IncomingCall{
		ExternalCallID: callID,
		From:           from,
		To:             to,
		HasVideo:       hasVideo,
		Source:         bridge.SourceSignaling,
	})
}

// handleCancel tears down a still-ringing call the caller abandoned.
func (a *Adapter) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("responding to cancel", "call_id", callID, "error", err)
	}

	a.mu.Lock()
	inv, ok := a.invites[callID]
	delete(a.invites, callID)
	a.mu.Unlock()
	if ok {
		a.respond(inv, 487, "Request Terminated")
	}

	a.handler.HandleHangup(callID, "cancelled")
}

// handleBye ends an established call leg.
func (a *Adapter) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("responding to bye", "call_id", callID, "error", err)
	}

	a.mu.Lock()
	delete(a.invites, callID)
	a.mu.Unlock()

	a.handler.HandleHangup(callID, "bye")
}

func (a *Adapter) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	a.logger.Debug("sip ack received", "call_id", callIDOf(req), "source", req.Source())
}

// handleOptions answers keepalive pings from the upstream registrar.
func (a *Adapter) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		a.logger.Error("responding to options", "error", err)
	}
}

func (a *Adapter) respond(inv *pendingInvite, status int, reason string) {
	res := sip.NewResponseFromRequest(inv.req, status, reason, nil)
	if err := inv.tx.Respond(res); err != nil {
		a.logger.Error("responding to invite", "status", status, "error", err)
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
