package ami

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ChannelEventKind identifies the normalized channel event types handed to
// the bridge layer.
type ChannelEventKind string

const (
	EventChannelCreated ChannelEventKind = "created"
	EventChannelState   ChannelEventKind = "state"
	EventChannelHangup  ChannelEventKind = "hangup"
	EventChannelBridged ChannelEventKind = "bridged"
	EventChannelDialed  ChannelEventKind = "dialed"
)

// ChannelEvent is the normalized form of a channel-related manager event.
type ChannelEvent struct {
	Kind         ChannelEventKind
	Channel      string
	UniqueID     string
	LinkedID     string
	CallerIDNum  string
	CallerIDName string
	Context      string
	Exten        string
	State        string
	StateDesc    string
	HangupCause  string
	// Bridge events join two channels.
	PeerChannel string
	BridgeID    string
	Timestamp   time.Time
}

// Classifier routes decoded frames: responses to the correlator, channel
// events to the registry and then to the handler, everything else to the
// unhandled counter. Dispatch runs on the connection's read goroutine, so
// frames are classified in byte-arrival order.
type Classifier struct {
	correlator *Correlator
	registry   *Registry
	handler    func(ChannelEvent)
	logger     *slog.Logger

	unhandled atomic.Uint64
}

// NewClassifier creates a classifier. handler may be nil when no bridge
// consumer is attached (e.g. in tests exercising the registry alone).
func NewClassifier(correlator *Correlator, registry *Registry, handler func(ChannelEvent), logger *slog.Logger) *Classifier {
	return &Classifier{
		correlator: correlator,
		registry:   registry,
		handler:    handler,
		logger:     logger.With("subsystem", "classifier"),
	}
}

// Classify dispatches one decoded frame.
func (cl *Classifier) Classify(msg Message) {
	if msg.IsResponse() {
		cl.correlator.Resolve(msg)
		return
	}
	if !msg.IsEvent() {
		cl.unhandled.Add(1)
		cl.logger.Debug("frame with neither response nor event marker", "fields", msg.Len())
		return
	}

	switch strings.ToLower(msg.EventName()) {
	case "newchannel":
		cl.handleNewChannel(msg)
	case "newstate":
		cl.handleNewState(msg)
	case "hangup":
		cl.handleHangup(msg)
	case "bridge", "bridgeenter":
		cl.handleBridge(msg)
	case "dial", "dialbegin":
		cl.handleDial(msg)
	default:
		cl.unhandled.Add(1)
		cl.logger.Debug("unhandled manager event", "event", msg.EventName())
	}
}

// UnhandledCount returns the number of frames that matched no known event.
func (cl *Classifier) UnhandledCount() uint64 { return cl.unhandled.Load() }

func (cl *Classifier) handleNewChannel(msg Message) {
	ch := Channel{
		Name:              msg.Get("channel"),
		UniqueID:          msg.Get("uniqueid"),
		LinkedID:          msg.Get("linkedid"),
		State:             msg.Get("channelstate"),
		StateDesc:         msg.Get("channelstatedesc"),
		CallerIDNum:       msg.Get("calleridnum"),
		CallerIDName:      msg.Get("calleridname"),
		ConnectedLineNum:  msg.Get("connectedlinenum"),
		ConnectedLineName: msg.Get("connectedlinename"),
		Context:           msg.Get("context"),
		Exten:             msg.Get("exten"),
		Priority:          msg.Get("priority"),
	}
	cl.registry.Add(ch)
	cl.emit(msg, EventChannelCreated)
}

func (cl *Classifier) handleNewState(msg Message) {
	cl.registry.UpdateState(msg.Get("uniqueid"), msg.Get("channelstate"), msg.Get("channelstatedesc"))
	cl.emit(msg, EventChannelState)
}

func (cl *Classifier) handleHangup(msg Message) {
	cl.registry.Remove(msg.Get("uniqueid"))
	cl.emit(msg, EventChannelHangup)
}

func (cl *Classifier) handleBridge(msg Message) {
	// Classic Bridge events carry two channel legs; BridgeEnter carries one.
	uniqueID := msg.Get("uniqueid")
	channel := msg.Get("channel")
	if uniqueID == "" {
		uniqueID = msg.Get("uniqueid1")
		channel = msg.Get("channel1")
	}

	cl.registry.UpdateConnectedLine(uniqueID, msg.Get("connectedlinenum"), msg.Get("connectedlinename"))

	if cl.handler == nil {
		return
	}
	cl.handler(ChannelEvent{
		Kind:         EventChannelBridged,
		Channel:      channel,
		UniqueID:     uniqueID,
		LinkedID:     msg.Get("linkedid"),
		CallerIDNum:  msg.Get("calleridnum"),
		CallerIDName: msg.Get("calleridname"),
		PeerChannel:  msg.Get("channel2"),
		BridgeID:     firstNonEmpty(msg.Get("bridgeuniqueid"), msg.Get("bridgeid")),
		Timestamp:    time.Now(),
	})
}

func (cl *Classifier) handleDial(msg Message) {
	cl.emit(msg, EventChannelDialed)
}

// emit builds the normalized event from the common field set. The registry
// has already been updated, so handlers observing the event see consistent
// channel state.
func (cl *Classifier) emit(msg Message, kind ChannelEventKind) {
	if cl.handler == nil {
		return
	}
	cl.handler(ChannelEvent{
		Kind:         kind,
		Channel:      msg.Get("channel"),
		UniqueID:     msg.Get("uniqueid"),
		LinkedID:     msg.Get("linkedid"),
		CallerIDNum:  msg.Get("calleridnum"),
		CallerIDName: msg.Get("calleridname"),
		Context:      msg.Get("context"),
		Exten:        msg.Get("exten"),
		State:        msg.Get("channelstate"),
		StateDesc:    msg.Get("channelstatedesc"),
		HangupCause:  msg.Get("cause"),
		Timestamp:    time.Now(),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
