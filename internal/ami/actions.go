package ami

import (
	"context"
	"sort"
	"strconv"
	"strings"
)

// Operator action wrappers. Each submits one manager action through the
// correlator and returns the matched response; a "Response: Error" frame
// surfaces as an *ActionError carrying the manager's message.

// Ping sends a liveness probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Send(ctx, "Ping", nil)
	return err
}

// GetChannelStatus requests the manager's view of one channel. The response
// resolves the action; the Status events it triggers flow through the normal
// event path.
func (c *Client) GetChannelStatus(ctx context.Context, channel string) (Message, error) {
	return c.Send(ctx, "Status", map[string]string{"Channel": channel})
}

// Hangup requests termination of a channel. cause is an ISDN cause code;
// zero omits the field and lets the manager pick its default.
func (c *Client) Hangup(ctx context.Context, channel string, cause int) error {
	fields := map[string]string{"Channel": channel}
	if cause > 0 {
		fields["Cause"] = strconv.Itoa(cause)
	}
	_, err := c.Send(ctx, "Hangup", fields)
	return err
}

// Redirect transfers a channel to a new dialplan position.
func (c *Client) Redirect(ctx context.Context, channel, context_, exten string, priority int) error {
	_, err := c.Send(ctx, "Redirect", map[string]string{
		"Channel":  channel,
		"Context":  context_,
		"Exten":    exten,
		"Priority": strconv.Itoa(priority),
	})
	return err
}

// OriginateRequest describes an outbound call placed on the operator's behalf.
type OriginateRequest struct {
	Channel   string
	Context   string
	Exten     string
	Priority  int
	CallerID  string
	Timeout   int // milliseconds; zero lets the manager default apply
	Async     bool
	Variables map[string]string
}

// Originate places an outbound call. With Async set the response acknowledges
// queuing only; call progress arrives as channel events.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (Message, error) {
	fields := map[string]string{
		"Channel": req.Channel,
		"Context": req.Context,
		"Exten":   req.Exten,
	}
	if req.Priority > 0 {
		fields["Priority"] = strconv.Itoa(req.Priority)
	}
	if req.CallerID != "" {
		fields["CallerID"] = req.CallerID
	}
	if req.Timeout > 0 {
		fields["Timeout"] = strconv.Itoa(req.Timeout)
	}
	if req.Async {
		fields["Async"] = "true"
	}
	if len(req.Variables) > 0 {
		// Originate accepts a single comma-separated Variable field.
		keys := make([]string, 0, len(req.Variables))
		for k := range req.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+req.Variables[k])
		}
		fields["Variable"] = strings.Join(pairs, ",")
	}
	return c.Send(ctx, "Originate", fields)
}

// Bridge joins two existing channels into a media bridge.
func (c *Client) Bridge(ctx context.Context, channel1, channel2 string) error {
	_, err := c.Send(ctx, "Bridge", map[string]string{
		"Channel1": channel1,
		"Channel2": channel2,
	})
	return err
}
