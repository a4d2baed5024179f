package ami

import (
	"bufio"
	"io"
	"sort"
	"strings"
)

// Message is one decoded frame from the manager connection: a set of
// key/value fields. Keys are stored lowercased; on duplicate keys the last
// value wins. A Message is immutable once constructed.
type Message struct {
	fields map[string]string
}

// NewMessage builds a Message from a field map. Keys are lowercased.
func NewMessage(fields map[string]string) Message {
	m := Message{fields: make(map[string]string, len(fields))}
	for k, v := range fields {
		m.fields[strings.ToLower(k)] = v
	}
	return m
}

// Get returns the value for a field, matched case-insensitively.
func (m Message) Get(key string) string {
	return m.fields[strings.ToLower(key)]
}

// Has reports whether the field is present.
func (m Message) Has(key string) bool {
	_, ok := m.fields[strings.ToLower(key)]
	return ok
}

// IsResponse reports whether the frame carries a Response marker field.
func (m Message) IsResponse() bool { return m.Has("response") }

// IsEvent reports whether the frame carries an Event marker field.
func (m Message) IsEvent() bool { return m.Has("event") }

// Success reports whether a response frame indicates success.
func (m Message) Success() bool {
	return strings.EqualFold(m.Get("response"), "Success")
}

// EventName returns the event name of an event frame, or "" for responses.
func (m Message) EventName() string { return m.Get("event") }

// ActionID returns the correlation identifier carried by the frame.
func (m Message) ActionID() string { return m.Get("actionid") }

// Fields returns a copy of the field map.
func (m Message) Fields() map[string]string {
	out := make(map[string]string, len(m.fields))
	for k, v := range m.fields {
		out[k] = v
	}
	return out
}

// Len returns the number of fields.
func (m Message) Len() int { return len(m.fields) }

// Decoder turns the manager byte stream into discrete Messages. Frames are
// sequences of "Key: Value" lines terminated by a blank line; the blank line
// is the only structural delimiter, so a malformed frame never desyncs the
// stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps a raw byte stream.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// ReadBanner consumes the single greeting line the manager sends on connect
// (e.g. "Asterisk Call Manager/5.0.2") and returns it.
func (d *Decoder) ReadBanner() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Next reads the next complete frame. It blocks until a full frame is
// available. A frame containing a line without a key/value separator is
// consumed through its blank-line boundary and reported as a *ProtocolError;
// the caller may keep reading. Transport errors are returned as-is.
func (d *Decoder) Next() (Message, error) {
	fields := make(map[string]string)
	var badLine string

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			return Message{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		// Blank line terminates the frame.
		if line == "" {
			// Skip stray blank lines between frames.
			if len(fields) == 0 && badLine == "" {
				continue
			}
			if badLine != "" {
				return Message{}, &ProtocolError{Line: badLine}
			}
			return Message{fields: fields}, nil
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			// Keep consuming until the frame boundary so the stream
			// stays in sync, then report the frame as malformed.
			if badLine == "" {
				badLine = line
			}
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
}

// encodeAction serializes an outgoing action frame. The Action field leads,
// the correlation ActionID follows, and the remaining fields are emitted in
// sorted order so encoding is deterministic.
func encodeAction(action, actionID string, fields map[string]string) []byte {
	var b strings.Builder
	b.WriteString("Action: ")
	b.WriteString(action)
	b.WriteString("\r\n")
	if actionID != "" {
		b.WriteString("ActionID: ")
		b.WriteString(actionID)
		b.WriteString("\r\n")
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(fields[k])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
