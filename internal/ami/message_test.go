package ami

import (
	"errors"
	"strings"
	"testing"
)

func TestDecoder_SingleFrame(t *testing.T) {
	stream := "Response: Success\r\nActionID: abc-123\r\nMessage: Authentication accepted\r\n\r\n"
	d := NewDecoder(strings.NewReader(stream))

	msg, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if !msg.IsResponse() {
		t.Error("expected a response frame")
	}
	if !msg.Success() {
		t.Error("expected Success() = true")
	}
	if got := msg.ActionID(); got != "abc-123" {
		t.Errorf("ActionID() = %q, want %q", got, "abc-123")
	}
	if got := msg.Get("message"); got != "Authentication accepted" {
		t.Errorf("Get(message) = %q, want %q", got, "Authentication accepted")
	}
}

func TestDecoder_MultipleFrames(t *testing.T) {
	stream := "Event: Newchannel\r\nChannel: SIP/100-0001\r\n\r\n" +
		"Event: Hangup\r\nChannel: SIP/100-0001\r\nCause: 16\r\n\r\n"
	d := NewDecoder(strings.NewReader(stream))

	first, err := d.Next()
	if err != nil {
		t.Fatalf("first Next() error: %v", err)
	}
	if got := first.EventName(); got != "Newchannel" {
		t.Errorf("first EventName() = %q, want Newchannel", got)
	}

	second, err := d.Next()
	if err != nil {
		t.Fatalf("second Next() error: %v", err)
	}
	if got := second.EventName(); got != "Hangup" {
		t.Errorf("second EventName() = %q, want Hangup", got)
	}
	if got := second.Get("Cause"); got != "16" {
		t.Errorf("Get(Cause) = %q, want 16", got)
	}
}

func TestDecoder_CaseInsensitiveKeys(t *testing.T) {
	stream := "EVENT: Newstate\r\nUniqueID: 123.456\r\n\r\n"
	d := NewDecoder(strings.NewReader(stream))

	msg, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if got := msg.Get("uniqueid"); got != "123.456" {
		t.Errorf("Get(uniqueid) = %q, want 123.456", got)
	}
	if got := msg.Get("UniqueID"); got != "123.456" {
		t.Errorf("Get(UniqueID) = %q, want 123.456", got)
	}
}

func TestDecoder_DuplicateKeyLastWins(t *testing.T) {
	stream := "Event: Test\r\nVariable: a=1\r\nVariable: b=2\r\n\r\n"
	d := NewDecoder(strings.NewReader(stream))

	msg, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if got := msg.Get("variable"); got != "b=2" {
		t.Errorf("Get(variable) = %q, want b=2 (last value wins)", got)
	}
}

func TestDecoder_MalformedFrameResyncs(t *testing.T) {
	// The middle frame contains a line with no separator. It must be
	// reported as a protocol error and the following frame must still parse.
	stream := "Event: First\r\n\r\n" +
		"this line has no separator\r\nEvent: Broken\r\n\r\n" +
		"Event: Third\r\n\r\n"
	d := NewDecoder(strings.NewReader(stream))

	first, err := d.Next()
	if err != nil {
		t.Fatalf("first Next() error: %v", err)
	}
	if got := first.EventName(); got != "First" {
		t.Errorf("first EventName() = %q, want First", got)
	}

	_, err = d.Next()
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("second Next() error = %v, want *ProtocolError", err)
	}
	if perr.Line != "this line has no separator" {
		t.Errorf("ProtocolError.Line = %q", perr.Line)
	}

	third, err := d.Next()
	if err != nil {
		t.Fatalf("third Next() error: %v", err)
	}
	if got := third.EventName(); got != "Third" {
		t.Errorf("third EventName() = %q, want Third", got)
	}
}

func TestDecoder_StrayBlankLines(t *testing.T) {
	stream := "\r\n\r\nEvent: Late\r\n\r\n"
	d := NewDecoder(strings.NewReader(stream))

	msg, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if got := msg.EventName(); got != "Late" {
		t.Errorf("EventName() = %q, want Late", got)
	}
}

func TestDecoder_ReadBanner(t *testing.T) {
	stream := "Asterisk Call Manager/5.0.2\r\nResponse: Success\r\n\r\n"
	d := NewDecoder(strings.NewReader(stream))

	banner, err := d.ReadBanner()
	if err != nil {
		t.Fatalf("ReadBanner() error: %v", err)
	}
	if banner != "Asterisk Call Manager/5.0.2" {
		t.Errorf("ReadBanner() = %q", banner)
	}

	msg, err := d.Next()
	if err != nil {
		t.Fatalf("Next() after banner error: %v", err)
	}
	if !msg.IsResponse() {
		t.Error("expected a response frame after the banner")
	}
}

func TestEncodeAction_FieldOrder(t *testing.T) {
	frame := string(encodeAction("Originate", "id-1", map[string]string{
		"Exten":   "100",
		"Channel": "SIP/100",
		"Context": "default",
	}))

	want := "Action: Originate\r\nActionID: id-1\r\nChannel: SIP/100\r\nContext: default\r\nExten: 100\r\n\r\n"
	if frame != want {
		t.Errorf("encodeAction:\n got %q\nwant %q", frame, want)
	}
}

func TestEncodeAction_RoundTrip(t *testing.T) {
	frame := encodeAction("Hangup", "id-2", map[string]string{"Channel": "SIP/100-0001"})
	d := NewDecoder(strings.NewReader(string(frame)))

	msg, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if got := msg.Get("action"); got != "Hangup" {
		t.Errorf("Get(action) = %q, want Hangup", got)
	}
	if got := msg.ActionID(); got != "id-2" {
		t.Errorf("ActionID() = %q, want id-2", got)
	}
	if got := msg.Get("channel"); got != "SIP/100-0001" {
		t.Errorf("Get(channel) = %q, want SIP/100-0001", got)
	}
}
