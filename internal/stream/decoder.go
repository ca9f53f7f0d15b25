package stream

import (
	"bytes"
	"strings"
)

// Decoder incrementally parses wire frames from arbitrary byte chunks.
//
// Feed may be called with any split of the stream, including frames cut in
// the middle of a line; the trailing partial frame is buffered until the next
// chunk completes it. Frames with unknown event types or unparseable data are
// dropped silently so old consumers survive new producers.
type Decoder struct {
	buf []byte
}

// frameSep delimits complete frames.
var frameSep = []byte("\n\n")

// Feed consumes the next chunk of the stream and returns the events from all
// frames completed by it.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		idx := bytes.Index(d.buf, frameSep)
		if idx < 0 {
			return events
		}
		frame := d.buf[:idx]
		d.buf = d.buf[idx+len(frameSep):]

		if e, ok := parseFrame(string(frame)); ok {
			events = append(events, e)
		}
	}
}

// Rest returns the buffered unterminated tail, if any.
// A non-empty rest after the stream closes means the producer was cut off.
func (d *Decoder) Rest() []byte {
	return d.buf
}

// parseFrame parses one complete frame. Lines are parsed independently;
// anything not matching "event: " or "data: " is ignored, as are comment
// lines starting with ":".
func parseFrame(frame string) (Event, bool) {
	var (
		typ      Type
		data     []string
		haveData bool
	)
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			typ = Type(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			haveData = true
		}
	}
	if typ == "" || !haveData {
		return Event{}, false
	}
	// Multiple data lines join with newline per the framing rules.
	return decodePayload(typ, []byte(strings.Join(data, "\n")))
}
