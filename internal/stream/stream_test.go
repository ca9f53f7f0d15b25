package stream

import (
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/pagemate/pagemate/internal/tools"
)

func sampleEvents() []Event {
	return []Event{
		StatusEvent(PhaseThinking),
		TokenEvent("Hallo "),
		TokenEvent("Welt"),
		ToolEvent(Tool{
			Name:      "navigate",
			Arguments: map[string]any{"page": "projekte"},
			Status:    ToolClient,
		}),
		ToolEvent(Tool{
			Name:         "rememberUser",
			Status:       ToolDone,
			IsServerTool: true,
			Result:       &tools.Result{Name: "rememberUser", Success: true, Message: "remembered name = Max"},
		}),
		MessageEvent(Message{
			Text:      "Hallo Welt",
			ToolCalls: []tools.Call{{Name: "navigate", Arguments: map[string]any{"page": "projekte"}}},
			HasMemory: true,
		}),
		ErrorEvent("backend unavailable", true),
		DoneEvent(1736510400000),
	}
}

func TestRoundTrip_SingleChunk(t *testing.T) {
	t.Parallel()

	var wire []byte
	for _, e := range sampleEvents() {
		frame, err := Encode(e)
		if err != nil {
			t.Fatalf("Encode(%s) error: %v", e.Type, err)
		}
		wire = append(wire, frame...)
	}

	var dec Decoder
	got := dec.Feed(wire)

	want := sampleEvents()
	if len(got) != len(want) {
		t.Fatalf("decoded %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if !reflect.DeepEqual(got[i], want[i]) {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if len(dec.Rest()) != 0 {
		t.Errorf("decoder retained %q after complete stream", dec.Rest())
	}
}

func TestRoundTrip_FrameSplitAcrossChunks(t *testing.T) {
	t.Parallel()

	frame, err := Encode(MessageEvent(Message{Text: "Zeig mir die Projekte", ToolCalls: []tools.Call{}}))
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	// Cut at every possible byte boundary; no split may lose data.
	for cut := 1; cut < len(frame); cut++ {
		var dec Decoder
		events := dec.Feed(frame[:cut])
		events = append(events, dec.Feed(frame[cut:])...)

		if len(events) != 1 {
			t.Fatalf("cut at %d: decoded %d events, want 1", cut, len(events))
		}
		if events[0].Message == nil || events[0].Message.Text != "Zeig mir die Projekte" {
			t.Fatalf("cut at %d: message payload lost: %+v", cut, events[0])
		}
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	t.Parallel()

	var wire []byte
	for _, e := range sampleEvents() {
		frame, err := Encode(e)
		if err != nil {
			t.Fatal(err)
		}
		wire = append(wire, frame...)
	}

	var dec Decoder
	var got []Event
	for i := range wire {
		got = append(got, dec.Feed(wire[i:i+1])...)
	}
	if len(got) != len(sampleEvents()) {
		t.Fatalf("decoded %d events, want %d", len(got), len(sampleEvents()))
	}
}

func TestDecoder_IgnoresUnknownTypes(t *testing.T) {
	t.Parallel()

	input := "event: heartbeat\ndata: {}\n\n" +
		"event: token\ndata: {\"text\":\"ok\"}\n\n"

	var dec Decoder
	events := dec.Feed([]byte(input))
	if len(events) != 1 {
		t.Fatalf("decoded %d events, want 1 (unknown type ignored)", len(events))
	}
	if events[0].Type != TypeToken || events[0].Token.Text != "ok" {
		t.Errorf("surviving event = %+v", events[0])
	}
}

func TestDecoder_DropsMalformedDataSilently(t *testing.T) {
	t.Parallel()

	input := "event: token\ndata: {not json\n\n" +
		"event: done\ndata: {\"ts\":1}\n\n"

	var dec Decoder
	events := dec.Feed([]byte(input))
	if len(events) != 1 {
		t.Fatalf("decoded %d events, want 1 (malformed frame dropped)", len(events))
	}
	if events[0].Type != TypeDone {
		t.Errorf("surviving event type = %s, want done", events[0].Type)
	}
}

func TestDecoder_ToleratesCommentsAndCRLF(t *testing.T) {
	t.Parallel()

	input := ": keepalive comment\nevent: status\ndata: {\"phase\":\"thinking\"}\n\n" +
		"event: done\r\ndata: {\"ts\":2}\r\n\n"

	var dec Decoder
	events := dec.Feed([]byte(input))
	if len(events) != 2 {
		t.Fatalf("decoded %d events, want 2", len(events))
	}
	if events[0].Status == nil || events[0].Status.Phase != PhaseThinking {
		t.Errorf("first event = %+v", events[0])
	}
}

func TestDecoder_RetainsPartialTail(t *testing.T) {
	t.Parallel()

	var dec Decoder
	events := dec.Feed([]byte("event: token\ndata: {\"text\":\"cut off"))
	if len(events) != 0 {
		t.Fatalf("decoded %d events from partial frame, want 0", len(events))
	}
	if len(dec.Rest()) == 0 {
		t.Error("partial frame should be retained in the buffer")
	}
}

func TestWriter_EmitsFramesAndFlushes(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}

	if err := w.Emit(StatusEvent(PhaseStreaming)); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	if err := w.Emit(DoneEvent(42)); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: status\ndata: {\"phase\":\"streaming\"}\n\n") {
		t.Errorf("body missing status frame: %q", body)
	}
	if !strings.Contains(body, "event: done\ndata: {\"ts\":42}\n\n") {
		t.Errorf("body missing done frame: %q", body)
	}
	if !rec.Flushed {
		t.Error("writer must flush after frames")
	}
}
