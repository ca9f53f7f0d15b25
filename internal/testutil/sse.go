// Package testutil provides helpers shared by HTTP-level tests.
package testutil

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"
)

// Frame is one parsed frame of an event stream body.
type Frame struct {
	Type string // event: value
	Data string // data: value (multi-line joined with \n)
}

// ParseFrames parses a complete event-stream body into frames.
// Multiple data: lines are joined with newline, a blank line
// terminates a frame, and comment lines starting with ":" are ignored.
func ParseFrames(t *testing.T, body string) []Frame {
	t.Helper()

	var frames []Frame
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current Frame
	var dataLines []string
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSuffix(scanner.Text(), "\r")

		switch {
		case strings.HasPrefix(line, "event: "):
			if current.Type != "" && len(dataLines) > 0 {
				t.Fatalf("frame parse error at line %d: new frame before previous one terminated (got %q)", lineNum, line)
			}
			current.Type = strings.TrimPrefix(line, "event: ")

		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))

		case line == "":
			if current.Type != "" {
				current.Data = strings.Join(dataLines, "\n")
				frames = append(frames, current)
				current = Frame{}
				dataLines = nil
			}

		default:
			if !strings.HasPrefix(line, ":") {
				t.Fatalf("frame parse error at line %d: unexpected line %q", lineNum, line)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		t.Fatalf("frame scan error: %v", err)
	}
	if current.Type != "" {
		t.Fatalf("stream ended without terminating frame %q (missing blank line)", current.Type)
	}

	return frames
}

// Find returns the first frame of the given type, or nil.
func Find(frames []Frame, frameType string) *Frame {
	for i := range frames {
		if frames[i].Type == frameType {
			return &frames[i]
		}
	}
	return nil
}

// FindAll returns all frames of the given type.
func FindAll(frames []Frame, frameType string) []Frame {
	var found []Frame
	for _, f := range frames {
		if f.Type == frameType {
			found = append(found, f)
		}
	}
	return found
}

// DecodeData unmarshals a frame's data payload into out.
func DecodeData(t *testing.T, f Frame, out any) {
	t.Helper()
	if err := json.Unmarshal([]byte(f.Data), out); err != nil {
		t.Fatalf("decode frame data %q: %v", f.Data, err)
	}
}
