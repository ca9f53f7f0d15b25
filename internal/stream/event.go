// Package stream defines the event protocol shared by the orchestrator
// (producer) and the client runtime (consumer).
//
// The wire format is a sequence of frames on a long-lived HTTP response body.
// Each frame is one "event: <type>" line, one "data: <json>" line and a blank
// line. Events are ephemeral; they exist only on the wire.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/pagemate/pagemate/internal/tools"
)

// Type discriminates stream events.
type Type string

// Valid event types.
const (
	TypeStatus  Type = "status"
	TypeToken   Type = "token"
	TypeTool    Type = "tool"
	TypeMessage Type = "message"
	TypeError   Type = "error"
	TypeDone    Type = "done"
)

// Phase values carried by status events.
type Phase string

// Turn phases.
const (
	PhaseThinking     Phase = "thinking"
	PhaseStreaming    Phase = "streaming"
	PhaseSynthesizing Phase = "synthesizing"
)

// ToolStatus values carried by tool events.
type ToolStatus string

// Tool event statuses.
const (
	ToolExecuting ToolStatus = "executing"
	ToolDone      ToolStatus = "done"
	ToolClient    ToolStatus = "client"
)

// Status is the payload of a status event.
type Status struct {
	Phase Phase `json:"phase"`
}

// Token is the payload of a token event. Text is an incremental delta to
// append to the running buffer; chunking granularity is not a contract.
type Token struct {
	Text string `json:"text"`
}

// Tool is the payload of a tool event.
type Tool struct {
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Status       ToolStatus     `json:"status"`
	Result       *tools.Result  `json:"result,omitempty"`
	IsServerTool bool           `json:"isServerTool,omitempty"`
}

// Message is the single authoritative final payload of a turn. Its Text
// replaces any locally accumulated token buffer.
type Message struct {
	Text        string       `json:"text"`
	ToolCalls   []tools.Call `json:"toolCalls"`
	HasMemory   bool         `json:"hasMemory"`
	HasImage    bool         `json:"hasImage"`
	ToolResults []string     `json:"toolResults,omitempty"`
}

// ErrorInfo is the payload of an error event.
type ErrorInfo struct {
	Text      string `json:"text"`
	Retryable bool   `json:"retryable"`
}

// Done terminates every turn, exactly once, always last.
type Done struct {
	TS int64 `json:"ts"`
}

// Event is the tagged union carried by one frame. Exactly the payload
// matching Type is non-nil.
type Event struct {
	Type    Type
	Status  *Status
	Token   *Token
	Tool    *Tool
	Message *Message
	Error   *ErrorInfo
	Done    *Done
}

// Constructors for the common cases.

// StatusEvent builds a status event.
func StatusEvent(phase Phase) Event {
	return Event{Type: TypeStatus, Status: &Status{Phase: phase}}
}

// TokenEvent builds a token event carrying one text delta.
func TokenEvent(text string) Event {
	return Event{Type: TypeToken, Token: &Token{Text: text}}
}

// ToolEvent builds a tool event.
func ToolEvent(t Tool) Event {
	return Event{Type: TypeTool, Tool: &t}
}

// MessageEvent builds the final message event.
func MessageEvent(m Message) Event {
	return Event{Type: TypeMessage, Message: &m}
}

// ErrorEvent builds an error event.
func ErrorEvent(text string, retryable bool) Event {
	return Event{Type: TypeError, Error: &ErrorInfo{Text: text, Retryable: retryable}}
}

// DoneEvent builds the terminating event.
func DoneEvent(ts int64) Event {
	return Event{Type: TypeDone, Done: &Done{TS: ts}}
}

// payload returns the JSON payload for the event's type.
func (e Event) payload() (any, error) {
	switch e.Type {
	case TypeStatus:
		return e.Status, nil
	case TypeToken:
		return e.Token, nil
	case TypeTool:
		return e.Tool, nil
	case TypeMessage:
		return e.Message, nil
	case TypeError:
		return e.Error, nil
	case TypeDone:
		return e.Done, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// decodePayload parses data into the payload slot matching typ.
// Returns false for unknown types or unparseable data.
func decodePayload(typ Type, data []byte) (Event, bool) {
	e := Event{Type: typ}
	var err error
	switch typ {
	case TypeStatus:
		e.Status = &Status{}
		err = json.Unmarshal(data, e.Status)
	case TypeToken:
		e.Token = &Token{}
		err = json.Unmarshal(data, e.Token)
	case TypeTool:
		e.Tool = &Tool{}
		err = json.Unmarshal(data, e.Tool)
	case TypeMessage:
		e.Message = &Message{}
		err = json.Unmarshal(data, e.Message)
	case TypeError:
		e.Error = &ErrorInfo{}
		err = json.Unmarshal(data, e.Error)
	case TypeDone:
		e.Done = &Done{}
		err = json.Unmarshal(data, e.Done)
	default:
		return Event{}, false
	}
	if err != nil {
		return Event{}, false
	}
	return e, true
}
