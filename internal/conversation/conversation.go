// Package conversation holds chat history shared between the server
// orchestrator and the page client. History is bounded so prompts stay
// within the model context window.
package conversation

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxTurns bounds how much history travels with each request.
const MaxTurns = 20

// Turn is a single utterance in a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Log is a bounded conversation history. Appending beyond MaxTurns
// drops the oldest turns. The zero value is ready to use.
type Log struct {
	turns []Turn
}

// NewLog builds a Log from existing turns, keeping only the newest
// MaxTurns of them.
func NewLog(turns []Turn) *Log {
	l := &Log{}
	for _, t := range turns {
		l.Append(t)
	}
	return l
}

// Append adds a turn, evicting the oldest when the log is full.
func (l *Log) Append(t Turn) {
	l.turns = append(l.turns, t)
	if len(l.turns) > MaxTurns {
		l.turns = l.turns[len(l.turns)-MaxTurns:]
	}
}

// Turns returns a copy of the history, oldest first.
func (l *Log) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len reports how many turns the log holds.
func (l *Log) Len() int {
	return len(l.turns)
}

// Truncate keeps only the newest n turns in place.
func Truncate(turns []Turn, n int) []Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
