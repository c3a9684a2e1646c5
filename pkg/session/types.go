// Package session implements the Session Store (C2): durable execution
// records keyed by session id, with cascade delete and a retention sweep.
package session

import (
	"time"

	"github.com/aurite-run/aurite/pkg/message"
)

// Kind distinguishes an agent session from a workflow session.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindWorkflow Kind = "workflow"
)

// Session is one persisted execution record (§3). CreatedAt is immutable
// after the first write; LastUpdated is monotonically non-decreasing;
// BaseID equals ID for a root session.
type Session struct {
	ID              string            `json:"id"`
	BaseID          string            `json:"base_id"`
	Kind            Kind              `json:"kind"`
	Name            string            `json:"name"`
	CreatedAt       time.Time         `json:"created_at"`
	LastUpdated     time.Time         `json:"last_updated"`
	MessageCount    int               `json:"message_count"`
	AgentsInvolved  map[string]string `json:"agents_involved"` // session_id -> agent_name
	Result          any               `json:"result,omitempty"`
	Messages        []StoredMessage   `json:"messages,omitempty"`
}

// StoredMessage is one durable conversation turn attributed to an agent,
// written by SaveAgent or appended one at a time by AppendMessage (§4.2). It
// carries the message's full content-block sequence, not a flattened
// text summary, so a tool_use/tool_result/thinking turn round-trips
// through the store without losing the blocks a resumed conversation
// needs (§3 Message/ContentBlock, §8 invariant 2).
type StoredMessage struct {
	AgentName string              `json:"agent_name"`
	Role      string              `json:"role"`
	Blocks    []message.WireBlock `json:"blocks"`
}

// Text concatenates every TextBlock carried by the message, for display
// purposes (e.g. deriving a session name); it is not how the message is
// rehydrated into a conversation - that uses Blocks in full.
func (m StoredMessage) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Kind == message.KindText {
			out += b.Text
		}
	}
	return out
}
