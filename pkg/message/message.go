// Package message defines the conversation data model shared by the
// tool-server host, the model client contract, the agent turn-loop, and
// the session store: roles, messages, and the tagged content-block
// variants (text, tool use, tool result, thinking).
package message

// Role identifies who produced a Message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// Message is one turn of conversation: a role plus an ordered sequence
// of content blocks.
type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// Text concatenates every TextBlock in the message, in order.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, b := range m.Blocks {
		if t, ok := b.(TextBlock); ok {
			out += t.Text
		}
	}
	return out
}

// ToolUses returns every ToolUseBlock in the message, in order.
func (m *Message) ToolUses() []ToolUseBlock {
	if m == nil {
		return nil
	}
	var out []ToolUseBlock
	for _, b := range m.Blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}

// Kind discriminates the concrete type of a Block.
type Kind string

const (
	KindText       Kind = "text"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindThinking   Kind = "thinking"
)

// Block is the tagged-variant content carried by a Message, per §3 of the
// specification: Text, ToolUse, ToolResult, Thinking.
type Block interface {
	Kind() Kind
}

// TextBlock is a plain-text content block.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) Kind() Kind { return KindText }

// ToolUseBlock records an assistant request to invoke a tool.
type ToolUseBlock struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

func (ToolUseBlock) Kind() Kind { return KindToolUse }

// ToolResultBlock carries the outcome of executing a ToolUseBlock.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

func (ToolResultBlock) Kind() Kind { return KindToolResult }

// ThinkingBlock carries a provider's exposed reasoning trace.
type ThinkingBlock struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

func (ThinkingBlock) Kind() Kind { return KindThinking }

// WireBlock is Block's durable, serializable form: since Block is an
// interface, encoding/json would otherwise lose the concrete variant on
// a round trip through the session store. WireBlock carries every
// variant's fields side by side, tagged by Kind, the way a tagged union
// is represented over JSON.
type WireBlock struct {
	Kind Kind `json:"kind"`

	Text string `json:"text,omitempty"` // TextBlock, ThinkingBlock

	ID    string         `json:"id,omitempty"`    // ToolUseBlock
	Name  string         `json:"name,omitempty"`  // ToolUseBlock
	Input map[string]any `json:"input,omitempty"` // ToolUseBlock

	ToolUseID string `json:"tool_use_id,omitempty"` // ToolResultBlock
	Content   string `json:"content,omitempty"`     // ToolResultBlock
	IsError   bool   `json:"is_error,omitempty"`    // ToolResultBlock

	Signature string `json:"signature,omitempty"` // ThinkingBlock
}

// ToWireBlock converts a single Block to its durable form.
func ToWireBlock(b Block) WireBlock {
	switch v := b.(type) {
	case TextBlock:
		return WireBlock{Kind: KindText, Text: v.Text}
	case ToolUseBlock:
		return WireBlock{Kind: KindToolUse, ID: v.ID, Name: v.Name, Input: v.Input}
	case ToolResultBlock:
		return WireBlock{Kind: KindToolResult, ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError}
	case ThinkingBlock:
		return WireBlock{Kind: KindThinking, Text: v.Text, Signature: v.Signature}
	default:
		return WireBlock{Kind: KindText}
	}
}

// FromWireBlock reconstructs the concrete Block a WireBlock was built from.
func FromWireBlock(w WireBlock) Block {
	switch w.Kind {
	case KindToolUse:
		return ToolUseBlock{ID: w.ID, Name: w.Name, Input: w.Input}
	case KindToolResult:
		return ToolResultBlock{ToolUseID: w.ToolUseID, Content: w.Content, IsError: w.IsError}
	case KindThinking:
		return ThinkingBlock{Text: w.Text, Signature: w.Signature}
	default:
		return TextBlock{Text: w.Text}
	}
}

// ToWireBlocks converts every Block in blocks to its durable form, in order.
func ToWireBlocks(blocks []Block) []WireBlock {
	out := make([]WireBlock, len(blocks))
	for i, b := range blocks {
		out[i] = ToWireBlock(b)
	}
	return out
}

// FromWireBlocks reconstructs the Block sequence a WireBlock sequence was
// built from, in order.
func FromWireBlocks(wire []WireBlock) []Block {
	out := make([]Block, len(wire))
	for i, w := range wire {
		out[i] = FromWireBlock(w)
	}
	return out
}
