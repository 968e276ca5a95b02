package domain

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a chat message.
type Role string

const (
	// RoleUser marks caller-authored messages.
	RoleUser Role = "user"
	// RoleAssistant marks backend (or synthesized) replies.
	RoleAssistant Role = "assistant"
)

// CodeSource records which extraction strategy produced a code block.
type CodeSource string

const (
	// CodeSourceStructured is code supplied in an explicit reply field.
	CodeSourceStructured CodeSource = "structured"
	// CodeSourceFenced is code scanned out of fenced segments in the reply text.
	CodeSourceFenced CodeSource = "fenced"
	// CodeSourceFallback is a synthesized placeholder.
	CodeSourceFallback CodeSource = "fallback"
)

// CodeBlock is one code artifact extracted from a reply.
type CodeBlock struct {
	Language   string     `json:"language"`
	Content    string     `json:"content"`
	Filename   string     `json:"filename,omitempty"`
	Source     CodeSource `json:"source"`
	IsFallback bool       `json:"is_fallback"`
}

// ChatMessage is one entry of the conversation history.
type ChatMessage struct {
	ID               string      `json:"id"`
	Role             Role        `json:"role"`
	Content          string      `json:"content"`
	Timestamp        time.Time   `json:"timestamp"`
	SessionID        string      `json:"session_id"`
	ProcessingTimeMs *int64      `json:"processing_time_ms,omitempty"`
	TokenCount       *int        `json:"token_count,omitempty"`
	Succeeded        bool        `json:"succeeded"`
	IsFallback       bool        `json:"is_fallback"`
	CodeBlocks       []CodeBlock `json:"code_blocks,omitempty"`
}

// RawReply is the chat reply as the backend sent it. The code fields keep
// their raw JSON because their shape varies between backend versions.
type RawReply struct {
	SessionID      string          `json:"sessionId,omitempty"`
	Message        string          `json:"message"`
	TokensUsed     int             `json:"tokensUsed,omitempty"`
	Model          string          `json:"model,omitempty"`
	ResponseTimeMs int64           `json:"responseTimeMs,omitempty"`
	CodeBlocks     json.RawMessage `json:"codeBlocks,omitempty"`
	Code           json.RawMessage `json:"code,omitempty"`
	CodeData       json.RawMessage `json:"codeData,omitempty"`
}

// ParsedReply is the normalized form of a RawReply.
type ParsedReply struct {
	Narrative  string      `json:"narrative"`
	CodeBlocks []CodeBlock `json:"code_blocks"`
}

// HasFallback reports whether any code block was synthesized.
func (p ParsedReply) HasFallback() bool {
	for _, b := range p.CodeBlocks {
		if b.IsFallback {
			return true
		}
	}
	return false
}

// Reply is what the presentation layer receives for one SendMessage call.
type Reply struct {
	Message    ChatMessage `json:"message"`
	Narrative  string      `json:"narrative"`
	CodeBlocks []CodeBlock `json:"code_blocks"`
	SessionID  string      `json:"session_id,omitempty"`
	IsFallback bool        `json:"is_fallback"`
}
