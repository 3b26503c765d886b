package domain

import (
	"encoding/json"
	"time"
)

// Caller is the verified identity attached to every inbound request.
// Authentication itself happens outside the gateway; the repository only
// resolves an already-issued API key to its owner.
type Caller struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	APIKeyHash   string    `json:"-"`
	RateLimitRPM int       `json:"rate_limit_rpm"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Payload is a client-submitted chat-completion body. It stays a loose map
// so provider passthrough fields survive normalization untouched.
type Payload map[string]any

// Clone returns a shallow copy safe for top-level key rewrites.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Model returns the payload's model id, or "" when absent.
func (p Payload) Model() string {
	s, _ := p["model"].(string)
	return s
}

// Stream reports whether the client asked for an SSE response.
func (p Payload) Stream() bool {
	b, _ := p["stream"].(bool)
	return b
}

// Messages returns the conversation as loose maps; nil when absent or malformed.
func (p Payload) Messages() []map[string]any {
	raw, ok := p["messages"].([]any)
	if !ok {
		return nil
	}
	msgs := make([]map[string]any, 0, len(raw))
	for _, m := range raw {
		if mm, ok := m.(map[string]any); ok {
			msgs = append(msgs, mm)
		}
	}
	return msgs
}

// LastUserContent returns the text content of the final message. Structured
// (multi-part) content yields "".
func (p Payload) LastUserContent() string {
	msgs := p.Messages()
	if len(msgs) == 0 {
		return ""
	}
	s, _ := msgs[len(msgs)-1]["content"].(string)
	return s
}

// ToolCall is one tool/function directive emitted by a model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult resolves exactly one ToolCall. Content is the JSON-encoded
// result the model reads in the continuation round-trip.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
}

// ResponseMessage is the assistant message of a buffered upstream response.
// Raw preserves the exact upstream encoding for continuation requests.
type ResponseMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content,omitempty"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func (m *ResponseMessage) UnmarshalJSON(data []byte) error {
	type alias ResponseMessage
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = ResponseMessage(a)
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

type Choice struct {
	Index        int              `json:"index"`
	Message      *ResponseMessage `json:"message,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// CatalogModel is one entry of the aggregated model catalog. URLIdx is the
// owning provider's position in the configured base-URL list and the only
// identity used for routing.
type CatalogModel struct {
	ID       string
	Name     string
	OwnedBy  string
	URLIdx   int
	Pipeline bool
	Raw      json.RawMessage
}

// MarshalJSON spreads the raw upstream fields and overlays the gateway's
// annotations, matching the shape clients of the /models endpoint expect.
func (m CatalogModel) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if len(m.Raw) > 0 {
		if err := json.Unmarshal(m.Raw, &out); err != nil {
			out = map[string]any{}
		}
	}
	out["id"] = m.ID
	out["name"] = m.Name
	out["owned_by"] = m.OwnedBy
	out["urlIdx"] = m.URLIdx
	if len(m.Raw) > 0 {
		out["openai"] = json.RawMessage(m.Raw)
	}
	if m.Pipeline {
		out["pipeline"] = true
	}
	return json.Marshal(out)
}

func (m *CatalogModel) UnmarshalJSON(data []byte) error {
	var probe struct {
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		OwnedBy  string          `json:"owned_by"`
		URLIdx   int             `json:"urlIdx"`
		Pipeline bool            `json:"pipeline"`
		OpenAI   json.RawMessage `json:"openai"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	m.ID = probe.ID
	m.Name = probe.Name
	m.OwnedBy = probe.OwnedBy
	m.URLIdx = probe.URLIdx
	m.Pipeline = probe.Pipeline
	m.Raw = probe.OpenAI
	return nil
}

type ModelsResponse struct {
	Object string         `json:"object"`
	Data   []CatalogModel `json:"data"`
}
