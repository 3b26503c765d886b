package toolcall

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/integration"
	"github.com/modelrelay/modelrelay/internal/queue"
)

type mockIntegration struct {
	kind             string
	tools            []map[string]any
	recognizesFunc   func(name string) bool
	forcedFunc       func(msg string) (any, bool)
	executeFunc      func(ctx context.Context, name string, args map[string]any, token string) (map[string]any, error)
	executedArgs     []map[string]any
	executedTokens   []string
	executedNames    []string
}

func (m *mockIntegration) Kind() string {
	if m.kind == "" {
		return "notion"
	}
	return m.kind
}

func (m *mockIntegration) Tools() []map[string]any {
	if m.tools != nil {
		return m.tools
	}
	return []map[string]any{
		{"type": "function", "function": map[string]any{"name": "search_notion"}},
	}
}

func (m *mockIntegration) Recognizes(name string) bool {
	if m.recognizesFunc != nil {
		return m.recognizesFunc(name)
	}
	return strings.Contains(name, "notion")
}

func (m *mockIntegration) ActionFor(name string) string { return "search" }

func (m *mockIntegration) ForcedToolChoice(msg string) (any, bool) {
	if m.forcedFunc != nil {
		return m.forcedFunc(msg)
	}
	return nil, false
}

func (m *mockIntegration) Execute(ctx context.Context, name string, args map[string]any, token string) (map[string]any, error) {
	m.executedNames = append(m.executedNames, name)
	m.executedArgs = append(m.executedArgs, args)
	m.executedTokens = append(m.executedTokens, token)
	if m.executeFunc != nil {
		return m.executeFunc(ctx, name, args, token)
	}
	return map[string]any{"status": "success"}, nil
}

func connectedStore(t *testing.T, userID, kind, token string) *integration.InMemoryStore {
	t.Helper()
	store := integration.NewInMemoryStore()
	if err := store.Upsert(context.Background(), &integration.Handle{
		UserID:      userID,
		Kind:        kind,
		AccessToken: token,
		Active:      true,
	}); err != nil {
		t.Fatalf("seed handle: %v", err)
	}
	return store
}

func toolCall(id, name, args string) domain.ToolCall {
	return domain.ToolCall{
		ID:   id,
		Type: "function",
		Function: domain.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestInjectToolsWhenConnected(t *testing.T) {
	mock := &mockIntegration{}
	o := New(Config{
		Integration: mock,
		Handles:     connectedStore(t, "user-1", "notion", "tok"),
	})

	payload := domain.Payload{
		"model": "gpt-4o",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
		"tools": []any{
			map[string]any{"type": "function", "function": map[string]any{"name": "client_tool"}},
		},
	}

	out, injected := o.InjectTools(context.Background(), "user-1", payload)
	if !injected {
		t.Fatal("expected tools to be injected")
	}

	tools := out["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("expected client tool plus integration tool, got %d", len(tools))
	}
	if len(payload["tools"].([]any)) != 1 {
		t.Error("input payload must not be modified")
	}
}

func TestInjectToolsSkippedWhenNotConnected(t *testing.T) {
	o := New(Config{
		Integration: &mockIntegration{},
		Handles:     integration.NewInMemoryStore(),
	})

	payload := domain.Payload{"model": "gpt-4o"}
	out, injected := o.InjectTools(context.Background(), "user-1", payload)
	if injected {
		t.Fatal("expected no injection without a connected handle")
	}
	if _, present := out["tools"]; present {
		t.Error("payload should not gain tools")
	}
}

func TestInjectToolsSetsForcedChoice(t *testing.T) {
	mock := &mockIntegration{
		forcedFunc: func(msg string) (any, bool) {
			if strings.Contains(msg, "list my notion databases") {
				return map[string]any{
					"type":     "function",
					"function": map[string]any{"name": "list_notion_databases"},
				}, true
			}
			return nil, false
		},
	}
	o := New(Config{
		Integration: mock,
		Handles:     connectedStore(t, "user-1", "notion", "tok"),
	})

	payload := domain.Payload{
		"messages": []any{
			map[string]any{"role": "user", "content": "list my notion databases"},
		},
	}
	out, _ := o.InjectTools(context.Background(), "user-1", payload)

	choice, ok := out["tool_choice"].(map[string]any)
	if !ok {
		t.Fatalf("expected forced tool_choice, got %v", out["tool_choice"])
	}
	if choice["function"].(map[string]any)["name"] != "list_notion_databases" {
		t.Errorf("unexpected forced function: %v", choice)
	}
}

func TestPendingCallsFiltersUnrecognized(t *testing.T) {
	o := New(Config{
		Integration: &mockIntegration{},
		Handles:     integration.NewInMemoryStore(),
	})

	resp := &domain.ChatResponse{
		Choices: []domain.Choice{{
			Message: &domain.ResponseMessage{
				ToolCalls: []domain.ToolCall{
					toolCall("call-1", "search_notion", `{"query":"x"}`),
					toolCall("call-2", "get_weather", `{}`),
				},
			},
		}},
	}

	pending := o.PendingCalls(resp)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending call, got %d", len(pending))
	}
	if pending[0].ID != "call-1" {
		t.Errorf("expected call-1, got %s", pending[0].ID)
	}
}

func TestPendingCallsEmptyResponse(t *testing.T) {
	o := New(Config{Integration: &mockIntegration{}, Handles: integration.NewInMemoryStore()})
	if calls := o.PendingCalls(nil); calls != nil {
		t.Errorf("expected nil for nil response, got %v", calls)
	}
	if calls := o.PendingCalls(&domain.ChatResponse{}); calls != nil {
		t.Errorf("expected nil for choiceless response, got %v", calls)
	}
	// A 2xx body can carry a choice with no message object at all.
	messageless := &domain.ChatResponse{Choices: []domain.Choice{{FinishReason: "stop"}}}
	if calls := o.PendingCalls(messageless); calls != nil {
		t.Errorf("expected nil for message-less choice, got %v", calls)
	}
}

func TestExecuteAllReturnsOneResultPerCall(t *testing.T) {
	mock := &mockIntegration{}
	publisher := queue.NewInMemoryPublisher()
	o := New(Config{
		Integration: mock,
		Handles:     connectedStore(t, "user-1", "notion", "secret"),
		Publisher:   publisher,
	})

	caller := &domain.Caller{ID: "user-1"}
	calls := []domain.ToolCall{
		toolCall("call-1", "search_notion", `{"query":"roadmap"}`),
		toolCall("call-2", "list_notion_databases", ""),
	}

	results := o.ExecuteAll(context.Background(), caller, calls)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ToolCallID != "call-1" || results[1].ToolCallID != "call-2" {
		t.Errorf("results out of order: %v", results)
	}
	if mock.executedTokens[0] != "secret" {
		t.Errorf("expected stored access token, got %q", mock.executedTokens[0])
	}
	if mock.executedArgs[0]["query"] != "roadmap" {
		t.Errorf("expected decoded arguments, got %v", mock.executedArgs[0])
	}

	events := publisher.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if events[0].Status != "ok" || events[0].CallerID != "user-1" {
		t.Errorf("unexpected audit event: %+v", events[0])
	}
}

func TestExecuteAllTolerantArgumentDecoding(t *testing.T) {
	mock := &mockIntegration{}
	o := New(Config{
		Integration: mock,
		Handles:     connectedStore(t, "user-1", "notion", "tok"),
	})
	caller := &domain.Caller{ID: "user-1"}

	for _, raw := range []string{"", "{}", "null", "{", "not json"} {
		o.ExecuteAll(context.Background(), caller, []domain.ToolCall{
			toolCall("c", "search_notion", raw),
		})
	}

	if len(mock.executedArgs) != 5 {
		t.Fatalf("expected every call to execute, got %d", len(mock.executedArgs))
	}
	for i, args := range mock.executedArgs {
		if len(args) != 0 {
			t.Errorf("call %d: expected empty arguments, got %v", i, args)
		}
	}
}

func TestExecuteAllNotConnectedBecomesErrorResult(t *testing.T) {
	mock := &mockIntegration{}
	o := New(Config{
		Integration: mock,
		Handles:     integration.NewInMemoryStore(),
	})

	results := o.ExecuteAll(context.Background(), &domain.Caller{ID: "user-1"}, []domain.ToolCall{
		toolCall("call-1", "search_notion", "{}"),
	})

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(results[0].Content), &body); err != nil {
		t.Fatalf("result content is not JSON: %v", err)
	}
	if _, ok := body["error"]; !ok {
		t.Errorf("expected error-shaped result, got %v", body)
	}
	if len(mock.executedNames) != 0 {
		t.Error("execution must not happen without a connected handle")
	}
}

func TestExecuteAllFailureDoesNotAbortBatch(t *testing.T) {
	mock := &mockIntegration{
		executeFunc: func(ctx context.Context, name string, args map[string]any, token string) (map[string]any, error) {
			if name == "search_notion" {
				return nil, context.DeadlineExceeded
			}
			return map[string]any{"status": "success"}, nil
		},
	}
	publisher := queue.NewInMemoryPublisher()
	o := New(Config{
		Integration: mock,
		Handles:     connectedStore(t, "user-1", "notion", "tok"),
		Publisher:   publisher,
	})

	results := o.ExecuteAll(context.Background(), &domain.Caller{ID: "user-1"}, []domain.ToolCall{
		toolCall("call-1", "search_notion", "{}"),
		toolCall("call-2", "list_notion_databases", "{}"),
	})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	var first map[string]any
	json.Unmarshal([]byte(results[0].Content), &first)
	if _, ok := first["error"]; !ok {
		t.Errorf("expected error result for failed call, got %v", first)
	}
	var second map[string]any
	json.Unmarshal([]byte(results[1].Content), &second)
	if second["status"] != "success" {
		t.Errorf("expected second call to succeed, got %v", second)
	}

	events := publisher.Events()
	if len(events) != 2 || events[0].Status != "error" || events[1].Status != "ok" {
		t.Errorf("unexpected audit events: %+v", events)
	}
}

func TestBuildContinuation(t *testing.T) {
	payload := domain.Payload{
		"model":       "gpt-4o",
		"temperature": 0.2,
		"stream":      false,
		"messages": []any{
			map[string]any{"role": "user", "content": "list my notion databases"},
		},
	}

	assistantRaw := json.RawMessage(`{"role":"assistant","content":null,"tool_calls":[{"id":"call-1","type":"function","function":{"name":"list_notion_databases","arguments":"{}"}}]}`)
	var assistant domain.ResponseMessage
	if err := json.Unmarshal(assistantRaw, &assistant); err != nil {
		t.Fatalf("decode assistant message: %v", err)
	}

	results := []domain.ToolResult{
		{ToolCallID: "call-1", Name: "list_notion_databases", Content: `{"status":"success","count":0}`},
	}

	out := BuildContinuation(payload, assistant, results)

	messages := out["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("expected user + assistant + tool messages, got %d", len(messages))
	}

	assistantMsg := messages[1].(map[string]any)
	if assistantMsg["role"] != "assistant" {
		t.Errorf("expected assistant message second, got %v", assistantMsg)
	}
	if _, ok := assistantMsg["tool_calls"]; !ok {
		t.Error("assistant message must keep its tool_calls")
	}

	toolMsg := messages[2].(map[string]any)
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call-1" {
		t.Errorf("unexpected tool message: %v", toolMsg)
	}
	if toolMsg["content"] != `{"status":"success","count":0}` {
		t.Errorf("unexpected tool content: %v", toolMsg["content"])
	}

	if out["temperature"] != 0.2 {
		t.Error("non-message parameters must carry over")
	}
	if len(payload["messages"].([]any)) != 1 {
		t.Error("input payload must not be modified")
	}
}

func TestBuildContinuationDistinctIDsForMultipleCalls(t *testing.T) {
	payload := domain.Payload{
		"messages": []any{map[string]any{"role": "user", "content": "x"}},
	}
	assistantRaw := json.RawMessage(`{"role":"assistant","tool_calls":[{"id":"a","type":"function","function":{"name":"search_notion","arguments":"{}"}},{"id":"b","type":"function","function":{"name":"query_notion_database","arguments":"{}"}}]}`)
	var assistant domain.ResponseMessage
	json.Unmarshal(assistantRaw, &assistant)

	out := BuildContinuation(payload, assistant, []domain.ToolResult{
		{ToolCallID: "a", Name: "search_notion", Content: "{}"},
		{ToolCallID: "b", Name: "query_notion_database", Content: "{}"},
	})

	messages := out["messages"].([]any)
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	ids := map[any]bool{}
	for _, m := range messages[2:] {
		ids[m.(map[string]any)["tool_call_id"]] = true
	}
	if !ids["a"] || !ids["b"] {
		t.Errorf("each tool message needs its own tool_call_id, got %v", ids)
	}
}
