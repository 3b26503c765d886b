// Package toolcall fulfills model-requested tool calls against a caller's
// connected integration and builds the follow-up request that hands the
// results back to the model.
package toolcall

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/integration"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/queue"
	"github.com/modelrelay/modelrelay/internal/telemetry"
)

// Integration is one connectable tool backend. The orchestrator never sees
// provider-specific types; everything flows through this interface.
type Integration interface {
	Kind() string
	Tools() []map[string]any
	Recognizes(functionName string) bool
	ActionFor(functionName string) string
	ForcedToolChoice(lastUserMessage string) (any, bool)
	Execute(ctx context.Context, functionName string, args map[string]any, accessToken string) (map[string]any, error)
}

type Config struct {
	Integration Integration
	Handles     integration.Store
	Publisher   queue.Publisher
	Logger      *slog.Logger
}

type Orchestrator struct {
	integration Integration
	handles     integration.Store
	publisher   queue.Publisher
	logger      *slog.Logger
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		integration: cfg.Integration,
		handles:     cfg.Handles,
		publisher:   cfg.Publisher,
		logger:      logger,
	}
}

func (o *Orchestrator) Kind() string { return o.integration.Kind() }

// Connected reports whether the caller has an active handle for the
// integration. Lookup failures count as not connected.
func (o *Orchestrator) Connected(ctx context.Context, callerID string) bool {
	_, err := o.handles.Active(ctx, callerID, o.integration.Kind())
	return err == nil
}

// InjectTools appends the integration's tool definitions to the payload and
// steers tool_choice when the latest user message asks for the integration
// by name. The input payload is not modified. The second return reports
// whether anything was injected.
func (o *Orchestrator) InjectTools(ctx context.Context, callerID string, payload domain.Payload) (domain.Payload, bool) {
	if !o.Connected(ctx, callerID) {
		return payload, false
	}

	out := payload.Clone()
	existing, _ := out["tools"].([]any)
	for _, tool := range o.integration.Tools() {
		existing = append(existing, tool)
	}
	out["tools"] = existing

	if choice, ok := o.integration.ForcedToolChoice(out.LastUserContent()); ok {
		out["tool_choice"] = choice
	}
	return out, true
}

// PendingCalls returns the tool calls in the first choice that belong to the
// integration. Calls for functions it does not own are left for the client.
func (o *Orchestrator) PendingCalls(resp *domain.ChatResponse) []domain.ToolCall {
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil
	}
	return o.Recognized(resp.Choices[0].Message.ToolCalls)
}

// Recognized filters a call list down to the integration's own functions.
func (o *Orchestrator) Recognized(calls []domain.ToolCall) []domain.ToolCall {
	var pending []domain.ToolCall
	for _, call := range calls {
		if call.Type != "function" {
			continue
		}
		if o.integration.Recognizes(call.Function.Name) {
			pending = append(pending, call)
		}
	}
	return pending
}

// ExecuteAll fulfills every pending call in order and returns one result per
// call. Failures never abort the batch: a disconnected integration or an
// execution error becomes an error-shaped result the model can read.
func (o *Orchestrator) ExecuteAll(ctx context.Context, caller *domain.Caller, calls []domain.ToolCall) []domain.ToolResult {
	results := make([]domain.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, o.executeOne(ctx, caller, call))
	}
	return results
}

func (o *Orchestrator) executeOne(ctx context.Context, caller *domain.Caller, call domain.ToolCall) domain.ToolResult {
	name := call.Function.Name
	action := o.integration.ActionFor(name)
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "toolcall.execute")
	defer span.End()
	telemetry.AddToolCallAttributes(span, o.integration.Kind(), name, action)

	// The handle is fetched per call so a disconnect mid-batch takes
	// effect immediately.
	handle, err := o.handles.Active(ctx, caller.ID, o.integration.Kind())
	if err != nil {
		o.logger.Warn("tool call for disconnected integration",
			"caller_id", caller.ID,
			"integration", o.integration.Kind(),
			"function", name,
		)
		o.record(ctx, caller, call, action, "not_connected", "integration not connected", start)
		return o.errorResult(call, map[string]any{
			"error": o.integration.Kind() + " integration not connected. Please connect it in the integrations page.",
		})
	}

	args := o.decodeArguments(name, call.Function.Arguments)
	result, err := o.integration.Execute(ctx, name, args, handle.AccessToken)
	if err != nil {
		o.logger.Error("tool execution failed",
			"caller_id", caller.ID,
			"function", name,
			"action", action,
			"error", err,
		)
		telemetry.AddErrorAttribute(span, err)
		o.record(ctx, caller, call, action, "error", err.Error(), start)
		return o.errorResult(call, map[string]any{
			"error": "failed to execute " + name + ": " + err.Error(),
		})
	}

	o.record(ctx, caller, call, action, "ok", "", start)

	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(`{"error": "failed to encode tool result"}`)
	}
	return domain.ToolResult{
		ToolCallID: call.ID,
		Name:       name,
		Content:    string(content),
	}
}

func (o *Orchestrator) errorResult(call domain.ToolCall, body map[string]any) domain.ToolResult {
	content, _ := json.Marshal(body)
	return domain.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Function.Name,
		Content:    string(content),
	}
}

// decodeArguments parses the model-produced argument string. Models emit
// empty strings, bare braces, nulls, and broken JSON here; all of those
// decode to no arguments rather than failing the call.
func (o *Orchestrator) decodeArguments(functionName, raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		o.logger.Warn("unparseable tool arguments, using empty set",
			"function", functionName,
			"arguments", raw,
			"error", err,
		)
		return map[string]any{}
	}
	if args == nil {
		return map[string]any{}
	}
	return args
}

func (o *Orchestrator) record(ctx context.Context, caller *domain.Caller, call domain.ToolCall, action, status, errMsg string, start time.Time) {
	elapsed := time.Since(start)
	metrics.RecordToolExecution(action, status, elapsed.Seconds())

	if o.publisher == nil {
		return
	}
	event := queue.ToolEvent{
		ID:          uuid.NewString(),
		CallerID:    caller.ID,
		Integration: o.integration.Kind(),
		Function:    call.Function.Name,
		Action:      action,
		Status:      status,
		Error:       errMsg,
		DurationMS:  elapsed.Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.publisher.PublishToolEvent(ctx, event); err != nil {
		o.logger.Warn("failed to publish tool event", "error", err)
	}
}

// BuildContinuation assembles the follow-up payload: the original messages,
// then the assistant turn that requested the calls exactly as the provider
// sent it, then one tool message per result. All other request parameters
// carry over unchanged.
func BuildContinuation(payload domain.Payload, assistant domain.ResponseMessage, results []domain.ToolResult) domain.Payload {
	out := payload.Clone()

	history := out.Messages()
	messages := make([]any, 0, len(history)+1+len(results))
	for _, m := range history {
		messages = append(messages, m)
	}
	if len(assistant.Raw) > 0 {
		var assistantMsg map[string]any
		if err := json.Unmarshal(assistant.Raw, &assistantMsg); err == nil {
			messages = append(messages, assistantMsg)
		}
	}
	for _, result := range results {
		messages = append(messages, map[string]any{
			"role":         "tool",
			"tool_call_id": result.ToolCallID,
			"name":         result.Name,
			"content":      result.Content,
		})
	}

	out["messages"] = messages
	return out
}
