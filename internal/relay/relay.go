// Package relay copies upstream server-sent event streams to the caller
// byte for byte while watching the passing chunks for tool calls.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/metrics"
)

// Policy decides what happens when a stream carries tool calls.
type Policy string

const (
	// PolicyLog fulfills tool calls as they complete and logs the result.
	// The stream itself passes through untouched, so the client sees the
	// raw tool_calls finish and handles the conversation turn.
	PolicyLog Policy = "log"

	// PolicyBuffer disables streaming for tool-capable requests upstream
	// of the relay. Requests handled by the relay itself always pass
	// through.
	PolicyBuffer Policy = "buffer"
)

// ParsePolicy maps a config string onto a Policy, defaulting to log.
func ParsePolicy(s string) Policy {
	if strings.EqualFold(s, string(PolicyBuffer)) {
		return PolicyBuffer
	}
	return PolicyLog
}

// hopByHopHeaders are connection-scoped (RFC 9110 section 7.6.1) and must
// not be forwarded from the upstream response.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Fulfiller executes recognized tool calls found mid-stream.
type Fulfiller interface {
	Recognized(calls []domain.ToolCall) []domain.ToolCall
	ExecuteAll(ctx context.Context, caller *domain.Caller, calls []domain.ToolCall) []domain.ToolResult
}

type Config struct {
	Fulfiller Fulfiller
	Logger    *slog.Logger
}

type Relay struct {
	fulfiller Fulfiller
	logger    *slog.Logger
}

func New(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		fulfiller: cfg.Fulfiller,
		logger:    logger,
	}
}

// Stream forwards the upstream SSE response to the client with the original
// status, headers, and chunk framing. When sniff is set, data lines are
// inspected for tool calls and recognized ones are fulfilled out of band.
// The upstream body is closed on every return path.
func (r *Relay) Stream(ctx context.Context, w http.ResponseWriter, upstream *http.Response, caller *domain.Caller, sniff bool) error {
	defer upstream.Body.Close()

	metrics.IncActiveStreams()
	defer metrics.DecActiveStreams()

	for key, values := range upstream.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(upstream.StatusCode)

	flusher, _ := w.(http.Flusher)
	acc := newAccumulator()
	reader := bufio.NewReaderSize(upstream.Body, 64*1024)

	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, err := w.Write(line); err != nil {
				// Client went away. Anything already executing keeps
				// running on a detached context; nothing new starts.
				return fmt.Errorf("write to client: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
			if sniff && r.fulfiller != nil {
				r.sniffLine(ctx, line, acc, caller)
			}
		}
		if readErr != nil {
			if sniff {
				r.fulfill(ctx, acc, caller)
			}
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("read upstream stream: %w", readErr)
		}
	}
}

// sniffLine inspects one SSE line. The cheap substring check keeps ordinary
// content deltas off the JSON parser.
func (r *Relay) sniffLine(ctx context.Context, line []byte, acc *accumulator, caller *domain.Caller) {
	payload, ok := dataPayload(line)
	if !ok {
		return
	}
	if bytes.Equal(payload, []byte("[DONE]")) {
		r.fulfill(ctx, acc, caller)
		return
	}
	if !bytes.Contains(payload, []byte(`"tool_calls"`)) && !bytes.Contains(payload, []byte(`"function_call"`)) {
		if gjson.GetBytes(payload, "choices.0.finish_reason").String() == "tool_calls" {
			r.fulfill(ctx, acc, caller)
		}
		return
	}

	for _, fragment := range gjson.GetBytes(payload, "choices.0.delta.tool_calls").Array() {
		acc.add(
			int(fragment.Get("index").Int()),
			fragment.Get("id").String(),
			fragment.Get("function.name").String(),
			fragment.Get("function.arguments").String(),
		)
	}

	// Some providers emit the whole assistant message in one event.
	for i, call := range gjson.GetBytes(payload, "choices.0.message.tool_calls").Array() {
		acc.add(
			i,
			call.Get("id").String(),
			call.Get("function.name").String(),
			call.Get("function.arguments").String(),
		)
	}

	// Legacy single function_call deltas carry no index or id.
	if fc := gjson.GetBytes(payload, "choices.0.delta.function_call"); fc.Exists() {
		acc.add(0, "", fc.Get("name").String(), fc.Get("arguments").String())
	}

	if gjson.GetBytes(payload, "choices.0.finish_reason").String() == "tool_calls" {
		r.fulfill(ctx, acc, caller)
	}
}

// fulfill hands the completed calls to the fulfiller exactly once per
// stream. Execution is detached from the request context: a client that
// disconnects mid-stream does not cancel a half-done workspace write.
func (r *Relay) fulfill(ctx context.Context, acc *accumulator, caller *domain.Caller) {
	if r.fulfiller == nil || acc.fulfilled {
		return
	}
	acc.fulfilled = true

	calls := r.fulfiller.Recognized(acc.complete())
	if len(calls) == 0 {
		return
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		results := r.fulfiller.ExecuteAll(detached, caller, calls)
		for _, result := range results {
			r.logger.Info("fulfilled streamed tool call",
				"caller_id", caller.ID,
				"tool_call_id", result.ToolCallID,
				"function", result.Name,
				"result_bytes", len(result.Content),
			)
		}
	}()
}

// dataPayload strips the SSE "data:" framing, returning the event payload.
func dataPayload(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimSpace(trimmed[len("data:"):]), true
}

// accumulator reassembles tool calls from per-event argument fragments.
type callState struct {
	id   string
	name string
	args strings.Builder
}

type accumulator struct {
	calls     map[int]*callState
	order     []int
	fulfilled bool
}

func newAccumulator() *accumulator {
	return &accumulator{calls: make(map[int]*callState)}
}

func (a *accumulator) add(index int, id, name, argFragment string) {
	state, ok := a.calls[index]
	if !ok {
		state = &callState{}
		a.calls[index] = state
		a.order = append(a.order, index)
	}
	if id != "" {
		state.id = id
	}
	if name != "" {
		state.name = name
	}
	state.args.WriteString(argFragment)
}

// complete returns the calls whose argument buffers form valid JSON, in the
// order their first fragment arrived. Empty buffers count as complete.
func (a *accumulator) complete() []domain.ToolCall {
	var calls []domain.ToolCall
	for _, index := range a.order {
		state := a.calls[index]
		if state.name == "" {
			continue
		}
		args := state.args.String()
		if args != "" && !json.Valid([]byte(args)) {
			continue
		}
		calls = append(calls, domain.ToolCall{
			ID:   state.id,
			Type: "function",
			Function: domain.FunctionCall{
				Name:      state.name,
				Arguments: args,
			},
		})
	}
	return calls
}
