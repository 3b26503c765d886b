// Package gateway routes chat completions: it resolves the model against
// the aggregated catalog, normalizes the payload for the target provider,
// and drives the buffered or streaming response protocol.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/modelrelay/internal/access"
	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/relay"
	"github.com/modelrelay/modelrelay/internal/telemetry"
	"github.com/modelrelay/modelrelay/internal/toolcall"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// Resolver maps a model id onto its catalog entry.
type Resolver interface {
	Lookup(ctx context.Context, caller *domain.Caller, id string) (domain.CatalogModel, error)
}

// Completer issues one completion request against a provider.
type Completer interface {
	ChatCompletion(ctx context.Context, baseURL, key string, body []byte, caller *domain.Caller) (*http.Response, error)
}

// Orchestrator prepares payloads for tool use and fulfills tool calls
// found in buffered responses.
type Orchestrator interface {
	InjectTools(ctx context.Context, callerID string, payload domain.Payload) (domain.Payload, bool)
	PendingCalls(resp *domain.ChatResponse) []domain.ToolCall
	ExecuteAll(ctx context.Context, caller *domain.Caller, calls []domain.ToolCall) []domain.ToolResult
}

// Streamer copies an SSE upstream response to the client.
type Streamer interface {
	Stream(ctx context.Context, w http.ResponseWriter, upstream *http.Response, caller *domain.Caller, sniff bool) error
}

type Config struct {
	Registry     *registry.Registry
	Catalog      Resolver
	Upstream     Completer
	Access       *access.Checker
	Orchestrator Orchestrator
	Relay        Streamer
	StreamPolicy relay.Policy
	Breakers     *circuitbreaker.Manager
	Logger       *slog.Logger
}

type Gateway struct {
	registry     *registry.Registry
	catalog      Resolver
	upstream     Completer
	access       *access.Checker
	orchestrator Orchestrator
	relay        Streamer
	streamPolicy relay.Policy
	breakers     *circuitbreaker.Manager
	logger       *slog.Logger
}

func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.StreamPolicy
	if policy == "" {
		policy = relay.PolicyLog
	}
	return &Gateway{
		registry:     cfg.Registry,
		catalog:      cfg.Catalog,
		upstream:     cfg.Upstream,
		access:       cfg.Access,
		orchestrator: cfg.Orchestrator,
		relay:        cfg.Relay,
		streamPolicy: policy,
		breakers:     cfg.Breakers,
		logger:       logger,
	}
}

// Complete serves one chat completion end to end. Resolution failures
// return before any upstream traffic; once a provider responds, the
// response (streamed or buffered, tool round-trips included) is written
// to w and the returned error is nil.
func (g *Gateway) Complete(ctx context.Context, w http.ResponseWriter, caller *domain.Caller, payload domain.Payload) error {
	out, err := g.access.Authorize(ctx, caller, payload)
	if err != nil {
		return err
	}

	model, err := g.catalog.Lookup(ctx, caller, out.Model())
	if err != nil {
		return err
	}

	entry, err := g.registry.Get(model.URLIdx)
	if err != nil {
		return err
	}
	if !entry.Enabled {
		return domain.ErrProviderNotFound
	}
	telemetry.AddProviderAttribute(trace.SpanFromContext(ctx), entry.Index)

	out = out.Clone()
	if entry.PrefixID != "" {
		out["model"] = strings.Replace(out.Model(), entry.PrefixID+".", "", 1)
	}
	normalizeTokenLimits(out, entry.BaseURL)

	if model.Pipeline {
		out["user"] = map[string]any{
			"name":  caller.Name,
			"id":    caller.ID,
			"email": caller.Email,
			"role":  string(caller.Role),
		}
	}

	injected := false
	if g.orchestrator != nil {
		out, injected = g.orchestrator.InjectTools(ctx, caller.ID, out)
	}

	// Under the buffer policy a tool-capable stream is downgraded to a
	// buffered exchange so the two-round-trip protocol can run.
	if injected && out.Stream() && g.streamPolicy == relay.PolicyBuffer {
		out["stream"] = false
	}

	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var breaker circuitbreaker.CircuitBreaker
	if g.breakers != nil {
		breaker = g.breakers.Get(entry.Index)
		if err := breaker.Allow(ctx); err != nil {
			return err
		}
	}

	start := time.Now()
	resp, err := g.upstream.ChatCompletion(ctx, entry.BaseURL, entry.APIKey, body, caller)
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure(ctx)
		}
		metrics.RecordRequest(entry.Index, out.Model(), "error", time.Since(start).Seconds())
		metrics.RecordUpstreamError(entry.Index, "transport")
		return err
	}

	if breaker != nil {
		// 5xx counts against the provider; client errors do not.
		if resp.StatusCode >= 500 {
			breaker.RecordFailure(ctx)
		} else {
			breaker.RecordSuccess(ctx)
		}
	}

	if upstream.IsSSE(resp) {
		metrics.RecordRequest(entry.Index, out.Model(), "stream", time.Since(start).Seconds())
		// The relay has written status and body by the time it fails, so
		// stream errors cannot become an error response.
		if err := g.relay.Stream(ctx, w, resp, caller, injected); err != nil {
			g.logger.Warn("stream interrupted",
				"provider_index", entry.Index,
				"model", out.Model(),
				"error", err,
			)
		}
		return nil
	}

	return g.finishBuffered(ctx, w, caller, entry, out, resp, injected, start)
}

func (g *Gateway) finishBuffered(ctx context.Context, w http.ResponseWriter, caller *domain.Caller, entry registry.Entry, payload domain.Payload, resp *http.Response, toolCapable bool, start time.Time) error {
	body, err := readAndClose(resp)
	if err != nil {
		metrics.RecordRequest(entry.Index, payload.Model(), "error", time.Since(start).Seconds())
		return fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordRequest(entry.Index, payload.Model(), "error", time.Since(start).Seconds())
		metrics.RecordUpstreamError(entry.Index, "status")
		return &domain.UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    upstream.ExtractErrorMessage(body),
		}
	}

	metrics.RecordRequest(entry.Index, payload.Model(), "success", time.Since(start).Seconds())

	if toolCapable && g.orchestrator != nil {
		if final, handled := g.resolveToolCalls(ctx, caller, entry, payload, body); handled {
			body = final
		}
	}

	writeJSON(w, http.StatusOK, body)
	return nil
}

// resolveToolCalls runs the two-round-trip protocol: execute every pending
// call, then re-send the conversation with the results and return the
// second response. The second return reports whether a continuation
// happened; when false the original body stands.
func (g *Gateway) resolveToolCalls(ctx context.Context, caller *domain.Caller, entry registry.Entry, payload domain.Payload, body []byte) ([]byte, bool) {
	var parsed domain.ChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false
	}

	pending := g.orchestrator.PendingCalls(&parsed)
	if len(pending) == 0 {
		return nil, false
	}

	// Every pending call produces exactly one result before the model is
	// resumed.
	results := g.orchestrator.ExecuteAll(ctx, caller, pending)

	// PendingCalls already established that the first choice's message is
	// present.
	continuation := toolcall.BuildContinuation(payload, *parsed.Choices[0].Message, results)
	contBody, err := json.Marshal(continuation)
	if err != nil {
		g.logger.Error("marshal continuation", "error", err)
		return nil, false
	}

	resp, err := g.upstream.ChatCompletion(ctx, entry.BaseURL, entry.APIKey, contBody, caller)
	if err != nil {
		g.logger.Error("continuation request failed", "provider_index", entry.Index, "error", err)
		return nil, false
	}
	finalBody, err := readAndClose(resp)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.logger.Error("continuation response unusable",
			"provider_index", entry.Index,
			"status", resp.StatusCode,
			"error", err,
		)
		return nil, false
	}
	return finalBody, true
}

// normalizeTokenLimits reconciles the two token-limit field spellings with
// the target model family and host. o-series models only accept
// max_completion_tokens and reject a leading system role; other hosts off
// the first-party endpoint only accept max_tokens.
func normalizeTokenLimits(payload domain.Payload, baseURL string) {
	model := strings.ToLower(payload.Model())
	if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3-") {
		if v, ok := payload["max_tokens"]; ok {
			payload["max_completion_tokens"] = v
			delete(payload, "max_tokens")
		}
		rewriteSystemRole(payload, model)
	} else if !strings.Contains(baseURL, "api.openai.com") {
		if v, ok := payload["max_completion_tokens"]; ok {
			payload["max_tokens"] = v
			delete(payload, "max_completion_tokens")
		}
	}

	if _, hasGeneric := payload["max_tokens"]; hasGeneric {
		if _, hasSpecific := payload["max_completion_tokens"]; hasSpecific {
			delete(payload, "max_tokens")
		}
	}
}

func rewriteSystemRole(payload domain.Payload, model string) {
	raw, ok := payload["messages"].([]any)
	if !ok || len(raw) == 0 {
		return
	}
	first, ok := raw[0].(map[string]any)
	if !ok || first["role"] != "system" {
		return
	}

	rewritten := make(map[string]any, len(first))
	for k, v := range first {
		rewritten[k] = v
	}
	if strings.HasPrefix(model, "o1-mini") || strings.HasPrefix(model, "o1-preview") {
		rewritten["role"] = "user"
	} else {
		rewritten["role"] = "developer"
	}

	messages := make([]any, len(raw))
	copy(messages, raw)
	messages[0] = rewritten
	payload["messages"] = messages
}

func readAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
