// Package upstream issues outbound HTTP calls to OpenAI-protocol-compatible
// providers. Every configured provider speaks the same wire protocol, so one
// client parameterized by base URL and key serves them all.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/httputil"
)

const (
	headerUserName  = "X-ModelRelay-User-Name"
	headerUserID    = "X-ModelRelay-User-Id"
	headerUserEmail = "X-ModelRelay-User-Email"
	headerUserRole  = "X-ModelRelay-User-Role"
)

type Config struct {
	// ForwardIdentity attaches the caller's name/id/email/role headers to
	// every upstream call.
	ForwardIdentity bool
}

type Client struct {
	catalog    *http.Client
	completion *http.Client
	cfg        Config
}

func New(cfg Config) *Client {
	return &Client{
		catalog:    httputil.NewClient(httputil.CatalogConfig()),
		completion: httputil.NewClient(httputil.CompletionConfig()),
		cfg:        cfg,
	}
}

// NewWithClients is for tests that need to control timeouts directly.
func NewWithClients(cfg Config, catalog, completion *http.Client) *Client {
	return &Client{catalog: catalog, completion: completion, cfg: cfg}
}

// ListModels fetches one provider's model catalog using the short-timeout
// client.
func (c *Client) ListModels(ctx context.Context, baseURL, key string, caller *domain.Caller) (*domain.ModelsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/models", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, baseURL, key, caller)

	resp, err := c.catalog.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Message: ExtractErrorMessage(body)}
	}

	var models domain.ModelsResponse
	if err := json.Unmarshal(body, &models); err != nil {
		// Some providers return a bare array instead of {"data": [...]}.
		var list []domain.CatalogModel
		if err2 := json.Unmarshal(body, &list); err2 != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		models = domain.ModelsResponse{Object: "list", Data: list}
	}

	return &models, nil
}

// ChatCompletion posts a completion body and returns the raw response so the
// caller can branch on the SSE content type. The response body is the
// caller's to close.
func (c *Client) ChatCompletion(ctx context.Context, baseURL, key string, body []byte, caller *domain.Caller) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, baseURL, key, caller)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.completion.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, baseURL, key string, caller *domain.Caller) {
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	if strings.Contains(baseURL, "openrouter.ai") {
		req.Header.Set("HTTP-Referer", "https://modelrelay.dev/")
		req.Header.Set("X-Title", "ModelRelay")
	}

	if c.cfg.ForwardIdentity && caller != nil {
		req.Header.Set(headerUserName, caller.Name)
		req.Header.Set(headerUserID, caller.ID)
		req.Header.Set(headerUserEmail, caller.Email)
		req.Header.Set(headerUserRole, string(caller.Role))
	}
}

// IsSSE reports whether an upstream response is a server-sent-event stream.
func IsSSE(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

// ExtractErrorMessage pulls a provider's own error message out of a failed
// response body. Providers disagree on the error envelope, so both the
// nested-object and bare-string shapes are tried before falling back to the
// raw text.
func ExtractErrorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if err := json.Unmarshal(envelope.Error, &s); err == nil && s != "" {
			return s
		}
		return string(envelope.Error)
	}

	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}
