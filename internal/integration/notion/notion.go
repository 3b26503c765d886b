// Package notion implements the document-workspace integration: the tool
// definitions advertised to models and the API calls that back them.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/httputil"
)

const (
	Kind = "notion"

	defaultBaseURL = "https://api.notion.com/v1"
	apiVersion     = "2022-06-28"
)

// The closed set of actions a model can ask for. Anything else is rejected
// at the mapping step, never sent to the API.
const (
	actionSearch        = "search"
	actionListDatabases = "list_databases"
	actionQueryDatabase = "query_database"
	actionCreatePage    = "create_page"
	actionUpdatePage    = "update_page"
)

// functionActions maps the function names advertised to models onto actions.
var functionActions = map[string]string{
	"search_notion":         actionSearch,
	"list_notion_databases": actionListDatabases,
	"query_notion_database": actionQueryDatabase,
	"create_notion_page":    actionCreatePage,
	"update_notion_page":    actionUpdatePage,
}

type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient() *Client {
	cfg := httputil.CatalogConfig()
	cfg.Timeout = 30 * time.Second
	cfg.ResponseHeaderTimeout = 25 * time.Second
	return &Client{
		httpClient: httputil.NewClient(cfg),
		baseURL:    defaultBaseURL,
	}
}

// NewClientWithBaseURL is for tests pointing at a fake API.
func NewClientWithBaseURL(baseURL string) *Client {
	c := NewClient()
	c.baseURL = baseURL
	return c
}

func (c *Client) Kind() string { return Kind }

func (c *Client) Recognizes(functionName string) bool {
	_, ok := functionActions[functionName]
	return ok
}

// ActionFor returns the canonical action behind a function name.
func (c *Client) ActionFor(functionName string) string {
	return functionActions[functionName]
}

// Execute maps a recognized function call onto one API request and returns
// the LLM-facing formatted result. A non-2xx API response comes back as an
// error carrying the service's own message.
func (c *Client) Execute(ctx context.Context, functionName string, args map[string]any, accessToken string) (map[string]any, error) {
	action, ok := functionActions[functionName]
	if !ok {
		return nil, fmt.Errorf("unknown notion function %q", functionName)
	}

	var raw map[string]any
	var err error

	switch action {
	case actionSearch:
		raw, err = c.request(ctx, accessToken, http.MethodPost, "/search", map[string]any{
			"query":  stringArg(args, "query"),
			"filter": args["filter"],
			"sort":   args["sort"],
		})
	case actionListDatabases:
		raw, err = c.request(ctx, accessToken, http.MethodPost, "/search", map[string]any{
			"filter":    map[string]any{"property": "object", "value": "database"},
			"page_size": 100,
		})
	case actionQueryDatabase:
		databaseID := stringArg(args, "database_id")
		if databaseID == "" {
			return nil, fmt.Errorf("query_database requires a database_id")
		}
		pageSize := args["page_size"]
		if pageSize == nil {
			pageSize = 10
		}
		raw, err = c.request(ctx, accessToken, http.MethodPost, "/databases/"+databaseID+"/query", map[string]any{
			"filter":    args["filter"],
			"sorts":     args["sorts"],
			"page_size": pageSize,
		})
	case actionCreatePage:
		raw, err = c.request(ctx, accessToken, http.MethodPost, "/pages", map[string]any{
			"parent":     args["parent"],
			"properties": args["properties"],
			"children":   args["children"],
		})
	case actionUpdatePage:
		pageID := stringArg(args, "page_id")
		if pageID == "" {
			return nil, fmt.Errorf("update_page requires a page_id")
		}
		raw, err = c.request(ctx, accessToken, http.MethodPatch, "/pages/"+pageID, map[string]any{
			"properties": args["properties"],
			"archived":   args["archived"],
		})
	}

	if err != nil {
		return nil, err
	}
	return FormatResult(action, raw), nil
}

func (c *Client) request(ctx context.Context, accessToken, method, path string, body map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(dropNils(body))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Notion-Version", apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Message: apiErrorMessage(respBody)}
	}

	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return string(body)
}

// dropNils removes nil-valued keys so optional arguments the model omitted
// do not reach the API as explicit nulls.
func dropNils(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
