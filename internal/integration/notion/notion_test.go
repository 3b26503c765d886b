package notion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelrelay/modelrelay/internal/domain"
)

func TestExecuteSearchSendsAuthAndVersionHeaders(t *testing.T) {
	var gotAuth, gotVersion, gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("Notion-Version")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	_, err := client.Execute(context.Background(), "search_notion", map[string]any{"query": "roadmap"}, "secret-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
	if gotVersion != "2022-06-28" {
		t.Errorf("expected api version header, got %q", gotVersion)
	}
	if gotPath != "/search" {
		t.Errorf("expected /search, got %q", gotPath)
	}
	if gotBody["query"] != "roadmap" {
		t.Errorf("expected query in body, got %v", gotBody)
	}
	if _, present := gotBody["filter"]; present {
		t.Error("omitted optional argument should not be sent as null")
	}
}

func TestExecuteListDatabasesFormatsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []any{
				map[string]any{
					"object": "database",
					"id":     "db-1",
					"title": []any{
						map[string]any{"type": "text", "text": map[string]any{"content": "Tasks"}},
					},
					"url":              "https://notion.so/db-1",
					"last_edited_time": "2026-08-01T00:00:00Z",
				},
				map[string]any{
					"object": "database",
					"id":     "db-2",
					"title":  []any{},
				},
				map[string]any{"object": "page", "id": "pg-1"},
			},
		})
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	result, err := client.Execute(context.Background(), "list_notion_databases", nil, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result["status"] != "success" {
		t.Fatalf("expected success, got %v", result["status"])
	}
	databases := result["databases"].([]map[string]any)
	if len(databases) != 2 {
		t.Fatalf("expected 2 databases, got %d", len(databases))
	}
	if databases[0]["title"] != "Tasks" {
		t.Errorf("expected title Tasks, got %v", databases[0]["title"])
	}
	if databases[1]["title"] != "Untitled Database" {
		t.Errorf("expected fallback title, got %v", databases[1]["title"])
	}
	if result["count"] != 2 {
		t.Errorf("expected count 2, got %v", result["count"])
	}
}

func TestExecuteQueryDatabaseDecodesProperties(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"results": []any{
				map[string]any{
					"object": "page",
					"id":     "pg-1",
					"url":    "https://notion.so/pg-1",
					"properties": map[string]any{
						"Name": map[string]any{
							"type": "title",
							"title": []any{
								map[string]any{"type": "text", "text": map[string]any{"content": "Ship "}},
								map[string]any{"type": "text", "text": map[string]any{"content": "v2"}},
							},
						},
						"Points": map[string]any{"type": "number", "number": float64(5)},
						"Status": map[string]any{"type": "select", "select": map[string]any{"name": "Doing"}},
						"Tags": map[string]any{
							"type":         "multi_select",
							"multi_select": []any{map[string]any{"name": "infra"}, map[string]any{"name": "q3"}},
						},
						"Done": map[string]any{"type": "checkbox", "checkbox": true},
					},
				},
			},
			"has_more":    true,
			"next_cursor": "cur-2",
		})
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	result, err := client.Execute(context.Background(), "query_notion_database", map[string]any{"database_id": "db-1"}, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/databases/db-1/query" {
		t.Errorf("expected query path, got %q", gotPath)
	}
	pages := result["pages"].([]map[string]any)
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	props := pages[0]["properties"].(map[string]any)
	if props["Name"] != "Ship v2" {
		t.Errorf("expected concatenated title, got %v", props["Name"])
	}
	if props["Points"] != float64(5) {
		t.Errorf("expected number 5, got %v", props["Points"])
	}
	if props["Status"] != "Doing" {
		t.Errorf("expected select name, got %v", props["Status"])
	}
	tags := props["Tags"].([]any)
	if len(tags) != 2 || tags[0] != "infra" {
		t.Errorf("expected multi_select names, got %v", tags)
	}
	if props["Done"] != true {
		t.Errorf("expected checkbox true, got %v", props["Done"])
	}
	if result["has_more"] != true || result["next_cursor"] != "cur-2" {
		t.Errorf("expected pagination fields, got %v / %v", result["has_more"], result["next_cursor"])
	}
}

func TestExecuteQueryDatabaseRequiresDatabaseID(t *testing.T) {
	client := NewClientWithBaseURL("http://unused.invalid")
	_, err := client.Execute(context.Background(), "query_notion_database", map[string]any{}, "tok")
	if err == nil {
		t.Fatal("expected error for missing database_id")
	}
}

func TestExecuteCreatePageReturnsSummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/pages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"object": "page",
			"id":     "pg-new",
			"url":    "https://notion.so/pg-new",
			"properties": map[string]any{
				"Name": map[string]any{
					"type":  "title",
					"title": []any{map[string]any{"type": "text", "text": map[string]any{"content": "Notes"}}},
				},
			},
		})
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	result, err := client.Execute(context.Background(), "create_notion_page", map[string]any{
		"parent":     map[string]any{"page_id": "pg-root"},
		"properties": map[string]any{},
	}, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	page := result["page"].(map[string]any)
	if page["id"] != "pg-new" {
		t.Errorf("expected page id, got %v", page["id"])
	}
	if page["properties"].(map[string]any)["Name"] != "Notes" {
		t.Errorf("expected decoded title, got %v", page["properties"])
	}
}

func TestExecuteUpdatePageUsesPatch(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"object": "page", "id": "pg-1"})
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	if _, err := client.Execute(context.Background(), "update_notion_page", map[string]any{
		"page_id":  "pg-1",
		"archived": true,
	}, "tok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPatch || gotPath != "/pages/pg-1" {
		t.Errorf("expected PATCH /pages/pg-1, got %s %s", gotMethod, gotPath)
	}
}

func TestExecuteSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"object":  "error",
			"status":  404,
			"code":    "object_not_found",
			"message": "Could not find database",
		})
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	_, err := client.Execute(context.Background(), "query_notion_database", map[string]any{"database_id": "missing"}, "tok")

	var upstreamErr *domain.UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if upstreamErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", upstreamErr.StatusCode)
	}
	if upstreamErr.Message != "Could not find database" {
		t.Errorf("expected api message, got %q", upstreamErr.Message)
	}
}

func TestExecuteRejectsUnknownFunction(t *testing.T) {
	client := NewClient()
	if _, err := client.Execute(context.Background(), "delete_everything", nil, "tok"); err == nil {
		t.Fatal("expected error for unknown function")
	}
}

func TestRecognizes(t *testing.T) {
	client := NewClient()
	for _, name := range []string{"search_notion", "list_notion_databases", "query_notion_database", "create_notion_page", "update_notion_page"} {
		if !client.Recognizes(name) {
			t.Errorf("expected %q to be recognized", name)
		}
	}
	if client.Recognizes("get_weather") {
		t.Error("expected unrelated function to be unrecognized")
	}
}

func TestForcedToolChoice(t *testing.T) {
	client := NewClient()

	tests := []struct {
		name       string
		message    string
		wantSet    bool
		wantForced bool
	}{
		{
			name:       "list databases phrase forces the list function",
			message:    "Can you list my Notion databases?",
			wantSet:    true,
			wantForced: true,
		},
		{
			name:    "search phrase enables auto",
			message: "search notion for the Q3 roadmap",
			wantSet: true,
		},
		{
			name:    "unrelated message leaves tool_choice alone",
			message: "what is the capital of France?",
			wantSet: false,
		},
		{
			name:    "empty message leaves tool_choice alone",
			message: "",
			wantSet: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			choice, set := client.ForcedToolChoice(tt.message)
			if set != tt.wantSet {
				t.Fatalf("expected set=%v, got %v", tt.wantSet, set)
			}
			if !set {
				return
			}
			if tt.wantForced {
				forced, ok := choice.(map[string]any)
				if !ok {
					t.Fatalf("expected forced function choice, got %T", choice)
				}
				fn := forced["function"].(map[string]any)
				if fn["name"] != "list_notion_databases" {
					t.Errorf("expected list_notion_databases, got %v", fn["name"])
				}
			} else if choice != "auto" {
				t.Errorf("expected auto, got %v", choice)
			}
		})
	}
}

func TestToolsCoverAllRecognizedFunctions(t *testing.T) {
	client := NewClient()
	tools := client.Tools()
	if len(tools) != 5 {
		t.Fatalf("expected 5 tool definitions, got %d", len(tools))
	}
	for _, tool := range tools {
		fn := tool["function"].(map[string]any)
		name := fn["name"].(string)
		if !client.Recognizes(name) {
			t.Errorf("advertised tool %q is not recognized for execution", name)
		}
	}
}
