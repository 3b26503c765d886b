package notion

import "strings"

// Tools returns the function definitions injected into completion payloads
// when a caller has the integration connected.
func (c *Client) Tools() []map[string]any {
	return []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "search_notion",
				"description": "Search across pages and databases in the user's Notion workspace. Use this when the user asks to find something in Notion.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Search text to match against page and database titles.",
						},
						"filter": map[string]any{
							"type":        "object",
							"description": "Optional filter, e.g. {\"property\": \"object\", \"value\": \"page\"} to only return pages.",
						},
					},
					"required": []string{"query"},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name":        "list_notion_databases",
				"description": "List all databases the integration can access in the user's Notion workspace. Takes no arguments.",
				"parameters": map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name":        "query_notion_database",
				"description": "Query rows from a Notion database by its id. Use list_notion_databases first if the id is unknown.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"database_id": map[string]any{
							"type":        "string",
							"description": "The id of the database to query.",
						},
						"filter": map[string]any{
							"type":        "object",
							"description": "Optional Notion filter object applied to the query.",
						},
						"sorts": map[string]any{
							"type":        "array",
							"description": "Optional Notion sort objects applied to the query.",
						},
						"page_size": map[string]any{
							"type":        "integer",
							"description": "Number of rows to return, defaults to 10.",
						},
					},
					"required": []string{"database_id"},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name":        "create_notion_page",
				"description": "Create a page in the user's Notion workspace, either under a parent page or as a row in a database.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"parent": map[string]any{
							"type":        "object",
							"description": "Where to create the page: {\"database_id\": \"...\"} or {\"page_id\": \"...\"}.",
						},
						"properties": map[string]any{
							"type":        "object",
							"description": "Page properties in Notion's property value format. A title property is required.",
						},
						"children": map[string]any{
							"type":        "array",
							"description": "Optional content blocks for the page body.",
						},
					},
					"required": []string{"parent", "properties"},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name":        "update_notion_page",
				"description": "Update properties of an existing Notion page, or archive it.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"page_id": map[string]any{
							"type":        "string",
							"description": "The id of the page to update.",
						},
						"properties": map[string]any{
							"type":        "object",
							"description": "Property values to change, in Notion's property value format.",
						},
						"archived": map[string]any{
							"type":        "boolean",
							"description": "Set true to archive the page.",
						},
					},
					"required": []string{"page_id"},
				},
			},
		},
	}
}

// Phrases that mean the user wants the database list itself. For these the
// model is forced to call list_notion_databases instead of guessing ids.
var listDatabasePhrases = []string{
	"what notion databases",
	"list notion database",
	"show notion database",
	"my notion database",
	"notion databases do i have",
	"notion databases i have",
	"access to notion database",
	"what databases do i have in notion",
}

// Phrases that indicate Notion work in general. These get tool_choice auto
// so the model may pick any of the functions, or none.
var generalPhrases = []string{
	"search notion",
	"find in notion",
	"look for in notion",
	"search my notion for",
	"find notion pages about",
	"list notion",
	"show notion",
	"notion database",
	"notion databases",
	"my notion",
	"in notion",
	"from notion",
	"notion workspace",
}

// ForcedToolChoice inspects the latest user message and decides whether the
// payload's tool_choice should be steered. It returns the tool_choice value
// to set and whether to set one at all.
func (c *Client) ForcedToolChoice(lastUserMessage string) (any, bool) {
	msg := strings.ToLower(lastUserMessage)
	if msg == "" {
		return nil, false
	}

	for _, phrase := range listDatabasePhrases {
		if strings.Contains(msg, phrase) {
			return map[string]any{
				"type":     "function",
				"function": map[string]any{"name": "list_notion_databases"},
			}, true
		}
	}

	for _, phrase := range generalPhrases {
		if strings.Contains(msg, phrase) {
			return "auto", true
		}
	}

	return nil, false
}
