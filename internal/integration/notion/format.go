package notion

// FormatResult condenses a raw API response into something a model can read
// without drowning in Notion's property value format. Unknown shapes pass
// through untouched under "result".
func FormatResult(action string, raw map[string]any) map[string]any {
	switch action {
	case actionListDatabases:
		return formatDatabaseList(raw)
	case actionSearch:
		if hasDatabaseResults(raw) {
			return formatDatabaseList(raw)
		}
	case actionQueryDatabase:
		return formatQueryResults(raw)
	case actionCreatePage, actionUpdatePage:
		if raw["object"] == "page" {
			return map[string]any{
				"status": "success",
				"page": map[string]any{
					"id":         raw["id"],
					"url":        raw["url"],
					"properties": decodeProperties(asMap(raw["properties"])),
				},
			}
		}
	}

	return map[string]any{"status": "success", "result": raw}
}

func hasDatabaseResults(raw map[string]any) bool {
	for _, item := range asSlice(raw["results"]) {
		if m := asMap(item); m["object"] == "database" {
			return true
		}
	}
	return false
}

func formatDatabaseList(raw map[string]any) map[string]any {
	databases := []map[string]any{}
	for _, item := range asSlice(raw["results"]) {
		m := asMap(item)
		if m["object"] != "database" {
			continue
		}
		title := richText(asSlice(m["title"]))
		if title == "" {
			title = "Untitled Database"
		}
		databases = append(databases, map[string]any{
			"id":               m["id"],
			"title":            title,
			"url":              m["url"],
			"last_edited_time": m["last_edited_time"],
		})
	}
	return map[string]any{
		"status":    "success",
		"databases": databases,
		"count":     len(databases),
	}
}

func formatQueryResults(raw map[string]any) map[string]any {
	pages := []map[string]any{}
	for _, item := range asSlice(raw["results"]) {
		m := asMap(item)
		if m["object"] != "page" {
			continue
		}
		pages = append(pages, map[string]any{
			"id":               m["id"],
			"url":              m["url"],
			"properties":       decodeProperties(asMap(m["properties"])),
			"last_edited_time": m["last_edited_time"],
		})
	}
	hasMore, _ := raw["has_more"].(bool)
	return map[string]any{
		"status":      "success",
		"pages":       pages,
		"count":       len(pages),
		"has_more":    hasMore,
		"next_cursor": raw["next_cursor"],
	}
}

// decodeProperties flattens Notion property values into plain scalars and
// lists keyed by property name. Property types without a natural flat form
// are omitted.
func decodeProperties(props map[string]any) map[string]any {
	out := map[string]any{}
	for name, v := range props {
		prop := asMap(v)
		switch prop["type"] {
		case "title":
			out[name] = richText(asSlice(prop["title"]))
		case "rich_text":
			out[name] = richText(asSlice(prop["rich_text"]))
		case "number":
			out[name] = prop["number"]
		case "select":
			if sel := asMap(prop["select"]); len(sel) > 0 {
				out[name] = sel["name"]
			}
		case "multi_select":
			names := []any{}
			for _, opt := range asSlice(prop["multi_select"]) {
				names = append(names, asMap(opt)["name"])
			}
			out[name] = names
		case "date":
			if date := asMap(prop["date"]); len(date) > 0 {
				out[name] = map[string]any{"start": date["start"], "end": date["end"]}
			}
		case "checkbox":
			out[name] = prop["checkbox"]
		case "url":
			out[name] = prop["url"]
		case "email":
			out[name] = prop["email"]
		case "phone_number":
			out[name] = prop["phone_number"]
		}
	}
	return out
}

// richText concatenates the plain text segments of a rich text array.
func richText(items []any) string {
	var s string
	for _, item := range items {
		m := asMap(item)
		if m["type"] != "text" {
			continue
		}
		if text := asMap(m["text"]); text != nil {
			if content, ok := text["content"].(string); ok {
				s += content
			}
		}
	}
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
