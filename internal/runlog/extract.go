package runlog

import "strconv"

var runIDKeys = []string{"flow_run_id", "run_id", "runId", "flowRunId"}

// ExtractFlowRunID resolves the owning flow run id from event data,
// checking top-level keys, then a nested "entry" (and its data/meta),
// then a top-level "meta" block.
func ExtractFlowRunID(data map[string]any) string {
	if data == nil {
		return ""
	}
	if v := firstRunKey(data); v != "" {
		return v
	}
	if entry, ok := data["entry"].(map[string]any); ok {
		if v := firstRunKey(entry); v != "" {
			return v
		}
		if nested, ok := entry["data"].(map[string]any); ok {
			if v := firstRunKey(nested); v != "" {
				return v
			}
		}
		if meta, ok := entry["meta"].(map[string]any); ok {
			if v := firstRunKey(meta); v != "" {
				return v
			}
		}
	}
	if meta, ok := data["meta"].(map[string]any); ok {
		if v := firstRunKey(meta); v != "" {
			return v
		}
	}
	return ""
}

func firstRunKey(obj map[string]any) string {
	for _, key := range runIDKeys {
		if v := asString(obj[key]); v != "" {
			return v
		}
	}
	return ""
}

// asString stringifies the id forms that show up in client events.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
