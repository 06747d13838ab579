package judgment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// riskTextKeys are the object fields accepted as a risk description when
// a model returns objects instead of strings.
var riskTextKeys = []string{"description", "risk", "text", "message", "reason"}

// ParseRisks extracts the risk list from an audit reply. Replies may be
// wrapped in markdown fences or surrounded by prose; the first JSON object
// or array is used. A reply with no recognisable risk list is an error,
// which is distinct from an empty list.
func ParseRisks(text string) ([]string, error) {
	body := extractJSON(stripFences(text))
	if body == "" {
		return nil, errors.New("reply contains no JSON")
	}

	var items []json.RawMessage
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &items); err != nil {
			return nil, fmt.Errorf("decode risk array: %w", err)
		}
	} else {
		var reply struct {
			Risks *[]json.RawMessage `json:"risks"`
		}
		if err := json.Unmarshal([]byte(body), &reply); err != nil {
			return nil, fmt.Errorf("decode reply: %w", err)
		}
		if reply.Risks == nil {
			return nil, errors.New(`reply has no "risks" field`)
		}
		items = *reply.Risks
	}

	risks := make([]string, 0, len(items))
	for _, raw := range items {
		if r := riskText(raw); r != "" {
			risks = append(risks, r)
		}
	}
	return risks, nil
}

func riskText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, k := range riskTextKeys {
		if v, ok := obj[k]; ok {
			if err := json.Unmarshal(v, &s); err == nil && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// CleanDraft tidies a drafting reply into a plain message.
func CleanDraft(text string) string {
	msg := strings.TrimSpace(stripFences(text))
	if strings.HasPrefix(msg, "{") {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(msg), &obj); err == nil {
			msg = strings.TrimSpace(obj.Message)
		}
	}
	if len(msg) >= 2 && msg[0] == '"' && msg[len(msg)-1] == '"' {
		msg = strings.TrimSpace(msg[1 : len(msg)-1])
	}
	return msg
}

func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		// Drop the language tag line.
		t = t[i+1:]
	}
	if i := strings.LastIndex(t, "```"); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// extractJSON returns the outermost JSON object or array in text.
func extractJSON(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return ""
	}
	return text[start : end+1]
}
