package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolCallMarker prefixes a tool call written in plain text by models
// without native tool calling.
const ToolCallMarker = "TOOL_CALL:"

type textToolCall struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// ParseTextToolCall extracts the first `TOOL_CALL: {...}` block from text.
// The object must carry "tool_name"; "arguments" defaults to empty.
func ParseTextToolCall(text string) (ToolCall, bool) {
	i := strings.Index(text, ToolCallMarker)
	if i < 0 {
		return ToolCall{}, false
	}
	rest := strings.TrimLeft(text[i+len(ToolCallMarker):], " \t\r\n")
	obj, ok := balancedObject(rest)
	if !ok {
		return ToolCall{}, false
	}
	var tc textToolCall
	if err := json.Unmarshal([]byte(obj), &tc); err != nil || tc.ToolName == "" {
		return ToolCall{}, false
	}
	if tc.Arguments == nil {
		tc.Arguments = map[string]any{}
	}
	return ToolCall{Name: tc.ToolName, Arguments: tc.Arguments}, true
}

// balancedObject returns the leading JSON object of s, honouring strings
// and escapes.
func balancedObject(s string) (string, bool) {
	if !strings.HasPrefix(s, "{") {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// ToolPrompt renders tool definitions and the text calling convention for
// models without native tool calls.
func ToolPrompt(tools []ToolDefinition) string {
	var b strings.Builder
	b.WriteString("When you need to use a tool, reply with exactly one call in this form:\n")
	b.WriteString(ToolCallMarker + ` {"tool_name": "exact_tool_name", "arguments": {"arg": "value"}}` + "\n")
	b.WriteString("Wait for the tool result before continuing. When the task is complete, reply without any tool call.\n\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if len(t.Parameters) > 0 {
			if raw, err := json.Marshal(t.Parameters); err == nil {
				fmt.Fprintf(&b, "\n  arguments schema: %s", raw)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Transcript flattens messages into a single prompt.
func Transcript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case RoleTool:
			fmt.Fprintf(&b, "TOOL RESULT: %s\n\n", m.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n\n", strings.ToUpper(m.Role), m.Content)
		}
	}
	b.WriteString("ASSISTANT: ")
	return b.String()
}
