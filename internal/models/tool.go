package models

import (
	"fmt"
	"sort"
	"strings"
)

// ToolResult is the decoded payload returned by a market-data or news tool server
type ToolResult map[string]any

// FormatToolCall renders a tool call as name(k=v, ...) with keys in sorted order
func FormatToolCall(name string, args map[string]any) string {
	if len(args) == 0 {
		return name + "()"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
