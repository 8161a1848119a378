package tools

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/workdeck/types"
)

var knownTools = []string{"read_file", "write_file", "web_search"}

func TestParseEmbeddedCalls(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []types.ToolCall
	}{
		{
			name: "fenced json call",
			text: "I'll read the file first.\n```json\n{\"tool\": \"read_file\", \"arguments\": {\"path\": \"a.txt\"}}\n```",
			want: []types.ToolCall{{Name: "read_file", Arguments: json.RawMessage(`{"path": "a.txt"}`)}},
		},
		{
			name: "bare json call",
			text: `{"tool": "web_search", "arguments": {"query": "golang"}}`,
			want: []types.ToolCall{{Name: "web_search", Arguments: json.RawMessage(`{"query": "golang"}`)}},
		},
		{
			name: "name and args spellings",
			text: `{"name": "read_file", "args": {"path": "b.txt"}}`,
			want: []types.ToolCall{{Name: "read_file", Arguments: json.RawMessage(`{"path": "b.txt"}`)}},
		},
		{
			name: "bare array of calls",
			text: `[{"tool": "read_file", "arguments": {"path": "a"}}, {"tool": "write_file", "arguments": {"path": "b"}}]`,
			want: []types.ToolCall{
				{Name: "read_file", Arguments: json.RawMessage(`{"path": "a"}`)},
				{Name: "write_file", Arguments: json.RawMessage(`{"path": "b"}`)},
			},
		},
		{
			name: "fenced array of calls",
			text: "```json\n[{\"tool\": \"read_file\", \"arguments\": {\"path\": \"a\"}}, {\"tool\": \"write_file\", \"arguments\": {\"path\": \"b\"}}]\n```",
			want: []types.ToolCall{
				{Name: "read_file", Arguments: json.RawMessage(`{"path": "a"}`)},
				{Name: "write_file", Arguments: json.RawMessage(`{"path": "b"}`)},
			},
		},
		{
			name: "inline invocation",
			text: `Let me call read_file({"path": "notes.md"}) to check.`,
			want: []types.ToolCall{{Name: "read_file", Arguments: json.RawMessage(`{"path": "notes.md"}`)}},
		},
		{
			name: "unknown tool ignored",
			text: `{"tool": "rm_rf", "arguments": {}}`,
			want: nil,
		},
		{
			name: "missing arguments default to empty object",
			text: `{"tool": "web_search"}`,
			want: []types.ToolCall{{Name: "web_search", Arguments: json.RawMessage(`{}`)}},
		},
		{
			name: "braces inside strings do not confuse the scanner",
			text: `{"tool": "write_file", "arguments": {"content": "if x { y }"}}`,
			want: []types.ToolCall{{Name: "write_file", Arguments: json.RawMessage(`{"content": "if x { y }"}`)}},
		},
		{
			name: "duplicate call deduplicated",
			text: `{"tool": "web_search", "arguments": {"query": "a"}} and again {"tool": "web_search", "arguments": {"query": "a"}}`,
			want: []types.ToolCall{{Name: "web_search", Arguments: json.RawMessage(`{"query": "a"}`)}},
		},
		{
			name: "plain prose",
			text: "I do not need any tools for this.",
			want: nil,
		},
		{
			name: "empty text",
			text: "   ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseEmbeddedCalls(tt.text, knownTools)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.Equal(t, tt.want[i].Name, got[i].Name)
				assert.JSONEq(t, string(tt.want[i].Arguments), string(got[i].Arguments))
			}
		})
	}
}

// Rendering a call the way the tool prompt instructs and parsing it back must
// round-trip for any JSON-safe argument object.
func TestParseEmbeddedCallsRoundTrip(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.SampledFrom(knownTools).Draw(t, "name")
		keys := rapid.SliceOfNDistinct(
			rapid.StringMatching(`[a-z][a-z0-9_]{0,8}`), 0, 4,
			func(s string) string { return s },
		).Draw(t, "keys")

		args := map[string]any{}
		for _, k := range keys {
			args[k] = rapid.OneOf(
				rapid.String().AsAny(),
				rapid.Int().AsAny(),
				rapid.Bool().AsAny(),
			).Draw(t, "val_"+k)
		}
		raw, err := json.Marshal(args)
		require.NoError(t, err)

		rendered := fmt.Sprintf(`{"tool": %q, "arguments": %s}`, name, raw)
		prefix := rapid.SampledFrom([]string{"", "Sure, calling it now. ", "```json\n"}).Draw(t, "prefix")
		suffix := ""
		if prefix == "```json\n" {
			suffix = "\n```"
		}

		calls := ParseEmbeddedCalls(prefix+rendered+suffix, knownTools)
		require.Len(t, calls, 1)
		assert.Equal(t, name, calls[0].Name)

		var got map[string]any
		require.NoError(t, json.Unmarshal(calls[0].Arguments, &got))
		var want map[string]any
		require.NoError(t, json.Unmarshal(raw, &want))
		assert.Equal(t, want, got)
	})
}

func TestScanJSONObjectRejectsUnbalanced(t *testing.T) {
	t.Parallel()

	_, ok := scanJSONObject(`{"a": 1`)
	assert.False(t, ok)
	_, ok = scanJSONObject(`not an object`)
	assert.False(t, ok)

	obj, ok := scanJSONObject(`  {"a": {"b": "}"}} trailing`)
	require.True(t, ok)
	assert.Equal(t, `{"a": {"b": "}"}}`, obj)
}
