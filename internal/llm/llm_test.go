package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestStripMarkdownFences(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"tilde fence", "~~~\n{\"a\":1}\n~~~", `{"a":1}`},
		{"truncated fence", "```json\n{\"a\":1", `{"a":1`},
		{"fence inside prose", "Here is my answer:\n```json\n{\"a\":1}\n```\nThanks.", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripMarkdownFences(tc.in); got != tc.want {
				t.Errorf("stripMarkdownFences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	in := `After reviewing the tools: {"excluded": true, "evidence": ["dose {weekly}"], "nested": {"x": "}"}} trailing`
	got, err := ExtractJSONObject(in)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"excluded": true, "evidence": ["dose {weekly}"], "nested": {"x": "}"}}`
	if got != want {
		t.Errorf("ExtractJSONObject = %q\nwant %q", got, want)
	}

	if _, err := ExtractJSONObject("no object here"); !errors.Is(err, ErrNoJSONObject) {
		t.Errorf("err = %v, want ErrNoJSONObject", err)
	}
	if _, err := ExtractJSONObject(`{"open": true`); !errors.Is(err, ErrNoJSONObject) {
		t.Errorf("unterminated object err = %v", err)
	}
}

func TestDecodeObjectRepairsEscapes(t *testing.T) {
	var v struct {
		Reasoning string `json:"reasoning"`
	}
	raw := "```json\n{\"reasoning\": \"matched pattern \\d+ in notes\"}\n```"
	if err := DecodeObject(raw, &v); err != nil {
		t.Fatalf("DecodeObject: %v", err)
	}
	if v.Reasoning != `matched pattern \d+ in notes` {
		t.Errorf("reasoning = %q", v.Reasoning)
	}
	if err := DecodeObject(`{"reasoning": 12,}`, &v); err == nil {
		t.Error("invalid JSON should fail")
	}
}

func TestSchemaProperties(t *testing.T) {
	spec := ToolSpec{Name: "check_conmeds", Params: []Param{
		{Name: "medication_names", Type: "array", Description: "names"},
		{Name: "status", Type: "string", Enum: []string{"any", "ongoing"}, Required: true},
	}}
	props, required := spec.schemaProperties()
	if len(required) != 1 || required[0] != "status" {
		t.Errorf("required = %v", required)
	}
	names := props["medication_names"].(map[string]any)
	if names["items"].(map[string]any)["type"] != "string" {
		t.Errorf("array items default to string: %v", names)
	}
	if _, err := json.Marshal(props); err != nil {
		t.Errorf("properties must be JSON encodable: %v", err)
	}
}

func TestOpenAIMessagesEmitOneToolMessagePerCall(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Text: "evaluate"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "a", Name: "get_visits"},
			{ID: "b", Name: "get_labs", Input: json.RawMessage(`{"test_names":["ALT"]}`)},
		}},
		{Role: RoleUser, ToolResults: []ToolResult{
			{CallID: "a", Name: "get_visits", Content: `[]`},
			{CallID: "b", Name: "get_labs", Content: `[]`},
		}},
	}
	out := openaiMessages("system", msgs)
	// system + user + assistant + two tool messages
	if len(out) != 5 {
		t.Fatalf("got %d messages, want 5", len(out))
	}
	if out[2].OfAssistant == nil || len(out[2].OfAssistant.ToolCalls) != 2 {
		t.Fatalf("assistant message = %+v", out[2])
	}
	if args := out[2].OfAssistant.ToolCalls[0].Function.Arguments; args != "{}" {
		t.Errorf("empty input encodes as %q, want {}", args)
	}
	if out[3].OfTool == nil || out[4].OfTool == nil {
		t.Error("tool results must become tool messages")
	}
	if out[4].OfTool.ToolCallID != "b" {
		t.Errorf("tool message order = %q", out[4].OfTool.ToolCallID)
	}
}

func TestAnthropicToolResultsLeadUserMessage(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Text: "evaluate"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "get_labs"}}},
		{Role: RoleUser, Text: "No more tools. Answer now.", ToolResults: []ToolResult{
			{CallID: "c1", Name: "get_labs", Content: `[]`},
		}},
	}
	out := anthropicMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
	b, err := json.Marshal(out[2])
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
		} `json:"content"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got.Role != "user" || len(got.Content) != 2 {
		t.Fatalf("message = %s", b)
	}
	if got.Content[0].Type != "tool_result" || got.Content[1].Type != "text" {
		t.Errorf("block order = %s, %s", got.Content[0].Type, got.Content[1].Type)
	}
}

func TestGoogleContentsRoles(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Text: "evaluate"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "x-0", Name: "get_visits"}}},
		{Role: RoleUser, ToolResults: []ToolResult{{CallID: "x-0", Name: "get_visits", Content: `{"visits":[]}`}}},
	}
	out := googleContents(msgs)
	if len(out) != 3 || out[1].Role != "model" || out[2].Role != "user" {
		t.Fatalf("roles = %v", out)
	}
	if len(out[2].Parts) != 1 {
		t.Errorf("tool result parts = %d", len(out[2].Parts))
	}
}

func TestNewProviderRequiresCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	for _, name := range []string{"anthropic", "openai", "google"} {
		if _, err := NewProvider(ProviderConfig{Name: name}); err == nil {
			t.Errorf("%s provider without a key should fail", name)
		}
		if HasCredentials(ProviderConfig{Name: name}) {
			t.Errorf("%s reported credentials with an empty environment", name)
		}
	}
	if _, err := NewProvider(ProviderConfig{Name: "mystery", APIKey: "k"}); err == nil {
		t.Error("unknown provider should fail")
	}
	p, err := NewProvider(ProviderConfig{Name: "anthropic", APIKey: "test-key"})
	if err != nil || p == nil {
		t.Errorf("anthropic with key = %v, %v", p, err)
	}
	if DefaultModel("openai") != "gpt-4o" || APIKeyEnv("google") != "GOOGLE_API_KEY" {
		t.Error("provider defaults changed")
	}
}
