// Package llm handles reasoning-model provider communication: a
// provider-neutral tool-calling chat contract, its Anthropic, OpenAI and
// Google implementations, and helpers for recovering JSON from model text.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ErrNoJSONObject is returned when model text contains no JSON object.
var ErrNoJSONObject = errors.New("llm: no JSON object in response")

// Provider is the interface for reasoning-model backends. Implementations
// are stateless between calls; the full transcript travels in every Request.
type Provider interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Name   string
	Model  string
	APIKey string
}

// NewProvider is the factory for creating LLM providers. It is a package-level
// variable so tests can replace it with a mock without modifying the call site.
// Tests must restore the original value; use t.Cleanup to do so safely.
var NewProvider func(cfg ProviderConfig) (Provider, error) = defaultNewProvider

// Role is the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolChoice controls whether the model may call tools on a request.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
)

// Param is one parameter of a tool's input object.
type Param struct {
	Name        string
	Type        string // string, integer, number, boolean, array
	Items       string // element type for arrays
	Enum        []string
	Description string
	Required    bool
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Params      []Param
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// input returns the call arguments, or an empty object when there are none.
func (c ToolCall) input() json.RawMessage {
	if len(c.Input) == 0 {
		return json.RawMessage("{}")
	}
	return c.Input
}

// ToolResult answers one ToolCall. Content is JSON.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one transcript entry. Assistant messages carry the model's
// text and tool calls; user messages carry text or tool results.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Request is one provider call.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSpec
	ToolChoice  ToolChoice
	MaxTokens   int
	Temperature float64
}

// Usage is the token count of one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is one provider reply.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Stop reasons normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return "gpt-4o"
	case "google":
		return "gemini-1.5-pro"
	default:
		return "claude-sonnet-4-5"
	}
}

// APIKeyEnv names the environment variable holding provider's credentials.
func APIKeyEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return "ANTHROPIC_API_KEY"
	}
}

// HasCredentials reports whether an API key for provider is available in
// cfg or the environment.
func HasCredentials(cfg ProviderConfig) bool {
	return cfg.APIKey != "" || os.Getenv(APIKeyEnv(cfg.Name)) != ""
}

// schemaProperties returns the JSON Schema properties and required list of
// a tool's input object.
func (t ToolSpec) schemaProperties() (map[string]any, []string) {
	props := make(map[string]any, len(t.Params))
	required := []string{}
	for _, p := range t.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Type == "array" {
			items := p.Items
			if items == "" {
				items = "string"
			}
			prop["items"] = map[string]any{"type": items}
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return props, required
}

// fenceRe matches a markdown code fence block (``` or ~~~) with an optional
// language tag and captures the content between the fences.
// Both backtick and tilde fence styles are supported. The content group uses
// `.*?` (not `.+?`) to allow empty bodies inside fences.
var fenceRe = regexp.MustCompile("(?s)^(?:`{3}|~{3})[^\\n]*\\n(.*?)(?:`{3}|~{3})\\s*$")

// openFenceRe matches only an opening fence line (no closing fence required).
// Used to strip orphaned opening fences from truncated responses.
var openFenceRe = regexp.MustCompile("^(?:`{3}|~{3})[^\\n]*\\n")

// innerFenceRe finds a fenced block anywhere in prose.
var innerFenceRe = regexp.MustCompile("(?s)(?:`{3}|~{3})(?:json)?[^\\n]*\\n(.*?)(?:`{3}|~{3})")

// stripMarkdownFences removes leading/trailing markdown code fences that LLMs
// sometimes wrap around JSON output (e.g., "```json\n...\n```").
// If only an opening fence is present (e.g., the response was truncated before
// the closing fence), the opening line is stripped so that the JSON content can
// still be parsed.
func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := innerFenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	// Handle truncated fenced responses: strip the opening fence line only.
	if loc := openFenceRe.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(s[loc[1]:])
	}
	return s
}

// invalidJSONEscapeRe matches a backslash followed by any character that is not
// a valid JSON string escape character ("\/bfnrtu). LLMs sometimes emit regex
// patterns (e.g. \d+, \w+) unescaped inside JSON strings; this sanitizer
// converts them to properly double-escaped sequences (\\d, \\w, etc.) so that
// the JSON parser accepts the response.
var invalidJSONEscapeRe = regexp.MustCompile(`\\([^"\\/bfnrtu])`)

// fixInvalidJSONEscapes replaces invalid JSON escape sequences in s with their
// correctly double-escaped equivalents.
func fixInvalidJSONEscapes(s string) string {
	return invalidJSONEscapeRe.ReplaceAllString(s, `\\$1`)
}

// ExtractJSONObject returns the outermost JSON object in s, after removing
// markdown fences. Braces inside string literals are ignored.
func ExtractJSONObject(s string) (string, error) {
	s = stripMarkdownFences(s)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", ErrNoJSONObject
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
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
				return s[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSONObject
}

// DecodeObject extracts the JSON object in s and unmarshals it into v. If
// parsing fails due to invalid escape sequences, one sanitized attempt is
// made before giving up.
func DecodeObject(s string, v any) error {
	raw, err := ExtractJSONObject(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		if err2 := json.Unmarshal([]byte(fixInvalidJSONEscapes(raw)), v); err2 != nil {
			return fmt.Errorf("llm: decode response object: %w", err)
		}
	}
	return nil
}

// ── Provider dispatch ─────────────────────────────────────────────────────────

// defaultNewProvider dispatches to the appropriate provider implementation.
func defaultNewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel(cfg.Name)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(APIKeyEnv(cfg.Name))
	}
	switch strings.ToLower(cfg.Name) {
	case "anthropic", "":
		return newAnthropicProvider(cfg)
	case "openai":
		return newOpenAIProvider(cfg)
	case "google":
		return newGoogleProvider(cfg)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Name)
	}
}

// ── Anthropic provider ───────────────────────────────────────────────────────

// anthropicProvider implements Provider using the Anthropic SDK.
// anthropic.Client is a value type; the SDK's NewClient returns it by value.
type anthropicProvider struct {
	client anthropic.Client
	model  string
}

func newAnthropicProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: ANTHROPIC_API_KEY environment variable not set")
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return &anthropicProvider{client: client, model: cfg.Model}, nil
}

func (p *anthropicProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
		System:      []anthropic.TextBlockParam{{Text: req.System}},
		Messages:    anthropicMessages(req.Messages),
	}
	for _, t := range req.Tools {
		props, required := t.schemaProperties()
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: props, Required: required},
		}})
	}
	if req.ToolChoice == ToolChoiceNone && len(params.Tools) > 0 {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}

	resp := &Response{
		StopReason: string(msg.StopReason),
		Usage:      Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens},
	}
	var parts []string
	for _, block := range msg.Content {
		// block.Type is the wire discriminator; "text" and "tool_use" are the
		// only content types requested.
		switch block.Type {
		case "text":
			parts = append(parts, block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	resp.Text = strings.Join(parts, "")
	return resp, nil
}

func anthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		// tool_result blocks must lead a user message.
		var blocks []anthropic.ContentBlockParamUnion
		for _, r := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, r.Content, r.IsError))
		}
		if m.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Text))
		}
		for _, c := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, c.input(), c.Name))
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}
