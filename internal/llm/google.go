package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	googleoption "google.golang.org/api/option"
)

// googleProvider implements Provider using the Google Generative AI SDK.
// The API key is stored at construction time; a new genai.Client is created
// per Chat call so that the caller's context governs the connection and
// the client is always closed after use.
type googleProvider struct {
	apiKey string
	model  string
}

func newGoogleProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: GOOGLE_API_KEY environment variable not set")
	}
	return &googleProvider{apiKey: cfg.APIKey, model: cfg.Model}, nil
}

func (p *googleProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("google: empty transcript")
	}
	client, err := genai.NewClient(ctx, googleoption.WithAPIKey(p.apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: genai client: %w", err)
	}
	defer client.Close()

	m := client.GenerativeModel(p.model)
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(req.System)},
	}
	maxOut := int32(req.MaxTokens)
	m.MaxOutputTokens = &maxOut
	temp32 := float32(req.Temperature)
	m.Temperature = &temp32
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, googleDeclaration(t))
		}
		m.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		mode := genai.FunctionCallingAuto
		if req.ToolChoice == ToolChoiceNone {
			mode = genai.FunctionCallingNone
		}
		m.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: mode}}
	}

	history := googleContents(req.Messages)
	cs := m.StartChat()
	cs.History = history[:len(history)-1]
	resp, err := cs.SendMessage(ctx, history[len(history)-1].Parts...)
	if err != nil {
		return nil, fmt.Errorf("google: send message: %w", err)
	}

	out := &Response{StopReason: StopEndTurn}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	var parts []string
	for _, cand := range resp.Candidates {
		if cand.FinishReason == genai.FinishReasonMaxTokens {
			out.StopReason = StopMaxTokens
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				parts = append(parts, string(v))
			case genai.FunctionCall:
				input, err := json.Marshal(v.Args)
				if err != nil {
					return nil, fmt.Errorf("google: encode function args: %w", err)
				}
				// Gemini function calls carry no id; results are matched by
				// name and position.
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:    fmt.Sprintf("%s-%d", v.Name, len(out.ToolCalls)),
					Name:  v.Name,
					Input: input,
				})
			}
		}
		break
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}
	out.Text = strings.Join(parts, "")
	return out, nil
}

func googleDeclaration(t ToolSpec) *genai.FunctionDeclaration {
	s := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	for _, p := range t.Params {
		prop := &genai.Schema{Type: googleType(p.Type), Description: p.Description, Enum: p.Enum}
		if p.Type == "array" {
			items := p.Items
			if items == "" {
				items = "string"
			}
			prop.Items = &genai.Schema{Type: googleType(items)}
		}
		s.Properties[p.Name] = prop
		if p.Required {
			s.Required = append(s.Required, p.Name)
		}
	}
	return &genai.FunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: s}
}

func googleType(t string) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	}
	return genai.TypeString
}

func googleContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		c := &genai.Content{Role: "user"}
		if m.Role == RoleAssistant {
			c.Role = "model"
		}
		if m.Text != "" {
			c.Parts = append(c.Parts, genai.Text(m.Text))
		}
		for _, call := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(call.input(), &args)
			c.Parts = append(c.Parts, genai.FunctionCall{Name: call.Name, Args: args})
		}
		for _, r := range m.ToolResults {
			var payload any
			if err := json.Unmarshal([]byte(r.Content), &payload); err != nil {
				payload = r.Content
			}
			c.Parts = append(c.Parts, genai.FunctionResponse{
				Name:     r.Name,
				Response: map[string]any{"result": payload},
			})
		}
		out = append(out, c)
	}
	return out
}
