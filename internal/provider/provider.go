// Package provider provides LLM provider abstraction using Eino framework.
package provider

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/ksi-dev/ksid/pkg/types"
)

// Provider represents an LLM provider with Eino ChatModel.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []types.Model

	// ChatModel returns the Eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel

	// CreateCompletion creates a streaming completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// CompletionRequest represents a request to generate a completion.
//
// SessionID, if set, names the conversation a provider that maintains its
// own server- or process-side state (chiefly a CLIProvider wrapping a
// stateful tool) should resume; native SDK providers ignore it, since
// Anthropic/OpenAI/ARK completions are stateless per call.
type CompletionRequest struct {
	Model       string             `json:"model"`
	SessionID   string             `json:"sessionId,omitempty"`
	Messages    []*schema.Message  `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int                `json:"maxTokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"topP,omitempty"`
	StopWords   []string           `json:"stopWords,omitempty"`
}

// CompletionStream wraps an Eino stream reader together with the session
// id this completion belongs to. Native providers echo back whatever
// SessionID their CompletionRequest carried (minting one via ulid if this
// is the conversation's first turn); the completion service treats
// SessionID as the provider-minted id to adopt, never inventing one
// itself.
type CompletionStream struct {
	reader    *schema.StreamReader[*schema.Message]
	sessionID string
}

// NewCompletionStream creates a new completion stream bound to sessionID.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message], sessionID string) *CompletionStream {
	return &CompletionStream{reader: reader, sessionID: sessionID}
}

// SessionID returns the session this completion belongs to.
func (s *CompletionStream) SessionID() string { return s.sessionID }

// Recv receives the next message chunk from the stream.
func (s *CompletionStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

// Close closes the stream.
func (s *CompletionStream) Close() {
	s.reader.Close()
}

// ToolInfo represents a tool definition for the LLM.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ConvertToEinoTools converts internal tool definitions to Eino format.
func ConvertToEinoTools(tools []ToolInfo) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		// Parse parameters from JSON schema
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}

		result[i] = &schema.ToolInfo{
			Name: t.Name,
			Desc: t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// resolveSessionID returns existing unchanged, or mints a fresh ulid if
// this is a conversation's first turn.
func resolveSessionID(existing string) string {
	if existing != "" {
		return existing
	}
	return ulid.Make().String()
}

// MessagesFromPrompt builds a single-turn Eino message slice from a plain
// prompt string, for completion:async requests that supply `prompt`
// instead of a pre-built `messages` array (spec.md §4.5).
func MessagesFromPrompt(prompt string) []*schema.Message {
	return []*schema.Message{{Role: schema.User, Content: prompt}}
}
