package llm

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrMissingCredential is returned before any request when no API key is supplied.
	ErrMissingCredential = errors.New("llm: missing api credential")
	// ErrParse means a structured completion did not return valid JSON.
	ErrParse = errors.New("llm: unparseable structured completion")
	// ErrNoChoices means the provider answered without any choice.
	ErrNoChoices = errors.New("llm: no completion choices returned")
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func SystemMessage(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func UserMessage(content string) Message      { return Message{Role: RoleUser, Content: content} }
func AssistantMessage(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Schema is a named JSON schema a structured completion must satisfy.
type Schema struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Gateway is the model provider as the pipeline sees it.
type Gateway interface {
	// StreamText streams text deltas. The channel always ends with a Done
	// chunk, carrying Error when the stream failed.
	StreamText(ctx context.Context, messages []Message) (<-chan StreamChunk, error)
	// CompleteStructured returns the JSON document produced under schema.
	// Output that is empty or not JSON yields ErrParse.
	CompleteStructured(ctx context.Context, messages []Message, schema Schema) (json.RawMessage, error)
}

// Factory builds a gateway scoped to one caller credential.
type Factory func(apiKey string) (Gateway, error)

// NewFactory returns a Factory that builds OpenAI-compatible clients with opts.
func NewFactory(opts ...Option) Factory {
	return func(apiKey string) (Gateway, error) {
		return NewClient(apiKey, opts...)
	}
}
