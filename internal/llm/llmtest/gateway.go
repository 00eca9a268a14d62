// Package llmtest provides a scripted llm.Gateway for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"sync"

	"worldsim/internal/llm"
)

// Gateway replays configured responses and records every call.
type Gateway struct {
	mu sync.Mutex

	// Chunks are streamed in order by StreamText.
	Chunks []string
	// StreamErr, when set, ends the stream after Chunks with this error.
	StreamErr error
	// OpenErr fails StreamText before any chunk.
	OpenErr error

	// Structured is returned by CompleteStructured, keyed by schema name.
	Structured map[string]string
	// StructuredErr fails CompleteStructured.
	StructuredErr error

	StreamCalls     [][]llm.Message
	StructuredCalls []StructuredCall
}

type StructuredCall struct {
	Messages []llm.Message
	Schema   llm.Schema
}

var _ llm.Gateway = (*Gateway)(nil)

func (g *Gateway) StreamText(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	g.mu.Lock()
	g.StreamCalls = append(g.StreamCalls, messages)
	chunks, streamErr, openErr := g.Chunks, g.StreamErr, g.OpenErr
	g.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, text := range chunks {
			select {
			case ch <- llm.StreamChunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.StreamChunk{Error: streamErr, Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (g *Gateway) CompleteStructured(_ context.Context, messages []llm.Message, schema llm.Schema) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.StructuredCalls = append(g.StructuredCalls, StructuredCall{Messages: messages, Schema: schema})
	if g.StructuredErr != nil {
		return nil, g.StructuredErr
	}
	out, ok := g.Structured[schema.Name]
	if !ok || !json.Valid([]byte(out)) {
		return nil, llm.ErrParse
	}
	return json.RawMessage(out), nil
}

// Factory returns an llm.Factory handing out g for any non-empty key.
func (g *Gateway) Factory() llm.Factory {
	return func(apiKey string) (llm.Gateway, error) {
		if apiKey == "" {
			return nil, llm.ErrMissingCredential
		}
		return g, nil
	}
}
