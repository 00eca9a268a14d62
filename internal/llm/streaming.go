package llm

import (
	"context"
	"strings"

	"github.com/openai/openai-go"

	"worldsim/internal/debug"
)

type StreamChunk struct {
	Text  string
	Error error
	Done  bool
}

// chunkStream is the part of ssestream.Stream the reader needs.
type chunkStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// ReadStreamChunks forwards non-empty deltas from stream and finishes with a
// Done chunk. onDone, if set, receives the concatenated text and the stream
// error before the channel closes.
func ReadStreamChunks(ctx context.Context, stream chunkStream, dbg *debug.Logger, onDone func(full string, err error)) <-chan StreamChunk {
	chunks := make(chan StreamChunk)

	go func() {
		defer close(chunks)
		defer stream.Close()

		var full strings.Builder
		send := func(c StreamChunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		finish := func(err error) {
			if onDone != nil {
				onDone(full.String(), err)
			}
			send(StreamChunk{Error: err, Done: true})
		}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			dbg.Printf("Stream chunk: %q", delta)
			full.WriteString(delta)
			if !send(StreamChunk{Text: delta}) {
				finish(ctx.Err())
				return
			}
		}

		if err := stream.Err(); err != nil {
			dbg.Printf("Stream error: %v", err)
			finish(err)
			return
		}
		dbg.Println("Stream finished")
		finish(nil)
	}()

	return chunks
}
