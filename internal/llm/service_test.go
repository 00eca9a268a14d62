package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldsim/internal/logging"
)

func sseServer(t *testing.T, deltas []string, fail bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for i, d := range deltas {
			chunk := map[string]any{
				"id": "c1", "object": "chat.completion.chunk", "created": 1, "model": "m",
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": d}}},
			}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", i, data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func drain(t *testing.T, ch <-chan StreamChunk) ([]string, error) {
	t.Helper()
	var got []string
	for c := range ch {
		if c.Done {
			return got, c.Error
		}
		got = append(got, c.Text)
	}
	t.Fatal("stream closed without a done chunk")
	return nil, nil
}

func TestNewClientRequiresCredential(t *testing.T) {
	_, err := NewClient("  ")
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = NewFactory()("")
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestStreamTextSkipsEmptyDeltas(t *testing.T) {
	srv := sseServer(t, []string{"You wake", "", " in your bedroom."}, false)
	defer srv.Close()

	cl, err := logging.NewCompletionLogger(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	defer cl.Close()

	c, err := NewClient("sk-test", WithBaseURL(srv.URL), WithMaxRetries(0), WithCompletionLog(cl))
	require.NoError(t, err)

	ctx := WithOperationType(context.Background(), "narration")
	ctx = WithGameContext(ctx, map[string]any{"prompt_id": "p1"})
	ch, err := c.StreamText(ctx, []Message{UserMessage("What's currently around me?")})
	require.NoError(t, err)

	got, err := drain(t, ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"You wake", " in your bedroom."}, got)

	logged, err := cl.GetRecentCompletions(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, "narration", logged[0].Stage)
	assert.Equal(t, "p1", logged[0].PromptID)
	assert.Equal(t, "You wake in your bedroom.", logged[0].Response)
}

func TestStreamTextSurfacesProviderError(t *testing.T) {
	srv := sseServer(t, nil, true)
	defer srv.Close()

	c, err := NewClient("sk-test", WithBaseURL(srv.URL), WithMaxRetries(0))
	require.NoError(t, err)

	ch, err := c.StreamText(context.Background(), []Message{UserMessage("hi")})
	require.NoError(t, err)
	_, err = drain(t, ch)
	assert.Error(t, err)
}

func structuredServer(t *testing.T, content string, seen *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if seen != nil {
			require.NoError(t, json.Unmarshal(body, seen))
		}
		resp := map[string]any{
			"id": "c2", "object": "chat.completion", "created": 1, "model": "m",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestCompleteStructuredSendsStrictSchema(t *testing.T) {
	var seen map[string]any
	srv := structuredServer(t, `{"mutations":[]}`, &seen)
	defer srv.Close()

	c, err := NewClient("sk-test", WithBaseURL(srv.URL), WithMaxRetries(0), WithModels("", "openai/gpt-4o-mini"))
	require.NoError(t, err)

	schema := Schema{Name: "mutationList", Schema: map[string]any{"type": "object"}}
	raw, err := c.CompleteStructured(context.Background(), []Message{SystemMessage("s"), AssistantMessage("a"), UserMessage("u")}, schema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mutations":[]}`, string(raw))

	assert.Equal(t, "openai/gpt-4o-mini", seen["model"])
	rf := seen["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", rf["type"])
	js := rf["json_schema"].(map[string]any)
	assert.Equal(t, "mutationList", js["name"])
	assert.Equal(t, true, js["strict"])
	assert.Equal(t, map[string]any{"require_parameters": true}, seen["provider"])

	msgs := seen["messages"].([]any)
	require.Len(t, msgs, 3)
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
}

func TestCompleteStructuredRejectsNonJSON(t *testing.T) {
	for _, content := range []string{"", "Sure! Here are the mutations:"} {
		t.Run(fmt.Sprintf("%q", content), func(t *testing.T) {
			srv := structuredServer(t, content, nil)
			defer srv.Close()

			c, err := NewClient("sk-test", WithBaseURL(srv.URL), WithMaxRetries(0))
			require.NoError(t, err)
			_, err = c.CompleteStructured(context.Background(), []Message{UserMessage("u")}, Schema{Name: "x"})
			assert.ErrorIs(t, err, ErrParse)
		})
	}
}

func TestWithGameContextMerges(t *testing.T) {
	ctx := WithGameContext(context.Background(), map[string]any{"world_id": "w1"})
	ctx = WithGameContext(ctx, map[string]any{"prompt_id": "p1"})
	got := getGameContext(ctx)
	assert.Equal(t, "w1", got["world_id"])
	assert.Equal(t, "p1", got["prompt_id"])
	assert.True(t, strings.HasPrefix(operationOr(ctx, "llm.fallback"), "llm."))
}
