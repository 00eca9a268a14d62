package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/openai/openai-go/shared/constant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"worldsim/internal/debug"
	"worldsim/internal/logging"
	"worldsim/internal/observability"
)

const (
	DefaultBaseURL         = "https://openrouter.ai/api/v1"
	DefaultNarrationModel  = "nousresearch/hermes-3-llama-3.1-70b"
	DefaultStructuredModel = "openai/gpt-4o-mini-2024-07-18"

	genAISystem = "openrouter"
)

// Context keys for operation tracing
type contextKey string

const (
	operationTypeKey contextKey = "operation_type"
	gameContextKey   contextKey = "game_context"
)

type config struct {
	baseURL         string
	narrationModel  string
	structuredModel string
	maxTokens       int
	maxRetries      int
	timeout         time.Duration
	httpClient      *http.Client
	debug           *debug.Logger
	tracer          trace.Tracer
	completions     *logging.CompletionLogger
}

type Option func(*config)

func WithBaseURL(url string) Option { return func(c *config) { c.baseURL = url } }

// WithModels overrides the streaming and structured models. Empty keeps the default.
func WithModels(narration, structured string) Option {
	return func(c *config) {
		if narration != "" {
			c.narrationModel = narration
		}
		if structured != "" {
			c.structuredModel = structured
		}
	}
}

func WithMaxTokens(n int) Option           { return func(c *config) { c.maxTokens = n } }
func WithMaxRetries(n int) Option          { return func(c *config) { c.maxRetries = n } }
func WithTimeout(d time.Duration) Option   { return func(c *config) { c.timeout = d } }
func WithHTTPClient(h *http.Client) Option { return func(c *config) { c.httpClient = h } }
func WithDebug(d *debug.Logger) Option     { return func(c *config) { c.debug = d } }
func WithTracer(t trace.Tracer) Option     { return func(c *config) { c.tracer = t } }
func WithCompletionLog(cl *logging.CompletionLogger) Option {
	return func(c *config) { c.completions = cl }
}

// Client talks to any OpenAI-compatible chat completions endpoint.
type Client struct {
	client *openai.Client
	cfg    config
}

// NewClient builds a client bound to apiKey. No request is made.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingCredential
	}
	cfg := config{
		baseURL:         DefaultBaseURL,
		narrationModel:  DefaultNarrationModel,
		structuredModel: DefaultStructuredModel,
		maxRetries:      2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer("llm-service")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	client := openai.NewClient(reqOpts...)
	return &Client{client: &client, cfg: cfg}, nil
}

func (c *Client) params(model string, messages []Message) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: toOpenAI(messages),
	}
	if c.cfg.maxTokens > 0 {
		p.MaxCompletionTokens = openai.Int(int64(c.cfg.maxTokens))
	}
	return p
}

func toOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// StreamText implements Gateway.
func (c *Client) StreamText(ctx context.Context, messages []Message) (<-chan StreamChunk, error) {
	operationType := operationOr(ctx, "llm.stream_text")
	ctx, span := c.startGeneration(ctx, operationType, c.cfg.narrationModel, "text", messages)

	var cancel context.CancelFunc = func() {}
	if c.cfg.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.cfg.timeout)
	}

	c.cfg.debug.Printf("LLM Stream Completion - model: %s, messages: %d", c.cfg.narrationModel, len(messages))
	start := time.Now()
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(c.cfg.narrationModel, messages))

	return ReadStreamChunks(ctx, stream, c.cfg.debug, func(full string, err error) {
		defer cancel()
		defer span.End()
		duration := time.Since(start)
		span.SetAttributes(
			attribute.Int64("response_time_ms", duration.Milliseconds()),
			attribute.String("langfuse.observation.output", full),
		)
		if err != nil {
			span.SetAttributes(attribute.String("error.type", "llm_stream_error"))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.record(ctx, operationType, c.cfg.narrationModel, messages, full, duration, true, err)
	}), nil
}

// CompleteStructured implements Gateway using a strict json_schema response format.
func (c *Client) CompleteStructured(ctx context.Context, messages []Message, schema Schema) (json.RawMessage, error) {
	operationType := operationOr(ctx, "llm.complete_json_schema")
	ctx, span := c.startGeneration(ctx, operationType, c.cfg.structuredModel, "json_schema", messages)
	defer span.End()
	if c.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.timeout)
		defer cancel()
	}

	req := c.params(c.cfg.structuredModel, messages)
	req.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			Type: constant.JSONSchema("json_schema"),
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   schema.Name,
				Schema: schema.Schema,
				Strict: openai.Bool(true),
			},
		},
	}
	if schema.Description != "" {
		req.ResponseFormat.OfJSONSchema.JSONSchema.Description = openai.String(schema.Description)
	}

	c.cfg.debug.Printf("LLM JSON Schema Completion - model: %s, schema: %s", c.cfg.structuredModel, schema.Name)
	start := time.Now()
	// OpenRouter only routes to providers that honour response_format.
	resp, err := c.client.Chat.Completions.New(ctx, req, option.WithJSONSet("provider.require_parameters", true))
	duration := time.Since(start)
	if err != nil {
		span.SetAttributes(attribute.String("error.type", "llm_completion_error"))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.cfg.debug.Printf("LLM JSON Schema Completion error: %v", err)
		c.record(ctx, operationType, c.cfg.structuredModel, messages, "", duration, false, err)
		return nil, fmt.Errorf("JSON schema completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		span.RecordError(ErrNoChoices)
		c.record(ctx, operationType, c.cfg.structuredModel, messages, "", duration, false, ErrNoChoices)
		return nil, ErrNoChoices
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	span.SetAttributes(observability.GenerationAttributes(genAISystem, c.cfg.structuredModel, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)...)
	span.SetAttributes(
		attribute.Int64("response_time_ms", duration.Milliseconds()),
		attribute.String("langfuse.observation.output", content),
	)
	c.cfg.debug.Printf("JSON Schema Response: finish_reason=%s, tokens: %d/%d, duration: %v",
		resp.Choices[0].FinishReason, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, duration)

	var parseErr error
	if content == "" || !json.Valid([]byte(content)) {
		if refusal := resp.Choices[0].Message.Refusal; refusal != "" {
			parseErr = fmt.Errorf("%w: model refused: %s", ErrParse, refusal)
		} else {
			parseErr = fmt.Errorf("%w: %q", ErrParse, truncate(content, 200))
		}
		span.RecordError(parseErr)
	}
	c.record(ctx, operationType, c.cfg.structuredModel, messages, content, duration, false, parseErr)
	if parseErr != nil {
		return nil, parseErr
	}
	return json.RawMessage(content), nil
}

func (c *Client) startGeneration(ctx context.Context, operationType, model, format string, messages []Message) (context.Context, trace.Span) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		c.cfg.debug.Printf("NO PARENT: ctx missing active span for %s", operationType)
	}

	ctx, span := c.cfg.tracer.Start(ctx, operationType,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(observability.GenerationAttributes(genAISystem, model, 0, 0)...),
	)
	attrs := []attribute.KeyValue{
		attribute.Int("gen_ai.request.max_tokens", c.cfg.maxTokens),
		attribute.String("langfuse.observation.type", "generation"),
		attribute.String("langfuse.observation.model.name", model),
		attribute.String("langfuse.observation.output_format", format),
		attribute.String("game.operation_type", operationType),
	}
	if input, err := json.Marshal(messages); err == nil {
		attrs = append(attrs, attribute.String("langfuse.observation.input", string(input)))
	}
	span.SetAttributes(attrs...)
	CopyGameContextToSpan(ctx, span)
	return ctx, span
}

func (c *Client) record(ctx context.Context, stage, model string, messages []Message, response string, took time.Duration, streaming bool, err error) {
	if c.cfg.completions == nil {
		return
	}
	meta := logging.CompletionMetadata{
		Model:         model,
		MaxTokens:     c.cfg.maxTokens,
		ResponseTime:  took,
		StreamingUsed: streaming,
	}
	if err != nil {
		msg := err.Error()
		meta.Error = &msg
	}
	promptID, _ := getGameContext(ctx)["prompt_id"].(string)
	// The request context may already be cancelled when a stream ends.
	if logErr := c.cfg.completions.LogCompletion(context.WithoutCancel(ctx), promptID, stage, messages, response, meta); logErr != nil {
		c.cfg.debug.Warn("failed to log completion", "stage", stage, "error", logErr)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func WithOperationType(ctx context.Context, opType string) context.Context {
	return context.WithValue(ctx, operationTypeKey, opType)
}

// WithGameContext merges gameCtx into any game context already on ctx.
func WithGameContext(ctx context.Context, gameCtx map[string]any) context.Context {
	existing := getGameContext(ctx)
	merged := make(map[string]any, len(existing)+len(gameCtx))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range gameCtx {
		merged[k] = v
	}
	return context.WithValue(ctx, gameContextKey, merged)
}

func operationOr(ctx context.Context, fallback string) string {
	if opType, ok := ctx.Value(operationTypeKey).(string); ok && opType != "" {
		return opType
	}
	return fallback
}

func getGameContext(ctx context.Context) map[string]any {
	if gameCtx, ok := ctx.Value(gameContextKey).(map[string]any); ok {
		return gameCtx
	}
	return nil
}

// CopyGameContextToSpan attaches game context and session id attributes to an existing span.
func CopyGameContextToSpan(ctx context.Context, span trace.Span) {
	if span == nil {
		return
	}
	if sid := observability.SessionIDFromContext(ctx); sid != "" {
		span.SetAttributes(observability.SessionAttributes(sid)...)
	}
	for k, v := range getGameContext(ctx) {
		switch val := v.(type) {
		case string:
			span.SetAttributes(attribute.String("game."+k, val))
		case int:
			span.SetAttributes(attribute.Int("game."+k, val))
		case []string:
			span.SetAttributes(attribute.StringSlice("game."+k, val))
		}
	}
}
