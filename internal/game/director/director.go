package director

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"worldsim/internal/debug"
	"worldsim/internal/game"
	"worldsim/internal/llm"
	"worldsim/internal/observability"
)

var (
	// ErrNoMutationsProduced means the extraction call gave no usable mutation list.
	ErrNoMutationsProduced = errors.New("no mutations produced")
	// ErrUnknownMutation is reported for a mutation type with no registered tool.
	ErrUnknownMutation = errors.New("unknown mutation type")
)

type options struct {
	debug   *debug.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

type Option func(*options)

func WithDebug(d *debug.Logger) Option            { return func(o *options) { o.debug = d } }
func WithTracer(t trace.Tracer) Option            { return func(o *options) { o.tracer = t } }
func WithMetrics(m *observability.Metrics) Option { return func(o *options) { o.metrics = m } }

func buildOptions(opts []Option) options {
	o := options{tracer: otel.Tracer("director")}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Extractor turns a finished narration into proposed mutations with one
// schema-constrained completion.
type Extractor struct {
	gateway llm.Gateway
	opts    options
}

func NewExtractor(gateway llm.Gateway, opts ...Option) *Extractor {
	return &Extractor{gateway: gateway, opts: buildOptions(opts)}
}

// Extract sends the narration context, the narration as the assistant turn
// and the extraction instruction. The result is already in application
// order. Any failure to get a parseable list wraps ErrNoMutationsProduced.
func (e *Extractor) Extract(ctx context.Context, contextMessages []llm.Message, narration string) ([]game.ProposedMutation, error) {
	ctx, span := e.opts.tracer.Start(ctx, "director.extract_mutations",
		trace.WithAttributes(attribute.Int("context_messages", len(contextMessages))),
	)
	defer span.End()
	llm.CopyGameContextToSpan(ctx, span)

	messages := make([]llm.Message, 0, len(contextMessages)+2)
	messages = append(messages, contextMessages...)
	messages = append(messages, llm.AssistantMessage(narration), llm.UserMessage(buildExtractionPrompt()))

	start := time.Now()
	raw, err := e.gateway.CompleteStructured(llm.WithOperationType(ctx, "extraction"), messages, MutationListSchema())
	e.opts.metrics.RecordExtraction(ctx, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		return nil, fmt.Errorf("%w: %w", ErrNoMutationsProduced, err)
	}

	var list MutationList
	if err := json.Unmarshal(raw, &list); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unparseable mutation list")
		return nil, fmt.Errorf("%w: %w: %w", ErrNoMutationsProduced, llm.ErrParse, err)
	}

	e.opts.debug.Printf("Extracted %d mutations", len(list.Mutations))
	span.SetAttributes(attribute.Int("mutation_count", len(list.Mutations)))
	return SortForApplication(list.Mutations), nil
}
