// Package narration runs one action cycle: it assembles the scene, streams
// the narration into a prompt record, hands the finished text to the
// director and settles the prompt's status.
package narration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"worldsim/internal/debug"
	"worldsim/internal/game"
	"worldsim/internal/game/director"
	"worldsim/internal/llm"
	"worldsim/internal/observability"
)

// DefaultStalePendingAfter is how long a pending prompt may go without a
// write before another cycle may take it over.
const DefaultStalePendingAfter = 10 * time.Minute

var errStreamEnded = errors.New("narration stream ended unexpectedly")

type Config struct {
	// Factory builds a gateway from the caller's API key.
	Factory llm.Factory
	Store   game.Store
	// StalePendingAfter of zero means a pending prompt is never taken over.
	StalePendingAfter time.Duration

	Debug   *debug.Logger
	Tracer  trace.Tracer
	Metrics *observability.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// CycleResult describes a finished cycle. ExtractionErr is set when the
// narration succeeded but no mutations could be extracted.
type CycleResult struct {
	PromptID      string
	Content       string
	Report        director.Report
	ExtractionErr error
}

type Engine struct {
	cfg       Config
	assembler *Assembler
}

func NewEngine(cfg Config) *Engine {
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("narration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg, assembler: NewAssembler(cfg.Store)}
}

// Run performs one cycle for characterID. An empty action asks for a look
// around. The narration is persisted as it streams; extraction problems are
// logged and reported in the result, never returned.
func (e *Engine) Run(ctx context.Context, apiKey, characterID, action string) (*CycleResult, error) {
	gateway, err := e.cfg.Factory(apiKey)
	if err != nil {
		return nil, err
	}
	action = strings.TrimSpace(action)

	ctx = observability.WithSessionID(ctx, characterID)
	ctx, span := e.cfg.Tracer.Start(ctx, "narration.cycle",
		trace.WithAttributes(
			attribute.String("character_id", characterID),
			attribute.Bool("has_action", action != ""),
		),
	)
	defer span.End()

	result, err := e.run(ctx, gateway, characterID, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cycle failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("prompt_id", result.PromptID))
	return result, nil
}

func (e *Engine) run(ctx context.Context, gateway llm.Gateway, characterID, action string) (*CycleResult, error) {
	scene, err := e.assembler.Scene(ctx, characterID)
	if err != nil {
		return nil, err
	}
	messages, err := e.assembler.Messages(scene, action)
	if err != nil {
		return nil, err
	}

	var actions []game.Action
	if action != "" {
		actions = []game.Action{{Name: action}}
	}
	prompt, err := e.claim(ctx, characterID, actions)
	if err != nil {
		return nil, err
	}

	worldID := scene.World.ID
	ctx = llm.WithGameContext(ctx, map[string]any{
		"prompt_id":    prompt.ID,
		"world_id":     worldID,
		"character_id": characterID,
	})
	log := e.cfg.Debug.With("prompt_id", prompt.ID, "world_id", worldID)
	log.Printf("Cycle started for %s (action %q)", scene.Character.Name, action)

	content, err := e.stream(ctx, gateway, prompt.ID, messages)
	if err != nil {
		e.fail(ctx, log, prompt.ID, err)
		return nil, fmt.Errorf("narrate: %w", err)
	}

	result := &CycleResult{PromptID: prompt.ID, Content: content}
	d := director.NewDirector(gateway, e.cfg.Store,
		director.WithDebug(log),
		director.WithTracer(e.cfg.Tracer),
		director.WithMetrics(e.cfg.Metrics),
	)
	report, err := d.Direct(ctx, worldID, prompt.ID, messages, content)
	if err != nil {
		log.Warn("mutation extraction failed", "error", err)
		result.ExtractionErr = err
	}
	result.Report = report

	if err := e.cfg.Store.TransitionPrompt(context.WithoutCancel(ctx), prompt.ID, game.StatusPending, game.StatusSuccess); err != nil {
		e.cfg.Metrics.RecordCycle(ctx, string(game.StatusFailure))
		return nil, fmt.Errorf("finalize prompt %s: %w", prompt.ID, err)
	}
	e.cfg.Metrics.RecordCycle(ctx, string(game.StatusSuccess))
	log.Printf("Cycle finished: %d applied, %d skipped, %d failed",
		report.Count(director.OutcomeApplied), report.Count(director.OutcomeSkipped), report.Count(director.OutcomeFailed))
	return result, nil
}

// claim returns the pending prompt this cycle writes to. A failed latest
// prompt is resumed, as is a stale pending one; a fresh pending one means
// another cycle is running. Losing any of the conditional writes to a
// concurrent caller also reports ErrConcurrentCycleInProgress.
func (e *Engine) claim(ctx context.Context, characterID string, actions []game.Action) (*game.Prompt, error) {
	latest, err := e.cfg.Store.LatestPrompt(ctx, characterID)
	if err != nil && !errors.Is(err, game.ErrNotFound) {
		return nil, fmt.Errorf("load latest prompt: %w", err)
	}

	if latest == nil || latest.Status == game.StatusSuccess {
		latestID := ""
		if latest != nil {
			latestID = latest.ID
		}
		p := game.NewPrompt(characterID, actions...)
		if err := e.cfg.Store.InsertPromptIfLatest(ctx, p, latestID); err != nil {
			return nil, conflict(err)
		}
		return p, nil
	}

	switch latest.Status {
	case game.StatusPending:
		now := e.cfg.Now()
		if !latest.IsStale(now, e.cfg.StalePendingAfter) {
			return nil, game.ErrConcurrentCycleInProgress
		}
		if err := e.cfg.Store.ReclaimPrompt(ctx, latest.ID, now.Add(-e.cfg.StalePendingAfter)); err != nil {
			return nil, conflict(err)
		}
		e.cfg.Debug.Info("reclaimed stale pending prompt", "prompt_id", latest.ID, "updated_at", latest.UpdatedAt)
	case game.StatusFailure:
		if err := e.cfg.Store.TransitionPrompt(ctx, latest.ID, game.StatusFailure, game.StatusPending); err != nil {
			return nil, conflict(err)
		}
	}

	empty := ""
	if err := e.cfg.Store.PatchPrompt(ctx, latest.ID, game.PromptPatch{Content: &empty, Actions: append([]game.Action{}, actions...)}); err != nil {
		return nil, fmt.Errorf("reset prompt %s: %w", latest.ID, err)
	}
	return latest, nil
}

func conflict(err error) error {
	if errors.Is(err, game.ErrStatusConflict) {
		return fmt.Errorf("%w: %w", game.ErrConcurrentCycleInProgress, err)
	}
	return err
}

// stream writes the accumulated narration after every non-empty chunk.
func (e *Engine) stream(ctx context.Context, gateway llm.Gateway, promptID string, messages []llm.Message) (string, error) {
	ctx, span := e.cfg.Tracer.Start(ctx, "narration.stream")
	defer span.End()
	// Releases the producer if we stop reading early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := e.cfg.Now()
	defer func() { e.cfg.Metrics.RecordNarration(ctx, e.cfg.Now().Sub(start)) }()

	chunks, err := gateway.StreamText(llm.WithOperationType(ctx, "narration"), messages)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			span.RecordError(chunk.Error)
			return b.String(), chunk.Error
		}
		if chunk.Text != "" {
			b.WriteString(chunk.Text)
			content := b.String()
			if err := e.cfg.Store.PatchPrompt(ctx, promptID, game.PromptPatch{Content: &content}); err != nil {
				return content, fmt.Errorf("persist narration: %w", err)
			}
			e.cfg.Metrics.RecordChunk(ctx)
		}
		if chunk.Done {
			span.SetAttributes(attribute.Int("content_length", b.Len()))
			return b.String(), nil
		}
	}

	if err := ctx.Err(); err != nil {
		return b.String(), err
	}
	return b.String(), errStreamEnded
}

// fail marks the prompt failed so the next cycle resumes it. The status
// write ignores cancellation of ctx.
func (e *Engine) fail(ctx context.Context, log *debug.Logger, promptID string, cause error) {
	log.Error("narration failed", "error", cause)
	e.cfg.Metrics.RecordCycle(ctx, string(game.StatusFailure))
	if err := e.cfg.Store.TransitionPrompt(context.WithoutCancel(ctx), promptID, game.StatusPending, game.StatusFailure); err != nil {
		log.Error("mark prompt failed", "error", err)
	}
}
