package director

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"worldsim/internal/game"
	"worldsim/internal/game/director/tools"
)

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped covers no-ops and duplicate creates.
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result is what happened to one proposed mutation.
type Result struct {
	Mutation game.ProposedMutation
	Outcome  Outcome
	Applied  *game.AppliedMutation
	Message  string
	Err      error
}

type Report struct {
	Results []Result
}

// Applied returns the audit records in application order.
func (r Report) Applied() []game.AppliedMutation {
	var out []game.AppliedMutation
	for _, res := range r.Results {
		if res.Outcome == OutcomeApplied && res.Applied != nil {
			out = append(out, *res.Applied)
		}
	}
	return out
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Applier writes proposed mutations one at a time. A failing mutation never
// stops the batch and nothing already written is rolled back.
type Applier struct {
	store game.Store
	opts  options
}

func NewApplier(store game.Store, opts ...Option) *Applier {
	return &Applier{store: store, opts: buildOptions(opts)}
}

// Apply runs mutations in the given order against worldID and appends every
// applied mutation to the prompt's history.
func (a *Applier) Apply(ctx context.Context, worldID, promptID string, mutations []game.ProposedMutation) Report {
	ctx, span := a.opts.tracer.Start(ctx, "director.apply_mutations",
		trace.WithAttributes(
			attribute.Int("mutation_count", len(mutations)),
			attribute.String("world_id", worldID),
			attribute.String("prompt_id", promptID),
		),
	)
	defer span.End()

	env := tools.Env{Store: a.store, WorldID: worldID}
	log := a.opts.debug.With("world_id", worldID, "prompt_id", promptID)
	report := Report{Results: make([]Result, 0, len(mutations))}

	for i, m := range mutations {
		mutCtx, mutSpan := a.opts.tracer.Start(ctx, "director.apply_mutation",
			trace.WithAttributes(
				attribute.String("mutation_type", string(m.Type)),
				attribute.Int("mutation_index", i),
			),
		)
		res := a.applyOne(mutCtx, env, promptID, m)
		mutSpan.SetAttributes(attribute.String("outcome", string(res.Outcome)))

		switch res.Outcome {
		case OutcomeApplied:
			log.Printf("Applied %s", res.Message)
		case OutcomeSkipped:
			log.Info("mutation skipped", "mutation", m.String(), "reason", res.Err)
		case OutcomeFailed:
			mutSpan.RecordError(res.Err)
			log.Warn("mutation failed", "mutation", m.String(), "error", res.Err)
		}
		a.opts.metrics.RecordMutation(ctx, string(m.Type), string(res.Outcome))
		mutSpan.End()
		report.Results = append(report.Results, res)
	}

	span.SetAttributes(
		attribute.Int("applied_count", report.Count(OutcomeApplied)),
		attribute.Int("skipped_count", report.Count(OutcomeSkipped)),
		attribute.Int("failure_count", report.Count(OutcomeFailed)),
	)
	return report
}

func (a *Applier) applyOne(ctx context.Context, env tools.Env, promptID string, m game.ProposedMutation) Result {
	res := Result{Mutation: m, Outcome: OutcomeFailed}

	tool, exists := GetTool(m.Type)
	if !exists {
		res.Err = fmt.Errorf("%w: %q", ErrUnknownMutation, m.Type)
		return res
	}
	if err := tool.Validate(m); err != nil {
		res.Err = err
		return res
	}

	applied, err := tool.Apply(ctx, env, m)
	if errors.Is(err, tools.ErrNoChange) || errors.Is(err, tools.ErrDuplicate) {
		res.Outcome, res.Err = OutcomeSkipped, err
		return res
	}
	if err != nil {
		res.Err = err
		return res
	}

	res.Applied = applied
	res.Message = tool.SuccessMessage(applied)
	if err := a.record(ctx, promptID, *applied); err != nil {
		res.Err = fmt.Errorf("applied but not recorded: %w", err)
		return res
	}
	res.Outcome = OutcomeApplied
	return res
}

// record appends to the prompt's mutation history by read, append, write.
// Only the prompt's own pending cycle writes here, so the read is current.
func (a *Applier) record(ctx context.Context, promptID string, applied game.AppliedMutation) error {
	p, err := a.store.GetPrompt(ctx, promptID)
	if err != nil {
		return err
	}
	history := append(p.Mutations, applied)
	return a.store.PatchPrompt(ctx, promptID, game.PromptPatch{Mutations: history})
}
