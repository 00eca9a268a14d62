package director

import (
	"context"

	"worldsim/internal/game"
	"worldsim/internal/llm"
)

// Director runs extraction and application for one finished narration.
type Director struct {
	extractor *Extractor
	applier   *Applier
}

func NewDirector(gateway llm.Gateway, store game.Store, opts ...Option) *Director {
	return &Director{
		extractor: NewExtractor(gateway, opts...),
		applier:   NewApplier(store, opts...),
	}
}

// Direct extracts mutations from narration and applies them to worldID,
// recording each applied one on promptID. Only extraction errors are
// returned; per-mutation failures are in the report.
func (d *Director) Direct(ctx context.Context, worldID, promptID string, contextMessages []llm.Message, narration string) (Report, error) {
	mutations, err := d.extractor.Extract(ctx, contextMessages, narration)
	if err != nil {
		return Report{}, err
	}
	return d.applier.Apply(ctx, worldID, promptID, mutations), nil
}
