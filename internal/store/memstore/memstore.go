// Package memstore is an in-memory game.Store for tests and single-process
// play. Everything is lost when the process exits.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"worldsim/internal/game"
	"worldsim/internal/game/namematch"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ game.Store = (*MemStore)(nil)

type Option func(*MemStore)

// WithClock replaces time.Now for prompt timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *MemStore) {
		s.now = now
	}
}

type storedPrompt struct {
	game.Prompt
	seq int64
}

// MemStore is safe for concurrent use. Values are copied in and out so
// callers never share maps or slices with the store.
type MemStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	seq        int64
	worlds     map[string]game.World
	locations  map[string]game.Location
	characters map[string]game.Character
	prompts    map[string]*storedPrompt
}

func New(opts ...Option) *MemStore {
	s := &MemStore{
		now:        time.Now,
		worlds:     make(map[string]game.World),
		locations:  make(map[string]game.Location),
		characters: make(map[string]game.Character),
		prompts:    make(map[string]*storedPrompt),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// --- worlds ---

func (s *MemStore) GetWorld(ctx context.Context, id string) (*game.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.worlds[id]
	if !ok {
		return nil, fmt.Errorf("world %s: %w", id, game.ErrNotFound)
	}
	return &w, nil
}

func (s *MemStore) InsertWorld(ctx context.Context, w *game.World) error {
	if w.Name == "" {
		return fmt.Errorf("%w: world name is required", game.ErrInvalidInput)
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.worlds[w.ID]; exists {
		return fmt.Errorf("%w: world %s already exists", game.ErrInvalidInput, w.ID)
	}
	s.worlds[w.ID] = *w
	return nil
}

func (s *MemStore) PatchWorld(ctx context.Context, id string, patch game.WorldPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.worlds[id]
	if !ok {
		return fmt.Errorf("world %s: %w", id, game.ErrNotFound)
	}
	if patch.Name != nil {
		w.Name = *patch.Name
	}
	if patch.Time != nil {
		w.Time = *patch.Time
	}
	s.worlds[id] = w
	return nil
}

func (s *MemStore) DeleteWorld(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.worlds[id]; !ok {
		return fmt.Errorf("world %s: %w", id, game.ErrNotFound)
	}
	delete(s.worlds, id)
	return nil
}

func (s *MemStore) ListWorlds(ctx context.Context, creatorID string) ([]game.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []game.World
	for _, w := range s.worlds {
		if creatorID == "" || w.CreatorID == creatorID {
			out = append(out, w)
		}
	}
	slices.SortFunc(out, func(a, b game.World) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// --- locations ---

func (s *MemStore) GetLocation(ctx context.Context, id string) (*game.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.locations[id]
	if !ok {
		return nil, fmt.Errorf("location %s: %w", id, game.ErrNotFound)
	}
	l.Properties = game.CloneProperties(l.Properties)
	return &l, nil
}

func (s *MemStore) InsertLocation(ctx context.Context, l *game.Location) error {
	if err := game.ValidateLocation(l); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.Properties = game.CloneProperties(l.Properties)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.worlds[l.WorldID]; !ok {
		return fmt.Errorf("%w: world %s does not exist", game.ErrInvalidInput, l.WorldID)
	}
	if _, exists := s.locations[l.ID]; exists {
		return fmt.Errorf("%w: location %s already exists", game.ErrInvalidInput, l.ID)
	}
	stored := *l
	stored.Properties = game.CloneProperties(l.Properties)
	s.locations[l.ID] = stored
	return nil
}

func (s *MemStore) PatchLocation(ctx context.Context, id string, patch game.LocationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locations[id]
	if !ok {
		return fmt.Errorf("location %s: %w", id, game.ErrNotFound)
	}
	if patch.Name != nil {
		l.Name = *patch.Name
	}
	if patch.Properties != nil {
		l.Properties = game.CloneProperties(patch.Properties)
	}
	s.locations[id] = l
	return nil
}

func (s *MemStore) DeleteLocation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locations[id]; !ok {
		return fmt.Errorf("location %s: %w", id, game.ErrNotFound)
	}
	delete(s.locations, id)
	return nil
}

func (s *MemStore) ListLocations(ctx context.Context, worldID string) ([]game.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locationsIn(worldID), nil
}

func (s *MemStore) SearchLocations(ctx context.Context, worldID, name string) (*game.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	locs := s.locationsIn(worldID)
	names := make([]string, len(locs))
	for i, l := range locs {
		names[i] = l.Name
	}
	i, ok := namematch.Best(name, names)
	if !ok {
		return nil, fmt.Errorf("location %q: %w", name, game.ErrNotFound)
	}
	return &locs[i], nil
}

// locationsIn returns copies ordered by name then id. Caller holds the lock.
func (s *MemStore) locationsIn(worldID string) []game.Location {
	var out []game.Location
	for _, l := range s.locations {
		if l.WorldID == worldID {
			l.Properties = game.CloneProperties(l.Properties)
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b game.Location) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// --- characters ---

func (s *MemStore) GetCharacter(ctx context.Context, id string) (*game.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.characters[id]
	if !ok {
		return nil, fmt.Errorf("character %s: %w", id, game.ErrNotFound)
	}
	c.Properties = game.CloneProperties(c.Properties)
	return &c, nil
}

func (s *MemStore) InsertCharacter(ctx context.Context, c *game.Character) error {
	if err := game.ValidateCharacter(c); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Properties = game.CloneProperties(c.Properties)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocationInWorld(c.LocationID, c.WorldID); err != nil {
		return err
	}
	if _, exists := s.characters[c.ID]; exists {
		return fmt.Errorf("%w: character %s already exists", game.ErrInvalidInput, c.ID)
	}
	stored := *c
	stored.Properties = game.CloneProperties(c.Properties)
	s.characters[c.ID] = stored
	return nil
}

func (s *MemStore) PatchCharacter(ctx context.Context, id string, patch game.CharacterPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.characters[id]
	if !ok {
		return fmt.Errorf("character %s: %w", id, game.ErrNotFound)
	}
	if patch.LocationID != nil {
		if err := s.checkLocationInWorld(*patch.LocationID, c.WorldID); err != nil {
			return err
		}
		c.LocationID = *patch.LocationID
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Pronouns != nil {
		c.Pronouns = *patch.Pronouns
	}
	if patch.Properties != nil {
		c.Properties = game.CloneProperties(patch.Properties)
	}
	s.characters[id] = c
	return nil
}

func (s *MemStore) checkLocationInWorld(locationID, worldID string) error {
	l, ok := s.locations[locationID]
	if !ok || l.WorldID != worldID {
		return fmt.Errorf("%w: location %s is not in world %s", game.ErrInvalidInput, locationID, worldID)
	}
	return nil
}

func (s *MemStore) DeleteCharacter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.characters[id]; !ok {
		return fmt.Errorf("character %s: %w", id, game.ErrNotFound)
	}
	delete(s.characters, id)
	return nil
}

func (s *MemStore) ListCharacters(ctx context.Context, worldID string) ([]game.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.charactersWhere(func(c game.Character) bool { return c.WorldID == worldID }), nil
}

func (s *MemStore) ListCharactersAt(ctx context.Context, locationID string) ([]game.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.charactersWhere(func(c game.Character) bool { return c.LocationID == locationID }), nil
}

func (s *MemStore) SearchCharacters(ctx context.Context, worldID, name string) (*game.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chars := s.charactersWhere(func(c game.Character) bool { return c.WorldID == worldID })
	names := make([]string, len(chars))
	for i, c := range chars {
		names[i] = c.Name
	}
	i, ok := namematch.Best(name, names)
	if !ok {
		return nil, fmt.Errorf("character %q: %w", name, game.ErrNotFound)
	}
	return &chars[i], nil
}

func (s *MemStore) charactersWhere(keep func(game.Character) bool) []game.Character {
	var out []game.Character
	for _, c := range s.characters {
		if keep(c) {
			c.Properties = game.CloneProperties(c.Properties)
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b game.Character) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// --- prompts ---

func (s *MemStore) GetPrompt(ctx context.Context, id string) (*game.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prompts[id]
	if !ok {
		return nil, fmt.Errorf("prompt %s: %w", id, game.ErrNotFound)
	}
	return clonePrompt(p.Prompt), nil
}

func (s *MemStore) InsertPromptIfLatest(ctx context.Context, p *game.Prompt, expectedLatestID string) error {
	if p.CharacterID == "" {
		return fmt.Errorf("%w: prompt character id is required", game.ErrInvalidInput)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: prompt status %q", game.ErrInvalidInput, p.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.characters[p.CharacterID]; !ok {
		return fmt.Errorf("character %s: %w", p.CharacterID, game.ErrNotFound)
	}
	latestID := ""
	if latest := s.latest(p.CharacterID); latest != nil {
		latestID = latest.ID
	}
	if latestID != expectedLatestID {
		return fmt.Errorf("%w: latest prompt is %q, expected %q", game.ErrStatusConflict, latestID, expectedLatestID)
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := s.prompts[p.ID]; exists {
		return fmt.Errorf("%w: prompt %s already exists", game.ErrInvalidInput, p.ID)
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Mutations == nil {
		p.Mutations = []game.AppliedMutation{}
	}
	if p.Actions == nil {
		p.Actions = []game.Action{}
	}
	s.seq++
	s.prompts[p.ID] = &storedPrompt{Prompt: *clonePrompt(*p), seq: s.seq}
	return nil
}

func (s *MemStore) PatchPrompt(ctx context.Context, id string, patch game.PromptPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prompts[id]
	if !ok {
		return fmt.Errorf("prompt %s: %w", id, game.ErrNotFound)
	}
	if patch.Content != nil {
		p.Content = *patch.Content
	}
	if patch.Mutations != nil {
		p.Mutations = slices.Clone(patch.Mutations)
	}
	if patch.Actions != nil {
		p.Actions = slices.Clone(patch.Actions)
	}
	p.UpdatedAt = s.now()
	return nil
}

func (s *MemStore) TransitionPrompt(ctx context.Context, id string, from, to game.PromptStatus) error {
	if err := game.CheckTransition(from, to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prompts[id]
	if !ok {
		return fmt.Errorf("prompt %s: %w", id, game.ErrNotFound)
	}
	if p.Status != from {
		return fmt.Errorf("%w: prompt %s is %s, expected %s", game.ErrStatusConflict, id, p.Status, from)
	}
	p.Status = to
	p.UpdatedAt = s.now()
	return nil
}

func (s *MemStore) ReclaimPrompt(ctx context.Context, id string, staleBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prompts[id]
	if !ok {
		return fmt.Errorf("prompt %s: %w", id, game.ErrNotFound)
	}
	if p.Status != game.StatusPending || !p.UpdatedAt.Before(staleBefore) {
		return fmt.Errorf("%w: prompt %s is not a stale pending prompt", game.ErrStatusConflict, id)
	}
	p.UpdatedAt = s.now()
	return nil
}

func (s *MemStore) DeletePrompt(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prompts[id]; !ok {
		return fmt.Errorf("prompt %s: %w", id, game.ErrNotFound)
	}
	delete(s.prompts, id)
	return nil
}

func (s *MemStore) ListPrompts(ctx context.Context, characterID string) ([]game.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stored []*storedPrompt
	for _, p := range s.prompts {
		if p.CharacterID == characterID {
			stored = append(stored, p)
		}
	}
	slices.SortFunc(stored, func(a, b *storedPrompt) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]game.Prompt, 0, len(stored))
	for _, p := range stored {
		out = append(out, *clonePrompt(p.Prompt))
	}
	return out, nil
}

func (s *MemStore) LatestPrompt(ctx context.Context, characterID string) (*game.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latest(characterID)
	if latest == nil {
		return nil, fmt.Errorf("latest prompt for %s: %w", characterID, game.ErrNotFound)
	}
	return clonePrompt(latest.Prompt), nil
}

func (s *MemStore) latest(characterID string) *storedPrompt {
	var latest *storedPrompt
	for _, p := range s.prompts {
		if p.CharacterID == characterID && (latest == nil || p.seq > latest.seq) {
			latest = p
		}
	}
	return latest
}

func clonePrompt(p game.Prompt) *game.Prompt {
	p.Mutations = slices.Clone(p.Mutations)
	p.Actions = slices.Clone(p.Actions)
	if p.Mutations == nil {
		p.Mutations = []game.AppliedMutation{}
	}
	if p.Actions == nil {
		p.Actions = []game.Action{}
	}
	return &p
}
