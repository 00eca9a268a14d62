// Package seed loads starting worlds from YAML.
//
// Example:
//
//	worlds:
//	  - name: Eldermere
//	    time: Early Morning
//	    locations:
//	      - name: Allison's Bedroom
//	        properties: {lighting: dim}
//	    characters:
//	      - name: Allison
//	        pronouns: she/her
//	        location: Allison's Bedroom
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"worldsim/internal/game"
)

type File struct {
	Worlds []World `yaml:"worlds"`
}

type World struct {
	Name       string      `yaml:"name"`
	Time       string      `yaml:"time"`
	CreatorID  string      `yaml:"creator_id"`
	Locations  []Location  `yaml:"locations"`
	Characters []Character `yaml:"characters"`
}

type Location struct {
	Name       string            `yaml:"name"`
	Properties map[string]string `yaml:"properties"`
}

type Character struct {
	Name     string `yaml:"name"`
	Pronouns string `yaml:"pronouns"`
	// Location names one of the world's declared locations.
	Location   string            `yaml:"location"`
	Properties map[string]string `yaml:"properties"`
}

// Seeded is what Apply wrote for one world.
type Seeded struct {
	World      game.World
	Locations  []game.Location
	Characters []game.Character
}

func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("seed: open %q: %w", path, err)
	}
	defer f.Close()

	file, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("seed: %q: %w", path, err)
	}
	return file, nil
}

// Load decodes and validates a seed document.
func Load(r io.Reader) (*File, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("seed: decode yaml: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

// Validate reports every problem in the file. Location names must be unique
// within a world, ignoring case, and every character must stand in one.
func (f *File) Validate() error {
	var errs []error
	for i, w := range f.Worlds {
		prefix := fmt.Sprintf("worlds[%d]", i)
		if strings.TrimSpace(w.Name) == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		declared := make(map[string]bool, len(w.Locations))
		for j, l := range w.Locations {
			key := strings.ToLower(strings.TrimSpace(l.Name))
			switch {
			case key == "":
				errs = append(errs, fmt.Errorf("%s.locations[%d].name is required", prefix, j))
			case declared[key]:
				errs = append(errs, fmt.Errorf("%s.locations[%d].name %q is a duplicate", prefix, j, l.Name))
			}
			declared[key] = true
		}
		for j, c := range w.Characters {
			cp := fmt.Sprintf("%s.characters[%d]", prefix, j)
			if strings.TrimSpace(c.Name) == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", cp))
			}
			if !declared[strings.ToLower(strings.TrimSpace(c.Location))] {
				errs = append(errs, fmt.Errorf("%s.location %q is not declared in %s", cp, c.Location, w.Name))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", game.ErrInvalidInput, err)
	}
	return nil
}

// Apply inserts every world, then its locations, then its characters. A
// store error stops the import; what was written stays.
func Apply(ctx context.Context, store game.Store, file *File) ([]Seeded, error) {
	if err := file.Validate(); err != nil {
		return nil, err
	}

	out := make([]Seeded, 0, len(file.Worlds))
	for _, w := range file.Worlds {
		s, err := applyWorld(ctx, store, w)
		if err != nil {
			return out, fmt.Errorf("seed world %q: %w", w.Name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func applyWorld(ctx context.Context, store game.Store, w World) (Seeded, error) {
	world := &game.World{Name: strings.TrimSpace(w.Name), Time: w.Time, CreatorID: w.CreatorID}
	if err := store.InsertWorld(ctx, world); err != nil {
		return Seeded{}, err
	}
	s := Seeded{World: *world}

	byName := make(map[string]string, len(w.Locations))
	for _, l := range w.Locations {
		loc := &game.Location{
			WorldID:    world.ID,
			Name:       strings.TrimSpace(l.Name),
			Properties: game.CloneProperties(l.Properties),
		}
		if err := store.InsertLocation(ctx, loc); err != nil {
			return s, fmt.Errorf("location %q: %w", l.Name, err)
		}
		byName[strings.ToLower(loc.Name)] = loc.ID
		s.Locations = append(s.Locations, *loc)
	}

	for _, c := range w.Characters {
		char := &game.Character{
			WorldID:    world.ID,
			LocationID: byName[strings.ToLower(strings.TrimSpace(c.Location))],
			Name:       strings.TrimSpace(c.Name),
			Pronouns:   c.Pronouns,
			Properties: game.CloneProperties(c.Properties),
		}
		if err := store.InsertCharacter(ctx, char); err != nil {
			return s, fmt.Errorf("character %q: %w", c.Name, err)
		}
		s.Characters = append(s.Characters, *char)
	}
	return s, nil
}
