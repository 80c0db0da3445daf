package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is the initial catalog content.
type Seed struct {
	Categories []SeedCategory `yaml:"categories"`
}

// SeedCategory is a category together with its offenses.
type SeedCategory struct {
	Name     string        `yaml:"name"`
	Offenses []SeedOffense `yaml:"offenses"`
}

// SeedOffense is a single offense of a seed category.
type SeedOffense struct {
	Name      string      `yaml:"name"`
	Type      OffenseType `yaml:"type"`
	Fine      int64       `yaml:"fine"`
	Detention int         `yaml:"detention"`
}

// LoadSeed parses a YAML catalog seed. Offenses without a type are crimes.
func LoadSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	for ci, c := range s.Categories {
		if c.Name == "" {
			return Seed{}, fmt.Errorf("%w: seed category %d has no name", ErrInvalid, ci)
		}
		for oi := range c.Offenses {
			o := &s.Categories[ci].Offenses[oi]
			if o.Type == "" {
				o.Type = Crime
			}
			if !o.Type.Valid() {
				return Seed{}, fmt.Errorf("%w: offense %q has unknown type %q", ErrInvalid, o.Name, o.Type)
			}
		}
	}
	return s, nil
}

// DefaultSeed returns the built-in catalog.
func DefaultSeed() (Seed, error) {
	return LoadSeed(bytes.NewReader(defaultSeed))
}

// ApplySeed inserts s into store if the store has no categories yet. It
// reports whether anything was inserted. Sort orders follow the seed order.
func ApplySeed(ctx context.Context, store Store, s Seed) (bool, error) {
	existing, err := store.Categories(ctx)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	for ci, sc := range s.Categories {
		cat, err := store.InsertCategory(ctx, Category{Name: sc.Name, SortOrder: ci})
		if err != nil {
			return false, fmt.Errorf("seed category %q: %w", sc.Name, err)
		}
		for oi, o := range sc.Offenses {
			_, err := store.InsertItem(ctx, Item{
				CategoryID:      cat.ID,
				Name:            o.Name,
				Type:            o.Type,
				Fine:            o.Fine,
				DetentionMonths: o.Detention,
				SortOrder:       oi,
			})
			if err != nil {
				return false, fmt.Errorf("seed offense %q: %w", o.Name, err)
			}
		}
	}
	return true, nil
}
