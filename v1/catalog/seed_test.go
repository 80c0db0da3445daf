package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSeed(t *testing.T) {
	s, err := DefaultSeed()
	require.NoError(t, err)
	require.Len(t, s.Categories, 5)
	first := s.Categories[0]
	assert.Equal(t, "Allgemeine Delikte", first.Name)
	assert.Equal(t, SeedOffense{Name: "Bestechung", Type: Crime, Fine: 2500, Detention: 25}, first.Offenses[0])
}

func TestLoadSeedRejectsUnknownType(t *testing.T) {
	_, err := LoadSeed(strings.NewReader(`
categories:
  - name: Test
    offenses:
      - {name: X, type: Mord, fine: 1}
`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadSeedRejectsUnknownFields(t *testing.T) {
	_, err := LoadSeed(strings.NewReader("categories:\n  - name: Test\n    colour: red\n"))
	assert.Error(t, err)
}

func TestApplySeedOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	s, err := DefaultSeed()
	require.NoError(t, err)

	applied, err := ApplySeed(ctx, store, s)
	require.NoError(t, err)
	assert.True(t, applied)

	items, err := store.Items(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 38)

	applied, err = ApplySeed(ctx, store, s)
	require.NoError(t, err)
	assert.False(t, applied)
	cats, err := store.Categories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 5)
	assert.Equal(t, "Allgemeine Delikte", cats[0].Name)
}
