package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertDefinition_RoundTrip(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	def := testDefinition("001_add_note")
	require.NoError(t, s.InsertDefinition(ctx, def))

	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	assert.Equal(t, def.Name, got.Name)
	assert.True(t, got.TenantScoped)
	assert.Equal(t, def.Forward, got.Forward)
	assert.Equal(t, def.Expect, got.Expect)
	assert.Equal(t, def.Checksum, got.Checksum)
	assert.True(t, def.CreatedAt.Equal(got.CreatedAt))
	assert.Empty(t, got.Requires)
}

func TestInsertDefinition_Duplicate(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	def := testDefinition("001")
	require.NoError(t, s.InsertDefinition(ctx, def))

	changed := def
	changed.Forward = []string{"SELECT 1"}
	err := s.InsertDefinition(ctx, changed)
	require.ErrorIs(t, err, ErrDuplicate)

	// The stored definition is unchanged.
	got, err := s.GetDefinition(ctx, "001")
	require.NoError(t, err)
	assert.Equal(t, def.Forward, got.Forward)
}

func TestGetDefinition_NotFound(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.GetDefinition(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListDefinitions_Ordered(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"003", "001", "002"} {
		require.NoError(t, s.InsertDefinition(ctx, testDefinition(id)))
	}

	defs, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "001", defs[0].ID)
	assert.Equal(t, "002", defs[1].ID)
	assert.Equal(t, "003", defs[2].ID)
}
