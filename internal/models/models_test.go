package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeGroup(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		g, err := DecodeGroup([]byte(`{"id":"BC123","name":"Book Club","description":"","ownerId":"A","createdAt":"2024-10-01T10:00:00Z"}`))
		require.NoError(t, err)
		assert.Equal(t, "BC123", g.ID)
		assert.Equal(t, "A", g.OwnerID)
		assert.Nil(t, g.ImageURL)
	})

	t.Run("missing owner is rejected", func(t *testing.T) {
		_, err := DecodeGroup([]byte(`{"id":"BC123","name":"Book Club","createdAt":"2024-10-01T10:00:00Z"}`))
		var de *DecodeError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "ownerId", de.Field)
		assert.Equal(t, "groups/BC123", de.Doc)
	})

	t.Run("wrong field type is rejected", func(t *testing.T) {
		_, err := DecodeGroup([]byte(`{"id":"BC123","name":42}`))
		var de *DecodeError
		require.True(t, errors.As(err, &de))
		assert.Error(t, de.Err)
	})
}

func TestDecodeMember(t *testing.T) {
	m, err := DecodeMember([]byte(`{"groupId":"BC123","userId":"B","role":"member","joinedAt":"2024-10-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, RoleMember, m.Role)

	_, err = DecodeMember([]byte(`{"groupId":"BC123","userId":"B","role":"owner"}`))
	assert.Error(t, err)
}

func TestRoleFor(t *testing.T) {
	assert.Equal(t, RoleAdmin, RoleFor("A", "A"))
	assert.Equal(t, RoleMember, RoleFor("B", "A"))
}

func TestGroupPatch(t *testing.T) {
	name := "Chess Club"
	url := "http://img"
	p := GroupPatch{Name: &name, ImageURL: &url}

	assert.Equal(t, map[string]any{"name": "Chess Club", "image_url": "http://img"}, p.Columns())
	assert.False(t, p.IsEmpty())
	assert.True(t, GroupPatch{}.IsEmpty())

	g := &Group{ID: "X", Name: "Old", Description: "keep"}
	p.Apply(g)
	assert.Equal(t, "Chess Club", g.Name)
	assert.Equal(t, "keep", g.Description)
	require.NotNil(t, g.ImageURL)
	assert.Equal(t, url, *g.ImageURL)
}

func TestNormalizeName(t *testing.T) {
	name, ok := NormalizeName("  Book Club \n")
	assert.True(t, ok)
	assert.Equal(t, "Book Club", name)

	_, ok = NormalizeName(" \t ")
	assert.False(t, ok)

	assert.Equal(t, "", NormalizeDescription("   "))
}
