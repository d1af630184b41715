package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/officeflow/internal/pgtest"
	"github.com/pitabwire/officeflow/model"
)

func TestPgDirectory(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.Pool(t)

	dir := NewPgDirectory(pool)
	require.NoError(t, dir.Migrate(ctx))

	t.Run("Put and Get", func(t *testing.T) {
		require.NoError(t, dir.PutUser(ctx, model.User{
			ID: "1", Username: "alice", FullName: "Alice Ng",
			Department: "finance", Position: "Finance Manager",
			RoleIDs: []string{"6", "5"},
		}))

		u, err := dir.GetUser(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Username)
		assert.Equal(t, []string{"5", "6"}, u.RoleIDs)
		assert.True(t, u.IsManager())
	})

	t.Run("User without roles", func(t *testing.T) {
		require.NoError(t, dir.PutUser(ctx, model.User{ID: "2", Username: "bob"}))
		u, err := dir.GetUser(ctx, "2")
		require.NoError(t, err)
		assert.Empty(t, u.RoleIDs)
	})

	t.Run("Roles replaced on update", func(t *testing.T) {
		require.NoError(t, dir.PutUser(ctx, model.User{ID: "1", Username: "alice", RoleIDs: []string{"9"}}))
		u, err := dir.GetUser(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, []string{"9"}, u.RoleIDs)
	})

	t.Run("Missing user", func(t *testing.T) {
		_, err := dir.GetUser(ctx, "404")
		assert.True(t, model.IsCode(err, model.ErrNotFound))
	})
}
