package engine_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tenderline/internal/engine"
)

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seq, err := env.Engine.Clock(env.Ctx)
	require.NoError(t, err)

	raw, key, err := env.Engine.CreateAPIKey(env.Ctx, "acme", "ci", "acme")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, "tl_"))
	require.NotContains(t, key.KeyHash, raw)

	principal, err := env.Engine.Authenticate(env.Ctx, raw)
	require.NoError(t, err)
	require.Equal(t, "acme", principal)

	_, err = env.Engine.Authenticate(env.Ctx, raw+"x")
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	_, err = env.Engine.Authenticate(env.Ctx, "garbage")
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	after, err := env.Engine.Clock(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, seq.Seq, after.Seq)

	keys, err := env.Engine.APIKeys(env.Ctx, "acme", "acme")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "ci", keys[0].Name)

	require.ErrorIs(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, "bolt"), engine.ErrUnauthorized)
	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, "acme"))
	require.ErrorIs(t, env.Engine.RevokeAPIKey(env.Ctx, key.ID, "acme"), engine.ErrNotFound)

	_, err = env.Engine.Authenticate(env.Ctx, raw)
	require.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestAPIKeyAccess(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateAPIKey(env.Ctx, "acme", "", "bolt")
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, "acme", "", owner)
	require.NoError(t, err)
	_, _, err = env.Engine.CreateAPIKey(env.Ctx, "", "", owner)
	require.ErrorIs(t, err, engine.ErrInvalidInput)

	_, err = env.Engine.APIKeys(env.Ctx, "", "acme")
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	all, err := env.Engine.APIKeys(env.Ctx, "", owner)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
