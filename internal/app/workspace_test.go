package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"tenderline/internal/config"
	"tenderline/internal/migrate"
)

func TestOpenRequiresConfigWithoutOwner(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), "")
	require.Error(t, err)
}

func TestOpenFallsBackToOwnerDefaults(t *testing.T) {
	ctx := context.Background()
	ws, err := Open(ctx, t.TempDir(), "city-hall")
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, "city-hall", ws.Config.Owner)

	v, err := migrate.Version(ctx, ws.DB)
	require.NoError(t, err)
	require.Positive(t, v)

	e := ws.Engine(nil)
	now, err := e.Clock(ctx)
	require.NoError(t, err)
	require.Zero(t, now.Seq)
}

func TestOpenPrefersConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("ministry")), 0o644))
	ws, err := Open(context.Background(), dir, "city-hall")
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, "ministry", ws.Config.Owner)
}
