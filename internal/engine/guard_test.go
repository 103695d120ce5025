package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuardRejectsNestedEntry(t *testing.T) {
	var g Guard
	release, err := g.Enter("outer")
	require.NoError(t, err)
	require.True(t, g.Busy())

	_, err = g.Enter("inner")
	require.True(t, errors.Is(err, ErrReentrant))

	release()
	require.False(t, g.Busy())

	release, err = g.Enter("again")
	require.NoError(t, err)
	release()
}
