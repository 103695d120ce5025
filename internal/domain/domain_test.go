package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTerminalStates(t *testing.T) {
	for _, s := range []TenderState{StateBidding, StateRevealing, StateWinnerSelected, StateInProgress} {
		require.False(t, s.Terminal(), s)
	}
	require.True(t, StateCompleted.Terminal())
	require.True(t, StateCancelled.Terminal())
}

func TestParseAmountAcceptsDigitsOnly(t *testing.T) {
	v, err := ParseAmount(" 1200 ")
	require.NoError(t, err)
	require.Equal(t, "1200", v.Dec())

	top := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	v, err = ParseAmount(top)
	require.NoError(t, err)
	require.Equal(t, top, v.Dec())

	for _, bad := range []string{"", "+5", "-5", "0x10", "1e3", "1 000", "12.5", top + "0"} {
		_, err := ParseAmount(bad)
		require.ErrorIs(t, err, ErrBadAmount, bad)
	}
}
