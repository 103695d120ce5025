package commit

import (
	"encoding/json"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func fixedNonce(b byte) Nonce {
	var n Nonce
	for i := range n {
		n[i] = b
	}
	return n
}

func TestComputeIsBinding(t *testing.T) {
	nonce := fixedNonce(7)
	d := Compute(uint256.NewInt(8), nonce, "alice")

	require.True(t, Verify(d, uint256.NewInt(8), nonce, "alice"))
	require.False(t, Verify(d, uint256.NewInt(9), nonce, "alice"), "amount altered")
	require.False(t, Verify(d, uint256.NewInt(8), fixedNonce(8), "alice"), "nonce altered")
	require.False(t, Verify(d, uint256.NewInt(8), nonce, "bob"), "bidder altered")
}

func TestComputeUsesFixedWidthAmount(t *testing.T) {
	// 1 followed by nonce byte 0 must not collide with 256 followed by nothing
	// once the amount is padded to 32 bytes.
	var n Nonce
	a := Compute(uint256.NewInt(1), n, "x")
	b := Compute(uint256.NewInt(256), n, "x")
	require.NotEqual(t, a, b)
	require.False(t, a.IsZero())
}

func TestKnownVector(t *testing.T) {
	// keccak256 of the empty string
	require.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", Describe("").String())
}

func TestDigestTextRoundTrip(t *testing.T) {
	d := Describe("road resurfacing, lot 4")
	raw, err := json.Marshal(map[string]Digest{"d": d})
	require.NoError(t, err)

	var out map[string]Digest
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, d, out["d"])

	_, err = ParseDigest("0x1234")
	require.ErrorIs(t, err, ErrMalformed)
	_, err = ParseNonce("zz" + d.String()[4:])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewNonceIsRandom(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
