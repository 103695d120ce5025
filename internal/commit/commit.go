// Package commit implements the sealed-bid commitment used by blind bidding.
//
// A commitment is keccak256(amount ‖ nonce ‖ bidder) where amount is the 32-byte
// big-endian encoding of an unsigned 256-bit integer, nonce is 32 raw bytes and
// bidder is the UTF-8 encoding of the bidder principal. Field order and widths
// must match between commit and reveal.
package commit

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

const (
	DigestSize = 32
	NonceSize  = 32
)

// Digest is a fixed-width keccak256 output.
type Digest [DigestSize]byte

// Nonce is the secret salt a bidder keeps until reveal.
type Nonce [NonceSize]byte

var ErrMalformed = errors.New("malformed hex value")

// Compute returns the commitment for amount, nonce and bidder.
func Compute(amount *uint256.Int, nonce Nonce, bidder string) Digest {
	enc := amount.Bytes32()
	h := sha3.NewLegacyKeccak256()
	h.Write(enc[:])
	h.Write(nonce[:])
	h.Write([]byte(bidder))
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Verify reports whether (amount, nonce, bidder) reproduces want.
func Verify(want Digest, amount *uint256.Int, nonce Nonce, bidder string) bool {
	return Compute(amount, nonce, bidder) == want
}

// Describe hashes an off-chain tender description into its content digest.
func Describe(text string) Digest {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(text))
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// NewNonce draws a random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("read nonce: %w", err)
	}
	return n, nil
}

func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) String() string { return "0x" + hex.EncodeToString(d[:]) }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(b []byte) error {
	v, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (n Nonce) String() string { return "0x" + hex.EncodeToString(n[:]) }

func (n Nonce) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Nonce) UnmarshalText(b []byte) error {
	v, err := ParseNonce(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// ParseDigest decodes a 0x-prefixed (or bare) 32-byte hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := decodeFixed(s, d[:]); err != nil {
		return d, fmt.Errorf("digest: %w", err)
	}
	return d, nil
}

// ParseNonce decodes a 0x-prefixed (or bare) 32-byte hex nonce.
func ParseNonce(s string) (Nonce, error) {
	var n Nonce
	if err := decodeFixed(s, n[:]); err != nil {
		return n, fmt.Errorf("nonce: %w", err)
	}
	return n, nil
}

func decodeFixed(s string, out []byte) error {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 2*len(out) {
		return fmt.Errorf("%w: want %d bytes", ErrMalformed, len(out))
	}
	if _, err := hex.Decode(out, []byte(s)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
