package fhe

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
)

// Ciphertext is an opaque encrypted representation of a fixed-length
// real-valued vector. It is never compared or equality-checked outside a
// decrypt step; the only meaningful operations are serialization and
// decryption under the matching context.
type Ciphertext struct {
	vectorLen int
	ct        *rlwe.Ciphertext
}

// Len returns the length of the plaintext vector this ciphertext encodes.
func (c *Ciphertext) Len() int {
	return c.vectorLen
}

// MarshalBinary serializes the ciphertext with a 4-byte big-endian vector
// length prefix followed by the scheme ciphertext bytes.
func (c *Ciphertext) MarshalBinary() ([]byte, error) {
	if c.ct == nil {
		return nil, errors.New("fhe: marshal of empty ciphertext")
	}
	ctBytes, err := c.ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("fhe: marshal ciphertext: %w", err)
	}
	out := make([]byte, 4, 4+len(ctBytes))
	binary.BigEndian.PutUint32(out, uint32(c.vectorLen))
	return append(out, ctBytes...), nil
}

// UnmarshalBinary parses the format produced by MarshalBinary.
func (c *Ciphertext) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return errors.New("fhe: ciphertext data too short")
	}
	vectorLen := int(binary.BigEndian.Uint32(data))
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(data[4:]); err != nil {
		return fmt.Errorf("fhe: unmarshal ciphertext: %w", err)
	}
	c.vectorLen = vectorLen
	c.ct = ct
	return nil
}

// Hex returns the hex encoding of the serialized ciphertext, the form
// handed back to callers and persisted inside store records.
func (c *Ciphertext) Hex() (string, error) {
	b, err := c.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ParseCiphertextHex parses a hex-encoded serialized ciphertext.
func ParseCiphertextHex(s string) (*Ciphertext, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("fhe: decode ciphertext hex: %w", err)
	}
	ct := new(Ciphertext)
	if err := ct.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return ct, nil
}
