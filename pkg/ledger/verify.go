package ledger

import (
	"bufio"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

// VerifyLine checks one ledger record against the published public key by
// re-serializing {timestamp, payload} with the canonical rule and verifying
// the embedded signature over those exact bytes. Any byte-level change to
// the timestamp or payload invalidates the signature.
func VerifyLine(line []byte, pub ed25519.PublicKey) error {
	var rec Line
	if err := json.Unmarshal(line, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if rec.Timestamp == "" || rec.Signature == "" || len(rec.Payload) == 0 {
		return fmt.Errorf("%w: missing fields", ErrMalformedLine)
	}

	signature, err := hex.DecodeString(rec.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature not hex", ErrMalformedLine)
	}
	canonical, err := canonicalBytes(rec.Timestamp, rec.Payload)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, canonical, signature) {
		return ErrBadSignature
	}
	return nil
}

// VerifyReader verifies every non-empty line read from r and returns the
// number of valid records. Verification stops at the first invalid record.
func VerifyReader(r io.Reader, pub ed25519.PublicKey) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	verified := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := VerifyLine(line, pub); err != nil {
			return verified, fmt.Errorf("record %d: %w", verified+1, err)
		}
		verified++
	}
	if err := scanner.Err(); err != nil {
		return verified, fmt.Errorf("ledger: read: %w", err)
	}
	return verified, nil
}

// ParsePublicKeyPEM parses a SubjectPublicKeyInfo PEM block into an Ed25519
// verification key, the inverse of Ledger.PublicKeyPEM.
func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("ledger: no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ledger: unexpected key type %T", key)
	}
	return pub, nil
}
