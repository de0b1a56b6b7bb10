// Package biometric implements enrollment and tolerance-based
// re-verification of a biometric embedding. The embedding is never
// persisted unencrypted: enrollment encrypts it under the homomorphic
// context and stores only the ciphertext, keyed by an opaque random token
// that carries no information about the subject.
package biometric

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/caresense/securecore/pkg/fhe"
	"github.com/caresense/securecore/pkg/securestore"
)

const (
	// MinVectorLen is the minimum embedding length accepted on enrollment.
	MinVectorLen = 16
	// DefaultTolerance is the default maximum mean absolute per-element
	// difference for a verification to count as a match.
	DefaultTolerance = 0.1

	// tokenEntropyBytes gives 144 bits of token entropy, making collisions
	// negligible without any uniqueness bookkeeping.
	tokenEntropyBytes = 18

	recordPrefix = "biometric_"
)

// ErrVectorTooShort rejects enrollment of embeddings below MinVectorLen.
var ErrVectorTooShort = errors.New("biometric: vector below minimum length")

// Token is the result of an enrollment. TokenID is the only identifier
// handed back to callers; Ciphertext is the hex-encoded encrypted baseline.
// Tokens are immutable: re-enrollment issues a new token, and no revocation
// primitive exists.
type Token struct {
	TokenID    string `json:"token_id"`
	Ciphertext string `json:"ciphertext"`
}

// record is the store payload kept under the token's name.
type record struct {
	Ciphertext string `json:"ciphertext"`
}

// Service performs enrollment and verification on top of the encryption
// context and the encrypted object store.
type Service struct {
	fhe   *fhe.Context
	store *securestore.Store
	log   *slog.Logger
}

// NewService wires a biometric service. All dependencies are explicit; the
// context must already be initialized.
func NewService(fheCtx *fhe.Context, store *securestore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return &Service{fhe: fheCtx, store: store, log: logger}
}

// Enrol encrypts the embedding, persists the ciphertext under a fresh
// random token id and returns the token. Vectors shorter than MinVectorLen
// are rejected with ErrVectorTooShort.
func (s *Service) Enrol(vector []float64) (Token, error) {
	if len(vector) < MinVectorLen {
		return Token{}, fmt.Errorf("%w: got %d, need at least %d", ErrVectorTooShort, len(vector), MinVectorLen)
	}

	ct, err := s.fhe.EncryptVector(vector)
	if err != nil {
		return Token{}, fmt.Errorf("biometric: encrypt embedding: %w", err)
	}
	ctHex, err := ct.Hex()
	if err != nil {
		return Token{}, fmt.Errorf("biometric: encode ciphertext: %w", err)
	}

	tokenID, err := newTokenID()
	if err != nil {
		return Token{}, err
	}

	if _, err := s.store.Write(recordPrefix+tokenID, record{Ciphertext: ctHex}); err != nil {
		return Token{}, fmt.Errorf("biometric: persist enrollment: %w", err)
	}

	s.log.Info("biometric enrolled", "token_id", tokenID, "vector_len", len(vector))
	return Token{TokenID: tokenID, Ciphertext: ctHex}, nil
}

// Verify decrypts the stored baseline for tokenID and compares it with the
// presented vector under the tolerance. The contract is fail-closed and
// boolean-only: an unknown token, a length mismatch, or any internal
// failure yields false, never an error. Callers at the authentication
// boundary must not be able to distinguish "wrong credential" from "system
// malfunction" through error handling; operational failures are surfaced
// through logs instead, where an integrity failure is reported distinctly
// from a missing token.
func (s *Service) Verify(tokenID string, presented []float64, tolerance float64) bool {
	var rec record
	ok, err := s.store.Read(recordPrefix+tokenID, &rec)
	if err != nil {
		if errors.Is(err, securestore.ErrIntegrity) {
			s.log.Error("biometric record integrity failure", "token_id", tokenID, "error", err)
		} else {
			s.log.Error("biometric record read failed", "token_id", tokenID, "error", err)
		}
		return false
	}
	if !ok {
		s.log.Warn("biometric token not found", "token_id", tokenID)
		return false
	}

	ct, err := fhe.ParseCiphertextHex(rec.Ciphertext)
	if err != nil {
		s.log.Error("biometric ciphertext undecodable", "token_id", tokenID, "error", err)
		return false
	}
	baseline, err := s.fhe.DecryptVector(ct)
	if err != nil {
		s.log.Error("biometric baseline decrypt failed", "token_id", tokenID, "error", err)
		return false
	}

	if len(baseline) != len(presented) {
		s.log.Warn("biometric length mismatch", "token_id", tokenID,
			"baseline_len", len(baseline), "presented_len", len(presented))
		return false
	}

	distance := meanAbsDistance(baseline, presented)
	s.log.Debug("biometric distance", "token_id", tokenID, "distance", distance, "tolerance", tolerance)
	return withinTolerance(distance, tolerance)
}

func newTokenID() (string, error) {
	b := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("biometric: generate token id: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// meanAbsDistance computes the mean absolute element-wise difference
// between two vectors of equal length.
func meanAbsDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum / float64(len(a))
}

// withinTolerance is inclusive: a distance exactly at the tolerance counts
// as a match.
func withinTolerance(distance, tolerance float64) bool {
	return distance <= tolerance
}
