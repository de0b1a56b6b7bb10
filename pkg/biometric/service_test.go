package biometric

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caresense/securecore/pkg/fhe"
	"github.com/caresense/securecore/pkg/securestore"
)

func newTestService(tb testing.TB) *Service {
	tb.Helper()
	dir := tb.TempDir()

	fheCtx := fhe.NewContext(fhe.Options{
		ContextPath:         filepath.Join(dir, "fhe_context.bin"),
		SecretPath:          filepath.Join(dir, "fhe_secret.bin"),
		LogN:                12,
		LogQ:                []int{45, 35},
		LogP:                []int{45},
		LogScale:            30,
		DisableRotationKeys: true,
	})
	require.NoError(tb, fheCtx.Initialize())

	store, err := securestore.Open(securestore.Options{Root: filepath.Join(dir, "encrypted")})
	require.NoError(tb, err)

	return NewService(fheCtx, store, nil)
}

func repeat(value float64, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = value
	}
	return v
}

func TestEnrolThenVerifySameVector(t *testing.T) {
	svc := newTestService(t)

	vector := repeat(0.1, 16)
	token, err := svc.Enrol(vector)
	require.NoError(t, err)
	assert.NotEmpty(t, token.TokenID)
	assert.NotEmpty(t, token.Ciphertext)

	assert.True(t, svc.Verify(token.TokenID, vector, DefaultTolerance))
}

func TestVerifyToleranceScenario(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.Enrol(repeat(0.1, 16))
	require.NoError(t, err)

	// One element drifts from 0.1 to 0.9: mean abs difference is 0.05.
	drifted := repeat(0.1, 15)
	drifted = append(drifted, 0.9)

	assert.True(t, svc.Verify(token.TokenID, drifted, 0.1))
	assert.False(t, svc.Verify(token.TokenID, drifted, 0.01))
}

func TestVerifyRejectsDistantVector(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.Enrol(repeat(0.1, 16))
	require.NoError(t, err)

	assert.False(t, svc.Verify(token.TokenID, repeat(0.9, 16), DefaultTolerance))
}

func TestVerifyUnknownTokenFailsClosed(t *testing.T) {
	svc := newTestService(t)

	assert.False(t, svc.Verify("nonexistent-token", repeat(0.1, 16), DefaultTolerance))
}

func TestVerifyLengthMismatchFailsClosed(t *testing.T) {
	svc := newTestService(t)

	token, err := svc.Enrol(repeat(0.1, 16))
	require.NoError(t, err)

	assert.False(t, svc.Verify(token.TokenID, repeat(0.1, 15), DefaultTolerance))
	assert.False(t, svc.Verify(token.TokenID, repeat(0.1, 17), DefaultTolerance))
	assert.False(t, svc.Verify(token.TokenID, nil, DefaultTolerance))
}

func TestEnrolRejectsShortVector(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Enrol(repeat(0.1, MinVectorLen-1))
	assert.ErrorIs(t, err, ErrVectorTooShort)
}

func TestEnrolIssuesDistinctTokens(t *testing.T) {
	svc := newTestService(t)

	first, err := svc.Enrol(repeat(0.1, 16))
	require.NoError(t, err)
	second, err := svc.Enrol(repeat(0.1, 16))
	require.NoError(t, err)

	assert.NotEqual(t, first.TokenID, second.TokenID)

	// Both tokens stay independently verifiable: re-enrollment issues a new
	// token instead of updating in place.
	assert.True(t, svc.Verify(first.TokenID, repeat(0.1, 16), DefaultTolerance))
	assert.True(t, svc.Verify(second.TokenID, repeat(0.1, 16), DefaultTolerance))
}

// The decrypted baseline is approximate, so boundary equality is exercised
// against the pure comparison seam where arithmetic is bit-exact.
func TestToleranceBoundaryIsInclusive(t *testing.T) {
	baseline := repeat(0.0, 16)
	presented := repeat(0.5, 16)

	distance := meanAbsDistance(baseline, presented)
	assert.Equal(t, 0.5, distance)

	assert.True(t, withinTolerance(distance, 0.5))
	assert.False(t, withinTolerance(distance, 0.49))
	assert.True(t, withinTolerance(0.0, 0.0))
}

func TestMeanAbsDistance(t *testing.T) {
	assert.Equal(t, 0.0, meanAbsDistance([]float64{1, 2, 3}, []float64{1, 2, 3}))
	assert.Equal(t, 0.25, meanAbsDistance([]float64{0, 0, 0, 0}, []float64{0.5, -0.5, 0, 0}))
}
