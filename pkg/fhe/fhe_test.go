package fhe

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOptions returns a small ring without rotation keys so key generation
// stays fast. The deployment defaults are exercised through applyDefaults.
func testOptions(tb testing.TB) Options {
	tb.Helper()
	dir := tb.TempDir()
	return Options{
		ContextPath:         filepath.Join(dir, "fhe_context.bin"),
		SecretPath:          filepath.Join(dir, "fhe_secret.bin"),
		LogN:                12,
		LogQ:                []int{45, 35},
		LogP:                []int{45},
		LogScale:            30,
		DisableRotationKeys: true,
	}
}

func newTestContext(tb testing.TB) *Context {
	tb.Helper()
	ctx := NewContext(testOptions(tb))
	require.NoError(tb, ctx.Initialize())
	return ctx
}

func TestEncryptDecryptVectorRoundTrip(t *testing.T) {
	ctx := newTestContext(t)

	vector := []float64{0.1, -0.25, 0.5, 1.75, -2.0, 0.0, 3.125, -0.625}
	ct, err := ctx.EncryptVector(vector)
	require.NoError(t, err)
	assert.Equal(t, len(vector), ct.Len())

	decrypted, err := ctx.DecryptVector(ct)
	require.NoError(t, err)
	require.Len(t, decrypted, len(vector))
	for i := range vector {
		assert.InDelta(t, vector[i], decrypted[i], 1e-3, "slot %d", i)
	}
}

func TestEncryptDecryptScalar(t *testing.T) {
	ctx := newTestContext(t)

	ct, err := ctx.EncryptScalar(0.75)
	require.NoError(t, err)
	assert.Equal(t, 1, ct.Len())

	value, err := ctx.DecryptScalar(ct)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, value, 1e-3)
}

func TestEncryptVectorRejectsEmptyAndOversized(t *testing.T) {
	ctx := newTestContext(t)

	_, err := ctx.EncryptVector(nil)
	assert.ErrorIs(t, err, ErrEmptyVector)

	maxLen, err := ctx.MaxVectorLen()
	require.NoError(t, err)

	_, err = ctx.EncryptVector(make([]float64, maxLen+1))
	assert.ErrorIs(t, err, ErrVectorTooLong)

	_, err = ctx.EncryptVector(make([]float64, maxLen))
	assert.NoError(t, err)
}

func TestUninitializedContext(t *testing.T) {
	ctx := NewContext(testOptions(t))

	_, err := ctx.EncryptVector([]float64{1})
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = ctx.DecryptVector(&Ciphertext{})
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = ctx.MaxVectorLen()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestContextPersistenceRoundTrip(t *testing.T) {
	opts := testOptions(t)

	first := NewContext(opts)
	require.NoError(t, first.Initialize())

	vector := []float64{0.5, -0.5, 0.25, -0.25}
	ct, err := first.EncryptVector(vector)
	require.NoError(t, err)
	ctHex, err := ct.Hex()
	require.NoError(t, err)

	// A fresh context from the same files must decrypt ciphertexts produced
	// under the first one.
	second := NewContext(opts)
	require.NoError(t, second.Initialize())

	parsed, err := ParseCiphertextHex(ctHex)
	require.NoError(t, err)
	decrypted, err := second.DecryptVector(parsed)
	require.NoError(t, err)
	require.Len(t, decrypted, len(vector))
	for i := range vector {
		assert.InDelta(t, vector[i], decrypted[i], 1e-3)
	}
}

func TestContextFilePairMismatchIsFatal(t *testing.T) {
	opts := testOptions(t)
	require.NoError(t, NewContext(opts).Initialize())

	require.NoError(t, os.Remove(opts.SecretPath))
	err := NewContext(opts).Initialize()
	assert.ErrorIs(t, err, ErrContextMismatch)

	// The other direction is just as fatal.
	opts2 := testOptions(t)
	require.NoError(t, NewContext(opts2).Initialize())
	require.NoError(t, os.Remove(opts2.ContextPath))
	err = NewContext(opts2).Initialize()
	assert.ErrorIs(t, err, ErrContextMismatch)
}

func TestInitializeIdempotentAndConcurrent(t *testing.T) {
	ctx := NewContext(testOptions(t))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ctx.Initialize()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "goroutine %d", i)
	}

	// Files exist exactly as a pair afterwards.
	_, err := os.Stat(ctx.opts.ContextPath)
	assert.NoError(t, err)
	_, err = os.Stat(ctx.opts.SecretPath)
	assert.NoError(t, err)
}

// Rotation keys are part of the deployment default: the zero value of the
// rotation flag must generate galois keys.
func TestRotationKeysGeneratedByDefault(t *testing.T) {
	opts := testOptions(t)
	opts.DisableRotationKeys = false

	ctx := NewContext(opts)
	require.NoError(t, ctx.Initialize())
	assert.NotEmpty(t, ctx.galois)
}

func TestRotationKeysPersistAndReload(t *testing.T) {
	opts := testOptions(t)
	opts.DisableRotationKeys = false

	first := NewContext(opts)
	require.NoError(t, first.Initialize())
	assert.NotEmpty(t, first.galois)

	second := NewContext(opts)
	require.NoError(t, second.Initialize())
	assert.Len(t, second.galois, len(first.galois))
}

func TestDisableRotationKeysSkipsGeneration(t *testing.T) {
	ctx := newTestContext(t)
	assert.Empty(t, ctx.galois)
}

func TestCiphertextHexRoundTrip(t *testing.T) {
	ctx := newTestContext(t)

	ct, err := ctx.EncryptVector([]float64{1.5, 2.5})
	require.NoError(t, err)

	encoded, err := ct.Hex()
	require.NoError(t, err)

	parsed, err := ParseCiphertextHex(encoded)
	require.NoError(t, err)
	assert.Equal(t, ct.Len(), parsed.Len())

	_, err = ParseCiphertextHex("not-hex")
	assert.Error(t, err)

	_, err = ParseCiphertextHex("aa")
	assert.Error(t, err)
}
