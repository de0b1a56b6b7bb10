package securecore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	securecore "github.com/caresense/securecore"
	"github.com/caresense/securecore/pkg/biometric"
	"github.com/caresense/securecore/pkg/fhe"
	"github.com/caresense/securecore/pkg/ledger"
)

// testConfig keeps the ring small so the full lifecycle stays fast.
func testConfig(tb testing.TB, dataDir string) securecore.Config {
	tb.Helper()
	return securecore.Config{
		DataDir: dataDir,
		FHE: fhe.Options{
			LogN:                12,
			LogQ:                []int{45, 35},
			LogP:                []int{45},
			LogScale:            30,
			DisableRotationKeys: true,
		},
	}
}

func startedCore(tb testing.TB, dataDir string) *securecore.Core {
	tb.Helper()
	core, err := securecore.New(testConfig(tb, dataDir))
	require.NoError(tb, err)
	require.NoError(tb, core.Start(context.Background()))
	tb.Cleanup(func() { core.Close(context.Background()) })
	return core
}

func TestNewRequiresDataDir(t *testing.T) {
	_, err := securecore.New(securecore.Config{})
	assert.Error(t, err)
}

func TestAccessorsBeforeStart(t *testing.T) {
	core, err := securecore.New(testConfig(t, t.TempDir()))
	require.NoError(t, err)

	_, err = core.Biometric()
	assert.ErrorIs(t, err, securecore.ErrNotStarted)
	_, err = core.Store()
	assert.ErrorIs(t, err, securecore.ErrNotStarted)
	_, err = core.Ledger()
	assert.ErrorIs(t, err, securecore.ErrNotStarted)
	_, err = core.FHE()
	assert.ErrorIs(t, err, securecore.ErrNotStarted)
}

func TestStartIsIdempotent(t *testing.T) {
	core := startedCore(t, t.TempDir())
	assert.NoError(t, core.Start(context.Background()))
}

func TestEnrolVerifyAuditFlow(t *testing.T) {
	dataDir := t.TempDir()
	core := startedCore(t, dataDir)

	auth, err := core.Biometric()
	require.NoError(t, err)
	led, err := core.Ledger()
	require.NoError(t, err)

	vector := make([]float64, 32)
	for i := range vector {
		vector[i] = float64(i) / 100
	}

	token, err := auth.Enrol(vector)
	require.NoError(t, err)
	assert.True(t, auth.Verify(token.TokenID, vector, biometric.DefaultTolerance))

	sig, err := led.LogEvent(map[string]any{"event": "verification", "token_id": token.TokenID})
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	pemBytes, err := led.PublicKeyPEM()
	require.NoError(t, err)
	pub, err := ledger.ParsePublicKeyPEM(pemBytes)
	require.NoError(t, err)

	file, err := os.Open(filepath.Join(dataDir, "audit_logs.jsonl"))
	require.NoError(t, err)
	defer file.Close()

	verified, err := ledger.VerifyReader(file, pub)
	require.NoError(t, err)
	// The startup event plus the explicit one.
	assert.Equal(t, 2, verified)
}

func TestRestartReusesPersistedKeyMaterial(t *testing.T) {
	dataDir := t.TempDir()

	first := startedCore(t, dataDir)
	auth, err := first.Biometric()
	require.NoError(t, err)

	vector := make([]float64, 16)
	for i := range vector {
		vector[i] = 0.1
	}
	token, err := auth.Enrol(vector)
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	// A second core over the same directory must verify the old token.
	second := startedCore(t, dataDir)
	auth2, err := second.Biometric()
	require.NoError(t, err)
	assert.True(t, auth2.Verify(token.TokenID, vector, biometric.DefaultTolerance))
}

func TestCloseIsIdempotentAndBlocksAccessors(t *testing.T) {
	core := startedCore(t, t.TempDir())

	require.NoError(t, core.Close(context.Background()))
	require.NoError(t, core.Close(context.Background()))

	_, err := core.Biometric()
	assert.ErrorIs(t, err, securecore.ErrClosed)
	_, err = core.Ledger()
	assert.ErrorIs(t, err, securecore.ErrClosed)
}
