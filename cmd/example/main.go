// Command example walks through the full enrollment, verification and audit
// flow against a throwaway data directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	securecore "github.com/caresense/securecore"
	"github.com/caresense/securecore/pkg/biometric"
	"github.com/caresense/securecore/pkg/fhe"
	"github.com/caresense/securecore/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "example: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	dataDir, err := os.MkdirTemp("", "securecore_example_*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dataDir)

	core, err := securecore.New(securecore.Config{
		DataDir: dataDir,
		Logger:  logging.New(slog.LevelInfo),
		// Smaller ring than the deployment default, no rotation keys: the
		// demo never rotates and should start quickly.
		FHE: fhe.Options{LogN: 13, LogQ: []int{50, 40}, LogP: []int{50}, DisableRotationKeys: true},
	})
	if err != nil {
		return err
	}
	if err := core.Start(ctx); err != nil {
		return err
	}
	defer core.Close(ctx)

	auth, err := core.Biometric()
	if err != nil {
		return err
	}
	led, err := core.Ledger()
	if err != nil {
		return err
	}

	embedding := make([]float64, 32)
	for i := range embedding {
		embedding[i] = 0.1 * float64(i%7)
	}

	token, err := auth.Enrol(embedding)
	if err != nil {
		return err
	}
	fmt.Printf("enrolled token %s\n", token.TokenID)

	if _, err := led.LogEvent(map[string]any{"event": "enrolment", "token_id": token.TokenID}); err != nil {
		return err
	}

	matched := auth.Verify(token.TokenID, embedding, biometric.DefaultTolerance)
	fmt.Printf("same embedding verified: %v\n", matched)

	drifted := append([]float64(nil), embedding...)
	for i := range drifted {
		drifted[i] += 0.5
	}
	matched = auth.Verify(token.TokenID, drifted, biometric.DefaultTolerance)
	fmt.Printf("drifted embedding verified: %v\n", matched)

	sig, err := led.LogEvent(map[string]any{"event": "verification", "token_id": token.TokenID})
	if err != nil {
		return err
	}
	fmt.Printf("audit receipt: %s\n", sig)

	pemBytes, err := led.PublicKeyPEM()
	if err != nil {
		return err
	}
	fmt.Printf("ledger verification key:\n%s", pemBytes)
	return nil
}
