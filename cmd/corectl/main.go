// corectl is the operator tool for a securecore data directory: it can
// pre-generate key material, publish the ledger verification key, verify a
// ledger file and inspect encrypted store records.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	securecore "github.com/caresense/securecore"
	"github.com/caresense/securecore/internal/config"
	"github.com/caresense/securecore/pkg/ledger"
	"github.com/caresense/securecore/pkg/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "corectl: %v\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	dataDir    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "corectl",
		Short:         "Operate a securecore data directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVarP(&flags.dataDir, "data-dir", "d", "", "data directory (overrides config)")

	cmd.AddCommand(
		newKeygenCmd(flags),
		newPubkeyCmd(flags),
		newVerifyLedgerCmd(flags),
		newReadRecordCmd(flags),
	)
	return cmd
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, err
	}
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}
	return cfg, nil
}

// openCore starts a core against the configured data directory, generating
// any missing key material on the way. The resolved config is returned so
// subcommands do not have to load it a second time.
func openCore(ctx context.Context, flags *rootFlags) (*securecore.Core, config.Config, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, cfg, err
	}

	core, err := securecore.New(securecore.Config{
		DataDir:       cfg.DataDir,
		MinimumFreeGB: cfg.MinimumFreeGB,
		Logger:        logging.New(logging.ParseLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, cfg, err
	}
	if err := core.Start(ctx); err != nil {
		return nil, cfg, err
	}
	return core, cfg, nil
}

func newKeygenCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate and persist all key material for a data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cfg, err := openCore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer core.Close(cmd.Context())

			fmt.Fprintf(cmd.OutOrStdout(), "key material ready under %s\n", cfg.DataDir)
			return nil
		},
	}
}

// openLedger opens only the ledger for key-related subcommands, avoiding
// the cost of initializing the encryption context.
func openLedger(flags *rootFlags) (*ledger.Ledger, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	return ledger.Open(ledger.Options{
		Path:   filepath.Join(cfg.DataDir, "audit_logs.jsonl"),
		Logger: logging.New(logging.ParseLevel(cfg.LogLevel)),
	})
}

func newPubkeyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Print the ledger verification key as PEM",
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := openLedger(flags)
			if err != nil {
				return err
			}
			defer led.Close()

			pemBytes, err := led.PublicKeyPEM()
			if err != nil {
				return err
			}
			cmd.OutOrStdout().Write(pemBytes)
			return nil
		},
	}
}

func newVerifyLedgerCmd(flags *rootFlags) *cobra.Command {
	var pubkeyPath string

	cmd := &cobra.Command{
		Use:   "verify-ledger [ledger file]",
		Short: "Verify every record of a ledger file against a public key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ledgerPath := filepath.Join(cfg.DataDir, "audit_logs.jsonl")
			if len(args) == 1 {
				ledgerPath = args[0]
			}

			pub, err := resolvePublicKey(flags, pubkeyPath)
			if err != nil {
				return err
			}

			file, err := os.Open(ledgerPath)
			if err != nil {
				return err
			}
			defer file.Close()

			verified, err := ledger.VerifyReader(file, pub)
			if err != nil {
				return fmt.Errorf("verification failed after %d valid records: %w", verified, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records verified\n", verified)
			return nil
		},
	}
	cmd.Flags().StringVar(&pubkeyPath, "pubkey", "", "PEM file with the verification key (defaults to the data directory's signing key)")
	return cmd
}

func resolvePublicKey(flags *rootFlags, pubkeyPath string) (ed25519.PublicKey, error) {
	if pubkeyPath != "" {
		pemBytes, err := os.ReadFile(pubkeyPath)
		if err != nil {
			return nil, err
		}
		return ledger.ParsePublicKeyPEM(pemBytes)
	}

	led, err := openLedger(flags)
	if err != nil {
		return nil, err
	}
	defer led.Close()
	return led.PublicKey(), nil
}

func newReadRecordCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "read-record <name>",
		Short: "Decrypt and print one store record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, _, err := openCore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer core.Close(cmd.Context())

			store, err := core.Store()
			if err != nil {
				return err
			}

			var payload any
			ok, err := store.Read(args[0], &payload)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("record %q not found", args[0])
			}

			out, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
