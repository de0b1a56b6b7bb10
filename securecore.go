// Package securecore bundles the four security-critical components of the
// triage platform behind one explicitly constructed handle: the homomorphic
// encryption context, the encrypted object store, the biometric
// authentication service and the signed compliance ledger.
package securecore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/caresense/securecore/pkg/biometric"
	"github.com/caresense/securecore/pkg/fhe"
	"github.com/caresense/securecore/pkg/ledger"
	"github.com/caresense/securecore/pkg/securestore"
)

var (
	ErrNotStarted = errors.New("securecore: core not started")
	ErrClosed     = errors.New("securecore: core closed")
)

// Config configures a Core instance.
type Config struct {
	// DataDir is the root for all persisted state:
	//
	//	crypto/fhe_context.bin   encryption context parameters + public material
	//	crypto/fhe_secret.bin    encryption secret key
	//	encrypted/               object store root (.master.key + one file per record)
	//	audit_logs.jsonl         compliance ledger (+ .ed25519 signing key)
	DataDir string
	// MinimumFreeGB is a free-space threshold for object store writes.
	MinimumFreeGB uint
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
	// FHE overrides the encryption scheme parameters. Zero values select
	// the deployment defaults; paths are always derived from DataDir.
	FHE fhe.Options
}

// Core is the main handle. It owns the lifecycle of the four components and
// defines their initialization order: object store, encryption context,
// ledger, biometric service. Construct with New, then call Start before use.
type Core struct {
	log    *slog.Logger
	config Config

	fheCtx *fhe.Context
	store  *securestore.Store
	ledger *ledger.Ledger
	biom   *biometric.Service

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs a core handle. New does not perform I/O or generate key
// material; call Start to initialize the components.
func New(conf Config) (*Core, error) {
	if conf.DataDir == "" {
		return nil, fmt.Errorf("securecore: data directory must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	return &Core{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Start initializes the components in dependency order and marks the core
// ready. Start is safe to call multiple times; only the first call has
// effect, and concurrent callers racing the first startup are serialized so
// key material is generated at most once per data directory.
func (c *Core) Start(ctx context.Context) error {
	var startErr error
	c.startOnce.Do(func() {
		if err := ctx.Err(); err != nil {
			startErr = err
			return
		}

		dataDir := c.config.DataDir
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			startErr = fmt.Errorf("securecore: mkdir %s: %w", dataDir, err)
			return
		}

		store, err := securestore.Open(securestore.Options{
			Root:          filepath.Join(dataDir, "encrypted"),
			MinimumFreeGB: c.config.MinimumFreeGB,
			Logger:        c.log,
		})
		if err != nil {
			startErr = fmt.Errorf("securecore: init store: %w", err)
			return
		}

		fheOpts := c.config.FHE
		fheOpts.ContextPath = filepath.Join(dataDir, "crypto", "fhe_context.bin")
		fheOpts.SecretPath = filepath.Join(dataDir, "crypto", "fhe_secret.bin")
		fheOpts.Logger = c.log
		fheCtx := fhe.NewContext(fheOpts)
		if err := fheCtx.Initialize(); err != nil {
			startErr = fmt.Errorf("securecore: init encryption context: %w", err)
			return
		}

		led, err := ledger.Open(ledger.Options{
			Path:   filepath.Join(dataDir, "audit_logs.jsonl"),
			Logger: c.log,
		})
		if err != nil {
			startErr = fmt.Errorf("securecore: init ledger: %w", err)
			return
		}

		c.store = store
		c.fheCtx = fheCtx
		c.ledger = led
		c.biom = biometric.NewService(fheCtx, store, c.log)

		if _, err := led.LogEvent(map[string]any{"event": "core_started"}); err != nil {
			c.log.Warn("failed to record startup event", "error", err)
		}

		c.started.Store(true)
		c.log.Info("securecore started", "path", dataDir)
	})
	return startErr
}

// Close flushes and closes the ledger and releases resources. Close is
// idempotent and safe to call multiple times.
func (c *Core) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.ledger != nil {
			if err := c.ledger.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close ledger: %w", err))
			}
		}
		c.log.Info("securecore closed")
	})
	return closeErr
}

func (c *Core) handleState() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Biometric returns the biometric authentication service.
func (c *Core) Biometric() (*biometric.Service, error) {
	if err := c.handleState(); err != nil {
		return nil, err
	}
	return c.biom, nil
}

// Store returns the encrypted object store.
func (c *Core) Store() (*securestore.Store, error) {
	if err := c.handleState(); err != nil {
		return nil, err
	}
	return c.store, nil
}

// Ledger returns the compliance ledger.
func (c *Core) Ledger() (*ledger.Ledger, error) {
	if err := c.handleState(); err != nil {
		return nil, err
	}
	return c.ledger, nil
}

// FHE returns the encryption context manager.
func (c *Core) FHE() (*fhe.Context, error) {
	if err := c.handleState(); err != nil {
		return nil, err
	}
	return c.fheCtx, nil
}
