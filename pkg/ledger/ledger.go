// Package ledger is an append-only, Ed25519-signed audit trail. Every event
// is one newline-delimited JSON record that a third party can verify
// against the published public key without access to any secret.
//
// Immutability is convention-only: records are never edited or deleted by
// this package, but there is no hash chain linking records, so a
// sufficiently privileged actor with filesystem access could truncate the
// file without detection from signatures alone.
package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrClosed        = errors.New("ledger: closed")
	ErrCorruptKey    = errors.New("ledger: signing key file corrupted")
	ErrMalformedLine = errors.New("ledger: malformed record line")
	ErrBadSignature  = errors.New("ledger: signature verification failed")
)

// Options configures a Ledger.
type Options struct {
	// Path is the append-only newline-delimited ledger file.
	Path string
	// KeyPath is the persisted Ed25519 signing key (32-byte seed). If
	// empty, Path with an ".ed25519" suffix is used.
	KeyPath string
	// Logger is an optional structured logger. If nil, logging is discarded.
	Logger *slog.Logger
}

// Ledger owns its signing key pair and the ledger file handle. Appends are
// serialized within the process; multi-process deployments writing the same
// file need an external single-writer arrangement.
type Ledger struct {
	path string
	log  *slog.Logger

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// Line is one parsed ledger record.
type Line struct {
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Open loads the persisted signing key, generating and persisting one
// before first use if absent, and opens the ledger file for appending.
func Open(opts Options) (*Ledger, error) {
	if opts.Path == "" {
		return nil, errors.New("ledger: path must be set")
	}
	if opts.KeyPath == "" {
		opts.KeyPath = opts.Path + ".ed25519"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}

	priv, err := loadOrCreateKey(opts.KeyPath, opts.Logger)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", opts.Path, err)
	}

	return &Ledger{
		path: opts.Path,
		log:  opts.Logger,
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
		file: file,
	}, nil
}

func loadOrCreateKey(path string, log *slog.Logger) (ed25519.PrivateKey, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrCorruptKey, path, len(seed), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("ledger: read signing key: %w", err)
	}

	seed = make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("ledger: generate signing key: %w", err)
	}
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return nil, fmt.Errorf("ledger: persist signing key: %w", err)
	}
	log.Info("ledger signing key generated", "path", path)
	return ed25519.NewKeyFromSeed(seed), nil
}

// LogEvent timestamps the payload, signs the canonical serialization of
// {timestamp, payload}, appends one JSON line to the ledger file and
// returns the hex-encoded signature as a receipt. Events are immutable once
// written.
func (l *Ledger) LogEvent(payload any) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ledger: serialize payload: %w", err)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	canonical, err := canonicalBytes(timestamp, payloadBytes)
	if err != nil {
		return "", err
	}
	signature := ed25519.Sign(l.priv, canonical)

	line, err := json.Marshal(Line{
		Timestamp: timestamp,
		Payload:   payloadBytes,
		Signature: hex.EncodeToString(signature),
	})
	if err != nil {
		return "", fmt.Errorf("ledger: serialize record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrClosed
	}
	// One write call per record: O_APPEND keeps the line atomic with
	// respect to other appends from this process.
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("ledger: append record: %w", err)
	}

	l.log.Debug("ledger event recorded", "path", l.path)
	return hex.EncodeToString(signature), nil
}

// PublicKeyPEM returns the verification key in SubjectPublicKeyInfo PEM
// form, suitable for publication to external verifiers.
func (l *Ledger) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(l.pub)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PublicKey returns the raw verification key.
func (l *Ledger) PublicKey() ed25519.PublicKey {
	return l.pub
}

// Close flushes and closes the ledger file. Close is idempotent.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("ledger: sync: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("ledger: close: %w", err)
	}
	return nil
}

// canonicalBytes serializes {payload, timestamp} deterministically: fields
// in sorted key order, compact encoding, payload embedded verbatim. Signing
// and verification must operate on these exact bytes.
func canonicalBytes(timestamp string, payload json.RawMessage) ([]byte, error) {
	canonical, err := json.Marshal(struct {
		Payload   json.RawMessage `json:"payload"`
		Timestamp string          `json:"timestamp"`
	}{Payload: payload, Timestamp: timestamp})
	if err != nil {
		return nil, fmt.Errorf("ledger: canonical serialization: %w", err)
	}
	return canonical, nil
}
