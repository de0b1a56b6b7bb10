// Package securestore is a durable, confidential key-value store backed by
// the local filesystem: one encrypted file per named record under a storage
// root, sealed with a locally managed symmetric master key.
package securestore

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz/lzma"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrIntegrity reports that a record exists but failed authenticated
	// decryption: the bytes on disk were corrupted or tampered with. It is
	// deliberately distinct from an absent record, which Read reports as
	// (false, nil).
	ErrIntegrity = errors.New("securestore: record failed authenticated decryption")

	ErrInvalidName  = errors.New("securestore: invalid record name")
	ErrLowDiskSpace = errors.New("securestore: insufficient free space on storage root")
)

const (
	masterKeyFile = ".master.key"
	masterKeyLen  = chacha20poly1305.KeySize
	recordSuffix  = ".bin"
)

// Options configures a Store.
type Options struct {
	// Root is the storage directory. Created if missing.
	Root string
	// MinimumFreeGB refuses writes when the filesystem holding Root has
	// less free space than this. Zero disables the guard.
	MinimumFreeGB uint
	// Logger is an optional structured logger. If nil, logging is discarded.
	Logger *slog.Logger
}

// Store encrypts arbitrary structured payloads with a single symmetric
// master key generated once and persisted alongside the storage root. Loss
// of the master key makes all records permanently unrecoverable; that is an
// accepted and documented property of the design, not a bug.
//
// Per-record reads and writes are not serialized internally: concurrent
// writers to the same name race at the filesystem level, and deployments
// running multiple processes against the same root must provide external
// mutual exclusion per record name.
type Store struct {
	root    string
	minFree uint
	log     *slog.Logger
	aead    cipher.AEAD
}

// Open creates the storage root if needed and loads the master key,
// generating and persisting a fresh one on first use. The load-or-create
// step runs once inside the constructor, so concurrent first use must go
// through a single Open call per process.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("securestore: storage root must be set")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	if err := os.MkdirAll(opts.Root, 0o700); err != nil {
		return nil, fmt.Errorf("securestore: create root %s: %w", opts.Root, err)
	}

	key, err := loadOrCreateMasterKey(filepath.Join(opts.Root, masterKeyFile), opts.Logger)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("securestore: build cipher: %w", err)
	}

	s := &Store{
		root:    opts.Root,
		minFree: opts.MinimumFreeGB,
		log:     opts.Logger,
		aead:    aead,
	}
	if err := s.checkFreeSpace(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadOrCreateMasterKey(path string, log *slog.Logger) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != masterKeyLen {
			return nil, fmt.Errorf("securestore: master key %s has %d bytes, want %d", path, len(key), masterKeyLen)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("securestore: read master key: %w", err)
	}

	key = make([]byte, masterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("securestore: generate master key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("securestore: persist master key: %w", err)
	}
	log.Info("securestore master key created", "path", path)
	return key, nil
}

// Write serializes payload to canonical JSON, compresses it, seals it with
// the master key and persists it as the record for name, overwriting any
// prior value. It returns the storage location of the record.
func (s *Store) Write(name string, payload any) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	if err := s.checkFreeSpace(); err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("securestore: serialize payload: %w", err)
	}
	compressed, err := compress(data)
	if err != nil {
		return "", fmt.Errorf("securestore: compress payload: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("securestore: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, compressed, nil)

	path := s.pathFor(name)
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return "", fmt.Errorf("securestore: write record %s: %w", name, err)
	}
	s.log.Info("securestore write", "name", name, "bytes", len(sealed))
	return path, nil
}

// Read loads the record for name into out, which must be a pointer. A
// missing record is not an error: Read returns (false, nil). A record that
// exists but fails authenticated decryption returns an error wrapping
// ErrIntegrity; it is never silently treated as absent.
func (s *Store) Read(name string, out any) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	sealed, err := os.ReadFile(s.pathFor(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("securestore: read record %s: %w", name, err)
	}

	if len(sealed) < chacha20poly1305.NonceSizeX {
		return false, fmt.Errorf("%w: record %s truncated", ErrIntegrity, name)
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	compressed, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return false, fmt.Errorf("%w: record %s", ErrIntegrity, name)
	}
	data, err := decompress(compressed)
	if err != nil {
		return false, fmt.Errorf("%w: record %s: %v", ErrIntegrity, name, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("securestore: decode payload for %s: %w", name, err)
	}
	s.log.Debug("securestore read", "name", name)
	return true, nil
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.root, name+recordSuffix)
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
