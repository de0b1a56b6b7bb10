// Package fhe owns the process-wide homomorphic encryption context: CKKS
// scheme parameters and key material for encrypting real-valued vectors.
// The context is generated once per deployment, persisted as a matched pair
// of files (public context + secret key), and reloaded on every subsequent
// start.
package fhe

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/schemes/ckks"
)

var (
	ErrNotInitialized  = errors.New("fhe: context not initialized")
	ErrKeyUnavailable  = errors.New("fhe: secret key not loaded")
	ErrContextMismatch = errors.New("fhe: context and secret key files must exist as a pair")
	ErrVectorTooLong   = errors.New("fhe: vector exceeds slot capacity")
	ErrEmptyVector     = errors.New("fhe: empty vector")
)

// Options configures the encryption context. The zero value of the scheme
// fields selects the deployment defaults below.
type Options struct {
	// ContextPath is the file holding scheme parameters, the public key and
	// optional rotation keys.
	ContextPath string
	// SecretPath is the file holding the secret key. It must always be
	// loaded together with ContextPath; one without the other is a fatal
	// configuration error.
	SecretPath string

	// LogN is the log2 of the polynomial modulus degree.
	LogN int
	// LogQ is the chain of ciphertext prime bit-sizes, controlling the
	// multiplicative depth available under this context.
	LogQ []int
	// LogP is the chain of key-switching prime bit-sizes.
	LogP []int
	// LogScale is the log2 of the encoding scaling factor. The scheme is
	// approximate: decrypted values match the originals only up to an
	// epsilon driven by this factor.
	LogScale int
	// DisableRotationKeys skips generating galois keys for power-of-two
	// slot rotations. The deployment default generates them.
	DisableRotationKeys bool

	// Logger is an optional structured logger. If nil, logging is discarded.
	Logger *slog.Logger
}

// Deployment defaults, matching the parameters the original context was
// generated under. Changing them on an existing deployment orphans every
// persisted ciphertext.
const (
	DefaultLogN     = 15
	DefaultLogScale = 30
)

func defaultLogQ() []int { return []int{60, 40, 40, 60} }
func defaultLogP() []int { return []int{60} }

func (o *Options) applyDefaults() {
	if o.LogN == 0 {
		o.LogN = DefaultLogN
	}
	if len(o.LogQ) == 0 {
		o.LogQ = defaultLogQ()
	}
	if len(o.LogP) == 0 {
		o.LogP = defaultLogP()
	}
	if o.LogScale == 0 {
		o.LogScale = DefaultLogScale
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}
}

// Context is the single homomorphic encryption capability shared by the
// rest of the system. Construct with NewContext, then call Initialize once
// before use. All methods are safe for concurrent use.
type Context struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	ready     bool
	params    ckks.Parameters
	sk        *rlwe.SecretKey
	pk        *rlwe.PublicKey
	galois    []*rlwe.GaloisKey
	encoder   *ckks.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
}

// contextEnvelope is the on-disk form of the public half of the context.
type contextEnvelope struct {
	Params     []byte   `json:"params"`
	PublicKey  []byte   `json:"publicKey"`
	GaloisKeys [][]byte `json:"galoisKeys,omitempty"`
}

// NewContext constructs an unstarted context. No I/O happens until
// Initialize is called.
func NewContext(opts Options) *Context {
	opts.applyDefaults()
	return &Context{opts: opts, log: opts.Logger}
}

// Initialize loads the persisted context+secret pair, or generates and
// persists a fresh one if neither file exists. It is idempotent and safe
// under concurrent first use: callers racing the first initialization are
// serialized behind the context mutex, so the key pair is generated at most
// once per persisted context.
func (c *Context) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready {
		return nil
	}

	ctxExists := fileExists(c.opts.ContextPath)
	secExists := fileExists(c.opts.SecretPath)

	switch {
	case ctxExists && secExists:
		if err := c.load(); err != nil {
			return err
		}
		c.log.Info("fhe context loaded", "path", c.opts.ContextPath)
	case !ctxExists && !secExists:
		if err := c.generate(); err != nil {
			return err
		}
		c.log.Info("fhe context generated", "path", c.opts.ContextPath, "logN", c.opts.LogN)
	default:
		return fmt.Errorf("%w: context=%v secret=%v", ErrContextMismatch, ctxExists, secExists)
	}

	c.encoder = ckks.NewEncoder(c.params)
	c.encryptor = rlwe.NewEncryptor(c.params, c.pk)
	if c.sk != nil {
		c.decryptor = rlwe.NewDecryptor(c.params, c.sk)
	}
	c.ready = true
	return nil
}

func (c *Context) generate() error {
	params, err := ckks.NewParametersFromLiteral(ckks.ParametersLiteral{
		LogN:            c.opts.LogN,
		LogQ:            c.opts.LogQ,
		LogP:            c.opts.LogP,
		LogDefaultScale: c.opts.LogScale,
	})
	if err != nil {
		return fmt.Errorf("fhe: build parameters: %w", err)
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)

	var galois []*rlwe.GaloisKey
	if !c.opts.DisableRotationKeys {
		var galEls []uint64
		for k := 1; k < params.MaxSlots(); k <<= 1 {
			galEls = append(galEls, params.GaloisElement(k))
		}
		galois = kgen.GenGaloisKeysNew(galEls, sk)
	}

	if err := c.persist(params, pk, sk, galois); err != nil {
		return err
	}

	c.params = params
	c.sk = sk
	c.pk = pk
	c.galois = galois
	return nil
}

// persist writes both files atomically (temp file + rename) so that a
// process dying mid-write, or a second process racing the first ever
// startup, cannot leave a corrupted or half-written pair behind.
func (c *Context) persist(params ckks.Parameters, pk *rlwe.PublicKey, sk *rlwe.SecretKey, galois []*rlwe.GaloisKey) error {
	paramsBytes, err := params.MarshalBinary()
	if err != nil {
		return fmt.Errorf("fhe: marshal parameters: %w", err)
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return fmt.Errorf("fhe: marshal public key: %w", err)
	}
	env := contextEnvelope{Params: paramsBytes, PublicKey: pkBytes}
	for _, gk := range galois {
		gkBytes, err := gk.MarshalBinary()
		if err != nil {
			return fmt.Errorf("fhe: marshal galois key: %w", err)
		}
		env.GaloisKeys = append(env.GaloisKeys, gkBytes)
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("fhe: marshal context envelope: %w", err)
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return fmt.Errorf("fhe: marshal secret key: %w", err)
	}

	if err := writeFileAtomic(c.opts.ContextPath, envBytes, 0o600); err != nil {
		return fmt.Errorf("fhe: persist context: %w", err)
	}
	if err := writeFileAtomic(c.opts.SecretPath, skBytes, 0o600); err != nil {
		return fmt.Errorf("fhe: persist secret key: %w", err)
	}
	return nil
}

func (c *Context) load() error {
	envBytes, err := os.ReadFile(c.opts.ContextPath)
	if err != nil {
		return fmt.Errorf("fhe: read context: %w", err)
	}
	var env contextEnvelope
	if err := json.Unmarshal(envBytes, &env); err != nil {
		return fmt.Errorf("fhe: decode context envelope: %w", err)
	}

	var params ckks.Parameters
	if err := params.UnmarshalBinary(env.Params); err != nil {
		return fmt.Errorf("fhe: decode parameters: %w", err)
	}
	pk := new(rlwe.PublicKey)
	if err := pk.UnmarshalBinary(env.PublicKey); err != nil {
		return fmt.Errorf("fhe: decode public key: %w", err)
	}
	var galois []*rlwe.GaloisKey
	for i, gkBytes := range env.GaloisKeys {
		gk := new(rlwe.GaloisKey)
		if err := gk.UnmarshalBinary(gkBytes); err != nil {
			return fmt.Errorf("fhe: decode galois key %d: %w", i, err)
		}
		galois = append(galois, gk)
	}

	skBytes, err := os.ReadFile(c.opts.SecretPath)
	if err != nil {
		return fmt.Errorf("fhe: read secret key: %w", err)
	}
	sk := new(rlwe.SecretKey)
	if err := sk.UnmarshalBinary(skBytes); err != nil {
		return fmt.Errorf("fhe: decode secret key: %w", err)
	}

	c.params = params
	c.pk = pk
	c.sk = sk
	c.galois = galois
	return nil
}

// MaxVectorLen returns the slot capacity of the configured scheme, the
// upper bound on the length of vectors EncryptVector accepts.
func (c *Context) MaxVectorLen() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return 0, ErrNotInitialized
	}
	return c.params.MaxSlots(), nil
}

// EncryptVector encodes and encrypts a real-valued vector. The returned
// ciphertext remembers the vector length so DecryptVector can return a
// slice of exactly the original shape.
func (c *Context) EncryptVector(values []float64) (*Ciphertext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil, ErrNotInitialized
	}
	if len(values) == 0 {
		return nil, ErrEmptyVector
	}
	if len(values) > c.params.MaxSlots() {
		return nil, fmt.Errorf("%w: %d > %d", ErrVectorTooLong, len(values), c.params.MaxSlots())
	}

	pt := ckks.NewPlaintext(c.params, c.params.MaxLevel())
	if err := c.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("fhe: encode vector: %w", err)
	}
	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("fhe: encrypt vector: %w", err)
	}
	c.log.Debug("fhe encrypt", "length", len(values))
	return &Ciphertext{vectorLen: len(values), ct: ct}, nil
}

// DecryptVector decrypts a ciphertext back into a real-valued vector. The
// result equals the original only up to a small scheme-dependent epsilon;
// callers must never assume bit-exact round trips.
func (c *Context) DecryptVector(ct *Ciphertext) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil, ErrNotInitialized
	}
	if c.decryptor == nil {
		return nil, ErrKeyUnavailable
	}
	if ct == nil || ct.ct == nil {
		return nil, errors.New("fhe: nil ciphertext")
	}

	pt := c.decryptor.DecryptNew(ct.ct)
	values := make([]float64, ct.vectorLen)
	if err := c.encoder.Decode(pt, values); err != nil {
		return nil, fmt.Errorf("fhe: decode vector: %w", err)
	}
	c.log.Debug("fhe decrypt", "length", len(values))
	return values, nil
}

// EncryptScalar encrypts a single value as a length-1 vector.
func (c *Context) EncryptScalar(value float64) (*Ciphertext, error) {
	return c.EncryptVector([]float64{value})
}

// DecryptScalar decrypts a length-1 vector back into a single value.
func (c *Context) DecryptScalar(ct *Ciphertext) (float64, error) {
	values, err := c.DecryptVector(ct)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, errors.New("fhe: ciphertext holds no values")
	}
	return values[0], nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
