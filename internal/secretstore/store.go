// Package secretstore is the agent's durable, authenticated-encrypted
// key/value state. The key set is closed: see Keys.
package secretstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ahkfinance/devicelock/internal/codec"
	"github.com/ahkfinance/devicelock/internal/crypto/storecrypto"
	"github.com/ahkfinance/devicelock/internal/errs"
)

// DefaultNamespace is the single namespace used by the agent.
const DefaultNamespace = "ahk_prefs"

var errUnknown = errs.ErrUnknownKey

// Options configures Open.
type Options struct {
	Dir       string
	Namespace string // DefaultNamespace if empty
	// Secret is the device secret the store key is derived from. When nil a
	// random secret is created once in <Dir>/<Namespace>.key.
	Secret []byte
	Logger *zap.Logger
}

// Store is safe for concurrent use; every mutation is applied and persisted
// under one lock.
type Store struct {
	mu        sync.Mutex
	data      map[Key]any
	key       []byte
	namespace string
	dir       string
	log       *zap.Logger

	fallbackOnce sync.Once
}

// Open loads (or creates) the store in opts.Dir.
func Open(opts Options) (*Store, error) {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("secretstore: mkdir: %w", err)
	}

	s := &Store{
		data:      map[Key]any{},
		namespace: opts.Namespace,
		dir:       opts.Dir,
		log:       opts.Logger.Named("secretstore"),
	}

	secret := opts.Secret
	if len(secret) == 0 {
		var err error
		if secret, err = s.loadOrCreate(s.path(".key"), 32); err != nil {
			return nil, err
		}
	}
	salt, err := s.loadOrCreate(s.path(".salt"), storecrypto.SaltLen)
	if err != nil {
		return nil, err
	}
	s.key, err = storecrypto.DeriveNamespaceKey(storecrypto.DeriveMasterKey(secret, salt), s.namespace)
	if err != nil {
		return nil, fmt.Errorf("secretstore: derive key: %w", err)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(suffix string) string {
	return filepath.Join(s.dir, s.namespace+suffix)
}

func (s *Store) loadOrCreate(p string, n int) ([]byte, error) {
	b, err := os.ReadFile(p)
	if err == nil && len(b) == n {
		return b, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("secretstore: read %s: %w", filepath.Base(p), err)
	}
	b, err = storecrypto.Rand(n)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(p, b); err != nil {
		return nil, err
	}
	return b, nil
}

// load reads the sealed file, falling back to the plaintext compatibility
// file when it is missing or cannot be opened.
func (s *Store) load() error {
	sealed, err := os.ReadFile(s.path(".sealed"))
	switch {
	case err == nil:
		data, derr := s.decode(sealed)
		if derr == nil {
			s.data = data
			return nil
		}
		s.fallbackOnce.Do(func() {
			s.log.Warn("sealed store unreadable, reading plaintext store", zap.Error(derr))
		})
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("secretstore: read sealed: %w", err)
	}
	return s.loadPlain()
}

func (s *Store) decode(sealed []byte) (map[Key]any, error) {
	pt, err := storecrypto.Open(s.key, s.namespace, sealed)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := codec.Unmarshal(pt, &raw); err != nil {
		return nil, err
	}
	return fromRaw(raw, s.log)
}

func (s *Store) loadPlain() error {
	b, err := os.ReadFile(s.path(".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("secretstore: read plaintext: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("secretstore: parse plaintext: %w", err)
	}
	data, err := fromRaw(raw, s.log)
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

// fromRaw drops keys outside the schema (older agents wrote extra keys)
// and coerces the rest.
func fromRaw(raw map[string]any, log *zap.Logger) (map[Key]any, error) {
	out := make(map[Key]any, len(raw))
	for k, v := range raw {
		if _, ok := schema[Key(k)]; !ok {
			log.Debug("ignoring unknown stored key", zap.String("key", k))
			continue
		}
		cv, err := coerce(Key(k), v)
		if err != nil {
			return nil, err
		}
		out[Key(k)] = cv
	}
	return out, nil
}

// Get returns the value stored under k, or ok=false when absent.
func (s *Store) Get(k Key) (v any, ok bool, err error) {
	if _, known := schema[k]; !known {
		return nil, false, fmt.Errorf("%w: %q", errUnknown, k)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok = s.data[k]
	return v, ok, nil
}

// String returns a string key or "".
func (s *Store) String(k Key) string {
	v, _, _ := s.Get(k)
	str, _ := v.(string)
	return str
}

// Bool returns a bool key or false.
func (s *Store) Bool(k Key) bool {
	v, _, _ := s.Get(k)
	b, _ := v.(bool)
	return b
}

// Int returns an integer key or 0.
func (s *Store) Int(k Key) int64 {
	v, _, _ := s.Get(k)
	n, _ := v.(int64)
	return n
}

// Put stores a single value.
func (s *Store) Put(k Key, v any) error {
	return s.Edit(func(b *Batch) error { return b.Set(k, v) })
}

// Edit applies fn to a private copy of the state and commits it atomically:
// either every change fn made is persisted, or none is. Reads through the
// batch observe the state as of the start of the edit plus fn's own writes.
func (s *Store) Edit(fn func(b *Batch) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &Batch{data: maps.Clone(s.data)}
	if err := fn(b); err != nil {
		return err
	}
	if !b.dirty {
		return nil
	}
	if err := s.persist(b.data); err != nil {
		return err
	}
	s.data = b.data
	return nil
}

// Snapshot returns a copy of every stored value.
func (s *Store) Snapshot() map[Key]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.data)
}

func (s *Store) persist(data map[Key]any) error {
	raw := make(map[string]any, len(data))
	for k, v := range data {
		raw[string(k)] = v
	}
	pt, err := codec.Marshal(raw)
	if err != nil {
		return fmt.Errorf("secretstore: encode: %w", err)
	}
	sealed, err := storecrypto.Seal(s.key, s.namespace, pt)
	if err != nil {
		return fmt.Errorf("secretstore: seal: %w", err)
	}
	return writeFileAtomic(s.path(".sealed"), sealed)
}

func writeFileAtomic(p string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+".tmp*")
	if err != nil {
		return fmt.Errorf("secretstore: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("secretstore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("secretstore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Batch is the mutable view handed to Edit callbacks.
type Batch struct {
	data  map[Key]any
	dirty bool
}

// Get reads a value inside the batch.
func (b *Batch) Get(k Key) (any, bool) {
	v, ok := b.data[k]
	return v, ok
}

// Bool reads a bool inside the batch.
func (b *Batch) Bool(k Key) bool {
	v, _ := b.data[k].(bool)
	return v
}

// Int reads an integer inside the batch.
func (b *Batch) Int(k Key) int64 {
	v, _ := b.data[k].(int64)
	return v
}

// String reads a string inside the batch.
func (b *Batch) String(k Key) string {
	v, _ := b.data[k].(string)
	return v
}

// Set validates and stages a value.
func (b *Batch) Set(k Key, v any) error {
	cv, err := coerce(k, v)
	if err != nil {
		return err
	}
	b.data[k] = cv
	b.dirty = true
	return nil
}

// Delete stages removal of k.
func (b *Batch) Delete(k Key) error {
	if _, ok := schema[k]; !ok {
		return fmt.Errorf("%w: %q", errUnknown, k)
	}
	if _, ok := b.data[k]; ok {
		delete(b.data, k)
		b.dirty = true
	}
	return nil
}
