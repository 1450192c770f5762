// Package keystore provides the sources and sinks of keys used by load strategies.
//
// A Provider hands out keys to read or write; a Store records keys (and
// optionally values) that were written so a later run can retrieve them.
// Variants: RandomProvider, FileReader (read-only), FileWriter (write-only)
// and MemoryStore with RecallProvider (round-trip).
package keystore

import (
	"errors"
	"fmt"

	"github.com/example/loadharness/internal/config"
)

// Errors returned by the keystore package.
var (
	// ErrUnsupported is returned by a variant that does not support an operation.
	ErrUnsupported = errors.New("keystore: operation not supported")
	// ErrKeyNotFound is returned by Retrieve for a key that was never stored.
	ErrKeyNotFound = errors.New("keystore: key not found")
	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("keystore: closed")
)

// Provider supplies keys. Get returns false once the provider is exhausted.
//
// Thread Safety: Implementations are safe for concurrent use.
type Provider interface {
	Get() (string, bool)
}

// Store records written keys.
//
// Thread Safety: Implementations are safe for concurrent use.
type Store interface {
	// Store records a key without a value.
	Store(key string) error
	// StoreValue records a key together with its value.
	StoreValue(key string, value []byte) error
	// Retrieve returns what was recorded for key.
	Retrieve(key string) (Entry, error)
}

// Entry is what a Store recorded for a key. A key stored without a value has
// ValueStored false, which is distinct from a key stored with an empty value.
type Entry struct {
	Key         string
	Value       []byte
	ValueStored bool
}

type lifecycle interface {
	Start() error
	Stop() error
}

// Keys pairs the provider a strategy draws keys from with the store it
// records written keys into. Store may be nil, in which case recorded keys
// are discarded. Recall, when set, supplies the keys of reads that do not
// target a known key.
type Keys struct {
	Provider Provider
	Store    Store
	Recall   Provider
}

// Open builds the Keys described by cfg. keySize is the length of random keys.
//
//	random     -> random provider, no store
//	file-read  -> keys read from the file, no store
//	file-write -> random provider, keys appended to the file
//	memory     -> random provider, in-memory store; every second read key
//	              is recalled from the store
func Open(cfg config.KeyStoreConfig, keySize int) (*Keys, error) {
	switch cfg.Type {
	case "", config.KeyStoreRandom:
		return &Keys{Provider: NewRandomProvider(keySize)}, nil
	case config.KeyStoreFileRead:
		return &Keys{Provider: NewFileReader(cfg.Path)}, nil
	case config.KeyStoreFileWrite:
		return &Keys{Provider: NewRandomProvider(keySize), Store: NewFileWriter(cfg.Path)}, nil
	case config.KeyStoreMemory:
		store := NewMemoryStore()
		random := NewRandomProvider(keySize)
		return &Keys{Provider: random, Store: store, Recall: NewRecallProvider(store, random)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown key store type %q", config.ErrInvalidConfig, cfg.Type)
	}
}

// Get draws the next key from the provider.
func (k *Keys) Get() (string, bool) {
	return k.Provider.Get()
}

// ReadKey draws the key of a read from Recall, or from the provider when
// there is no Recall.
func (k *Keys) ReadKey() (string, bool) {
	if k.Recall != nil {
		return k.Recall.Get()
	}
	return k.Provider.Get()
}

// Record stores key, with value when withValue is set. Without a store it is a no-op.
func (k *Keys) Record(key string, value []byte, withValue bool) error {
	if k.Store == nil {
		return nil
	}
	if withValue {
		return k.Store.StoreValue(key, value)
	}
	return k.Store.Store(key)
}

// Retrieve looks key up in the store.
func (k *Keys) Retrieve(key string) (Entry, error) {
	if k.Store == nil {
		return Entry{}, ErrUnsupported
	}
	return k.Store.Retrieve(key)
}

// Start opens the underlying files, if any.
func (k *Keys) Start() error {
	for _, c := range k.components() {
		if err := c.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop releases the underlying files, if any.
func (k *Keys) Stop() error {
	var errs []error
	for _, c := range k.components() {
		errs = append(errs, c.Stop())
	}
	return errors.Join(errs...)
}

func (k *Keys) components() []lifecycle {
	var out []lifecycle
	if c, ok := k.Provider.(lifecycle); ok {
		out = append(out, c)
	}
	if c, ok := k.Store.(lifecycle); ok && any(k.Store) != any(k.Provider) {
		out = append(out, c)
	}
	return out
}
