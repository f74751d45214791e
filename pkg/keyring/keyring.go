// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2022 Marvell International Ltd.
// Copyright (C) 2023 Intel Corporation

// Package keyring implements the core's key registry (spec section 4.1),
// grounded on SPDK's lib/keyring/keyring.c. It tracks named, refcounted key
// handles on behalf of modules that actually source key material (file,
// PKCS#11, ...); those modules are out of scope here and are represented
// only by the Module interface.
package keyring

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.einride.tech/aip/resourceid"
	"go.uber.org/zap"

	"github.com/opiproject/nvmf-targetcore/pkg/blockdevice"
)

// ErrNoKey is returned by Module.ProbeKey when the module has no knowledge
// of the requested name, so the keyring should try the next module.
var ErrNoKey = errors.New("keyring: no such key")

// Module sources key material for keys it recognizes. Concrete modules
// (file-backed, PKCS#11, ...) are external collaborators; the core only
// consumes this interface.
type Module interface {
	Name() string
	// AddKey instantiates ctx-specific state for a newly added key.
	AddKey(key *Key, ctx interface{}) error
	// RemoveKey releases any module-owned state for key.
	RemoveKey(key *Key)
	// GetKey copies the key material into buf, returning the number of
	// bytes written.
	GetKey(key *Key, buf []byte) (int, error)
	// ProbeKey attempts to instantiate a key named name on demand,
	// calling back into Keyring.AddKey (the keyring lock is not held
	// while ProbeKey runs). Returns ErrNoKey if the module has no
	// opinion about name.
	ProbeKey(name string) error
}

// Key is an opaque, refcounted handle to key material. The keyring owns
// its lifecycle; callers only ever see it through Get/Put/Dup.
type Key struct {
	name    string
	refcnt  int
	removed bool
	probed  bool
	module  Module
	ctx     interface{}
}

// Name returns the name the key was added or probed under.
func (k *Key) Name() string { return k.name }

// Module returns the module that owns this key.
func (k *Key) Module() Module { return k.module }

// Ctx returns the module-private context stashed at AddKey time.
func (k *Key) Ctx() interface{} { return k.ctx }

// Opts describes a key to be added directly (as opposed to probed).
type Opts struct {
	Name   string
	Module Module
	Ctx    interface{}
}

// Keyring is the global registry of named keys. The zero value is not
// usable; construct with New.
type Keyring struct {
	mu          sync.Mutex
	log         *zap.Logger
	modules     []Module
	keys        []*Key
	removedKeys []*Key
}

// New constructs an empty Keyring. log may be nil, in which case a no-op
// logger is used.
func New(log *zap.Logger) *Keyring {
	if log == nil {
		log = zap.NewNop()
	}
	return &Keyring{log: log}
}

// keyName strips a "keyring:" prefix so that "key0" and ":key0" both refer
// to the same entry in the (only supported) global keyring.
func keyName(name string) string {
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

func (kr *Keyring) findKeyLocked(name string) *Key {
	want := keyName(name)
	for _, k := range kr.keys {
		if keyName(k.name) == want {
			return k
		}
	}
	return nil
}

// RegisterModule adds a key-sourcing module. Must be called before Init.
func (kr *Keyring) RegisterModule(m Module) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.modules = append(kr.modules, m)
}

// Init runs each registered module's startup hook. Unused in this core
// (modules here have no init/cleanup lifecycle of their own) but kept for
// symmetry with the teacher's bootstrap conventions; currently a no-op
// beyond logging.
func (kr *Keyring) Init() error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	for _, m := range kr.modules {
		kr.log.Info("keyring: module registered", zap.String("module", m.Name()))
	}
	return nil
}

// Cleanup removes every live and removed key, warning about any that still
// have outstanding references (a caller bug: every Get must be matched by
// a Put).
func (kr *Keyring) Cleanup() {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	for len(kr.keys) > 0 {
		kr.removeKeyLocked(kr.keys[0])
	}
	for _, k := range kr.removedKeys {
		if k.refcnt != 0 {
			kr.log.Warn("keyring: key still referenced at cleanup",
				zap.String("name", k.name), zap.Int("refcnt", k.refcnt))
		}
	}
	kr.removedKeys = nil
}

// AddKey registers a new key directly (not via probing). If opts.Name is
// empty, a system-generated name is assigned (mirroring the frontend's
// resourceid.NewSystemGenerated() use for caller-omitted resource ids),
// which callers that add ephemeral or programmatically-derived keys (a
// DH-CHAP transcript's transient controller key, for instance) can rely on
// instead of inventing their own naming scheme. Returns an error if a key
// with the same name already exists, or the module rejects it.
func (kr *Keyring) AddKey(opts Opts) error {
	if opts.Name == "" {
		opts.Name = resourceid.NewSystemGenerated()
	}
	if idx := strings.IndexByte(opts.Name, ':'); idx > 0 {
		return fmt.Errorf("keyring: add key %q: only the global keyring is supported", opts.Name)
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()

	if kr.findKeyLocked(opts.Name) != nil {
		return fmt.Errorf("keyring: key %q already exists", opts.Name)
	}

	key := &Key{name: opts.Name, module: opts.Module, ctx: opts.Ctx}
	if err := opts.Module.AddKey(key, opts.Ctx); err != nil {
		return fmt.Errorf("keyring: add key %q: %w", opts.Name, err)
	}
	key.refcnt = 1
	kr.keys = append(kr.keys, key)
	return nil
}

// removeKeyLocked moves key from the live list to the removed list,
// releasing the module's hold on it and dropping the registry's own
// reference. Caller holds kr.mu.
func (kr *Keyring) removeKeyLocked(key *Key) {
	key.removed = true
	key.module.RemoveKey(key)
	kr.keys = removeFromSlice(kr.keys, key)
	kr.removedKeys = append(kr.removedKeys, key)
	kr.putKeyLocked(key)
}

// RemoveKey marks the named key removed: no further Get calls will find
// it, and it is freed once its last reference is released.
func (kr *Keyring) RemoveKey(name string) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	key := kr.findKeyLocked(name)
	if key == nil {
		kr.log.Warn("keyring: remove of unknown key", zap.String("name", name))
		return
	}
	kr.removeKeyLocked(key)
}

func (kr *Keyring) probeKeyLocked(name string) *Key {
	for _, m := range kr.modules {
		// The module adds the key through AddKey, which takes kr.mu.
		kr.mu.Unlock()
		err := m.ProbeKey(name)
		kr.mu.Lock()
		if err == nil {
			key := kr.findKeyLocked(name)
			if key == nil {
				kr.log.Error("keyring: probe succeeded but key is unavailable",
					zap.String("name", name), zap.String("module", m.Name()))
				return nil
			}
			key.probed = true
			return key
		}
		if !errors.Is(err, ErrNoKey) {
			kr.log.Error("keyring: probe failed", zap.String("name", name),
				zap.String("module", m.Name()), zap.Error(err))
			return nil
		}
	}
	return nil
}

// Get resolves name to a live Key, probing registered modules on demand if
// no key with that name is currently loaded. The caller must release the
// returned key with Put.
func (kr *Keyring) Get(name string) (*Key, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	key := kr.findKeyLocked(name)
	if key == nil {
		key = kr.probeKeyLocked(name)
		if key == nil {
			return nil, fmt.Errorf("keyring: %w: %s", ErrNoKey, name)
		}
	}
	key.refcnt++
	return key, nil
}

func (kr *Keyring) putKeyLocked(key *Key) int {
	key.refcnt--
	if key.refcnt == 0 {
		kr.removedKeys = removeFromSlice(kr.removedKeys, key)
	}
	return key.refcnt
}

// Put releases a reference obtained from Get or Dup. If this was the last
// reference to a probed key that was not explicitly removed, the key is
// removed automatically (mirroring modules that probe keys transiently,
// e.g. per DH-CHAP exchange).
func (kr *Keyring) Put(key *Key) {
	if key == nil {
		return
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()

	refcnt := kr.putKeyLocked(key)
	if refcnt == 1 && key.probed && !key.removed {
		kr.removeKeyLocked(key)
	}
}

// Dup takes an additional reference on key, for callers that hand a key to
// two independent consumers (e.g. bidirectional DH-CHAP holding both a
// host and a controller key).
func (kr *Keyring) Dup(key *Key) *Key {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	key.refcnt++
	return key
}

// Read copies key material into buf via the owning module, failing with
// ErrNoKey if the key has since been removed.
func (kr *Keyring) Read(key *Key, buf []byte) (int, error) {
	if key.removed {
		return 0, ErrNoKey
	}
	return key.module.GetKey(key, buf)
}

// ForEachKey invokes fn for every live key, and additionally for every
// removed-but-still-referenced key when includeRemoved is true.
func (kr *Keyring) ForEachKey(fn func(*Key), includeRemoved bool) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	for _, k := range kr.keys {
		fn(k)
	}
	if includeRemoved {
		for _, k := range kr.removedKeys {
			fn(k)
		}
	}
}

// Provider adapts a Keyring to the blockdevice.KeyProvider interface that
// the DH-CHAP authenticator consumes, so the authenticator never needs to
// know about Keyring's refcounting API directly.
type Provider struct {
	kr *Keyring
}

// AsProvider wraps kr as a blockdevice.KeyProvider.
func (kr *Keyring) AsProvider() *Provider { return &Provider{kr: kr} }

// Get implements blockdevice.KeyProvider.
func (p *Provider) Get(name string) (blockdevice.KeyRef, bool) {
	key, err := p.kr.Get(name)
	if err != nil {
		return nil, false
	}
	return key, true
}

// Read implements blockdevice.KeyProvider.
func (p *Provider) Read(ref blockdevice.KeyRef, buf []byte) (int, error) {
	key, ok := ref.(*Key)
	if !ok {
		return 0, fmt.Errorf("keyring: unrecognized key reference %T", ref)
	}
	return p.kr.Read(key, buf)
}

func removeFromSlice(s []*Key, key *Key) []*Key {
	for i, k := range s {
		if k == key {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
