package mls

import "sync"

// KeyPackageStore resolves a KeyPackage reference to the KeyPackage and
// the private keys NewKeyPackage generated for it — the capability an
// Add proposal's sender and a Welcome's recipient both consume (spec.md
// §6 "Storage capabilities").
type KeyPackageStore interface {
	Store(ref []byte, kp KeyPackage, leafPriv, initPriv []byte) error
	Fetch(ref []byte) (kp KeyPackage, leafPriv, initPriv []byte, ok bool)
	Delete(ref []byte)
}

// memoryKeyPackageStore is the in-memory reference KeyPackageStore,
// guarded by a mutex since a client's KeyPackages may be consumed from
// more than one goroutine concurrently (spec.md §5).
type memoryKeyPackageStore struct {
	mu    sync.Mutex
	items map[string]keyPackageEntry
}

type keyPackageEntry struct {
	kp       KeyPackage
	leafPriv []byte
	initPriv []byte
}

func NewMemoryKeyPackageStore() KeyPackageStore {
	return &memoryKeyPackageStore{items: map[string]keyPackageEntry{}}
}

func (s *memoryKeyPackageStore) Store(ref []byte, kp KeyPackage, leafPriv, initPriv []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[string(ref)] = keyPackageEntry{kp, dup(leafPriv), dup(initPriv)}
	return nil
}

func (s *memoryKeyPackageStore) Fetch(ref []byte) (KeyPackage, []byte, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[string(ref)]
	if !ok {
		return KeyPackage{}, nil, nil, false
	}
	return e.kp, e.leafPriv, e.initPriv, true
}

func (s *memoryKeyPackageStore) Delete(ref []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, string(ref))
}

// GroupStateStore persists the serialized state a Group needs to
// survive a process restart between epochs (spec.md §6). The engine
// never inspects the blob and never calls this store itself; the blob's
// encoding is up to the caller.
type GroupStateStore interface {
	Store(groupID []byte, state []byte) error
	Fetch(groupID []byte) ([]byte, bool)
	Delete(groupID []byte)
}

type memoryGroupStateStore struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewMemoryGroupStateStore() GroupStateStore {
	return &memoryGroupStateStore{items: map[string][]byte{}}
}

func (s *memoryGroupStateStore) Store(groupID []byte, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[string(groupID)] = dup(state)
	return nil
}

func (s *memoryGroupStateStore) Fetch(groupID []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[string(groupID)]
	return v, ok
}

func (s *memoryGroupStateStore) Delete(groupID []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, string(groupID))
}

// Keychain resolves a client's own signature identities to their
// private keys, keyed by the public SignatureKey bytes.
type Keychain interface {
	Insert(identity SigningIdentity, sigPriv []byte)
	SigningKey(identity SigningIdentity) ([]byte, bool)
}

type memoryKeychain struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewMemoryKeychain() Keychain {
	return &memoryKeychain{keys: map[string][]byte{}}
}

func (k *memoryKeychain) Insert(identity SigningIdentity, sigPriv []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[string(identity.SignatureKey)] = dup(sigPriv)
}

func (k *memoryKeychain) SigningKey(identity SigningIdentity) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.keys[string(identity.SignatureKey)]
	return v, ok
}

// PSKStore resolves a PreSharedKeyID to the raw PSK value a PSK
// proposal contributes to psk_secret (spec.md §4.G, §6).
type PSKStore interface {
	Fetch(id PreSharedKeyID) ([]byte, bool)
	Insert(id PreSharedKeyID, secret []byte)
}

type memoryPSKStore struct {
	mu   sync.Mutex
	psks map[string][]byte
}

func NewMemoryPSKStore() PSKStore {
	return &memoryPSKStore{psks: map[string][]byte{}}
}

func (s *memoryPSKStore) pskKey(id PreSharedKeyID) string {
	return string(mustMarshal(&id))
}

func (s *memoryPSKStore) Fetch(id PreSharedKeyID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.psks[s.pskKey(id)]
	return v, ok
}

func (s *memoryPSKStore) Insert(id PreSharedKeyID, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.psks[s.pskKey(id)] = dup(secret)
}
