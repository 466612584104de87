package oidc

import "sync"

// Storage keys used by the Session.  Hosts that share a storage with the
// engine (to survive a page reload, for example) read the same keys.
const (
	StorageAuthResult          = "authorizationResult"
	StorageAccessToken         = "authorizationData"
	StorageIDToken             = "authorizationDataIdToken"
	StorageIsAuthorized        = "_isAuthorized"
	StorageUserData            = "userData"
	StorageAuthNonce           = "authNonce"
	StorageAuthStateControl    = "authStateControl"
	StorageWellKnownEndpoints  = "wellknownendpoints"
	StorageSessionState        = "session_state"
	StorageSilentRenewRunning  = "storage_silent_renew_running"
	StorageCustomRequestParams = "storage_custom_request_params"
)

// Storage is the persistent key/value collaborator backing a Session.  It is
// scoped to one browser session by default; implementations backed by more
// durable stores are the host's choice.
type Storage interface {

	// Read returns the value for key and whether the key was present.
	Read(key string) (string, bool)

	// Write stores value under key.
	Write(key, value string) error
}

// MemoryStorage is a Storage backed by a map.  It is the default when a Flow
// is constructed without a Storage and is safe for concurrent use.
type MemoryStorage struct {
	mu sync.RWMutex
	m  map[string]string
}

// ensure that MemoryStorage implements the Storage interface
var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{m: map[string]string{}}
}

// Read implements Storage.Read.
func (s *MemoryStorage) Read(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Write implements Storage.Write.
func (s *MemoryStorage) Write(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}
