package zfs

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Session is the per-run state shared by every request of a run: whether
// the server accepted our credentials, the last sync time the server
// reported, and whether the automatic client reset is still available.
type Session struct {
	mu                sync.Mutex
	credentialsCached bool
	lastSyncTime      *int64
	canAutoReset      bool

	auth singleflight.Group
}

// NewSession returns a session ready for a first run.
func NewSession() *Session {
	return &Session{canAutoReset: true}
}

// Reset starts a new run.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentialsCached = false
	s.lastSyncTime = nil
	s.canAutoReset = true
}

// CredentialsCached reports whether the credential probe succeeded since
// the last invalidation.
func (s *Session) CredentialsCached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.credentialsCached
}

func (s *Session) setCredentialsCached() {
	s.mu.Lock()
	s.credentialsCached = true
	s.mu.Unlock()
}

// InvalidateCredentials forces the next request to probe again.
func (s *Session) InvalidateCredentials() {
	s.mu.Lock()
	s.credentialsCached = false
	s.mu.Unlock()
}

// LastSyncTime returns the cached server timestamp in epoch seconds.
func (s *Session) LastSyncTime() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastSyncTime == nil {
		return 0, false
	}

	return *s.lastSyncTime, true
}

func (s *Session) setLastSyncTime(ts *int64) {
	s.mu.Lock()
	s.lastSyncTime = ts
	s.mu.Unlock()
}

// takeAutoReset reports whether an automatic client reset may run and
// consumes it.
func (s *Session) takeAutoReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canAutoReset {
		return false
	}

	s.canAutoReset = false

	return true
}
