package reserve

import (
	"sync"
	"time"
)

// DefaultSuppressionWindow bounds how long a locally originated mutation's
// keys stay active. The realtime channel echoes within a few seconds; keys
// that outlive the window would start swallowing genuine foreign changes.
const DefaultSuppressionWindow = 10 * time.Second

// EchoSuppressionStore is a time-bounded set of "recently originated
// locally" operation keys. The inbound event path checks it to recognize and
// discard self-originated echoes, so a mutation's side effects run at most
// once on the local view.
//
// One instance is constructed per session and shared by reference between
// the mutation coordinator and the inbound dispatcher. Entries are evicted
// lazily on lookup; no background sweep runs.
type EchoSuppressionStore struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewEchoSuppressionStore(window time.Duration) *EchoSuppressionStore {
	if window <= 0 {
		window = DefaultSuppressionWindow
	}
	return &EchoSuppressionStore{
		window:  window,
		entries: map[string]time.Time{},
		now:     time.Now,
	}
}

// Mark records keys as locally originated. Each key is active for exactly
// [now, now+window).
func (s *EchoSuppressionStore) Mark(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)
	expiresAt := now.Add(s.window)
	for _, key := range keys {
		if key == "" {
			continue
		}
		s.entries[key] = expiresAt
	}
}

// IsMarked reports whether key is still inside its suppression window.
// Expired entries are removed on the way out.
func (s *EchoSuppressionStore) IsMarked(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.entries[key]
	if !ok {
		return false
	}
	if !s.now().Before(expiresAt) {
		delete(s.entries, key)
		return false
	}
	return true
}

// AnyMarked reports whether at least one key is active.
func (s *EchoSuppressionStore) AnyMarked(keys []string) bool {
	for _, key := range keys {
		if s.IsMarked(key) {
			return true
		}
	}
	return false
}

// Len returns the number of tracked keys after pruning expired ones.
func (s *EchoSuppressionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.entries)
}

func (s *EchoSuppressionStore) pruneLocked(now time.Time) {
	for key, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, key)
		}
	}
}
