package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Store is a registry of per-session mapping states. Implementations must be
// safe for concurrent use and must not couple unrelated sessions.
type Store interface {
	// Insert records pseudonym <-> original in the session, creating the
	// session on first use.
	Insert(ctx context.Context, sessionID, pseudonym, original string) error
	// GetOriginal looks up the original text. A miss returns ok=false and a nil error.
	GetOriginal(ctx context.Context, sessionID, pseudonym string) (original string, ok bool, err error)
	// GetPseudonym looks up the pseudonym assigned to original.
	GetPseudonym(ctx context.Context, sessionID, original string) (pseudonym string, ok bool, err error)
	// Len returns the number of mapped pseudonyms in the session.
	Len(ctx context.Context, sessionID string) (int, error)
	// Flush discards the session. The id may be reused as a fresh session.
	Flush(ctx context.Context, sessionID string) error
	Close() error
}

type memoryEntry struct {
	state    *MappingState
	lastUsed atomic.Int64
}

func (e *memoryEntry) touch() {
	e.lastUsed.Store(time.Now().UnixNano())
}

// MemoryStore keeps one MappingState per session in process memory.
type MemoryStore struct {
	sessions sync.Map // session id -> *memoryEntry
	logger   *zap.Logger
}

// NewMemoryStore creates an empty in-process registry.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{logger: logger}
}

// State returns the session's state, creating it if needed.
func (m *MemoryStore) State(sessionID string) *MappingState {
	if v, ok := m.sessions.Load(sessionID); ok {
		entry := v.(*memoryEntry)
		entry.touch()
		return entry.state
	}
	fresh := &memoryEntry{state: NewMappingState()}
	fresh.touch()
	v, _ := m.sessions.LoadOrStore(sessionID, fresh)
	return v.(*memoryEntry).state
}

func (m *MemoryStore) lookup(sessionID string) (*MappingState, bool) {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil, false
	}
	entry := v.(*memoryEntry)
	entry.touch()
	return entry.state, true
}

func (m *MemoryStore) Insert(_ context.Context, sessionID, pseudonym, original string) error {
	m.State(sessionID).Insert(pseudonym, original)
	return nil
}

func (m *MemoryStore) GetOriginal(_ context.Context, sessionID, pseudonym string) (string, bool, error) {
	state, ok := m.lookup(sessionID)
	if !ok {
		return "", false, nil
	}
	original, ok := state.GetOriginal(pseudonym)
	return original, ok, nil
}

func (m *MemoryStore) GetPseudonym(_ context.Context, sessionID, original string) (string, bool, error) {
	state, ok := m.lookup(sessionID)
	if !ok {
		return "", false, nil
	}
	pseudonym, ok := state.GetPseudonym(original)
	return pseudonym, ok, nil
}

func (m *MemoryStore) Len(_ context.Context, sessionID string) (int, error) {
	state, ok := m.lookup(sessionID)
	if !ok {
		return 0, nil
	}
	return state.Len(), nil
}

// Flush clears the session's state before dropping it, so a request still
// holding the old state cannot resolve pseudonyms from it.
func (m *MemoryStore) Flush(_ context.Context, sessionID string) error {
	if v, ok := m.sessions.LoadAndDelete(sessionID); ok {
		v.(*memoryEntry).state.Clear()
	}
	return nil
}

// Sessions returns the number of live sessions.
func (m *MemoryStore) Sessions() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep flushes sessions that have not been used for maxIdle.
func (m *MemoryStore) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle).UnixNano()
	evicted := 0
	m.sessions.Range(func(key, value any) bool {
		entry := value.(*memoryEntry)
		if entry.lastUsed.Load() < cutoff {
			if m.sessions.CompareAndDelete(key, value) {
				entry.state.Clear()
				evicted++
			}
		}
		return true
	})
	if evicted > 0 {
		m.logger.Info("Idle sessions evicted", zap.Int("evicted", evicted))
	}
	return evicted
}

// StartJanitor sweeps idle sessions every interval until ctx is done.
func (m *MemoryStore) StartJanitor(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(maxIdle)
			}
		}
	}()
}

func (m *MemoryStore) Close() error { return nil }

// Mapping is a Store view bound to one session id.
type Mapping struct {
	store     Store
	sessionID string
}

// Bind returns the mapping view of sessionID in store.
func Bind(store Store, sessionID string) *Mapping {
	return &Mapping{store: store, sessionID: sessionID}
}

// SessionID returns the bound session id.
func (m *Mapping) SessionID() string { return m.sessionID }

func (m *Mapping) Insert(ctx context.Context, pseudonym, original string) error {
	return m.store.Insert(ctx, m.sessionID, pseudonym, original)
}

func (m *Mapping) GetOriginal(ctx context.Context, pseudonym string) (string, bool, error) {
	return m.store.GetOriginal(ctx, m.sessionID, pseudonym)
}

func (m *Mapping) GetPseudonym(ctx context.Context, original string) (string, bool, error) {
	return m.store.GetPseudonym(ctx, m.sessionID, original)
}
