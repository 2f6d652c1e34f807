package session

import (
	"errors"
	"sync"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/extractor"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStaleResult is returned by Commit when a newer result or a newer source already won.
	ErrStaleResult = errors.New("stale compression result")
)

// Session replaces the single "current file / current result" slot of a
// preview page. At most one source and one result are current at a time.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.RWMutex
	source    *compressor.SourceImage
	metadata  *extractor.Metadata
	result    *compressor.EncodedResult
	seq       uint64
	committed uint64
	touched   time.Time
}

// Token identifies one compression attempt in issue order.
type Token struct {
	seq      uint64
	sourceID string
}

// SetSource installs a new source together with its first result, which
// may be nil. Compressions begun for the previous source can no longer commit.
func (s *Session) SetSource(src *compressor.SourceImage, meta *extractor.Metadata, res *compressor.EncodedResult) error {
	if res != nil && res.SourceID != src.ID {
		return ErrStaleResult
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
	s.metadata = meta
	s.result = res
	if res != nil {
		s.seq++
		s.committed = s.seq
	}
	s.touched = time.Now()
	return nil
}

// Source returns the current source image, or nil before the first upload.
func (s *Session) Source() *compressor.SourceImage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// Metadata returns the EXIF metadata of the current source, if any.
func (s *Session) Metadata() *extractor.Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata
}

// Result returns the current encoded result, or nil.
func (s *Session) Result() *compressor.EncodedResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// Begin issues a token for a compression of the current source. The token
// is needed to Commit the result.
func (s *Session) Begin() (Token, *compressor.SourceImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		return Token{}, nil, compressor.ErrNoSource
	}
	s.seq++
	s.touched = time.Now()
	return Token{seq: s.seq, sourceID: s.source.ID}, s.source, nil
}

// Commit stores res unless a later token already committed or the source
// changed since Begin. Last writer by issue order wins.
func (s *Session) Commit(tok Token, res *compressor.EncodedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil || s.source.ID != tok.sourceID || res.SourceID != tok.sourceID {
		return ErrStaleResult
	}
	if tok.seq <= s.committed {
		return ErrStaleResult
	}
	s.committed = tok.seq
	s.result = res
	s.touched = time.Now()
	return nil
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.touched = now
	s.mu.Unlock()
}

// LastActivity returns the time the session was last read or changed.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.touched
}

// Store holds sessions in memory, expiring them after ttl of inactivity.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewStore returns an empty Store.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
}

// Create generates a new empty session.
func (st *Store) Create() *Session {
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		touched:   now,
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = s
	return s
}

// Get returns the session with the given ID if it exists and has not
// expired, and counts the lookup as activity.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	now := time.Now()
	if !ok || st.expired(s, now) {
		return nil, ErrSessionNotFound
	}
	s.touch(now)
	return s, nil
}

// Delete removes a session.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// Len returns the number of stored sessions, expired or not.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// CleanupExpired removes all expired sessions and returns how many were dropped.
func (st *Store) CleanupExpired() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	count := 0
	now := time.Now()
	for id, s := range st.sessions {
		if st.expired(s, now) {
			delete(st.sessions, id)
			count++
		}
	}
	return count
}

func (st *Store) expired(s *Session, now time.Time) bool {
	return now.Sub(s.LastActivity()) > st.ttl
}
