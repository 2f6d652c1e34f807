package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/extractor"
)

func source(id string) *compressor.SourceImage {
	return &compressor.SourceImage{ID: id, MIMEType: "image/png"}
}

func TestStore_CreateGet(t *testing.T) {
	store := NewStore(time.Hour)
	s := store.Create()
	if s.ID == "" {
		t.Fatal("Create() returned empty ID")
	}

	got, err := store.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != s {
		t.Error("Get() returned a different session")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestStore_GetUnknown(t *testing.T) {
	store := NewStore(time.Hour)
	if _, err := store.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_Expiry(t *testing.T) {
	store := NewStore(10 * time.Millisecond)
	s := store.Create()

	time.Sleep(20 * time.Millisecond)

	if _, err := store.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
	if n := store.CleanupExpired(); n != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", n)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
}

func TestStore_Delete(t *testing.T) {
	store := NewStore(time.Hour)
	s := store.Create()
	store.Delete(s.ID)
	if _, err := store.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSession_BeginWithoutSource(t *testing.T) {
	s := NewStore(time.Hour).Create()
	if _, _, err := s.Begin(); !errors.Is(err, compressor.ErrNoSource) {
		t.Errorf("Begin() error = %v, want ErrNoSource", err)
	}
}

func TestSession_LastWriterWins(t *testing.T) {
	s := NewStore(time.Hour).Create()
	s.SetSource(source("a"), &extractor.Metadata{}, nil)

	older, _, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	newer, _, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	if err := s.Commit(newer, &compressor.EncodedResult{SourceID: "a", Size: 2}); err != nil {
		t.Fatalf("Commit(newer) error = %v", err)
	}
	if err := s.Commit(older, &compressor.EncodedResult{SourceID: "a", Size: 1}); !errors.Is(err, ErrStaleResult) {
		t.Errorf("Commit(older) error = %v, want ErrStaleResult", err)
	}
	if got := s.Result(); got == nil || got.Size != 2 {
		t.Errorf("Result() = %+v, want the newer result", got)
	}
}

func TestSession_ResultForReplacedSourceDiscarded(t *testing.T) {
	s := NewStore(time.Hour).Create()
	s.SetSource(source("a"), nil, nil)

	tok, src, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if src.ID != "a" {
		t.Fatalf("Begin() source = %q, want a", src.ID)
	}

	s.SetSource(source("b"), nil, nil)
	if s.Result() != nil {
		t.Error("SetSource() kept the previous result")
	}

	if err := s.Commit(tok, &compressor.EncodedResult{SourceID: "a"}); !errors.Is(err, ErrStaleResult) {
		t.Errorf("Commit() error = %v, want ErrStaleResult", err)
	}
	if s.Result() != nil {
		t.Error("result for replaced source was stored")
	}
	if s.Source().ID != "b" {
		t.Errorf("Source() = %q, want b", s.Source().ID)
	}
}

func TestSession_ConcurrentCommits(t *testing.T) {
	s := NewStore(time.Hour).Create()
	s.SetSource(source("a"), nil, nil)

	const n = 32
	tokens := make([]Token, n)
	for i := range tokens {
		tok, _, err := s.Begin()
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		tokens[i] = tok
	}

	var wg sync.WaitGroup
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Commit(tokens[i], &compressor.EncodedResult{SourceID: "a", Size: int64(i)})
		}(i)
	}
	wg.Wait()

	if err := s.Commit(tokens[n-1], &compressor.EncodedResult{SourceID: "a"}); !errors.Is(err, ErrStaleResult) {
		t.Errorf("re-Commit() error = %v, want ErrStaleResult", err)
	}

	// Whatever the completion order, the last issued token wins.
	if got := s.Result(); got == nil || got.Size != n-1 {
		t.Errorf("Result() = %+v, want size %d", got, n-1)
	}
}

func TestStore_GetKeepsSessionAlive(t *testing.T) {
	store := NewStore(80 * time.Millisecond)
	s := store.Create()

	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond)
		if _, err := store.Get(s.ID); err != nil {
			t.Fatalf("Get() after %d reads error = %v", i, err)
		}
	}
	if n := store.CleanupExpired(); n != 0 {
		t.Errorf("CleanupExpired() = %d, want 0", n)
	}
}

func TestSession_SetSourceWithResult(t *testing.T) {
	s := NewStore(time.Hour).Create()
	s.SetSource(source("a"), nil, nil)
	inflight, _, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	res := &compressor.EncodedResult{SourceID: "b", Size: 7}
	if err := s.SetSource(source("b"), nil, res); err != nil {
		t.Fatalf("SetSource() error = %v", err)
	}
	if s.Result() != res {
		t.Error("SetSource() did not install the result")
	}
	if err := s.Commit(inflight, &compressor.EncodedResult{SourceID: "a"}); !errors.Is(err, ErrStaleResult) {
		t.Errorf("Commit() for previous source error = %v, want ErrStaleResult", err)
	}

	next, _, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := s.Commit(next, &compressor.EncodedResult{SourceID: "b", Size: 3}); err != nil {
		t.Errorf("Commit() after SetSource error = %v", err)
	}
}

func TestSession_SetSourceRejectsForeignResult(t *testing.T) {
	s := NewStore(time.Hour).Create()
	s.SetSource(source("a"), nil, nil)

	if err := s.SetSource(source("b"), nil, &compressor.EncodedResult{SourceID: "a"}); !errors.Is(err, ErrStaleResult) {
		t.Errorf("SetSource() error = %v, want ErrStaleResult", err)
	}
	if s.Source().ID != "a" {
		t.Errorf("Source() = %q, want a kept", s.Source().ID)
	}
}
