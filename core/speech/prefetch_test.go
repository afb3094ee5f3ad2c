package speech

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type sourceRecorder struct {
	mu        sync.Mutex
	calls     map[string]int
	active    atomic.Int32
	maxActive atomic.Int32
	release   chan struct{}
	fail      map[string]bool
}

func newSourceRecorder() *sourceRecorder {
	return &sourceRecorder{calls: make(map[string]int), fail: make(map[string]bool)}
}

func (s *sourceRecorder) Download(_ context.Context, text string) ([]byte, error) {
	active := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		current := s.maxActive.Load()
		if active <= current || s.maxActive.CompareAndSwap(current, active) {
			break
		}
	}

	s.mu.Lock()
	s.calls[text]++
	fail := s.fail[text]
	s.mu.Unlock()

	if s.release != nil {
		<-s.release
	}
	if fail {
		return nil, errors.New("synthesis failed")
	}
	return []byte("audio:" + text), nil
}

func (s *sourceRecorder) callCount(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[text]
}

func waitAll(t *testing.T, handles []*Handle) {
	t.Helper()
	for _, handle := range handles {
		handle.Wait(context.Background())
	}
}

func TestCacheTakeConsumesOnce(t *testing.T) {
	source := newSourceRecorder()
	cache := NewCache(source)
	ctx := context.Background()

	handle := cache.Prefetch(ctx, "hello")
	if again := cache.Prefetch(ctx, "hello"); again != handle {
		t.Fatalf("expected identical text to share a handle")
	}

	taken, ok := cache.Take("hello")
	if !ok || taken != handle {
		t.Fatalf("expected to take the prefetched handle")
	}
	if _, ok := cache.Take("hello"); ok {
		t.Fatalf("expected handle to be consumed")
	}

	audio, err := taken.Wait(ctx)
	if err != nil || string(audio) != "audio:hello" {
		t.Fatalf("unexpected audio %q %v", audio, err)
	}
}

func TestCacheFetchSharesInFlightDownload(t *testing.T) {
	source := newSourceRecorder()
	source.release = make(chan struct{})
	cache := NewCache(source)
	ctx := context.Background()

	handle := cache.Prefetch(ctx, "shared")
	for source.active.Load() == 0 {
		runtime.Gosched()
	}

	fetched := make(chan []byte, 1)
	go func() {
		audio, _ := cache.Fetch(ctx, "shared")
		fetched <- audio
	}()
	close(source.release)

	if audio := <-fetched; string(audio) != "audio:shared" {
		t.Fatalf("unexpected fetched audio %q", audio)
	}
	handle.Wait(ctx)
	if calls := source.callCount("shared"); calls > 2 {
		t.Fatalf("expected downloads to be shared, got %d calls", calls)
	}
}

func TestCachePipelinedRunsOneAtATime(t *testing.T) {
	source := newSourceRecorder()
	source.fail["two"] = true
	cache := NewCache(source)

	handles := cache.PrefetchPipelined(context.Background(), []string{"one", "two", "three"})
	waitAll(t, handles)

	if source.maxActive.Load() != 1 {
		t.Fatalf("expected pipelined downloads to run one at a time, max was %d", source.maxActive.Load())
	}
	if _, err := handles[1].Wait(context.Background()); err == nil {
		t.Fatalf("expected failed download to be reported on its handle")
	}
	if audio, err := handles[2].Wait(context.Background()); err != nil || string(audio) != "audio:three" {
		t.Fatalf("expected pipeline to continue after a failure, got %q %v", audio, err)
	}
}

func TestCachePrefetchAfterWaitsForPreviousBatch(t *testing.T) {
	source := newSourceRecorder()
	source.release = make(chan struct{})
	cache := NewCache(source)
	ctx := context.Background()

	first := cache.PrefetchAfter(ctx, nil, []string{"first"})
	second := cache.PrefetchAfter(ctx, first[0], []string{"second"})

	for source.callCount("first") == 0 {
		runtime.Gosched()
	}
	if source.callCount("second") != 0 {
		t.Fatalf("expected second batch to wait for the first download")
	}

	close(source.release)
	waitAll(t, append(first, second...))

	if source.maxActive.Load() != 1 {
		t.Fatalf("expected chained batches to download one at a time, max was %d", source.maxActive.Load())
	}
}

func TestCachePrefetchAllRespectsLimit(t *testing.T) {
	source := newSourceRecorder()
	cache := NewCache(source)

	handles := cache.PrefetchAll(context.Background(), []string{"a", "b", "c", "d", "e"}, 2)
	waitAll(t, handles)

	if source.maxActive.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent downloads, got %d", source.maxActive.Load())
	}
	if cache.Len() != 5 {
		t.Fatalf("expected all handles cached, got %d", cache.Len())
	}
}

func TestCacheWithoutSource(t *testing.T) {
	cache := NewCache(nil)

	_, err := cache.Prefetch(context.Background(), "x").Wait(context.Background())

	if !errors.Is(err, ErrNoAudioSource) {
		t.Fatalf("expected ErrNoAudioSource, got %v", err)
	}
}

func TestCacheFetchTimeoutUnblocksPipeline(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	source := AudioSourceFunc(func(_ context.Context, text string) ([]byte, error) {
		if text == "hang" {
			<-stuck
		}
		return []byte("audio:" + text), nil
	})
	cache := NewCache(source, WithFetchTimeout(20*time.Millisecond))

	handles := cache.PrefetchPipelined(context.Background(), []string{"hang", "next"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := handles[0].Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the hung download to time out, got %v", err)
	}
	audio, err := handles[1].Wait(ctx)
	if err != nil || string(audio) != "audio:next" {
		t.Fatalf("expected the pipeline to continue after a timeout, got %q, %v", audio, err)
	}
}
