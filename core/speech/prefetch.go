package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrNoAudioSource = errors.New("no audio source configured")

// AudioSource downloads synthesized audio for a line of text.
type AudioSource interface {
	Download(ctx context.Context, text string) ([]byte, error)
}

type AudioSourceFunc func(ctx context.Context, text string) ([]byte, error)

func (f AudioSourceFunc) Download(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

// Handle is a pending or finished download keyed by its exact source text.
type Handle struct {
	Text string

	done  chan struct{}
	audio []byte
	err   error
}

func newHandle(text string) *Handle {
	return &Handle{Text: text, done: make(chan struct{})}
}

func (h *Handle) resolve(audio []byte, err error) {
	h.audio, h.err = audio, err
	close(h.done)
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Ready() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-h.done:
		return h.audio, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cache holds prefetched audio for one orchestrator. Entries are consumed
// exactly once through Take.
type Cache struct {
	source  AudioSource
	group   singleflight.Group
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*Handle
}

type CacheOption func(*Cache)

// WithFetchTimeout bounds every background download. A source that ignores
// its context is abandoned and its handle resolved with the timeout error.
func WithFetchTimeout(timeout time.Duration) CacheOption {
	return func(c *Cache) { c.timeout = timeout }
}

func NewCache(source AudioSource, opts ...CacheOption) *Cache {
	c := &Cache{source: source, entries: make(map[string]*Handle)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch downloads text directly. Concurrent fetches of the same text,
// including an in-flight prefetch, share one download.
func (c *Cache) Fetch(ctx context.Context, text string) ([]byte, error) {
	if c == nil || c.source == nil {
		return nil, ErrNoAudioSource
	}

	ctx, span := tracer.Start(ctx, "download tts audio")
	defer span.End()
	span.SetAttributes(attribute.Int("tts_download.text_length", len(text)))

	result, err, shared := c.group.Do(text, func() (any, error) {
		return c.source.Download(ctx, text)
	})
	span.SetAttributes(attribute.Bool("tts_download.shared", shared))
	if err != nil {
		err = fmt.Errorf("failed to download audio: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ttsDownloadsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	ttsDownloadsTotal.WithLabelValues("completed").Inc()

	audio, _ := result.([]byte)
	return audio, nil
}

// Prefetch starts a background download unless one is already cached for
// the same text.
func (c *Cache) Prefetch(ctx context.Context, text string) *Handle {
	handle, created := c.reserve(text)
	if created {
		go c.download(ctx, handle)
	}
	return handle
}

// PrefetchAll starts every download at once, with at most limit running
// concurrently. A limit of zero or less means no limit.
func (c *Cache) PrefetchAll(ctx context.Context, texts []string, limit int) []*Handle {
	handles := make([]*Handle, len(texts))
	var pending []*Handle
	for i, text := range texts {
		handle, created := c.reserve(text)
		handles[i] = handle
		if created {
			pending = append(pending, handle)
		}
	}

	go func() {
		var g errgroup.Group
		if limit > 0 {
			g.SetLimit(limit)
		}
		for _, handle := range pending {
			g.Go(func() error {
				return c.download(ctx, handle)
			})
		}
		if err := g.Wait(); err != nil {
			logger.WarnContext(ctx, "audio prefetch had failures", "error", err)
		}
	}()

	return handles
}

// PrefetchPipelined downloads one line at a time, starting the next download
// as soon as the previous one finishes.
func (c *Cache) PrefetchPipelined(ctx context.Context, texts []string) []*Handle {
	return c.PrefetchAfter(ctx, nil, texts)
}

// PrefetchAfter continues a pipeline: the first of texts starts downloading
// once prev is done. Streaming replies call it per batch with the last
// handle of the previous batch.
func (c *Cache) PrefetchAfter(ctx context.Context, prev *Handle, texts []string) []*Handle {
	handles := make([]*Handle, len(texts))
	var pending []*Handle
	for i, text := range texts {
		handle, created := c.reserve(text)
		handles[i] = handle
		if created {
			pending = append(pending, handle)
		}
	}
	if len(pending) == 0 {
		return handles
	}

	go func() {
		if prev != nil {
			select {
			case <-prev.Done():
			case <-ctx.Done():
			}
		}

		var errs []error
		for _, handle := range pending {
			if err := c.download(ctx, handle); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			logger.WarnContext(ctx, "audio prefetch had failures", "error", err)
		}
	}()

	return handles
}

// Take removes and returns the handle for text.
func (c *Cache) Take(text string) (*Handle, bool) {
	if c == nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handle, ok := c.entries[text]
	if ok {
		delete(c.entries, text)
	}
	return handle, ok
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry. Downloads already running still resolve their
// handles.
func (c *Cache) Clear() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *Cache) reserve(text string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if handle, ok := c.entries[text]; ok {
		return handle, false
	}
	handle := newHandle(text)
	c.entries[text] = handle
	return handle, true
}

func (c *Cache) download(ctx context.Context, handle *Handle) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	type fetched struct {
		audio []byte
		err   error
	}
	results := make(chan fetched, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				results <- fetched{err: fmt.Errorf("audio download panicked: %v", recovered)}
			}
		}()
		audio, err := c.Fetch(ctx, handle.Text)
		results <- fetched{audio: audio, err: err}
	}()

	var result fetched
	select {
	case result = <-results:
	case <-ctx.Done():
		result.err = fmt.Errorf("failed to download audio: %w", ctx.Err())
	}
	handle.resolve(result.audio, result.err)
	return result.err
}
