package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSerializerClosed = errors.New("speech serializer closed")
	// ErrAudioUnavailable is returned for a request whose prefetched audio
	// could not be played and no speaker is configured to fall back to.
	ErrAudioUnavailable = errors.New("prefetched audio unavailable")
	ErrEmptyAudio       = errors.New("downloaded audio is empty")
	ErrTimeout          = errors.New("speech call timed out")

	errNoAudioPlayer = errors.New("no audio player configured")
)

const requestQueueCapacity = 64

// Speaker starts speaking text on an external TTS engine. It returns once
// playback has been handed off, not when it has finished.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

type SpeakerFunc func(ctx context.Context, text string) error

func (f SpeakerFunc) Speak(ctx context.Context, text string) error { return f(ctx, text) }

// CompletionWaiter blocks until external playback is done. playback.Detector
// implements it.
type CompletionWaiter interface {
	WaitForCompletion(ctx context.Context, timeout time.Duration) bool
}

// ActionFunc runs the animation or bubble that accompanies a spoken line.
type ActionFunc func(ctx context.Context, text, actionContent string) error

// AudioPlayerFunc plays downloaded audio together with its bubble and
// returns how long the audio lasts.
type AudioPlayerFunc func(ctx context.Context, text, actionContent string, audio []byte) (time.Duration, error)

// Request is one spoken line owned by the serializer until its future is
// resolved.
type Request struct {
	ID            string
	Text          string
	ActionContent string
	EnqueuedAt    time.Time

	ctx    context.Context
	future *Future

	audio           *Handle
	onFallback      func(error)
	estimate        time.Duration
	downloadTimeout time.Duration
	speakTimeout    time.Duration
}

type RequestOption func(*Request)

// WithPrefetchedAudio plays audio from handle instead of the speaker. When
// the audio cannot be played the request falls back to the speaker.
func WithPrefetchedAudio(handle *Handle) RequestOption {
	return func(r *Request) { r.audio = handle }
}

// WithFallbackNotifier is called when prefetched audio failed and the
// request moves on to the speaker.
func WithFallbackNotifier(notify func(err error)) RequestOption {
	return func(r *Request) { r.onFallback = notify }
}

// WithEstimatedDuration is waited after speaking when no completion waiter
// can tell when playback ends.
func WithEstimatedDuration(d time.Duration) RequestOption {
	return func(r *Request) { r.estimate = d }
}

// WithDownloadTimeout bounds the wait for prefetched audio. Zero waits as
// long as the request context allows.
func WithDownloadTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.downloadTimeout = d }
}

// WithSpeakTimeout bounds each call into the speaker, the action and the
// audio player.
func WithSpeakTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.speakTimeout = d }
}

// Future resolves once the request has been fully processed.
type Future struct {
	done chan struct{}
	ok   bool
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(ok bool, err error) *Future {
	f := newFuture()
	f.resolve(ok, err)
	return f
}

func (f *Future) resolve(ok bool, err error) {
	f.ok, f.err = ok, err
	close(f.done)
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Wait returns whether playback completed. The error is set when the
// request failed; a playback that hit the safety ceiling reports false
// without an error.
func (f *Future) Wait(ctx context.Context) (bool, error) {
	select {
	case <-f.done:
		return f.ok, f.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Serializer guarantees at most one spoken line plays at a time. Requests
// are processed in FIFO order by a single background worker.
type Serializer struct {
	speaker Speaker
	action  ActionFunc
	player  AudioPlayerFunc
	waiter  CompletionWaiter
	tracker *Tracker
	clock   clockwork.Clock
	timeout time.Duration

	queue   chan *Request
	closeCh chan struct{}
	done    chan struct{}

	startOnce sync.Once
	endOnce   sync.Once
	started   atomic.Bool

	current atomic.Pointer[Request]
}

type SerializerOption func(*Serializer)

func WithAction(action ActionFunc) SerializerOption {
	return func(s *Serializer) { s.action = action }
}

func WithAudioPlayer(player AudioPlayerFunc) SerializerOption {
	return func(s *Serializer) { s.player = player }
}

func WithCompletionWaiter(waiter CompletionWaiter) SerializerOption {
	return func(s *Serializer) { s.waiter = waiter }
}

func WithTracker(tracker *Tracker) SerializerOption {
	return func(s *Serializer) { s.tracker = tracker }
}

func WithSerializerClock(clock clockwork.Clock) SerializerOption {
	return func(s *Serializer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPlaybackTimeout bounds each completion wait. Zero leaves the waiter's
// own ceiling in charge.
func WithPlaybackTimeout(timeout time.Duration) SerializerOption {
	return func(s *Serializer) { s.timeout = timeout }
}

// NewSerializer returns a serializer for speaker. speaker may be nil when
// every line arrives with prefetched audio.
func NewSerializer(speaker Speaker, opts ...SerializerOption) *Serializer {
	s := &Serializer{
		speaker: speaker,
		clock:   clockwork.NewRealClock(),
		queue:   make(chan *Request, requestQueueCapacity),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracker == nil {
		s.tracker = NewTracker(s.clock)
	}
	return s
}

// ProcessRequest enqueues a spoken line and returns its completion future.
func (s *Serializer) ProcessRequest(ctx context.Context, text, actionContent string, opts ...RequestOption) *Future {
	if s == nil || !s.canIngest() {
		return resolvedFuture(false, ErrSerializerClosed)
	}
	s.start()

	request := &Request{
		ID:            uuid.NewString(),
		Text:          text,
		ActionContent: actionContent,
		EnqueuedAt:    s.clock.Now(),
		ctx:           ctx,
		future:        newFuture(),
	}
	for _, opt := range opts {
		opt(request)
	}

	select {
	case <-s.closeCh:
		return resolvedFuture(false, ErrSerializerClosed)
	case <-ctx.Done():
		return resolvedFuture(false, ctx.Err())
	case s.queue <- request:
		return request.future
	}
}

// Current returns the request being processed, if any.
func (s *Serializer) Current() (Request, bool) {
	if s == nil {
		return Request{}, false
	}
	if current := s.current.Load(); current != nil {
		return *current, true
	}
	return Request{}, false
}

func (s *Serializer) Tracker() *Tracker {
	if s == nil {
		return nil
	}
	return s.tracker
}

// Close stops the worker after the current request. Queued requests are
// resolved with ErrSerializerClosed.
func (s *Serializer) Close() {
	if s == nil {
		return
	}

	s.endOnce.Do(func() { close(s.closeCh) })
	if s.started.Load() {
		<-s.done
	}
	for {
		select {
		case request := <-s.queue:
			request.future.resolve(false, ErrSerializerClosed)
		default:
			return
		}
	}
}

func (s *Serializer) canIngest() bool {
	select {
	case <-s.closeCh:
		return false
	default:
		return true
	}
}

func (s *Serializer) start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go func() {
			defer close(s.done)

			for {
				select {
				case <-s.closeCh:
					return
				case request := <-s.queue:
					s.process(request)
				}
			}
		}()
	})
}

func (s *Serializer) process(request *Request) {
	s.current.Store(request)
	defer s.current.Store(nil)

	ctx, span := tracer.Start(request.ctx, "process tts request")
	defer span.End()

	queuedTime := s.clock.Since(request.EnqueuedAt).Seconds()
	span.AddEvent("taken out of queue", trace.WithAttributes(attribute.Float64("tts_request.queued_time", queuedTime)))
	span.SetAttributes(
		attribute.String("tts_request.id", request.ID),
		attribute.Int("tts_request.text_length", len(request.Text)),
		attribute.Bool("tts_request.prefetched", request.audio != nil),
	)

	s.tracker.Start(request.ID)
	started := s.clock.Now()

	ok, err := s.run(ctx, request)
	ttsRequestDurationMS.Observe(float64(s.clock.Since(started).Milliseconds()))

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "tts request failed", "id", request.ID, "error", err)
		s.tracker.Fail(request.ID, err)
		ttsRequestsTotal.WithLabelValues("failed").Inc()
	case !ok:
		span.SetStatus(codes.Error, "playback did not complete")
		s.tracker.Fail(request.ID, errPlaybackIncomplete)
		ttsRequestsTotal.WithLabelValues("incomplete").Inc()
	default:
		s.tracker.Complete(request.ID)
		ttsRequestsTotal.WithLabelValues("completed").Inc()
	}

	request.future.resolve(ok, err)
}

var errPlaybackIncomplete = errors.New("playback did not complete")

// run plays the request's audio or speaks it, then waits for playback.
// Panics are converted to errors so the worker loop survives them.
func (s *Serializer) run(ctx context.Context, request *Request) (ok bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			ok, err = false, fmt.Errorf("tts request panicked: %v", recovered)
		}
	}()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	if request.audio != nil {
		err := s.playAudio(ctx, request)
		switch {
		case err == nil:
			return true, nil
		case ctx.Err() != nil:
			return false, ctx.Err()
		case s.speaker == nil:
			return false, fmt.Errorf("%w: %w", ErrAudioUnavailable, err)
		}
		logger.WarnContext(ctx, "prefetched audio failed, using speaker", "id", request.ID, "error", err)
		if request.onFallback != nil {
			request.onFallback(err)
		}
	}

	return s.speak(ctx, request)
}

func (s *Serializer) speak(ctx context.Context, request *Request) (bool, error) {
	if s.speaker != nil {
		_, err := callBounded(ctx, s.clock, request.speakTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.speaker.Speak(ctx, request.Text)
		})
		if err != nil {
			return false, fmt.Errorf("failed to speak: %w", err)
		}
	}
	if s.action != nil {
		_, err := callBounded(ctx, s.clock, request.speakTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.action(ctx, request.Text, request.ActionContent)
		})
		if err != nil {
			return false, fmt.Errorf("failed to run speech action: %w", err)
		}
	}
	if s.waiter == nil {
		return true, sleepContext(ctx, s.clock, request.estimate)
	}
	return s.waiter.WaitForCompletion(ctx, s.timeout), nil
}

// playAudio waits for the prefetched audio, plays it and holds the worker
// until the audio has finished.
func (s *Serializer) playAudio(ctx context.Context, request *Request) error {
	audio, err := s.awaitAudio(ctx, request)
	switch {
	case err != nil:
		return err
	case len(audio) == 0:
		return ErrEmptyAudio
	case s.player == nil:
		return errNoAudioPlayer
	}

	hint, err := callBounded(ctx, s.clock, request.speakTimeout, func(ctx context.Context) (time.Duration, error) {
		return s.player(ctx, request.Text, request.ActionContent, audio)
	})
	if err != nil {
		return fmt.Errorf("failed to play audio: %w", err)
	}
	return sleepContext(ctx, s.clock, hint)
}

func (s *Serializer) awaitAudio(ctx context.Context, request *Request) ([]byte, error) {
	if request.downloadTimeout <= 0 {
		return request.audio.Wait(ctx)
	}

	timer := s.clock.NewTimer(request.downloadTimeout)
	defer timer.Stop()

	select {
	case <-request.audio.Done():
		return request.audio.audio, request.audio.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.Chan():
		return nil, fmt.Errorf("%w: audio not downloaded within %s", ErrTimeout, request.downloadTimeout)
	}
}

// callBounded runs fn and gives up after timeout. A call that ignores its
// context keeps running in the background; its result is discarded.
func callBounded[T any](ctx context.Context, clock clockwork.Clock, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	results := make(chan result, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				results <- result{err: fmt.Errorf("speech call panicked: %v", recovered)}
			}
		}()
		value, err := fn(ctx)
		results <- result{value: value, err: err}
	}()

	timer := clock.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-results:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.Chan():
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

func sleepContext(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
