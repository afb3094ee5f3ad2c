// Package deepgram downloads synthesized speech from Deepgram's streaming
// speak API, one utterance per connection.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultVoice    = "aura-2-thalia-en"
	defaultEndpoint = "wss://api.deepgram.com/v1/speak"
	apiKeyEnv       = "DEEPGRAM_API_KEY"
)

var ErrMissingAPIKey = errors.New("deepgram api key not found")

// Source implements speech.AudioSource.
type Source struct {
	apiKey   string
	voice    string
	encoding Encoding
	endpoint string
	dialer   *websocket.Dialer
}

type Option func(*Source)

// WithAPIKey overrides the DEEPGRAM_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(s *Source) { s.apiKey = key }
}

func WithVoice(voice string) Option {
	return func(s *Source) {
		if voice != "" {
			s.voice = voice
		}
	}
}

func WithEncoding(encoding Encoding) Option {
	return func(s *Source) {
		if !encoding.IsZero() {
			s.encoding = encoding
		}
	}
}

// WithEndpoint points the source at another speak endpoint, e.g. a proxy.
func WithEndpoint(endpoint string) Option {
	return func(s *Source) { s.endpoint = endpoint }
}

func NewSource(opts ...Option) (*Source, error) {
	s := &Source{
		voice:    DefaultVoice,
		encoding: DefaultEncoding(),
		endpoint: defaultEndpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.apiKey == "" {
		s.apiKey = os.Getenv(apiKeyEnv)
	}
	if s.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	return s, nil
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var (
	flushMsg = speakMessage{Type: "Flush"}
	closeMsg = speakMessage{Type: "Close"}
)

type serverMessage struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Download speaks text and returns the raw audio once Deepgram reports the
// flush as done.
func (s *Source) Download(ctx context.Context, text string) (audio []byte, err error) {
	ctx, span := tracer.Start(ctx, "deepgram speak")
	defer span.End()
	span.SetAttributes(
		attribute.String("deepgram.voice", s.voice),
		attribute.Int("deepgram.text_length", len(text)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	conn, _, err := s.dialer.DialContext(ctx, s.url(), http.Header{"Authorization": {"token " + s.apiKey}})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	defer conn.Close()

	// ReadMessage does not take a context.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(speakMessage{Type: "Speak", Text: text}); err != nil {
		return nil, fmt.Errorf("failed to send text: %w", err)
	}
	if err := conn.WriteJSON(flushMsg); err != nil {
		return nil, fmt.Errorf("failed to flush: %w", err)
	}

	var buf bytes.Buffer
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to read from deepgram: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			buf.Write(msg)
		case websocket.TextMessage:
			var parsed serverMessage
			if err := json.Unmarshal(msg, &parsed); err != nil {
				logger.DebugContext(ctx, "ignoring unparsable deepgram message", "error", err)
				continue
			}

			switch parsed.Type {
			case "Flushed":
				if err := conn.WriteJSON(closeMsg); err != nil {
					logger.DebugContext(ctx, "failed to close deepgram stream", "error", err)
				}
				span.SetAttributes(attribute.Int("deepgram.audio_bytes", buf.Len()))
				return buf.Bytes(), nil
			case "Error":
				return nil, fmt.Errorf("deepgram error: %s", parsed.Description)
			case "Warning":
				logger.WarnContext(ctx, "deepgram warning", "description", parsed.Description)
			}
		}
	}
}

func (s *Source) url() string {
	values := url.Values{}
	values.Set("encoding", string(s.encoding.Format))
	values.Set("sample_rate", strconv.Itoa(s.encoding.SampleRate))
	values.Set("model", s.voice)
	values.Set("container", "none")
	return s.endpoint + "?" + values.Encode()
}
