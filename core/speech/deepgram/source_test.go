package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

type speakServer struct {
	t       *testing.T
	reply   func(conn *websocket.Conn)
	texts   chan string
	queries chan string
	auth    chan string
}

func newSpeakServer(t *testing.T, reply func(conn *websocket.Conn)) (*speakServer, string) {
	t.Helper()
	s := &speakServer{t: t, reply: reply, texts: make(chan string, 1), queries: make(chan string, 1), auth: make(chan string, 1)}

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.queries <- r.URL.RawQuery
		s.auth <- r.Header.Get("Authorization")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var speak speakMessage
		if err := conn.ReadJSON(&speak); err != nil || speak.Type != "Speak" {
			return
		}
		s.texts <- speak.Text

		var flush speakMessage
		if err := conn.ReadJSON(&flush); err != nil || flush.Type != "Flush" {
			return
		}
		s.reply(conn)
	}))
	t.Cleanup(server.Close)

	return s, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestDownloadCollectsAudioUntilFlushed(t *testing.T) {
	server, endpoint := newSpeakServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, []byte("aud"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte("io"))
		conn.WriteJSON(serverMessage{Type: "Flushed"})
		var closing speakMessage
		conn.ReadJSON(&closing)
	})

	source, err := NewSource(WithAPIKey("secret"), WithEndpoint(endpoint), WithVoice("aura-2-luna-en"))
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	audio, err := source.Download(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if string(audio) != "audio" {
		t.Fatalf("expected concatenated audio, got %q", audio)
	}
	if text := <-server.texts; text != "hello" {
		t.Fatalf("expected text to be sent, got %q", text)
	}
	if auth := <-server.auth; auth != "token secret" {
		t.Fatalf("unexpected authorization header %q", auth)
	}
	query := <-server.queries
	for _, expected := range []string{"model=aura-2-luna-en", "encoding=linear16", "sample_rate=24000", "container=none"} {
		if !strings.Contains(query, expected) {
			t.Fatalf("expected query %q to contain %q", query, expected)
		}
	}
}

func TestDownloadReportsServerErrors(t *testing.T) {
	_, endpoint := newSpeakServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(serverMessage{Type: "Error", Description: "unknown voice"})
	})

	source, err := NewSource(WithAPIKey("secret"), WithEndpoint(endpoint))
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if _, err := source.Download(context.Background(), "hello"); err == nil || !strings.Contains(err.Error(), "unknown voice") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestDownloadStopsWithContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	_, endpoint := newSpeakServer(t, func(*websocket.Conn) { <-release })

	source, err := NewSource(WithAPIKey("secret"), WithEndpoint(endpoint))
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := source.Download(ctx, "hello")
		done <- err
	}()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestNewSourceRequiresAPIKey(t *testing.T) {
	t.Setenv(apiKeyEnv, "")

	if _, err := NewSource(); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}
