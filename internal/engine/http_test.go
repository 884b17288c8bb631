package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tanglab/llamabroker/internal/session"
)

func testRequest() Request {
	return Request{
		SystemPrompt: "be brief",
		Turns: []session.Turn{
			{Role: session.RoleUser, Text: "hi", TokenCount: 1},
		},
		MaxTokens: 32,
	}
}

func TestHTTPGeneratorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("missing json content type")
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"total_tokens":7}}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, "", 5*time.Second)
	resp, err := g.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "hello" {
		t.Fatalf("Text = %q, want hello", resp.Text)
	}
	if resp.TokensUsed != 7 {
		t.Fatalf("TokensUsed = %d, want 7", resp.TokensUsed)
	}
}

func TestHTTPGeneratorRetryableStatusIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, "", 5*time.Second)
	_, err := g.Generate(context.Background(), testRequest())
	if !IsTransient(err) {
		t.Fatalf("503 should be transient, got %v", err)
	}
}

func TestHTTPGeneratorBadRequestIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, "", 5*time.Second)
	_, err := g.Generate(context.Background(), testRequest())
	if err == nil || IsTransient(err) {
		t.Fatalf("400 should be terminal, got %v", err)
	}
	var te *TerminalError
	if !errors.As(err, &te) {
		t.Fatalf("error type = %T, want *TerminalError", err)
	}
}

func TestHTTPGeneratorTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	g := NewHTTPGenerator(srv.URL, "", 50*time.Millisecond)
	_, err := g.Generate(context.Background(), testRequest())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

func TestHTTPGeneratorMalformedBodyIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, "", 5*time.Second)
	_, err := g.Generate(context.Background(), testRequest())
	if err == nil || IsTransient(err) {
		t.Fatalf("malformed body should be terminal, got %v", err)
	}
}

func TestMockGeneratorEchoesLastUserTurn(t *testing.T) {
	g := NewMockGenerator()
	resp, err := g.Generate(context.Background(), Request{
		Turns: []session.Turn{
			{Role: session.RoleUser, Text: "ping", TokenCount: 1},
			{Role: session.RoleAssistant, Text: "pong", TokenCount: 1},
			{Role: session.RoleUser, Text: "again", TokenCount: 1},
		},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "I heard you: again" {
		t.Fatalf("Text = %q", resp.Text)
	}
}

func TestFactoryModes(t *testing.T) {
	if _, err := New(Config{Mode: "http"}); err == nil {
		t.Fatalf("http mode without URL should fail")
	}
	g, err := New(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("auto mode error = %v", err)
	}
	if _, ok := g.(*MockGenerator); !ok {
		t.Fatalf("auto without URL should yield mock, got %T", g)
	}
	if _, err := New(Config{Mode: "banana"}); err == nil {
		t.Fatalf("unknown mode should fail")
	}
}
