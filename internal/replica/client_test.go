package replica

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/internal/documents/file-1/text" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-coedit-sync-token") != "secret" {
			t.Errorf("missing sync token header")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "hello", "synced": true})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", "secret")
	text, synced, err := client.Text(context.Background(), "file-1")
	if err != nil {
		t.Fatalf("Text() error = %v", err)
	}
	if text != "hello" || !synced {
		t.Fatalf("Text() = %q, %v", text, synced)
	}
}

func TestHTTPClientReplace(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		var payload struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		got = payload.Text
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := NewHTTPClient(server.URL, "").Replace(context.Background(), "file-1", "restored"); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if got != "restored" {
		t.Fatalf("server received %q", got)
	}
}

func TestHTTPClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "")
	if _, _, err := client.Text(context.Background(), "file-1"); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport from Text() on 502, got %v", err)
	}
	if err := client.Replace(context.Background(), "file-1", "x"); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport from Replace() on 502, got %v", err)
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	if _, _, err := NewHTTPClient(url, "").Text(context.Background(), "file-1"); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport for closed server, got %v", err)
	}
}
