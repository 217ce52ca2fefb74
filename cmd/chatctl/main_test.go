package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/triplocal/chatsync/client/token"
	"github.com/triplocal/chatsync/protocol"
)

// missLog records requests that landed outside the /api mount.
type missLog struct {
	mu    sync.Mutex
	paths []string
}

func (l *missLog) add(path string) {
	l.mu.Lock()
	l.paths = append(l.paths, path)
	l.mu.Unlock()
}

func (l *missLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

// apiServer mimics the server's route layout: everything REST lives under
// /api, everything else is a 404. Requests reaching a non-/api path are
// recorded so a client built on the wrong base URL is caught.
func apiServer(t *testing.T) (*httptest.Server, *missLog) {
	t.Helper()
	misses := &missLog{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(loginResponse{
			Token: "test-token",
			User:  protocol.User{ID: 1, Name: "Amélie"},
		})
	})
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"conversation": protocol.Conversation{ID: 7, InitiatorID: 1, ResponderID: 2},
			"existed":      false,
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			misses.add(r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})

	return httptest.NewServer(mux), misses
}

func TestAPIClientTargetsAPIMount(t *testing.T) {
	srv, misses := apiServer(t)
	defer srv.Close()

	api := apiClient(srv.URL, token.NewMemStore("test-token"))

	conv, existed, err := api.CreateOrGetConversation(context.Background(), 2)
	if err != nil {
		t.Fatalf("CreateOrGetConversation failed: %v", err)
	}
	if conv.ID != 7 || existed {
		t.Errorf("conversation = (%d, existed=%v), want (7, false)", conv.ID, existed)
	}
	if paths := misses.all(); len(paths) != 0 {
		t.Errorf("requests hit paths outside /api: %v", paths)
	}
}

func TestLoginPostsToAPIMount(t *testing.T) {
	srv, misses := apiServer(t)
	defer srv.Close()

	tok, me, err := login(srv.URL, "amelie", "secret")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if tok != "test-token" || me.ID != 1 {
		t.Errorf("login = (%q, id=%d), want (test-token, 1)", tok, me.ID)
	}
	if paths := misses.all(); len(paths) != 0 {
		t.Errorf("requests hit paths outside /api: %v", paths)
	}
}

func TestWSURL(t *testing.T) {
	cases := []struct {
		server string
		want   string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://chat.example.com", "wss://chat.example.com/ws"},
	}
	for _, c := range cases {
		if got := wsURL(c.server); got != c.want {
			t.Errorf("wsURL(%q) = %q, want %q", c.server, got, c.want)
		}
	}
}
