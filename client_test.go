package chatkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okEnvelope(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal test data: %v", err)
	}
	json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func errEnvelope(w http.ResponseWriter, code, message string) {
	json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: message}})
}

func TestClientConversations(t *testing.T) {
	t.Run("fetch conversations", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/chat/conversations" || r.Method != "GET" {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("unexpected auth header: %q", got)
			}
			okEnvelope(t, w, []*Conversation{
				{ID: "conv-1", UnreadCount: 2, UpdatedAt: time.Now()},
				{ID: "conv-2"},
			})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		convs, err := c.FetchConversations(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(convs) != 2 || convs[0].ID != "conv-1" || convs[0].UnreadCount != 2 {
			t.Fatalf("unexpected conversations: %+v", convs)
		}
	})

	t.Run("get or create conversation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != "POST" {
				t.Errorf("expected POST, got %s", r.Method)
			}
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["userId"] != "user-7" {
				t.Errorf("unexpected body: %v", body)
			}
			okEnvelope(t, w, &Conversation{ID: "conv-7", Participants: []User{{ID: "user-7"}}})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		conv, err := c.GetOrCreateConversation(context.Background(), "user-7")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if conv.ID != "conv-7" {
			t.Errorf("unexpected conversation: %+v", conv)
		}
	})

	t.Run("error envelope maps to APIError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			errEnvelope(w, "forbidden", "no access")
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		_, err := c.FetchConversations(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
		if apiErr.Code != "forbidden" {
			t.Errorf("unexpected code: %s", apiErr.Code)
		}
	})
}

func TestClientMessages(t *testing.T) {
	t.Run("fetch messages", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/chat/conversations/conv-1/messages" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			okEnvelope(t, w, []*Message{
				{ID: "m1", ConversationID: "conv-1", Type: MessageText, Text: "hi"},
			})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		msgs, err := c.FetchMessages(context.Background(), "conv-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Text != "hi" {
			t.Fatalf("unexpected messages: %+v", msgs)
		}
	})

	t.Run("delete message carries scope", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != "DELETE" || r.URL.Path != "/api/chat/messages/m1" {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}
			if got := r.URL.Query().Get("scope"); got != "everyone" {
				t.Errorf("unexpected scope: %q", got)
			}
			okEnvelope(t, w, map[string]bool{"deleted": true})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		if err := c.DeleteMessage(context.Background(), "m1", DeleteForEveryone); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("mark as read", func(t *testing.T) {
		var called bool
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			if r.Method != "POST" || r.URL.Path != "/api/chat/conversations/conv-1/read" {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}
			okEnvelope(t, w, map[string]bool{"ok": true})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		if err := c.MarkAsRead(context.Background(), "conv-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !called {
			t.Error("expected the endpoint to be hit")
		}
	})

	t.Run("clear conversation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != "DELETE" || r.URL.Path != "/api/chat/conversations/conv-1/messages" {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}
			okEnvelope(t, w, map[string]bool{"ok": true})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		if err := c.ClearConversation(context.Background(), "conv-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestClientUpload(t *testing.T) {
	t.Run("multipart upload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/chat/upload" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("parse multipart: %v", err)
			}
			f, hdr, err := r.FormFile("file")
			if err != nil {
				t.Fatalf("form file: %v", err)
			}
			defer f.Close()
			if hdr.Filename != "scan.png" {
				t.Errorf("unexpected filename: %s", hdr.Filename)
			}
			okEnvelope(t, w, &Upload{
				URL:      "https://cdn.carelink.health/scan.png",
				FileName: "scan.png",
				FileSize: 4,
				MimeType: "image/png",
			})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		up, err := c.Upload(context.Background(), []byte("data"), "scan.png", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if up.URL == "" || up.MimeType != "image/png" {
			t.Errorf("unexpected upload: %+v", up)
		}
	})

	t.Run("missing file name", func(t *testing.T) {
		c := NewClient("tok")
		if _, err := c.Upload(context.Background(), []byte("data"), "", ""); err == nil {
			t.Fatal("expected error for missing file name")
		}
	})
}

func TestGuessMimeType(t *testing.T) {
	cases := map[string]string{
		"photo.png":  "image/png",
		"notes.md":   "text/markdown",
		"doc.pdf":    "application/pdf",
		"noext":      "application/octet-stream",
		"pic.webp":   "image/webp",
		"weird.zzz9": "application/octet-stream",
	}
	for name, want := range cases {
		if got := guessMimeType(name); got != want {
			t.Errorf("guessMimeType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestWSURL(t *testing.T) {
	c := NewClient("tok", WithBaseURL("https://api.carelink.health"))
	if got := c.WSURL("tok"); got != "wss://api.carelink.health/ws/chat?token=tok" {
		t.Errorf("unexpected ws url: %s", got)
	}
	c2 := NewClient("tok", WithBaseURL("http://localhost:8080"))
	if got := c2.WSURL(""); got != "ws://localhost:8080/ws/chat" {
		t.Errorf("unexpected ws url: %s", got)
	}
}
