package tradepost

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// gqlServer is a scripted GraphQL endpoint: it records every request and
// answers from a queue of canned responses.
type gqlServer struct {
	mu        sync.Mutex
	requests  []gqlRequest
	headers   []http.Header
	responses []string
	status    int
}

func newGQLServer(responses ...string) (*gqlServer, *httptest.Server) {
	gs := &gqlServer{responses: responses, status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		json.NewDecoder(r.Body).Decode(&req)

		gs.mu.Lock()
		gs.requests = append(gs.requests, req)
		gs.headers = append(gs.headers, r.Header.Clone())
		resp := `{"data":null}`
		if len(gs.responses) > 0 {
			resp = gs.responses[0]
			gs.responses = gs.responses[1:]
		}
		status := gs.status
		gs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(resp))
	}))
	return gs, srv
}

func (gs *gqlServer) lastRequest() gqlRequest {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.requests[len(gs.requests)-1]
}

func (gs *gqlServer) lastHeader() http.Header {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.headers[len(gs.headers)-1]
}

func TestMessagesQuery(t *testing.T) {
	gs, srv := newGQLServer(`{"data":{"myMessages":[
		{"id":"m1","senderId":"u2","receiverId":"u1","listingId":"l1","body":"hi","isRead":false,"createdAt":"2026-03-01T09:00:00Z"},
		{"id":"m2","senderId":"u1","receiverId":"u2","listingId":"l1","body":"hey","isRead":true,"createdAt":"2026-03-01T09:01:00Z"}
	]}}`)
	defer srv.Close()

	client := NewClient("u1",
		WithBaseURL(srv.URL),
		WithTokenSource(StaticToken("jwt-abc")))

	msgs, err := client.Messages(context.Background())
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].SenderID != "u2" || msgs[0].IsRead {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}

	if got := gs.lastHeader().Get("Authorization"); got != "Bearer jwt-abc" {
		t.Fatalf("Authorization = %q", got)
	}
}

func TestSendMessageCarriesMutationID(t *testing.T) {
	gs, srv := newGQLServer(`{"data":{"sendMessage":{"message":
		{"id":"m9","senderId":"u1","receiverId":"u2","listingId":"l1","body":"offer?","isRead":false,"createdAt":"2026-03-01T09:05:00Z"}
	}}}`)
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	msg, err := client.SendMessage(context.Background(), "u2", "l1", "offer?")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID != "m9" {
		t.Fatalf("expected server-assigned id m9, got %s", msg.ID)
	}

	vars := gs.lastRequest().Variables
	if vars["receiverId"] != "u2" || vars["listingId"] != "l1" || vars["body"] != "offer?" {
		t.Fatalf("unexpected variables: %v", vars)
	}
	if id, _ := vars["clientMutationId"].(string); id == "" {
		t.Fatal("expected a clientMutationId on every send")
	}
}

func TestMarkMessageRead(t *testing.T) {
	gs, srv := newGQLServer(`{"data":{"markMessageRead":{"message":
		{"id":"m1","senderId":"u2","receiverId":"u1","listingId":"l1","body":"hi","isRead":true,"createdAt":"2026-03-01T09:00:00Z"}
	}}}`)
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	msg, err := client.MarkMessageRead(context.Background(), "m1")
	if err != nil {
		t.Fatalf("MarkMessageRead: %v", err)
	}
	if !msg.IsRead {
		t.Fatal("expected confirmed isRead=true")
	}
	if got := gs.lastRequest().Variables["id"]; got != "m1" {
		t.Fatalf("variables id = %v", got)
	}
}

func TestGraphQLErrorsSurfaceAsAPIError(t *testing.T) {
	_, srv := newGQLServer(`{"data":null,"errors":[{"message":"listing not found"}]}`)
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), "u2", "missing", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "listing not found" {
		t.Fatalf("unexpected message: %s", apiErr.Message)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	gs, srv := newGQLServer()
	gs.status = http.StatusBadGateway
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	if _, err := client.Messages(context.Background()); err == nil {
		t.Fatal("expected error on HTTP 502")
	}
}

func TestEmptyMutationResult(t *testing.T) {
	_, srv := newGQLServer(`{"data":{"sendMessage":{"message":null}}}`)
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), "u2", "l1", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "EMPTY_RESULT" {
		t.Fatalf("expected EMPTY_RESULT, got %v", err)
	}
}

func TestRealtimeFactoryInheritsClientDefaults(t *testing.T) {
	client := NewClient("u7",
		WithBaseURL("https://tradepost.test"),
		WithTokenSource(StaticToken("tok")))

	rc, err := client.Realtime(RealtimeConfig{Transport: &fakeTransport{}, Clock: newFakeClock()})
	if err != nil {
		t.Fatalf("Realtime: %v", err)
	}
	want := "wss://tradepost.test/ws/notifications/u7/?token=tok"
	if got := rc.socketURL(); got != want {
		t.Fatalf("socketURL = %q, want %q", got, want)
	}
}

func TestFileTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  tok-1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ts := FileTokenSource{Path: path}
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("expected trimmed token, got %q", tok)
	}

	// Refreshed on every lookup.
	os.WriteFile(path, []byte("tok-2"), 0o600)
	tok, _ = ts.Token()
	if tok != "tok-2" {
		t.Fatalf("expected refreshed token, got %q", tok)
	}

	if _, err := (FileTokenSource{Path: filepath.Join(t.TempDir(), "missing")}).Token(); err == nil {
		t.Fatal("expected error for missing token file")
	}
}
