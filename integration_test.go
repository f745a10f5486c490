//go:build integration

package tradepost_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	tradepost "github.com/tradepost-im/tradepost-go"
)

// helpers ---------------------------------------------------------------

func testUserID(t *testing.T) string {
	t.Helper()
	id := os.Getenv("TRADEPOST_USER_ID_TEST")
	if id == "" {
		t.Fatal("TRADEPOST_USER_ID_TEST environment variable is required")
	}
	return id
}

func testToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("TRADEPOST_TOKEN_TEST")
	if token == "" {
		t.Fatal("TRADEPOST_TOKEN_TEST environment variable is required")
	}
	return token
}

func testBaseURL() string {
	if v := os.Getenv("TRADEPOST_BASE_URL_TEST"); v != "" {
		return v
	}
	return "http://localhost:8000"
}

func newLiveClient(t *testing.T) *tradepost.Client {
	t.Helper()
	return tradepost.NewClient(testUserID(t),
		tradepost.WithBaseURL(testBaseURL()),
		tradepost.WithTokenSource(tradepost.StaticToken(testToken(t))))
}

// =======================================================================
// Group 1: GraphQL messaging API
// =======================================================================

func TestIntegration_Messages_Poll(t *testing.T) {
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msgs, err := client.Messages(ctx)
	if err != nil {
		t.Fatalf("Messages returned error: %v", err)
	}
	t.Logf("poll returned %d messages", len(msgs))

	inbox := client.NewInbox()
	inbox.MergePoll(msgs)
	if inbox.Len() != len(countDistinct(msgs)) {
		t.Errorf("expected inbox to hold one entry per distinct id")
	}
	for _, conv := range inbox.Conversations() {
		t.Logf("conversation %s/%s: %d messages, %d unread",
			conv.Key.OtherUserID, conv.Key.ListingID, len(conv.Messages), conv.UnreadCount)
	}
}

func countDistinct(msgs []tradepost.Message) map[string]bool {
	set := make(map[string]bool)
	for _, m := range msgs {
		set[m.ID] = true
	}
	return set
}

func TestIntegration_SendAndMarkRead(t *testing.T) {
	receiver := os.Getenv("TRADEPOST_RECEIVER_ID_TEST")
	listing := os.Getenv("TRADEPOST_LISTING_ID_TEST")
	if receiver == "" || listing == "" {
		t.Skip("TRADEPOST_RECEIVER_ID_TEST and TRADEPOST_LISTING_ID_TEST required")
	}

	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg, err := client.SendMessage(ctx, receiver, listing, "integration test message")
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if msg.ID == "" {
		t.Fatal("expected server-assigned message id")
	}
	t.Logf("sent message %s", msg.ID)
}

// =======================================================================
// Group 2: Notification socket
// =======================================================================

func TestIntegration_Realtime_ConnectAndDisconnect(t *testing.T) {
	client := newLiveClient(t)

	var mu sync.Mutex
	var states []tradepost.ConnectionState

	rt, err := client.Realtime(tradepost.RealtimeConfig{})
	if err != nil {
		t.Fatalf("Realtime: %v", err)
	}
	rt.OnStateChange(func(s tradepost.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rt.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if got := rt.State(); got != tradepost.StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}

	// Hold the socket open long enough for at least one ping round trip.
	time.Sleep(40 * time.Second)
	if got := rt.State(); got != tradepost.StateConnected {
		t.Fatalf("state after heartbeat window = %s, want connected", got)
	}

	if err := rt.Disconnect(); err != nil {
		t.Fatalf("Disconnect returned error: %v", err)
	}
	mu.Lock()
	t.Logf("state transitions: %v", states)
	mu.Unlock()
}

func TestIntegration_Realtime_OnlineUsers(t *testing.T) {
	client := newLiveClient(t)

	got := make(chan tradepost.OnlineUsersList, 1)
	rt, err := client.Realtime(tradepost.RealtimeConfig{})
	if err != nil {
		t.Fatalf("Realtime: %v", err)
	}
	rt.OnOnlineUsersList(func(l tradepost.OnlineUsersList) {
		select {
		case got <- l:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rt.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer rt.Disconnect()

	if err := rt.RequestOnlineUsers(ctx); err != nil {
		t.Fatalf("RequestOnlineUsers returned error: %v", err)
	}
	select {
	case list := <-got:
		t.Logf("%d users online", list.Count)
	case <-time.After(15 * time.Second):
		t.Fatal("no online_users_list frame received")
	}
}
