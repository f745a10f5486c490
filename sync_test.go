package tradepost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncerPollMergesIntoInbox(t *testing.T) {
	_, srv := newGQLServer(
		`{"data":{"myMessages":[
			{"id":"m1","senderId":"u2","receiverId":"u1","listingId":"l1","body":"hi","isRead":false,"createdAt":"2026-03-01T09:00:00Z"}
		]}}`,
		`{"data":{"myMessages":[
			{"id":"m1","senderId":"u2","receiverId":"u1","listingId":"l1","body":"hi","isRead":false,"createdAt":"2026-03-01T09:00:00Z"},
			{"id":"m2","senderId":"u2","receiverId":"u1","listingId":"l1","body":"still there?","isRead":false,"createdAt":"2026-03-01T09:02:00Z"}
		]}}`,
	)
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	inbox := client.NewInbox()
	syncer := NewSyncer(client, inbox, nil)

	require.NoError(t, syncer.Poll(context.Background()))
	assert.Equal(t, 1, inbox.Len())

	require.NoError(t, syncer.Poll(context.Background()))
	assert.Equal(t, 2, inbox.Len(), "second poll is additive")
	assert.Equal(t, 2, inbox.UnreadCount())
	assert.NoError(t, syncer.LastError())
}

func TestSyncerPollFailureIsNonFatal(t *testing.T) {
	gs, srv := newGQLServer(`{"data":{"myMessages":[
		{"id":"m1","senderId":"u2","receiverId":"u1","listingId":"l1","body":"hi","isRead":false,"createdAt":"2026-03-01T09:00:00Z"}
	]}}`)
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	inbox := client.NewInbox()
	syncer := NewSyncer(client, inbox, nil)

	require.NoError(t, syncer.Poll(context.Background()))
	require.Equal(t, 1, inbox.Len())

	// Backend falls over: the inbox keeps its last good view.
	gs.mu.Lock()
	gs.status = 503
	gs.mu.Unlock()

	assert.Error(t, syncer.Poll(context.Background()))
	assert.Error(t, syncer.LastError())
	assert.Equal(t, 1, inbox.Len())
}

func TestSyncerSendMergesConfirmedMessage(t *testing.T) {
	_, srv := newGQLServer(`{"data":{"sendMessage":{"message":
		{"id":"m5","senderId":"u1","receiverId":"u2","listingId":"l1","body":"deal","isRead":false,"createdAt":"2026-03-01T09:03:00Z"}
	}}}`)
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	inbox := client.NewInbox()
	syncer := NewSyncer(client, inbox, nil)

	msg, err := syncer.Send(context.Background(), "u2", "l1", "deal")
	require.NoError(t, err)
	assert.Equal(t, "m5", msg.ID)
	assert.Equal(t, 1, inbox.Len(), "confirmed send lands in the inbox")
	assert.Equal(t, 0, inbox.UnreadCount(), "own messages never count as unread")
}

func TestSyncerMarkReadOptimisticThenConfirmed(t *testing.T) {
	_, srv := newGQLServer(`{"data":{"markMessageRead":{"message":
		{"id":"m1","senderId":"u2","receiverId":"u1","listingId":"l1","body":"hi","isRead":true,"createdAt":"2026-03-01T09:00:00Z"}
	}}}`)
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	inbox := client.NewInbox()
	inbox.Add(msg("m1", "u2", "u1", "l1", false, inboxT0))
	syncer := NewSyncer(client, inbox, nil)

	syncer.MarkRead(context.Background(), "m1")
	assert.Equal(t, 0, inbox.UnreadCount())
	assert.False(t, inbox.ReadPending("m1"), "server confirmation clears the pending flag")
}

func TestSyncerMarkReadSurvivesConfirmationFailure(t *testing.T) {
	gs, srv := newGQLServer()
	gs.status = 500
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	inbox := client.NewInbox()
	inbox.Add(msg("m1", "u2", "u1", "l1", false, inboxT0))
	syncer := NewSyncer(client, inbox, nil)

	syncer.MarkRead(context.Background(), "m1")

	// Local flip sticks even though the server never confirmed it.
	assert.Equal(t, 0, inbox.UnreadCount())
	assert.True(t, inbox.ReadPending("m1"), "unconfirmed flip stays pending for the next poll")
}

func TestSyncerMarkConversationRead(t *testing.T) {
	_, srv := newGQLServer(
		`{"data":{"markMessageRead":{"message":
			{"id":"m1","senderId":"u2","receiverId":"u1","listingId":"l1","body":"a","isRead":true,"createdAt":"2026-03-01T09:00:00Z"}
		}}}`,
		`{"data":{"markMessageRead":{"message":
			{"id":"m2","senderId":"u2","receiverId":"u1","listingId":"l1","body":"b","isRead":true,"createdAt":"2026-03-01T09:01:00Z"}
		}}}`,
	)
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	inbox := client.NewInbox()
	inbox.MergePoll([]Message{
		msg("m1", "u2", "u1", "l1", false, inboxT0),
		msg("m2", "u2", "u1", "l1", false, inboxT0.Add(time.Minute)),
		msg("m3", "u2", "u1", "l2", false, inboxT0.Add(2*time.Minute)),
	})
	syncer := NewSyncer(client, inbox, nil)

	syncer.MarkConversationRead(context.Background(), ConversationKey{OtherUserID: "u2", ListingID: "l1"})
	assert.Equal(t, 1, inbox.UnreadCount(), "only the l2 conversation stays unread")
	assert.False(t, inbox.ReadPending("m1"))
	assert.False(t, inbox.ReadPending("m2"))
}

func TestSyncerBackgroundLoop(t *testing.T) {
	_, srv := newGQLServer(`{"data":{"myMessages":[
		{"id":"m1","senderId":"u2","receiverId":"u1","listingId":"l1","body":"hi","isRead":false,"createdAt":"2026-03-01T09:00:00Z"}
	]}}`)
	defer srv.Close()

	client := NewClient("u1", WithBaseURL(srv.URL))
	inbox := client.NewInbox()
	syncer := NewSyncer(client, inbox, &SyncerOptions{PollInterval: 10 * time.Millisecond})

	syncer.Start()
	syncer.Start() // idempotent
	defer syncer.Stop()

	waitFor(t, "background poll", func() bool { return inbox.Len() == 1 })

	syncer.Stop()
	syncer.Stop() // safe to repeat
}
