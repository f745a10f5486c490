package tradepost

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SyncerOptions configures the poll loop.
type SyncerOptions struct {
	// PollInterval is the period between message-list polls. Default 30s.
	PollInterval time.Duration
}

// Syncer keeps an Inbox consistent with the server by polling the message
// list and pushing write operations through the API. It complements the push
// channel: pushes arrive first, polls are the authoritative catch-up, and the
// Inbox's keyed merge makes the two sources commutative.
//
// A Syncer is explicitly constructed and owns its own lifecycle; nothing here
// is process-global, so tests can run several independent instances.
type Syncer struct {
	client *Client
	inbox  *Inbox
	log    *zerolog.Logger

	pollInterval time.Duration

	mu       sync.Mutex
	polling  bool
	stopCh   chan struct{}
	stopped  bool
	started  bool
	lastPoll time.Time
	lastErr  error
}

// NewSyncer creates a syncer feeding the given inbox.
func NewSyncer(client *Client, inbox *Inbox, opts *SyncerOptions) *Syncer {
	s := &Syncer{
		client:       client,
		inbox:        inbox,
		log:          client.log,
		pollInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
	}
	if opts != nil && opts.PollInterval > 0 {
		s.pollInterval = opts.PollInterval
	}
	return s
}

// Start launches the background poll loop. Calling Start twice is a no-op.
func (s *Syncer) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.pollLoop()
}

// Stop terminates the poll loop. Safe to call more than once.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
}

// LastError returns the error of the most recent poll, or nil.
func (s *Syncer) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Syncer) pollLoop() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Poll(context.Background())
		}
	}
}

// Poll fetches the full message list once and merges it into the inbox.
// Failures are non-fatal: the inbox simply stays on its current view until
// the next poll.
func (s *Syncer) Poll(ctx context.Context) error {
	s.mu.Lock()
	if s.polling {
		s.mu.Unlock()
		return nil
	}
	s.polling = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.polling = false
		s.mu.Unlock()
	}()

	msgs, err := s.client.Messages(ctx)

	s.mu.Lock()
	s.lastPoll = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Msg("message poll failed")
		return err
	}

	added := s.inbox.MergePoll(msgs)
	if added > 0 {
		s.log.Debug().Int("added", added).Int("total", s.inbox.Len()).Msg("poll merged new messages")
	}
	return nil
}

// Send sends a message and merges the confirmed record into the inbox the
// same way a poll result would be.
func (s *Syncer) Send(ctx context.Context, receiverID, listingID, body string) (*Message, error) {
	msg, err := s.client.SendMessage(ctx, receiverID, listingID, body)
	if err != nil {
		return nil, err
	}
	s.inbox.MergePoll([]Message{*msg})
	return msg, nil
}

// MarkRead flips the read flags locally first (optimistic, visible counts
// update immediately) and then confirms each one with the server. A failed
// confirmation is logged and left to the next poll to resolve.
func (s *Syncer) MarkRead(ctx context.Context, ids ...string) {
	s.inbox.MarkRead(ids...)
	for _, id := range ids {
		msg, err := s.client.MarkMessageRead(ctx, id)
		if err != nil {
			s.log.Warn().Str("message", id).Err(err).Msg("mark-read confirmation failed")
			continue
		}
		s.inbox.MergePoll([]Message{*msg})
	}
}

// MarkConversationRead optimistically clears a conversation's unread messages
// and confirms each flip with the server.
func (s *Syncer) MarkConversationRead(ctx context.Context, key ConversationKey) {
	var ids []string
	if conv, ok := s.inbox.Conversation(key); ok {
		for _, m := range conv.Messages {
			if m.ReceiverID == s.inbox.UserID() && !m.IsRead {
				ids = append(ids, m.ID)
			}
		}
	}
	if len(ids) > 0 {
		s.MarkRead(ctx, ids...)
	}
}
