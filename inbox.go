package tradepost

import (
	"sort"
	"sync"
)

// Inbox is the single reconciled view of a user's messages. It is fed from two
// independent sources — pushed new_message events and polled query results —
// and keeps one de-duplicated, chronologically ordered message set from which
// conversations and unread counts are derived.
//
// Merges are commutative and idempotent: a message is keyed by its
// server-assigned ID and is never duplicated no matter how often or in what
// order it is re-observed. Poll results are additive — they never replace or
// remove entries, because a poll may race a fresher push event.
type Inbox struct {
	mu          sync.RWMutex
	userID      string
	messages    map[string]Message
	pendingRead map[string]bool
	onChange    []func()
}

// NewInbox creates an empty inbox for the given current user.
func NewInbox(userID string) *Inbox {
	return &Inbox{
		userID:      userID,
		messages:    make(map[string]Message),
		pendingRead: make(map[string]bool),
	}
}

// UserID returns the owning user.
func (in *Inbox) UserID() string { return in.userID }

// OnChange registers an observer invoked after every mutation of the message
// set or of any read flag.
func (in *Inbox) OnChange(h func()) {
	in.mu.Lock()
	in.onChange = append(in.onChange, h)
	in.mu.Unlock()
}

func (in *Inbox) notify() {
	in.mu.RLock()
	handlers := append([]func(){}, in.onChange...)
	in.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

// Add merges one push-delivered message. Messages whose ID is already present
// are ignored. It reports whether the message was new.
func (in *Inbox) Add(m Message) bool {
	if !m.Valid() {
		return false
	}
	in.mu.Lock()
	if _, ok := in.messages[m.ID]; ok {
		in.mu.Unlock()
		return false
	}
	in.messages[m.ID] = m
	in.mu.Unlock()
	in.notify()
	return true
}

// MergePoll merges a polled (full or partial) message list. Unknown messages
// are appended; known ones are never replaced. Read-state reconciliation:
// a locally optimistic isRead=true is never downgraded by poll data, and a
// poll confirming isRead=true clears the message's pending-confirmation flag.
// It returns the number of newly added messages.
func (in *Inbox) MergePoll(msgs []Message) int {
	added := 0
	changed := false

	in.mu.Lock()
	for _, m := range msgs {
		if !m.Valid() {
			continue
		}
		existing, ok := in.messages[m.ID]
		if !ok {
			in.messages[m.ID] = m
			added++
			continue
		}
		if m.IsRead {
			if !existing.IsRead {
				existing.IsRead = true
				in.messages[m.ID] = existing
				changed = true
			}
			delete(in.pendingRead, m.ID)
		}
	}
	in.mu.Unlock()

	if added > 0 || changed {
		in.notify()
	}
	return added
}

// MarkRead optimistically flips isRead for the given message IDs without
// waiting for server confirmation; each flipped message carries a pending
// flag until a poll reconfirms it. It returns how many flags were flipped.
func (in *Inbox) MarkRead(ids ...string) int {
	flipped := 0
	in.mu.Lock()
	for _, id := range ids {
		m, ok := in.messages[id]
		if !ok || m.IsRead {
			continue
		}
		m.IsRead = true
		in.messages[id] = m
		in.pendingRead[id] = true
		flipped++
	}
	in.mu.Unlock()

	if flipped > 0 {
		in.notify()
	}
	return flipped
}

// MarkConversationRead flips isRead for every unread message addressed to the
// current user within one conversation. Typically triggered by UI focus.
func (in *Inbox) MarkConversationRead(key ConversationKey) int {
	var ids []string
	in.mu.RLock()
	for id, m := range in.messages {
		if m.ReceiverID == in.userID && !m.IsRead &&
			m.OtherUser(in.userID) == key.OtherUserID && m.ListingID == key.ListingID {
			ids = append(ids, id)
		}
	}
	in.mu.RUnlock()
	return in.MarkRead(ids...)
}

// ReadPending reports whether an optimistic read flag on the given message is
// still awaiting poll confirmation.
func (in *Inbox) ReadPending(id string) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.pendingRead[id]
}

// Len returns the size of the message set.
func (in *Inbox) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.messages)
}

// Messages returns the full message set ordered by CreatedAt ascending.
func (in *Inbox) Messages() []Message {
	in.mu.RLock()
	out := make([]Message, 0, len(in.messages))
	for _, m := range in.messages {
		out = append(out, m)
	}
	in.mu.RUnlock()
	sortMessages(out)
	return out
}

// UnreadCount returns the number of unread messages addressed to the current
// user across all conversations. Always derived, never stored.
func (in *Inbox) UnreadCount() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	count := 0
	for _, m := range in.messages {
		if m.ReceiverID == in.userID && !m.IsRead {
			count++
		}
	}
	return count
}

// Conversations partitions the message set by (counterparty, listing) and
// returns the groups sorted by their latest message, newest group first.
func (in *Inbox) Conversations() []Conversation {
	in.mu.RLock()
	groups := make(map[ConversationKey][]Message)
	for _, m := range in.messages {
		key := ConversationKey{OtherUserID: m.OtherUser(in.userID), ListingID: m.ListingID}
		groups[key] = append(groups[key], m)
	}
	in.mu.RUnlock()

	out := make([]Conversation, 0, len(groups))
	for key, msgs := range groups {
		sortMessages(msgs)
		conv := Conversation{
			Key:         key,
			Messages:    msgs,
			LastMessage: msgs[len(msgs)-1],
		}
		for _, m := range msgs {
			if m.ReceiverID == in.userID && !m.IsRead {
				conv.UnreadCount++
			}
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastMessage.CreatedAt, out[j].LastMessage.CreatedAt
		if ti.Equal(tj) {
			return out[i].LastMessage.ID > out[j].LastMessage.ID
		}
		return ti.After(tj)
	})
	return out
}

// Conversation returns a single derived conversation, if any of its messages
// exist locally.
func (in *Inbox) Conversation(key ConversationKey) (Conversation, bool) {
	for _, c := range in.Conversations() {
		if c.Key == key {
			return c, true
		}
	}
	return Conversation{}, false
}

func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
