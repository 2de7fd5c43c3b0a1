// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat maintains the client's view of its conversations: an
// ordered, deduplicated message sequence per conversation, reconciled
// from optimistic local sends and server-pushed events.
//
// The store is built for an at-most-once, unordered delivery
// environment. Duplicate message arrivals are ignored by ID, status
// transitions only ever move forward (pending → sent → delivered →
// read), and deletion of an unknown message is a no-op. None of these
// anomalies surface as errors — they are expected.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chatwire-im/chatwire/lib/clock"
	"github.com/chatwire-im/chatwire/transport"
)

// History fetches the stored message history of a conversation from
// the server's REST surface. Implemented by the directory package.
type History interface {
	Messages(ctx context.Context, chatID string) ([]Message, error)
}

// Config holds configuration for creating a Store.
type Config struct {
	// Channel is the event channel. Required.
	Channel transport.Channel
	// UserID identifies the local user. Required.
	UserID string
	// History backs Backfill. Optional; without it Backfill returns
	// an error.
	History History
	// OnMessage is invoked for every new live inbound message after
	// it is applied. Duplicates and backfilled history do not fire
	// it. Optional.
	OnMessage func(Message)
	// Clock stamps optimistic local messages. If nil, clock.Real()
	// is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Store owns the per-conversation message state. All mutations —
// local sends and inbound events — are serialized by one mutex, and
// readers receive copies, so a reader never observes a half-applied
// event.
type Store struct {
	channel   transport.Channel
	userID    string
	history   History
	onMessage func(Message)
	clock     clock.Clock
	logger    *slog.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
	index         map[string]*Message // message ID → message
	joined        map[string]bool

	unsubscribe []func()
}

// conversation is one chat thread. Created lazily on first reference
// and kept for the session lifetime.
type conversation struct {
	messages     []*Message
	participants map[string]struct{}
	unread       int
}

// NewStore creates a Store and subscribes it to the conversation
// events on the channel. The subscriptions live until Close.
func NewStore(config Config) (*Store, error) {
	if config.Channel == nil {
		return nil, fmt.Errorf("chat: Channel is required")
	}
	if config.UserID == "" {
		return nil, fmt.Errorf("chat: UserID is required")
	}

	store := &Store{
		channel:       config.Channel,
		userID:        config.UserID,
		history:       config.History,
		onMessage:     config.OnMessage,
		clock:         config.Clock,
		logger:        config.Logger,
		conversations: make(map[string]*conversation),
		index:         make(map[string]*Message),
		joined:        make(map[string]bool),
	}
	if store.clock == nil {
		store.clock = clock.Real()
	}
	if store.logger == nil {
		store.logger = slog.Default()
	}

	store.unsubscribe = []func(){
		store.channel.Subscribe(EventMessageReceive, store.handleReceive),
		store.channel.Subscribe(EventMessageStatus, store.handleStatus),
		store.channel.Subscribe(EventMessageDeleted, store.handleDeleted),
		store.channel.Subscribe(transport.EventReconnected, store.handleReconnected),
	}
	return store, nil
}

// Close releases the store's event subscriptions. Conversation state
// remains readable.
func (s *Store) Close() {
	for _, remove := range s.unsubscribe {
		remove()
	}
	s.unsubscribe = nil
}

// Join announces membership in a conversation and starts tracking it.
// Membership is re-announced automatically after a reconnect.
func (s *Store) Join(chatID string) {
	s.mu.Lock()
	s.conversationLocked(chatID)
	s.joined[chatID] = true
	s.mu.Unlock()

	s.emit(EventJoinChat, membershipPayload{ChatID: chatID, UserID: s.userID})
}

// Leave announces departure from a conversation. The conversation's
// message state is retained for the rest of the session.
func (s *Store) Leave(chatID string) {
	s.mu.Lock()
	delete(s.joined, chatID)
	s.mu.Unlock()

	s.emit(EventLeaveChat, membershipPayload{ChatID: chatID, UserID: s.userID})
}

// Send appends an optimistic pending message to the conversation and
// emits it. The message ID is assigned locally; the server echo
// carries the same ID and reconciles the pending copy via the dedup
// path in handleReceive.
func (s *Store) Send(chatID string, content Content) (Message, error) {
	if err := content.validate(); err != nil {
		return Message{}, err
	}

	message := &Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  s.userID,
		Type:      content.Type,
		Text:      content.Text,
		Image:     content.Image,
		FileName:  content.FileName,
		Audio:     content.Audio,
		Duration:  content.Duration,
		Timestamp: s.clock.Now(),
		Status:    StatusPending,
	}

	s.mu.Lock()
	thread := s.conversationLocked(chatID)
	thread.messages = append(thread.messages, message)
	thread.participants[s.userID] = struct{}{}
	s.index[message.ID] = message
	snapshot := *message
	s.mu.Unlock()

	s.emit(EventMessageSend, snapshot)
	return snapshot, nil
}

// Delete emits a deletion request for the message. The local copy is
// removed when the server confirms with message:deleted.
func (s *Store) Delete(chatID, messageID string) {
	s.emit(EventMessageDelete, deletePayload{ChatID: chatID, MessageID: messageID})
}

// MarkRead reports every unread inbound message in the conversation
// as read and clears the unread counter.
func (s *Store) MarkRead(chatID string) {
	s.mu.Lock()
	thread := s.conversationLocked(chatID)
	var acknowledged []string
	for _, message := range thread.messages {
		if message.SenderID == s.userID || message.Status >= StatusRead {
			continue
		}
		message.Status = StatusRead
		acknowledged = append(acknowledged, message.ID)
	}
	thread.unread = 0
	s.mu.Unlock()

	for _, id := range acknowledged {
		s.emit(EventMessageStatus, statusPayload{ID: id, Status: StatusRead})
	}
}

// Backfill loads the conversation's stored history through the
// History collaborator. Backfilled messages pass through the same
// dedup path as pushed ones, so calling it repeatedly or racing it
// against live events is safe.
func (s *Store) Backfill(ctx context.Context, chatID string) error {
	if s.history == nil {
		return fmt.Errorf("chat: no history source configured")
	}
	messages, err := s.history.Messages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("chat: backfill %s: %w", chatID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range messages {
		s.applyLocked(&messages[i], false)
	}
	return nil
}

// Messages returns a copy of the conversation's message sequence in
// arrival order.
func (s *Store) Messages(chatID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.conversations[chatID]
	if !ok {
		return nil
	}
	snapshot := make([]Message, len(thread.messages))
	for i, message := range thread.messages {
		snapshot[i] = *message
	}
	return snapshot
}

// Participants returns the user IDs that have appeared in the
// conversation.
func (s *Store) Participants(chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.conversations[chatID]
	if !ok {
		return nil
	}
	participants := make([]string, 0, len(thread.participants))
	for id := range thread.participants {
		participants = append(participants, id)
	}
	return participants
}

// UnreadCount returns the number of inbound messages received since
// the last MarkRead.
func (s *Store) UnreadCount(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if thread, ok := s.conversations[chatID]; ok {
		return thread.unread
	}
	return 0
}

// Joined reports whether the conversation is currently joined.
func (s *Store) Joined(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[chatID]
}

// conversationLocked returns the conversation, creating it lazily.
// Caller must hold s.mu.
func (s *Store) conversationLocked(chatID string) *conversation {
	thread, ok := s.conversations[chatID]
	if !ok {
		thread = &conversation{participants: make(map[string]struct{})}
		s.conversations[chatID] = thread
	}
	return thread
}

// applyLocked inserts an inbound message, deduplicating by ID. A
// duplicate arrival — server echo of a local send, or re-delivery
// after a reconnect — only merges its status forward. live selects
// whether a fresh inbound message counts toward unread. Reports
// whether the message was newly appended. Caller must hold s.mu.
func (s *Store) applyLocked(message *Message, live bool) bool {
	if existing, ok := s.index[message.ID]; ok {
		if message.Status > existing.Status {
			existing.Status = message.Status
		} else if message.Status < existing.Status {
			s.logger.Debug("ignoring out-of-order status on duplicate message",
				"message", message.ID, "have", existing.Status.String(), "got", message.Status.String())
		}
		return false
	}

	copied := *message
	thread := s.conversationLocked(copied.ChatID)
	thread.messages = append(thread.messages, &copied)
	thread.participants[copied.SenderID] = struct{}{}
	s.index[copied.ID] = &copied
	if live && copied.SenderID != s.userID {
		thread.unread++
	}
	return true
}

func (s *Store) handleReceive(payload json.RawMessage) {
	var message Message
	if err := unmarshalPayload(payload, &message); err != nil {
		s.logger.Debug("discarding malformed message:receive", "error", err)
		return
	}
	if message.ID == "" || message.ChatID == "" {
		s.logger.Debug("discarding message:receive without id or chatId")
		return
	}

	s.mu.Lock()
	applied := s.applyLocked(&message, true)
	s.mu.Unlock()

	if applied && s.onMessage != nil {
		s.onMessage(message)
	}
}

func (s *Store) handleStatus(payload json.RawMessage) {
	var status statusPayload
	if err := unmarshalPayload(payload, &status); err != nil {
		s.logger.Debug("discarding malformed message:status", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.index[status.ID]
	if !ok {
		s.logger.Debug("status for unknown message", "message", status.ID)
		return
	}
	if status.Status <= message.Status {
		// Out-of-order delivery: a lower status after a higher one.
		return
	}
	message.Status = status.Status
}

func (s *Store) handleDeleted(payload json.RawMessage) {
	var deleted deletedPayload
	if err := unmarshalPayload(payload, &deleted); err != nil {
		s.logger.Debug("discarding malformed message:deleted", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.index[deleted.MessageID]
	if !ok {
		// Deleting an unknown message is a no-op, not an error.
		return
	}
	delete(s.index, deleted.MessageID)
	thread := s.conversations[message.ChatID]
	for i, candidate := range thread.messages {
		if candidate.ID == deleted.MessageID {
			thread.messages = append(thread.messages[:i], thread.messages[i+1:]...)
			break
		}
	}
}

// handleReconnected re-announces membership in every joined
// conversation: the server forgot it with the old connection.
func (s *Store) handleReconnected(json.RawMessage) {
	s.mu.Lock()
	joined := make([]string, 0, len(s.joined))
	for chatID := range s.joined {
		joined = append(joined, chatID)
	}
	s.mu.Unlock()

	for _, chatID := range joined {
		s.emit(EventJoinChat, membershipPayload{ChatID: chatID, UserID: s.userID})
	}
}

func (s *Store) emit(name string, payload any) {
	if err := s.channel.Emit(name, payload); err != nil {
		s.logger.Warn("emit failed", "event", name, "error", err)
	}
}
