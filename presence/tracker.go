// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks who is online and who is typing.
//
// Presence is a point-in-time flag with last-write-wins semantics —
// no transition history is kept. Typing indicators are debounced on
// the outbound side (one typing:start per burst of input, typing:stop
// after a quiet second) and bounded on the inbound side: a peer whose
// typing:stop never arrives is cleared by an expiry timer instead of
// staying "typing" forever.
package presence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chatwire-im/chatwire/lib/clock"
	"github.com/chatwire-im/chatwire/transport"
)

// Event names for the presence half of the wire protocol.
const (
	EventUserOnline  = "user:online"
	EventUserStatus  = "user:status"
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
)

// typingDebounce is the quiet interval after the last keystroke
// before typing:stop is emitted.
const typingDebounce = time.Second

// typingExpiry bounds how long a peer stays in the typing set without
// a fresh typing:start. Covers peers that disconnect mid-sentence and
// never send typing:stop.
const typingExpiry = 5 * time.Second

// typingPayload travels on typing:start and typing:stop.
type typingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// statusPayload arrives on user:status.
type statusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Config holds configuration for creating a Tracker.
type Config struct {
	// Channel is the event channel. Required.
	Channel transport.Channel
	// UserID identifies the local user; used to filter echoes of
	// our own typing events. Required.
	UserID string
	// OnPresence is invoked after an inbound presence change.
	// Optional.
	OnPresence func(userID string, online bool)
	// OnTyping is invoked with a conversation's typing set after it
	// changes. Optional.
	OnTyping func(chatID string, users []string)
	// Clock drives the debounce and expiry timers. If nil,
	// clock.Real() is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Tracker owns presence and typing state. It is safe for concurrent
// use; the timers it starts are cancelled by the state transition
// that supersedes them and by Close.
type Tracker struct {
	channel    transport.Channel
	userID     string
	onPresence func(userID string, online bool)
	onTyping   func(chatID string, users []string)
	clock      clock.Clock
	logger     *slog.Logger

	mu      sync.Mutex
	online  map[string]bool
	typing  map[string]map[string]*clock.Timer // chat ID → user ID → expiry timer
	compose map[string]*composeState           // chat ID → local debounce state

	unsubscribe []func()
}

// composeState is the local typing debounce for one conversation.
type composeState struct {
	active bool
	timer  *clock.Timer
}

// NewTracker creates a Tracker and subscribes it to presence events
// on the channel.
func NewTracker(config Config) (*Tracker, error) {
	if config.Channel == nil {
		return nil, fmt.Errorf("presence: Channel is required")
	}
	if config.UserID == "" {
		return nil, fmt.Errorf("presence: UserID is required")
	}

	tracker := &Tracker{
		channel:    config.Channel,
		userID:     config.UserID,
		onPresence: config.OnPresence,
		onTyping:   config.OnTyping,
		clock:      config.Clock,
		logger:     config.Logger,
		online:     make(map[string]bool),
		typing:     make(map[string]map[string]*clock.Timer),
		compose:    make(map[string]*composeState),
	}
	if tracker.clock == nil {
		tracker.clock = clock.Real()
	}
	if tracker.logger == nil {
		tracker.logger = slog.Default()
	}

	tracker.unsubscribe = []func(){
		tracker.channel.Subscribe(EventUserStatus, tracker.handleUserStatus),
		tracker.channel.Subscribe(EventTypingStart, tracker.handleTypingStart),
		tracker.channel.Subscribe(EventTypingStop, tracker.handleTypingStop),
	}
	return tracker, nil
}

// Close releases subscriptions and cancels every pending timer.
func (t *Tracker) Close() {
	for _, remove := range t.unsubscribe {
		remove()
	}
	t.unsubscribe = nil

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, users := range t.typing {
		for _, timer := range users {
			timer.Stop()
		}
	}
	t.typing = make(map[string]map[string]*clock.Timer)
	for _, state := range t.compose {
		if state.timer != nil {
			state.timer.Stop()
		}
	}
	t.compose = make(map[string]*composeState)
}

// SetOnline announces the local user as online. The payload is the
// bare user ID, matching the wire protocol.
func (t *Tracker) SetOnline() {
	t.emit(EventUserOnline, t.userID)
}

// IsOnline reports the last known presence of a user. Unknown users
// are offline.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// OnCompose reports the current state of the local user's input box
// for a conversation. Non-empty text emits typing:start at most once
// per burst; after a quiet second without further input, typing:stop
// is emitted automatically. Clearing the text stops immediately.
func (t *Tracker) OnCompose(chatID, text string) {
	t.mu.Lock()
	state, ok := t.compose[chatID]
	if !ok {
		state = &composeState{}
		t.compose[chatID] = state
	}

	if text == "" {
		if !state.active {
			t.mu.Unlock()
			return
		}
		state.active = false
		if state.timer != nil {
			state.timer.Stop()
		}
		t.mu.Unlock()
		t.emit(EventTypingStop, typingPayload{ChatID: chatID, UserID: t.userID})
		return
	}

	started := false
	if !state.active {
		state.active = true
		started = true
	}
	if state.timer == nil {
		state.timer = t.clock.AfterFunc(typingDebounce, func() { t.composeQuiet(chatID) })
	} else {
		state.timer.Reset(typingDebounce)
	}
	t.mu.Unlock()

	if started {
		t.emit(EventTypingStart, typingPayload{ChatID: chatID, UserID: t.userID})
	}
}

// composeQuiet fires when the debounce interval passes with no
// further input.
func (t *Tracker) composeQuiet(chatID string) {
	t.mu.Lock()
	state, ok := t.compose[chatID]
	if !ok || !state.active {
		t.mu.Unlock()
		return
	}
	state.active = false
	t.mu.Unlock()

	t.emit(EventTypingStop, typingPayload{ChatID: chatID, UserID: t.userID})
}

// TypingUsers returns the users currently typing in a conversation,
// sorted for stable output.
func (t *Tracker) TypingUsers(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typingUsersLocked(chatID)
}

func (t *Tracker) handleUserStatus(payload json.RawMessage) {
	var status statusPayload
	if err := json.Unmarshal(payload, &status); err != nil || status.UserID == "" {
		t.logger.Debug("discarding malformed user:status", "error", err)
		return
	}

	t.mu.Lock()
	online := status.Status == "online"
	t.online[status.UserID] = online
	t.mu.Unlock()

	if t.onPresence != nil {
		t.onPresence(status.UserID, online)
	}
}

func (t *Tracker) handleTypingStart(payload json.RawMessage) {
	var typing typingPayload
	if err := json.Unmarshal(payload, &typing); err != nil || typing.UserID == "" {
		t.logger.Debug("discarding malformed typing:start", "error", err)
		return
	}
	// Never add ourselves from an echoed event.
	if typing.UserID == t.userID {
		return
	}

	t.mu.Lock()
	users, ok := t.typing[typing.ChatID]
	if !ok {
		users = make(map[string]*clock.Timer)
		t.typing[typing.ChatID] = users
	}
	if timer, ok := users[typing.UserID]; ok {
		// Already typing: the fresh start only refreshes the expiry.
		timer.Reset(typingExpiry)
		t.mu.Unlock()
		return
	}
	chatID, userID := typing.ChatID, typing.UserID
	users[userID] = t.clock.AfterFunc(typingExpiry, func() {
		t.expireTyping(chatID, userID)
	})
	snapshot := t.typingUsersLocked(chatID)
	t.mu.Unlock()

	t.notifyTyping(chatID, snapshot)
}

func (t *Tracker) handleTypingStop(payload json.RawMessage) {
	var typing typingPayload
	if err := json.Unmarshal(payload, &typing); err != nil || typing.UserID == "" {
		t.logger.Debug("discarding malformed typing:stop", "error", err)
		return
	}
	t.clearTyping(typing.ChatID, typing.UserID)
}

// expireTyping clears a typing entry whose stop event never arrived.
func (t *Tracker) expireTyping(chatID, userID string) {
	t.clearTyping(chatID, userID)
}

// clearTyping removes one typing entry and reports the change.
func (t *Tracker) clearTyping(chatID, userID string) {
	t.mu.Lock()
	users, ok := t.typing[chatID]
	if !ok {
		t.mu.Unlock()
		return
	}
	timer, ok := users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	timer.Stop()
	delete(users, userID)
	snapshot := t.typingUsersLocked(chatID)
	t.mu.Unlock()

	t.notifyTyping(chatID, snapshot)
}

// typingUsersLocked builds the sorted typing set for a conversation.
// Caller must hold t.mu.
func (t *Tracker) typingUsersLocked(chatID string) []string {
	users := make([]string, 0, len(t.typing[chatID]))
	for userID := range t.typing[chatID] {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (t *Tracker) notifyTyping(chatID string, users []string) {
	if t.onTyping != nil {
		t.onTyping(chatID, users)
	}
}

func (t *Tracker) emit(name string, payload any) {
	if err := t.channel.Emit(name, payload); err != nil {
		t.logger.Warn("emit failed", "event", name, "error", err)
	}
}
