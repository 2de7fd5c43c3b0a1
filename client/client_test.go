// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chatwire-im/chatwire/call"
	"github.com/chatwire-im/chatwire/chat"
	"github.com/chatwire-im/chatwire/lib/clock"
	"github.com/chatwire-im/chatwire/presence"
	"github.com/chatwire-im/chatwire/transport"
)

func newTestClient(t *testing.T, config Config) (*Client, *transport.MemoryChannel, *clock.FakeClock) {
	t.Helper()
	channel := transport.NewMemoryChannel()
	fake := clock.Fake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	config.Channel = channel
	config.Clock = fake
	if config.UserID == "" {
		config.UserID = "alice"
		config.UserName = "Alice"
	}
	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := New(context.Background(), config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, channel, fake
}

func TestNewAnnouncesOnline(t *testing.T) {
	_, channel, _ := newTestClient(t, Config{})

	emitted := channel.EmittedNamed(presence.EventUserOnline)
	if len(emitted) != 1 {
		t.Fatalf("emitted %d user:online events, want 1", len(emitted))
	}
	var userID string
	if err := json.Unmarshal(emitted[0].Payload, &userID); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if userID != "alice" {
		t.Fatalf("payload = %q, want alice", userID)
	}
}

func TestReconnectRestoresPresenceAndMembership(t *testing.T) {
	client, channel, _ := newTestClient(t, Config{})

	client.Chat.Join("7")
	channel.ResetEmitted()
	channel.Reconnect()

	if got := len(channel.EmittedNamed(presence.EventUserOnline)); got != 1 {
		t.Fatalf("emitted %d user:online events after reconnect, want 1", got)
	}
	if got := len(channel.EmittedNamed(chat.EventJoinChat)); got != 1 {
		t.Fatalf("emitted %d join:chat events after reconnect, want 1", got)
	}
}

// TestConversationRoundTrip drives a conversation through the
// assembled client: join, optimistic send, server echo, peer message,
// read receipt.
func TestConversationRoundTrip(t *testing.T) {
	client, channel, _ := newTestClient(t, Config{})

	client.Chat.Join("7")
	sent, err := client.Chat.Send("7", chat.Content{Type: chat.TypeText, Text: "hello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Server echo of our own message: same ID, status advanced.
	echo := sent
	echo.Status = chat.StatusSent
	channel.Deliver(chat.EventMessageReceive, echo)

	// A message from the peer.
	channel.Deliver(chat.EventMessageReceive, chat.Message{
		ID: "m2", ChatID: "7", SenderID: "bob",
		Type: chat.TypeText, Text: "hey", Status: chat.StatusSent,
	})

	messages := client.Chat.Messages("7")
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].ID != sent.ID || messages[0].Status != chat.StatusSent {
		t.Fatalf("first message = %+v, want echoed copy reconciled", messages[0])
	}
	if got := client.Chat.UnreadCount("7"); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}

	client.Chat.MarkRead("7")
	if got := client.Chat.UnreadCount("7"); got != 0 {
		t.Fatalf("unread = %d after MarkRead, want 0", got)
	}
}

// TestCallThroughAssembledClient exercises the call slot with the
// real media manager over the silent device.
func TestCallThroughAssembledClient(t *testing.T) {
	var states []call.State
	client, channel, fake := newTestClient(t, Config{
		OnCallStateChange: func(info call.Info) { states = append(states, info.State) },
	})

	if err := client.Calls.Initiate("7", false); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if got := len(channel.EmittedNamed(call.EventCallInitiate)); got != 1 {
		t.Fatalf("emitted %d call:initiate events, want 1", got)
	}

	channel.Deliver(call.EventCallAccepted, map[string]string{"chatId": "7", "userId": "bob"})
	if got := client.Calls.Current().State; got != call.StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}

	fake.Advance(2 * time.Second)
	if got := client.Calls.Duration(); got != 2*time.Second {
		t.Fatalf("duration = %v, want 2s", got)
	}

	if err := client.Calls.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := len(channel.EmittedNamed(call.EventCallEnd)); got != 1 {
		t.Fatalf("emitted %d call:end events, want 1", got)
	}
	if len(states) < 3 || states[len(states)-1] != call.StateEnded {
		t.Fatalf("states = %v, want calling … ended", states)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(context.Background(), Config{Channel: transport.NewMemoryChannel()}); err == nil {
		t.Fatal("expected an error for a missing UserID")
	}
	if _, err := New(context.Background(), Config{UserID: "alice"}); err == nil {
		t.Fatal("expected an error for a missing SocketURL")
	}
}
