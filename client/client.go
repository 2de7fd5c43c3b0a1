// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package client assembles the full messaging client: the event
// channel, the conversation store, presence tracking, call signaling,
// media, and the REST directory, wired together behind one handle.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatwire-im/chatwire/call"
	"github.com/chatwire-im/chatwire/chat"
	"github.com/chatwire-im/chatwire/directory"
	"github.com/chatwire-im/chatwire/lib/clock"
	"github.com/chatwire-im/chatwire/media"
	"github.com/chatwire-im/chatwire/presence"
	"github.com/chatwire-im/chatwire/transport"
)

// Config holds configuration for creating a Client.
type Config struct {
	// ServerURL is the base URL of the chat server's REST surface.
	// Optional; without it the Directory and message backfill are
	// unavailable.
	ServerURL string
	// SocketURL is the websocket endpoint for live events. Required
	// unless Channel is provided.
	SocketURL string

	// UserID identifies the local user. Required. UserName is shown
	// to call peers.
	UserID   string
	UserName string

	// STUNServers are handed to media negotiation. Optional.
	STUNServers []string

	// Device provides local capture for calls. If nil, a silent
	// device is used, which keeps signaling functional on headless
	// hosts.
	Device media.Device

	// OnMessage surfaces new live inbound messages. Optional.
	OnMessage func(chat.Message)
	// OnPresence and OnTyping surface presence and typing-set
	// changes. Optional.
	OnPresence func(userID string, online bool)
	OnTyping   func(chatID string, users []string)

	// OnIncomingCall, OnCallStateChange, and OnCallDuration surface
	// call progress to the application. All optional.
	OnIncomingCall    func(call.Info)
	OnCallStateChange func(call.Info)
	OnCallDuration    func(time.Duration)

	// Channel overrides the websocket connection; used by tests to
	// run the full client against an in-memory channel.
	Channel transport.Channel

	// HTTPClient is used for REST requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// Clock drives every timer in the client. If nil, clock.Real()
	// is used.
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is one user's connection to the chat system.
type Client struct {
	channel     transport.Channel
	ownsChannel bool
	logger      *slog.Logger

	// Directory is the REST client for users, conversations, and
	// history.
	Directory *directory.Client
	// Chat holds conversation state and message operations.
	Chat *chat.Store
	// Presence tracks who is online and typing.
	Presence *presence.Tracker
	// Calls owns the single call slot.
	Calls *call.Coordinator

	unsubscribe func()
}

// mediaAdapter narrows *media.Manager to the call package's Media
// interface; Acquire's concrete return type needs the indirection.
type mediaAdapter struct {
	manager *media.Manager
}

func (a mediaAdapter) Acquire(video bool) (call.MediaSession, error) {
	session, err := a.manager.Acquire(video)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// New assembles a Client and announces it online. The context bounds
// the initial websocket dial.
func New(ctx context.Context, config Config) (*Client, error) {
	if config.UserID == "" {
		return nil, fmt.Errorf("client: UserID is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	channel := config.Channel
	ownsChannel := false
	if channel == nil {
		if config.SocketURL == "" {
			return nil, fmt.Errorf("client: SocketURL is required")
		}
		socket, err := transport.DialWebSocket(ctx, transport.WebSocketConfig{
			URL:    config.SocketURL,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("client: connect: %w", err)
		}
		channel = socket
		ownsChannel = true
	}

	client := &Client{
		channel:     channel,
		ownsChannel: ownsChannel,
		logger:      logger,
	}
	closeOnError := func() {
		client.Close()
	}

	var history chat.History
	if config.ServerURL != "" {
		rest, err := directory.NewClient(directory.Config{
			BaseURL:    config.ServerURL,
			HTTPClient: config.HTTPClient,
			Logger:     logger,
		})
		if err != nil {
			closeOnError()
			return nil, err
		}
		client.Directory = rest
		history = rest
	}

	store, err := chat.NewStore(chat.Config{
		Channel:   channel,
		UserID:    config.UserID,
		History:   history,
		OnMessage: config.OnMessage,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		closeOnError()
		return nil, err
	}
	client.Chat = store

	tracker, err := presence.NewTracker(presence.Config{
		Channel:    channel,
		UserID:     config.UserID,
		OnPresence: config.OnPresence,
		OnTyping:   config.OnTyping,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		closeOnError()
		return nil, err
	}
	client.Presence = tracker

	device := config.Device
	if device == nil {
		device = media.SilentDevice{}
	}
	manager, err := media.NewManager(media.ManagerConfig{
		Device:      device,
		STUNServers: config.STUNServers,
		Logger:      logger,
	})
	if err != nil {
		closeOnError()
		return nil, err
	}

	coordinator, err := call.NewCoordinator(call.Config{
		Channel:       channel,
		Media:         mediaAdapter{manager: manager},
		UserID:        config.UserID,
		UserName:      config.UserName,
		OnIncoming:    config.OnIncomingCall,
		OnStateChange: config.OnCallStateChange,
		OnDuration:    config.OnCallDuration,
		Clock:         clk,
		Logger:        logger,
	})
	if err != nil {
		closeOnError()
		return nil, err
	}
	client.Calls = coordinator

	// Presence is announced on connect and again after every
	// reconnect; the server's online set is rebuilt from these.
	tracker.SetOnline()
	client.unsubscribe = channel.Subscribe(transport.EventReconnected, client.handleReconnected)

	return client, nil
}

func (c *Client) handleReconnected(json.RawMessage) {
	c.logger.Info("channel reconnected, re-announcing presence")
	c.Presence.SetOnline()
}

// Close shuts the client down: call teardown, timer cancellation, and
// the channel itself when this client opened it.
func (c *Client) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.Calls != nil {
		c.Calls.Close()
	}
	if c.Presence != nil {
		c.Presence.Close()
	}
	if c.Chat != nil {
		c.Chat.Close()
	}
	if c.ownsChannel {
		return c.channel.Close()
	}
	return nil
}
