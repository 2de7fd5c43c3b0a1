// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory is the client for the server's REST surface: the
// user directory, the conversation list, and stored message history.
// Live traffic never flows through here — that is the event channel's
// job — but the REST surface is where a client bootstraps from and
// where it backfills history it missed.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/chatwire-im/chatwire/chat"
)

// maxResponseBytes bounds how much of a response body is read. A
// conversation's full history is the largest payload this client
// fetches.
const maxResponseBytes = 16 << 20

// User is one directory entry.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// ChatSummary is one conversation as the list endpoint returns it:
// the peer's identity plus enough state to render a conversation row
// without fetching its history.
type ChatSummary struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Avatar      string        `json:"avatar"`
	IsOnline    bool          `json:"isOnline"`
	UnreadCount int           `json:"unreadCount"`
	LastMessage *chat.Message `json:"lastMessage,omitempty"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("directory: server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("directory: server returned %d: %s", e.StatusCode, e.Message)
}

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the base URL of the chat server (e.g.,
	// "http://localhost:5000"). Required.
	BaseURL string
	// HTTPClient is used for all requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client talks to the server's REST endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// The client is the store's history source.
var _ chat.History = (*Client)(nil)

// NewClient creates a Client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("directory: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("directory: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Users returns every registered user.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/users", nil)
	if err != nil {
		return nil, fmt.Errorf("directory: list users: %w", err)
	}
	var users []User
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("directory: parse users response: %w", err)
	}
	return users, nil
}

// CreateProfile registers the local user and returns the server's
// record, including the assigned ID.
func (c *Client) CreateProfile(ctx context.Context, name, avatar string) (*User, error) {
	if name == "" {
		return nil, fmt.Errorf("directory: name is required")
	}
	request := map[string]string{"name": name, "avatar": avatar}
	body, err := c.doRequest(ctx, http.MethodPost, "/api/users", request)
	if err != nil {
		return nil, fmt.Errorf("directory: create profile: %w", err)
	}
	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("directory: parse profile response: %w", err)
	}
	return &user, nil
}

// Chats returns the local user's conversation list.
func (c *Client) Chats(ctx context.Context) ([]ChatSummary, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/messages", nil)
	if err != nil {
		return nil, fmt.Errorf("directory: list chats: %w", err)
	}
	var chats []ChatSummary
	if err := json.Unmarshal(body, &chats); err != nil {
		return nil, fmt.Errorf("directory: parse chats response: %w", err)
	}
	return chats, nil
}

// Messages returns the stored history of one conversation, oldest
// first.
func (c *Client) Messages(ctx context.Context, chatID string) ([]chat.Message, error) {
	if chatID == "" {
		return nil, fmt.Errorf("directory: chat ID is required")
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(chatID), nil)
	if err != nil {
		return nil, fmt.Errorf("directory: fetch history for chat %s: %w", chatID, err)
	}
	var messages []chat.Message
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("directory: parse history response: %w", err)
	}
	return messages, nil
}

// ClearHistory wipes all stored messages on the server.
func (c *Client) ClearHistory(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodPost, "/api/messages/clear", nil); err != nil {
		return fmt.Errorf("directory: clear history: %w", err)
	}
	return nil
}

// doRequest performs one request and returns the response body. On
// 4xx/5xx it returns a *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	apiErr := &APIError{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal(responseBody, apiErr); jsonErr != nil && len(responseBody) > 0 {
		// Non-JSON error body: keep it as the message, truncated.
		message := string(responseBody)
		if len(message) > 200 {
			message = message[:200]
		}
		apiErr.Message = message
	}
	return nil, apiErr
}
