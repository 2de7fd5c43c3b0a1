// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// chatwire is a terminal messaging client. It connects to a chat
// server, announces the configured user online, joins that user's
// conversations, and prints inbound messages, typing indicators, and
// presence changes. With --chat, lines read from stdin are sent as
// text messages to that conversation. Incoming calls are declined;
// this binary carries no capture device.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/chatwire-im/chatwire/call"
	"github.com/chatwire-im/chatwire/chat"
	"github.com/chatwire-im/chatwire/client"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatwire: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var serverURL string
	var userID string
	var chatID string
	var logLevel string

	flagSet := pflag.NewFlagSet("chatwire", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "chatwire.yaml", "path to the configuration file")
	flagSet.StringVar(&serverURL, "server", "", "override the configured server URL")
	flagSet.StringVar(&userID, "user", "", "override the configured user ID")
	flagSet.StringVar(&chatID, "chat", "", "conversation to send stdin lines to")
	flagSet.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	fileConfig, err := client.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		fileConfig.ServerURL = serverURL
	}
	if userID != "" {
		fileConfig.UserID = userID
	}
	if logLevel != "" {
		switch logLevel {
		case "debug", "info", "warn", "error":
			fileConfig.LogLevel = logLevel
		default:
			return fmt.Errorf("unknown log level %q", logLevel)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: fileConfig.SlogLevel(),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config := fileConfig.ClientConfig()
	config.Logger = logger
	config.OnMessage = func(message chat.Message) {
		fmt.Printf("[%s] %s: %s\n", message.ChatID, message.SenderID, renderBody(message))
	}
	config.OnTyping = func(chatID string, users []string) {
		if len(users) > 0 {
			fmt.Printf("[%s] typing: %s\n", chatID, strings.Join(users, ", "))
		}
	}
	config.OnPresence = func(userID string, online bool) {
		state := "offline"
		if online {
			state = "online"
		}
		fmt.Printf("* %s is %s\n", userID, state)
	}

	calls := make(chan call.Info, 4)
	config.OnIncomingCall = func(info call.Info) {
		select {
		case calls <- info:
		default:
		}
	}

	chatClient, err := client.New(ctx, config)
	if err != nil {
		return err
	}
	defer chatClient.Close()

	// Join every conversation the server knows about so live messages
	// for them are delivered, and backfill their history.
	chats, err := chatClient.Directory.Chats(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	for _, summary := range chats {
		chatClient.Chat.Join(summary.ID)
		if err := chatClient.Chat.Backfill(ctx, summary.ID); err != nil {
			logger.Warn("backfill failed", "chat_id", summary.ID, "error", err)
		}
	}
	logger.Info("connected", "user_id", config.UserID, "conversations", len(chats))

	lines := make(chan string)
	if chatID != "" {
		chatClient.Chat.Join(chatID)
		go readLines(os.Stdin, lines)
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := chatClient.Chat.Send(chatID, chat.Content{Type: chat.TypeText, Text: line}); err != nil {
				logger.Warn("send failed", "chat_id", chatID, "error", err)
			}
		case info := <-calls:
			logger.Info("declining incoming call", "chat_id", info.ChatID, "caller", info.PeerName)
			if err := chatClient.Calls.Reject(); err != nil {
				logger.Warn("reject failed", "error", err)
			}
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		}
	}
}

// renderBody formats a message body for the terminal. Binary content
// is summarized rather than dumped.
func renderBody(message chat.Message) string {
	switch message.Type {
	case chat.TypeImage:
		return fmt.Sprintf("[image %s]", message.FileName)
	case chat.TypeAudio:
		return fmt.Sprintf("[audio %ds]", message.Duration)
	default:
		return message.Text
	}
}

// readLines feeds non-empty stdin lines into the channel and closes
// it on EOF.
func readLines(input *os.File, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines <- line
		}
	}
}
