// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk client configuration.
type FileConfig struct {
	// ServerURL is the REST base URL. Required.
	ServerURL string `yaml:"server_url"`
	// SocketURL is the websocket endpoint. If empty it is derived
	// from ServerURL by swapping the scheme to ws/wss.
	SocketURL string `yaml:"socket_url"`

	// UserID is the local user's directory ID. Required. UserName is
	// shown to call peers.
	UserID   string `yaml:"user_id"`
	UserName string `yaml:"user_name"`

	// STUNServers are STUN/TURN URLs for call media.
	STUNServers []string `yaml:"stun_servers"`

	// LogLevel is debug, info, warn, or error. Default info.
	LogLevel string `yaml:"log_level"`
}

// LoadConfig reads and validates a configuration file. Unknown keys
// are rejected so typos fail loud instead of silently using defaults.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("client: read config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var config FileConfig
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("client: parse config %s: %w", path, err)
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("client: config %s: %w", path, err)
	}
	return &config, nil
}

func (f *FileConfig) validate() error {
	if f.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if _, err := url.Parse(f.ServerURL); err != nil {
		return fmt.Errorf("invalid server_url %q: %w", f.ServerURL, err)
	}
	if f.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if _, err := f.slogLevel(); err != nil {
		return err
	}
	return nil
}

// EffectiveSocketURL resolves the websocket endpoint, deriving it
// from the server URL when not set explicitly.
func (f *FileConfig) EffectiveSocketURL() string {
	if f.SocketURL != "" {
		return f.SocketURL
	}
	socket := f.ServerURL
	switch {
	case strings.HasPrefix(socket, "https://"):
		socket = "wss://" + strings.TrimPrefix(socket, "https://")
	case strings.HasPrefix(socket, "http://"):
		socket = "ws://" + strings.TrimPrefix(socket, "http://")
	}
	return socket
}

func (f *FileConfig) slogLevel() (slog.Level, error) {
	switch strings.ToLower(f.LogLevel) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log_level %q", f.LogLevel)
	}
}

// SlogLevel returns the configured log level. Validation has already
// rejected unknown names.
func (f *FileConfig) SlogLevel() slog.Level {
	level, _ := f.slogLevel()
	return level
}

// ClientConfig converts the file form into the assembly Config.
func (f *FileConfig) ClientConfig() Config {
	return Config{
		ServerURL:   f.ServerURL,
		SocketURL:   f.EffectiveSocketURL(),
		UserID:      f.UserID,
		UserName:    f.UserName,
		STUNServers: f.STUNServers,
	}
}
