// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Parley services.
//
// Configuration is read from a single YAML file specified by the
// PARLEY_CONFIG environment variable or the --config flag. There are
// no fallbacks or automatic discovery; a service either has its config
// file or fails to start. Environment variables never override file
// values.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the configuration for the Parley membership reconciler.
type Config struct {
	// HomeserverURL is the base URL of the Matrix homeserver the
	// reconciler connects to (e.g., "http://localhost:8008").
	HomeserverURL string `yaml:"homeserver_url"`

	// ServerName is the Matrix server name of this deployment
	// (e.g., "parley.chat"). A user is local when the server part of
	// their user ID equals this value.
	ServerName string `yaml:"server_name"`

	// AppserviceTokenFile is the path of a file holding the
	// application-service token (as_token). The token authorizes the
	// reconciler to act on behalf of local users via the user_id
	// impersonation query parameter.
	AppserviceTokenFile string `yaml:"appservice_token_file"`

	// SenderLocalpart is the localpart of the appservice's own
	// account (the sender_localpart of its registration).
	SenderLocalpart string `yaml:"sender_localpart"`

	// WorkerName identifies this deployed instance. Only the instance
	// whose name matches Reconcile.Worker runs the reconciliation
	// logic; others start in observe-only mode. This keeps
	// horizontally scaled deployments from issuing duplicate
	// promotions and invites.
	WorkerName string `yaml:"worker_name"`

	// SocketPath is where the diagnostic Unix socket listens. Empty
	// disables the socket.
	SocketPath string `yaml:"socket_path"`

	// LogLevel is one of "debug", "info", "warn", "error".
	// Default: "info".
	LogLevel string `yaml:"log_level"`

	// Reconcile configures the reconciliation behavior.
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// ReconcileConfig holds the knobs of the membership reconciler.
type ReconcileConfig struct {
	// EnableKnockAutoInvite controls whether knocks trigger the
	// find-or-promote-inviter flow. Auto-join of invites that
	// supersede knocks is always active.
	EnableKnockAutoInvite bool `yaml:"enable_knock_auto_invite"`

	// Worker names the instance that runs the reconciliation logic.
	// Empty means this instance runs it unconditionally
	// (single-instance deployment).
	Worker string `yaml:"worker"`

	// CooldownSeconds is how long a room is suppressed after a failed
	// promotion or invite attempt. Default: 300.
	CooldownSeconds int `yaml:"cooldown_seconds"`

	// MaxJoinRetries caps auto-join attempts per invite. Default: 5.
	MaxJoinRetries int `yaml:"max_join_retries"`
}

// Load reads configuration from the path in the PARLEY_CONFIG
// environment variable.
func Load() (*Config, error) {
	path := os.Getenv("PARLEY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("PARLEY_CONFIG environment variable not set; " +
			"set it to the path of your parley.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads and validates configuration from a specific file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		LogLevel: "info",
		Reconcile: ReconcileConfig{
			EnableKnockAutoInvite: true,
			CooldownSeconds:       300,
			MaxJoinRetries:        5,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems. Called
// by LoadFile; exported for tests that build configs directly.
func (c *Config) Validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url is required")
	}
	if _, err := url.Parse(c.HomeserverURL); err != nil {
		return fmt.Errorf("homeserver_url %q: %w", c.HomeserverURL, err)
	}
	if c.ServerName == "" {
		return fmt.Errorf("server_name is required")
	}
	if strings.ContainsAny(c.ServerName, "@!#") {
		return fmt.Errorf("server_name %q must not contain a Matrix sigil", c.ServerName)
	}
	if c.AppserviceTokenFile == "" {
		return fmt.Errorf("appservice_token_file is required")
	}
	if c.SenderLocalpart == "" {
		return fmt.Errorf("sender_localpart is required")
	}
	if c.Reconcile.CooldownSeconds < 1 {
		return fmt.Errorf("reconcile.cooldown_seconds must be >= 1, got %d", c.Reconcile.CooldownSeconds)
	}
	if c.Reconcile.MaxJoinRetries < 1 {
		return fmt.Errorf("reconcile.max_join_retries must be >= 1, got %d", c.Reconcile.MaxJoinRetries)
	}
	if _, err := c.ParseLogLevel(); err != nil {
		return err
	}
	return nil
}

// ReadAppserviceToken reads the token file and strips surrounding
// whitespace (token files commonly end with a newline).
func (c *Config) ReadAppserviceToken() (string, error) {
	data, err := os.ReadFile(c.AppserviceTokenFile)
	if err != nil {
		return "", fmt.Errorf("reading appservice token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("appservice token file %s is empty", c.AppserviceTokenFile)
	}
	return token, nil
}

// ParseLogLevel converts the configured log level to a slog.Level.
func (c *Config) ParseLogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level %q: must be debug, info, warn, or error", c.LogLevel)
}
