package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

type PresenceMode string

const (
	// PresencePolled reads presence from the user_presence table and
	// sweeps stale rows on every read.
	PresencePolled PresenceMode = "polled"
	// PresenceRealtime keeps presence in a Redis sorted set scored by
	// last-seen and filters by score at read time.
	PresenceRealtime PresenceMode = "realtime"
)

type Channel struct {
	Name     string
	ReadOnly bool
}

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	RedisAddr      string
	NatsURL        string
	SigningKey     []byte
	RealtimeKey    string
	AllowedOrigins []string
	Channels       []Channel

	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
	PresenceMode       PresenceMode

	// EchoMessages controls whether the fan-out delivers a publisher's
	// own message back to it. The session layer dedups by message id
	// either way, so this is a bandwidth policy, not a correctness one.
	EchoMessages bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// ParseChannels parses a comma-separated channel list. A name prefixed
// with '~' marks the channel read-only for non-moderators.
func ParseChannels(s string) ([]Channel, error) {
	var channels []Channel
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		var readOnly bool
		if strings.HasPrefix(name, "~") {
			readOnly = true
			name = strings.TrimPrefix(name, "~")
		}
		if name == "" {
			return nil, fmt.Errorf("invalid channel name %q", name)
		}

		channels = append(channels, Channel{Name: name, ReadOnly: readOnly})
	}

	return channels, nil
}

type Params struct {
	ServerAddr         string
	DatabaseDSN        string
	RedisAddr          string
	NatsURL            string
	Base64Secret       string
	RealtimeKey        string
	AllowedOrigins     []string
	Channels           string
	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
	PresenceMode       string
	EchoMessages       bool
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if p.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if p.Base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(p.Base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if p.RealtimeKey == "" {
		return nil, fmt.Errorf("realtime key cannot be empty")
	}
	if !strings.Contains(p.RealtimeKey, ":") {
		return nil, fmt.Errorf("realtime key must be in app-id:secret form")
	}

	channels, err := ParseChannels(p.Channels)
	if err != nil {
		return nil, fmt.Errorf("parse channels: %w", err)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel must be configured")
	}

	heartbeat := p.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	staleness := p.StalenessThreshold
	if staleness <= 0 {
		staleness = 2 * heartbeat
	}
	// A single missed heartbeat must not flap a user offline.
	if staleness < 2*heartbeat {
		return nil, fmt.Errorf("staleness threshold %s must be at least twice the heartbeat interval %s", staleness, heartbeat)
	}

	mode := PresenceMode(p.PresenceMode)
	if mode == "" {
		mode = PresencePolled
	}
	if mode != PresencePolled && mode != PresenceRealtime {
		return nil, fmt.Errorf("invalid presence mode %q", p.PresenceMode)
	}
	if mode == PresenceRealtime && p.RedisAddr == "" {
		return nil, fmt.Errorf("redis address required for realtime presence mode")
	}

	return &Config{
		ServerAddr:         p.ServerAddr,
		DatabaseDSN:        p.DatabaseDSN,
		RedisAddr:          p.RedisAddr,
		NatsURL:            p.NatsURL,
		SigningKey:         signingKey,
		RealtimeKey:        p.RealtimeKey,
		AllowedOrigins:     p.AllowedOrigins,
		Channels:           channels,
		HeartbeatInterval:  heartbeat,
		StalenessThreshold: staleness,
		PresenceMode:       mode,
		EchoMessages:       p.EchoMessages,
	}, nil
}

// ChannelByName returns the configured channel and whether it exists.
func (c *Config) ChannelByName(name string) (Channel, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}
