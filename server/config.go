// Copyright 2024 The Arena Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the arena server configuration.
type Config interface {
	GetName() string
	GetPort() int
	GetLog() *LogConfig
	GetTicket() *TicketConfig
	GetMatch() *MatchConfig
	GetSocket() *SocketConfig
	GetAnchor() *AnchorConfig
	GetMetrics() *MetricsConfig
}

// ParseArgs loads configuration from an optional `--config file.yml`
// argument, then applies environment variable overrides.
func ParseArgs(logger *zap.Logger, args []string) Config {
	c := NewConfig()

	if len(args) > 2 && args[1] == "--config" {
		data, err := os.ReadFile(args[2])
		if err != nil {
			logger.Error("Could not read config file, using defaults", zap.Error(err))
		} else if err = yaml.Unmarshal(data, c); err != nil {
			logger.Error("Could not parse config file, using defaults", zap.Error(err))
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			logger.Fatal("Invalid PORT value", zap.String("port", v))
		}
		c.Port = port
	}
	if v := os.Getenv("TICKET_SECRET"); v != "" {
		c.Ticket.Secret = v
	}
	if v := os.Getenv("TURN_DEADLINE_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			logger.Fatal("Invalid TURN_DEADLINE_MS value", zap.String("turn_deadline_ms", v))
		}
		c.Match.TurnDeadlineMs = ms
	}
	if v := os.Getenv("ANCHOR_URL"); v != "" {
		c.Anchor.URL = v
	}

	return c
}

type config struct {
	Name    string         `yaml:"name" json:"name" usage:"Arena server node name - must be unique."`
	Port    int            `yaml:"port" json:"port" usage:"The port for accepting HTTP and WebSocket connections, listening on all interfaces."`
	Log     *LogConfig     `yaml:"log" json:"log" usage:"Log levels and output."`
	Ticket  *TicketConfig  `yaml:"ticket" json:"ticket" usage:"Session ticket settings."`
	Match   *MatchConfig   `yaml:"match" json:"match" usage:"Match and turn settings."`
	Socket  *SocketConfig  `yaml:"socket" json:"socket" usage:"WebSocket transport settings."`
	Anchor  *AnchorConfig  `yaml:"anchor" json:"anchor" usage:"External round anchor writer."`
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics" usage:"Metrics reporting settings."`
}

// NewConfig constructs a config struct populated with default server settings.
func NewConfig() *config {
	nodeName := "arena-" + strings.Split(uuid.Must(uuid.NewV4()).String(), "-")[3]
	return &config{
		Name:    nodeName,
		Port:    8080,
		Log:     NewLogConfig(),
		Ticket:  NewTicketConfig(),
		Match:   NewMatchConfig(),
		Socket:  NewSocketConfig(),
		Anchor:  NewAnchorConfig(),
		Metrics: NewMetricsConfig(),
	}
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetPort() int {
	return c.Port
}

func (c *config) GetLog() *LogConfig {
	return c.Log
}

func (c *config) GetTicket() *TicketConfig {
	return c.Ticket
}

func (c *config) GetMatch() *MatchConfig {
	return c.Match
}

func (c *config) GetSocket() *SocketConfig {
	return c.Socket
}

func (c *config) GetAnchor() *AnchorConfig {
	return c.Anchor
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

// LogConfig is configuration relevant to logging levels and output.
type LogConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level, must be one of: DEBUG, INFO, WARN, ERROR."`
	File       string `yaml:"file" json:"file" usage:"Log file path. If set, log output is also written here with rotation."`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" usage:"Maximum size in megabytes of the log file before it gets rotated."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"Maximum number of rotated log files to retain."`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Log to stdout as well as the log file."`
}

func NewLogConfig() *LogConfig {
	return &LogConfig{
		Level:      "info",
		File:       "",
		MaxSizeMB:  100,
		MaxBackups: 5,
		Stdout:     true,
	}
}

// TicketConfig is configuration relevant to session ticket minting.
type TicketConfig struct {
	Secret   string `yaml:"secret" json:"secret" usage:"The HMAC secret used to sign session tickets."`
	ExpiryMs int64  `yaml:"expiry_ms" json:"expiry_ms" usage:"Ticket validity window in milliseconds."`
}

func NewTicketConfig() *TicketConfig {
	return &TicketConfig{
		Secret:   "dev-secret-change-me",
		ExpiryMs: 600000,
	}
}

// MatchConfig is configuration relevant to match and turn pacing.
type MatchConfig struct {
	TurnDeadlineMs    int64 `yaml:"turn_deadline_ms" json:"turn_deadline_ms" usage:"Time in milliseconds both participants have to reveal a turn before substitution."`
	WinsTarget        int   `yaml:"wins_target" json:"wins_target" usage:"Number of turn wins required to take the match."`
	OutboundQueueSize int   `yaml:"outbound_queue_size" json:"outbound_queue_size" usage:"Per-session outbound event queue size. Events beyond this are dropped."`
}

func NewMatchConfig() *MatchConfig {
	return &MatchConfig{
		TurnDeadlineMs:    30000,
		WinsTarget:        5,
		OutboundQueueSize: 128,
	}
}

// SocketConfig is configuration relevant to the WebSocket transport.
type SocketConfig struct {
	MaxMessageSizeBytes int64 `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum amount of data in bytes allowed to be read from the client socket per message."`
	WriteWaitMs         int   `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time in milliseconds to wait for a socket write to complete."`
	PongWaitMs          int   `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time in milliseconds to wait for a pong message from the client after sending a ping."`
	PingPeriodMs        int   `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Time in milliseconds between client ping messages. This value must be less than pong_wait_ms."`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		MaxMessageSizeBytes: 4096,
		WriteWaitMs:         5000,
		PongWaitMs:          10000,
		PingPeriodMs:        8000,
	}
}

// AnchorConfig is configuration relevant to the external round anchor writer.
type AnchorConfig struct {
	URL       string `yaml:"url" json:"url" usage:"Base URL of the external anchor writer. Empty disables anchoring."`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeout_ms" usage:"Anchor writer request timeout in milliseconds."`
}

func NewAnchorConfig() *AnchorConfig {
	return &AnchorConfig{
		URL:       "",
		TimeoutMs: 1500,
	}
}

// MetricsConfig is configuration relevant to metrics reporting.
type MetricsConfig struct {
	PrometheusPort int    `yaml:"prometheus_port" json:"prometheus_port" usage:"Port to expose Prometheus metrics on. Zero disables the exporter."`
	Namespace      string `yaml:"namespace" json:"namespace" usage:"Namespace prefix for metric names."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		PrometheusPort: 0,
		Namespace:      "arena",
	}
}
