// Package config loads the runtime configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportMemory = "memory"
	TransportLibp2p = "libp2p"
	TransportMQTT   = "mqtt"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Transport  TransportConfig  `yaml:"transport"`
	LiveStream LiveStreamConfig `yaml:"livestream"`
	HTTP       HTTPConfig       `yaml:"http"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TransportConfig struct {
	Kind   string       `yaml:"kind"`
	Topic  string       `yaml:"topic"`
	Role   string       `yaml:"role"`
	Libp2p Libp2pConfig `yaml:"libp2p"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

type Libp2pConfig struct {
	ListenAddrs     []string `yaml:"listen_addrs"`
	Bootstrap       []string `yaml:"bootstrap"`
	Rendezvous      string   `yaml:"rendezvous"`
	EnableMDNS      bool     `yaml:"enable_mdns"`
	IdentityKeyFile string   `yaml:"identity_key_file"`
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type LiveStreamConfig struct {
	Channel       string        `yaml:"channel"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SharedDir     string        `yaml:"shm_dir"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Console: true, MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 7},
		Transport: TransportConfig{
			Kind:  TransportMemory,
			Topic: "livewire",
			Role:  "both",
			Libp2p: Libp2pConfig{
				ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
				Rendezvous:  "livewire",
			},
			MQTT: MQTTConfig{QoS: 1, ConnectTimeout: 10 * time.Second},
		},
		LiveStream: LiveStreamConfig{
			Channel:       "live-stream",
			FlushInterval: 10 * time.Millisecond,
			PollInterval:  16 * time.Millisecond,
		},
		HTTP: HTTPConfig{Addr: ":8090"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportLibp2p:
		if c.Transport.Topic == "" {
			problems = append(problems, "transport.topic required for libp2p")
		}
	case TransportMQTT:
		if c.Transport.MQTT.Broker == "" {
			problems = append(problems, "transport.mqtt.broker required")
		}
		if c.Transport.MQTT.QoS == 0 || c.Transport.MQTT.QoS > 2 {
			problems = append(problems, "transport.mqtt.qos must be 1 or 2")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown transport.kind %q", c.Transport.Kind))
	}
	switch c.Transport.Role {
	case "both", "producer", "consumer":
	default:
		problems = append(problems, fmt.Sprintf("unknown transport.role %q", c.Transport.Role))
	}
	if c.Transport.Kind == TransportMemory && c.Transport.Role != "both" {
		problems = append(problems, "memory transport requires role both")
	}
	if c.Transport.Role != "both" && c.LiveStream.SharedDir == "" {
		problems = append(problems, "livestream.shm_dir required when producer and consumer run in separate processes")
	}
	if c.LiveStream.Channel == "" {
		problems = append(problems, "livestream.channel required")
	}
	if c.LiveStream.FlushInterval <= 0 {
		problems = append(problems, "livestream.flush_interval must be positive")
	}
	if c.LiveStream.PollInterval <= 0 {
		problems = append(problems, "livestream.poll_interval must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
