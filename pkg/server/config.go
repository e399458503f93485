package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/bcmp-chat/bcmp/pkg/envelope"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server     ServerSection     `toml:"server"`
	Limits     LimitsSection     `toml:"limits"`
	Encryption EncryptionSection `toml:"encryption"`
	History    HistorySection    `toml:"history"`
}

type ServerSection struct {
	BindAddr      string `toml:"bind_addr"`
	TCPPort       int    `toml:"tcp_port"`
	WebSocketPort int    `toml:"websocket_port"`
	MetricsPort   int    `toml:"metrics_port"`
}

type LimitsSection struct {
	MaxUsers           int `toml:"max_users"`
	MaxMessageLength   int `toml:"max_message_length"`
	MaxNicknameLength  int `toml:"max_nickname_length"`
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
}

type EncryptionSection struct {
	// Scheme is "none", "aead" or "block". Both ends of a deployment must
	// agree; the two encrypted schemes are mutually incompatible on the wire.
	Scheme string `toml:"scheme"`
	// KeyHex is the 32-byte shared session key, hex encoded. Distribution of
	// the key is out of band; the server never sends it.
	KeyHex string `toml:"key_hex"`
}

type HistorySection struct {
	// DatabasePath enables the chat history log when non-empty.
	DatabasePath string `toml:"database_path"`
	ReplayLimit  int    `toml:"replay_limit"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			BindAddr:      "0.0.0.0",
			TCPPort:       7878,
			WebSocketPort: 0, // disabled
			MetricsPort:   0, // disabled
		},
		Limits: LimitsSection{
			MaxUsers:           50,
			MaxMessageLength:   2048,
			MaxNicknameLength:  32,
			IdleTimeoutSeconds: 0, // disabled
		},
		Encryption: EncryptionSection{
			Scheme: "none",
		},
		History: HistorySection{
			DatabasePath: "~/.bcmp/history.db",
			ReplayLimit:  50,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Could not persist defaults (permissions, read-only fs); still
			// usable in memory.
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# BCMP Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ServerConfig holds the resolved runtime configuration.
type ServerConfig struct {
	BindAddr           string
	TCPPort            int
	WebSocketPort      int
	MetricsPort        int
	MaxUsers           int
	MaxMessageLength   int
	MaxNicknameLength  int
	IdleTimeoutSeconds int
	Scheme             envelope.Scheme
	Key                []byte
	HistoryPath        string
	ReplayLimit        int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		BindAddr:          "0.0.0.0",
		TCPPort:           7878,
		MaxUsers:          50,
		MaxMessageLength:  2048,
		MaxNicknameLength: 32,
		Scheme:            envelope.SchemeNone,
		ReplayLimit:       50,
	}
}

// ToServerConfig converts TOMLConfig to ServerConfig, validating the
// encryption section.
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if c.Server.BindAddr != "" {
		cfg.BindAddr = c.Server.BindAddr
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.WebSocketPort = c.Server.WebSocketPort
	cfg.MetricsPort = c.Server.MetricsPort

	if c.Limits.MaxUsers != 0 {
		cfg.MaxUsers = c.Limits.MaxUsers
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxNicknameLength != 0 {
		cfg.MaxNicknameLength = c.Limits.MaxNicknameLength
	}
	cfg.IdleTimeoutSeconds = c.Limits.IdleTimeoutSeconds

	scheme := envelope.Scheme(strings.TrimSpace(c.Encryption.Scheme))
	if scheme == "" {
		scheme = envelope.SchemeNone
	}
	switch scheme {
	case envelope.SchemeNone:
	case envelope.SchemeAEAD, envelope.SchemeBlock:
		key, err := envelope.ParseKey(c.Encryption.KeyHex)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("encryption.key_hex: %w", err)
		}
		cfg.Key = key
	default:
		return ServerConfig{}, fmt.Errorf("encryption.scheme: unknown scheme %q", scheme)
	}
	cfg.Scheme = scheme

	if c.History.DatabasePath != "" {
		path, err := expandHome(c.History.DatabasePath)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.HistoryPath = path
	}
	if c.History.ReplayLimit != 0 {
		cfg.ReplayLimit = c.History.ReplayLimit
	}

	return cfg, nil
}

// Encrypted reports whether the deployment runs an envelope scheme.
func (c ServerConfig) Encrypted() bool {
	return c.Scheme != envelope.SchemeNone && c.Scheme != ""
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
