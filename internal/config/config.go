package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for Botline.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Server    ServerConfig    `json:"server"`
	Routing   RoutingConfig   `json:"routing"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Registry  RegistryConfig  `json:"registry"`
	Channels  ChannelsConfig  `json:"channels"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	DataDir  string `json:"dataDir"`
}

type ServerConfig struct {
	Port          int `json:"port"`
	BufferSize    int `json:"bufferSize"`    // bus history depth
	DeliveryRetry int `json:"deliveryRetry"` // extra attempts for callback deliveries
}

type RoutingConfig struct {
	DefaultAgent string `json:"defaultAgent,omitempty"`
	CommandSigil string `json:"commandSigil,omitempty"`
}

type RateLimitConfig struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxMessages   int `json:"maxMessages"`
}

type HeartbeatConfig struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"intervalMinutes"`
	CooldownMinutes int  `json:"cooldownMinutes"`
}

type RegistryConfig struct {
	DBPath   string `json:"dbPath"`
	SeedFile string `json:"seedFile,omitempty"` // YAML file of agents to pre-register
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Web      WebConfig      `json:"web,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ChatID    string         `json:"chatId,omitempty"` // default destination for broadcasts
	ParseMode string         `json:"parseMode"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"` // required for Socket Mode
	Channel  string `json:"channel,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	GuildID   string `json:"guildId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case float64:
			out = append(out, strconv.FormatInt(int64(t), 10))
		default:
			return fmt.Errorf("unsupported list element %T", v)
		}
	}
	*f = out
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnvVars substitutes ${VAR} and ${VAR:-default} references.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Load reads, env-expands, parses, and validates the config at path.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.Registry.DBPath = ExpandPath(cfg.Registry.DBPath)
	cfg.Registry.SeedFile = ExpandPath(cfg.Registry.SeedFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating directories as needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks ranges and cross-field consistency.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.BufferSize < 1 {
		errs = append(errs, "server.bufferSize must be >= 1")
	}
	if cfg.RateLimit.WindowSeconds < 1 {
		errs = append(errs, "rateLimit.windowSeconds must be >= 1")
	}
	if cfg.RateLimit.MaxMessages < 1 {
		errs = append(errs, "rateLimit.maxMessages must be >= 1")
	}
	if cfg.Heartbeat.IntervalMinutes < 1 {
		errs = append(errs, "heartbeat.intervalMinutes must be >= 1")
	}
	if cfg.Heartbeat.CooldownMinutes < 1 {
		errs = append(errs, "heartbeat.cooldownMinutes must be >= 1")
	}
	if cfg.Channels.Web.Port < 0 || cfg.Channels.Web.Port > 65535 {
		errs = append(errs, "channels.web.port must be between 0 and 65535")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "") {
		errs = append(errs, "channels.slack.botToken and appToken are required when slack is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigDir is where init places config and data.
func DefaultConfigDir() string {
	return ExpandPath("~/.botline")
}

// DefaultConfigPath is the config file location used when --config is absent.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}
