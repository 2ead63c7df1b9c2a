package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultProfileName   = "sonnet"
	DefaultMaxTokens     = 8192
	DefaultBufSize       = 100
	DefaultSlackPort     = 18820
	DefaultDailyQuota    = 20
	DefaultMemoryLimit   = 2000
	DefaultChannelWindow = 200
	DefaultDebounceSecs  = 5
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Channels ChannelsConfig `json:"channels"`
	Store    StoreConfig    `json:"store"`
	History  HistoryConfig  `json:"history"`
}

type AgentConfig struct {
	DefaultProfile string                  `json:"defaultProfile"`
	Profiles       map[string]ModelProfile `json:"profiles"`
	UnlimitedUsers []string                `json:"unlimitedUsers,omitempty"`
	DailyQuota     int                     `json:"dailyQuota"`
	MemoryLimit    int                     `json:"memoryLimit"`
	DebounceSecs   int                     `json:"debounceSecs"`
}

// ModelProfile is one selectable completion backend. Users switch between
// profiles with /model; each call is charged Cost points against the daily
// quota.
type ModelProfile struct {
	BaseURL    string `json:"baseUrl"`
	APIKey     string `json:"apiKey"`
	Model      string `json:"model"`
	Vision     bool   `json:"vision"`
	Cost       int    `json:"cost"`
	TokenLimit int    `json:"tokenLimit"`
	MaxTokens  int    `json:"maxTokens,omitempty"`
}

type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack"`
	Telegram TelegramConfig `json:"telegram"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	Port     int    `json:"port,omitempty"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom,omitempty"`
	Proxy     string   `json:"proxy,omitempty"`
}

type StoreConfig struct {
	// Backend is "sqlite" (local, default) or "remote" (JSON document bins
	// over HTTP, the hosted setup).
	Backend string            `json:"backend"`
	DBPath  string            `json:"dbPath,omitempty"`
	BaseURL string            `json:"baseUrl,omitempty"`
	APIKey  string            `json:"apiKey,omitempty"`
	Bins    map[string]string `json:"bins,omitempty"`
}

type HistoryConfig struct {
	// DMDenylist lists channel-name substrings whose scenes exclude the
	// user's direct-message history by default.
	DMDenylist    []string `json:"dmDenylist,omitempty"`
	ChannelWindow int      `json:"channelWindow"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			DefaultProfile: DefaultProfileName,
			Profiles: map[string]ModelProfile{
				"sonnet": {
					BaseURL:    "https://api.example.com/v1",
					Model:      "claude-sonnet-4-5",
					Vision:     true,
					Cost:       4,
					TokenLimit: 190000,
					MaxTokens:  DefaultMaxTokens,
				},
				"mini": {
					BaseURL:    "https://api.example.com/v1",
					Model:      "claude-3-5-haiku",
					Vision:     false,
					Cost:       1,
					TokenLimit: 110000,
					MaxTokens:  DefaultMaxTokens,
				},
			},
			DailyQuota:   DefaultDailyQuota,
			MemoryLimit:  DefaultMemoryLimit,
			DebounceSecs: DefaultDebounceSecs,
		},
		Channels: ChannelsConfig{
			Slack: SlackConfig{Port: DefaultSlackPort},
		},
		Store: StoreConfig{
			Backend: "sqlite",
			DBPath:  filepath.Join(ConfigDir(), "data", "cocoa.db"),
		},
		History: HistoryConfig{
			DMDenylist:    []string{"general", "random"},
			ChannelWindow: DefaultChannelWindow,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".cocoa")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("COCOA_API_KEY"); key != "" {
		for name, p := range cfg.Agent.Profiles {
			if p.APIKey == "" {
				p.APIKey = key
				cfg.Agent.Profiles[name] = p
			}
		}
	}
	if token := os.Getenv("COCOA_SLACK_TOKEN"); token != "" {
		cfg.Channels.Slack.BotToken = token
	}
	if token := os.Getenv("COCOA_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if key := os.Getenv("COCOA_STORE_API_KEY"); key != "" {
		cfg.Store.APIKey = key
	}
	if url := os.Getenv("COCOA_STORE_BASE_URL"); url != "" {
		cfg.Store.BaseURL = url
	}
	if port := os.Getenv("COCOA_SLACK_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Channels.Slack.Port = parsed
		}
	}

	if cfg.Agent.DefaultProfile == "" {
		cfg.Agent.DefaultProfile = DefaultProfileName
	}
	if cfg.Agent.DailyQuota <= 0 {
		cfg.Agent.DailyQuota = DefaultDailyQuota
	}
	if cfg.Agent.MemoryLimit <= 0 {
		cfg.Agent.MemoryLimit = DefaultMemoryLimit
	}
	if cfg.Agent.DebounceSecs <= 0 {
		cfg.Agent.DebounceSecs = DefaultDebounceSecs
	}
	if cfg.History.ChannelWindow <= 0 {
		cfg.History.ChannelWindow = DefaultChannelWindow
	}
	if cfg.Channels.Slack.Port == 0 {
		cfg.Channels.Slack.Port = DefaultSlackPort
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = DefaultConfig().Store.DBPath
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// Profile resolves a named model profile, falling back to the default.
func (c *Config) Profile(name string) ModelProfile {
	if p, ok := c.Agent.Profiles[name]; ok {
		return p
	}
	return c.Agent.Profiles[c.Agent.DefaultProfile]
}

// IsUnlimited reports whether the platform username is exempt from the
// daily quota.
func (c *Config) IsUnlimited(username string) bool {
	for _, u := range c.Agent.UnlimitedUsers {
		if u == username {
			return true
		}
	}
	return false
}
