package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type WhatsAppConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	BridgeURL        string   `json:"bridgeUrl" yaml:"bridgeUrl"`
	AllowFrom        []string `json:"allowFrom" yaml:"allowFrom,omitempty"`
	QRTimeoutSeconds int      `json:"qrTimeoutSeconds" yaml:"qrTimeoutSeconds"`
	RateLimit        float64  `json:"rateLimit" yaml:"rateLimit"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	APIBase   string   `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom,omitempty"`
	RateLimit float64  `json:"rateLimit" yaml:"rateLimit"`
}

type SlackConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	BotToken  string   `json:"botToken" yaml:"botToken"`
	APIBase   string   `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom,omitempty"`
	RateLimit float64  `json:"rateLimit" yaml:"rateLimit"`
}

type SignalConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	BaseURL   string   `json:"baseUrl" yaml:"baseUrl"`
	Account   string   `json:"account" yaml:"account"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom,omitempty"`
	RateLimit float64  `json:"rateLimit" yaml:"rateLimit"`
}

type IMessageConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	CLIPath   string   `json:"cliPath" yaml:"cliPath"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom,omitempty"`
	RateLimit float64  `json:"rateLimit" yaml:"rateLimit"`
}

type GoogleChatConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	CredentialSource string   `json:"credentialSource" yaml:"credentialSource"` // inline, file, env
	Token            string   `json:"token,omitempty" yaml:"token,omitempty"`
	TokenFile        string   `json:"tokenFile,omitempty" yaml:"tokenFile,omitempty"`
	TokenEnv         string   `json:"tokenEnv,omitempty" yaml:"tokenEnv,omitempty"`
	AudienceType     string   `json:"audienceType" yaml:"audienceType"` // app-url, project-number
	Audience         string   `json:"audience" yaml:"audience"`
	APIBase          string   `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	AllowFrom        []string `json:"allowFrom" yaml:"allowFrom,omitempty"`
	RateLimit        float64  `json:"rateLimit" yaml:"rateLimit"`
}

type ChannelsConfig struct {
	WhatsApp            WhatsAppConfig   `json:"whatsapp" yaml:"whatsapp"`
	Discord             DiscordConfig    `json:"discord" yaml:"discord"`
	Slack               SlackConfig      `json:"slack" yaml:"slack"`
	Signal              SignalConfig     `json:"signal" yaml:"signal"`
	IMessage            IMessageConfig   `json:"imessage" yaml:"imessage"`
	GoogleChat          GoogleChatConfig `json:"googlechat" yaml:"googlechat"`
	ProbeTTLSeconds     int              `json:"probeTtlSeconds" yaml:"probeTtlSeconds"`
	ProbeTimeoutSeconds int              `json:"probeTimeoutSeconds" yaml:"probeTimeoutSeconds"`
}

func (c ChannelsConfig) ProbeTTL() time.Duration {
	return time.Duration(c.ProbeTTLSeconds) * time.Second
}

func (c ChannelsConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

type AgentDefaults struct {
	Workspace             string `json:"workspace" yaml:"workspace"`
	AgentID               string `json:"agentId" yaml:"agentId"`
	Endpoint              string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // out-of-process agent runtime
	EndpointToken         string `json:"endpointToken,omitempty" yaml:"endpointToken,omitempty"`
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds" yaml:"requestTimeoutSeconds"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults" yaml:"defaults"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type CronStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // file, sqlite, postgres
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

type CronConfig struct {
	Enabled               bool            `json:"enabled" yaml:"enabled"`
	Store                 CronStoreConfig `json:"store" yaml:"store"`
	DefaultTimeoutSeconds int             `json:"defaultTimeoutSeconds" yaml:"defaultTimeoutSeconds"`
	MaxSleepSeconds       int             `json:"maxSleepSeconds" yaml:"maxSleepSeconds"`
	RunLogLimit           int             `json:"runLogLimit" yaml:"runLogLimit"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	Dir        string `json:"dir" yaml:"dir"`
	Filename   string `json:"filename" yaml:"filename"`
	MaxSizeMB  int    `json:"maxSizeMb" yaml:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays" yaml:"maxAgeDays"`
	Compress   bool   `json:"compress" yaml:"compress"`
	Console    bool   `json:"console" yaml:"console"`
}

type Config struct {
	Agents   AgentsConfig   `json:"agents" yaml:"agents"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Cron     CronConfig     `json:"cron" yaml:"cron"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:             ".nanobot/workspace",
				AgentID:               "main",
				RequestTimeoutSeconds: 600,
			},
		},
		Channels: ChannelsConfig{
			WhatsApp:            WhatsAppConfig{BridgeURL: "ws://localhost:3001", QRTimeoutSeconds: 60, RateLimit: 1},
			Discord:             DiscordConfig{RateLimit: 1},
			Slack:               SlackConfig{RateLimit: 1},
			Signal:              SignalConfig{BaseURL: "http://localhost:8080", RateLimit: 1},
			IMessage:            IMessageConfig{CLIPath: "imsg", RateLimit: 1},
			GoogleChat:          GoogleChatConfig{CredentialSource: "env", TokenEnv: "GOOGLE_CHAT_TOKEN", AudienceType: "app-url", RateLimit: 1},
			ProbeTTLSeconds:     30,
			ProbeTimeoutSeconds: 10,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Cron: CronConfig{
			Enabled:               true,
			Store:                 CronStoreConfig{Driver: "file"},
			DefaultTimeoutSeconds: 600,
			MaxSleepSeconds:       60,
			RunLogLimit:           200,
		},
		Log: LogConfig{
			Level:      "info",
			Filename:   "nanobot.log",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Console:    true,
		},
	}
}

// DefaultPath is where LoadConfig looks when no path is given.
func DefaultPath() string {
	return filepath.Join(".nanobot", "config.json")
}

// LoadConfig loads the configuration from the given path. A missing file
// yields the defaults. Files ending in .yaml or .yml are decoded as YAML,
// anything else as JSON.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig writes cfg to path in the format implied by its extension.
func SaveConfig(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Cron.Store.Driver {
	case "", "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown cron store driver %q", c.Cron.Store.Driver)
	}
	if c.Cron.Store.Driver == "postgres" && c.Cron.Store.DSN == "" {
		return errors.New("config: cron.store.dsn is required for postgres")
	}
	switch c.Channels.GoogleChat.CredentialSource {
	case "", "inline", "file", "env":
	default:
		return fmt.Errorf("config: unknown googlechat credentialSource %q", c.Channels.GoogleChat.CredentialSource)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: invalid gateway port %d", c.Gateway.Port)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
