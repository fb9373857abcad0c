// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	defaultAdminAPIAddr       = ":29321"
	defaultMattermostUsers    = "mattermost-users.json"
	defaultTelegramUsers      = "telegram-users.json"
	defaultPollTimeout        = 60
	defaultRetryDelay         = time.Second
	defaultDisplaynameTmpl    = "{{if .Username}}{{.Username}}{{else}}{{.FirstName}}{{end}}"
	defaultUsermapDebounceMS  = 500
	maxTelegramPollTimeoutSec = 600
)

// Config holds the bridge configuration.
type Config struct {
	Mattermost MattermostConfig `yaml:"mattermost"`
	Telegram   TelegramConfig   `yaml:"telegram"`

	DisplaynameTemplate string `yaml:"displayname_template"`
	// AdminAPIAddr is the listen address of the admin HTTP API serving the
	// user map endpoints and /metrics. Defaults to ":29321".
	AdminAPIAddr string `yaml:"admin_api_addr"`
	// UsermapDebounceMS is the quiet window before a user map file is
	// rewritten.
	UsermapDebounceMS int `yaml:"usermap_debounce_ms"`

	Logging zeroconfig.Config `yaml:"logging"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// MattermostConfig is the mattermost section of the config.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
	// BotPrefix is a username prefix for echo prevention. Posts from
	// Mattermost users whose username starts with it are not relayed.
	BotPrefix string `yaml:"bot_prefix"`
	UsersFile string `yaml:"users_file"`
}

// TelegramConfig is the telegram section of the config.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
	// APIEndpoint overrides the Bot API endpoint format, for example when
	// running a local Bot API server.
	APIEndpoint  string `yaml:"api_endpoint"`
	PollTimeout  int    `yaml:"poll_timeout"`
	RetryDelayMS int    `yaml:"retry_delay_ms"`
	UsersFile    string `yaml:"users_file"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess compiles the displayname template and fills in defaults.
func (c *Config) PostProcess() error {
	if c.DisplaynameTemplate == "" {
		c.DisplaynameTemplate = defaultDisplaynameTmpl
	}
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse displayname template: %w", err)
	}
	if c.Mattermost.UsersFile == "" {
		c.Mattermost.UsersFile = defaultMattermostUsers
	}
	if c.Telegram.UsersFile == "" {
		c.Telegram.UsersFile = defaultTelegramUsers
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = defaultPollTimeout
	}
	if c.Telegram.PollTimeout > maxTelegramPollTimeoutSec {
		c.Telegram.PollTimeout = maxTelegramPollTimeoutSec
	}
	if c.Telegram.RetryDelayMS < 0 {
		c.Telegram.RetryDelayMS = int(defaultRetryDelay / time.Millisecond)
	}
	if c.UsermapDebounceMS <= 0 {
		c.UsermapDebounceMS = defaultUsermapDebounceMS
	}
	c.Mattermost.ServerURL = strings.TrimSuffix(c.Mattermost.ServerURL, "/")
	return nil
}

// Validate reports every missing required setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Mattermost.ServerURL == "" {
		errs = append(errs, errors.New("mattermost.server_url is required"))
	}
	if c.Mattermost.Token == "" {
		errs = append(errs, errors.New("mattermost.token is required"))
	}
	if c.Mattermost.ChannelID == "" {
		errs = append(errs, errors.New("mattermost.channel_id is required"))
	}
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required"))
	}
	return errors.Join(errs...)
}

// RetryDelay returns the pause after a failed Telegram poll.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Telegram.RetryDelayMS) * time.Millisecond
}

// UsermapDebounce returns the user map write debounce window.
func (c *Config) UsermapDebounce() time.Duration {
	return time.Duration(c.UsermapDebounceMS) * time.Millisecond
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "channel_id")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.Str, "mattermost", "users_file")
	helper.Copy(up.Str, "telegram", "token")
	helper.Copy(up.Int, "telegram", "chat_id")
	helper.Copy(up.Str, "telegram", "api_endpoint")
	helper.Copy(up.Int, "telegram", "poll_timeout")
	helper.Copy(up.Int, "telegram", "retry_delay_ms")
	helper.Copy(up.Str, "telegram", "users_file")
	helper.Copy(up.Str, "displayname_template")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Int, "usermap_debounce_ms")
	helper.Copy(up.Map, "logging")
}

// LoadConfig reads the config file at path, copies its values onto the
// example config so new options get their defaults, applies environment
// overrides and validates the result. The upgraded file content is returned
// so the caller can write it back.
func LoadConfig(path string) (*Config, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}
	return parseConfig(data, os.LookupEnv)
}

func parseConfig(data []byte, lookupEnv func(string) (string, bool)) (*Config, []byte, error) {
	var cfgNode yaml.Node
	if err := yaml.Unmarshal(data, &cfgNode); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfgNode.Kind == 0 {
		return nil, nil, errors.New("config file is empty")
	}
	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		return nil, nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	upgradeConfig(up.NewHelper(&baseNode, &cfgNode))

	upgraded, err := yaml.Marshal(&baseNode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode upgraded config: %w", err)
	}
	var cfg Config
	if err := baseNode.Decode(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.applyEnv(lookupEnv); err != nil {
		return nil, nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, upgraded, nil
}

// applyEnv overrides secrets and deployment specific values from the
// environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TELEGRAM_TOKEN"); ok && v != "" {
		c.Telegram.Token = v
	}
	if v, ok := lookup("TELEGRAM_CHAT_ID"); ok && v != "" {
		chatID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse TELEGRAM_CHAT_ID: %w", err)
		}
		c.Telegram.ChatID = chatID
	}
	if v, ok := lookup("MATTERMOST_TOKEN"); ok && v != "" {
		c.Mattermost.Token = v
	}
	if v, ok := lookup("MATTERMOST_CHANNEL_ID"); ok && v != "" {
		c.Mattermost.ChannelID = v
	}
	if v, ok := lookup("BRIDGE_API_ADDR"); ok && v != "" {
		c.AdminAPIAddr = v
	}
	return nil
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	fallback := params.Username
	if fallback == "" {
		fallback = strings.TrimSpace(params.FirstName + " " + params.LastName)
	}
	if c.displaynameTemplate == nil {
		return fallback
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil || strings.TrimSpace(string(buf)) == "" {
		return fallback
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
