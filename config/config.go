// Package config loads the configuration of the orchestrator.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/conversation"
	"github.com/effective-security/mcporch/mcp"
	"github.com/effective-security/mcporch/orchestrator"
	"github.com/effective-security/mcporch/pkg/llmfactory"
	"github.com/effective-security/mcporch/pkg/prompts"
	"github.com/effective-security/mcporch/registry"
	"github.com/effective-security/mcporch/store"
	"github.com/effective-security/x/configloader"
	"github.com/effective-security/x/values"
	"github.com/go-playground/validator/v10"
)

const (
	// PathEnv is the environment variable with the config path
	PathEnv = "MCP_CONFIG_PATH"
	// DefaultPath is used when neither the flag nor PathEnv is set
	DefaultPath = "./mcp_config.json"

	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config of the orchestrator
type Config struct {
	// MCPServers are the tool providers by name
	MCPServers map[string]*mcp.ServerConfig `json:"mcpServers" yaml:"mcpServers" validate:"dive,required"`
	// LLM configures the model providers
	LLM llmfactory.Config `json:"llm" yaml:"llm"`
	// Orchestrator configures the loop
	Orchestrator orchestrator.Config `json:"orchestrator" yaml:"orchestrator"`
	// Session configures the sessions
	Session SessionConfig `json:"session" yaml:"session"`
	// Store configures the transcript store
	Store StoreConfig `json:"store" yaml:"store"`
}

// SessionConfig of the session manager
type SessionConfig struct {
	// MaxHistory is the bound of the conversation log
	MaxHistory int `json:"max_history,omitempty" yaml:"max_history,omitempty" validate:"omitempty,min=1"`
	// InitConcurrency limits the providers initialized at once
	InitConcurrency int `json:"init_concurrency,omitempty" yaml:"init_concurrency,omitempty" validate:"omitempty,min=1"`
	// ConnectTimeout of a provider initialization, as duration string
	ConnectTimeout string `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	// SystemPrompt configures the generated system prompt
	SystemPrompt prompts.SystemPromptConfig `json:"system_prompt" yaml:"system_prompt"`
}

// StoreConfig of the transcript store
type StoreConfig struct {
	// Type is memory or redis
	Type string `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=memory redis"`
	// RedisURL is required for the redis store
	RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty" validate:"required_if=Type redis"`
	// Prefix of the redis keys
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// MaxEntries is the number of entries kept per session
	MaxEntries int `json:"max_entries,omitempty" yaml:"max_entries,omitempty" validate:"omitempty,min=1"`
	// Retention of the transcripts as duration string, the transcripts
	// not updated within it are removed on shutdown. Empty keeps them.
	Retention string `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// Path returns the config path: the flag value, then PathEnv, then DefaultPath
func Path(flag string) string {
	return values.StringsCoalesce(flag, os.Getenv(PathEnv), DefaultPath)
}

// Load returns the config from the file, see Path
func Load(file string) (*Config, error) {
	file = Path(file)

	cfg := new(Config)
	if err := configloader.UnmarshalAndExpand(file, cfg); err != nil {
		return nil, errors.WithMessagef(err, "failed to load config %q", file)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid config %q", file)
	}
	return cfg, nil
}

// SetDefaults sets the default values
func (c *Config) SetDefaults() {
	if c.MCPServers == nil {
		c.MCPServers = map[string]*mcp.ServerConfig{}
	}
	c.Orchestrator.MaxSteps = values.NumbersCoalesce(c.Orchestrator.MaxSteps, orchestrator.DefaultMaxSteps)
	c.Orchestrator.MaxTokens = values.NumbersCoalesce(c.Orchestrator.MaxTokens, orchestrator.DefaultMaxTokens)
	c.Orchestrator.HistoryTokenBudget = values.NumbersCoalesce(c.Orchestrator.HistoryTokenBudget, conversation.DefaultMaxTokens)
	c.Session.MaxHistory = values.NumbersCoalesce(c.Session.MaxHistory, conversation.DefaultMaxHistory)
	c.Session.InitConcurrency = values.NumbersCoalesce(c.Session.InitConcurrency, registry.DefaultConcurrency)
	c.Session.ConnectTimeout = values.StringsCoalesce(c.Session.ConnectTimeout, mcp.DefaultConnectTimeout.String())
	c.Store.Type = values.StringsCoalesce(c.Store.Type, StoreMemory)
	c.Store.Prefix = values.StringsCoalesce(c.Store.Prefix, "mcporch")
	c.Store.MaxEntries = values.NumbersCoalesce(c.Store.MaxEntries, store.DefaultMaxEntries)
}

// Validate returns an error if the config is invalid
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.WithStack(err)
	}
	if _, err := c.Session.Timeout(); err != nil {
		return err
	}
	if _, err := c.Store.RetentionPeriod(); err != nil {
		return err
	}
	return nil
}

// EnabledServers returns the servers that are not disabled
func (c *Config) EnabledServers() map[string]*mcp.ServerConfig {
	res := make(map[string]*mcp.ServerConfig, len(c.MCPServers))
	for name, s := range c.MCPServers {
		if s != nil && !s.Disabled {
			res[name] = s
		}
	}
	return res
}

// Timeout returns the provider connect timeout
func (c *SessionConfig) Timeout() (time.Duration, error) {
	if c.ConnectTimeout == "" {
		return mcp.DefaultConnectTimeout, nil
	}
	d, err := time.ParseDuration(c.ConnectTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid connect_timeout %q", c.ConnectTimeout)
	}
	return d, nil
}

// RetentionPeriod returns the transcript retention, zero when not set
func (c *StoreConfig) RetentionPeriod() (time.Duration, error) {
	if c.Retention == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Retention)
	if err != nil || d < 0 {
		return 0, errors.Newf("invalid retention %q", c.Retention)
	}
	return d, nil
}
