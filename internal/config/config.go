// Package config handles Wallflower configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/wallflower/config.yaml,
// /etc/wallflower/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wallflower", "config.yaml"))
	}

	paths = append(paths, "/etc/wallflower/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Wallflower configuration.
type Config struct {
	// BotIDs are platform-level identifiers matched against inbound
	// @-mentions.
	BotIDs []string `yaml:"bot_ids"`
	// BotNicknames are names the bot answers to in plain text.
	// The first entry is used when annotating mentions for the judge.
	BotNicknames []string `yaml:"bot_nicknames"`

	StalkerMode   StalkerModeConfig `yaml:"stalker_mode"`
	ReplyStrategy ReplyStrategy     `yaml:"reply_strategy"`
	Continue      ContinueConfig    `yaml:"continue_conversation"`
	Models        ModelsConfig      `yaml:"models"`
	Memory        MemoryConfig      `yaml:"memory"`

	// Groups holds per-group overrides, keyed by group ID.
	Groups map[string]GroupConfig `yaml:"groups"`

	// MaxMessageLength drops inbound messages longer than this many
	// characters before they reach the gate.
	MaxMessageLength int `yaml:"max_message_length"`
	// RateLimitTokens is the per-session token allowance inside
	// RateLimitWindowSec.
	RateLimitTokens    int `yaml:"rate_limit_tokens"`
	RateLimitWindowSec int `yaml:"rate_limit_window"`
	// MinReplyIntervalSec suppresses replies closer together than this,
	// judge verdicts included.
	MinReplyIntervalSec int `yaml:"min_reply_interval"`
	// MaxHistoryLength caps short-term conversation history per session.
	MaxHistoryLength int `yaml:"max_history_length"`
	// ActiveModeMinutes is the default active-mode grant duration.
	ActiveModeMinutes int `yaml:"active_mode_minutes"`

	DataDir     string `yaml:"data_dir"`
	PersonaFile string `yaml:"persona_file"`
	LogLevel    string `yaml:"log_level"`
}

// StalkerModeConfig controls the ambient reply cascade for group chats.
type StalkerModeConfig struct {
	Enabled bool `yaml:"enabled"`
	// DefaultProbability is the last-resort reply chance when no other
	// rule fires.
	DefaultProbability  float64 `yaml:"default_probability"`
	MentionProbability  float64 `yaml:"mention_probability"`
	KeywordProbability  float64 `yaml:"keyword_probability"`
	QuestionProbability float64 `yaml:"question_probability"`
	// MinMessagesBetweenReplies is the message-count spacing threshold
	// between two ambient replies.
	MinMessagesBetweenReplies int `yaml:"min_messages_between_replies"`
	MaxRepliesPerHour         int `yaml:"max_replies_per_hour"`
	SilenceThresholdMinutes   int `yaml:"silence_threshold_minutes"`
}

// ReplyStrategy holds keyword triggers shared by the ambient keyword
// rule and the no-judge fallback.
type ReplyStrategy struct {
	ReplyOnKeyword []string `yaml:"reply_on_keyword"`
}

// ContinueConfig controls post-reply conversation watching.
type ContinueConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxMessages is how many follow-up polls a watcher performs.
	MaxMessages int `yaml:"max_messages"`
	// MaxDurationSec is the wall-clock ceiling for one watch run.
	MaxDurationSec int `yaml:"max_duration"`
}

// ModelsConfig defines the LLM endpoints per role. Dialogue is the
// required base; judge and memory inherit its credentials when their
// own are empty.
type ModelsConfig struct {
	Dialogue ModelConfig `yaml:"dialogue"`
	Judge    ModelConfig `yaml:"reply_judge"`
	Memory   ModelConfig `yaml:"memory"`
}

// ModelConfig defines a single OpenAI-compatible endpoint.
type ModelConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// MemoryConfig defines long-term memory limits.
type MemoryConfig struct {
	// MaxMemoryTokens is the rough token budget for a user's fact list.
	MaxMemoryTokens int `yaml:"max_memory_tokens"`
}

// GroupConfig holds per-group overrides.
type GroupConfig struct {
	// MemoryMode selects group fact routing: "mixed" (shared context
	// plus sender buckets) or "sender_only". Empty means mixed.
	MemoryMode string `yaml:"memory_mode"`
}

// RateLimitWindow returns the rate limit window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSec) * time.Second
}

// MinReplyInterval returns the minimum gap between replies as a duration.
func (c *Config) MinReplyInterval() time.Duration {
	return time.Duration(c.MinReplyIntervalSec) * time.Second
}

// ActiveModeDuration returns the default active-mode grant duration.
func (c *Config) ActiveModeDuration() time.Duration {
	return time.Duration(c.ActiveModeMinutes) * time.Minute
}

// SilenceThreshold returns the group silence-break threshold as a duration.
func (s StalkerModeConfig) SilenceThreshold() time.Duration {
	return time.Duration(s.SilenceThresholdMinutes) * time.Minute
}

// MaxDuration returns the watch ceiling as a duration.
func (c ContinueConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationSec) * time.Second
}

// JudgeModel resolves the judge endpoint, inheriting credentials from
// the dialogue endpoint where unset and applying judge defaults.
func (m ModelsConfig) JudgeModel() ModelConfig {
	out := inherit(m.Judge, m.Dialogue)
	if out.Temperature == 0 {
		out.Temperature = 0.1
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 100
	}
	return out
}

// MemoryModel resolves the memory endpoint, inheriting credentials from
// the dialogue endpoint where unset and applying memory defaults.
func (m ModelsConfig) MemoryModel() ModelConfig {
	out := inherit(m.Memory, m.Dialogue)
	if out.Temperature == 0 {
		out.Temperature = 0.3
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 1000
	}
	return out
}

func inherit(child, base ModelConfig) ModelConfig {
	if child.APIKey == "" {
		child.APIKey = base.APIKey
	}
	if child.BaseURL == "" {
		child.BaseURL = base.BaseURL
	}
	if child.Model == "" {
		child.Model = base.Model
	}
	return child
}

// GroupMemoryMode returns the memory mode for a group, falling back to
// "mixed" when no override is set.
func (c *Config) GroupMemoryMode(groupID string) string {
	if g, ok := c.Groups[groupID]; ok && g.MemoryMode != "" {
		return g.MemoryMode
	}
	return "mixed"
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		StalkerMode: StalkerModeConfig{
			Enabled:                   true,
			DefaultProbability:        0.03,
			MentionProbability:        0.8,
			KeywordProbability:        0.5,
			QuestionProbability:       0.4,
			MinMessagesBetweenReplies: 15,
			MaxRepliesPerHour:         8,
			SilenceThresholdMinutes:   30,
		},
		Continue: ContinueConfig{
			Enabled:        true,
			MaxMessages:    3,
			MaxDurationSec: 120,
		},
		Models: ModelsConfig{
			Dialogue: ModelConfig{
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o",
				Temperature: 0.7,
				MaxTokens:   500,
			},
		},
		Memory: MemoryConfig{
			MaxMemoryTokens: 10000,
		},
		MaxMessageLength:    1000,
		RateLimitTokens:     20000,
		RateLimitWindowSec:  60,
		MinReplyIntervalSec: 10,
		MaxHistoryLength:    20,
		ActiveModeMinutes:   10,
		DataDir:             "data",
	}
}
