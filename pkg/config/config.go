// Package config provides configuration loading, validation, and management
// for the remediator. It handles YAML config files and environment variable
// secret resolution.
package config

import (
	"fmt"
	"time"
)

// Patch engine provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Defaults applied by Load when fields are omitted.
const (
	DefaultListenAddr        = ":3000"
	DefaultAdminAddr         = ":3001"
	DefaultDatabasePath      = "remediator.db"
	DefaultEventLogDir       = "logs"
	DefaultMaxConcurrentJobs = 4
	DefaultLeaseSec          = 300
	DefaultPollIntervalSec   = 2
	DefaultMaxAttempts       = 3
	DefaultBackoffBaseSec    = 5
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffMaxSec     = 300
	DefaultWorkspaceQuotaMB  = 2048
	DefaultWorkspaceTTLSec   = 1800
	DefaultValidateTimeout   = 600
	DefaultMaxOutputBytes    = 64 * 1024
	DefaultBranchPrefix      = "remediator"
	DefaultBaseBranch        = "main"
	DefaultMaxContextTokens  = 16000
)

// SchedulerConfig bounds concurrent pipeline execution.
type SchedulerConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
	LeaseSec          int `yaml:"lease_sec"`
	PollIntervalSec   int `yaml:"poll_interval_sec"`
}

// RetryConfig parameterizes the retry/backoff policy shared by all stages.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffBaseSec    int     `yaml:"backoff_base_sec"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	BackoffMaxSec     int     `yaml:"backoff_max_sec"`
}

// WorkspaceConfig bounds per-attempt working directories.
type WorkspaceConfig struct {
	RootDir string `yaml:"root_dir"`
	QuotaMB int64  `yaml:"quota_mb"`
	TTLSec  int    `yaml:"ttl_sec"`
}

// ValidationConfig describes how candidate fixes are checked.
type ValidationConfig struct {
	Commands       []string `yaml:"commands"` // shell commands run in the workspace
	TimeoutSec     int      `yaml:"timeout_sec"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
}

// PublishConfig controls branch naming and PR creation.
type PublishConfig struct {
	BaseBranch     string `yaml:"base_branch"`
	BranchPrefix   string `yaml:"branch_prefix"`
	OpenOnFailure  bool   `yaml:"open_on_failure"`  // open a PR even when validation fails
	DraftOnFailure bool   `yaml:"draft_on_failure"` // mark such PRs as drafts
}

// ModelConfig selects the patch engine provider and prompt budget.
type ModelConfig struct {
	Provider         string `yaml:"provider"` // "anthropic" or "openai"
	Name             string `yaml:"name"`
	MaxReplyTokens   int    `yaml:"max_reply_tokens"`
	MaxContextTokens int    `yaml:"max_context_tokens"`
}

// FeedbackConfig points at the model-serving feedback endpoint.
type FeedbackConfig struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Config is the top-level remediator configuration.
type Config struct {
	ListenAddr   string           `yaml:"listen_addr"`
	AdminAddr    string           `yaml:"admin_addr"`
	DatabasePath string           `yaml:"database_path"`
	EventLogDir  string           `yaml:"event_log_dir"`
	Scheduler    SchedulerConfig  `yaml:"scheduler"`
	Retry        RetryConfig      `yaml:"retry"`
	Workspace    WorkspaceConfig  `yaml:"workspace"`
	Validation   ValidationConfig `yaml:"validation"`
	Publish      PublishConfig    `yaml:"publish"`
	Model        ModelConfig      `yaml:"model"`
	Feedback     FeedbackConfig   `yaml:"feedback"`

	// GracefulShutdownTimeoutSec bounds how long in-flight stages get to
	// finish before the process exits.
	GracefulShutdownTimeoutSec int `yaml:"graceful_shutdown_timeout_sec"`
}

// Lease returns the scheduler lease duration.
func (c *SchedulerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSec) * time.Second
}

// PollInterval returns how often the scheduler polls for runnable jobs.
func (c *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// BackoffBase returns the initial retry delay.
func (c *RetryConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSec) * time.Second
}

// BackoffMax returns the retry delay ceiling.
func (c *RetryConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSec) * time.Second
}

// TTL returns the workspace wall-clock deadline.
func (c *WorkspaceConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

// QuotaBytes returns the workspace disk quota in bytes.
func (c *WorkspaceConfig) QuotaBytes() int64 {
	return c.QuotaMB * 1024 * 1024
}

// Timeout returns the validation command timeout.
func (c *ValidationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Timeout returns the feedback client timeout.
func (c *FeedbackConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Validate checks configuration invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentJobs < 1 {
		return fmt.Errorf("scheduler.max_concurrent_jobs must be at least 1, got %d", c.Scheduler.MaxConcurrentJobs)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BackoffMultiplier < 1.0 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1.0, got %f", c.Retry.BackoffMultiplier)
	}
	if len(c.Validation.Commands) == 0 {
		return fmt.Errorf("validation.commands must list at least one command")
	}
	switch c.Model.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("model.provider must be %q or %q, got %q", ProviderAnthropic, ProviderOpenAI, c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	return nil
}
