package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Secret environment variable names. Secrets never live in the YAML file;
// they are resolved from the environment at call time.
const (
	EnvWebhookSecret   = "GITHUB_WEBHOOK_SECRET"
	EnvGitHubToken     = "GITHUB_TOKEN"
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
)

// Load reads a YAML config file, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = DefaultAdminAddr
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultDatabasePath
	}
	if cfg.EventLogDir == "" {
		cfg.EventLogDir = DefaultEventLogDir
	}
	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.Scheduler.LeaseSec == 0 {
		cfg.Scheduler.LeaseSec = DefaultLeaseSec
	}
	if cfg.Scheduler.PollIntervalSec == 0 {
		cfg.Scheduler.PollIntervalSec = DefaultPollIntervalSec
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry.BackoffBaseSec == 0 {
		cfg.Retry.BackoffBaseSec = DefaultBackoffBaseSec
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.Retry.BackoffMaxSec == 0 {
		cfg.Retry.BackoffMaxSec = DefaultBackoffMaxSec
	}
	if cfg.Workspace.RootDir == "" {
		cfg.Workspace.RootDir = os.TempDir()
	}
	if cfg.Workspace.QuotaMB == 0 {
		cfg.Workspace.QuotaMB = DefaultWorkspaceQuotaMB
	}
	if cfg.Workspace.TTLSec == 0 {
		cfg.Workspace.TTLSec = DefaultWorkspaceTTLSec
	}
	if cfg.Validation.TimeoutSec == 0 {
		cfg.Validation.TimeoutSec = DefaultValidateTimeout
	}
	if cfg.Validation.MaxOutputBytes == 0 {
		cfg.Validation.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.Publish.BaseBranch == "" {
		cfg.Publish.BaseBranch = DefaultBaseBranch
	}
	if cfg.Publish.BranchPrefix == "" {
		cfg.Publish.BranchPrefix = DefaultBranchPrefix
	}
	if cfg.Model.MaxContextTokens == 0 {
		cfg.Model.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.Feedback.TimeoutSec == 0 {
		cfg.Feedback.TimeoutSec = 30
	}
	if cfg.GracefulShutdownTimeoutSec == 0 {
		cfg.GracefulShutdownTimeoutSec = 30
	}
}

// GetSecret returns a secret value from the environment.
// An empty value is not an error; callers decide whether the secret is required.
func GetSecret(name string) string {
	return os.Getenv(name)
}

// RequireSecret returns a secret value or an error if it is unset.
func RequireSecret(name string) (string, error) {
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("required secret %s is not set", name)
	}
	return value, nil
}
