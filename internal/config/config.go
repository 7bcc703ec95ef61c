// Package config defines the kalda configuration and its loader.
package config

import (
	"fmt"
	"time"

	"github.com/reza/kalda/internal/logger"
	"github.com/reza/kalda/pkg/scheduler"
)

// Config is the full kalda configuration.
type Config struct {
	API      APIConfig     `json:"api" mapstructure:"api"`
	Agent    AgentConfig   `json:"agent" mapstructure:"agent"`
	Control  ControlConfig `json:"control" mapstructure:"control"`
	Schedule ScheduleList  `json:"schedule" mapstructure:"schedule"`
	Logging  logger.Config `json:"logging" mapstructure:"logging"`

	// DataDir holds sessions, logs and other state. Defaults to ~/.kalda.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	// GoalsFile is the externally-edited JSON goal list.
	GoalsFile string `json:"goals_file" mapstructure:"goals_file"`
}

// APIConfig configures the completion backend.
type APIConfig struct {
	BaseURL        string        `json:"base_url" mapstructure:"base_url"`
	APIKey         string        `json:"api_key" mapstructure:"api_key"`
	Model          string        `json:"model" mapstructure:"model"`
	MaxRetries     int           `json:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" mapstructure:"retry_base_delay"`
}

// AgentConfig configures the turn loop.
type AgentConfig struct {
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
	ContextBudget int     `json:"context_budget" mapstructure:"context_budget"`
	WorkingDir    string  `json:"working_dir" mapstructure:"working_dir"`
}

// ControlConfig configures the autonomous loop and scheduler policy.
type ControlConfig struct {
	GoalInterval     time.Duration `json:"goal_interval" mapstructure:"goal_interval"`
	ScheduleInterval time.Duration `json:"schedule_interval" mapstructure:"schedule_interval"`
	IdleInterval     time.Duration `json:"idle_interval" mapstructure:"idle_interval"`
	HeartbeatIdle    time.Duration `json:"heartbeat_idle" mapstructure:"heartbeat_idle"`
	FailurePolicy    string        `json:"failure_policy" mapstructure:"failure_policy"`
}

// ScheduleList is the declarative task list applied at startup.
type ScheduleList []scheduler.Spec

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			MaxRetries:     3,
			RetryBaseDelay: 5 * time.Second,
		},
		Agent: AgentConfig{
			Temperature:   0.7,
			MaxIterations: 20,
			ContextBudget: 32768,
		},
		Control: ControlConfig{
			GoalInterval:     30 * time.Second,
			ScheduleInterval: 60 * time.Second,
			IdleInterval:     300 * time.Second,
			HeartbeatIdle:    10 * time.Minute,
			FailurePolicy:    string(scheduler.CompleteOnFailure),
		},
		Logging: logger.DefaultConfig(),
	}
}

// Validate checks the configuration for problems that would only surface
// later at an awkward time.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required")
	}
	if c.API.Model == "" {
		return fmt.Errorf("api.model is required")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must not be negative")
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	if c.Agent.ContextBudget < 1 {
		return fmt.Errorf("agent.context_budget must be positive")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		return fmt.Errorf("agent.temperature must be between 0 and 2")
	}
	if _, err := scheduler.ParseFailurePolicy(c.Control.FailurePolicy); err != nil {
		return fmt.Errorf("control.failure_policy: %w", err)
	}
	for i, spec := range c.Schedule {
		if spec.Expr == "" {
			return fmt.Errorf("schedule[%d]: expr is required", i)
		}
		if spec.Action == "" {
			return fmt.Errorf("schedule[%d]: action is required", i)
		}
	}
	return nil
}
