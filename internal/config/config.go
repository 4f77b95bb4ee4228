// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Target     TargetConfig     `mapstructure:"target" yaml:"target"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	LLM        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Trajectory TrajectoryConfig `mapstructure:"trajectory" yaml:"trajectory"`
	Findings   FindingsConfig   `mapstructure:"findings" yaml:"findings"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// TargetConfig describes the application under test.
type TargetConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
	// Routes lists application paths known ahead of time. The agent uses them
	// as escape destinations when it detects that it is stuck in a loop.
	Routes []string `mapstructure:"routes" yaml:"routes"`
}

// BrowserConfig holds settings for the headless browser session.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	PostActionWait    time.Duration `mapstructure:"post_action_wait" yaml:"post_action_wait"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	EvidenceDir       string        `mapstructure:"evidence_dir" yaml:"evidence_dir"`
}

// AgentConfig holds settings for the decision loop.
type AgentConfig struct {
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`
	// MissionThreshold is the cumulative reward at which the hunt is considered
	// successful. A confirmed high-severity finding alone crosses it.
	MissionThreshold float64 `mapstructure:"mission_threshold" yaml:"mission_threshold"`
	// DemoMode tightens the step budget for quick demonstration runs.
	DemoMode      bool          `mapstructure:"demo_mode" yaml:"demo_mode"`
	DemoMaxSteps  int           `mapstructure:"demo_max_steps" yaml:"demo_max_steps"`
	HistoryWindow int           `mapstructure:"history_window" yaml:"history_window"`
	LoopWindow    int           `mapstructure:"loop_window" yaml:"loop_window"`
	DecideTimeout time.Duration `mapstructure:"decide_timeout" yaml:"decide_timeout"`
}

// StepBudget resolves the effective step budget for a run, honoring demo mode.
func (a AgentConfig) StepBudget() int {
	if a.DemoMode && a.DemoMaxSteps > 0 && a.DemoMaxSteps < a.MaxSteps {
		return a.DemoMaxSteps
	}
	return a.MaxSteps
}

// LLMConfig defines the configuration for the decision model.
type LLMConfig struct {
	Model      string        `mapstructure:"model" yaml:"model"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	// APIKeys is the ordered credential list for the key pool. Keys from the
	// GOOGLE_API_KEY family of environment variables are appended automatically.
	APIKeys           []string          `mapstructure:"api_keys" yaml:"-"`
	RequestsPerWindow int               `mapstructure:"requests_per_window" yaml:"requests_per_window"`
	Window            time.Duration     `mapstructure:"window" yaml:"window"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Temperature       float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK              int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens         int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	SafetyFilters     map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
	// JudgeEnabled allows a secondary model call to score observations that no
	// deterministic matcher recognized.
	JudgeEnabled bool `mapstructure:"judge_enabled" yaml:"judge_enabled"`
}

// TrajectoryConfig controls where step records are persisted.
type TrajectoryConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// FindingsConfig tunes the batching findings collector.
type FindingsConfig struct {
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// DatabaseConfig holds the optional database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "blackbox-cli")
	v.SetDefault("logger.log_file", "blackbox.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Target --
	v.SetDefault("target.routes", []string{"/", "/login", "/users", "/search"})

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.post_action_wait", "1s")
	v.SetDefault("browser.evidence_dir", "evidence")

	// -- Agent --
	v.SetDefault("agent.max_steps", 15)
	v.SetDefault("agent.mission_threshold", 1.5)
	v.SetDefault("agent.demo_mode", false)
	v.SetDefault("agent.demo_max_steps", 8)
	v.SetDefault("agent.history_window", 6)
	v.SetDefault("agent.loop_window", 4)
	v.SetDefault("agent.decide_timeout", "45s")

	// -- LLM --
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.requests_per_window", 10)
	v.SetDefault("llm.window", "1m")
	v.SetDefault("llm.requests_per_second", 0.5)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.judge_enabled", true)

	// -- Trajectory --
	v.SetDefault("trajectory.dir", "runs")

	// -- Findings --
	v.SetDefault("findings.batch_size", 50)
	v.SetDefault("findings.flush_interval", "2s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("database.url", "BLACKBOX_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.LLM.APIKeys = append(cfg.LLM.APIKeys, apiKeysFromEnv()...)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// apiKeysFromEnv collects decision service credentials from the environment.
// GOOGLE_API_KEY is the primary key, GOOGLE_API_KEY_2 through _9 extend the
// rotation pool.
func apiKeysFromEnv() []string {
	var keys []string
	if k := os.Getenv("GOOGLE_API_KEY"); k != "" {
		keys = append(keys, k)
	}
	for i := 2; i <= 9; i++ {
		if k := os.Getenv(fmt.Sprintf("GOOGLE_API_KEY_%d", i)); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if c.Agent.MissionThreshold <= 0 {
		return fmt.Errorf("agent.mission_threshold must be positive")
	}
	if c.Agent.HistoryWindow <= 0 {
		return fmt.Errorf("agent.history_window must be a positive integer")
	}
	if c.Agent.LoopWindow < 3 {
		return fmt.Errorf("agent.loop_window must be at least 3")
	}
	if c.LLM.RequestsPerWindow <= 0 {
		return fmt.Errorf("llm.requests_per_window must be a positive integer")
	}
	if c.LLM.Window <= 0 {
		return fmt.Errorf("llm.window must be a positive duration")
	}
	if c.Target.URL != "" {
		if _, err := url.ParseRequestURI(c.Target.URL); err != nil {
			return fmt.Errorf("target.url is not a valid URL: %w", err)
		}
	}
	return nil
}
