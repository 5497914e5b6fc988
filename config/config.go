// Package config loads calliope configuration with Viper.
package config

// Config represents the core calliope configuration
type Config struct {
	Database Database `mapstructure:"database"`
	Worker   Worker   `mapstructure:"worker"`
	Model    Model    `mapstructure:"model"`
	Convo    Convo    `mapstructure:"convo"`
	Notify   Notify   `mapstructure:"notify"`
}

// Database configures the SQLite database
type Database struct {
	Path string `mapstructure:"path"`
}

// Worker configures the task queue worker pool
type Worker struct {
	// Workers is the number of concurrent queue consumers (default: 1)
	Workers int `mapstructure:"workers"`

	// Group is the consumer group name shared by all workers of this
	// deployment (default: "calliope-workers")
	Group string `mapstructure:"group"`

	// BlockSeconds bounds a single blocking read from the durable log;
	// shutdown latency is at most this interval (default: 5)
	BlockSeconds int `mapstructure:"block_seconds"`

	// RedeliverIdleSeconds is how long a delivered-but-unacknowledged log
	// entry stays pending before the group redelivers it (default: 60)
	RedeliverIdleSeconds int `mapstructure:"redeliver_idle_seconds"`

	// RateLimitPerMinute caps model-call-bearing executions per worker pool.
	// 0 disables rate limiting.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
}

// Model configures model-call behavior shared by all model configurations
type Model struct {
	// PlainTimeoutSeconds bounds a single-shot completion call (default: 60)
	PlainTimeoutSeconds int `mapstructure:"plain_timeout_seconds"`

	// ToolTimeoutSeconds bounds streaming and tool-calling executions,
	// which legitimately run longer (default: 300)
	ToolTimeoutSeconds int `mapstructure:"tool_timeout_seconds"`

	// MaxToolIterations caps the tool-calling loop (default: 10)
	MaxToolIterations int `mapstructure:"max_tool_iterations"`
}

// Convo configures the conversation context store
type Convo struct {
	// TTLHours is how long a conversation survives without an append (default: 24)
	TTLHours int `mapstructure:"ttl_hours"`

	// FallbackCapacity bounds the in-process fallback cache, in
	// conversations (default: 256)
	FallbackCapacity int `mapstructure:"fallback_capacity"`

	// HistoryWindow is the default number of prior turns prepended to an
	// execution (default: 20)
	HistoryWindow int `mapstructure:"history_window"`
}

// Notify configures the notification dispatcher defaults.
// Per-task notification config overrides these field by field.
type Notify struct {
	From        string `mapstructure:"from"`
	APIEndpoint string `mapstructure:"api_endpoint"`
	APIKey      string `mapstructure:"api_key"` // env only, never persisted
	SMTPHost    string `mapstructure:"smtp_host"`
	SMTPPort    int    `mapstructure:"smtp_port"`
	SMTPUser    string `mapstructure:"smtp_user"`
	SMTPPass    string `mapstructure:"smtp_pass"` // env only, never persisted
}
