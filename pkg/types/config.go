package types

import "time"

// Config is the daemon's configuration, loaded in layers (global, project,
// environment overrides) by internal/config.Load.
type Config struct {
	// SocketPath is the local stream socket the transport listens on.
	SocketPath string `json:"socket_path,omitempty"`

	// StorePath is the bbolt database file backing internal/store.
	StorePath string `json:"store_path,omitempty"`

	// LogRoot names a directory for event-log files. internal/config sets
	// its default and merges it from config files; no other package reads it.
	LogRoot string `json:"log_root,omitempty"`

	// SandboxRoot is the directory agent sandboxes are allocated under.
	SandboxRoot string `json:"sandbox_root,omitempty"`

	// CompositionRoot is the directory the composition loader reads from.
	CompositionRoot string `json:"composition_root,omitempty"`

	// CapabilityPolicyPath points to the YAML file describing default
	// capability grants per composition type.
	CapabilityPolicyPath string `json:"capability_policy_path,omitempty"`

	// DefaultModel is "provider/model", used when a completion request
	// omits one.
	DefaultModel string `json:"default_model,omitempty"`

	Worker      WorkerConfig      `json:"worker,omitempty"`
	Completion  CompletionConfig  `json:"completion,omitempty"`
	Subscription SubscriptionConfig `json:"subscription,omitempty"`

	// Provider configs, keyed by provider id ("anthropic", "openai", ...).
	Provider map[string]ProviderConfig `json:"provider,omitempty"`
}

// WorkerConfig holds worker pool and inbox sizes. internal/config sets
// their defaults and merges them from config files; no other package reads
// them.
type WorkerConfig struct {
	CompletionWorkers int `json:"completion_workers,omitempty"`
	AgentInboxBuffer  int `json:"agent_inbox_buffer,omitempty"`
	TransportInboxBuffer int `json:"transport_inbox_buffer,omitempty"`
}

// CompletionConfig governs timeouts and retry policy for the completion
// service (spec.md §4.5, §6).
type CompletionConfig struct {
	RequestTimeout   time.Duration `json:"request_timeout,omitempty"`
	SessionLockTimeout time.Duration `json:"session_lock_timeout,omitempty"`
	MaxRetries       int           `json:"max_retries,omitempty"`
	BackoffBase      time.Duration `json:"backoff_base,omitempty"`
	BackoffMax       time.Duration `json:"backoff_max,omitempty"`
	GlobalMaxConcurrency  int      `json:"global_max_concurrency,omitempty"`
	PerProviderMaxConcurrency int  `json:"per_provider_max_concurrency,omitempty"`
	PerModelMaxConcurrency   int   `json:"per_model_max_concurrency,omitempty"`
}

// SubscriptionConfig holds the subscription outbound queue watermark.
// internal/config sets its default and merges it from config files; router
// subscriptions are bounded by the buffer size passed to Subscribe, not by
// this value.
type SubscriptionConfig struct {
	OutboundQueueWatermark int `json:"outbound_queue_watermark,omitempty"`
}

// ProviderConfig holds per-provider connection settings.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Command []string `json:"command,omitempty"` // CLI invocation, for CLIProvider
	Disable bool   `json:"disable,omitempty"`
}

// Model describes one model exposed by a provider.
type Model struct {
	ID              string `json:"id"`
	ProviderID      string `json:"provider_id"`
	ContextLength   int    `json:"context_length"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	SupportsTools   bool   `json:"supports_tools"`
}

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
