package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/ksi-dev/ksid/pkg/types"
)

// Load loads configuration from multiple sources (priority order):
//  1. Global config (~/.config/ksid/)
//  2. Project config (.ksi/)
//  3. Environment variables
//
// Missing files and directories are not errors; Load always returns a
// usable config with defaults applied (spec.md §6: "All paths are derived
// from the configuration; the core never hard-codes filesystem paths").
func Load(directory string) (*types.Config, error) {
	config := defaults()

	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "ksid.json"), config)
	loadConfigFile(filepath.Join(globalPath, "ksid.jsonc"), config)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".ksi", "ksid.json"), config)
		loadConfigFile(filepath.Join(directory, ".ksi", "ksid.jsonc"), config)
	}

	applyEnvOverrides(config)

	return config, nil
}

// defaults returns a Config with every path and pool size set to its
// production default, so a daemon started with no config file at all still
// boots.
func defaults() *types.Config {
	paths := GetPaths()
	return &types.Config{
		SocketPath:           paths.SocketPath(),
		StorePath:            paths.StorePath(),
		LogRoot:              paths.LogRoot(),
		SandboxRoot:          paths.SandboxRoot(),
		CompositionRoot:      paths.CompositionRoot(),
		CapabilityPolicyPath: filepath.Join(paths.Config, "capabilities.yaml"),
		Worker: types.WorkerConfig{
			CompletionWorkers:    8,
			AgentInboxBuffer:     64,
			TransportInboxBuffer: 256,
		},
		Completion: types.CompletionConfig{
			RequestTimeout:            5 * time.Minute,
			SessionLockTimeout:        2 * time.Minute,
			MaxRetries:                3,
			BackoffBase:               500 * time.Millisecond,
			BackoffMax:                30 * time.Second,
			GlobalMaxConcurrency:      32,
			PerProviderMaxConcurrency: 16,
			PerModelMaxConcurrency:    8,
		},
		Subscription: types.SubscriptionConfig{
			OutboundQueueWatermark: 1024,
		},
		Provider: make(map[string]types.ProviderConfig),
	}
}

// loadConfigFile loads a single config file, merging it into config.
// A missing file returns the read error, which Load ignores, so missing
// files are skipped.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = stripJSONComments(data)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// stripJSONComments removes // and /* */ comments from JSONC.
func stripJSONComments(data []byte) []byte {
	singleLine := regexp.MustCompile(`//.*$`)
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = singleLine.ReplaceAll(line, nil)
	}
	data = bytes.Join(lines, []byte("\n"))

	multiLine := regexp.MustCompile(`/\*[\s\S]*?\*/`)
	data = multiLine.ReplaceAll(data, nil)

	return data
}

// mergeConfig merges source config into target, field by field.
func mergeConfig(target, source *types.Config) {
	if source.SocketPath != "" {
		target.SocketPath = source.SocketPath
	}
	if source.StorePath != "" {
		target.StorePath = source.StorePath
	}
	if source.LogRoot != "" {
		target.LogRoot = source.LogRoot
	}
	if source.SandboxRoot != "" {
		target.SandboxRoot = source.SandboxRoot
	}
	if source.CompositionRoot != "" {
		target.CompositionRoot = source.CompositionRoot
	}
	if source.CapabilityPolicyPath != "" {
		target.CapabilityPolicyPath = source.CapabilityPolicyPath
	}
	if source.DefaultModel != "" {
		target.DefaultModel = source.DefaultModel
	}
	if source.Worker.CompletionWorkers != 0 {
		target.Worker.CompletionWorkers = source.Worker.CompletionWorkers
	}
	if source.Worker.AgentInboxBuffer != 0 {
		target.Worker.AgentInboxBuffer = source.Worker.AgentInboxBuffer
	}
	if source.Worker.TransportInboxBuffer != 0 {
		target.Worker.TransportInboxBuffer = source.Worker.TransportInboxBuffer
	}
	if source.Completion.RequestTimeout != 0 {
		target.Completion.RequestTimeout = source.Completion.RequestTimeout
	}
	if source.Completion.SessionLockTimeout != 0 {
		target.Completion.SessionLockTimeout = source.Completion.SessionLockTimeout
	}
	if source.Completion.MaxRetries != 0 {
		target.Completion.MaxRetries = source.Completion.MaxRetries
	}
	if source.Completion.BackoffBase != 0 {
		target.Completion.BackoffBase = source.Completion.BackoffBase
	}
	if source.Completion.BackoffMax != 0 {
		target.Completion.BackoffMax = source.Completion.BackoffMax
	}
	if source.Completion.GlobalMaxConcurrency != 0 {
		target.Completion.GlobalMaxConcurrency = source.Completion.GlobalMaxConcurrency
	}
	if source.Completion.PerProviderMaxConcurrency != 0 {
		target.Completion.PerProviderMaxConcurrency = source.Completion.PerProviderMaxConcurrency
	}
	if source.Completion.PerModelMaxConcurrency != 0 {
		target.Completion.PerModelMaxConcurrency = source.Completion.PerModelMaxConcurrency
	}
	if source.Subscription.OutboundQueueWatermark != 0 {
		target.Subscription.OutboundQueueWatermark = source.Subscription.OutboundQueueWatermark
	}
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}
}

// applyEnvOverrides applies environment variable overrides, the same
// provider-API-key-from-env pattern the teacher uses.
func applyEnvOverrides(config *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
		"bedrock":   "AWS_ACCESS_KEY_ID",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	if model := os.Getenv("KSID_MODEL"); model != "" {
		config.DefaultModel = model
	}
	if socket := os.Getenv("KSID_SOCKET"); socket != "" {
		config.SocketPath = socket
	}
	if store := os.Getenv("KSID_STORE"); store != "" {
		config.StorePath = store
	}
}

// Save writes the configuration to a file, creating parent directories as
// needed.
func Save(config *types.Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
