// Package provider provides the LLM provider abstraction layer.
//
// It implements a unified interface for different Large Language Model
// providers using the Eino framework: Anthropic Claude and OpenAI GPT via
// their native SDKs, Volcengine ARK, and a CLIProvider fallback for any
// provider reached by spawning a local command instead of calling an SDK.
//
// # Core Components
//
//   - Provider: Core interface that all LLM providers must implement
//   - Registry: Manages and coordinates multiple providers
//   - CompletionRequest/CompletionStream: Handles streaming chat completions
//   - Tool conversion utilities for function calling
//
// # Configuration
//
// Providers are configured per entry in types.Config.Provider. An entry
// with Command set becomes a CLIProvider; otherwise the entry is matched
// by name to a native SDK provider (anthropic, openai, ark) using its
// APIKey/BaseURL. InitializeProviders also auto-registers anthropic and
// openai from ANTHROPIC_API_KEY/OPENAI_API_KEY when the config has no
// entry of that name; a disabled entry keeps the provider unregistered.
//
// # Streaming Completions
//
//	stream, err := provider.CreateCompletion(ctx, &CompletionRequest{
//	    Model:     "claude-sonnet-4-20250514",
//	    Messages:  messages,
//	    Tools:     tools,
//	    MaxTokens: 4096,
//	})
//
//	for {
//	    msg, err := stream.Recv()
//	    if err != nil {
//	        break
//	    }
//	    // Process message chunk
//	}
//	stream.Close()
package provider
