package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ksi-dev/ksid/pkg/types"
)

// CLIConfig configures a CLIProvider: a provider with no native Eino SDK,
// reached instead by spawning a configured command per completion and
// exchanging the prompt over stdin/stdout.
type CLIConfig struct {
	ID      string
	Command []string // argv, run as given (Model is not substituted into it), e.g. {"llm", "-m", "gpt-4o"}
	Model   string
}

// CLIProvider satisfies Provider by spawning an external process for each
// completion instead of calling an SDK. It has no Eino ChatModel of its
// own; CreateCompletion builds the response stream directly from the
// subprocess's stdout.
//
// Grounded on internal/mcp/transport.go's StdioTransport for the
// exec.CommandContext + stdin/stdout pipe plumbing, generalized from a
// long-lived JSON-RPC subprocess to a one-shot-per-request CLI invocation.
type CLIProvider struct {
	config *CLIConfig
	models []types.Model
}

// NewCLIProvider creates a CLIProvider. Command must name an executable on
// PATH or an absolute path; it is never interpreted through a shell.
func NewCLIProvider(cfg *CLIConfig) (*CLIProvider, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("provider: CLI provider %q has no command configured", cfg.ID)
	}
	return &CLIProvider{
		config: cfg,
		models: []types.Model{{ID: cfg.Model, ProviderID: cfg.ID, SupportsTools: false}},
	}, nil
}

// ID returns the provider identifier.
func (p *CLIProvider) ID() string { return p.config.ID }

// Name returns the human-readable provider name.
func (p *CLIProvider) Name() string { return p.config.ID + " (CLI)" }

// Models returns the single model this CLI invocation is configured for.
func (p *CLIProvider) Models() []types.Model { return p.models }

// ChatModel has no equivalent for a spawned-process provider.
func (p *CLIProvider) ChatModel() model.ToolCallingChatModel { return nil }

// CreateCompletion spawns the configured command, writes the rendered
// prompt to its stdin, and reads its full stdout as the completion text.
// CLI providers do not support incremental token streaming; the returned
// stream yields exactly one message.
func (p *CLIProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	prompt := renderPrompt(req.Messages)

	cmd := exec.CommandContext(ctx, p.config.Command[0], p.config.Command[1:]...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("provider: CLI command %q failed: %w: %s", p.config.Command[0], err, stderr.String())
	}

	msg := &schema.Message{Role: schema.Assistant, Content: stdout.String()}
	return NewCompletionStream(schema.StreamReaderFromArray([]*schema.Message{msg}), resolveSessionID(req.SessionID)), nil
}

// renderPrompt flattens an Eino message slice to plain text, the only
// input shape a spawned CLI process understands.
func renderPrompt(messages []*schema.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
