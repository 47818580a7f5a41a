package composition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ksi-dev/ksid/internal/errs"
	"github.com/ksi-dev/ksid/pkg/types"
)

// rawComponent is a component definition exactly as read from disk,
// before extends/mixins resolution or variable substitution.
type rawComponent struct {
	Name         string                `yaml:"name"`
	Version      string                `yaml:"version"`
	Kind         types.CompositionKind `yaml:"component_type"`
	Extends      string                `yaml:"extends"`
	Mixins       []string              `yaml:"mixins"`
	Capabilities []string              `yaml:"capabilities"`
	Vars         map[string]any        `yaml:"vars"`
	Body         map[string]any        `yaml:"body"`
	SourcePath   string                `yaml:"-"`
}

// frontmatter is the subset of rawComponent's fields that can appear in a
// markdown file's YAML frontmatter block; Body is populated separately
// from the markdown content that follows it.
type frontmatter struct {
	Name         string                `yaml:"name"`
	Version      string                `yaml:"version"`
	Kind         types.CompositionKind `yaml:"component_type"`
	Extends      string                `yaml:"extends"`
	Mixins       []string              `yaml:"mixins"`
	Capabilities []string              `yaml:"capabilities"`
	Vars         map[string]any        `yaml:"vars"`
}

// parseFile reads a single component definition. YAML files (.yaml/.yml)
// are a complete structured document; Markdown files (.md) carry their
// metadata as a leading YAML frontmatter block delimited by `---` lines,
// with the rest of the file as body content — generalized from
// internal/command/executor.go's parseMarkdownCommand, which does the
// same split by hand with a line-by-line scan instead of a YAML parser.
func parseFile(path string) (*rawComponent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("composition: read %s: %w", path, errs.Wrapped(errs.ErrIO, err))
	}

	var raw *rawComponent
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		raw, err = parseYAMLComponent(data)
	case ".md":
		raw, err = parseMarkdownComponent(data)
	default:
		return nil, fmt.Errorf("composition: unsupported extension for %s: %w", path, errs.ErrInvalidArgument)
	}
	if err != nil {
		return nil, fmt.Errorf("composition: parse %s: %w", path, err)
	}
	raw.SourcePath = path
	if raw.Name == "" {
		raw.Name = defaultName(path)
	}
	return raw, nil
}

func parseYAMLComponent(data []byte) (*rawComponent, error) {
	var raw rawComponent
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrapped(errs.ErrInvalidArgument, err)
	}
	return &raw, nil
}

func parseMarkdownComponent(data []byte) (*rawComponent, error) {
	content := string(data)
	var fm frontmatter
	body := content

	if rest, block, ok := splitFrontmatter(content); ok {
		if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
			return nil, errs.Wrapped(errs.ErrInvalidArgument, err)
		}
		body = rest
	}

	return &rawComponent{
		Name:         fm.Name,
		Version:      fm.Version,
		Kind:         fm.Kind,
		Extends:      fm.Extends,
		Mixins:       fm.Mixins,
		Capabilities: fm.Capabilities,
		Vars:         fm.Vars,
		Body:         map[string]any{"content": strings.TrimSpace(body)},
	}, nil
}

// splitFrontmatter extracts a leading `---\n ... \n---` YAML block, returning
// the remaining document body, the frontmatter block's raw text, and
// whether one was found.
func splitFrontmatter(content string) (body, block string, ok bool) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return content, "", false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			block = strings.Join(lines[1:i], "\n")
			body = strings.Join(lines[i+1:], "\n")
			return body, block, true
		}
	}
	return content, "", false
}

func defaultName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
