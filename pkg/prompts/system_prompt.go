package prompts

import (
	"bytes"
	"embed"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcporch/pkg/llms"
	"github.com/effective-security/x/values"
)

const (
	// DefaultUserPrompt is used when no user system prompt is configured.
	DefaultUserPrompt = "You are an intelligent assistant capable of using tools to solve user queries effectively."
	// DefaultToolConfig is used when no tool configuration is provided.
	DefaultToolConfig = "No additional configuration is required."
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var systemTemplate = template.Must(
	template.New("system.tmpl").
		Funcs(sprig.TxtFuncMap()).
		ParseFS(templatesFS, "templates/system.tmpl"),
)

// SystemPromptConfig configures the generated system prompt.
type SystemPromptConfig struct {
	// UserPrompt is the role description of the assistant
	UserPrompt string `json:"user_prompt,omitempty" yaml:"user_prompt,omitempty"`
	// ToolConfig provides additional instructions on tool usage
	ToolConfig string `json:"tool_config,omitempty" yaml:"tool_config,omitempty"`
	// Reasoning includes step by step reasoning guidelines
	Reasoning bool `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	// Notes are appended to the guidelines
	Notes []string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

type toolDescription struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema,omitempty"`
}

type toolsDescription struct {
	Tools []toolDescription `json:"tools"`
}

// SystemPrompt renders the system prompt for the available tools.
func SystemPrompt(tools []llms.Tool, cfg *SystemPromptConfig) (string, error) {
	if cfg == nil {
		cfg = &SystemPromptConfig{}
	}

	d := toolsDescription{
		Tools: make([]toolDescription, 0, len(tools)),
	}
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		td := toolDescription{
			Name:        t.Function.Name,
			Description: t.Function.Description,
		}
		if t.Function.Parameters != nil {
			td.InputSchema = t.Function.Parameters
		}
		d.Tools = append(d.Tools, td)
	}

	var buf bytes.Buffer
	err := systemTemplate.Execute(&buf, map[string]any{
		"Tools":      d,
		"UserPrompt": values.StringsCoalesce(cfg.UserPrompt, DefaultUserPrompt),
		"ToolConfig": values.StringsCoalesce(cfg.ToolConfig, DefaultToolConfig),
		"Reasoning":  cfg.Reasoning,
		"Notes":      cfg.Notes,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to render system prompt")
	}
	return buf.String(), nil
}
