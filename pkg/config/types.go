// Package config implements the Configuration Index (C1): hierarchical
// discovery and first-match resolution of component definitions across
// nested ".aurite" anchor files, plus the typed shapes every component
// document decodes into.
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Kind identifies the declared type of a component document.
type Kind string

const (
	KindAgent          Kind = "agent"
	KindLLM            Kind = "llm"
	KindMCPServer      Kind = "mcp_server"
	KindLinearWorkflow Kind = "linear_workflow"
	KindCustomWorkflow Kind = "custom_workflow"
)

// ContextLevel is the provenance tier a ComponentRecord was discovered at.
type ContextLevel string

const (
	LevelProgrammatic ContextLevel = "programmatic"
	LevelProject      ContextLevel = "project"
	LevelWorkspace    ContextLevel = "workspace"
	LevelUser         ContextLevel = "user"
)

// ComponentRecord is a parsed, validated configuration document plus its
// provenance, per §3. (kind, id) is unique within a published Index
// snapshot; programmatic records always win over file-based ones of
// equal (kind, id).
type ComponentRecord struct {
	Kind    Kind
	ID      string
	Body    map[string]any
	Source  string // absolute path of the file this record was read from; empty for programmatic records
	Context string // directory the record's path-bearing fields resolve against
	Level   ContextLevel
}

func (r *ComponentRecord) decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "yaml",
	})
	if err != nil {
		return fmt.Errorf("config: build decoder for %s %q: %w", r.Kind, r.ID, err)
	}
	return dec.Decode(r.Body)
}

// AsAgentConfig decodes the record's body as an AgentConfig.
func (r *ComponentRecord) AsAgentConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{}
	if err := r.decode(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// AsToolServerConfig decodes the record's body as a ToolServerConfig.
// Path-bearing fields are resolved relative to the record's context
// directory (§4.1: "Path-bearing fields... are resolved lazily on get").
func (r *ComponentRecord) AsToolServerConfig() (*ToolServerConfig, error) {
	cfg := &ToolServerConfig{}
	if err := r.decode(cfg); err != nil {
		return nil, err
	}
	cfg.ServerPath = r.ResolvePath(cfg.ServerPath)
	return cfg, nil
}

// AsLLMConfig decodes the record's body as an LLMConfig.
func (r *ComponentRecord) AsLLMConfig() (*LLMConfig, error) {
	cfg := &LLMConfig{}
	if err := r.decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AsLinearWorkflowConfig decodes the record's body as a LinearWorkflowConfig.
func (r *ComponentRecord) AsLinearWorkflowConfig() (*LinearWorkflowConfig, error) {
	cfg := &LinearWorkflowConfig{}
	if err := r.decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AsCustomWorkflowConfig decodes the record's body as a CustomWorkflowConfig.
// EntryPoint is left as decoded: it may name either a registered
// in-process callable (an opaque key, not a path) or an external plugin
// binary, and only the latter is path-bearing. The Engine resolves it
// against the record's context directory itself, after first checking
// whether it matches a registered in-process name (pkg/engine/engine.go).
func (r *ComponentRecord) AsCustomWorkflowConfig() (*CustomWorkflowConfig, error) {
	cfg := &CustomWorkflowConfig{}
	if err := r.decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AgentOverrides carries per-agent LLM parameter overrides that win over
// the referenced LLMConfig's own defaults (§4.4).
type AgentOverrides struct {
	Model        string   `yaml:"model,omitempty" jsonschema:"title=Model override"`
	Temperature  *float64 `yaml:"temperature,omitempty" jsonschema:"title=Temperature override"`
	MaxTokens    int      `yaml:"max_tokens,omitempty" jsonschema:"title=Max tokens override"`
	SystemPrompt string   `yaml:"system_prompt,omitempty" jsonschema:"title=System prompt override"`
}

// AgentConfig configures an agent component (§3).
type AgentConfig struct {
	Name               string          `yaml:"name" jsonschema:"title=Agent id,required"`
	LLMConfigID        string          `yaml:"llm_config_id,omitempty" jsonschema:"title=LLM config reference"`
	Overrides          *AgentOverrides `yaml:"overrides,omitempty"`
	ToolServers        []string        `yaml:"tool_servers,omitempty" jsonschema:"title=Ordered tool server ids"`
	MaxIterations      int             `yaml:"max_iterations,omitempty" jsonschema:"title=Max turn-loop iterations,minimum=1,default=10"`
	IncludeHistory     bool            `yaml:"include_history,omitempty"`
	ResponseSchema     map[string]any  `yaml:"response_schema,omitempty" jsonschema:"title=JSON Schema the final message must satisfy"`
	ExcludedComponents []string        `yaml:"excluded_components,omitempty" jsonschema:"title=Qualified tool names to exclude"`
	AutoTools          bool            `yaml:"auto_tools,omitempty"`
}

func (a *AgentConfig) applyDefaults() {
	if a.MaxIterations < 1 {
		a.MaxIterations = 10
	}
}

// Validate checks AgentConfig invariants (§3: max_iterations >= 1).
func (a *AgentConfig) Validate() []FieldError {
	var errs []FieldError
	if a.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "must not be empty"})
	}
	if a.MaxIterations < 1 {
		errs = append(errs, FieldError{Field: "max_iterations", Message: "must be >= 1"})
	}
	return errs
}

// Transport identifies how a tool server's transport is established (§4.3).
type Transport string

const (
	TransportSubprocess Transport = "subprocess"
	TransportCommand    Transport = "command"
	TransportHTTPStream Transport = "http_stream"
)

// ToolServerConfig configures a tool server component (§3).
type ToolServerConfig struct {
	Name                 string            `yaml:"name" jsonschema:"title=Tool server id,required"`
	Transport            Transport         `yaml:"transport" jsonschema:"enum=subprocess,enum=command,enum=http_stream,required"`
	ServerPath           string            `yaml:"server_path,omitempty" jsonschema:"title=Executable path (subprocess)"`
	Command              string            `yaml:"command,omitempty" jsonschema:"title=Command line (command)"`
	Args                 []string          `yaml:"args,omitempty"`
	Env                  map[string]string `yaml:"env,omitempty"`
	HTTPEndpoint         string            `yaml:"http_endpoint,omitempty" jsonschema:"title=Streaming HTTP endpoint"`
	Headers              map[string]string `yaml:"headers,omitempty"`
	Capabilities         []string          `yaml:"capabilities,omitempty"`
	TimeoutSeconds       int               `yaml:"timeout_seconds,omitempty" jsonschema:"default=30"`
	RegistrationTimeoutS int               `yaml:"registration_timeout_seconds,omitempty" jsonschema:"default=30"`
}

// Validate checks that the fields required by the declared transport are
// present (§3 invariant).
func (t *ToolServerConfig) Validate() []FieldError {
	var errs []FieldError
	if t.Name == "" {
		errs = append(errs, FieldError{Field: "name", Message: "must not be empty"})
	}
	switch t.Transport {
	case TransportSubprocess:
		if t.ServerPath == "" {
			errs = append(errs, FieldError{Field: "server_path", Message: "required for subprocess transport"})
		}
	case TransportCommand:
		if t.Command == "" {
			errs = append(errs, FieldError{Field: "command", Message: "required for command transport"})
		}
	case TransportHTTPStream:
		if t.HTTPEndpoint == "" {
			errs = append(errs, FieldError{Field: "http_endpoint", Message: "required for http_stream transport"})
		}
	default:
		errs = append(errs, FieldError{Field: "transport", Message: "must be one of subprocess, command, http_stream"})
	}
	return errs
}

// RegistrationTimeout returns the configured registration timeout, or a
// default of 30s.
func (t *ToolServerConfig) RegistrationTimeout() int {
	if t.RegistrationTimeoutS <= 0 {
		return 30
	}
	return t.RegistrationTimeoutS
}

// Timeout returns the configured per-call timeout, or a default of 30s.
func (t *ToolServerConfig) Timeout() int {
	if t.TimeoutSeconds <= 0 {
		return 30
	}
	return t.TimeoutSeconds
}

// ThinkingConfig enables and bounds a provider's extended-thinking mode.
type ThinkingConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
	Budget  int  `yaml:"budget,omitempty"`
}

// LLMConfig configures a model client component.
type LLMConfig struct {
	Name        string          `yaml:"name" jsonschema:"title=LLM config id,required"`
	Provider    string          `yaml:"provider" jsonschema:"enum=anthropic,enum=openai,enum=gemini,required"`
	Model       string          `yaml:"model,omitempty"`
	APIKey      string          `yaml:"api_key,omitempty"`
	BaseURL     string          `yaml:"base_url,omitempty"`
	Temperature *float64        `yaml:"temperature,omitempty"`
	MaxTokens   int             `yaml:"max_tokens,omitempty"`
	Thinking    *ThinkingConfig `yaml:"thinking,omitempty"`
}

// LinearWorkflowStep references one component invoked by a linear workflow.
type LinearWorkflowStep struct {
	ComponentID   string `yaml:"component_id" jsonschema:"required"`
	ComponentKind Kind   `yaml:"component_kind,omitempty" jsonschema:"default=agent"`
}

// LinearWorkflowConfig configures a sequential workflow (§4.6).
type LinearWorkflowConfig struct {
	Name  string               `yaml:"name" jsonschema:"required"`
	Steps []LinearWorkflowStep `yaml:"steps" jsonschema:"required"`
}

// CustomWorkflowConfig configures a user-supplied custom workflow (§4.6).
// EntryPoint is either a registered programmatic callable's name or an
// external plugin binary path loaded via go-plugin.
type CustomWorkflowConfig struct {
	Name       string `yaml:"name" jsonschema:"required"`
	EntryPoint string `yaml:"entry_point" jsonschema:"required"`
}
