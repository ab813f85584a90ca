// Package config loads and validates the engine's YAML configuration:
// runwire.yaml declares agents, workflows, defaults and server settings;
// llm-providers.yaml declares model providers. Environment variables are
// expanded with ${VAR} syntax before parsing. Conditions and templates are
// validated at load time, so a broken expression fails startup instead of a
// run.
package config

// RunwireYAML is the complete runwire.yaml file structure.
type RunwireYAML struct {
	Defaults  *Defaults                 `yaml:"defaults"`
	Agents    map[string]AgentConfig    `yaml:"agents"`
	Workflows map[string]WorkflowConfig `yaml:"workflows"`
	Server    *ServerConfig             `yaml:"server"`
	Trace     *TraceConfig              `yaml:"trace"`
}

// ProvidersYAML is the complete llm-providers.yaml file structure.
type ProvidersYAML struct {
	LLMProviders map[string]ProviderConfig `yaml:"llm_providers"`
}

// Defaults apply to agents that leave the corresponding field unset.
type Defaults struct {
	LLMProvider string `yaml:"llm_provider"`
	MaxSteps    int    `yaml:"max_steps"`
}

// ProviderConfig declares one model provider.
type ProviderConfig struct {
	// Type selects the adapter: "openai", "openai-compatible" or "anthropic".
	Type       string `yaml:"type"`
	Model      string `yaml:"model"`
	APIKeyEnv  string `yaml:"api_key_env"`
	BaseURL    string `yaml:"base_url,omitempty"`
	MaxTokens  int    `yaml:"max_tokens,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty"`
}

// AgentConfig declares one agent.
type AgentConfig struct {
	LLMProvider  string `yaml:"llm_provider,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// Tools names built-in tools ("echo", "clock") available to the agent.
	Tools []string `yaml:"tools,omitempty"`

	// RunnableTools names other agents or workflows exposed to this agent as
	// callable tools. References are resolved after all runnables are built.
	RunnableTools []string `yaml:"runnable_tools,omitempty"`

	MaxSteps  int `yaml:"max_steps,omitempty"`
	MaxTokens int `yaml:"max_tokens,omitempty"`

	TerminationSummary bool   `yaml:"termination_summary,omitempty"`
	SummaryPrompt      string `yaml:"summary_prompt,omitempty"`

	// ToolDescription is shown to calling models when this agent is used as a
	// runnable tool.
	ToolDescription string `yaml:"tool_description,omitempty"`
}

// NodeYAML declares one workflow node.
type NodeYAML struct {
	ID            string `yaml:"id"`
	Runnable      string `yaml:"runnable"`
	InputTemplate string `yaml:"input_template,omitempty"`
	Condition     string `yaml:"condition,omitempty"`
}

// WorkflowConfig declares one workflow. Type selects the shape; loop and
// parallel fields are ignored for the other shapes.
type WorkflowConfig struct {
	Type  string     `yaml:"type"` // pipeline, loop or parallel
	Nodes []NodeYAML `yaml:"nodes"`

	// Loop fields.
	Condition     string `yaml:"condition,omitempty"`
	MaxIterations int    `yaml:"max_iterations,omitempty"`

	// Parallel fields.
	MergeTemplate string `yaml:"merge_template,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
	// RunTimeout caps a run started over HTTP, parsed as a Go duration
	// ("5m", "90s"). Empty means no cap.
	RunTimeout string `yaml:"run_timeout,omitempty"`
}

// TraceConfig holds trace collection and OTLP export settings.
type TraceConfig struct {
	Enabled bool        `yaml:"enabled"`
	OTLP    *OTLPConfig `yaml:"otlp,omitempty"`
}

// OTLPConfig mirrors trace.OTLPConfig in YAML form.
type OTLPConfig struct {
	Protocol   string            `yaml:"protocol,omitempty"` // grpc (default) or http
	Endpoint   string            `yaml:"endpoint"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Insecure   bool              `yaml:"insecure,omitempty"`
	SampleRate float64           `yaml:"sample_rate,omitempty"`
}

// Config is the validated, ready-to-use configuration.
type Config struct {
	Defaults  Defaults
	Providers map[string]ProviderConfig
	Agents    map[string]AgentConfig
	Workflows map[string]WorkflowConfig
	Server    ServerConfig
	Trace     TraceConfig
}

// Stats summarises configured component counts for startup logging.
type Stats struct {
	Providers int
	Agents    int
	Workflows int
}

// Stats returns configured component counts.
func (c *Config) Stats() Stats {
	return Stats{
		Providers: len(c.Providers),
		Agents:    len(c.Agents),
		Workflows: len(c.Workflows),
	}
}
