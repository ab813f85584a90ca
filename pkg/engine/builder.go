package engine

import (
	"fmt"
	"os"

	"github.com/runwire/runwire/pkg/agent"
	"github.com/runwire/runwire/pkg/config"
	"github.com/runwire/runwire/pkg/llm"
	"github.com/runwire/runwire/pkg/runnable"
	"github.com/runwire/runwire/pkg/tool"
	"github.com/runwire/runwire/pkg/workflow"
)

// newProviderClient builds a model client for one provider entry. The API key
// is read from the environment variable the config names, never stored in the
// config itself.
func newProviderClient(p config.ProviderConfig) (llm.Client, error) {
	apiKey := os.Getenv(p.APIKeyEnv)
	switch p.Type {
	case "anthropic":
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:     apiKey,
			BaseURL:    p.BaseURL,
			Model:      p.Model,
			MaxTokens:  p.MaxTokens,
			MaxRetries: p.MaxRetries,
		})
	case "openai", "openai-compatible":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:     apiKey,
			BaseURL:    p.BaseURL,
			Model:      p.Model,
			MaxTokens:  p.MaxTokens,
			MaxRetries: uint64(p.MaxRetries),
		})
	default:
		return nil, &runnable.ConfigError{Field: "provider.type", Err: fmt.Errorf("unknown provider type %q", p.Type)}
	}
}

func builtinTool(name string) (tool.Tool, error) {
	switch name {
	case "echo":
		return tool.EchoTool{}, nil
	case "clock":
		return tool.ClockTool{}, nil
	default:
		return nil, &runnable.ConfigError{Field: "agent.tools", Err: fmt.Errorf("unknown tool %q", name)}
	}
}

// builder assembles agents and workflows from config into a registry,
// resolving cross-references in dependency order.
type builder struct {
	cfg     *config.Config
	clients map[string]llm.Client
	built   map[string]runnable.Runnable
	// visiting marks ids on the current resolution path for cycle detection.
	visiting map[string]bool
	registry *runnable.Registry
}

func buildRegistry(cfg *config.Config, clients map[string]llm.Client) (*runnable.Registry, error) {
	b := &builder{
		cfg:      cfg,
		clients:  clients,
		built:    make(map[string]runnable.Runnable),
		visiting: make(map[string]bool),
		registry: runnable.NewRegistry(),
	}
	for id := range cfg.Agents {
		if _, err := b.resolve(id); err != nil {
			return nil, err
		}
	}
	for id := range cfg.Workflows {
		if _, err := b.resolve(id); err != nil {
			return nil, err
		}
	}
	return b.registry, nil
}

func (b *builder) resolve(id string) (runnable.Runnable, error) {
	if r, ok := b.built[id]; ok {
		return r, nil
	}
	if b.visiting[id] {
		return nil, &runnable.ConfigError{Field: "runnable", Err: fmt.Errorf("dependency cycle through %q", id)}
	}
	b.visiting[id] = true
	defer delete(b.visiting, id)

	var r runnable.Runnable
	var err error
	if acfg, ok := b.cfg.Agents[id]; ok {
		r, err = b.buildAgent(id, acfg)
	} else if wcfg, ok := b.cfg.Workflows[id]; ok {
		r, err = b.buildWorkflow(id, wcfg)
	} else {
		err = fmt.Errorf("runnable %q: %w", id, runnable.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	b.built[id] = r
	if err := b.registry.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *builder) buildAgent(id string, acfg config.AgentConfig) (runnable.Runnable, error) {
	provider := acfg.LLMProvider
	if provider == "" {
		provider = b.cfg.Defaults.LLMProvider
	}
	client, ok := b.clients[provider]
	if !ok {
		return nil, &runnable.ConfigError{Field: "agent.llm_provider",
			Err: fmt.Errorf("agent %q: no client for provider %q", id, provider)}
	}

	var tools []tool.Tool
	for _, name := range acfg.Tools {
		t, err := builtinTool(name)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", id, err)
		}
		tools = append(tools, t)
	}
	for _, ref := range acfg.RunnableTools {
		target, err := b.resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("agent %q: runnable tool %q: %w", id, ref, err)
		}
		tools = append(tools, tool.NewRunnableTool(target, b.toolDescription(ref)))
	}

	exec, err := tool.NewExecutor(tools...)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", id, err)
	}

	maxSteps := acfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = b.cfg.Defaults.MaxSteps
	}
	return agent.New(agent.Config{
		ID:                       id,
		SystemPrompt:             acfg.SystemPrompt,
		Client:                   client,
		Tools:                    exec,
		MaxSteps:                 maxSteps,
		MaxTokens:                acfg.MaxTokens,
		EnableTerminationSummary: acfg.TerminationSummary,
		SummaryPrompt:            acfg.SummaryPrompt,
	})
}

// toolDescription returns what a calling model sees for a runnable tool: the
// target agent's configured description, or a generic fallback.
func (b *builder) toolDescription(ref string) string {
	if acfg, ok := b.cfg.Agents[ref]; ok && acfg.ToolDescription != "" {
		return acfg.ToolDescription
	}
	return fmt.Sprintf("Delegates the given input to the %q runnable and returns its response.", ref)
}

func (b *builder) buildWorkflow(id string, wcfg config.WorkflowConfig) (runnable.Runnable, error) {
	nodes := make([]workflow.Node, 0, len(wcfg.Nodes))
	for _, n := range wcfg.Nodes {
		target, err := b.resolve(n.Runnable)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: node %q: %w", id, n.ID, err)
		}
		node, err := workflow.NewNode(workflow.NodeConfig{
			ID:            n.ID,
			Runnable:      target,
			InputTemplate: n.InputTemplate,
			Condition:     n.Condition,
		})
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", id, err)
		}
		nodes = append(nodes, node)
	}

	switch wcfg.Type {
	case "pipeline":
		return workflow.NewPipeline(id, nodes...)
	case "loop":
		return workflow.NewLoop(workflow.LoopConfig{
			ID:            id,
			Condition:     wcfg.Condition,
			MaxIterations: wcfg.MaxIterations,
			Nodes:         nodes,
		})
	case "parallel":
		return workflow.NewParallel(workflow.ParallelConfig{
			ID:            id,
			MergeTemplate: wcfg.MergeTemplate,
			Branches:      nodes,
		})
	default:
		return nil, &runnable.ConfigError{Field: "workflow.type",
			Err: fmt.Errorf("workflow %q: unknown type %q", id, wcfg.Type)}
	}
}
