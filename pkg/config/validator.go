package config

import (
	"fmt"
	"time"

	"github.com/runwire/runwire/pkg/workflow"
)

// builtinTools are the tool names resolvable from agent `tools` lists.
var builtinTools = map[string]bool{
	"echo":  true,
	"clock": true,
}

var workflowTypes = map[string]bool{
	"pipeline": true,
	"loop":     true,
	"parallel": true,
}

type validator struct {
	cfg *Config
}

func newValidator(cfg *Config) *validator {
	return &validator{cfg: cfg}
}

func (v *validator) validateAll() error {
	if err := v.validateProviders(); err != nil {
		return err
	}
	if err := v.validateDefaults(); err != nil {
		return err
	}
	if err := v.validateAgents(); err != nil {
		return err
	}
	if err := v.validateWorkflows(); err != nil {
		return err
	}
	if err := v.validateServer(); err != nil {
		return err
	}
	return v.validateTrace()
}

func (v *validator) validateProviders() error {
	for id, p := range v.cfg.Providers {
		switch p.Type {
		case "openai", "openai-compatible", "anthropic":
		case "":
			return &ValidationError{Component: "provider", ID: id, Field: "type", Err: ErrMissingRequiredField}
		default:
			return &ValidationError{Component: "provider", ID: id, Field: "type",
				Err: fmt.Errorf("%w: %q (want openai, openai-compatible or anthropic)", ErrInvalidValue, p.Type)}
		}
		if p.Model == "" {
			return &ValidationError{Component: "provider", ID: id, Field: "model", Err: ErrMissingRequiredField}
		}
		if p.APIKeyEnv == "" {
			return &ValidationError{Component: "provider", ID: id, Field: "api_key_env", Err: ErrMissingRequiredField}
		}
	}
	return nil
}

func (v *validator) validateDefaults() error {
	d := v.cfg.Defaults
	if d.LLMProvider != "" {
		if _, ok := v.cfg.Providers[d.LLMProvider]; !ok {
			return &ValidationError{Component: "defaults", ID: "defaults", Field: "llm_provider",
				Err: fmt.Errorf("%w: unknown provider %q", ErrInvalidReference, d.LLMProvider)}
		}
	}
	return nil
}

// runnableExists reports whether id names a configured agent or workflow.
func (v *validator) runnableExists(id string) bool {
	if _, ok := v.cfg.Agents[id]; ok {
		return true
	}
	_, ok := v.cfg.Workflows[id]
	return ok
}

func (v *validator) validateAgents() error {
	for id, a := range v.cfg.Agents {
		provider := a.LLMProvider
		if provider == "" {
			provider = v.cfg.Defaults.LLMProvider
		}
		if provider == "" {
			return &ValidationError{Component: "agent", ID: id, Field: "llm_provider",
				Err: fmt.Errorf("%w: no provider set and no default configured", ErrMissingRequiredField)}
		}
		if _, ok := v.cfg.Providers[provider]; !ok {
			return &ValidationError{Component: "agent", ID: id, Field: "llm_provider",
				Err: fmt.Errorf("%w: unknown provider %q", ErrInvalidReference, provider)}
		}
		for _, name := range a.Tools {
			if !builtinTools[name] {
				return &ValidationError{Component: "agent", ID: id, Field: "tools",
					Err: fmt.Errorf("%w: unknown tool %q", ErrInvalidReference, name)}
			}
		}
		for _, ref := range a.RunnableTools {
			if ref == id {
				return &ValidationError{Component: "agent", ID: id, Field: "runnable_tools",
					Err: fmt.Errorf("%w: agent cannot expose itself as a tool", ErrInvalidValue)}
			}
			if !v.runnableExists(ref) {
				return &ValidationError{Component: "agent", ID: id, Field: "runnable_tools",
					Err: fmt.Errorf("%w: unknown runnable %q", ErrInvalidReference, ref)}
			}
		}
		if _, clash := v.cfg.Workflows[id]; clash {
			return &ValidationError{Component: "agent", ID: id,
				Err: fmt.Errorf("%w: id collides with a workflow", ErrInvalidValue)}
		}
	}
	return nil
}

func (v *validator) validateWorkflows() error {
	for id, w := range v.cfg.Workflows {
		if !workflowTypes[w.Type] {
			return &ValidationError{Component: "workflow", ID: id, Field: "type",
				Err: fmt.Errorf("%w: %q (want pipeline, loop or parallel)", ErrInvalidValue, w.Type)}
		}
		if len(w.Nodes) == 0 {
			return &ValidationError{Component: "workflow", ID: id, Field: "nodes",
				Err: fmt.Errorf("%w: at least one node is required", ErrMissingRequiredField)}
		}
		seen := map[string]bool{}
		for _, n := range w.Nodes {
			if n.ID == "" {
				return &ValidationError{Component: "workflow", ID: id, Field: "nodes",
					Err: fmt.Errorf("%w: node id", ErrMissingRequiredField)}
			}
			if seen[n.ID] {
				return &ValidationError{Component: "workflow", ID: id, Field: "nodes",
					Err: fmt.Errorf("%w: duplicate node id %q", ErrInvalidValue, n.ID)}
			}
			seen[n.ID] = true

			if n.Runnable == id {
				return &ValidationError{Component: "workflow", ID: id, Field: "nodes",
					Err: fmt.Errorf("%w: node %q references its own workflow", ErrInvalidValue, n.ID)}
			}
			if !v.runnableExists(n.Runnable) {
				return &ValidationError{Component: "workflow", ID: id, Field: "nodes",
					Err: fmt.Errorf("%w: node %q references unknown runnable %q", ErrInvalidReference, n.ID, n.Runnable)}
			}
			if n.InputTemplate != "" {
				if err := workflow.ValidateTemplate(n.InputTemplate); err != nil {
					return &ValidationError{Component: "workflow", ID: id, Field: "nodes",
						Err: fmt.Errorf("node %q: %w", n.ID, err)}
				}
			}
			if n.Condition != "" {
				if w.Type == "parallel" {
					return &ValidationError{Component: "workflow", ID: id, Field: "nodes",
						Err: fmt.Errorf("%w: branch %q: parallel branches cannot be conditional", ErrInvalidValue, n.ID)}
				}
				if _, err := workflow.CompileCondition(n.Condition); err != nil {
					return &ValidationError{Component: "workflow", ID: id, Field: "nodes",
						Err: fmt.Errorf("node %q: %w", n.ID, err)}
				}
			}
		}
		if w.Condition != "" {
			if w.Type != "loop" {
				return &ValidationError{Component: "workflow", ID: id, Field: "condition",
					Err: fmt.Errorf("%w: only loop workflows take a continue condition", ErrInvalidValue)}
			}
			if _, err := workflow.CompileCondition(w.Condition); err != nil {
				return &ValidationError{Component: "workflow", ID: id, Field: "condition", Err: err}
			}
		}
		if w.MergeTemplate != "" {
			if w.Type != "parallel" {
				return &ValidationError{Component: "workflow", ID: id, Field: "merge_template",
					Err: fmt.Errorf("%w: only parallel workflows take a merge template", ErrInvalidValue)}
			}
			if err := workflow.ValidateTemplate(w.MergeTemplate); err != nil {
				return &ValidationError{Component: "workflow", ID: id, Field: "merge_template", Err: err}
			}
		}
		if w.MaxIterations < 0 {
			return &ValidationError{Component: "workflow", ID: id, Field: "max_iterations",
				Err: fmt.Errorf("%w: must not be negative", ErrInvalidValue)}
		}
	}
	return nil
}

func (v *validator) validateServer() error {
	if v.cfg.Server.RunTimeout != "" {
		if _, err := time.ParseDuration(v.cfg.Server.RunTimeout); err != nil {
			return &ValidationError{Component: "server", ID: "server", Field: "run_timeout",
				Err: fmt.Errorf("%w: %v", ErrInvalidValue, err)}
		}
	}
	return nil
}

func (v *validator) validateTrace() error {
	t := v.cfg.Trace
	if !t.Enabled || t.OTLP == nil {
		return nil
	}
	if t.OTLP.Endpoint == "" {
		return &ValidationError{Component: "trace", ID: "otlp", Field: "endpoint", Err: ErrMissingRequiredField}
	}
	switch t.OTLP.Protocol {
	case "", "grpc", "http":
	default:
		return &ValidationError{Component: "trace", ID: "otlp", Field: "protocol",
			Err: fmt.Errorf("%w: %q (want grpc or http)", ErrInvalidValue, t.OTLP.Protocol)}
	}
	if t.OTLP.SampleRate < 0 || t.OTLP.SampleRate > 1 {
		return &ValidationError{Component: "trace", ID: "otlp", Field: "sample_rate",
			Err: fmt.Errorf("%w: must be within [0, 1]", ErrInvalidValue)}
	}
	return nil
}

// RunTimeout returns the parsed server run timeout; zero when unset.
func (c *Config) RunTimeout() time.Duration {
	if c.Server.RunTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Server.RunTimeout)
	if err != nil {
		return 0
	}
	return d
}
