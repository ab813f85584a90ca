package workflow

import (
	"fmt"

	"github.com/runwire/runwire/pkg/runnable"
)

// NodeConfig declares one workflow node: a child Runnable, the template its
// input is rendered from, and an optional gate condition.
type NodeConfig struct {
	ID            string
	Runnable      runnable.Runnable
	InputTemplate string
	Condition     string
}

// Node is a validated, compiled workflow node.
type Node struct {
	ID            string
	Runnable      runnable.Runnable
	InputTemplate string
	Condition     *Condition

	deps []string
}

// NewNode validates the config and compiles its template and condition.
// An empty input template defaults to passing the workflow input through.
func NewNode(cfg NodeConfig) (Node, error) {
	if cfg.ID == "" {
		return Node{}, &runnable.ConfigError{Field: "node.id", Err: fmt.Errorf("is required")}
	}
	if cfg.Runnable == nil {
		return Node{}, &runnable.ConfigError{Field: "node.runnable", Err: fmt.Errorf("node %q has no runnable", cfg.ID)}
	}
	if cfg.InputTemplate == "" {
		cfg.InputTemplate = "{input}"
	}
	if err := ValidateTemplate(cfg.InputTemplate); err != nil {
		return Node{}, &runnable.ConfigError{Field: "node.input_template", Err: fmt.Errorf("node %q: %w", cfg.ID, err)}
	}
	n := Node{
		ID:            cfg.ID,
		Runnable:      cfg.Runnable,
		InputTemplate: cfg.InputTemplate,
		deps:          TemplateDependencies(cfg.InputTemplate),
	}
	if cfg.Condition != "" {
		cond, err := CompileCondition(cfg.Condition)
		if err != nil {
			return Node{}, err
		}
		n.Condition = cond
	}
	return n, nil
}

// Dependencies returns the node ids this node's template reads.
func (n Node) Dependencies() []string {
	return n.deps
}

func validateNodes(nodes []Node) error {
	if len(nodes) == 0 {
		return &runnable.ConfigError{Field: "nodes", Err: fmt.Errorf("at least one node is required")}
	}
	seen := map[string]bool{}
	for _, n := range nodes {
		if seen[n.ID] {
			return &runnable.ConfigError{Field: "nodes", Err: fmt.Errorf("duplicate node id %q", n.ID)}
		}
		seen[n.ID] = true
	}
	return nil
}
