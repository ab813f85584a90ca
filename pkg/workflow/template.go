// Package workflow implements the three workflow engines: Pipeline (ordered
// nodes with condition gating and idempotent resume), Loop (repeated node list
// with iteration snapshots) and Parallel (concurrent branches with sequence
// pre-allocation and merged output). Workflows are Runnables, so they nest
// inside each other and inside agents via RunnableTool.
package workflow

import (
	"fmt"
	"strings"
)

// Scope is the variable environment templates and conditions resolve against.
// Keys are node ids (value = that node's output), "input" (the workflow's
// query), "nodes" (node id -> {"output": ...}) and "loop" ("last", "history",
// "iteration").
type Scope map[string]any

// NewScope seeds a scope with the workflow input.
func NewScope(input string) Scope {
	return Scope{
		"input": input,
		"nodes": map[string]any{},
	}
}

// SetNodeOutput records a node's output under both its bare id and the
// nodes.<id>.output path.
func (s Scope) SetNodeOutput(nodeID, output string) {
	s[nodeID] = output
	nodes, _ := s["nodes"].(map[string]any)
	if nodes == nil {
		nodes = map[string]any{}
		s["nodes"] = nodes
	}
	nodes[nodeID] = map[string]any{"output": output}
}

// NodeOutputs returns the bare node id -> output entries of the scope.
func (s Scope) NodeOutputs() map[string]any {
	nodes, _ := s["nodes"].(map[string]any)
	out := make(map[string]any, len(nodes))
	for id, v := range nodes {
		if m, ok := v.(map[string]any); ok {
			out[id] = m["output"]
		}
	}
	return out
}

// Resolve looks a dotted path up in the scope. The second return reports
// whether every segment resolved.
func (s Scope) Resolve(path string) (any, bool) {
	var cur any = map[string]any(s)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// RenderTemplate substitutes every {path} placeholder with the path's value
// from the scope. Unresolved placeholders render empty, matching the
// falsy-when-absent rule of conditions.
func RenderTemplate(tpl string, scope Scope) string {
	var b strings.Builder
	rest := tpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		path := rest[open+1 : open+closing]
		if v, ok := scope.Resolve(strings.TrimSpace(path)); ok {
			b.WriteString(stringify(v))
		}
		rest = rest[open+closing+1:]
	}
}

// ValidateTemplate rejects malformed placeholders at load time.
func ValidateTemplate(tpl string) error {
	rest := tpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			return nil
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return fmt.Errorf("unclosed placeholder at offset %d", open)
		}
		path := strings.TrimSpace(rest[open+1 : open+closing])
		if path == "" {
			return fmt.Errorf("empty placeholder at offset %d", open)
		}
		for _, r := range path {
			if !isPathRune(r) {
				return fmt.Errorf("invalid placeholder %q", path)
			}
		}
		rest = rest[open+closing+1:]
	}
}

// TemplateDependencies extracts the node ids a template reads, from both
// nodes.<id>.output and loop.last.<id> references.
func TemplateDependencies(tpl string) []string {
	var deps []string
	seen := map[string]bool{}
	rest := tpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			return deps
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return deps
		}
		path := strings.TrimSpace(rest[open+1 : open+closing])
		parts := strings.Split(path, ".")
		var dep string
		switch {
		case len(parts) == 3 && parts[0] == "nodes" && parts[2] == "output":
			dep = parts[1]
		case len(parts) == 3 && parts[0] == "loop" && parts[1] == "last":
			dep = parts[2]
		}
		if dep != "" && !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
		rest = rest[open+closing+1:]
	}
}

func isPathRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '-', r == '.':
		return true
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
