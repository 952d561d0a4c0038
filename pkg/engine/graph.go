package engine

import (
	"fmt"
	"sort"
	"strings"
)

// ValidateGraph checks a desired-state graph for structural errors:
// empty or duplicate names, references to undeclared nodes, and
// dependency cycles. Cycles are a validation error, never a runtime
// case; a traversal whose target graph fails validation never starts.
func ValidateGraph(g *Graph) error {
	if g == nil {
		return NewPermanentError("graph is nil", nil).WithCode(ErrCodeValidation)
	}

	for name, node := range g.Nodes {
		if name == "" {
			return NewPermanentError("graph node has empty name", nil).WithCode(ErrCodeValidation)
		}
		if node == nil {
			return NewPermanentError(fmt.Sprintf("graph node %s is nil", name), nil).
				WithCode(ErrCodeValidation)
		}
		if node.Name != name {
			return NewPermanentError(
				fmt.Sprintf("graph node keyed %s declares name %s", name, node.Name), nil).
				WithCode(ErrCodeValidation)
		}
		if node.Type == "" {
			return NewPermanentError(fmt.Sprintf("graph node %s has empty type", name), nil).
				WithCode(ErrCodeValidation)
		}
		seen := make(map[string]bool, len(node.Requires))
		for _, dep := range node.Requires {
			if _, ok := g.Nodes[dep]; !ok {
				return NewPermanentError(
					fmt.Sprintf("node %s requires undeclared node %s", name, dep), nil).
					WithCode(ErrCodeValidation)
			}
			if dep == name {
				return NewPermanentError(fmt.Sprintf("node %s requires itself", name), nil).
					WithCode(ErrCodeCycle)
			}
			if seen[dep] {
				return NewPermanentError(
					fmt.Sprintf("node %s declares duplicate requirement %s", name, dep), nil).
					WithCode(ErrCodeValidation)
			}
			seen[dep] = true
		}
	}

	if cycle := findCycle(g); cycle != nil {
		return NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil).
			WithCode(ErrCodeCycle)
	}

	return nil
}

// findCycle runs DFS over the requires-edges and returns one cycle path
// if any exists.
func findCycle(g *Graph) []string {
	visited := make(map[string]bool, len(g.Nodes))
	recStack := make(map[string]bool, len(g.Nodes))

	// Deterministic iteration keeps error messages stable.
	names := sortedNames(g)

	var walk func(name string, path []string) []string
	walk = func(name string, path []string) []string {
		visited[name] = true
		recStack[name] = true
		path = append(path, name)

		deps := append([]string(nil), g.Nodes[name].Requires...)
		sort.Strings(deps)
		for _, dep := range deps {
			if !visited[dep] {
				if cycle := walk(dep, path); cycle != nil {
					return cycle
				}
			} else if recStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				return append(append([]string(nil), path[start:]...), dep)
			}
		}

		recStack[name] = false
		return nil
	}

	for _, name := range names {
		if !visited[name] {
			if cycle := walk(name, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// requiredBy inverts the requires-edges: name -> names that require it.
func requiredBy(g *Graph) map[string][]string {
	rev := make(map[string][]string, len(g.Nodes))
	for name := range g.Nodes {
		rev[name] = nil
	}
	for name, node := range g.Nodes {
		for _, dep := range node.Requires {
			rev[dep] = append(rev[dep], name)
		}
	}
	return rev
}

func sortedNames(g *Graph) []string {
	names := make([]string, 0, len(g.Nodes))
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// ToDOT renders a plan in Graphviz DOT format, colored by action.
func (p *Plan) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ConvergencePlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=\"filled,rounded\"];\n\n")

	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := p.Nodes[id]
		label := fmt.Sprintf("%s\\n%s", n.Name, n.Action)
		sb.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q];\n",
			id, label, actionColor(n.Action)))
	}
	sb.WriteString("\n")

	for _, id := range ids {
		n := p.Nodes[id]
		deps := append([]string(nil), n.Requires...)
		sort.Strings(deps)
		for _, dep := range deps {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func actionColor(a Action) string {
	switch a {
	case ActionCreate:
		return "lightgreen"
	case ActionUpdate:
		return "lightblue"
	case ActionDelete:
		return "lightcoral"
	case ActionAdopt:
		return "khaki"
	default:
		return "lightgray"
	}
}
