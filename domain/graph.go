package domain

import "strings"

// MaxTraversalDepth bounds cycle searches. A path longer than this is
// reported as a cycle rather than followed further.
const MaxTraversalDepth = 10000

// Graph is an in-memory snapshot of a board's dependency edges, loaded once
// per operation.
type Graph struct {
	tasks map[string]Task
	deps  map[string][]string // task -> its prerequisites
	rev   map[string][]string // task -> tasks depending on it
}

// NewGraph indexes tasks by id and builds both edge directions.
func NewGraph(tasks []Task) *Graph {
	g := &Graph{
		tasks: make(map[string]Task, len(tasks)),
		deps:  make(map[string][]string, len(tasks)),
		rev:   make(map[string][]string),
	}
	for _, t := range tasks {
		g.tasks[t.ID] = t
		g.deps[t.ID] = t.Dependencies
		for _, d := range t.Dependencies {
			g.rev[d] = append(g.rev[d], t.ID)
		}
	}
	return g
}

func (g *Graph) Task(id string) (Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// ValidateDependencies rejects blank ids, a task depending on itself and ids
// that are not part of the graph.
func (g *Graph) ValidateDependencies(taskID string, candidates []string) error {
	for _, id := range candidates {
		switch {
		case id == "":
			return invalidDependencyError("dependencies", "dependency id is empty")
		case id == taskID:
			return invalidDependencyError("dependencies", "task %s cannot depend on itself", taskID)
		}
		if _, ok := g.tasks[id]; !ok {
			return invalidDependencyError("dependencies", "dependency %s does not exist on this board", id)
		}
	}
	return nil
}

// HasCircularDependency reports whether giving taskID the candidate
// dependencies would close a cycle.
func (g *Graph) HasCircularDependency(taskID string, candidates []string) bool {
	return g.CyclePath(taskID, candidates) != nil
}

// CyclePath returns the path taskID -> candidate -> ... -> taskID that the
// candidates would close, or nil. Dangling references are dead ends.
func (g *Graph) CyclePath(taskID string, candidates []string) []string {
	type frame struct {
		id    string
		depth int
	}
	parent := make(map[string]string)
	visited := make(map[string]bool)

	path := func(end string) []string {
		var rev []string
		for n := end; n != ""; n = parent[n] {
			rev = append(rev, n)
		}
		out := make([]string, 0, len(rev)+1)
		out = append(out, taskID)
		for i := len(rev) - 1; i >= 0; i-- {
			out = append(out, rev[i])
		}
		return out
	}

	for _, c := range candidates {
		if c == "" || visited[c] {
			continue
		}
		if c == taskID {
			return []string{taskID, taskID}
		}
		visited[c] = true
		stack := []frame{{id: c, depth: 1}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if f.depth > MaxTraversalDepth {
				return path(f.id)
			}
			for _, next := range g.deps[f.id] {
				if next == taskID {
					return append(path(f.id), taskID)
				}
				if visited[next] {
					continue
				}
				visited[next] = true
				parent[next] = f.id
				stack = append(stack, frame{id: next, depth: f.depth + 1})
			}
		}
	}
	return nil
}

// Tasks returns the loaded tasks among ids. Missing ones are skipped.
func (g *Graph) Tasks(ids []string) []Task {
	var out []Task
	for _, id := range ids {
		if t, ok := g.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Dependents returns the loaded tasks that depend on id.
func (g *Graph) Dependents(id string) []Task {
	var out []Task
	for _, d := range g.rev[id] {
		if t, ok := g.tasks[d]; ok {
			out = append(out, t)
		}
	}
	return out
}

func formatCycle(path []string) string {
	return strings.Join(path, " -> ")
}
