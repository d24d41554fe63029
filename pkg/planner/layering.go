package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apiaryhq/apiary/pkg/models"
)

// validateStructure rejects duplicate ids, unknown or self dependencies,
// and cycles.
func validateStructure(tasks []models.TaskSpec) error {
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		ids[t.ID] = struct{}{}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return fmt.Errorf("task %q depends on itself", t.ID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	if cycle := findCycle(tasks); len(cycle) > 0 {
		return fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycle runs a colored DFS over the dependency edges and returns the
// first back-edge cycle found, in input order, or nil.
func findCycle(tasks []models.TaskSpec) []string {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
	}

	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)
	color := make(map[string]int, len(tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		stack = stack[:len(stack)-1]
		return false
	}

	for _, t := range tasks {
		if color[t.ID] == white && visit(t.ID) {
			return cycle
		}
	}
	return nil
}

// layerTasks computes execution layers with Kahn's algorithm: layer 0 is
// every task with no dependencies, layer n+1 every task whose dependencies
// all sit in layers <= n. Input order is preserved within a layer.
// Callers must have validated the graph; a stuck graph returns an error.
func layerTasks(tasks []models.TaskSpec) ([][]string, error) {
	layerOf := make(map[string]int, len(tasks))
	var layers [][]string

	for len(layerOf) < len(tasks) {
		var layer []string
		for _, t := range tasks {
			if _, done := layerOf[t.ID]; done {
				continue
			}
			ready := true
			for _, dep := range t.Dependencies {
				if _, ok := layerOf[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, t.ID)
			}
		}
		if len(layer) == 0 {
			return nil, errors.New("dependency graph cannot be layered")
		}
		for _, id := range layer {
			layerOf[id] = len(layers)
		}
		layers = append(layers, layer)
	}
	return layers, nil
}
