package graph

import (
	"fmt"
	"sort"

	"github.com/maxkimambo/taskflow/internal/models"
)

// TopologicalOrder orders nodes so every prerequisite precedes the tasks that
// depend on it. Edges touching nodes outside the list are ignored. Ties are
// broken by id so the order is stable.
func TopologicalOrder(nodes []string, edges []models.DependencyEdge) ([]string, error) {
	inSet := make(map[string]bool, len(nodes))
	for _, id := range nodes {
		inSet[id] = true
	}

	// prerequisite -> dependents
	dependents := make(map[string][]string)
	indegrees := make(map[string]int, len(nodes))
	for _, id := range nodes {
		indegrees[id] = 0
	}
	for _, e := range edges {
		if !inSet[e.TaskID] || !inSet[e.DependsOnTaskID] {
			continue
		}
		dependents[e.DependsOnTaskID] = append(dependents[e.DependsOnTaskID], e.TaskID)
		indegrees[e.TaskID]++
	}

	var queue []string
	for id, degree := range indegrees {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(indegrees))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		next := dependents[current]
		sort.Strings(next)
		for _, id := range next {
			indegrees[id]--
			if indegrees[id] == 0 {
				queue = append(queue, id)
			}
		}
	}

	if len(order) != len(indegrees) {
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return order, nil
}
