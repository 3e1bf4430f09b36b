package graph

import (
	"sort"
	"strings"

	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/models"
)

// WouldCreateCycle reports whether adding taskID -> dependsOnTaskID to the
// existing edges produces a directed cycle. A self dependency is a cycle.
func WouldCreateCycle(taskID, dependsOnTaskID string, existing []models.DependencyEdge) bool {
	if taskID == dependsOnTaskID {
		return true
	}

	adjacency := buildAdjacency(existing)
	adjacency[taskID] = append(adjacency[taskID], dependsOnTaskID)

	return hasCycle(adjacency)
}

// ValidateEdge checks a proposed edge before it is stored. When replacing is
// non-nil the edge it points at is left out of the existing set, so saving an
// unchanged edge again never reports a cycle.
func ValidateEdge(edge models.DependencyEdge, existing []models.DependencyEdge, replacing *models.DependencyEdge) error {
	if strings.TrimSpace(edge.TaskID) == "" || strings.TrimSpace(edge.DependsOnTaskID) == "" {
		return taskerrors.NewInvalidEdgeError("task id and depends-on task id are required")
	}
	if !edge.Type.Valid() {
		return taskerrors.NewInvalidEdgeError("unknown dependency type '" + string(edge.Type) + "'")
	}
	if edge.TaskID == edge.DependsOnTaskID {
		return taskerrors.NewSelfDependencyError(edge.TaskID)
	}

	considered := existing
	if replacing != nil {
		considered = make([]models.DependencyEdge, 0, len(existing))
		for _, e := range existing {
			if e.SameEndpoints(*replacing) {
				continue
			}
			considered = append(considered, e)
		}
	}

	if WouldCreateCycle(edge.TaskID, edge.DependsOnTaskID, considered) {
		return taskerrors.NewCycleError(edge.TaskID, edge.DependsOnTaskID)
	}
	return nil
}

func buildAdjacency(edges []models.DependencyEdge) map[string][]string {
	adjacency := make(map[string][]string)
	for _, e := range edges {
		adjacency[e.TaskID] = append(adjacency[e.TaskID], e.DependsOnTaskID)
		if _, ok := adjacency[e.DependsOnTaskID]; !ok {
			adjacency[e.DependsOnTaskID] = nil
		}
	}
	return adjacency
}

// hasCycle runs a DFS from every node, keeping the current recursion stack
func hasCycle(adjacency map[string][]string) bool {
	nodes := make([]string, 0, len(adjacency))
	for id := range adjacency {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range nodes {
		if !visited[id] {
			if hasCycleDFS(id, adjacency, visited, recStack) {
				return true
			}
		}
	}

	return false
}

func hasCycleDFS(nodeID string, adjacency map[string][]string, visited, recStack map[string]bool) bool {
	visited[nodeID] = true
	recStack[nodeID] = true

	for _, next := range adjacency[nodeID] {
		if !visited[next] {
			if hasCycleDFS(next, adjacency, visited, recStack) {
				return true
			}
		} else if recStack[next] {
			// Back edge
			return true
		}
	}

	recStack[nodeID] = false
	return false
}
