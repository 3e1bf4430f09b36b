// Package graph validates the dependency edge set between task templates
// and answers readiness questions for a family's task instances.
//
// Edges point from a task to the task it depends on. The edge set must stay
// acyclic; that is enforced when an edge is admitted and never repaired
// afterwards. Every function here is pure: callers supply the edges and
// statuses they have already loaded.
package graph
