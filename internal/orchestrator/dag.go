// Package orchestrator implements the Workflow Orchestrator (spec C8): an
// iterated DAG-of-steps executor with checkpoints, recovery strategies, and
// resource awareness. DAG ordering is adapted from the teacher's
// system/core.DependencyManager.ResolveOrder (topological sort preserving
// input order, cycle detection via a recursion-stack DFS), generalized from
// module names to WorkflowStep.step_id plus parallel_group fan-out.
package orchestrator

import (
	goerrors "github.com/evoseal/core/infrastructure/errors"
)

// WorkflowStep is one node in the DAG.
type WorkflowStep struct {
	StepID        string
	DependsOn     []string
	ParallelGroup string
	Priority      int
	Critical      bool
	Timeout       int // seconds
	RetryCount    int
	RetryDelay    int // seconds, base for exponential backoff
	Run           func(ctx *ExecutionContext) error
}

// resolveOrder topologically sorts steps by DependsOn, preserving input
// order among steps with no ordering constraint between them — the same
// guarantee system/core.DependencyManager.ResolveOrder makes for module
// names, here generalized to step ids.
func resolveOrder(steps []WorkflowStep) ([]string, error) {
	byID := make(map[string]WorkflowStep, len(steps))
	order := make([]string, 0, len(steps))
	for _, s := range steps {
		if _, dup := byID[s.StepID]; dup {
			return nil, goerrors.InvalidInput("step_id", "duplicate step id "+s.StepID)
		}
		byID[s.StepID] = s
		order = append(order, s.StepID)
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, goerrors.InvalidInput("depends_on", "step "+s.StepID+" depends on unknown step "+dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var resolved []string

	var visit func(id string, stack []string) error
	visit = func(id string, stack []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return goerrors.InvalidInput("steps", "cycle detected in workflow steps: "+cycleTrace(append(stack, id)))
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep, append(stack, id)); err != nil {
				return err
			}
		}
		color[id] = black
		resolved = append(resolved, id)
		return nil
	}

	for _, id := range order {
		if color[id] == white {
			if err := visit(id, nil); err != nil {
				return nil, err
			}
		}
	}

	return resolved, nil
}

func cycleTrace(stack []string) string {
	out := ""
	for i, s := range stack {
		if i > 0 {
			out += " -> "
		}
		out += s
	}
	return out
}

// readySet returns the ids, in resolved order, whose dependencies are all
// present in done and which are not already in done themselves.
func readySet(resolved []string, byID map[string]WorkflowStep, done map[string]bool) []string {
	var ready []string
	for _, id := range resolved {
		if done[id] {
			continue
		}
		step := byID[id]
		allDone := true
		for _, dep := range step.DependsOn {
			if !done[dep] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// groupByParallelGroup clusters a ready set into execution batches: steps
// sharing a non-empty ParallelGroup run together; steps with an empty
// ParallelGroup each form a singleton batch, preserving resolved order.
func groupByParallelGroup(ready []string, byID map[string]WorkflowStep) [][]string {
	var batches [][]string
	seen := make(map[string]bool, len(ready))
	for _, id := range ready {
		if seen[id] {
			continue
		}
		group := byID[id].ParallelGroup
		if group == "" {
			batches = append(batches, []string{id})
			seen[id] = true
			continue
		}
		var batch []string
		for _, other := range ready {
			if !seen[other] && byID[other].ParallelGroup == group {
				batch = append(batch, other)
				seen[other] = true
			}
		}
		batches = append(batches, batch)
	}
	return batches
}
