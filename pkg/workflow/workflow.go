// Package workflow tracks completion state over a static DAG of named
// steps: the incrementally-computed ready set, cycle detection, full
// topological ordering, and critical-path duration estimation.
//
// The engine is stateless apart from the Execution record, which holds
// nothing but the set of completed step names. The definition is supplied
// on every query, so one Execution can be replayed against re-derived
// definitions. Readiness is computed from first principles on every call;
// the caller who pulls a ready step and drives it through a job scheduler
// is responsible for not re-requesting it before CompleteStep.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/me/flowq/pkg/model"
)

// ErrCycle is returned by TopologicalSort when the dependency edges do not
// form a DAG. Check with errors.Is.
var ErrCycle = errors.New("workflow contains a cycle")

// Execution is the mutable run-time state of one workflow instantiation:
// the set of step names completed so far. It grows monotonically.
type Execution struct {
	completed map[string]struct{}
}

// NewExecution creates an Execution with no completed steps.
func NewExecution() *Execution {
	return &Execution{completed: make(map[string]struct{})}
}

// Restore rebuilds an Execution from a persisted list of completed steps.
func Restore(completed []string) *Execution {
	e := NewExecution()
	for _, name := range completed {
		e.completed[name] = struct{}{}
	}
	return e
}

// CompleteStep marks a step completed. Idempotent.
func (e *Execution) CompleteStep(name string) {
	e.completed[name] = struct{}{}
}

// Completed reports whether the named step has been completed.
func (e *Execution) Completed(name string) bool {
	_, ok := e.completed[name]
	return ok
}

// CompletedSteps returns the completed step names in sorted order.
func (e *Execution) CompletedSteps() []string {
	out := make([]string, 0, len(e.completed))
	for name := range e.completed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadySteps returns, in definition order, every step that is not yet
// completed and whose dependencies are all completed. A step with no
// dependencies is ready immediately; several steps may be ready at once.
func ReadySteps(exec *Execution, def *model.WorkflowDefinition) []model.WorkflowStep {
	var ready []model.WorkflowStep
	for _, step := range def.Steps {
		if exec.Completed(step.Name) {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			if !exec.Completed(dep) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step)
		}
	}
	return ready
}

// IsComplete reports whether every step of the definition has completed.
func IsComplete(exec *Execution, def *model.WorkflowDefinition) bool {
	for _, step := range def.Steps {
		if !exec.Completed(step.Name) {
			return false
		}
	}
	return true
}

// TopologicalSort returns a total order of step names consistent with all
// dependency edges, using Kahn's algorithm with definition order as the
// tie-break among simultaneously-available steps, so the result is
// deterministic for a given input. Dependencies naming no defined step are
// ignored here (Validate reports them). Fails with ErrCycle when steps
// remain unordered after no further step can be removed.
func TopologicalSort(steps []model.WorkflowStep) ([]string, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.Name] = i
	}

	// forward[a] lists the steps gated by a; inDegree counts live edges in.
	forward := make(map[string][]string, len(steps))
	inDegree := make(map[string]int, len(steps))
	for _, s := range steps {
		inDegree[s.Name] = 0
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, known := index[dep]; !known || dep == s.Name {
				if dep == s.Name {
					return nil, fmt.Errorf("%w involving step: %s", ErrCycle, s.Name)
				}
				continue
			}
			forward[dep] = append(forward[dep], s.Name)
			inDegree[s.Name]++
		}
	}

	var queue []string
	for _, s := range steps {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, succ := range forward[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		// Definition order is the tie-break among available steps.
		sort.Slice(queue, func(i, j int) bool { return index[queue[i]] < index[queue[j]] })
	}

	if len(order) != len(steps) {
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w involving steps: %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}

// Validate returns a list of human-readable problems with the definition:
// duplicate step names, dependencies that name no defined step, and cyclic
// dependency edges. An empty list means the definition is executable.
func Validate(def *model.WorkflowDefinition) []string {
	var problems []string

	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if seen[s.Name] {
			problems = append(problems, fmt.Sprintf("duplicate step name: %s", s.Name))
		}
		seen[s.Name] = true
	}

	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				problems = append(problems, fmt.Sprintf("step %s depends on undefined step: %s", s.Name, dep))
			}
		}
	}

	if _, err := TopologicalSort(def.Steps); err != nil {
		problems = append(problems, err.Error())
	}

	return problems
}

// EstimateDuration returns the critical-path length of the definition:
// finish(step) = step.Timeout + max(finish(dep)), evaluated over a
// topological order, with the overall estimate being the largest finish
// time. Independent branches are assumed to run in parallel, so the
// slowest chain gates completion. Returns 0 for an empty or cyclic
// definition.
func EstimateDuration(def *model.WorkflowDefinition) time.Duration {
	order, err := TopologicalSort(def.Steps)
	if err != nil {
		return 0
	}

	byName := make(map[string]*model.WorkflowStep, len(def.Steps))
	for i := range def.Steps {
		byName[def.Steps[i].Name] = &def.Steps[i]
	}

	finish := make(map[string]time.Duration, len(order))
	var longest time.Duration
	for _, name := range order {
		step := byName[name]
		var gate time.Duration
		for _, dep := range step.DependsOn {
			if f, ok := finish[dep]; ok && f > gate {
				gate = f
			}
		}
		finish[name] = gate + step.Timeout
		if finish[name] > longest {
			longest = finish[name]
		}
	}
	return longest
}
