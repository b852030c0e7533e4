package service

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meshflow/orchestrator/common/models"
)

// RejectionReason classifies why a start request was refused.
type RejectionReason string

const (
	ReasonFlowNotFound        RejectionReason = "flow_not_found"
	ReasonSchemaValidation    RejectionReason = "schema_validation_failed"
	ReasonNoEntryPoints       RejectionReason = "no_entry_points"
	ReasonNoTerminationPoints RejectionReason = "no_termination_points"
	ReasonCircularWorkflow    RejectionReason = "circular_workflow"
	ReasonUnhealthyProcessors RejectionReason = "unhealthy_processors"
)

// EntryPoints returns the ids of steps never referenced as a successor,
// in stable order.
func EntryPoints(steps []models.Step) []string {
	referenced := make(map[string]struct{})
	for _, step := range steps {
		for _, next := range step.NextStepIDs {
			referenced[next] = struct{}{}
		}
	}

	var out []string
	for _, step := range steps {
		if _, ok := referenced[step.ID]; !ok {
			out = append(out, step.ID)
		}
	}
	return out
}

// TerminationPoints returns the ids of steps with no successors.
func TerminationPoints(steps []models.Step) []string {
	var out []string
	for _, step := range steps {
		if step.IsTermination() {
			out = append(out, step.ID)
		}
	}
	return out
}

// CheckAcyclic applies the duplicate-successor cycle rule: collect every
// step id that appears in more than one successor list (or more than once
// in the same list); each such id must be a termination point, otherwise
// the graph is treated as circular. Branches may only reconverge on steps
// that end the flow.
func CheckAcyclic(steps []models.Step) error {
	terminations := make(map[string]struct{})
	for _, id := range TerminationPoints(steps) {
		terminations[id] = struct{}{}
	}

	seen := make(map[string]int)
	for _, step := range steps {
		for _, next := range step.NextStepIDs {
			seen[next]++
		}
	}

	var offenders []string
	for id, count := range seen {
		if count < 2 {
			continue
		}
		if _, ok := terminations[id]; !ok {
			offenders = append(offenders, id)
		}
	}
	if len(offenders) == 0 {
		return nil
	}

	sort.Strings(offenders)
	details := make([]string, 0, len(offenders))
	for _, id := range offenders {
		details = append(details, fmt.Sprintf("%s (targeted %d times)", id, seen[id]))
	}
	return fmt.Errorf("Circular workflow detected: non-termination steps %s are targeted by multiple predecessors", strings.Join(details, ", "))
}

// ValidateGraph runs the structural gates in order and returns the first
// failing reason.
func ValidateGraph(steps []models.Step) (entryPoints []string, reason RejectionReason, err error) {
	entryPoints = EntryPoints(steps)
	if len(entryPoints) == 0 {
		return nil, ReasonNoEntryPoints, fmt.Errorf("No entry points found in workflow")
	}
	if len(TerminationPoints(steps)) == 0 {
		return nil, ReasonNoTerminationPoints, fmt.Errorf("No termination points found in workflow")
	}
	if err := CheckAcyclic(steps); err != nil {
		return nil, ReasonCircularWorkflow, err
	}
	return entryPoints, "", nil
}
