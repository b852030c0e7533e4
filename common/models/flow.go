package models

import "time"

// OrchestratedFlow binds a workflow graph to assignments and scheduling.
// Immutable once started.
type OrchestratedFlow struct {
	ID                 string   `json:"id"`
	WorkflowID         string   `json:"workflowId"`
	AssignmentIDs      []string `json:"assignmentIds"`
	CronExpression     string   `json:"cronExpression,omitempty"`
	IsScheduleEnabled  bool     `json:"isScheduleEnabled"`
	IsOneTimeExecution bool     `json:"isOneTimeExecution"`
}

// Step is a workflow node owning a processor id and successor ids.
// A step with no successors is a termination point; a step whose id never
// appears in any successor list is an entry point.
type Step struct {
	ID          string   `json:"id"`
	ProcessorID string   `json:"processorId"`
	NextStepIDs []string `json:"nextStepIds"`
	// Condition is an optional CEL guard evaluated before dispatching this
	// step during advancement. Empty means always dispatch.
	Condition string `json:"condition,omitempty"`
}

// IsTermination reports whether the step has no successors.
func (s Step) IsTermination() bool {
	return len(s.NextStepIDs) == 0
}

// StepNavigation is the step/processor projection fetched from the
// orchestrator manager.
type StepNavigation struct {
	WorkflowID   string   `json:"workflowId"`
	Steps        []Step   `json:"steps"`
	ProcessorIDs []string `json:"processorIds"`
}

// OrchestrationCacheEntry is the cache-resident record materialized on a
// successful start, keyed by flow id.
type OrchestrationCacheEntry struct {
	FlowID              string                  `json:"flowId"`
	OrchestratedFlow    OrchestratedFlow        `json:"orchestratedFlow"`
	Steps               []Step                  `json:"steps"`
	ProcessorIDs        []string                `json:"processorIds"`
	AssignmentsByStepID map[string][]Assignment `json:"assignmentsByStepId"`
	EntryPoints         []string                `json:"entryPoints"`
	CreatedAt           time.Time               `json:"createdAt"`
	ExpiresAt           time.Time               `json:"expiresAt"`
}

// StepByID returns the step with the given id, if present.
func (e *OrchestrationCacheEntry) StepByID(stepID string) (Step, bool) {
	for _, s := range e.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return Step{}, false
}

// OrchestrationStatus is the status projection returned by the API.
type OrchestrationStatus struct {
	FlowID          string    `json:"flowId"`
	IsActive        bool      `json:"isActive"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt,omitempty"`
	StepCount       int       `json:"stepCount"`
	AssignmentCount int       `json:"assignmentCount"`
}
