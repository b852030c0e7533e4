package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/meshflow/orchestrator/common/bus"
	"github.com/meshflow/orchestrator/common/cache"
	"github.com/meshflow/orchestrator/common/condition"
	"github.com/meshflow/orchestrator/common/correlation"
	"github.com/meshflow/orchestrator/common/metrics"
	"github.com/meshflow/orchestrator/common/models"
)

const advancerGroup = "orchestrator-advancer"

// AdvancerOpts contains options for creating an advancer.
type AdvancerOpts struct {
	Bus              bus.Bus
	OrchestrationMap cache.Map
	ActivityMap      cache.Map
	Guards           *condition.Evaluator
	Workers          int
	Metrics          *metrics.Metrics
	Logger           Logger
}

// Advancer consumes activity events and drives the workflow forward: for
// each completed step it restages the step's output for every successor
// whose guard passes and publishes the successor's execute command.
// Duplicate event deliveries are absorbed with an atomic dispatch marker,
// so each completion advances the flow exactly once.
type Advancer struct {
	bus              bus.Bus
	orchestrationMap cache.Map
	activityMap      cache.Map
	guards           *condition.Evaluator
	workers          int
	metrics          *metrics.Metrics
	logger           Logger
}

// NewAdvancer creates an advancer.
func NewAdvancer(opts AdvancerOpts) *Advancer {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Advancer{
		bus:              opts.Bus,
		orchestrationMap: opts.OrchestrationMap,
		activityMap:      opts.ActivityMap,
		guards:           opts.Guards,
		workers:          workers,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
	}
}

// Run subscribes to the activity event subjects. Non-blocking; consumers
// stop when the context is cancelled.
func (a *Advancer) Run(ctx context.Context) error {
	if err := a.bus.Consume(ctx, models.SubjectActivityExecuted, advancerGroup, a.workers, a.onExecuted); err != nil {
		return fmt.Errorf("failed to consume executed events: %w", err)
	}
	if err := a.bus.Consume(ctx, models.SubjectActivityFailed, advancerGroup, a.workers, a.onFailed); err != nil {
		return fmt.Errorf("failed to consume failed events: %w", err)
	}
	return nil
}

func (a *Advancer) onExecuted(ctx context.Context, env bus.Envelope) error {
	var event models.ActivityExecutedEvent
	if err := env.Decode(&event); err != nil {
		a.logger.Error("dropping malformed executed event", "envelope_id", env.ID, "error", err)
		return nil
	}

	a.metrics.EventsConsumed.WithLabelValues(event.OrchestratedFlowID, event.StepID, event.Status).Inc()

	ids := correlation.IDs{
		CorrelationID:      event.CorrelationID,
		OrchestratedFlowID: event.OrchestratedFlowID,
		StepID:             event.StepID,
		ProcessorID:        event.ProcessorID,
		PublishID:          event.PublishID,
		ExecutionID:        event.ExecutionID,
	}

	first, err := a.markDispatched(ctx, event.ExecutionID, event.PublishID)
	if err != nil {
		return err
	}
	if !first {
		a.logger.Debug("duplicate executed event ignored", ids.LogFields()...)
		return nil
	}

	entry, found, err := a.loadEntry(ctx, event.OrchestratedFlowID)
	if err != nil {
		a.unmarkDispatched(ctx, event.ExecutionID, event.PublishID)
		return err
	}
	if !found {
		// Flow was stopped between execution and advancement.
		a.logger.Info("executed event for inactive flow, not advancing", ids.LogFields()...)
		return nil
	}

	step, ok := entry.StepByID(event.StepID)
	if !ok {
		a.logger.Error("executed event references unknown step", ids.LogFields()...)
		return nil
	}
	if step.IsTermination() {
		a.logger.Info("termination step completed", ids.LogFields()...)
		return nil
	}

	staged, stagedFound := a.loadStagedOutput(ctx, &event)

	for _, nextID := range step.NextStepIDs {
		next, ok := entry.StepByID(nextID)
		if !ok {
			a.logger.Error("successor step missing from graph",
				append(ids.LogFields(), "next_step_id", nextID)...)
			continue
		}

		nextIDs := ids.With(func(i *correlation.IDs) {
			i.StepID = next.ID
			i.ProcessorID = next.ProcessorID
		})
		pass, err := a.guardPasses(next, staged, &event)
		if err != nil {
			a.logger.Error("guard evaluation failed, step not dispatched",
				append(nextIDs.LogFields(), "error", err)...)
			continue
		}
		if !pass {
			a.logger.Info("guard rejected successor", nextIDs.LogFields()...)
			continue
		}

		if err := a.dispatch(ctx, entry, next, &event, staged, stagedFound); err != nil {
			// Give the claim back so a redelivered event can retry the
			// remaining successors.
			a.unmarkDispatched(ctx, event.ExecutionID, event.PublishID)
			return err
		}
	}
	return nil
}

func (a *Advancer) onFailed(ctx context.Context, env bus.Envelope) error {
	var event models.ActivityFailedEvent
	if err := env.Decode(&event); err != nil {
		a.logger.Error("dropping malformed failed event", "envelope_id", env.ID, "error", err)
		return nil
	}

	a.metrics.EventsConsumed.WithLabelValues(event.OrchestratedFlowID, event.StepID, "failed").Inc()

	first, err := a.markDispatched(ctx, event.ExecutionID, event.PublishID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	ids := correlation.IDs{
		CorrelationID:      event.CorrelationID,
		OrchestratedFlowID: event.OrchestratedFlowID,
		StepID:             event.StepID,
		ProcessorID:        event.ProcessorID,
		PublishID:          event.PublishID,
		ExecutionID:        event.ExecutionID,
	}

	// A failed step halts its branch; other branches keep running.
	a.logger.Error("activity failed, branch halted",
		append(ids.LogFields(),
			"validation_failure", event.IsValidationFailure,
			"error", event.ErrorMessage)...)
	return nil
}

// markDispatched records that this completion was acted on. Returns false
// when another delivery already claimed it.
func (a *Advancer) markDispatched(ctx context.Context, executionID, publishID string) (bool, error) {
	key := fmt.Sprintf("dispatch:%s:%s", executionID, publishID)
	_, existed, err := a.orchestrationMap.PutIfAbsent(ctx, key, "1")
	if err != nil {
		return false, fmt.Errorf("failed to mark dispatch %s: %w", key, err)
	}
	return !existed, nil
}

// unmarkDispatched releases a claim taken by markDispatched. Best effort;
// a leftover marker only suppresses a retry, it cannot corrupt the flow.
func (a *Advancer) unmarkDispatched(ctx context.Context, executionID, publishID string) {
	key := fmt.Sprintf("dispatch:%s:%s", executionID, publishID)
	if err := a.orchestrationMap.Remove(ctx, key); err != nil {
		a.logger.Warn("failed to release dispatch marker", "key", key, "error", err)
	}
}

// loadStagedOutput reads the completed step's staged output, keyed by the
// event's identifier tuple. An entry-style execution with no id stages
// nothing.
func (a *Advancer) loadStagedOutput(ctx context.Context, event *models.ActivityExecutedEvent) (string, bool) {
	if event.ExecutionID == "" {
		return "", false
	}

	key := cache.ActivityDataKey(
		event.ProcessorID,
		event.OrchestratedFlowID,
		event.CorrelationID,
		event.ExecutionID,
		event.StepID,
		event.PublishID,
	)
	staged, found, err := a.activityMap.Get(ctx, key)
	if err != nil {
		a.logger.Warn("failed to read staged output",
			"flow_id", event.OrchestratedFlowID,
			"step_id", event.StepID,
			"error", err)
		return "", false
	}
	return staged, found
}

func (a *Advancer) guardPasses(next models.Step, staged string, event *models.ActivityExecutedEvent) (bool, error) {
	if next.Condition == "" || a.guards == nil {
		return true, nil
	}

	var output interface{}
	if staged != "" {
		if err := json.Unmarshal([]byte(staged), &output); err != nil {
			output = staged
		}
	}
	return a.guards.Evaluate(next.Condition, output, map[string]interface{}{
		"stepId":            event.StepID,
		"status":            event.Status,
		"entitiesProcessed": event.EntitiesProcessed,
	})
}

// dispatch restages the predecessor's output under the successor's own
// identifier tuple and publishes its execute command.
func (a *Advancer) dispatch(ctx context.Context, entry *models.OrchestrationCacheEntry, next models.Step, event *models.ActivityExecutedEvent, staged string, stagedFound bool) error {
	publishID := uuid.New().String()
	executionID := ""
	if stagedFound {
		executionID = uuid.New().String()
		key := cache.ActivityDataKey(
			next.ProcessorID,
			entry.FlowID,
			event.CorrelationID,
			executionID,
			next.ID,
			publishID,
		)
		if err := a.activityMap.Set(ctx, key, staged); err != nil {
			return fmt.Errorf("failed to stage input for step %s: %w", next.ID, err)
		}
	}

	cmd := models.ExecuteActivityCommand{
		OrchestratedFlowID: entry.FlowID,
		WorkflowID:         entry.OrchestratedFlow.WorkflowID,
		CorrelationID:      event.CorrelationID,
		StepID:             next.ID,
		ProcessorID:        next.ProcessorID,
		PublishID:          publishID,
		ExecutionID:        executionID,
		Entities:           entry.AssignmentsByStepID[next.ID],
	}

	subject := models.ExecuteActivityCommandSubject(next.ProcessorID)
	if err := bus.PublishWithRetry(ctx, a.bus, subject, event.CorrelationID, cmd); err != nil {
		return fmt.Errorf("failed to dispatch step %s of flow %s: %w", next.ID, entry.FlowID, err)
	}

	a.metrics.CommandsPublished.WithLabelValues(entry.FlowID, next.ID).Inc()
	dispatched := correlation.IDs{
		CorrelationID:      event.CorrelationID,
		OrchestratedFlowID: entry.FlowID,
		WorkflowID:         entry.OrchestratedFlow.WorkflowID,
		StepID:             next.ID,
		ProcessorID:        next.ProcessorID,
		PublishID:          publishID,
		ExecutionID:        executionID,
	}
	a.logger.Info("successor dispatched",
		append(dispatched.LogFields(), "from_step", event.StepID)...)
	return nil
}

// loadEntry reads and decodes the flow's cache entry.
func (a *Advancer) loadEntry(ctx context.Context, flowID string) (*models.OrchestrationCacheEntry, bool, error) {
	raw, found, err := a.orchestrationMap.Get(ctx, flowID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read orchestration entry for flow %s: %w", flowID, err)
	}
	if !found {
		return nil, false, nil
	}

	var entry models.OrchestrationCacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, fmt.Errorf("orchestration entry for flow %s is unparsable: %w", flowID, err)
	}
	return &entry, true, nil
}
