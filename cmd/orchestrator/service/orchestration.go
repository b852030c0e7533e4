package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshflow/orchestrator/common/bus"
	"github.com/meshflow/orchestrator/common/cache"
	"github.com/meshflow/orchestrator/common/clients"
	"github.com/meshflow/orchestrator/common/correlation"
	"github.com/meshflow/orchestrator/common/health"
	"github.com/meshflow/orchestrator/common/metrics"
	"github.com/meshflow/orchestrator/common/models"
	"github.com/meshflow/orchestrator/common/scheduler"
	"github.com/meshflow/orchestrator/common/schema"
)

// Logger interface for orchestration logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// StartResult is the outcome of a start request. Started=false with a
// Reason is a rejection by one of the gates, not an internal error.
type StartResult struct {
	FlowID        string          `json:"flowId"`
	Started       bool            `json:"started"`
	AlreadyActive bool            `json:"alreadyActive,omitempty"`
	Reason        RejectionReason `json:"reason,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	CorrelationID string          `json:"correlationId"`
}

// OrchestrationOpts contains options for creating the orchestration service.
type OrchestrationOpts struct {
	Managers         *clients.ManagerClient
	Validator        *schema.Validator
	OrchestrationMap cache.Map
	HealthReader     *health.Reader
	Scheduler        *scheduler.Scheduler
	Bus              bus.Bus
	CacheTTL         time.Duration
	Metrics          *metrics.Metrics
	Logger           Logger
}

// OrchestrationService drives the start/stop lifecycle of orchestrated
// flows: it pulls the flow definition from the managers, validates the
// assignments and the step graph, gates on processor health, materializes
// the cache entry, arms the schedule and dispatches the entry commands.
type OrchestrationService struct {
	managers         *clients.ManagerClient
	validator        *schema.Validator
	orchestrationMap cache.Map
	healthReader     *health.Reader
	scheduler        *scheduler.Scheduler
	bus              bus.Bus
	cacheTTL         time.Duration
	metrics          *metrics.Metrics
	logger           Logger

	// startMu serializes starts per flow so concurrent requests for the
	// same flow cannot interleave the gate sequence.
	startMu sync.Map // flowID -> *sync.Mutex
}

// NewOrchestrationService creates the orchestration service.
func NewOrchestrationService(opts OrchestrationOpts) *OrchestrationService {
	return &OrchestrationService{
		managers:         opts.Managers,
		validator:        opts.Validator,
		orchestrationMap: opts.OrchestrationMap,
		healthReader:     opts.HealthReader,
		scheduler:        opts.Scheduler,
		bus:              opts.Bus,
		cacheTTL:         opts.CacheTTL,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
	}
}

func (s *OrchestrationService) lockFlow(flowID string) func() {
	muIface, _ := s.startMu.LoadOrStore(flowID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Start runs the full gate sequence for a flow. Starting an already
// active flow is a no-op success. On any failure after partial state was
// created, the partial state is removed best-effort and the original
// failure is returned.
func (s *OrchestrationService) Start(ctx context.Context, flowID string) (*StartResult, error) {
	correlationID := correlation.Resolve(ctx)
	ctx = correlation.WithCorrelationID(ctx, correlationID)

	unlock := s.lockFlow(flowID)
	defer unlock()

	s.logger.Info("start requested", "flow_id", flowID, "correlation_id", correlationID)

	exists, err := s.orchestrationMap.Exists(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active orchestration for flow %s: %w", flowID, err)
	}
	if exists {
		s.logger.Info("orchestration already active", "flow_id", flowID)
		return &StartResult{
			FlowID:        flowID,
			Started:       true,
			AlreadyActive: true,
			CorrelationID: correlationID,
		}, nil
	}

	result, err := s.start(ctx, flowID, correlationID)
	if err != nil || (result != nil && !result.Started) {
		// Cleanup must not mask the original failure.
		if cleanupErr := s.cleanup(ctx, flowID); cleanupErr != nil {
			s.logger.Warn("cleanup after failed start did not complete",
				"flow_id", flowID,
				"correlation_id", correlationID,
				"error", cleanupErr)
		}
	}
	if err != nil {
		return nil, err
	}

	if result.Started {
		s.metrics.OrchestrationsStarted.WithLabelValues(flowID).Inc()
	} else {
		s.metrics.OrchestrationsRejected.WithLabelValues(string(result.Reason)).Inc()
	}
	return result, nil
}

func (s *OrchestrationService) start(ctx context.Context, flowID, correlationID string) (*StartResult, error) {
	reject := func(reason RejectionReason, detail string) *StartResult {
		s.logger.Warn("start rejected",
			"flow_id", flowID,
			"correlation_id", correlationID,
			"reason", string(reason),
			"detail", detail)
		return &StartResult{
			FlowID:        flowID,
			Reason:        reason,
			Detail:        detail,
			CorrelationID: correlationID,
		}
	}

	flow, err := s.managers.GetOrchestratedFlow(ctx, flowID)
	if err != nil {
		if errors.Is(err, clients.ErrNotFound) {
			return reject(ReasonFlowNotFound, fmt.Sprintf("orchestrated flow %s does not exist", flowID)), nil
		}
		return nil, err
	}

	nav, assignments, err := s.fetchFlowParts(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if detail, ok, err := s.validateAssignments(ctx, assignments); err != nil {
		return nil, err
	} else if !ok {
		return reject(ReasonSchemaValidation, detail), nil
	}

	entryPoints, reason, err := ValidateGraph(nav.Steps)
	if err != nil {
		return reject(reason, err.Error()), nil
	}

	now := time.Now()
	entry := models.OrchestrationCacheEntry{
		FlowID:              flowID,
		OrchestratedFlow:    *flow,
		Steps:               nav.Steps,
		ProcessorIDs:        nav.ProcessorIDs,
		AssignmentsByStepID: assignments,
		EntryPoints:         entryPoints,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cacheTTL),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal orchestration entry for flow %s: %w", flowID, err)
	}
	if err := s.orchestrationMap.SetWithTTL(ctx, flowID, string(data), s.cacheTTL); err != nil {
		return nil, fmt.Errorf("failed to cache orchestration entry for flow %s: %w", flowID, err)
	}

	// Health gate runs after the cache write so a rejection here exercises
	// the same cleanup path as an internal failure.
	perProcessor, overall := s.healthReader.CheckAll(ctx, nav.ProcessorIDs)
	if overall != models.HealthStateHealthy {
		return reject(ReasonUnhealthyProcessors, unhealthyDetail(perProcessor)), nil
	}

	if flow.IsScheduleEnabled && flow.CronExpression != "" && s.scheduler != nil {
		// Scheduling failures do not abort an otherwise valid start.
		if err := s.scheduler.Update(ctx, flowID, flow.CronExpression, flow.IsOneTimeExecution); err != nil {
			s.metrics.ScheduleArmFailures.Inc()
			s.logger.Error("failed to arm schedule",
				"flow_id", flowID,
				"cron", flow.CronExpression,
				"error", err)
		} else if next, err := s.scheduler.NextFireTime(flowID); err == nil {
			s.logger.Info("schedule armed",
				"flow_id", flowID,
				"cron", flow.CronExpression,
				"next_fire_time", next.Format(time.RFC3339))
		}
	}

	if err := s.dispatchEntryPoints(ctx, &entry, correlationID); err != nil {
		return nil, err
	}

	s.logger.Info("orchestration started",
		"flow_id", flowID,
		"correlation_id", correlationID,
		"steps", len(nav.Steps),
		"entry_points", len(entryPoints))

	return &StartResult{
		FlowID:        flowID,
		Started:       true,
		CorrelationID: correlationID,
	}, nil
}

// fetchFlowParts loads the step navigation and the assignments in parallel.
func (s *OrchestrationService) fetchFlowParts(ctx context.Context, flowID string) (*models.StepNavigation, map[string][]models.Assignment, error) {
	var (
		wg          sync.WaitGroup
		nav         *models.StepNavigation
		navErr      error
		assignments map[string][]models.Assignment
		assignErr   error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		nav, navErr = s.managers.GetStepNavigation(ctx, flowID)
	}()
	go func() {
		defer wg.Done()
		assignments, assignErr = s.managers.GetAssignmentsByFlow(ctx, flowID)
	}()
	wg.Wait()

	if navErr != nil {
		return nil, nil, navErr
	}
	if assignErr != nil {
		return nil, nil, assignErr
	}
	return nav, assignments, nil
}

// validateAssignments checks every assignment payload that declares a
// schema. Returns ok=false with a detail string on the first violation.
func (s *OrchestrationService) validateAssignments(ctx context.Context, assignments map[string][]models.Assignment) (string, bool, error) {
	for stepID, list := range assignments {
		for _, assignment := range list {
			if assignment.SchemaID == "" || len(assignment.Payload) == 0 {
				continue
			}

			definition, err := s.managers.GetSchemaDefinition(ctx, assignment.SchemaID)
			if err != nil {
				return "", false, fmt.Errorf("failed to resolve schema %s for assignment %s: %w",
					assignment.SchemaID, assignment.EntityID, err)
			}

			result, err := s.validator.Validate(ctx, definition, string(assignment.Payload))
			if err != nil {
				return "", false, fmt.Errorf("failed to validate assignment %s: %w", assignment.EntityID, err)
			}
			if !result.Valid {
				detail := fmt.Sprintf("assignment %s on step %s failed schema %s: %s",
					assignment.EntityID, stepID, assignment.SchemaID, result.ErrorSummary())
				return detail, false, nil
			}
		}
	}
	return "", true, nil
}

// dispatchEntryPoints publishes one execute command per entry step. The
// empty execution id marks these as entry invocations with no staged input.
func (s *OrchestrationService) dispatchEntryPoints(ctx context.Context, entry *models.OrchestrationCacheEntry, correlationID string) error {
	for _, stepID := range entry.EntryPoints {
		step, ok := entry.StepByID(stepID)
		if !ok {
			return fmt.Errorf("entry point %s not found in step graph of flow %s", stepID, entry.FlowID)
		}

		cmd := models.ExecuteActivityCommand{
			OrchestratedFlowID: entry.FlowID,
			WorkflowID:         entry.OrchestratedFlow.WorkflowID,
			CorrelationID:      correlationID,
			StepID:             step.ID,
			ProcessorID:        step.ProcessorID,
			PublishID:          uuid.New().String(),
			ExecutionID:        "",
			Entities:           entry.AssignmentsByStepID[step.ID],
		}

		subject := models.ExecuteActivityCommandSubject(step.ProcessorID)
		if err := bus.PublishWithRetry(ctx, s.bus, subject, correlationID, cmd); err != nil {
			return fmt.Errorf("failed to dispatch entry step %s of flow %s: %w", step.ID, entry.FlowID, err)
		}

		s.metrics.CommandsPublished.WithLabelValues(entry.FlowID, step.ID).Inc()
		ids := correlation.IDs{
			CorrelationID:      correlationID,
			OrchestratedFlowID: entry.FlowID,
			WorkflowID:         entry.OrchestratedFlow.WorkflowID,
			StepID:             step.ID,
			ProcessorID:        step.ProcessorID,
			PublishID:          cmd.PublishID,
		}
		s.logger.Info("entry command dispatched", ids.LogFields()...)
	}
	return nil
}

// Stop tears the orchestration down: disarm the schedule if armed and
// remove the cache entry. Stopping an inactive flow is a no-op.
func (s *OrchestrationService) Stop(ctx context.Context, flowID string) error {
	correlationID := correlation.Resolve(ctx)
	s.logger.Info("stop requested", "flow_id", flowID, "correlation_id", correlationID)

	if err := s.cleanup(ctx, flowID); err != nil {
		return err
	}

	s.metrics.OrchestrationsStopped.Inc()
	s.logger.Info("orchestration stopped", "flow_id", flowID, "correlation_id", correlationID)
	return nil
}

// cleanup is the shared teardown used by Stop and by failed starts.
func (s *OrchestrationService) cleanup(ctx context.Context, flowID string) error {
	if s.scheduler != nil && s.scheduler.IsRunning(flowID) {
		if err := s.scheduler.Stop(ctx, flowID); err != nil {
			s.logger.Warn("failed to disarm schedule", "flow_id", flowID, "error", err)
		}
	}

	if err := s.orchestrationMap.Remove(ctx, flowID); err != nil {
		return fmt.Errorf("failed to remove orchestration entry for flow %s: %w", flowID, err)
	}
	return nil
}

// Status returns the flow's activity projection.
func (s *OrchestrationService) Status(ctx context.Context, flowID string) (*models.OrchestrationStatus, error) {
	entry, found, err := s.loadEntry(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !found {
		return &models.OrchestrationStatus{FlowID: flowID, IsActive: false}, nil
	}

	assignmentCount := 0
	for _, list := range entry.AssignmentsByStepID {
		assignmentCount += len(list)
	}
	return &models.OrchestrationStatus{
		FlowID:          flowID,
		IsActive:        true,
		StartedAt:       entry.CreatedAt,
		ExpiresAt:       entry.ExpiresAt,
		StepCount:       len(entry.Steps),
		AssignmentCount: assignmentCount,
	}, nil
}

// ProcessorsHealth projects per-processor health for the flow. An active
// flow uses its cached processor set; an inactive one falls back to the
// manager's navigation so health stays inspectable before a start.
func (s *OrchestrationService) ProcessorsHealth(ctx context.Context, flowID string) (*models.ProcessorHealthProjection, error) {
	var processorIDs []string

	entry, found, err := s.loadEntry(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if found {
		processorIDs = entry.ProcessorIDs
	} else {
		nav, err := s.managers.GetStepNavigation(ctx, flowID)
		if err != nil {
			return nil, err
		}
		processorIDs = nav.ProcessorIDs
	}

	perProcessor, overall := s.healthReader.CheckAll(ctx, processorIDs)
	return &models.ProcessorHealthProjection{
		FlowID:     flowID,
		Overall:    overall,
		Processors: perProcessor,
	}, nil
}

// loadEntry reads and decodes the flow's cache entry.
func (s *OrchestrationService) loadEntry(ctx context.Context, flowID string) (*models.OrchestrationCacheEntry, bool, error) {
	raw, found, err := s.orchestrationMap.Get(ctx, flowID)
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

func unhealthyDetail(perProcessor map[string]models.ProcessorHealth) string {
	detail := "processors not healthy:"
	for id, ph := range perProcessor {
		if ph.Status == models.HealthStateHealthy {
			continue
		}
		detail += fmt.Sprintf(" %s=%s (%s)", id, ph.Status, ph.Message)
	}
	return detail
}
