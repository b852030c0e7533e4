package runtime

import (
	"context"
	"fmt"

	"github.com/meshflow/orchestrator/common/bus"
	"github.com/meshflow/orchestrator/common/correlation"
	"github.com/meshflow/orchestrator/common/models"
)

// responderLoop drains the response queue and publishes the matching
// activity event for each completed command.
func (r *Runtime) responderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-r.queues.responses:
			r.publishResult(ctx, resp)
			r.queues.dequeueResponseDone()
		}
	}
}

func (r *Runtime) publishResult(ctx context.Context, resp activityResponse) {
	cmd := resp.cmd
	ids := correlation.IDs{
		CorrelationID:      cmd.CorrelationID,
		OrchestratedFlowID: cmd.OrchestratedFlowID,
		WorkflowID:         cmd.WorkflowID,
		StepID:             cmd.StepID,
		ProcessorID:        cmd.ProcessorID,
		PublishID:          cmd.PublishID,
		ExecutionID:        resp.executionID,
	}

	if resp.err == nil {
		event := models.ActivityExecutedEvent{
			ProcessorID:        cmd.ProcessorID,
			OrchestratedFlowID: cmd.OrchestratedFlowID,
			WorkflowID:         cmd.WorkflowID,
			StepID:             cmd.StepID,
			ExecutionID:        resp.executionID,
			CorrelationID:      cmd.CorrelationID,
			PublishID:          cmd.PublishID,
			DurationMs:         resp.durationMs,
			Status:             "completed",
			EntitiesProcessed:  resp.entitiesProcessed,
			ResultDataSize:     resp.resultSize,
		}
		if err := bus.PublishWithRetry(ctx, r.bus, models.SubjectActivityExecuted, cmd.CorrelationID, event); err != nil {
			r.logger.Error("failed to publish executed event",
				append(ids.LogFields(), "error", err)...)
			return
		}

		r.metrics.EventsPublished.WithLabelValues(cmd.OrchestratedFlowID, cmd.StepID, "completed").Inc()
		r.logger.Info("activity executed",
			append(ids.LogFields(),
				"entities_processed", resp.entitiesProcessed,
				"duration_ms", resp.durationMs)...)
		return
	}

	event := models.ActivityFailedEvent{
		ProcessorID:            cmd.ProcessorID,
		OrchestratedFlowID:     cmd.OrchestratedFlowID,
		WorkflowID:             cmd.WorkflowID,
		StepID:                 cmd.StepID,
		ExecutionID:            resp.executionID,
		CorrelationID:          cmd.CorrelationID,
		PublishID:              cmd.PublishID,
		DurationMs:             resp.durationMs,
		ErrorMessage:           resp.err.Error(),
		ExceptionType:          fmt.Sprintf("%T", resp.err),
		EntitiesBeingProcessed: len(cmd.Entities),
		IsValidationFailure:    resp.validationFailure,
	}
	if err := bus.PublishWithRetry(ctx, r.bus, models.SubjectActivityFailed, cmd.CorrelationID, event); err != nil {
		r.logger.Error("failed to publish failed event",
			append(ids.LogFields(), "error", err)...)
		return
	}

	kind := "execution"
	if resp.validationFailure {
		kind = "validation"
	}
	r.metrics.EventsPublished.WithLabelValues(cmd.OrchestratedFlowID, cmd.StepID, "failed").Inc()
	r.metrics.ActivityFailures.WithLabelValues(cmd.ProcessorID, kind).Inc()
	r.logger.Error("activity failed",
		append(ids.LogFields(),
			"validation_failure", resp.validationFailure,
			"error", resp.err)...)
}
