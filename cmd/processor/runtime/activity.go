package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meshflow/orchestrator/common/bus"
	"github.com/meshflow/orchestrator/common/cache"
	"github.com/meshflow/orchestrator/common/models"
)

// Start begins consuming execute commands for the registered processor and
// launches the worker pool and the responder. Requires Initialize to have
// succeeded. Non-blocking; everything stops when the context is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	processorID := r.ProcessorID()
	if processorID == "" {
		return fmt.Errorf("runtime is not initialized")
	}

	subject := models.ExecuteActivityCommandSubject(processorID)
	group := r.cfg.CompositeKey()
	if err := r.bus.Consume(ctx, subject, group, 1, r.onCommand); err != nil {
		return fmt.Errorf("failed to consume %s: %w", subject, err)
	}

	for i := 0; i < r.cfg.WorkerCount; i++ {
		go r.workerLoop(ctx)
	}
	go r.responderLoop(ctx)

	r.logger.Info("processor runtime started",
		"processor_id", processorID,
		"subject", subject,
		"workers", r.cfg.WorkerCount)
	return nil
}

// onCommand admits one command into the work queue. A full queue leaves
// the message unacked so the broker redelivers it.
func (r *Runtime) onCommand(ctx context.Context, env bus.Envelope) error {
	var cmd models.ExecuteActivityCommand
	if err := env.Decode(&cmd); err != nil {
		r.logger.Error("dropping malformed execute command", "envelope_id", env.ID, "error", err)
		return nil
	}

	r.metrics.CommandsConsumed.WithLabelValues(cmd.OrchestratedFlowID, cmd.StepID).Inc()

	if err := r.queues.enqueueWork(cmd); err != nil {
		r.logger.Warn("work queue full, command deferred",
			"flow_id", cmd.OrchestratedFlowID,
			"step_id", cmd.StepID,
			"publish_id", cmd.PublishID)
		return err
	}
	return nil
}

func (r *Runtime) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.queues.work:
			r.execute(ctx, cmd)
		}
	}
}

// execute runs one command end to end and queues the response.
func (r *Runtime) execute(ctx context.Context, cmd models.ExecuteActivityCommand) {
	defer r.queues.dequeueWorkDone()

	start := time.Now()
	resp := activityResponse{cmd: cmd}

	resp.executionID, resp.entitiesProcessed, resp.resultSize, resp.validationFailure, resp.err = r.run(ctx, cmd)
	resp.durationMs = time.Since(start).Milliseconds()

	r.metrics.ActivityDuration.WithLabelValues(cmd.ProcessorID).Observe(time.Since(start).Seconds())
	if r.sampler != nil {
		r.sampler.RecordCompletion(resp.err == nil)
	}

	r.queues.enqueueResponse(resp)
}

func (r *Runtime) run(ctx context.Context, cmd models.ExecuteActivityCommand) (executionID string, processed, resultSize int, validationFailure bool, err error) {
	// The empty execution id marks an entry invocation: no staged input
	// exists and input validation is skipped.
	isEntry := cmd.ExecutionID == ""

	executionID = cmd.ExecutionID
	if isEntry {
		// Derived from the publish id so a redelivered entry command
		// stages under the same key instead of leaving an orphan.
		executionID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(cmd.PublishID)).String()
	}

	input := ""
	if !isEntry {
		key := cache.ActivityDataKey(
			cmd.ProcessorID,
			cmd.OrchestratedFlowID,
			cmd.CorrelationID,
			cmd.ExecutionID,
			cmd.StepID,
			cmd.PublishID,
		)
		staged, found, getErr := r.activityMap.Get(ctx, key)
		if getErr != nil {
			return executionID, 0, 0, false, fmt.Errorf("failed to read staged input: %w", getErr)
		}
		if !found {
			return executionID, 0, 0, false, fmt.Errorf("no staged input under key %s", key)
		}
		input = staged

		if valErr := r.validateInput(ctx, cmd.Entities, input); valErr != nil {
			return executionID, 0, 0, true, valErr
		}
	}

	outputs, processed, execErr := r.executeEntities(ctx, cmd, input)
	if execErr != nil {
		return executionID, processed, 0, false, execErr
	}

	aggregated, aggErr := aggregateOutputs(outputs)
	if aggErr != nil {
		return executionID, processed, 0, false, aggErr
	}

	if effectivelyEmpty(aggregated) {
		// Nothing to validate or stage; the event alone advances the flow.
		return executionID, processed, 0, false, nil
	}

	if valErr := r.validateOutput(ctx, cmd.Entities, aggregated); valErr != nil {
		return executionID, processed, 0, true, valErr
	}

	key := cache.ActivityDataKey(
		cmd.ProcessorID,
		cmd.OrchestratedFlowID,
		cmd.CorrelationID,
		executionID,
		cmd.StepID,
		cmd.PublishID,
	)
	if setErr := r.activityMap.Set(ctx, key, aggregated); setErr != nil {
		return executionID, processed, 0, false, fmt.Errorf("failed to stage output: %w", setErr)
	}

	return executionID, processed, len(aggregated), false, nil
}

// executeEntities runs the activity per assignment with per-item
// isolation: one failing item does not abort the rest. All items failing
// fails the command.
func (r *Runtime) executeEntities(ctx context.Context, cmd models.ExecuteActivityCommand, input string) ([]string, int, error) {
	entities := cmd.Entities
	if len(entities) == 0 {
		entities = []models.Assignment{{}}
	}

	var (
		outputs   []string
		processed int
		firstErr  error
		failed    int
	)
	for _, entity := range entities {
		output, err := r.activity.Execute(ctx, entity, input)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			r.metrics.ActivityFailures.WithLabelValues(cmd.ProcessorID, "execution").Inc()
			r.logger.Error("entity execution failed",
				"flow_id", cmd.OrchestratedFlowID,
				"step_id", cmd.StepID,
				"entity_id", entity.EntityID,
				"correlation_id", cmd.CorrelationID,
				"error", err)
			continue
		}
		processed++
		if !effectivelyEmpty(output) {
			outputs = append(outputs, output)
		}
	}

	if failed == len(entities) && firstErr != nil {
		return nil, processed, fmt.Errorf("all %d entities failed: %w", failed, firstErr)
	}
	return outputs, processed, nil
}

// aggregateOutputs flattens per-entity outputs: none stays empty, one is
// passed through, several become a JSON array.
func aggregateOutputs(outputs []string) (string, error) {
	switch len(outputs) {
	case 0:
		return "", nil
	case 1:
		return outputs[0], nil
	}

	items := make([]json.RawMessage, 0, len(outputs))
	for _, out := range outputs {
		if !json.Valid([]byte(out)) {
			encoded, err := json.Marshal(out)
			if err != nil {
				return "", fmt.Errorf("failed to encode output item: %w", err)
			}
			items = append(items, encoded)
			continue
		}
		items = append(items, json.RawMessage(out))
	}

	aggregated, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to aggregate outputs: %w", err)
	}
	return string(aggregated), nil
}

// validateInput applies the effective input schema. A plugin assignment's
// schema pair overrides the processor's own; its flags decide whether the
// check runs at all.
func (r *Runtime) validateInput(ctx context.Context, entities []models.Assignment, input string) error {
	definition, enabled := r.effectiveSchema(entities, true)
	if !enabled || definition == "" {
		return nil
	}

	result, err := r.validator.Validate(ctx, definition, input)
	if err != nil {
		return fmt.Errorf("input validation errored: %w", err)
	}
	if !result.Valid {
		return fmt.Errorf("input failed schema validation: %s", result.ErrorSummary())
	}
	return nil
}

// validateOutput applies the effective output schema.
func (r *Runtime) validateOutput(ctx context.Context, entities []models.Assignment, output string) error {
	definition, enabled := r.effectiveSchema(entities, false)
	if !enabled || definition == "" {
		return nil
	}

	result, err := r.validator.Validate(ctx, definition, output)
	if err != nil {
		return fmt.Errorf("output validation errored: %w", err)
	}
	if !result.Valid {
		return fmt.Errorf("output failed schema validation: %s", result.ErrorSummary())
	}
	return nil
}

// effectiveSchema resolves the schema definition and enablement for the
// input (true) or output (false) side, honoring plugin overrides.
func (r *Runtime) effectiveSchema(entities []models.Assignment, input bool) (string, bool) {
	for _, entity := range entities {
		if !entity.IsPlugin() {
			continue
		}
		if input && entity.InputSchemaDefinition != "" {
			return entity.InputSchemaDefinition, entity.EnableInputValidation
		}
		if !input && entity.OutputSchemaDefinition != "" {
			return entity.OutputSchemaDefinition, entity.EnableOutputValidation
		}
	}

	inputDef, outputDef := r.schemaDefs()
	if input {
		return inputDef, r.cfg.EnableInputValidation
	}
	return outputDef, r.cfg.EnableOutputValidation
}
