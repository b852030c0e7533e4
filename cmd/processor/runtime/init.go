package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/meshflow/orchestrator/common/bus"
	"github.com/meshflow/orchestrator/common/models"
)

const queryTimeout = 5 * time.Second

// ErrImplementationChanged is returned when the activity's implementation
// hash differs from the registered entity under the same version.
var ErrImplementationChanged = errors.New("implementation hash changed for registered version, version increment required")

// Initialize registers the processor entity and resolves its schemas,
// retrying transient failures with exponential backoff. Definitive
// conflicts (schema id mismatch, changed implementation hash) abort the
// retry loop immediately.
func (r *Runtime) Initialize(ctx context.Context) error {
	correlationID := uuid.New().String()
	compositeKey := r.cfg.CompositeKey()

	r.logger.Info("processor initialization starting",
		"composite_key", compositeKey,
		"endless_retry", r.cfg.InitEndlessRetry,
		"correlation_id", correlationID)

	operation := func() error {
		return r.initOnce(ctx, correlationID)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitBaseDelay
	bo.MaxInterval = r.cfg.InitMaxDelay
	bo.MaxElapsedTime = 0

	var policy backoff.BackOff = bo
	if !r.cfg.InitEndlessRetry {
		policy = backoff.WithMaxRetries(bo, uint64(r.cfg.InitMaxAttempts))
	}
	policy = backoff.WithContext(policy, ctx)

	err := backoff.Retry(operation, policy)

	r.state.Lock()
	r.state.initErr = err
	r.state.initialized = err == nil
	r.state.Unlock()

	if err != nil {
		r.logger.Error("processor initialization failed",
			"composite_key", compositeKey,
			"correlation_id", correlationID,
			"error", err)
		return err
	}

	r.logger.Info("processor initialized",
		"processor_id", r.ProcessorID(),
		"composite_key", compositeKey,
		"correlation_id", correlationID)
	return nil
}

// initOnce runs one initialization attempt end to end. Schemas are only
// resolved, and schema ids only compared, for the sides whose validation is
// enabled.
func (r *Runtime) initOnce(ctx context.Context, correlationID string) error {
	var inputDef, outputDef string

	if r.cfg.EnableInputValidation {
		def, err := r.resolveSchema(ctx, r.cfg.InputSchemaID, correlationID)
		if err != nil {
			err = fmt.Errorf("failed to resolve input schema %s: %w", r.cfg.InputSchemaID, err)
			r.setChecks(func(c *componentChecks) { c.inputSchema = err })
			return err
		}
		inputDef = def
	}
	r.setChecks(func(c *componentChecks) { c.inputSchema = nil })

	if r.cfg.EnableOutputValidation {
		def, err := r.resolveSchema(ctx, r.cfg.OutputSchemaID, correlationID)
		if err != nil {
			err = fmt.Errorf("failed to resolve output schema %s: %w", r.cfg.OutputSchemaID, err)
			r.setChecks(func(c *componentChecks) { c.outputSchema = err })
			return err
		}
		outputDef = def
	}
	r.setChecks(func(c *componentChecks) { c.outputSchema = nil })

	entity, err := r.getOrCreateProcessor(ctx, correlationID)
	if err != nil {
		return err
	}

	// Registered entity must agree with this pod's configuration on the
	// sides that validate. A disagreement never heals by retrying.
	if r.cfg.EnableInputValidation && entity.InputSchemaID != r.cfg.InputSchemaID {
		err := fmt.Errorf("registered processor %s declares input schema %s but this pod is configured for %s",
			entity.ID, entity.InputSchemaID, r.cfg.InputSchemaID)
		r.setChecks(func(c *componentChecks) { c.schemaIDs = err })
		return backoff.Permanent(err)
	}
	if r.cfg.EnableOutputValidation && entity.OutputSchemaID != r.cfg.OutputSchemaID {
		err := fmt.Errorf("registered processor %s declares output schema %s but this pod is configured for %s",
			entity.ID, entity.OutputSchemaID, r.cfg.OutputSchemaID)
		r.setChecks(func(c *componentChecks) { c.schemaIDs = err })
		return backoff.Permanent(err)
	}
	r.setChecks(func(c *componentChecks) { c.schemaIDs = nil })

	localHash := r.activity.ImplementationHash()
	switch {
	case entity.ImplementationHash == "":
		// Legacy registration without a stored hash is accepted as-is.
	case localHash == "":
		r.logger.Warn("no implementation hash embedded in this binary, skipping hash check",
			"processor_id", entity.ID,
			"composite_key", entity.CompositeKey())
	case entity.ImplementationHash != localHash:
		err := fmt.Errorf("Implementation hash mismatch for processor %s: %w",
			entity.CompositeKey(), ErrImplementationChanged)
		r.setChecks(func(c *componentChecks) { c.implementationHash = err })
		return backoff.Permanent(err)
	}
	r.setChecks(func(c *componentChecks) { c.implementationHash = nil })

	r.state.Lock()
	r.state.processorID = entity.ID
	r.state.inputSchemaDef = inputDef
	r.state.outputSchemaDef = outputDef
	r.state.Unlock()
	return nil
}

// resolveSchema fetches a schema definition, preferring the bus query and
// falling back to the schema manager's HTTP API.
func (r *Runtime) resolveSchema(ctx context.Context, schemaID, correlationID string) (string, error) {
	if schemaID == "" {
		return "", nil
	}

	query := models.GetSchemaDefinitionQuery{
		SchemaID:      schemaID,
		CorrelationID: correlationID,
	}
	reply, err := r.bus.Request(ctx, models.SubjectSchemaQueries, correlationID, query, queryTimeout)
	if err == nil {
		var resp models.GetSchemaDefinitionQueryResponse
		if decodeErr := reply.Decode(&resp); decodeErr == nil && resp.Found {
			return resp.Definition, nil
		}
	} else if !errors.Is(err, bus.ErrRequestTimeout) {
		r.logger.Warn("schema query over bus failed, falling back to HTTP",
			"schema_id", schemaID, "error", err)
	}

	return r.managers.GetSchemaDefinition(ctx, schemaID)
}

// getOrCreateProcessor looks the entity up by composite key, requesting
// creation when absent. The created entity is observed on a later attempt;
// creation is idempotent on the composite key.
func (r *Runtime) getOrCreateProcessor(ctx context.Context, correlationID string) (*models.Processor, error) {
	query := models.GetProcessorQuery{
		CompositeKey:  r.cfg.CompositeKey(),
		CorrelationID: correlationID,
	}
	reply, err := r.bus.Request(ctx, models.SubjectProcessorQueries, correlationID, query, queryTimeout)
	if err != nil {
		return nil, fmt.Errorf("processor lookup failed: %w", err)
	}

	var resp models.GetProcessorQueryResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, fmt.Errorf("processor lookup response is unparsable: %w", err)
	}
	if resp.Found {
		return resp.Processor, nil
	}

	create := models.CreateProcessorCommand{
		Name:               r.cfg.Name,
		Version:            r.cfg.Version,
		InputSchemaID:      r.cfg.InputSchemaID,
		OutputSchemaID:     r.cfg.OutputSchemaID,
		ImplementationHash: r.activity.ImplementationHash(),
		CorrelationID:      correlationID,
	}
	if err := bus.PublishWithRetry(ctx, r.bus, models.SubjectProcessorCommands, correlationID, create); err != nil {
		return nil, fmt.Errorf("failed to request processor creation: %w", err)
	}

	return nil, fmt.Errorf("processor %s not yet registered, creation requested", r.cfg.CompositeKey())
}
