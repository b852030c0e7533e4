package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshflow/orchestrator/common/bus"
	"github.com/meshflow/orchestrator/common/cache"
	"github.com/meshflow/orchestrator/common/clients"
	"github.com/meshflow/orchestrator/common/config"
	"github.com/meshflow/orchestrator/common/metrics"
	"github.com/meshflow/orchestrator/common/models"
	"github.com/meshflow/orchestrator/common/schema"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

// fakeActivity runs a configurable function per entity.
type fakeActivity struct {
	name    string
	version string
	hash    string
	fn      func(entity models.Assignment, input string) (string, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeActivity) Name() string               { return f.name }
func (f *fakeActivity) Version() string            { return f.version }
func (f *fakeActivity) ImplementationHash() string { return f.hash }

func (f *fakeActivity) Execute(ctx context.Context, entity models.Assignment, input string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn == nil {
		return input, nil
	}
	return f.fn(entity, input)
}

func testConfig() config.ProcessorConfig {
	return config.ProcessorConfig{
		Name:                   "transform",
		Version:                "1.0",
		InputSchemaID:          "schema-in",
		OutputSchemaID:         "schema-out",
		EnableInputValidation:  true,
		EnableOutputValidation: true,
		WorkerCount:            2,
		QueueCapacity:          8,
		InitMaxAttempts:        2,
		InitBaseDelay:          time.Millisecond,
		InitMaxDelay:           5 * time.Millisecond,
	}
}

func newTestRuntime(t *testing.T, cfg config.ProcessorConfig, act *fakeActivity, memBus *bus.MemoryBus) (*Runtime, *cache.MemoryMap) {
	t.Helper()
	activityMap := cache.NewMemoryMap(0)
	rt := New(Opts{
		Config:      cfg,
		Bus:         memBus,
		ActivityMap: activityMap,
		Validator:   schema.NewValidator(nopLogger{}),
		Managers:    clients.NewManagerClient(clients.ManagerClientOpts{Logger: nopLogger{}}),
		Activity:    act,
		Metrics:     metrics.New("test"),
		Logger:      nopLogger{},
	})
	return rt, activityMap
}

// primeState short-circuits initialization for execution tests.
func primeState(rt *Runtime, processorID, inputDef, outputDef string) {
	rt.state.Lock()
	rt.state.processorID = processorID
	rt.state.inputSchemaDef = inputDef
	rt.state.outputSchemaDef = outputDef
	rt.state.initialized = true
	rt.state.Unlock()
}

func TestEffectivelyEmpty(t *testing.T) {
	for _, s := range []string{"", "  ", "\n\t", "{}", "[]", "null", `""`, " {} "} {
		if !effectivelyEmpty(s) {
			t.Errorf("%q should be effectively empty", s)
		}
	}
	for _, s := range []string{`{"a":1}`, "[1]", "0", `"x"`, "false"} {
		if effectivelyEmpty(s) {
			t.Errorf("%q should not be effectively empty", s)
		}
	}
}

func TestAggregateOutputs(t *testing.T) {
	got, err := aggregateOutputs(nil)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = aggregateOutputs([]string{`{"a":1}`})
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, got)

	got, err = aggregateOutputs([]string{`{"a":1}`, `{"b":2}`})
	require.NoError(t, err)
	require.JSONEq(t, `[{"a":1},{"b":2}]`, got)
}

func entryCommand(entities ...models.Assignment) models.ExecuteActivityCommand {
	return models.ExecuteActivityCommand{
		OrchestratedFlowID: "flow-1",
		WorkflowID:         "wf-1",
		CorrelationID:      "corr-1",
		StepID:             "A",
		ProcessorID:        "proc-1",
		PublishID:          "pub-1",
		ExecutionID:        "",
		Entities:           entities,
	}
}

func TestRunEntryCommandStagesOutput(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0", fn: func(models.Assignment, string) (string, error) {
		return `{"value": 42}`, nil
	}}
	rt, activityMap := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	primeState(rt, "proc-1", "", `{"type":"object"}`)
	ctx := context.Background()

	executionID, processed, size, validationFailure, err := rt.run(ctx, entryCommand(models.Assignment{EntityID: "e1"}))
	require.NoError(t, err)
	require.False(t, validationFailure)
	require.NotEmpty(t, executionID, "entry execution mints its own execution id")
	require.Equal(t, 1, processed)
	require.Positive(t, size)

	key := cache.ActivityDataKey("proc-1", "flow-1", "corr-1", executionID, "A", "pub-1")
	staged, found, err := activityMap.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"value": 42}`, staged)
}

func TestRunEntrySkipsInputValidation(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0"}
	rt, _ := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	// An input schema that nothing could satisfy.
	primeState(rt, "proc-1", `{"type":"object","required":["impossible"]}`, "")

	_, processed, _, validationFailure, err := rt.run(context.Background(), entryCommand(models.Assignment{EntityID: "e1"}))
	require.NoError(t, err)
	require.False(t, validationFailure)
	require.Equal(t, 1, processed)
}

func TestRunReadsStagedInputAndValidates(t *testing.T) {
	var seen string
	act := &fakeActivity{name: "transform", version: "1.0", fn: func(entity models.Assignment, input string) (string, error) {
		seen = input
		return "", nil
	}}
	rt, activityMap := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	primeState(rt, "proc-1", `{"type":"object","required":["value"]}`, "")
	ctx := context.Background()

	cmd := entryCommand(models.Assignment{EntityID: "e1"})
	cmd.ExecutionID = "exec-1"

	key := cache.ActivityDataKey("proc-1", "flow-1", "corr-1", "exec-1", "A", "pub-1")
	require.NoError(t, activityMap.Set(ctx, key, `{"value": 1}`))

	executionID, processed, _, _, err := rt.run(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, "exec-1", executionID, "non-entry execution keeps the command's execution id")
	require.Equal(t, 1, processed)
	require.JSONEq(t, `{"value": 1}`, seen)
}

func TestRunFailsValidationOnBadStagedInput(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0"}
	rt, activityMap := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	primeState(rt, "proc-1", `{"type":"object","required":["value"]}`, "")
	ctx := context.Background()

	cmd := entryCommand(models.Assignment{EntityID: "e1"})
	cmd.ExecutionID = "exec-1"

	key := cache.ActivityDataKey("proc-1", "flow-1", "corr-1", "exec-1", "A", "pub-1")
	require.NoError(t, activityMap.Set(ctx, key, `{"other": true}`))

	_, _, _, validationFailure, err := rt.run(ctx, cmd)
	require.Error(t, err)
	require.True(t, validationFailure)
	require.Zero(t, act.calls, "validation failure must not execute the activity")
}

func TestRunMissingStagedInputFails(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0"}
	rt, _ := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	primeState(rt, "proc-1", "", "")

	cmd := entryCommand(models.Assignment{EntityID: "e1"})
	cmd.ExecutionID = "exec-1"

	_, _, _, _, err := rt.run(context.Background(), cmd)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no staged input")
}

func TestRunEmptyOutputSkipsValidationAndStaging(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0", fn: func(models.Assignment, string) (string, error) {
		return "  {} ", nil
	}}
	rt, activityMap := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	// An output schema that would reject {}.
	primeState(rt, "proc-1", "", `{"type":"object","required":["value"]}`)

	_, processed, size, validationFailure, err := rt.run(context.Background(), entryCommand(models.Assignment{EntityID: "e1"}))
	require.NoError(t, err)
	require.False(t, validationFailure)
	require.Equal(t, 1, processed)
	require.Zero(t, size)

	total, err := activityMap.Size(context.Background())
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestRunOutputValidationFailure(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0", fn: func(models.Assignment, string) (string, error) {
		return `{"wrong": true}`, nil
	}}
	rt, _ := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	primeState(rt, "proc-1", "", `{"type":"object","required":["value"]}`)

	_, _, _, validationFailure, err := rt.run(context.Background(), entryCommand(models.Assignment{EntityID: "e1"}))
	require.Error(t, err)
	require.True(t, validationFailure)
}

func TestPerEntityIsolation(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0", fn: func(entity models.Assignment, input string) (string, error) {
		if entity.EntityID == "bad" {
			return "", errors.New("entity exploded")
		}
		return fmt.Sprintf(`{"id":%q}`, entity.EntityID), nil
	}}
	rt, _ := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	primeState(rt, "proc-1", "", "")

	cmd := entryCommand(
		models.Assignment{EntityID: "good-1"},
		models.Assignment{EntityID: "bad"},
		models.Assignment{EntityID: "good-2"},
	)

	_, processed, _, _, err := rt.run(context.Background(), cmd)
	require.NoError(t, err, "one failing entity must not fail the command")
	require.Equal(t, 2, processed)
	require.Equal(t, 3, act.calls)
}

func TestAllEntitiesFailingFailsCommand(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0", fn: func(models.Assignment, string) (string, error) {
		return "", errors.New("entity exploded")
	}}
	rt, _ := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	primeState(rt, "proc-1", "", "")

	_, _, _, _, err := rt.run(context.Background(), entryCommand(
		models.Assignment{EntityID: "a"},
		models.Assignment{EntityID: "b"},
	))
	require.Error(t, err)
	require.Contains(t, err.Error(), "all 2 entities failed")
}

func TestPluginAssignmentOverridesSchemas(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0", fn: func(models.Assignment, string) (string, error) {
		return `{"plugin": true}`, nil
	}}
	rt, _ := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	// Processor default output schema would reject the plugin's output.
	primeState(rt, "proc-1", "", `{"type":"object","required":["value"]}`)

	plugin := models.Assignment{
		Type:                   models.AssignmentTypePlugin,
		EntityID:               "plug-1",
		OutputSchemaDefinition: `{"type":"object","required":["plugin"]}`,
		EnableOutputValidation: true,
	}

	_, _, _, validationFailure, err := rt.run(context.Background(), entryCommand(plugin))
	require.NoError(t, err)
	require.False(t, validationFailure)
}

func TestPluginCanDisableValidation(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0", fn: func(models.Assignment, string) (string, error) {
		return `{"anything": 1}`, nil
	}}
	rt, _ := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	primeState(rt, "proc-1", "", `{"type":"object","required":["value"]}`)

	plugin := models.Assignment{
		Type:                   models.AssignmentTypePlugin,
		EntityID:               "plug-1",
		OutputSchemaDefinition: `{"type":"object","required":["never"]}`,
		EnableOutputValidation: false,
	}

	_, _, _, _, err := rt.run(context.Background(), entryCommand(plugin))
	require.NoError(t, err)
}

func TestQueueDepthAccounting(t *testing.T) {
	q := newQueues(2, metrics.New("test"))

	require.NoError(t, q.enqueueWork(models.ExecuteActivityCommand{PublishID: "p1"}))
	require.NoError(t, q.enqueueWork(models.ExecuteActivityCommand{PublishID: "p2"}))

	work, _ := q.depths()
	require.EqualValues(t, 2, work)

	// Full queue refuses admission instead of blocking.
	require.Error(t, q.enqueueWork(models.ExecuteActivityCommand{PublishID: "p3"}))

	<-q.work
	q.dequeueWorkDone()
	work, _ = q.depths()
	require.EqualValues(t, 1, work)
}

func TestHealthStatusReflectsInitialization(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0"}
	rt, _ := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	ctx := context.Background()

	status, _, checks := rt.HealthStatus(ctx)
	require.Equal(t, models.HealthStateDegraded, status, "uninitialized runtime is degraded")
	require.NotEmpty(t, checks)

	primeState(rt, "proc-1", "", "")
	status, _, _ = rt.HealthStatus(ctx)
	require.Equal(t, models.HealthStateHealthy, status)

	rt.state.Lock()
	rt.state.initErr = errors.New("registration refused")
	rt.state.initialized = false
	rt.state.Unlock()

	status, message, _ := rt.HealthStatus(ctx)
	require.Equal(t, models.HealthStateUnhealthy, status)
	require.Contains(t, message, "initialization failed")
}

// registryResponder emulates the entity manager answering processor and
// schema queries over the bus.
type registryResponder struct {
	mu         sync.Mutex
	processors map[string]*models.Processor
	schemas    map[string]string
	created    []models.CreateProcessorCommand
}

func startRegistryResponder(t *testing.T, memBus *bus.MemoryBus) *registryResponder {
	t.Helper()
	r := &registryResponder{
		processors: make(map[string]*models.Processor),
		schemas:    make(map[string]string),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, memBus.Consume(ctx, models.SubjectProcessorQueries, "registry", 1,
		func(ctx context.Context, env bus.Envelope) error {
			var query models.GetProcessorQuery
			if err := env.Decode(&query); err != nil {
				return err
			}
			r.mu.Lock()
			processor := r.processors[query.CompositeKey]
			r.mu.Unlock()
			return memBus.Respond(ctx, env, models.GetProcessorQueryResponse{
				Found:     processor != nil,
				Processor: processor,
			})
		}))

	require.NoError(t, memBus.Consume(ctx, models.SubjectProcessorCommands, "registry", 1,
		func(ctx context.Context, env bus.Envelope) error {
			var create models.CreateProcessorCommand
			if err := env.Decode(&create); err != nil {
				return err
			}
			r.mu.Lock()
			r.created = append(r.created, create)
			r.processors[create.Version+"_"+create.Name] = &models.Processor{
				ID:                 "proc-created",
				Name:               create.Name,
				Version:            create.Version,
				InputSchemaID:      create.InputSchemaID,
				OutputSchemaID:     create.OutputSchemaID,
				ImplementationHash: create.ImplementationHash,
			}
			r.mu.Unlock()
			return nil
		}))

	require.NoError(t, memBus.Consume(ctx, models.SubjectSchemaQueries, "registry", 1,
		func(ctx context.Context, env bus.Envelope) error {
			var query models.GetSchemaDefinitionQuery
			if err := env.Decode(&query); err != nil {
				return err
			}
			r.mu.Lock()
			definition, found := r.schemas[query.SchemaID]
			r.mu.Unlock()
			return memBus.Respond(ctx, env, models.GetSchemaDefinitionQueryResponse{
				Found:      found,
				SchemaID:   query.SchemaID,
				Definition: definition,
			})
		}))

	return r
}

func TestInitializeRegistersNewProcessor(t *testing.T) {
	memBus := bus.NewMemoryBus()
	responder := startRegistryResponder(t, memBus)
	responder.schemas["schema-in"] = `{"type":"object"}`
	responder.schemas["schema-out"] = `{"type":"object"}`

	act := &fakeActivity{name: "transform", version: "1.0", hash: "hash-1"}
	cfg := testConfig()
	cfg.InitMaxAttempts = 5
	rt, _ := newTestRuntime(t, cfg, act, memBus)

	require.NoError(t, rt.Initialize(context.Background()))
	require.Equal(t, "proc-created", rt.ProcessorID())

	responder.mu.Lock()
	defer responder.mu.Unlock()
	require.NotEmpty(t, responder.created)
	require.Equal(t, "hash-1", responder.created[0].ImplementationHash)
}

func TestInitializeFindsExistingProcessor(t *testing.T) {
	memBus := bus.NewMemoryBus()
	responder := startRegistryResponder(t, memBus)
	responder.schemas["schema-in"] = `{"type":"object"}`
	responder.schemas["schema-out"] = `{"type":"object"}`
	responder.processors["1.0_transform"] = &models.Processor{
		ID:                 "proc-77",
		Name:               "transform",
		Version:            "1.0",
		InputSchemaID:      "schema-in",
		OutputSchemaID:     "schema-out",
		ImplementationHash: "hash-1",
	}

	act := &fakeActivity{name: "transform", version: "1.0", hash: "hash-1"}
	rt, _ := newTestRuntime(t, testConfig(), act, memBus)

	require.NoError(t, rt.Initialize(context.Background()))
	require.Equal(t, "proc-77", rt.ProcessorID())
	require.Empty(t, responder.created)
}

func TestInitializeRefusesChangedImplementationHash(t *testing.T) {
	memBus := bus.NewMemoryBus()
	responder := startRegistryResponder(t, memBus)
	responder.schemas["schema-in"] = `{"type":"object"}`
	responder.schemas["schema-out"] = `{"type":"object"}`
	responder.processors["1.0_transform"] = &models.Processor{
		ID:                 "proc-77",
		Name:               "transform",
		Version:            "1.0",
		InputSchemaID:      "schema-in",
		OutputSchemaID:     "schema-out",
		ImplementationHash: "hash-old",
	}

	act := &fakeActivity{name: "transform", version: "1.0", hash: "hash-new"}
	rt, _ := newTestRuntime(t, testConfig(), act, memBus)

	err := rt.Initialize(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrImplementationChanged)
	require.True(t, strings.Contains(err.Error(), "version increment"))
	require.Empty(t, rt.ProcessorID())

	status, _, _ := rt.HealthStatus(context.Background())
	require.Equal(t, models.HealthStateUnhealthy, status)
}

func TestInitializeRefusesSchemaMismatch(t *testing.T) {
	memBus := bus.NewMemoryBus()
	responder := startRegistryResponder(t, memBus)
	responder.schemas["schema-in"] = `{"type":"object"}`
	responder.schemas["schema-out"] = `{"type":"object"}`
	responder.processors["1.0_transform"] = &models.Processor{
		ID:                 "proc-77",
		Name:               "transform",
		Version:            "1.0",
		InputSchemaID:      "schema-other",
		OutputSchemaID:     "schema-out",
		ImplementationHash: "hash-1",
	}

	act := &fakeActivity{name: "transform", version: "1.0", hash: "hash-1"}
	rt, _ := newTestRuntime(t, testConfig(), act, memBus)

	err := rt.Initialize(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "schema")
}

// TestInitializeAcceptsLegacyEmptyStoredHash validates that an entity
// registered without an implementation hash initializes cleanly.
func TestInitializeAcceptsLegacyEmptyStoredHash(t *testing.T) {
	memBus := bus.NewMemoryBus()
	responder := startRegistryResponder(t, memBus)
	responder.schemas["schema-in"] = `{"type":"object"}`
	responder.schemas["schema-out"] = `{"type":"object"}`
	responder.processors["1.0_transform"] = &models.Processor{
		ID:             "proc-77",
		Name:           "transform",
		Version:        "1.0",
		InputSchemaID:  "schema-in",
		OutputSchemaID: "schema-out",
	}

	act := &fakeActivity{name: "transform", version: "1.0", hash: "hash-new"}
	rt, _ := newTestRuntime(t, testConfig(), act, memBus)

	require.NoError(t, rt.Initialize(context.Background()))
	require.Equal(t, "proc-77", rt.ProcessorID())
}

// TestInitializeSkipsHashCheckWithoutLocalHash validates that a binary
// carrying no hash of its own initializes against any stored hash.
func TestInitializeSkipsHashCheckWithoutLocalHash(t *testing.T) {
	memBus := bus.NewMemoryBus()
	responder := startRegistryResponder(t, memBus)
	responder.schemas["schema-in"] = `{"type":"object"}`
	responder.schemas["schema-out"] = `{"type":"object"}`
	responder.processors["1.0_transform"] = &models.Processor{
		ID:                 "proc-77",
		Name:               "transform",
		Version:            "1.0",
		InputSchemaID:      "schema-in",
		OutputSchemaID:     "schema-out",
		ImplementationHash: "hash-stored",
	}

	act := &fakeActivity{name: "transform", version: "1.0", hash: ""}
	rt, _ := newTestRuntime(t, testConfig(), act, memBus)

	require.NoError(t, rt.Initialize(context.Background()))
	require.Equal(t, "proc-77", rt.ProcessorID())
}

// TestInitializeIgnoresSchemaMismatchWhenValidationDisabled validates
// that schema ids are only compared for the sides whose validation is
// on: with both off, a disagreeing registration still initializes and
// no schema is resolved at all.
func TestInitializeIgnoresSchemaMismatchWhenValidationDisabled(t *testing.T) {
	memBus := bus.NewMemoryBus()
	responder := startRegistryResponder(t, memBus)
	responder.processors["1.0_transform"] = &models.Processor{
		ID:                 "proc-77",
		Name:               "transform",
		Version:            "1.0",
		InputSchemaID:      "schema-other",
		OutputSchemaID:     "schema-else",
		ImplementationHash: "hash-1",
	}

	act := &fakeActivity{name: "transform", version: "1.0", hash: "hash-1"}
	cfg := testConfig()
	cfg.EnableInputValidation = false
	cfg.EnableOutputValidation = false
	rt, _ := newTestRuntime(t, cfg, act, memBus)

	// No schemas seeded in the responder: resolution would fail if tried.
	require.NoError(t, rt.Initialize(context.Background()))
	require.Equal(t, "proc-77", rt.ProcessorID())
}

func checkByName(t *testing.T, checks []models.HealthCheck, name string) models.HealthCheck {
	t.Helper()
	for _, check := range checks {
		if check.Name == name {
			return check
		}
	}
	t.Fatalf("no health check named %s in %v", name, checks)
	return models.HealthCheck{}
}

// TestHealthSubchecksIsolateHashMismatch validates that a refused
// implementation hash surfaces on its own subcheck while the schema
// subchecks stay healthy, and that the aggregate message names it.
func TestHealthSubchecksIsolateHashMismatch(t *testing.T) {
	memBus := bus.NewMemoryBus()
	responder := startRegistryResponder(t, memBus)
	responder.schemas["schema-in"] = `{"type":"object"}`
	responder.schemas["schema-out"] = `{"type":"object"}`
	responder.processors["1.0_transform"] = &models.Processor{
		ID:                 "proc-77",
		Name:               "transform",
		Version:            "1.0",
		InputSchemaID:      "schema-in",
		OutputSchemaID:     "schema-out",
		ImplementationHash: "hash-old",
	}

	act := &fakeActivity{name: "transform", version: "1.0", hash: "hash-new"}
	rt, _ := newTestRuntime(t, testConfig(), act, memBus)
	require.Error(t, rt.Initialize(context.Background()))

	status, message, checks := rt.HealthStatus(context.Background())
	require.Equal(t, models.HealthStateUnhealthy, status)
	require.Contains(t, message, "Implementation hash mismatch")

	hashCheck := checkByName(t, checks, "implementation-hash")
	require.Equal(t, models.HealthStateUnhealthy, hashCheck.Status)
	require.Contains(t, hashCheck.Message, "Implementation hash mismatch")

	require.Equal(t, models.HealthStateHealthy, checkByName(t, checks, "input-schema").Status)
	require.Equal(t, models.HealthStateHealthy, checkByName(t, checks, "output-schema").Status)
	require.Equal(t, models.HealthStateHealthy, checkByName(t, checks, "schema-ids").Status)
}

// TestRunDuplicateEntryCommandOverwritesStagedOutput validates that a
// redelivered entry command stages under the same derived key instead
// of accumulating orphaned entries.
func TestRunDuplicateEntryCommandOverwritesStagedOutput(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0", fn: func(models.Assignment, string) (string, error) {
		return `{"value": 42}`, nil
	}}
	rt, activityMap := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())
	primeState(rt, "proc-1", "", "")
	ctx := context.Background()

	cmd := entryCommand(models.Assignment{EntityID: "e1"})
	firstID, _, _, _, err := rt.run(ctx, cmd)
	require.NoError(t, err)
	secondID, _, _, _, err := rt.run(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, firstID, secondID, "entry execution id must be derived from the publish id")

	total, err := activityMap.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, total, "duplicate delivery must overwrite, not accumulate")
}

func TestStartRequiresInitialization(t *testing.T) {
	act := &fakeActivity{name: "transform", version: "1.0"}
	rt, _ := newTestRuntime(t, testConfig(), act, bus.NewMemoryBus())

	require.Error(t, rt.Start(context.Background()))
}

func TestEndToEndCommandProducesExecutedEvent(t *testing.T) {
	memBus := bus.NewMemoryBus()
	act := &fakeActivity{name: "transform", version: "1.0", fn: func(models.Assignment, string) (string, error) {
		return `{"done": true}`, nil
	}}
	rt, _ := newTestRuntime(t, testConfig(), act, memBus)
	primeState(rt, "proc-1", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))

	events := make(chan models.ActivityExecutedEvent, 1)
	require.NoError(t, memBus.Consume(ctx, models.SubjectActivityExecuted, "test", 1,
		func(ctx context.Context, env bus.Envelope) error {
			var event models.ActivityExecutedEvent
			if err := env.Decode(&event); err != nil {
				return err
			}
			events <- event
			return nil
		}))

	cmd := entryCommand(models.Assignment{EntityID: "e1"})
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	require.NoError(t, memBus.Publish(ctx, models.ExecuteActivityCommandSubject("proc-1"), "corr-1",
		json.RawMessage(payload)))

	select {
	case event := <-events:
		require.Equal(t, "flow-1", event.OrchestratedFlowID)
		require.Equal(t, "A", event.StepID)
		require.Equal(t, "completed", event.Status)
		require.Equal(t, 1, event.EntitiesProcessed)
		require.NotEmpty(t, event.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no executed event published")
	}
}
