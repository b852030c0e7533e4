package runtime

import (
	"context"
	"strings"
	"sync"

	"github.com/meshflow/orchestrator/common/bus"
	"github.com/meshflow/orchestrator/common/cache"
	"github.com/meshflow/orchestrator/common/clients"
	"github.com/meshflow/orchestrator/common/config"
	"github.com/meshflow/orchestrator/common/metrics"
	"github.com/meshflow/orchestrator/common/models"
	"github.com/meshflow/orchestrator/common/schema"
)

// Logger interface for runtime logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Activity is the pluggable business function a processor hosts. Execute
// receives one assignment plus the staged input of the completed
// predecessor (empty on entry invocations) and returns serialized output.
type Activity interface {
	Name() string
	Version() string
	// ImplementationHash fingerprints the business logic. A changed hash
	// against an unchanged version is refused at initialization.
	ImplementationHash() string
	Execute(ctx context.Context, entity models.Assignment, input string) (string, error)
}

// Opts contains options for creating a runtime.
type Opts struct {
	Config      config.ProcessorConfig
	Bus         bus.Bus
	ActivityMap cache.Map
	Validator   *schema.Validator
	Managers    *clients.ManagerClient
	Activity    Activity
	Metrics     *metrics.Metrics
	Sampler     *metrics.PerfSampler // nil disables throughput accounting
	Logger      Logger
}

// Runtime hosts one activity behind the message bus: it registers the
// processor entity, consumes execute commands into a bounded work queue,
// runs them on a worker pool and reports results through a response queue.
type Runtime struct {
	cfg         config.ProcessorConfig
	bus         bus.Bus
	activityMap cache.Map
	validator   *schema.Validator
	managers    *clients.ManagerClient
	activity    Activity
	metrics     *metrics.Metrics
	sampler     *metrics.PerfSampler
	logger      Logger

	queues *queues

	// state guards the initialization outcome and the schema definitions
	// resolved during it.
	state struct {
		sync.RWMutex
		processorID     string
		inputSchemaDef  string
		outputSchemaDef string
		initialized     bool
		initErr         error
		checks          componentChecks
	}
}

// componentChecks holds the per-component initialization outcomes surfaced
// as independent health subchecks. Nil means the component is sound.
type componentChecks struct {
	inputSchema        error
	outputSchema       error
	schemaIDs          error
	implementationHash error
}

// New creates a runtime. Initialize must succeed before Start.
func New(opts Opts) *Runtime {
	return &Runtime{
		cfg:         opts.Config,
		bus:         opts.Bus,
		activityMap: opts.ActivityMap,
		validator:   opts.Validator,
		managers:    opts.Managers,
		activity:    opts.Activity,
		metrics:     opts.Metrics,
		sampler:     opts.Sampler,
		logger:      opts.Logger,
		queues:      newQueues(opts.Config.QueueCapacity, opts.Metrics),
	}
}

// ProcessorID returns the registered entity id, empty until
// initialization completes.
func (r *Runtime) ProcessorID() string {
	r.state.RLock()
	defer r.state.RUnlock()
	return r.state.processorID
}

func (r *Runtime) schemaDefs() (input, output string) {
	r.state.RLock()
	defer r.state.RUnlock()
	return r.state.inputSchemaDef, r.state.outputSchemaDef
}

func (r *Runtime) setChecks(mutate func(*componentChecks)) {
	r.state.Lock()
	mutate(&r.state.checks)
	r.state.Unlock()
}

// effectivelyEmpty reports whether serialized output carries no payload
// worth validating or staging.
func effectivelyEmpty(output string) bool {
	switch strings.TrimSpace(output) {
	case "", "{}", "[]", "null", `""`:
		return true
	}
	return false
}
