package models

// Bus subjects. Commands fan out to per-processor streams; events share one
// stream consumed by the orchestration service.
const (
	SubjectExecuteActivity   = "wf.commands.execute"
	SubjectActivityExecuted  = "wf.events.activity.executed"
	SubjectActivityFailed    = "wf.events.activity.failed"
	SubjectProcessorQueries  = "wf.queries.processor"
	SubjectProcessorCommands = "wf.commands.processor"
	SubjectSchemaQueries     = "wf.queries.schema"
)

// ExecuteActivityCommandSubject returns the per-processor command stream.
func ExecuteActivityCommandSubject(processorID string) string {
	return SubjectExecuteActivity + "." + processorID
}

// ExecuteActivityCommand instructs a processor to run one activity.
// ExecutionID == "" is the entry-point sentinel: the processor bypasses the
// input cache lookup and input validation.
type ExecuteActivityCommand struct {
	OrchestratedFlowID string       `json:"orchestratedFlowId"`
	WorkflowID         string       `json:"workflowId"`
	CorrelationID      string       `json:"correlationId"`
	StepID             string       `json:"stepId"`
	ProcessorID        string       `json:"processorId"`
	PublishID          string       `json:"publishId"`
	ExecutionID        string       `json:"executionId"`
	Entities           []Assignment `json:"entities"`
}

// ActivityExecutedEvent reports a completed activity.
type ActivityExecutedEvent struct {
	ProcessorID        string  `json:"processorId"`
	OrchestratedFlowID string  `json:"orchestratedFlowId"`
	WorkflowID         string  `json:"workflowId"`
	StepID             string  `json:"stepId"`
	ExecutionID        string  `json:"executionId"`
	CorrelationID      string  `json:"correlationId"`
	PublishID          string  `json:"publishId"`
	DurationMs         int64   `json:"duration"`
	Status             string  `json:"status"`
	EntitiesProcessed  int     `json:"entitiesProcessed"`
	ResultDataSize     int     `json:"resultDataSize"`
}

// ActivityFailedEvent reports a failed activity.
type ActivityFailedEvent struct {
	ProcessorID            string `json:"processorId"`
	OrchestratedFlowID     string `json:"orchestratedFlowId"`
	WorkflowID             string `json:"workflowId"`
	StepID                 string `json:"stepId"`
	ExecutionID            string `json:"executionId"`
	CorrelationID          string `json:"correlationId"`
	PublishID              string `json:"publishId"`
	DurationMs             int64  `json:"duration"`
	ErrorMessage           string `json:"errorMessage"`
	ExceptionType          string `json:"exceptionType,omitempty"`
	StackTrace             string `json:"stackTrace,omitempty"`
	EntitiesBeingProcessed int    `json:"entitiesBeingProcessed"`
	IsValidationFailure    bool   `json:"isValidationFailure"`
}

// GetProcessorQuery requests a processor entity by composite key.
type GetProcessorQuery struct {
	CompositeKey  string `json:"compositeKey"`
	CorrelationID string `json:"correlationId"`
}

// GetProcessorQueryResponse answers a GetProcessorQuery.
type GetProcessorQueryResponse struct {
	Found     bool       `json:"found"`
	Processor *Processor `json:"processor,omitempty"`
}

// CreateProcessorCommand registers a new processor entity.
type CreateProcessorCommand struct {
	Name               string `json:"name"`
	Version            string `json:"version"`
	InputSchemaID      string `json:"inputSchemaId"`
	OutputSchemaID     string `json:"outputSchemaId"`
	ImplementationHash string `json:"implementationHash"`
	CorrelationID      string `json:"correlationId"`
}

// GetSchemaDefinitionQuery requests a schema definition by id.
type GetSchemaDefinitionQuery struct {
	SchemaID      string `json:"schemaId"`
	CorrelationID string `json:"correlationId"`
}

// GetSchemaDefinitionQueryResponse answers a GetSchemaDefinitionQuery.
type GetSchemaDefinitionQueryResponse struct {
	Found      bool   `json:"found"`
	SchemaID   string `json:"schemaId"`
	Definition string `json:"definition,omitempty"`
}
