package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/meshflow/orchestrator/common/models"
)

// Page is the standard paginated response shape of the manager services.
type Page[T any] struct {
	Data       []T `json:"data"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
	TotalPages int `json:"totalPages"`
}

// ManagerClient talks to the upstream orchestrator and schema manager
// services over the resilient HTTP client.
type ManagerClient struct {
	orchestratorBaseURL string
	schemaBaseURL       string
	http                *ResilientClient
	logger              Logger
}

// ManagerClientOpts contains options for creating a manager client.
type ManagerClientOpts struct {
	OrchestratorBaseURL string
	SchemaBaseURL       string
	HTTP                *ResilientClient
	Logger              Logger
}

// NewManagerClient creates a manager client.
func NewManagerClient(opts ManagerClientOpts) *ManagerClient {
	return &ManagerClient{
		orchestratorBaseURL: opts.OrchestratorBaseURL,
		schemaBaseURL:       opts.SchemaBaseURL,
		http:                opts.HTTP,
		logger:              opts.Logger,
	}
}

// GetOrchestratedFlow fetches an orchestrated flow by id.
func (c *ManagerClient) GetOrchestratedFlow(ctx context.Context, flowID string) (*models.OrchestratedFlow, error) {
	var flow models.OrchestratedFlow
	u := fmt.Sprintf("%s/api/OrchestratedFlow/%s", c.orchestratorBaseURL, url.PathEscape(flowID))
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &flow); err != nil {
		return nil, fmt.Errorf("failed to fetch orchestrated flow %s: %w", flowID, err)
	}
	return &flow, nil
}

// GetStepNavigation fetches the step graph and referenced processor ids for
// a flow's workflow.
func (c *ManagerClient) GetStepNavigation(ctx context.Context, flowID string) (*models.StepNavigation, error) {
	var nav models.StepNavigation
	u := fmt.Sprintf("%s/api/OrchestratedFlow/%s/steps", c.orchestratorBaseURL, url.PathEscape(flowID))
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &nav); err != nil {
		return nil, fmt.Errorf("failed to fetch step navigation for flow %s: %w", flowID, err)
	}
	return &nav, nil
}

// GetAssignmentsByFlow fetches the flow's assignments grouped by step id.
func (c *ManagerClient) GetAssignmentsByFlow(ctx context.Context, flowID string) (map[string][]models.Assignment, error) {
	var resp struct {
		AssignmentsByStepID map[string][]models.Assignment `json:"assignmentsByStepId"`
	}
	u := fmt.Sprintf("%s/api/OrchestratedFlow/%s/assignments", c.orchestratorBaseURL, url.PathEscape(flowID))
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch assignments for flow %s: %w", flowID, err)
	}
	if resp.AssignmentsByStepID == nil {
		resp.AssignmentsByStepID = make(map[string][]models.Assignment)
	}
	return resp.AssignmentsByStepID, nil
}

// GetSchemaDefinition fetches a schema by id and returns its definition.
func (c *ManagerClient) GetSchemaDefinition(ctx context.Context, schemaID string) (string, error) {
	var schema models.Schema
	u := fmt.Sprintf("%s/api/Schema/%s", c.schemaBaseURL, url.PathEscape(schemaID))
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &schema); err != nil {
		return "", fmt.Errorf("failed to fetch schema %s: %w", schemaID, err)
	}
	return schema.Definition, nil
}

// GetSchemaByComposite fetches a schema by its version_name composite key.
func (c *ManagerClient) GetSchemaByComposite(ctx context.Context, compositeKey string) (*models.Schema, error) {
	var schema models.Schema
	u := fmt.Sprintf("%s/api/Schema/composite/%s", c.schemaBaseURL, url.PathEscape(compositeKey))
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &schema); err != nil {
		return nil, fmt.Errorf("failed to fetch schema by composite key %s: %w", compositeKey, err)
	}
	return &schema, nil
}

// ListSchemas fetches a page of schemas. Page parameters are validated
// client-side to mirror the server's 400 behavior: page >= 1, pageSize in
// [1,100], no silent correction.
func (c *ManagerClient) ListSchemas(ctx context.Context, page, pageSize int) (*Page[models.Schema], error) {
	if page < 1 {
		return nil, fmt.Errorf("page must be >= 1, got %d", page)
	}
	if pageSize < 1 || pageSize > 100 {
		return nil, fmt.Errorf("pageSize must be in [1,100], got %d", pageSize)
	}

	var out Page[models.Schema]
	u := fmt.Sprintf("%s/api/Schema?page=%d&pageSize=%d", c.schemaBaseURL, page, pageSize)
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	return &out, nil
}

// ValidateSchemaRequest asks the schema manager to validate an instance.
type ValidateSchemaRequest struct {
	SchemaID string `json:"schemaId"`
	Instance string `json:"instance"`
}

// ValidateSchemaResponse is the manager's validation verdict.
type ValidateSchemaResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateSchema asks the schema manager to validate an instance. When the
// validation service cannot be reached the caller must fail closed: the
// returned error wraps ErrTemporarilyUnavailable and the mutation must be
// rejected, never silently permitted.
func (c *ManagerClient) ValidateSchema(ctx context.Context, req ValidateSchemaRequest) (*ValidateSchemaResponse, error) {
	var resp ValidateSchemaResponse
	u := fmt.Sprintf("%s/api/Schema/validate", c.schemaBaseURL)
	if err := c.http.DoJSON(ctx, http.MethodPost, u, req, &resp); err != nil {
		return nil, fmt.Errorf("schema validation unavailable, failing closed: %w", err)
	}
	return &resp, nil
}
