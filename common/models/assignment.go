package models

import "encoding/json"

// AssignmentType discriminates the assignment variants.
type AssignmentType string

const (
	AssignmentTypeAddress  AssignmentType = "address"
	AssignmentTypeDelivery AssignmentType = "delivery"
	AssignmentTypePlugin   AssignmentType = "plugin"
)

// Assignment is a per-step payload. The plugin variant additionally carries
// a schema pair that overrides the processor's own schemas for that step.
type Assignment struct {
	Type     AssignmentType  `json:"type"`
	EntityID string          `json:"entityId"`
	StepID   string          `json:"stepId"`
	Name     string          `json:"name"`
	Version  string          `json:"version"`
	SchemaID string          `json:"schemaId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// Plugin variant only.
	InputSchemaDefinition  string `json:"inputSchemaDefinition,omitempty"`
	OutputSchemaDefinition string `json:"outputSchemaDefinition,omitempty"`
	EnableInputValidation  bool   `json:"enableInputValidation,omitempty"`
	EnableOutputValidation bool   `json:"enableOutputValidation,omitempty"`
}

// IsPlugin reports whether the assignment carries plugin schema overrides.
func (a Assignment) IsPlugin() bool {
	return a.Type == AssignmentTypePlugin
}

// CompositeKey returns version_name, the natural unique identifier.
func (a Assignment) CompositeKey() string {
	return a.Version + "_" + a.Name
}
