package models

// Processor is a worker service identified by (version, name).
type Processor struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Version            string `json:"version"`
	InputSchemaID      string `json:"inputSchemaId"`
	OutputSchemaID     string `json:"outputSchemaId"`
	ImplementationHash string `json:"implementationHash"`
}

// CompositeKey returns version_name, the natural unique identifier.
func (p Processor) CompositeKey() string {
	return p.Version + "_" + p.Name
}

// Schema is a versioned JSON Schema document.
type Schema struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// CompositeKey returns version_name.
func (s Schema) CompositeKey() string {
	return s.Version + "_" + s.Name
}
