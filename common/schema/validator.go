package schema

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/xeipuuv/gojsonschema"
)

// Logger interface for validator logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ValidationError is one schema violation with its hierarchical path.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of evaluating an instance against a schema.
type Result struct {
	Valid          bool              `json:"valid"`
	Errors         []ValidationError `json:"errors,omitempty"`
	FirstErrorPath string            `json:"firstErrorPath,omitempty"`
	Duration       time.Duration     `json:"duration"`
}

// ErrorSummary joins the violations into one human-readable line.
func (r *Result) ErrorSummary() string {
	if r.Valid || len(r.Errors) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return strings.Join(parts, "; ")
}

// Validator evaluates JSON instances against JSON Schemas, caching compiled
// schemas by a content hash of the definition.
type Validator struct {
	compiled map[uint64]*gojsonschema.Schema
	mu       sync.RWMutex
	logger   Logger
}

// NewValidator creates a validator with an empty compile cache.
func NewValidator(logger Logger) *Validator {
	return &Validator{
		compiled: make(map[uint64]*gojsonschema.Schema),
		logger:   logger,
	}
}

// Validate evaluates the instance against the schema definition. A schema
// that fails to compile is an error; an instance that violates the schema
// is a non-error Result with Valid=false.
func (v *Validator) Validate(ctx context.Context, schemaDefinition, instance string) (*Result, error) {
	start := time.Now()

	if strings.TrimSpace(schemaDefinition) == "" {
		return nil, fmt.Errorf("schema definition is empty")
	}

	// Empty input against a schema that requires content is a validation
	// failure, not a parse error.
	if strings.TrimSpace(instance) == "" {
		return &Result{
			Valid: false,
			Errors: []ValidationError{
				{Path: "(root)", Message: "instance is empty"},
			},
			FirstErrorPath: "(root)",
			Duration:       time.Since(start),
		}, nil
	}

	compiled, err := v.compile(schemaDefinition)
	if err != nil {
		return nil, err
	}

	result, err := compiled.Validate(gojsonschema.NewStringLoader(instance))
	if err != nil {
		// Unparsable instance counts as a validation failure.
		v.logger.Debug("instance failed to parse", "error", err)
		return &Result{
			Valid: false,
			Errors: []ValidationError{
				{Path: "(root)", Message: fmt.Sprintf("instance is not valid JSON: %v", err)},
			},
			FirstErrorPath: "(root)",
			Duration:       time.Since(start),
		}, nil
	}

	out := &Result{
		Valid:    result.Valid(),
		Duration: time.Since(start),
	}
	for _, resultErr := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Path:    resultErr.Field(),
			Message: resultErr.Description(),
		})
	}
	if len(out.Errors) > 0 {
		out.FirstErrorPath = out.Errors[0].Path
	}

	v.logger.Debug("schema validated",
		"valid", out.Valid,
		"error_count", len(out.Errors),
		"duration_ms", out.Duration.Milliseconds())
	return out, nil
}

// compile returns the cached compiled schema or compiles and caches it.
func (v *Validator) compile(definition string) (*gojsonschema.Schema, error) {
	key := xxhash.Sum64String(definition)

	v.mu.RLock()
	compiled, exists := v.compiled[key]
	v.mu.RUnlock()
	if exists {
		return compiled, nil
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(definition))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	v.mu.Lock()
	v.compiled[key] = compiled
	v.mu.Unlock()

	v.logger.Debug("schema compiled and cached", "hash", key)
	return compiled, nil
}

// CacheSize returns the number of compiled schemas held.
func (v *Validator) CacheSize() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.compiled)
}
