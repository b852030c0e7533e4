package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates step guard expressions using CEL (Common Expression
// Language). Compiled programs are cached by normalized expression.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate evaluates a guard expression against the completed step's staged
// output and the event fields. An empty expression always passes.
func (e *Evaluator) Evaluate(expr string, output interface{}, event map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	// Allow JSONPath-style $.field as shorthand for output.field.
	normalized := strings.ReplaceAll(expr, "$.", "output.")

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"output": output,
		"event":  event,
	})
	if err != nil {
		return false, fmt.Errorf("guard evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("event", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("guard compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
