package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/meshflow/orchestrator/common/models"
)

// revision changes whenever the transform below changes behavior. It feeds
// the implementation hash, so a behavior change without a version bump is
// caught at registration.
const revision = "r1"

// Passthrough is the default hosted activity: it merges the assignment
// payload over the staged input and returns the merged document. Useful as
// a wiring probe and as the base for payload-driven steps.
type Passthrough struct {
	name    string
	version string
}

// NewPassthrough creates the activity.
func NewPassthrough(name, version string) *Passthrough {
	return &Passthrough{name: name, version: version}
}

func (p *Passthrough) Name() string    { return p.name }
func (p *Passthrough) Version() string { return p.version }

// ImplementationHash fingerprints the activity's behavior.
func (p *Passthrough) ImplementationHash() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(p.name+"|"+p.version+"|"+revision))
}

// Execute merges the assignment payload over the input document. Non-object
// inputs are passed through unchanged when no payload is present.
func (p *Passthrough) Execute(ctx context.Context, entity models.Assignment, input string) (string, error) {
	if len(entity.Payload) == 0 {
		return input, nil
	}
	if input == "" {
		return string(entity.Payload), nil
	}

	var base map[string]interface{}
	if err := json.Unmarshal([]byte(input), &base); err != nil {
		// Input is not an object; the payload wins.
		return string(entity.Payload), nil
	}

	var overlay map[string]interface{}
	if err := json.Unmarshal(entity.Payload, &overlay); err != nil {
		return "", fmt.Errorf("assignment %s payload is not a JSON object: %w", entity.EntityID, err)
	}
	for k, v := range overlay {
		base[k] = v
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return "", fmt.Errorf("failed to merge payload for assignment %s: %w", entity.EntityID, err)
	}
	return string(merged), nil
}
