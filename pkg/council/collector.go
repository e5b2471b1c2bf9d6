package council

import (
	"sync"

	"github.com/zen-systems/conclave/pkg/schema"
)

// collector accumulates stage results until the stage is finalized. Once
// finalize runs, add refuses everything; a backend that answers after the
// stage deadline can never mutate a stage that already moved on.
type collector struct {
	mu        sync.Mutex
	finalized bool
	responses []schema.ModelResponse
}

// add records a response. It reports false when the stage was already
// finalized and the response was discarded.
func (c *collector) add(resp schema.ModelResponse) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return false
	}
	c.responses = append(c.responses, resp)
	return true
}

// finalize closes the stage and returns what arrived in time.
func (c *collector) finalize() []schema.ModelResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = true
	out := make([]schema.ModelResponse, len(c.responses))
	copy(out, c.responses)
	return out
}
