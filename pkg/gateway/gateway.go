// Package gateway resolves opaque backend ids to provider adapters and
// models, giving the engine one call contract for every backend.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/conclave/pkg/adapter"
)

// ErrUnknownBackend marks a backend id whose adapter is not registered.
var ErrUnknownBackend = errors.New("unknown backend")

// Client routes backend ids of the form "<adapter>/<model>" to registered
// adapters. Ids are otherwise opaque to callers.
type Client struct {
	adapters map[string]adapter.Adapter
}

// New creates a gateway client over the given adapters, keyed by
// adapter.Name().
func New(adapters ...adapter.Adapter) *Client {
	m := make(map[string]adapter.Adapter, len(adapters))
	for _, a := range adapters {
		if a != nil {
			m[a.Name()] = a
		}
	}
	return &Client{adapters: m}
}

// Register adds or replaces an adapter.
func (c *Client) Register(a adapter.Adapter) {
	if a != nil {
		c.adapters[a.Name()] = a
	}
}

// Resolve splits a backend id into its adapter and model parts.
func (c *Client) Resolve(backendID string) (adapter.Adapter, string, error) {
	name, model, ok := strings.Cut(backendID, "/")
	if !ok || name == "" || model == "" {
		return nil, "", fmt.Errorf("%w: malformed id %q", ErrUnknownBackend, backendID)
	}
	a, found := c.adapters[name]
	if !found {
		return nil, "", fmt.Errorf("%w: no adapter %q for backend %q", ErrUnknownBackend, name, backendID)
	}
	return a, model, nil
}

// Known reports whether the backend id resolves to a registered adapter.
func (c *Client) Known(backendID string) bool {
	_, _, err := c.Resolve(backendID)
	return err == nil
}

// Adapters lists registered adapter names, sorted.
func (c *Client) Adapters() []string {
	names := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Complete dispatches one completion to the backend behind the opaque id.
func (c *Client) Complete(ctx context.Context, backendID string, messages []adapter.Message, params adapter.Params) (*adapter.Completion, error) {
	a, model, err := c.Resolve(backendID)
	if err != nil {
		return nil, err
	}
	return a.Complete(ctx, model, messages, params)
}
