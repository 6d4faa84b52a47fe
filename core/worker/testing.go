package worker

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// FakeClient is an in-memory Client. Connect reports every shard ready and
// then the client ready.
type FakeClient struct {
	mu         sync.Mutex
	shards     []int
	values     map[string]any
	entities   map[string]map[string]any
	obs        Observer
	connectErr error
	connected  bool
}

func NewFakeClient(shards []int) *FakeClient {
	return &FakeClient{
		shards:   slices.Clone(shards),
		values:   make(map[string]any),
		entities: make(map[string]map[string]any),
	}
}

// WithValue sets a client property.
func (c *FakeClient) WithValue(property string, v any) *FakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[property] = v
	return c
}

// WithEntity caches an entity for Lookup.
func (c *FakeClient) WithEntity(kind, id string, v any) *FakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entities[kind] == nil {
		c.entities[kind] = make(map[string]any)
	}
	c.entities[kind][id] = v
	return c
}

// FailConnect makes Connect return err.
func (c *FakeClient) FailConnect(err error) *FakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
	return c
}

func (c *FakeClient) Connect(context.Context) error {
	c.mu.Lock()
	if c.connectErr != nil {
		c.mu.Unlock()
		return c.connectErr
	}
	c.connected = true
	obs := c.obs
	shards := slices.Clone(c.shards)
	c.mu.Unlock()

	if obs == nil {
		return nil
	}
	for _, id := range shards {
		obs.ShardReady(id)
	}
	obs.Ready()
	return nil
}

func (c *FakeClient) Value(property string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch property {
	case "shards":
		return slices.Clone(c.shards), true
	case "connected":
		return c.connected, true
	}
	v, ok := c.values[property]
	return v, ok
}

func (c *FakeClient) Lookup(kind, id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entities[kind][id]
	return v, ok
}

func (c *FakeClient) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs = o
}

// Observer returns the installed observer so tests can emit lifecycle events.
func (c *FakeClient) Observer() Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.obs
}

// Properties lists the set property names.
func (c *FakeClient) Properties() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.values))
}

var _ Client = (*FakeClient)(nil)
