package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a fresh adapter instance.
type Factory func() Agent

// Agent names. Adapters register under these and the tracer resolves them
// from config.
const (
	AgentNameClaudeCode = "claude-code"

	DefaultAgentName = AgentNameClaudeCode
)

type registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

var reg = &registry{factories: map[string]Factory{}}

// Register makes an adapter available under the given name. Adapter
// packages call this from init(); the last registration for a name wins.
func Register(name string, f Factory) {
	reg.mu.Lock()
	reg.factories[name] = f
	reg.mu.Unlock()
}

// Get builds the adapter registered under name.
//
//nolint:ireturn // the registry hands out implementations of Agent
func Get(name string) (Agent, error) {
	reg.mu.Lock()
	f, ok := reg.factories[name]
	var known []string
	if !ok {
		for n := range reg.factories {
			known = append(known, n)
		}
	}
	reg.mu.Unlock()

	if !ok {
		sort.Strings(known)
		return nil, fmt.Errorf("no agent adapter named %q (have: %s)", name, strings.Join(known, ", "))
	}
	return f(), nil
}

// Default builds the default adapter, or nil when its package was not
// linked in.
//
//nolint:ireturn // see Get
func Default() Agent {
	a, err := Get(DefaultAgentName)
	if err != nil {
		return nil
	}
	return a
}
