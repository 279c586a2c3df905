package job

import (
	"sync"

	"github.com/pkg/errors"
)

// Handler is one job's business logic. Run must poll RunContext.CheckInterrupt
// before each non-atomic unit of work (spec.md §4.5) and call Checkpoint at
// every safe resume point.
type Handler interface {
	Run(rc *RunContext) (result []byte, err error)
}

// Factory constructs a Handler from JSON params, used both for
// dispatch-by-name (RPC / scheduled jobs) and for reconstructing a job on
// resume after restart.
type Factory func(params []byte) (Handler, error)

// Registry maps a job type name to its Factory, the dispatch-by-name
// lookup spec.md §4.5 requires for remote RPC dispatch and restart resume.
type Registry struct {
	mu       sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry { return &Registry{factories: make(map[string]Factory)} }

// Register adds a job type. Re-registering the same name is a programmer
// error (duplicate job type), not a runtime condition, and panics.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic("job: duplicate registration for " + name)
	}
	r.factories[name] = f
}

func (r *Registry) Build(name string, params []byte) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("job: no registered handler named %q", name)
	}
	return f(params)
}
