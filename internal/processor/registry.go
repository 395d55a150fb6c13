// Package processor maps job types to the handlers that run them on the
// queue backend.
package processor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/queue"
)

var ErrInvalidProcessor = errors.New("invalid processor definition")

// Definition binds a job type to a handler on one queue.
type Definition struct {
	Name        string
	Description string
	QueueName   string
	Processor   queue.Handler
}

// Info is the catalog view of a registered processor.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	QueueName   string `json:"queue_name"`
}

// Registry is the processor catalog. Registering binds the handler to the
// queue manager's workers for (QueueName, Name).
type Registry struct {
	manager *queue.Manager
	mu      sync.RWMutex
	defs    map[string]Definition
}

func NewRegistry(manager *queue.Manager) *Registry {
	return &Registry{
		manager: manager,
		defs:    make(map[string]Definition),
	}
}

// RegisterProcessor installs or replaces a processor. When a replacement
// moves to another queue, the old binding is removed.
func (r *Registry) RegisterProcessor(def Definition) error {
	switch {
	case def.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidProcessor)
	case def.QueueName == "":
		return fmt.Errorf("%w: queue name is required for %s", ErrInvalidProcessor, def.Name)
	case def.Processor == nil:
		return fmt.Errorf("%w: handler is required for %s", ErrInvalidProcessor, def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.manager.Handle(def.QueueName, def.Name, def.Processor); err != nil {
		return fmt.Errorf("bind processor %s: %w", def.Name, err)
	}
	if old, ok := r.defs[def.Name]; ok && old.QueueName != def.QueueName {
		r.manager.RemoveHandler(old.QueueName, old.Name)
	}
	r.defs[def.Name] = def
	logging.Op().Debug("processor registered", "processor", def.Name, "queue", def.QueueName)
	return nil
}

// UnregisterProcessor removes a processor. It reports whether one existed.
func (r *Registry) UnregisterProcessor(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[name]
	if !ok {
		return false
	}
	r.manager.RemoveHandler(def.QueueName, def.Name)
	delete(r.defs, name)
	return true
}

func (r *Registry) GetProcessor(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return Info{}, false
	}
	return info(def), true
}

// ListProcessors returns the catalog sorted by name.
func (r *Registry) ListProcessors() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, info(def))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func info(def Definition) Info {
	return Info{Name: def.Name, Description: def.Description, QueueName: def.QueueName}
}
