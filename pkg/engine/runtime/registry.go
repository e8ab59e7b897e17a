package runtime

import (
	"fmt"
	"sort"
	"sync"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// HandlerRegistry maps node types to handlers. Each node type is registered exactly
// once; a second registration for the same type is rejected.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[NodeType]NodeHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[NodeType]NodeHandler),
	}
}

// Register binds a handler to a node type.
func (r *HandlerRegistry) Register(nodeType NodeType, handler NodeHandler) error {
	if nodeType == "" {
		return fmt.Errorf("node type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for node type %s cannot be nil", nodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[nodeType]; exists {
		return fmt.Errorf("%w: %s", sdkerrors.ErrDuplicateHandler, nodeType)
	}
	r.handlers[nodeType] = handler
	return nil
}

// MustRegister is Register for static assembly; it panics on error.
func (r *HandlerRegistry) MustRegister(nodeType NodeType, handler NodeHandler) {
	if err := r.Register(nodeType, handler); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a node type.
func (r *HandlerRegistry) Lookup(nodeType NodeType) (NodeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// HasHandler checks if a handler exists for a node type.
func (r *HandlerRegistry) HasHandler(nodeType NodeType) bool {
	_, ok := r.Lookup(nodeType)
	return ok
}

// RegisteredTypes returns all registered node types in sorted order.
func (r *HandlerRegistry) RegisteredTypes() []NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
