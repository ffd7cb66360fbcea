package realtime

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives the typed payload of an inbound event.
type Handler func(payload any)

type registration struct {
	id uint64
	fn Handler
}

// Registry keeps independent subscribers per event kind.
type Registry struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[Kind][]registration
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{handlers: make(map[Kind][]registration), logger: logger}
}

// On registers fn for kind and returns the matching unsubscribe function.
func (r *Registry) On(kind Kind, fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.next++
	id := r.next
	r.handlers[kind] = append(r.handlers[kind], registration{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(kind, id) })
	}
}

func (r *Registry) remove(kind Kind, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.handlers[kind]
	for i, reg := range regs {
		if reg.id != id {
			continue
		}
		out := make([]registration, 0, len(regs)-1)
		out = append(out, regs[:i]...)
		out = append(out, regs[i+1:]...)
		if len(out) == 0 {
			delete(r.handlers, kind)
		} else {
			r.handlers[kind] = out
		}
		return
	}
}

// Publish invokes every handler registered for kind in registration order.
func (r *Registry) Publish(kind Kind, payload any) {
	r.mu.RLock()
	regs := r.handlers[kind]
	r.mu.RUnlock()
	for _, reg := range regs {
		r.invoke(kind, reg, payload)
	}
}

func (r *Registry) invoke(kind Kind, reg registration, payload any) {
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.Error("realtime handler panicked", "event", string(kind), "handler", reg.id, "panic", fmt.Sprint(rec))
		}
	}()
	reg.fn(payload)
}

// Count returns the number of handlers registered for kind.
func (r *Registry) Count(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}

// Subscribe registers a strongly typed handler. Payloads of another type are skipped.
func Subscribe[T any](r *Registry, kind Kind, fn func(T)) func() {
	if r == nil {
		panic("realtime: nil registry")
	}
	return r.On(kind, func(payload any) {
		value, ok := payload.(T)
		if !ok {
			if r.logger != nil {
				r.logger.Warn("realtime payload type mismatch", "event", string(kind), "payload", fmt.Sprintf("%T", payload))
			}
			return
		}
		fn(value)
	})
}
