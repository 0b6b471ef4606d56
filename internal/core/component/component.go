// Package component defines the capability contract every typed component
// configuration fulfils, the per-type command tables and the registry used to
// create and restore configurations by type name.
package component

import (
	"encoding/json"
	"errors"
)

var (
	ErrUnknownComponentType = errors.New("unknown component type")
	ErrUnknownCommand       = errors.New("unknown component command")
	ErrValidationFailure    = errors.New("validation failure")
	ErrDuplicateType        = errors.New("component type already registered")
)

// Config is a typed component configuration. Implementations are plain JSON
// structs embedding Base.
type Config interface {
	Type() string

	// Dependencies lists the external asset ids the configuration currently
	// references.
	Dependencies() []string

	// Bind routes dependency notifications to l. Binding again replaces the
	// previous listener.
	Bind(l Listener) *Binding

	// Restore announces every current dependency through the binding. Called
	// once a configuration is attached to a node.
	Restore()

	// Destroy retracts every current dependency through the binding.
	Destroy()

	ApplyCommand(name string, args json.RawMessage) (json.RawMessage, error)
	ApplyClientCommand(name string, result json.RawMessage) error
}

type Listener interface {
	AddDependencies(ids []string)
	RemoveDependencies(ids []string)
}

// ListenerFuncs adapts a pair of functions to Listener.
type ListenerFuncs struct {
	Add    func(ids []string)
	Remove func(ids []string)
}

func (l ListenerFuncs) AddDependencies(ids []string) {
	if l.Add != nil {
		l.Add(ids)
	}
}

func (l ListenerFuncs) RemoveDependencies(ids []string) {
	if l.Remove != nil {
		l.Remove(ids)
	}
}

// Binding is the handle owned by the component record. After Unbind the
// configuration no longer reaches the listener.
type Binding struct {
	listener Listener
}

func (b *Binding) Unbind() {
	if b != nil {
		b.listener = nil
	}
}

func (b *Binding) Active() bool {
	return b != nil && b.listener != nil
}

// Base carries the dependency binding for a configuration.
type Base struct {
	binding *Binding
}

func (b *Base) Bind(l Listener) *Binding {
	b.binding.Unbind()
	b.binding = &Binding{listener: l}
	return b.binding
}

// EmitAdd notifies the bound listener. Empty ids are skipped.
func (b *Base) EmitAdd(ids ...string) {
	ids = nonEmpty(ids)
	if len(ids) == 0 || !b.binding.Active() {
		return
	}
	b.binding.listener.AddDependencies(ids)
}

func (b *Base) EmitRemove(ids ...string) {
	ids = nonEmpty(ids)
	if len(ids) == 0 || !b.binding.Active() {
		return
	}
	b.binding.listener.RemoveDependencies(ids)
}

// swapDependency retracts old and announces next when they differ.
func (b *Base) swapDependency(old, next string) {
	if old == next {
		return
	}
	b.EmitRemove(old)
	b.EmitAdd(next)
}

func nonEmpty(ids []string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
