package component

import (
	"encoding/json"
	"fmt"
	"sort"
)

type handler[T any] struct {
	server func(cfg T, args json.RawMessage) (json.RawMessage, error)
	client func(cfg T, result json.RawMessage) error
}

// Commands is the dispatch table of one configuration type. Each entry pairs
// the authoritative handler with the replay handler applied on replicas.
type Commands[T any] struct {
	typ      string
	handlers map[string]handler[T]
}

func NewCommands[T any](typ string) *Commands[T] {
	return &Commands[T]{typ: typ, handlers: make(map[string]handler[T])}
}

// Handle registers command name on c. server validates the decoded arguments
// and mutates cfg, its result is echoed to replicas where client applies it.
// Registering a name twice panics; tables are built at package init.
func Handle[T, A, R any](c *Commands[T], name string, server func(cfg T, args A) (R, error), client func(cfg T, result R) error) *Commands[T] {
	if _, exists := c.handlers[name]; exists {
		panic(fmt.Sprintf("component %s: command %q registered twice", c.typ, name))
	}

	c.handlers[name] = handler[T]{
		server: func(cfg T, raw json.RawMessage) (json.RawMessage, error) {
			var args A
			if err := decode(raw, &args); err != nil {
				return nil, fmt.Errorf("%w: %s.%s arguments: %v", ErrValidationFailure, c.typ, name, err)
			}
			result, err := server(cfg, args)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		},
		client: func(cfg T, raw json.RawMessage) error {
			var result R
			if err := decode(raw, &result); err != nil {
				return fmt.Errorf("%w: %s.%s result: %v", ErrValidationFailure, c.typ, name, err)
			}
			return client(cfg, result)
		},
	}
	return c
}

func (c *Commands[T]) Apply(cfg T, name string, args json.RawMessage) (json.RawMessage, error) {
	h, ok := c.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCommand, c.typ, name)
	}
	return h.server(cfg, args)
}

func (c *Commands[T]) ApplyClient(cfg T, name string, result json.RawMessage) error {
	h, ok := c.handlers[name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownCommand, c.typ, name)
	}
	return h.client(cfg, result)
}

func (c *Commands[T]) Has(name string) bool {
	_, ok := c.handlers[name]
	return ok
}

func (c *Commands[T]) Names() []string {
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
