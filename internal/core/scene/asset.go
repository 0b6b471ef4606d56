// Package scene implements the scene asset: a server-authoritative node tree
// with per-node component tables, a dependency index over referenced assets,
// and the symmetric command surface applied on the server and on replicas.
//
// An Asset is not safe for concurrent use. Callers serialize access, which the
// asset manager does by pinning each asset to a single worker goroutine.
package scene

import (
	"encoding/json"
	"fmt"

	"github.com/zeusync/scenesync/internal/core/component"
	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/geom"
	"github.com/zeusync/scenesync/internal/core/observability/log"
)

// Event types published on the asset's topic.
const (
	EventChange             = "change"
	EventAddDependencies    = "addDependencies"
	EventRemoveDependencies = "removeDependencies"
)

type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateReady
	StateMutating
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateReady:
		return "ready"
	case StateMutating:
		return "mutating"
	default:
		return "unknown"
	}
}

// Pub is the persisted form of an asset.
type Pub struct {
	Nodes []*Node `json:"nodes"`
}

// Change describes one applied command. Result is what replicas replay.
type Change struct {
	AssetID  string          `json:"assetId"`
	Revision uint64          `json:"revision"`
	Command  string          `json:"command"`
	Result   json.RawMessage `json:"result"`
}

// DependencyChange is the payload of the dependency events.
type DependencyChange struct {
	AssetID string   `json:"assetId"`
	IDs     []string `json:"ids"`
}

type Option func(*Asset)

// WithEventBus publishes change and dependency events to b on the asset's
// topic.
func WithEventBus(b bus.EventBus) Option {
	return func(a *Asset) { a.events = b }
}

func WithLogger(l log.Log) Option {
	return func(a *Asset) { a.logger = l }
}

type Asset struct {
	id       string
	registry *component.Registry
	events   bus.EventBus
	logger   log.Log

	state    State
	revision uint64
	pub      Pub
	nodes    *NodeStore
	deps     *DependencyIndex
}

func New(id string, registry *component.Registry, opts ...Option) *Asset {
	a := &Asset{
		id:       id,
		registry: registry,
		logger:   log.Provide(),
		deps:     NewDependencyIndex(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(log.String("asset_id", id))
	a.nodes = newNodeStore(registry, a)
	return a
}

func (a *Asset) ID() string { return a.id }

func (a *Asset) State() State { return a.state }

// Revision counts the commands applied since the asset was created.
func (a *Asset) Revision() uint64 { return a.revision }

// Init gives an uninitialized asset an empty tree.
func (a *Asset) Init() error {
	if a.state != StateUninitialized {
		return fmt.Errorf("%w: init from state %s", ErrNotReady, a.state)
	}
	a.pub = Pub{Nodes: []*Node{}}
	a.state = StateInitialized
	return nil
}

// Setup rebuilds the lookup tables and the dependency index from the current
// tree. Every component is restored and wired before the asset turns ready.
func (a *Asset) Setup() error {
	if a.state != StateInitialized {
		return fmt.Errorf("%w: setup from state %s", ErrNotReady, a.state)
	}

	store := newNodeStore(a.registry, a)
	deps := NewDependencyIndex()
	a.nodes, a.deps = store, deps
	if err := store.load(a.pub.Nodes); err != nil {
		a.nodes, a.deps = newNodeStore(a.registry, a), NewDependencyIndex()
		return err
	}

	a.state = StateReady
	a.logger.Debug("Asset ready",
		log.Int("nodes", store.Len()),
		log.Int("dependencies", deps.Len()),
		log.Uint64("revision", a.revision))
	return nil
}

// Load decodes a persisted asset and sets it up.
func (a *Asset) Load(data []byte, revision uint64) error {
	if a.state == StateUninitialized {
		if err := a.Init(); err != nil {
			return err
		}
	}
	if a.state != StateInitialized {
		return fmt.Errorf("%w: load from state %s", ErrNotReady, a.state)
	}

	var pub Pub
	if len(data) > 0 {
		if err := json.Unmarshal(data, &pub); err != nil {
			return fmt.Errorf("%w: decode asset %s: %v", ErrValidationFailure, a.id, err)
		}
	}
	if pub.Nodes == nil {
		pub.Nodes = []*Node{}
	}

	a.pub = pub
	a.revision = revision
	return a.Setup()
}

// Restore announces the full dependency set to the loader.
func (a *Asset) Restore() {
	if ids := a.deps.IDs(); len(ids) > 0 {
		a.publish(EventAddDependencies, DependencyChange{AssetID: a.id, IDs: ids})
	}
}

// MarshalJSON returns the persisted form.
func (a *Asset) MarshalJSON() ([]byte, error) {
	return json.Marshal(Pub{Nodes: a.nodes.Roots()})
}

func (a *Asset) Nodes() []*Node { return a.nodes.Roots() }

func (a *Asset) Node(id string) (*Node, bool) { return a.nodes.Get(id) }

// ParentOf returns the parent of id, nil for roots.
func (a *Asset) ParentOf(id string) (*Node, bool) { return a.nodes.Parent(id) }

func (a *Asset) Components(nodeID string) (*ComponentTable, bool) { return a.nodes.Components(nodeID) }

func (a *Asset) NodeCount() int { return a.nodes.Len() }

// Dependencies returns the ids of every asset referenced by a component.
func (a *Asset) Dependencies() []string { return a.deps.IDs() }

// DependencyPaths returns the component paths referencing depID.
func (a *Asset) DependencyPaths(depID string) []string { return a.deps.Paths(depID) }

func (a *Asset) IsReferenced(depID string) bool { return a.deps.Referenced(depID) }

// GlobalTransform returns the world transform of a node.
func (a *Asset) GlobalTransform(id string) (geom.Transform, error) {
	m, err := a.nodes.WorldMatrix(id)
	if err != nil {
		return geom.Transform{}, err
	}
	return geom.Decompose(m), nil
}

func (a *Asset) addDependencies(path string, ids []string) {
	if added := a.deps.Add(path, ids); len(added) > 0 && a.live() {
		a.publish(EventAddDependencies, DependencyChange{AssetID: a.id, IDs: added})
	}
}

func (a *Asset) removeDependencies(path string, ids []string) {
	if removed := a.deps.Remove(path, ids); len(removed) > 0 && a.live() {
		a.publish(EventRemoveDependencies, DependencyChange{AssetID: a.id, IDs: removed})
	}
}

// live is false while the tree is being rebuilt; Restore reports the result.
func (a *Asset) live() bool {
	return a.state == StateReady || a.state == StateMutating
}

func (a *Asset) publish(eventType string, data any) {
	if a.events == nil {
		return
	}
	if err := a.events.PublishToTopic(a.id, bus.NewEvent(eventType, a.id, data, 0, nil)); err != nil {
		a.logger.Warn("Event handler failed",
			log.String("event", eventType),
			log.Error(err))
	}
}

// execute runs a server command. Validation happens inside apply before any
// mutation, so a failed command leaves the tree untouched and emits nothing.
func (a *Asset) execute(cmd Command) (any, Change, error) {
	if a.state != StateReady {
		return nil, Change{}, fmt.Errorf("%w: %s is %s", ErrNotReady, a.id, a.state)
	}

	a.state = StateMutating
	result, err := cmd.apply(a)
	a.state = StateReady
	if err != nil {
		return nil, Change{}, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, Change{}, fmt.Errorf("encode %s result: %w", cmd.CommandName(), err)
	}

	a.revision++
	change := Change{AssetID: a.id, Revision: a.revision, Command: cmd.CommandName(), Result: data}
	a.publish(EventChange, change)
	return result, change, nil
}

// Execute applies cmd authoritatively and returns the change to broadcast.
func (a *Asset) Execute(cmd Command) (Change, error) {
	_, change, err := a.execute(cmd)
	return change, err
}

// Dispatch decodes args for the named command and executes it.
func (a *Asset) Dispatch(name string, args json.RawMessage) (Change, error) {
	cmd, err := DecodeCommand(name, args)
	if err != nil {
		return Change{}, err
	}
	return a.Execute(cmd)
}

// ClientApply replays a server change on a replica. The change must carry the
// next revision.
func (a *Asset) ClientApply(change Change) error {
	if a.state != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, a.id, a.state)
	}
	if change.Revision != a.revision+1 {
		return fmt.Errorf("%w: at %d, received %d", ErrRevisionMismatch, a.revision, change.Revision)
	}
	replay, ok := replays[change.Command]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, change.Command)
	}

	a.state = StateMutating
	err := replay(a, change.Result)
	a.state = StateReady
	if err != nil {
		return fmt.Errorf("replay %s at revision %d: %w", change.Command, change.Revision, err)
	}

	a.revision = change.Revision
	a.publish(EventChange, change)
	return nil
}

func run[R any](a *Asset, cmd Command) (R, error) {
	result, _, err := a.execute(cmd)
	if err != nil {
		var zero R
		return zero, err
	}
	return result.(R), nil
}
