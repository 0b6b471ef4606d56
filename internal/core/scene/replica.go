package scene

import (
	"fmt"
	"sort"

	"github.com/zeusync/scenesync/internal/core/component"
)

// DefaultMaxPending bounds how many out-of-order changes a replica buffers
// before it gives up and asks for a snapshot.
const DefaultMaxPending = 64

// Replica keeps a client-side copy of an asset in revision order. Changes
// older than the local revision are dropped, changes ahead of it wait until
// the gap closes.
type Replica struct {
	id         string
	registry   *component.Registry
	opts       []Option
	maxPending int

	asset   *Asset
	pending map[uint64]Change
}

func NewReplica(id string, registry *component.Registry, maxPending int, opts ...Option) *Replica {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Replica{
		id:         id,
		registry:   registry,
		opts:       opts,
		maxPending: maxPending,
		pending:    make(map[uint64]Change),
	}
}

// Asset returns the current copy, nil before the first snapshot.
func (r *Replica) Asset() *Asset { return r.asset }

func (r *Replica) Pending() int { return len(r.pending) }

func (r *Replica) Revision() uint64 {
	if r.asset == nil {
		return 0
	}
	return r.asset.Revision()
}

// Reset replaces the copy with a snapshot taken at revision and replays any
// buffered change that follows it.
func (r *Replica) Reset(data []byte, revision uint64) error {
	asset := New(r.id, r.registry, r.opts...)
	if err := asset.Load(data, revision); err != nil {
		return err
	}
	r.asset = asset
	for rev := range r.pending {
		if rev <= revision {
			delete(r.pending, rev)
		}
	}
	_, err := r.drain()
	return err
}

// Apply accepts a change from the server and returns how many changes were
// applied as a result. ErrResyncRequired means the copy can no longer be
// brought up to date incrementally.
func (r *Replica) Apply(change Change) (int, error) {
	if r.asset == nil {
		r.buffer(change)
		if len(r.pending) > r.maxPending {
			return 0, r.resync("no snapshot yet")
		}
		return 0, nil
	}

	current := r.asset.Revision()
	switch {
	case change.Revision <= current:
		return 0, nil
	case change.Revision > current+1:
		r.buffer(change)
		if len(r.pending) > r.maxPending {
			return 0, r.resync(fmt.Sprintf("gap after revision %d", current))
		}
		return 0, nil
	}

	r.buffer(change)
	return r.drain()
}

func (r *Replica) buffer(change Change) {
	r.pending[change.Revision] = change
}

func (r *Replica) drain() (int, error) {
	applied := 0
	for {
		next, ok := r.pending[r.asset.Revision()+1]
		if !ok {
			return applied, nil
		}
		delete(r.pending, next.Revision)
		if err := r.asset.ClientApply(next); err != nil {
			return applied, r.resync(err.Error())
		}
		applied++
	}
}

func (r *Replica) resync(reason string) error {
	r.pending = make(map[uint64]Change)
	return fmt.Errorf("%w: %s", ErrResyncRequired, reason)
}

// PendingRevisions lists buffered revisions in order.
func (r *Replica) PendingRevisions() []uint64 {
	revs := make([]uint64, 0, len(r.pending))
	for rev := range r.pending {
		revs = append(revs, rev)
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i] < revs[j] })
	return revs
}
