// Package storage persists scene assets as opaque JSON documents keyed by
// asset id, together with the revision they were taken at.
package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound      = errors.New("asset not found")
	ErrStaleRevision = errors.New("stored revision is newer")
	ErrClosed        = errors.New("storage is closed")
)

// Record is one persisted asset.
type Record struct {
	ID        string
	Revision  uint64
	Data      []byte
	UpdatedAt time.Time
}

// Info describes a stored asset without its document.
type Info struct {
	ID        string
	Revision  uint64
	Size      int
	UpdatedAt time.Time
}

type Storage interface {
	// Read returns the record of id or ErrNotFound.
	Read(ctx context.Context, id string) (Record, error)
	// Write stores rec. A record older than the stored one is rejected with
	// ErrStaleRevision so out-of-order flushes never roll an asset back.
	Write(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Info, error)

	Statistics() Statistics
	Close() error
}

type Statistics struct {
	Reads   uint64
	Misses  uint64
	Writes  uint64
	Deletes uint64
}

type counters struct {
	reads, misses, writes, deletes atomic.Uint64
}

func (c *counters) snapshot() Statistics {
	return Statistics{
		Reads:   c.reads.Load(),
		Misses:  c.misses.Load(),
		Writes:  c.writes.Load(),
		Deletes: c.deletes.Load(),
	}
}
