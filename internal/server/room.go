package server

import (
	"sync"

	"github.com/zeusync/scenesync/internal/core/events/bus"
	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/scene"
)

// room fans the events of one asset out to its subscribers. Rooms are created
// and torn down on the asset's worker, the same goroutine that publishes the
// asset's events, so a subscriber never sees an edit older than its snapshot.
type room struct {
	assetID string
	sub     bus.Subscription

	mu      sync.RWMutex
	members map[protocol.ClientID]*session
}

func (r *room) add(s *session) {
	r.mu.Lock()
	r.members[s.id] = s
	r.mu.Unlock()
}

func (r *room) remove(id protocol.ClientID) {
	r.mu.Lock()
	delete(r.members, id)
	r.mu.Unlock()
}

func (r *room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

func (r *room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// openRoom returns the room of assetID, creating it and its bus subscription
// when missing. Must run on the asset's worker.
func (s *Server) openRoom(assetID string) (*room, error) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	r, ok := s.rooms[assetID]
	if ok && r.sub.IsActive() {
		return r, nil
	}
	if !ok {
		r = &room{assetID: assetID, members: make(map[protocol.ClientID]*session)}
	}
	// An asset unloaded behind the room's back took the topic with it.
	sub, err := s.events.SubscribeTopic(assetID, bus.AnyEvent, s.roomHandler(r))
	if err != nil {
		return nil, err
	}
	r.sub = sub
	s.rooms[assetID] = r
	s.logger.Debug("Room opened", log.String("asset_id", assetID))
	return r, nil
}

func (s *Server) lookupRoom(assetID string) (*room, bool) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	r, ok := s.rooms[assetID]
	return r, ok
}

// closeRoomIfEmpty drops an empty room and its subscription. Must run on the
// asset's worker.
func (s *Server) closeRoomIfEmpty(assetID string) bool {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	r, ok := s.rooms[assetID]
	if !ok {
		return true
	}
	if !r.empty() {
		return false
	}
	_ = r.sub.Cancel()
	delete(s.rooms, assetID)
	s.logger.Debug("Room closed", log.String("asset_id", assetID))
	return true
}

func (s *Server) roomHandler(r *room) bus.EventHandler {
	return func(e bus.Event) error {
		var (
			msg protocol.Message
			err error
		)
		switch e.Type() {
		case scene.EventChange:
			change, ok := e.Data().(scene.Change)
			if !ok {
				return nil
			}
			msg = protocol.NewEdit(change)
		case scene.EventAddDependencies, scene.EventRemoveDependencies:
			dc, ok := e.Data().(scene.DependencyChange)
			if !ok {
				return nil
			}
			var delta protocol.DependencyPayload
			if e.Type() == scene.EventAddDependencies {
				delta.Added = dc.IDs
			} else {
				delta.Removed = dc.IDs
			}
			if msg, err = protocol.NewDependencies(r.assetID, delta); err != nil {
				return err
			}
		default:
			return nil
		}
		s.broadcast(r, msg)
		return nil
	}
}

func (s *Server) broadcast(r *room, msg protocol.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, member := range r.members {
		if !member.enqueue(msg) && s.metrics != nil {
			s.metrics.BroadcastFailures.Inc()
		}
	}
}
