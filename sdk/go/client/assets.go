package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/protocol"
	"github.com/zeusync/scenesync/internal/core/scene"
)

// assetState is the local copy of one subscribed asset.
type assetState struct {
	replica *scene.Replica
	deps    map[string]struct{}
	// resyncing suppresses duplicate resync requests until a snapshot lands.
	resyncing bool
}

// Subscribe joins assetID and waits for its snapshot.
func (c *Client) Subscribe(ctx context.Context, assetID string) error {
	c.assetsMu.Lock()
	if _, ok := c.assets[assetID]; !ok {
		c.assets[assetID] = &assetState{
			replica: scene.NewReplica(assetID, c.registry, c.config.MaxPending),
			deps:    make(map[string]struct{}),
		}
	}
	c.assetsMu.Unlock()

	_, err := c.request(ctx, protocol.Message{Type: protocol.MessageSubscribe, AssetID: assetID})
	if err != nil {
		c.forget(assetID)
		return err
	}
	c.logger.Debug("Subscribed", log.String("asset_id", assetID))
	return nil
}

// Unsubscribe leaves assetID and drops its replica.
func (c *Client) Unsubscribe(ctx context.Context, assetID string) error {
	if !c.Subscribed(assetID) {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, assetID)
	}
	_, err := c.request(ctx, protocol.Message{Type: protocol.MessageUnsubscribe, AssetID: assetID})
	c.forget(assetID)
	return err
}

func (c *Client) forget(assetID string) {
	c.assetsMu.Lock()
	delete(c.assets, assetID)
	c.assetsMu.Unlock()
}

// Execute runs command on the server and returns the applied change. By the
// time it returns the change is part of the local replica.
func (c *Client) Execute(ctx context.Context, assetID, command string, args any) (scene.Change, error) {
	if !c.Subscribed(assetID) {
		return scene.Change{}, fmt.Errorf("%w: %s", ErrNotSubscribed, assetID)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return scene.Change{}, fmt.Errorf("encode %s arguments: %w", command, err)
	}

	reply, err := c.request(ctx, protocol.NewCommand(assetID, command, raw))
	if err != nil {
		return scene.Change{}, err
	}
	if reply.Type != protocol.MessageAck {
		return scene.Change{}, fmt.Errorf("%w: %s to command", ErrUnexpectedReply, reply.Type)
	}
	return scene.Change{
		AssetID:  assetID,
		Revision: reply.Revision,
		Command:  reply.Command,
		Result:   reply.Payload,
	}, nil
}

// Resync replaces the replica of assetID with a fresh snapshot.
func (c *Client) Resync(ctx context.Context, assetID string) error {
	if !c.Subscribed(assetID) {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, assetID)
	}
	_, err := c.request(ctx, protocol.Message{Type: protocol.MessageResync, AssetID: assetID})
	return err
}

// View runs fn with the replica of assetID. fn must not keep the asset or
// modify it.
func (c *Client) View(assetID string, fn func(a *scene.Asset)) error {
	c.assetsMu.RLock()
	defer c.assetsMu.RUnlock()
	st, ok := c.assets[assetID]
	if !ok || st.replica.Asset() == nil {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, assetID)
	}
	fn(st.replica.Asset())
	return nil
}

// Revision returns the local revision of assetID.
func (c *Client) Revision(assetID string) (uint64, bool) {
	c.assetsMu.RLock()
	defer c.assetsMu.RUnlock()
	st, ok := c.assets[assetID]
	if !ok {
		return 0, false
	}
	return st.replica.Revision(), true
}

// Dependencies lists the assets referenced by assetID, as last reported by
// the server.
func (c *Client) Dependencies(assetID string) []string {
	c.assetsMu.RLock()
	defer c.assetsMu.RUnlock()
	st, ok := c.assets[assetID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(st.deps))
	for id := range st.deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Client) Subscribed(assetID string) bool {
	c.assetsMu.RLock()
	defer c.assetsMu.RUnlock()
	_, ok := c.assets[assetID]
	return ok
}

// Subscriptions lists the subscribed asset ids.
func (c *Client) Subscriptions() []string {
	c.assetsMu.RLock()
	ids := make([]string, 0, len(c.assets))
	for id := range c.assets {
		ids = append(ids, id)
	}
	c.assetsMu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (c *Client) applySnapshot(msg protocol.Message) {
	var payload protocol.SnapshotPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.logger.Error("Invalid snapshot", log.String("asset_id", msg.AssetID), log.Error(err))
		return
	}

	c.assetsMu.Lock()
	st, ok := c.assets[msg.AssetID]
	if !ok {
		c.assetsMu.Unlock()
		return
	}
	err := st.replica.Reset(payload.Data, msg.Revision)
	st.resyncing = false
	st.deps = make(map[string]struct{}, len(payload.Dependencies))
	for _, id := range payload.Dependencies {
		st.deps[id] = struct{}{}
	}
	revision := st.replica.Revision()
	c.assetsMu.Unlock()

	if err != nil {
		c.logger.Error("Failed to load snapshot", log.String("asset_id", msg.AssetID), log.Error(err))
		c.requestResync(msg.AssetID)
		return
	}
	c.emitEvent(Event{Type: EventTypeSnapshot, AssetID: msg.AssetID, Revision: revision, Timestamp: time.Now()})
}

func (c *Client) applyEdit(msg protocol.Message) {
	c.assetsMu.Lock()
	st, ok := c.assets[msg.AssetID]
	if !ok {
		c.assetsMu.Unlock()
		return
	}
	applied, err := st.replica.Apply(msg.Change())
	revision := st.replica.Revision()
	c.assetsMu.Unlock()

	if errors.Is(err, scene.ErrResyncRequired) {
		c.logger.Warn("Replica out of sync", log.String("asset_id", msg.AssetID), log.Error(err))
		c.requestResync(msg.AssetID)
		return
	}
	if err != nil {
		c.logger.Error("Failed to apply edit", log.String("asset_id", msg.AssetID), log.Error(err))
		return
	}
	if applied > 0 {
		c.emitEvent(Event{Type: EventTypeChanged, AssetID: msg.AssetID, Revision: revision, Timestamp: time.Now()})
	}
}

// requestResync asks for a snapshot without waiting; the receiver applies it
// when it arrives.
func (c *Client) requestResync(assetID string) {
	c.assetsMu.Lock()
	st, ok := c.assets[assetID]
	if !ok || st.resyncing {
		c.assetsMu.Unlock()
		return
	}
	st.resyncing = true
	c.assetsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()
	if err := c.send(ctx, protocol.Message{Type: protocol.MessageResync, ID: protocol.GenerateRequestID(), AssetID: assetID}); err != nil {
		c.logger.Warn("Failed to request resync", log.String("asset_id", assetID), log.Error(err))
		c.assetsMu.Lock()
		st.resyncing = false
		c.assetsMu.Unlock()
	}
}

func (c *Client) applyDependencies(msg protocol.Message) {
	var delta protocol.DependencyPayload
	if err := json.Unmarshal(msg.Payload, &delta); err != nil {
		c.logger.Error("Invalid dependency delta", log.String("asset_id", msg.AssetID), log.Error(err))
		return
	}

	c.assetsMu.Lock()
	st, ok := c.assets[msg.AssetID]
	if ok {
		for _, id := range delta.Added {
			st.deps[id] = struct{}{}
		}
		for _, id := range delta.Removed {
			delete(st.deps, id)
		}
	}
	c.assetsMu.Unlock()

	if ok {
		c.emitEvent(Event{
			Type:      EventTypeDependencies,
			AssetID:   msg.AssetID,
			Added:     delta.Added,
			Removed:   delta.Removed,
			Timestamp: time.Now(),
		})
	}
}
