// Package middlewares holds the connection middlewares of the server.
package middlewares

import (
	"context"
	"sort"

	"github.com/zeusync/scenesync/internal/core/protocol"
)

// Chain runs middlewares in descending priority.
type Chain []protocol.Middleware

func NewChain(mws ...protocol.Middleware) Chain {
	chain := make(Chain, 0, len(mws))
	for _, mw := range mws {
		if mw != nil {
			chain = append(chain, mw)
		}
	}
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].Priority() > chain[j].Priority()
	})
	return chain
}

// OnConnect stops at the first middleware refusing the client.
func (c Chain) OnConnect(ctx context.Context, info protocol.ConnectionInfo) error {
	for _, mw := range c {
		if err := mw.OnConnect(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

// BeforeHandle stops at the first middleware rejecting msg.
func (c Chain) BeforeHandle(ctx context.Context, info protocol.ConnectionInfo, msg protocol.Message) error {
	for _, mw := range c {
		if err := mw.BeforeHandle(ctx, info, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) AfterHandle(ctx context.Context, info protocol.ConnectionInfo, msg protocol.Message, err error) {
	for _, mw := range c {
		mw.AfterHandle(ctx, info, msg, err)
	}
}

func (c Chain) OnDisconnect(ctx context.Context, info protocol.ConnectionInfo, reason string) {
	for _, mw := range c {
		mw.OnDisconnect(ctx, info, reason)
	}
}

// Names lists the middlewares in run order.
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, mw := range c {
		names[i] = mw.Name()
	}
	return names
}
