package websocket

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/zeusync/scenesync/internal/core/protocol"
)

// Dial connects to a websocket endpoint such as ws://host:port/ws. A non-empty
// token is sent as a bearer Authorization header.
func Dial(ctx context.Context, url, token string, config protocol.Config) (*Connection, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConnection(conn, protocol.ConnectionInfo{Token: token}, config), nil
}
