package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/scenesync/internal/core/asset"
	"github.com/zeusync/scenesync/internal/core/scene"
)

func TestGetErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ErrorCodeSuccess},
		{"wrapped node id", fmt.Errorf("%w: n1", scene.ErrInvalidNodeID), ErrorCodeInvalidNodeID},
		{"cyclic before parent", fmt.Errorf("move: %w", scene.ErrCyclicMove), ErrorCodeCyclicMove},
		{"plain parent", scene.ErrInvalidParent, ErrorCodeInvalidParent},
		{"unknown component type", scene.ErrUnknownComponentType, ErrorCodeUnknownComponentType},
		{"asset id", asset.ErrInvalidAssetID, ErrorCodeInvalidAssetID},
		{"deadline", context.DeadlineExceeded, ErrorCodeConnectionTimeout},
		{"protocol error", NewProtocolError(ErrorCodeRateLimited, "slow down", nil), ErrorCodeRateLimited},
		{"unknown", errors.New("boom"), ErrorCodeUnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetErrorCode(tt.err))
		})
	}
}

func TestErrorBodyKeepsSentinel(t *testing.T) {
	body := NewErrorBody(fmt.Errorf("move n1: %w", scene.ErrCyclicMove))
	require.NotNil(t, body)

	data, err := json.Marshal(body)
	require.NoError(t, err)
	var decoded ErrorBody
	require.NoError(t, json.Unmarshal(data, &decoded))

	err = decoded.Err()
	assert.ErrorIs(t, err, scene.ErrCyclicMove)
	assert.ErrorIs(t, err, scene.ErrInvalidParent)
	assert.NotErrorIs(t, err, scene.ErrInvalidNodeID)
	assert.Contains(t, err.Error(), "move n1")

	assert.Nil(t, NewErrorBody(nil))
	assert.NoError(t, (*ErrorBody)(nil).Err())
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, WrapError(ErrRateLimited, "x").IsTemporary())
	assert.True(t, WrapError(ErrAuthenticationFailed, "x").IsFatal())
	assert.False(t, WrapError(scene.ErrInvalidNodeID, "x").IsFatal())

	e := NewProtocolError(ErrorCodeInternalError, "failed", errors.New("disk"))
	e.WithContext("asset_id", "scene")
	assert.Equal(t, "failed: disk", e.Error())
	assert.Equal(t, "scene", e.Context["asset_id"])
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"command", `{"type":"command","id":"1","assetId":"a","command":"addNode","payload":{}}`, nil},
		{"ping needs no asset", `{"type":"ping"}`, nil},
		{"unknown type", `{"type":"teleport"}`, ErrUnknownMessageType},
		{"missing asset", `{"type":"subscribe"}`, ErrInvalidMessage},
		{"command without name", `{"type":"command","assetId":"a"}`, ErrInvalidMessage},
		{"not json", `{`, ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data), 0)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	_, err := Decode([]byte(`{"type":"ping"}`), 4)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestEditCarriesChange(t *testing.T) {
	change := scene.Change{AssetID: "a", Revision: 7, Command: scene.CommandRemoveNode, Result: json.RawMessage(`{"id":"n"}`)}
	msg := NewEdit(change)

	data, err := Encode(msg, 0)
	require.NoError(t, err)
	decoded, err := Decode(data, 0)
	require.NoError(t, err)
	assert.Equal(t, change.Revision, decoded.Change().Revision)
	assert.Equal(t, change.Command, decoded.Change().Command)
	assert.JSONEq(t, string(change.Result), string(decoded.Change().Result))
}

func TestReplies(t *testing.T) {
	req := NewCommand("a", scene.CommandAddNode, json.RawMessage(`{"name":"x"}`))
	require.NotEmpty(t, req.ID)

	ack := NewAck(req, scene.Change{Revision: 3, Result: json.RawMessage(`{}`)})
	assert.Equal(t, MessageAck, ack.Type)
	assert.Equal(t, req.ID, ack.ID)
	assert.Equal(t, uint64(3), ack.Revision)

	reply := NewErrorReply(req, scene.ErrInvalidParent)
	assert.Equal(t, req.ID, reply.ID)
	assert.Equal(t, ErrorCodeInvalidParent, reply.Error.Code)

	snap, err := NewSnapshot(req.ID, "a", 2, json.RawMessage(`{"nodes":[]}`), nil)
	require.NoError(t, err)
	var payload SnapshotPayload
	require.NoError(t, json.Unmarshal(snap.Payload, &payload))
	assert.Equal(t, []string{}, payload.Dependencies)
	assert.JSONEq(t, `{"nodes":[]}`, string(payload.Data))
}
