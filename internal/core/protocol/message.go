package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zeusync/scenesync/internal/core/scene"
)

// MessageType names what an envelope carries.
type MessageType string

const (
	// client -> server
	MessageSubscribe   MessageType = "subscribe"
	MessageUnsubscribe MessageType = "unsubscribe"
	MessageCommand     MessageType = "command"
	MessageResync      MessageType = "resync"
	MessagePing        MessageType = "ping"

	// server -> client
	MessageSnapshot     MessageType = "snapshot"
	MessageAck          MessageType = "ack"
	MessageEdit         MessageType = "edit"
	MessageDependencies MessageType = "dependencies"
	MessageError        MessageType = "error"
	MessagePong         MessageType = "pong"
)

var messageTypes = map[MessageType]struct {
	needsAsset bool
}{
	MessageSubscribe:    {needsAsset: true},
	MessageUnsubscribe:  {needsAsset: true},
	MessageCommand:      {needsAsset: true},
	MessageResync:       {needsAsset: true},
	MessagePing:         {},
	MessageSnapshot:     {needsAsset: true},
	MessageAck:          {needsAsset: true},
	MessageEdit:         {needsAsset: true},
	MessageDependencies: {needsAsset: true},
	MessageError:        {},
	MessagePong:         {},
}

func (t MessageType) String() string { return string(t) }

// Message is the envelope exchanged over every transport.
type Message struct {
	Type MessageType `json:"type"`
	// ID correlates a request with its ack or error.
	ID       string          `json:"id,omitempty"`
	AssetID  string          `json:"assetId,omitempty"`
	Command  string          `json:"command,omitempty"`
	Revision uint64          `json:"revision,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
	// Token authenticates clients whose transport has no headers.
	Token string `json:"token,omitempty"`
}

// SnapshotPayload is the payload of a snapshot envelope.
type SnapshotPayload struct {
	Data         json.RawMessage `json:"data"`
	Dependencies []string        `json:"dependencies"`
}

// DependencyPayload is the payload of a dependencies envelope.
type DependencyPayload struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Validate checks the envelope shape, not its payload.
func (m *Message) Validate() error {
	rule, ok := messageTypes[m.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	if rule.needsAsset && m.AssetID == "" {
		return fmt.Errorf("%w: %s without asset id", ErrInvalidMessage, m.Type)
	}
	if m.Type == MessageCommand && m.Command == "" {
		return fmt.Errorf("%w: command without name", ErrInvalidMessage)
	}
	return nil
}

// Change converts an edit envelope into the change a replica applies.
func (m *Message) Change() scene.Change {
	return scene.Change{
		AssetID:  m.AssetID,
		Revision: m.Revision,
		Command:  m.Command,
		Result:   m.Payload,
	}
}

// NewCommand builds a command request.
func NewCommand(assetID, command string, args json.RawMessage) Message {
	return Message{
		Type:    MessageCommand,
		ID:      GenerateRequestID(),
		AssetID: assetID,
		Command: command,
		Payload: args,
	}
}

// NewEdit builds the broadcast for an applied change.
func NewEdit(change scene.Change) Message {
	return Message{
		Type:     MessageEdit,
		AssetID:  change.AssetID,
		Command:  change.Command,
		Revision: change.Revision,
		Payload:  change.Result,
	}
}

// NewAck answers request with the change it produced.
func NewAck(request Message, change scene.Change) Message {
	return Message{
		Type:     MessageAck,
		ID:       request.ID,
		AssetID:  request.AssetID,
		Command:  request.Command,
		Revision: change.Revision,
		Payload:  change.Result,
	}
}

// NewErrorReply answers request with err.
func NewErrorReply(request Message, err error) Message {
	return Message{
		Type:    MessageError,
		ID:      request.ID,
		AssetID: request.AssetID,
		Command: request.Command,
		Error:   NewErrorBody(err),
	}
}

// NewSnapshot builds a snapshot envelope. id is the request it answers, empty
// when the server pushes it unasked.
func NewSnapshot(id, assetID string, revision uint64, data json.RawMessage, deps []string) (Message, error) {
	if deps == nil {
		deps = []string{}
	}
	payload, err := json.Marshal(SnapshotPayload{Data: data, Dependencies: deps})
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return Message{
		Type:     MessageSnapshot,
		ID:       id,
		AssetID:  assetID,
		Revision: revision,
		Payload:  payload,
	}, nil
}

// NewDependencies builds a dependency delta broadcast.
func NewDependencies(assetID string, delta DependencyPayload) (Message, error) {
	payload, err := json.Marshal(delta)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return Message{Type: MessageDependencies, AssetID: assetID, Payload: payload}, nil
}

// Encode marshals m, refusing envelopes above maxSize bytes when maxSize > 0.
func Encode(m Message, maxSize int) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if maxSize > 0 && len(data) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), maxSize)
	}
	return data, nil
}

// Decode unmarshals and validates an envelope.
func Decode(data []byte, maxSize int) (Message, error) {
	var m Message
	if maxSize > 0 && len(data) > maxSize {
		return m, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), maxSize)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}
