package scene

import (
	"errors"
	"fmt"

	"github.com/zeusync/scenesync/internal/core/component"
)

var (
	ErrInvalidNodeID    = errors.New("invalid node id")
	ErrInvalidParent    = errors.New("invalid parent node id")
	ErrCyclicMove       = fmt.Errorf("%w: cannot move a node into itself or its descendants", ErrInvalidParent)
	ErrInvalidComponent = errors.New("invalid component id")

	ErrUnknownComponentType = component.ErrUnknownComponentType
	ErrUnknownCommand       = component.ErrUnknownCommand
	ErrValidationFailure    = component.ErrValidationFailure

	ErrNotReady         = errors.New("asset is not ready")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrResyncRequired   = errors.New("replica requires a fresh snapshot")
)
