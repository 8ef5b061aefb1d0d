package connmgr

import (
	"errors"

	"github.com/risa-org/avct/label"
	"github.com/risa-org/avct/table"
)

// Named errors let callers check the exact cause with errors.Is().
// The table and label errors are re-exported so one import is enough.
var (
	ErrNoResources       = table.ErrNoResources
	ErrBadHandle         = table.ErrBadHandle
	ErrNotFound          = table.ErrNotFound
	ErrDuplicatePeer     = table.ErrDuplicatePeer
	ErrLabelsExhausted   = label.ErrLabelsExhausted
	ErrNotReady          = errors.New("channel not ready")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotRegistered     = errors.New("not registered")
	ErrProtocolViolation = errors.New("protocol violation")
)
