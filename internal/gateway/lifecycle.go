package gateway

import (
	"time"

	"github.com/goccy/go-json"
)

// Event is one decoded dispatch, in receipt order for its shard.
type Event struct {
	Shard     int
	SessionID string
	Seq       int64
	Type      string
	Data      json.RawMessage
	Received  time.Time
}

// LifecycleKind names a connection lifecycle notification.
type LifecycleKind int

const (
	Connected LifecycleKind = iota
	Resumed
	Disconnected
	Reconnecting
	Zombied
	Closed
	Failed
)

func (k LifecycleKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Resumed:
		return "resumed"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Zombied:
		return "zombied"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// LifecycleEvent is published on every session state change worth reporting.
type LifecycleEvent struct {
	Shard int
	Kind  LifecycleKind
	State State
	Err   error
	At    time.Time
}
