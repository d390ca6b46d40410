package voicecall

import (
	"time"

	"github.com/theplantsprouts/rork-plantspace-sub001/signaling"
)

// Role is the side of the call this process plays.
type Role = signaling.Side

const (
	RoleCaller   = signaling.SideCaller
	RoleReceiver = signaling.SideReceiver
)

// CallSession is a snapshot of one call attempt.
type CallSession struct {
	ID             string
	LocalUserID    string
	RemoteUserID   string
	ConversationID string
	Role           Role
	State          State
	Muted          bool
	StartedAt      time.Time
	ConnectedAt    time.Time
	// DurationSeconds only advances while connected.
	DurationSeconds int
	// EndReason is nil for a local hangup.
	EndReason error
}
