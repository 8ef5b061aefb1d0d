package connmgr

import (
	"github.com/risa-org/avct/channel"
)

// CollisionPolicy decides what happens when a peer's connect indication
// arrives for a channel we are already connecting ourselves.
type CollisionPolicy int

const (
	// CollisionPreferRemote accepts the peer's channel and abandons ours.
	CollisionPreferRemote CollisionPolicy = iota
	// CollisionPreferLocal rejects the peer's channel and keeps ours.
	CollisionPreferLocal
)

func (p CollisionPolicy) String() string {
	if p == CollisionPreferLocal {
		return "prefer-local"
	}
	return "prefer-remote"
}

// Rejection reasons for inbound connects. They show up in logs and as
// the reason label of the avct.connect.rejected counter.
const (
	ReasonUnknownPeer      = "unknown_peer"
	ReasonNoResources      = "no_resources"
	ReasonAlreadyConnected = "already_connected"
	ReasonDisconnecting    = "disconnecting"
	ReasonCollision        = "collision"
)

// admission is the decision for one inbound connect.
type admission struct {
	accept  bool
	replace bool   // abandon the channel's current transport connection first
	reason  string // populated on rejection
}

// admit decides whether an inbound connect may take over st.
// One active transport connection per channel per peer: a connected
// channel always rejects, an idle one always accepts.
func (m *Manager) admit(st *channel.State) admission {
	switch st.Lifecycle {
	case channel.Idle:
		return admission{accept: true}
	case channel.Connected:
		return reject(ReasonAlreadyConnected)
	case channel.Disconnecting:
		return reject(ReasonDisconnecting)
	}

	// connecting: both sides raced
	if m.cfg.Collision == CollisionPreferLocal {
		return reject(ReasonCollision)
	}
	return admission{accept: true, replace: true}
}

func reject(reason string) admission {
	return admission{reason: reason}
}
