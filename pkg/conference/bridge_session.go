package conference

import (
	"github.com/jitsi-go/jicofo/pkg/bridge"
	"github.com/jitsi-go/jicofo/pkg/colibri"
	"github.com/jitsi-go/jicofo/pkg/conference/participant"
	"mellium.im/xmpp/jid"
)

// BridgeSession is the per-bridge channel-control state of one
// conference. All fields are guarded by the conference lock; the colibri
// handle is safe to use off-lock once captured.
type BridgeSession struct {
	snapshot bridge.Snapshot
	colibri  colibri.Conference
	octo     *participant.Octo

	established bool
	hasFailed   bool
}

func newBridgeSession(snapshot bridge.Snapshot, conf colibri.Conference) *BridgeSession {
	return &BridgeSession{snapshot: snapshot, colibri: conf}
}

// Bridge returns the JID of the bridge this session allocates on.
func (s *BridgeSession) Bridge() jid.JID {
	return s.snapshot.JID
}

// RelayID returns the bridge's relay id, empty when the bridge is not
// part of a relay mesh.
func (s *BridgeSession) RelayID() string {
	return s.snapshot.RelayID
}

// Region returns the bridge's region.
func (s *BridgeSession) Region() string {
	return s.snapshot.Region
}

// Established reports whether at least one channel allocation succeeded
// on the bridge.
func (s *BridgeSession) Established() bool {
	return s.established
}

// HasFailed reports whether the bridge failed and the session is being
// torn down.
func (s *BridgeSession) HasFailed() bool {
	return s.hasFailed
}

// Octo returns the relay participant of this session, nil outside
// multi-bridge conferences.
func (s *BridgeSession) Octo() *participant.Octo {
	return s.octo
}
