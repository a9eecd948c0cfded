package xmpp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
)

// fleetRecorder captures bridge discovery callbacks.
type fleetRecorder struct {
	ups      []string
	versions []string
	downs    []string
	stats    []map[string]string
}

func (f *fleetRecorder) BridgeUp(j jid.JID, version string) {
	f.ups = append(f.ups, j.String())
	f.versions = append(f.versions, version)
}

func (f *fleetRecorder) BridgeDown(j jid.JID) {
	f.downs = append(f.downs, j.String())
}

func (f *fleetRecorder) BridgeStats(j jid.JID, stats map[string]string) {
	f.stats = append(f.stats, stats)
}

func bridgePresence(realJID, version string) *OccupantPresence {
	p := &OccupantPresence{User: &MUCUser{Item: &MUCItem{Role: "participant", JID: realJID}}}
	if version != "" {
		p.Stats = &ColibriStats{Stats: []Stat{
			{Name: "version", Value: version},
			{Name: "region", Value: "us-east"},
		}}
	}
	return p
}

func TestBrewery_BridgeLifecycle(t *testing.T) {
	s := newTestService(t, &eventRecorder{})
	b := s.Brewery()
	require.NotNil(t, b)

	fleet := &fleetRecorder{}
	require.NoError(t, b.Subscribe(fleet))

	b.handleOccupant(available("jvbbrewery@internal.auth.example.com/jvb1"), bridgePresence("jvb@auth.example.com/v1", "2.3.1"))
	require.Len(t, fleet.ups, 1)
	assert.Equal(t, "jvb@auth.example.com/v1", fleet.ups[0])
	assert.Equal(t, "2.3.1", fleet.versions[0])
	require.Len(t, fleet.stats, 1)
	assert.Equal(t, "us-east", fleet.stats[0]["region"])

	// Stats refreshes do not re-announce the bridge.
	b.handleOccupant(available("jvbbrewery@internal.auth.example.com/jvb1"), bridgePresence("jvb@auth.example.com/v1", "2.3.1"))
	assert.Len(t, fleet.ups, 1)
	assert.Len(t, fleet.stats, 2)

	b.handleOccupant(unavailable("jvbbrewery@internal.auth.example.com/jvb1"), &OccupantPresence{})
	require.Len(t, fleet.downs, 1)
	assert.Equal(t, "jvb@auth.example.com/v1", fleet.downs[0])
}

func TestBrewery_OccupantJIDFallback(t *testing.T) {
	s := newTestService(t, &eventRecorder{})
	b := s.Brewery()
	fleet := &fleetRecorder{}
	require.NoError(t, b.Subscribe(fleet))

	b.handleOccupant(available("jvbbrewery@internal.auth.example.com/jvb1"), bridgePresence("", "2.3.1"))
	require.Len(t, fleet.ups, 1)
	assert.Equal(t, "jvbbrewery@internal.auth.example.com/jvb1", fleet.ups[0])
}

func TestBrewery_ReplaysKnownBridges(t *testing.T) {
	s := newTestService(t, &eventRecorder{})
	b := s.Brewery()
	b.handleOccupant(available("jvbbrewery@internal.auth.example.com/jvb1"), bridgePresence("jvb@auth.example.com/v1", "2.3.1"))

	late := &fleetRecorder{}
	require.NoError(t, b.Subscribe(late))
	require.Len(t, late.ups, 1)
	assert.Equal(t, "jvb@auth.example.com/v1", late.ups[0])
	assert.Equal(t, "2.3.1", late.versions[0])
}

func TestBrewery_Unsubscribe(t *testing.T) {
	s := newTestService(t, &eventRecorder{})
	b := s.Brewery()
	fleet := &fleetRecorder{}
	require.NoError(t, b.Subscribe(fleet))
	b.Unsubscribe(fleet)

	b.handleOccupant(available("jvbbrewery@internal.auth.example.com/jvb1"), bridgePresence("jvb@auth.example.com/v1", "2.3.1"))
	assert.Empty(t, fleet.ups)
}

func TestBrewery_StreamLossDropsFleet(t *testing.T) {
	s := newTestService(t, &eventRecorder{})
	b := s.Brewery()
	fleet := &fleetRecorder{}
	require.NoError(t, b.Subscribe(fleet))

	b.handleOccupant(available("jvbbrewery@internal.auth.example.com/jvb1"), bridgePresence("jvb1@auth.example.com/v1", "2.3.1"))
	b.handleOccupant(available("jvbbrewery@internal.auth.example.com/jvb2"), bridgePresence("jvb2@auth.example.com/v1", "2.3.1"))

	b.streamLost()
	assert.Len(t, fleet.downs, 2)

	// The occupant list after a rejoin reads as fresh joins.
	b.handleOccupant(available("jvbbrewery@internal.auth.example.com/jvb1"), bridgePresence("jvb1@auth.example.com/v1", "2.3.1"))
	assert.Len(t, fleet.ups, 3)
}
