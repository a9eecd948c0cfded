package bridge_test

import (
	"testing"
	"time"

	"github.com/jitsi-go/jicofo/pkg/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
)

func regionRegistry(t *testing.T) *bridge.Registry {
	t.Helper()
	r, _ := newRegistry(time.Minute, time.Minute)
	r.AddBridge(b1, "")
	r.AddBridge(b2, "")
	r.SetStats(b1, bridge.Stats{VideoStreams: 10, Region: "us", RelayID: "r1"})
	r.SetStats(b2, bridge.Stats{VideoStreams: 3, Region: "eu", RelayID: "r2"})
	return r
}

func TestNewStrategy_FallsBackToSingle(t *testing.T) {
	s := bridge.NewStrategy("does-not-exist", testLogger())
	assert.Equal(t, bridge.StrategySingle, s.Name())
	assert.False(t, s.AllowsMultiBridge())
}

func TestSingleStrategy_InitialPickByDiscoveryOrder(t *testing.T) {
	r, _ := newRegistry(time.Minute, time.Minute)
	r.AddBridge(b1, "")
	r.AddBridge(b2, "")
	// b2 is less loaded but b1 was discovered first.
	r.SetStats(b1, bridge.Stats{VideoStreams: 10, Region: "us"})
	r.SetStats(b2, bridge.Stats{VideoStreams: 3, Region: "eu"})

	selector := bridge.NewSelector(r, bridge.NewStrategy(bridge.StrategySingle, testLogger()))
	picked, ok := selector.SelectBridge(nil, "")
	require.True(t, ok)
	assert.Equal(t, b1, picked.JID)
}

func TestSingleStrategy_SticksToConferenceBridge(t *testing.T) {
	r := regionRegistry(t)
	selector := bridge.NewSelector(r, bridge.NewStrategy(bridge.StrategySingle, testLogger()))

	picked, ok := selector.SelectBridge([]jid.JID{b2}, "us")
	require.True(t, ok)
	assert.Equal(t, b2, picked.JID, "a single-bridge conference never moves")
}

func TestSingleStrategy_FailsWhenConferenceBridgeIsDown(t *testing.T) {
	r := regionRegistry(t)
	r.SetOperational(b2, false)

	selector := bridge.NewSelector(r, bridge.NewStrategy(bridge.StrategySingle, testLogger()))
	_, ok := selector.SelectBridge([]jid.JID{b2}, "")
	assert.False(t, ok, "no silent failover under single-bridge")
}

func TestSplitStrategy_PrefersUnusedBridge(t *testing.T) {
	r := regionRegistry(t)
	selector := bridge.NewSelector(r, bridge.NewStrategy(bridge.StrategySplit, testLogger()))

	picked, ok := selector.SelectBridge([]jid.JID{b2}, "")
	require.True(t, ok)
	assert.Equal(t, b1, picked.JID)

	// All bridges used: stays within the conference set.
	picked, ok = selector.SelectBridge([]jid.JID{b1, b2}, "")
	require.True(t, ok)
	assert.Contains(t, []string{b1.String(), b2.String()}, picked.JID.String())
}

func TestRegionStrategy_InitialPickPrefersParticipantRegion(t *testing.T) {
	r := regionRegistry(t)
	selector := bridge.NewSelector(r, bridge.NewStrategy(bridge.StrategyRegion, testLogger()))

	picked, ok := selector.SelectBridge(nil, "us")
	require.True(t, ok)
	assert.Equal(t, b1, picked.JID)

	// Unknown region falls back to least loaded.
	picked, ok = selector.SelectBridge(nil, "ap")
	require.True(t, ok)
	assert.Equal(t, b2, picked.JID)
}

func TestRegionStrategy_ExpandsToParticipantRegion(t *testing.T) {
	r := regionRegistry(t)
	selector := bridge.NewSelector(r, bridge.NewStrategy(bridge.StrategyRegion, testLogger()))

	// Conference on b1 (us, has relay id); an eu participant pulls in b2.
	picked, ok := selector.SelectBridge([]jid.JID{b1}, "eu")
	require.True(t, ok)
	assert.Equal(t, b2, picked.JID)
	assert.True(t, selector.AllowsMultiBridge())
}

func TestRegionStrategy_NoRelayDisablesMultiBridge(t *testing.T) {
	r, _ := newRegistry(time.Minute, time.Minute)
	r.AddBridge(b1, "")
	r.AddBridge(b2, "")
	r.SetStats(b1, bridge.Stats{VideoStreams: 10, Region: "us"})
	r.SetStats(b2, bridge.Stats{VideoStreams: 3, Region: "eu", RelayID: "r2"})

	selector := bridge.NewSelector(r, bridge.NewStrategy(bridge.StrategyRegion, testLogger()))
	picked, ok := selector.SelectBridge([]jid.JID{b1}, "eu")
	require.True(t, ok)
	assert.Equal(t, b1, picked.JID, "first conference bridge wins when it has no relay id")
}

func TestRegionStrategy_FallsBackToLeastLoadedUsedBridge(t *testing.T) {
	r := regionRegistry(t)
	selector := bridge.NewSelector(r, bridge.NewStrategy(bridge.StrategyRegion, testLogger()))

	picked, ok := selector.SelectBridge([]jid.JID{b1, b2}, "ap")
	require.True(t, ok)
	assert.Equal(t, b2, picked.JID, "no ap bridge exists, least loaded used bridge wins")
}
