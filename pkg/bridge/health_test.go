package bridge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jitsi-go/jicofo/pkg/bridge"
	"github.com/jitsi-go/jicofo/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

type fakeProber struct {
	mutex    sync.Mutex
	supports bool
	results  []error
	calls    int
}

func (p *fakeProber) SupportsHealthChecks(context.Context, jid.JID) (bool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.supports, nil
}

func (p *fakeProber) CheckHealth(context.Context, jid.JID, time.Duration) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	result := p.results[len(p.results)-1]
	if p.calls < len(p.results) {
		result = p.results[p.calls]
	}
	p.calls++
	return result
}

func (p *fakeProber) callCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.calls
}

func healthSetup(t *testing.T, prober *fakeProber, interval, retry time.Duration) (*bridge.Registry, *bridge.Bus, <-chan bridge.Event) {
	t.Helper()

	bus := bridge.NewBus()
	registry := bridge.NewRegistry(time.Minute, time.Minute, bus, testLogger())
	registry.AddBridge(b1, "")

	pool := common.NewTaskPool(4)
	t.Cleanup(pool.Stop)

	monitor := bridge.NewHealthMonitor(registry, prober, bus, pool, interval, retry, 10*time.Millisecond, testLogger())
	monitor.Start()
	t.Cleanup(monitor.Stop)

	_, events := bus.Subscribe(8)
	return registry, bus, events
}

func waitForFailure(t *testing.T, events <-chan bridge.Event, within time.Duration) bridge.HealthCheckFailed {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case event := <-events:
			if failed, ok := event.(bridge.HealthCheckFailed); ok {
				return failed
			}
		case <-deadline:
			t.Fatal("no health-check failure observed in time")
		}
	}
}

func TestHealthMonitor_RetryOnceThenFail(t *testing.T) {
	prober := &fakeProber{supports: true, results: []error{bridge.ErrProbeTimeout}}
	registry, _, events := healthSetup(t, prober, 60*time.Millisecond, 10*time.Millisecond)

	failed := waitForFailure(t, events, time.Second)
	assert.Equal(t, b1, failed.Bridge)
	assert.Equal(t, 2, prober.callCount(), "one probe plus exactly one retry")
	assert.Empty(t, registry.Operational(), "failed bridge marked non-operational")
}

func TestHealthMonitor_RecoversOnRetry(t *testing.T) {
	prober := &fakeProber{supports: true, results: []error{bridge.ErrProbeTimeout, nil}}
	_, _, events := healthSetup(t, prober, 40*time.Millisecond, 5*time.Millisecond)

	// Wait out two probe cycles; the retry succeeded so nothing fails.
	time.Sleep(150 * time.Millisecond)
	select {
	case event := <-events:
		if _, ok := event.(bridge.HealthCheckFailed); ok {
			t.Fatal("retry succeeded, no failure expected")
		}
	default:
	}
	assert.GreaterOrEqual(t, prober.callCount(), 2)
}

func TestHealthMonitor_ErrorReplyFailsWithoutRetry(t *testing.T) {
	prober := &fakeProber{supports: true, results: []error{&bridge.ProbeError{Condition: stanza.InternalServerError}}}
	_, _, events := healthSetup(t, prober, 60*time.Millisecond, 30*time.Millisecond)

	waitForFailure(t, events, time.Second)
	assert.Equal(t, 1, prober.callCount(), "a blaming error reply fails immediately")
}

func TestHealthMonitor_BenignErrorIgnored(t *testing.T) {
	prober := &fakeProber{supports: true, results: []error{&bridge.ProbeError{Condition: stanza.FeatureNotImplemented}}}
	registry, _, events := healthSetup(t, prober, 30*time.Millisecond, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	select {
	case event := <-events:
		if _, ok := event.(bridge.HealthCheckFailed); ok {
			t.Fatal("benign error reply must not fail the bridge")
		}
	default:
	}
	require.Len(t, registry.Operational(), 1)
}

func TestHealthMonitor_SkipsBridgesWithoutCapability(t *testing.T) {
	prober := &fakeProber{supports: false, results: []error{bridge.ErrProbeTimeout}}
	healthSetup(t, prober, 20*time.Millisecond, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, prober.callCount(), "no probes without the health capability")
}

func TestHealthMonitor_WatchFollowsFleet(t *testing.T) {
	prober := &fakeProber{supports: true, results: []error{nil}}
	registry, _, _ := healthSetup(t, prober, 25*time.Millisecond, 5*time.Millisecond)

	// A bridge discovered after start gets probed too.
	registry.AddBridge(b2, "")
	time.Sleep(120 * time.Millisecond)
	assert.GreaterOrEqual(t, prober.callCount(), 3)

	registry.RemoveBridge(b2)
	time.Sleep(30 * time.Millisecond)
	countAfterRemove := prober.callCount()
	time.Sleep(60 * time.Millisecond)
	assert.Greater(t, prober.callCount(), countAfterRemove, "remaining bridge is still probed")
}
