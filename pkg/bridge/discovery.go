package bridge

import (
	"context"
	"errors"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Listener receives fleet discovery callbacks from the discovery adapter.
type Listener interface {
	BridgeUp(j jid.JID, version string)
	BridgeDown(j jid.JID)
	BridgeStats(j jid.JID, stats map[string]string)
}

// Discovery is the adapter watching the bridge fleet, typically a
// component MUC the bridges join.
type Discovery interface {
	Subscribe(listener Listener) error
	Unsubscribe(listener Listener)
}

// RegistryListener feeds discovery callbacks straight into a registry.
type RegistryListener struct {
	Registry *Registry
}

func (l *RegistryListener) BridgeUp(j jid.JID, version string) {
	l.Registry.AddBridge(j, version)
}

func (l *RegistryListener) BridgeDown(j jid.JID) {
	l.Registry.RemoveBridge(j)
}

func (l *RegistryListener) BridgeStats(j jid.JID, stats map[string]string) {
	l.Registry.SetStats(j, StatsFromMap(stats))
}

// ErrProbeTimeout reports a health probe that got no reply in time.
var ErrProbeTimeout = errors.New("health probe timed out")

// ProbeError is an error reply to a health probe.
type ProbeError struct {
	Condition stanza.Condition
}

func (e *ProbeError) Error() string {
	return "health probe error: " + string(e.Condition)
}

// Prober is the health-check adapter.
type Prober interface {
	// SupportsHealthChecks reports whether the bridge advertises the
	// health-check capability.
	SupportsHealthChecks(ctx context.Context, bridge jid.JID) (bool, error)

	// CheckHealth probes the bridge. nil means healthy, ErrProbeTimeout
	// means no reply, a ProbeError carries the reply condition.
	CheckHealth(ctx context.Context, bridge jid.JID, timeout time.Duration) error
}
