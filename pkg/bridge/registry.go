package bridge

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"mellium.im/xmpp/jid"
)

// Registry is the authoritative view of the bridge fleet. All mutation
// goes through it; reads hand out value snapshots so callers never hold
// the lock.
type Registry struct {
	mutex          sync.Mutex
	bridges        map[string]*bridge
	discoveryCount int

	resetThreshold time.Duration
	maxStatsAge    time.Duration

	bus    *Bus
	logger *logrus.Entry
}

// NewRegistry builds a registry publishing fleet events on bus.
func NewRegistry(resetThreshold, maxStatsAge time.Duration, bus *Bus, logger *logrus.Entry) *Registry {
	return &Registry{
		bridges:        make(map[string]*bridge),
		resetThreshold: resetThreshold,
		maxStatsAge:    maxStatsAge,
		bus:            bus,
		logger:         logger.WithField("component", "bridge-registry"),
	}
}

// AddBridge registers a discovered bridge. Adding a known bridge only
// refreshes its version. Returns true if the bridge was new.
func (r *Registry) AddBridge(j jid.JID, version string) bool {
	r.mutex.Lock()
	existing, known := r.bridges[j.String()]
	if known {
		if version != "" {
			existing.version = version
		}
		r.mutex.Unlock()
		return false
	}

	r.bridges[j.String()] = &bridge{
		jid:            j,
		version:        version,
		operational:    true,
		discoveryOrder: r.discoveryCount,
	}
	r.discoveryCount++
	r.mutex.Unlock()

	r.logger.WithFields(logrus.Fields{"bridge": j.String(), "version": version}).Info("bridge up")
	r.bus.Publish(Up{Bridge: j, Version: version})
	return true
}

// RemoveBridge drops a bridge that signalled offline.
func (r *Registry) RemoveBridge(j jid.JID) {
	r.mutex.Lock()
	_, known := r.bridges[j.String()]
	delete(r.bridges, j.String())
	r.mutex.Unlock()

	if known {
		r.logger.WithField("bridge", j.String()).Info("bridge down")
		r.bus.Publish(Down{Bridge: j})
	}
}

// Get returns the snapshot of one bridge.
func (r *Registry) Get(j jid.JID) (Snapshot, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	b, ok := r.bridges[j.String()]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshotLocked(b, time.Now()), true
}

// KnownCount returns the number of registered bridges.
func (r *Registry) KnownCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.bridges)
}

// SetStats replaces a bridge's stats snapshot. The inter-snapshot stream
// estimator is cleared whether or not the count changed, and the
// operational flag follows the shutdown-in-progress bit.
func (r *Registry) SetStats(j jid.JID, stats Stats) {
	r.mutex.Lock()
	b, ok := r.bridges[j.String()]
	if !ok {
		r.mutex.Unlock()
		return
	}

	previous := b.estimatedStreams()
	b.stats = stats
	b.statsTime = time.Now()
	b.videoStreamCountDiff = 0

	// A non-operational bridge recovers through the failure cooldown
	// only; healthy stats do not shortcut it.
	if stats.ShutdownInProgress {
		r.markFailedLocked(b, "graceful shutdown in progress")
	}
	changed := b.estimatedStreams() != previous
	r.mutex.Unlock()

	if changed {
		r.bus.Publish(VideostreamsChanged{Bridge: j})
	}
}

// OnVideoStreamsChanged accumulates a load estimate between stats
// snapshots, for example when the focus itself adds or expires channels.
func (r *Registry) OnVideoStreamsChanged(j jid.JID, delta int) {
	r.mutex.Lock()
	b, ok := r.bridges[j.String()]
	if ok {
		b.videoStreamCountDiff += delta
	}
	r.mutex.Unlock()

	if ok && delta != 0 {
		r.bus.Publish(VideostreamsChanged{Bridge: j})
	}
}

// SetOperational flips a bridge's operational flag. Marking a bridge
// non-operational stamps a fresh failure time, starting the reset
// cooldown.
func (r *Registry) SetOperational(j jid.JID, operational bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	b, ok := r.bridges[j.String()]
	if !ok {
		return
	}
	if operational {
		if !b.operational {
			r.logger.WithField("bridge", j.String()).Info("bridge operational again")
		}
		b.operational = true
		b.failureTime = time.Time{}
		return
	}
	r.markFailedLocked(b, "marked non-operational")
}

func (r *Registry) markFailedLocked(b *bridge, reason string) {
	if b.operational {
		r.logger.WithFields(logrus.Fields{
			"bridge": b.jid.String(),
			"reason": reason,
		}).Warn("bridge failed")
	}
	b.operational = false
	b.failureTime = time.Now()
}

// Operational returns the operational bridges ordered for selection.
func (r *Registry) Operational() []Snapshot {
	now := time.Now()

	r.mutex.Lock()
	snapshots := make([]Snapshot, 0, len(r.bridges))
	for _, b := range r.bridges {
		s := r.snapshotLocked(b, now)
		if s.Operational {
			snapshots = append(snapshots, s)
		}
	}
	r.mutex.Unlock()

	slices.SortFunc(snapshots, func(a, b Snapshot) bool {
		return Compare(a, b) < 0
	})
	return snapshots
}

// OperationalCount returns how many known bridges are operational.
func (r *Registry) OperationalCount() int {
	return len(r.Operational())
}

// All returns every known bridge, operational or not, in selection order.
func (r *Registry) All() []Snapshot {
	now := time.Now()

	r.mutex.Lock()
	snapshots := make([]Snapshot, 0, len(r.bridges))
	for _, b := range r.bridges {
		snapshots = append(snapshots, r.snapshotLocked(b, now))
	}
	r.mutex.Unlock()

	slices.SortFunc(snapshots, func(a, b Snapshot) bool {
		return Compare(a, b) < 0
	})
	return snapshots
}

// ExpireStaleStats clears stats snapshots older than the configured age
// and returns how many bridges were affected. Run periodically.
func (r *Registry) ExpireStaleStats() int {
	now := time.Now()
	expired := 0

	r.mutex.Lock()
	for _, b := range r.bridges {
		if b.statsTime.IsZero() || now.Sub(b.statsTime) <= r.maxStatsAge {
			continue
		}
		r.logger.WithField("bridge", b.jid.String()).Warn("stats expired, no report within max age")
		b.stats = Stats{}
		b.statsTime = time.Time{}
		b.videoStreamCountDiff = 0
		expired++
	}
	r.mutex.Unlock()

	return expired
}

// snapshotLocked reads one bridge, applying the failure-reset rule: a
// bridge past the cooldown is re-elevated to operational on read, stats
// or not.
func (r *Registry) snapshotLocked(b *bridge, now time.Time) Snapshot {
	if !b.operational && !b.failureTime.IsZero() && now.Sub(b.failureTime) >= r.resetThreshold {
		b.operational = true
		b.failureTime = time.Time{}
		r.logger.WithField("bridge", b.jid.String()).Info("failure cooldown elapsed, bridge operational again")
	}
	return Snapshot{
		JID:              b.jid,
		Version:          b.version,
		Operational:      b.operational,
		Region:           b.stats.Region,
		RelayID:          b.stats.RelayID,
		EstimatedStreams: b.estimatedStreams(),
		DiscoveryOrder:   b.discoveryOrder,
	}
}
