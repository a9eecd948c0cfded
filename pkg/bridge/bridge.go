// Package bridge tracks the videobridge fleet: discovery, stats,
// operational state, health checking and per-conference selection.
package bridge

import (
	"strconv"
	"time"

	"mellium.im/xmpp/jid"
)

// Literal keys of the stats payload a bridge publishes.
const (
	statVideoStreams = "videostreams"
	statRegion       = "region"
	statRelayID      = "relay_id"
	statShutdown     = "shutdown_in_progress"
)

// Stats is the last reported load snapshot of one bridge.
type Stats struct {
	VideoStreams       int
	Region             string
	RelayID            string
	ShutdownInProgress bool
}

// StatsFromMap parses a raw stats payload. Missing or malformed values
// fall back to zero values.
func StatsFromMap(raw map[string]string) Stats {
	var stats Stats
	if v, err := strconv.Atoi(raw[statVideoStreams]); err == nil {
		stats.VideoStreams = v
	}
	stats.Region = raw[statRegion]
	stats.RelayID = raw[statRelayID]
	if v, err := strconv.ParseBool(raw[statShutdown]); err == nil {
		stats.ShutdownInProgress = v
	}
	return stats
}

// bridge is one registry entry. All fields are guarded by the registry
// lock.
type bridge struct {
	jid     jid.JID
	version string

	operational bool
	failureTime time.Time

	stats     Stats
	statsTime time.Time

	// Estimator for load changes between stats snapshots. Cleared on
	// every snapshot, changed or not.
	videoStreamCountDiff int

	discoveryOrder int
}

func (b *bridge) estimatedStreams() int {
	return b.stats.VideoStreams + b.videoStreamCountDiff
}

// Snapshot is an immutable view of one bridge, safe to use off-lock.
type Snapshot struct {
	JID              jid.JID
	Version          string
	Operational      bool
	Region           string
	RelayID          string
	EstimatedStreams int
	DiscoveryOrder   int
}

// Compare is the total order used to rank bridges for selection.
// Operational bridges come first; within one operational class lower
// estimated load wins; remaining ties fall back to discovery order.
func Compare(a, b Snapshot) int {
	if a.Operational != b.Operational {
		if a.Operational {
			return -1
		}
		return 1
	}
	if a.EstimatedStreams != b.EstimatedStreams {
		if a.EstimatedStreams < b.EstimatedStreams {
			return -1
		}
		return 1
	}
	if a.DiscoveryOrder != b.DiscoveryOrder {
		if a.DiscoveryOrder < b.DiscoveryOrder {
			return -1
		}
		return 1
	}
	return 0
}
