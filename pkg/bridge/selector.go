package bridge

import (
	"math/rand"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
)

// Strategy names accepted in configuration.
const (
	StrategySingle = "single"
	StrategySplit  = "split"
	StrategyRegion = "region-based"
)

// Strategy picks a bridge for one participant given the operational fleet
// and the bridges the conference already uses. Implementations are pure;
// all fleet state arrives as snapshots.
type Strategy interface {
	Name() string
	Select(operational, inUse []Snapshot, participantRegion string) (Snapshot, bool)
	AllowsMultiBridge() bool
}

// NewStrategy resolves a strategy by its configured name. An unknown name
// logs an error and falls back to single-bridge.
func NewStrategy(name string, logger *logrus.Entry) Strategy {
	switch name {
	case StrategySingle:
		return &singleStrategy{logger: logger}
	case StrategySplit:
		return &splitStrategy{}
	case StrategyRegion:
		return &regionStrategy{}
	default:
		logger.WithField("strategy", name).Error("unknown bridge selection strategy, using single-bridge")
		return &singleStrategy{logger: logger}
	}
}

// Selector resolves conference bridge picks against the registry using
// the configured strategy.
type Selector struct {
	registry *Registry
	strategy Strategy
}

// NewSelector builds a selector over the registry.
func NewSelector(registry *Registry, strategy Strategy) *Selector {
	return &Selector{registry: registry, strategy: strategy}
}

// SelectBridge picks a bridge for a participant of a conference already
// using the given bridges (in acquisition order).
func (s *Selector) SelectBridge(conferenceBridges []jid.JID, participantRegion string) (Snapshot, bool) {
	inUse := make([]Snapshot, 0, len(conferenceBridges))
	for _, j := range conferenceBridges {
		if snapshot, ok := s.registry.Get(j); ok {
			inUse = append(inUse, snapshot)
		}
	}
	return s.strategy.Select(s.registry.Operational(), inUse, participantRegion)
}

// AllowsMultiBridge reports whether the active strategy may spread one
// conference over several bridges.
func (s *Selector) AllowsMultiBridge() bool {
	return s.strategy.AllowsMultiBridge()
}

// StrategyName returns the active strategy's name.
func (s *Selector) StrategyName() string {
	return s.strategy.Name()
}

func inUseContains(inUse []Snapshot, j jid.JID) bool {
	for _, b := range inUse {
		if b.JID.Equal(j) {
			return true
		}
	}
	return false
}

// singleStrategy keeps a conference on exactly one bridge for its whole
// lifetime. The initial pick is the first discovered operational bridge.
type singleStrategy struct {
	logger *logrus.Entry
}

func (s *singleStrategy) Name() string { return StrategySingle }

func (s *singleStrategy) AllowsMultiBridge() bool { return false }

func (s *singleStrategy) Select(operational, inUse []Snapshot, participantRegion string) (Snapshot, bool) {
	if len(inUse) > 0 {
		if len(inUse) > 1 && s.logger != nil {
			s.logger.Error("single-bridge conference is using more than one bridge")
		}
		if !inUse[0].Operational {
			return Snapshot{}, false
		}
		return inUse[0], true
	}

	found := false
	var first Snapshot
	for _, b := range operational {
		if !found || b.DiscoveryOrder < first.DiscoveryOrder {
			first = b
			found = true
		}
	}
	return first, found
}

// splitStrategy spreads participants over as many bridges as possible.
// Useful only for exercising the multi-bridge paths.
type splitStrategy struct{}

func (s *splitStrategy) Name() string { return StrategySplit }

func (s *splitStrategy) AllowsMultiBridge() bool { return true }

func (s *splitStrategy) Select(operational, inUse []Snapshot, participantRegion string) (Snapshot, bool) {
	for _, b := range operational {
		if !inUseContains(inUse, b.JID) {
			return b, true
		}
	}
	if len(inUse) > 0 {
		return inUse[rand.Intn(len(inUse))], true
	}
	return Snapshot{}, false
}

// regionStrategy keeps participants near their region, growing the
// conference onto additional bridges when the relay topology allows it.
type regionStrategy struct{}

func (s *regionStrategy) Name() string { return StrategyRegion }

func (s *regionStrategy) AllowsMultiBridge() bool { return true }

func (s *regionStrategy) Select(operational, inUse []Snapshot, participantRegion string) (Snapshot, bool) {
	if len(inUse) == 0 {
		if participantRegion != "" {
			for _, b := range operational {
				if b.Region == participantRegion {
					return b, true
				}
			}
		}
		if len(operational) > 0 {
			return operational[0], true
		}
		return Snapshot{}, false
	}

	// Without a relay id on the first bridge the conference cannot span
	// bridges, so everyone lands on it regardless of region.
	if inUse[0].RelayID == "" {
		return inUse[0], true
	}

	if participantRegion != "" {
		for _, b := range inUse {
			if b.Operational && b.Region == participantRegion {
				return b, true
			}
		}
		for _, b := range operational {
			if b.Region == participantRegion && b.RelayID != "" && !inUseContains(inUse, b.JID) {
				return b, true
			}
		}
	}

	found := false
	var least Snapshot
	for _, b := range inUse {
		if b.Operational && (!found || b.EstimatedStreams < least.EstimatedStreams) {
			least = b
			found = true
		}
	}
	return least, found
}
