package participant

import (
	"github.com/jitsi-go/jicofo/pkg/colibri"
	"github.com/jitsi-go/jicofo/pkg/source"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
)

// Octo is the synthetic participant standing in for the relay mesh on
// one bridge. It carries the peer relay ids the bridge must connect to
// and the union of sources owned by endpoints on the opposite bridges.
// Like Participant it has no lock; the owning conference serialises
// access.
type Octo struct {
	bridge   jid.JID
	endpoint string
	relays   []string

	sources *source.MediaSourceMap
	groups  *source.GroupMap

	established bool
	allocation  *colibri.ChannelAllocation

	logger *logrus.Entry
}

// NewOcto creates the relay participant hosted on the given bridge.
// relayID is the hosting bridge's own relay id.
func NewOcto(bridge jid.JID, relayID string, logger *logrus.Entry) *Octo {
	endpoint := "octo-" + relayID
	return &Octo{
		bridge:   bridge,
		endpoint: endpoint,
		sources:  source.NewMediaSourceMap(),
		groups:   source.NewGroupMap(),
		logger:   logger.WithField("endpoint", endpoint),
	}
}

// Bridge returns the JID of the bridge hosting the relay channels.
func (o *Octo) Bridge() jid.JID {
	return o.bridge
}

// Endpoint returns the synthetic endpoint id used on the bridge.
func (o *Octo) Endpoint() string {
	return o.endpoint
}

// SetRelays replaces the list of peer relay ids.
func (o *Octo) SetRelays(relays []string) {
	o.relays = append([]string(nil), relays...)
}

// Relays returns the peer relay ids the hosting bridge connects to.
func (o *Octo) Relays() []string {
	return o.relays
}

// UpdateSources replaces the relayed source containers wholesale.
func (o *Octo) UpdateSources(sources *source.MediaSourceMap, groups *source.GroupMap) {
	o.sources = source.NewMediaSourceMap()
	o.groups = source.NewGroupMap()
	o.sources.Add(sources)
	o.groups.Add(groups)
}

// AddSources merges a relayed source delta.
func (o *Octo) AddSources(sources *source.MediaSourceMap, groups *source.GroupMap) {
	o.sources.Add(sources)
	o.groups.Add(groups)
}

// RemoveSources deletes a relayed source delta.
func (o *Octo) RemoveSources(sources *source.MediaSourceMap, groups *source.GroupMap) {
	o.sources.Remove(sources)
	o.groups.Remove(groups)
}

// Sources returns the relayed sources. The returned map is a view.
func (o *Octo) Sources() *source.MediaSourceMap {
	return o.sources
}

// SourceGroups returns the relayed source groups. The returned map is a
// view.
func (o *Octo) SourceGroups() *source.GroupMap {
	return o.groups
}

// IsSessionEstablished reports whether the relay channels were allocated
// at least once.
func (o *Octo) IsSessionEstablished() bool {
	return o.established
}

// SetAllocation stores the relay channel allocation. The first
// allocation marks the session established.
func (o *Octo) SetAllocation(a *colibri.ChannelAllocation) {
	o.allocation = a
	if a != nil && !o.established {
		o.established = true
		o.logger.Debug("octo session established")
	}
}

// Allocation returns the relay channel allocation, nil before the first
// one completes.
func (o *Octo) Allocation() *colibri.ChannelAllocation {
	return o.allocation
}
