package colibri

import (
	"encoding/xml"

	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/source"
	"mellium.im/xmpp/jid"
)

// NSColibri is the channel-control namespace.
const NSColibri = "http://jitsi.org/protocol/colibri"

// ConferenceIQ is the payload of a colibri request or response.
type ConferenceIQ struct {
	XMLName  xml.Name        `xml:"http://jitsi.org/protocol/colibri conference"`
	ID       string          `xml:"id,attr,omitempty"`
	Name     string          `xml:"name,attr,omitempty"`
	GID      string          `xml:"gid,attr,omitempty"`
	Contents []ContentIQ     `xml:"content"`
	Bundles  []ChannelBundle `xml:"channel-bundle"`
}

// ContentIQ groups the channels of one media kind.
type ContentIQ struct {
	XMLName  xml.Name         `xml:"content"`
	Name     string           `xml:"name,attr"`
	Channels []Channel        `xml:"channel"`
	Sctp     []SctpConnection `xml:"sctpconnection"`
}

// Channel is one RTP channel on the bridge. Relay channels carry
// type "octo" and the peer relay list instead of an endpoint binding.
type Channel struct {
	XMLName       xml.Name                `xml:"channel"`
	ID            string                  `xml:"id,attr,omitempty"`
	Type          string                  `xml:"type,attr,omitempty"`
	Endpoint      string                  `xml:"endpoint,attr,omitempty"`
	BundleID      string                  `xml:"channel-bundle-id,attr,omitempty"`
	Initiator     bool                    `xml:"initiator,attr,omitempty"`
	Expire        *int                    `xml:"expire,attr,omitempty"`
	Direction     string                  `xml:"direction,attr,omitempty"`
	RTPLevelRelay string                  `xml:"rtp-level-relay-type,attr,omitempty"`
	Relays        []Relay                 `xml:"relay"`
	PayloadTypes  []jingle.PayloadType    `xml:"payload-type"`
	HdrExts       []jingle.RTPHdrExt      `xml:"urn:xmpp:jingle:apps:rtp:rtp-hdrext:0 rtp-hdrext"`
	Sources       []jingle.SourceExt      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SourceGroups  []jingle.SourceGroupExt `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	Transport     *jingle.IceUdpTransport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
}

// Relay is one peer relay reference of an octo channel.
type Relay struct {
	XMLName xml.Name `xml:"relay"`
	ID      string   `xml:"id,attr"`
}

// ChannelTypeOcto marks relay channels.
const ChannelTypeOcto = "octo"

// SctpConnection is one SCTP association on the bridge.
type SctpConnection struct {
	XMLName   xml.Name `xml:"sctpconnection"`
	ID        string   `xml:"id,attr,omitempty"`
	Endpoint  string   `xml:"endpoint,attr,omitempty"`
	BundleID  string   `xml:"channel-bundle-id,attr,omitempty"`
	Initiator bool     `xml:"initiator,attr,omitempty"`
	Expire    *int     `xml:"expire,attr,omitempty"`
	Port      int      `xml:"port,attr,omitempty"`
}

// ChannelBundle carries the shared transport of one endpoint.
type ChannelBundle struct {
	XMLName   xml.Name                `xml:"channel-bundle"`
	ID        string                  `xml:"id,attr"`
	Transport *jingle.IceUdpTransport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
}

func expireValue(v int) *int {
	return &v
}

// NewChannelRequest builds the colibri request allocating one channel per
// offer content for an endpoint. The channel-bundle-id ties all channels
// to a single transport.
func NewChannelRequest(conferenceID, room, meetingID, endpointID string, initiator bool, contents []jingle.Content) *ConferenceIQ {
	iq := &ConferenceIQ{ID: conferenceID, Name: room, GID: meetingID}

	for i := range contents {
		offer := &contents[i]
		content := ContentIQ{Name: offer.Name}
		if offer.Name == "data" {
			content.Sctp = append(content.Sctp, SctpConnection{
				Endpoint:  endpointID,
				BundleID:  endpointID,
				Initiator: initiator,
				Port:      sctpPortFor(offer),
			})
		} else {
			channel := Channel{
				Endpoint:  endpointID,
				BundleID:  endpointID,
				Initiator: initiator,
			}
			if offer.Description != nil {
				channel.PayloadTypes = offer.Description.PayloadTypes
				channel.HdrExts = offer.Description.HdrExts
			}
			content.Channels = append(content.Channels, channel)
		}
		iq.Contents = append(iq.Contents, content)
	}
	return iq
}

func sctpPortFor(content *jingle.Content) int {
	if content.Transport != nil && len(content.Transport.SctpMaps) > 0 {
		return content.Transport.SctpMaps[0].Number
	}
	return 5000
}

// ParseAllocation reads a colibri response into a ChannelAllocation.
func ParseAllocation(reply *ConferenceIQ, bridge jid.JID, endpointID string) *ChannelAllocation {
	allocation := &ChannelAllocation{
		ConferenceID: reply.ID,
		Bridge:       bridge,
		EndpointID:   endpointID,
	}

	for _, content := range reply.Contents {
		allocated := AllocatedContent{Name: content.Name}
		for _, channel := range content.Channels {
			if channel.Endpoint == endpointID || channel.Endpoint == "" {
				allocated.ChannelIDs = append(allocated.ChannelIDs, channel.ID)
			}
		}
		for _, sctp := range content.Sctp {
			if sctp.Endpoint == endpointID || sctp.Endpoint == "" {
				allocated.SctpIDs = append(allocated.SctpIDs, sctp.ID)
			}
		}
		if len(allocated.ChannelIDs) > 0 || len(allocated.SctpIDs) > 0 {
			allocation.Contents = append(allocation.Contents, allocated)
		}
	}

	for _, bundle := range reply.Bundles {
		if bundle.ID == endpointID {
			allocation.Transport = bundle.Transport
			break
		}
	}
	return allocation
}

// NewUpdateRequest builds the colibri request pushing an endpoint's answer
// state back to the bridge.
func NewUpdateRequest(allocation *ChannelAllocation,
	descriptions map[source.MediaType]*jingle.RTPDescription,
	transports map[source.MediaType]*jingle.IceUdpTransport,
	sources *source.MediaSourceMap, groups *source.GroupMap) *ConferenceIQ {

	iq := &ConferenceIQ{ID: allocation.ConferenceID}

	var bundleTransport *jingle.IceUdpTransport
	for _, t := range transports {
		if t != nil {
			bundleTransport = t
			break
		}
	}
	if bundleTransport != nil {
		iq.Bundles = append(iq.Bundles, ChannelBundle{
			ID:        allocation.EndpointID,
			Transport: bundleTransport,
		})
	}

	for _, allocated := range allocation.Contents {
		media := source.MediaType(allocated.Name)
		content := ContentIQ{Name: allocated.Name}

		for _, id := range allocated.ChannelIDs {
			channel := Channel{ID: id, Endpoint: allocation.EndpointID}
			if description := descriptions[media]; description != nil {
				channel.PayloadTypes = description.PayloadTypes
				channel.HdrExts = description.HdrExts
			}
			if sources != nil {
				for _, s := range sources.SourcesForMedia(media) {
					channel.Sources = append(channel.Sources, jingle.FromSource(s))
				}
			}
			if groups != nil {
				for _, g := range groups.GroupsForMedia(media) {
					channel.SourceGroups = append(channel.SourceGroups, jingle.FromGroup(g))
				}
			}
			content.Channels = append(content.Channels, channel)
		}
		for _, id := range allocated.SctpIDs {
			content.Sctp = append(content.Sctp, SctpConnection{ID: id, Endpoint: allocation.EndpointID})
		}
		iq.Contents = append(iq.Contents, content)
	}
	return iq
}

// NewRelayChannelRequest builds the colibri request allocating the octo
// channels binding this bridge to its relay peers. Relay channels have
// no endpoint transport, so there is no channel bundle.
func NewRelayChannelRequest(conferenceID, room, meetingID string, relays []string, contents []jingle.Content) *ConferenceIQ {
	iq := &ConferenceIQ{ID: conferenceID, Name: room, GID: meetingID}

	for i := range contents {
		offer := &contents[i]
		if offer.Description == nil {
			continue
		}
		channel := Channel{
			Type:   ChannelTypeOcto,
			Relays: relayRefs(relays),
		}
		channel.PayloadTypes = offer.Description.PayloadTypes
		channel.HdrExts = offer.Description.HdrExts
		iq.Contents = append(iq.Contents, ContentIQ{
			Name:     offer.Name,
			Channels: []Channel{channel},
		})
	}
	return iq
}

// NewRelayUpdateRequest builds the colibri request pushing relay
// membership and the relayed sources to existing octo channels.
func NewRelayUpdateRequest(allocation *ChannelAllocation, relays []string,
	sources *source.MediaSourceMap, groups *source.GroupMap) *ConferenceIQ {

	iq := &ConferenceIQ{ID: allocation.ConferenceID}

	for _, allocated := range allocation.Contents {
		media := source.MediaType(allocated.Name)
		content := ContentIQ{Name: allocated.Name}

		for _, id := range allocated.ChannelIDs {
			channel := Channel{
				ID:     id,
				Type:   ChannelTypeOcto,
				Relays: relayRefs(relays),
			}
			if sources != nil {
				for _, s := range sources.SourcesForMedia(media) {
					channel.Sources = append(channel.Sources, jingle.FromSource(s))
				}
			}
			if groups != nil {
				for _, g := range groups.GroupsForMedia(media) {
					channel.SourceGroups = append(channel.SourceGroups, jingle.FromGroup(g))
				}
			}
			content.Channels = append(content.Channels, channel)
		}
		iq.Contents = append(iq.Contents, content)
	}
	return iq
}

func relayRefs(relays []string) []Relay {
	refs := make([]Relay, 0, len(relays))
	for _, id := range relays {
		refs = append(refs, Relay{ID: id})
	}
	return refs
}

// NewExpireRequest builds the colibri request releasing an endpoint's
// channels. Channels are expired by setting expire to zero.
func NewExpireRequest(allocation *ChannelAllocation) *ConferenceIQ {
	iq := &ConferenceIQ{ID: allocation.ConferenceID}

	for _, allocated := range allocation.Contents {
		content := ContentIQ{Name: allocated.Name}
		for _, id := range allocated.ChannelIDs {
			content.Channels = append(content.Channels, Channel{ID: id, Expire: expireValue(0)})
		}
		for _, id := range allocated.SctpIDs {
			content.Sctp = append(content.Sctp, SctpConnection{ID: id, Expire: expireValue(0)})
		}
		iq.Contents = append(iq.Contents, content)
	}
	return iq
}
