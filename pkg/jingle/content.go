package jingle

import (
	"encoding/xml"

	"github.com/jitsi-go/jicofo/pkg/source"
)

// Empty marshals to a bare presence element such as <rtcp-mux/>.
type Empty struct{}

// Content is one jingle content (one media kind) inside an offer.
type Content struct {
	XMLName     xml.Name         `xml:"content"`
	Creator     string           `xml:"creator,attr"`
	Name        string           `xml:"name,attr"`
	Senders     string           `xml:"senders,attr,omitempty"`
	Description *RTPDescription  `xml:"urn:xmpp:jingle:apps:rtp:1 description,omitempty"`
	Transport   *IceUdpTransport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport,omitempty"`
}

// MediaType maps the content name onto the source media kind.
func (c *Content) MediaType() source.MediaType {
	if c.Description != nil && c.Description.Media != "" {
		return source.MediaType(c.Description.Media)
	}
	return source.MediaType(c.Name)
}

// RTPDescription describes the RTP session of one content: codecs, header
// extensions and the advertised sources.
type RTPDescription struct {
	XMLName      xml.Name         `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Media        string           `xml:"media,attr"`
	PayloadTypes []PayloadType    `xml:"payload-type"`
	HdrExts      []RTPHdrExt      `xml:"urn:xmpp:jingle:apps:rtp:rtp-hdrext:0 rtp-hdrext"`
	Sources      []SourceExt      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SourceGroups []SourceGroupExt `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	RTCPMux      *Empty           `xml:"rtcp-mux,omitempty"`
}

// PayloadType is one codec entry of a description.
type PayloadType struct {
	XMLName   xml.Name       `xml:"payload-type"`
	ID        int            `xml:"id,attr"`
	Name      string         `xml:"name,attr,omitempty"`
	ClockRate int            `xml:"clockrate,attr,omitempty"`
	Channels  int            `xml:"channels,attr,omitempty"`
	Params    []Parameter    `xml:"parameter"`
	Feedback  []RTCPFeedback `xml:"urn:xmpp:jingle:apps:rtp:rtcp-fb:0 rtcp-fb"`
}

// Parameter is a name/value pair under a payload type or a source.
type Parameter struct {
	XMLName xml.Name `xml:"parameter"`
	Name    string   `xml:"name,attr,omitempty"`
	Value   string   `xml:"value,attr"`
}

// RTCPFeedback is one rtcp-fb entry of a payload type.
type RTCPFeedback struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:rtp:rtcp-fb:0 rtcp-fb"`
	Type    string   `xml:"type,attr"`
	Subtype string   `xml:"subtype,attr,omitempty"`
}

// RTPHdrExt is one negotiated RTP header extension.
type RTPHdrExt struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:rtp:rtp-hdrext:0 rtp-hdrext"`
	ID      int      `xml:"id,attr"`
	URI     string   `xml:"uri,attr"`
}

// SourceExt is the wire form of one advertised source.
type SourceExt struct {
	XMLName  xml.Name    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SSRC     int64       `xml:"ssrc,attr,omitempty"`
	RID      string      `xml:"rid,attr,omitempty"`
	Params   []Parameter `xml:"parameter"`
	SSRCInfo *SSRCInfo   `xml:"http://jitsi.org/jitmeet ssrc-info,omitempty"`
}

// SSRCInfo carries the owner reference of a source.
type SSRCInfo struct {
	XMLName xml.Name `xml:"http://jitsi.org/jitmeet ssrc-info"`
	Owner   string   `xml:"owner,attr"`
}

// SourceGroupExt is the wire form of one source group.
type SourceGroupExt struct {
	XMLName   xml.Name    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	Semantics string      `xml:"semantics,attr"`
	Sources   []SourceExt `xml:"source"`
}

// IceUdpTransport is the transport element of a content.
type IceUdpTransport struct {
	XMLName      xml.Name      `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
	Ufrag        string        `xml:"ufrag,attr,omitempty"`
	Pwd          string        `xml:"pwd,attr,omitempty"`
	Fingerprints []Fingerprint `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Candidates   []Candidate   `xml:"candidate"`
	RTCPMux      *Empty        `xml:"rtcp-mux,omitempty"`
	SctpMaps     []SctpMap     `xml:"urn:xmpp:jingle:transports:dtls-sctp:1 sctpmap"`
}

// Fingerprint is a DTLS fingerprint entry.
type Fingerprint struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Hash    string   `xml:"hash,attr"`
	Setup   string   `xml:"setup,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

// Candidate is one ICE candidate.
type Candidate struct {
	XMLName    xml.Name `xml:"candidate"`
	ID         string   `xml:"id,attr,omitempty"`
	Foundation string   `xml:"foundation,attr"`
	Component  int      `xml:"component,attr"`
	Protocol   string   `xml:"protocol,attr"`
	Priority   uint32   `xml:"priority,attr"`
	IP         string   `xml:"ip,attr"`
	Port       int      `xml:"port,attr"`
	Type       string   `xml:"type,attr"`
	Generation int      `xml:"generation,attr"`
	Network    int      `xml:"network,attr,omitempty"`
}

// SctpMap advertises the SCTP association of a data content.
type SctpMap struct {
	XMLName  xml.Name `xml:"urn:xmpp:jingle:transports:dtls-sctp:1 sctpmap"`
	Number   int      `xml:"number,attr"`
	Protocol string   `xml:"protocol,attr"`
	Streams  int      `xml:"streams,attr"`
}

// ToSource converts a wire source into the internal model. Parameters
// other than cname and msid are dropped here; nothing downstream sees
// them.
func (s SourceExt) ToSource() source.Source {
	out := source.Source{SSRC: s.SSRC, RID: s.RID}
	for _, p := range s.Params {
		switch p.Name {
		case "cname":
			out.CName = p.Value
		case "msid":
			out.MSID = p.Value
		}
	}
	if s.SSRCInfo != nil {
		out.Owner = source.Owner(s.SSRCInfo.Owner)
	}
	return out
}

// FromSource converts an internal source into its wire form.
func FromSource(s source.Source) SourceExt {
	ext := SourceExt{SSRC: s.SSRC, RID: s.RID}
	if s.CName != "" {
		ext.Params = append(ext.Params, Parameter{Name: "cname", Value: s.CName})
	}
	if s.MSID != "" {
		ext.Params = append(ext.Params, Parameter{Name: "msid", Value: s.MSID})
	}
	if s.Owner != "" {
		ext.SSRCInfo = &SSRCInfo{Owner: string(s.Owner)}
	}
	return ext
}

// FromGroup converts an internal source group into its wire form. Members
// are referenced by ssrc or rid only.
func FromGroup(g source.Group) SourceGroupExt {
	ext := SourceGroupExt{Semantics: g.Semantics}
	for _, member := range g.Sources {
		ext.Sources = append(ext.Sources, SourceExt{SSRC: member.SSRC, RID: member.RID})
	}
	return ext
}

// ExtractSources pulls the advertised sources and groups out of a content
// list, keyed by media kind. Sources with no owner reference are assigned
// the given default owner.
func ExtractSources(contents []Content, defaultOwner source.Owner) (*source.MediaSourceMap, *source.GroupMap) {
	sources := source.NewMediaSourceMap()
	groups := source.NewGroupMap()

	for i := range contents {
		content := &contents[i]
		if content.Description == nil {
			continue
		}
		media := content.MediaType()
		for _, ext := range content.Description.Sources {
			s := ext.ToSource()
			if s.Owner == "" {
				s.Owner = defaultOwner
			}
			sources.AddSource(media, s)
		}
		for _, ext := range content.Description.SourceGroups {
			group := source.Group{Semantics: ext.Semantics}
			for _, member := range ext.Sources {
				ms := member.ToSource()
				if ms.Owner == "" {
					ms.Owner = defaultOwner
				}
				group.Sources = append(group.Sources, ms)
			}
			groups.AddGroup(media, group)
		}
	}
	return sources, groups
}

// InjectSources adds sources and groups to the matching contents of an
// offer. Contents whose media kind has no sources are left as they are.
// The contents slice is modified in place and returned.
func InjectSources(contents []Content, sources *source.MediaSourceMap, groups *source.GroupMap) []Content {
	for i := range contents {
		content := &contents[i]
		if content.Description == nil {
			continue
		}
		media := content.MediaType()
		for _, s := range sources.SourcesForMedia(media) {
			content.Description.Sources = append(content.Description.Sources, FromSource(s))
		}
		if groups != nil {
			for _, g := range groups.GroupsForMedia(media) {
				content.Description.SourceGroups = append(content.Description.SourceGroups, FromGroup(g))
			}
		}
	}
	return contents
}

// SourcesToContents builds a bare content list (descriptions only, no
// codecs or transport) carrying the given sources. Used for source-add and
// source-remove notifications.
func SourcesToContents(sources *source.MediaSourceMap, groups *source.GroupMap) []Content {
	var contents []Content

	medias := sources.Medias()
	if groups != nil {
		for _, media := range groups.Medias() {
			present := false
			for _, m := range medias {
				if m == media {
					present = true
					break
				}
			}
			if !present {
				medias = append(medias, media)
			}
		}
	}

	for _, media := range medias {
		content := Content{
			Creator: "initiator",
			Name:    string(media),
			Description: &RTPDescription{
				Media: string(media),
			},
		}
		contents = append(contents, content)
	}
	return InjectSources(contents, sources, groups)
}
