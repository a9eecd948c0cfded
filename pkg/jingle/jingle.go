// Package jingle models the session-protocol payloads the focus exchanges
// with participants: offer contents, source advertisements and the jingle
// IQ envelope itself.
package jingle

import (
	"context"
	"encoding/xml"

	"github.com/jitsi-go/jicofo/pkg/source"
	"mellium.im/xmpp/jid"
)

// Protocol namespaces.
const (
	NSJingle    = "urn:xmpp:jingle:1"
	NSRTP       = "urn:xmpp:jingle:apps:rtp:1"
	NSSourceMgm = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NSRTPHdrExt = "urn:xmpp:jingle:apps:rtp:rtp-hdrext:0"
	NSRTCPFb    = "urn:xmpp:jingle:apps:rtp:rtcp-fb:0"
	NSICEUDP    = "urn:xmpp:jingle:transports:ice-udp:1"
	NSDTLS      = "urn:xmpp:jingle:apps:dtls:0"
	NSSCTP      = "urn:xmpp:jingle:transports:dtls-sctp:1"
	NSGrouping  = "urn:xmpp:jingle:apps:grouping:0"
	NSSSRCInfo  = "http://jitsi.org/jitmeet"
)

// Action is the jingle action attribute.
type Action string

const (
	ActionSessionInitiate  Action = "session-initiate"
	ActionSessionAccept    Action = "session-accept"
	ActionSessionInfo      Action = "session-info"
	ActionSessionTerminate Action = "session-terminate"
	ActionTransportReplace Action = "transport-replace"
	ActionTransportAccept  Action = "transport-accept"
	ActionSourceAdd        Action = "source-add"
	ActionSourceRemove     Action = "source-remove"
)

// IQ is the jingle element carried in an iq stanza.
type IQ struct {
	XMLName    xml.Name    `xml:"urn:xmpp:jingle:1 jingle"`
	Action     Action      `xml:"action,attr"`
	SID        string      `xml:"sid,attr"`
	Initiator  string      `xml:"initiator,attr,omitempty"`
	Responder  string      `xml:"responder,attr,omitempty"`
	Contents   []Content   `xml:"content"`
	Group      *Grouping   `xml:"urn:xmpp:jingle:apps:grouping:0 group,omitempty"`
	StartMuted *StartMuted `xml:"http://jitsi.org/jitmeet/start-muted startmuted,omitempty"`
	Reason     *Reason     `xml:"reason,omitempty"`
}

// StartMuted tells a joining endpoint whether to come up with muted audio
// or video. The same element appears in room presence as the room policy.
type StartMuted struct {
	XMLName xml.Name `xml:"http://jitsi.org/jitmeet/start-muted startmuted"`
	Audio   bool     `xml:"audio,attr"`
	Video   bool     `xml:"video,attr"`
}

// Grouping is the bundle group advertised alongside the contents.
type Grouping struct {
	XMLName   xml.Name       `xml:"urn:xmpp:jingle:apps:grouping:0 group"`
	Semantics string         `xml:"semantics,attr"`
	Contents  []GroupContent `xml:"content"`
}

// GroupContent names one content inside a bundle group.
type GroupContent struct {
	Name string `xml:"name,attr"`
}

// BundleGroup builds the BUNDLE grouping over the given contents.
func BundleGroup(contents []Content) *Grouping {
	group := &Grouping{Semantics: "BUNDLE"}
	for _, c := range contents {
		group.Contents = append(group.Contents, GroupContent{Name: c.Name})
	}
	return group
}

// ReasonCondition is the defined condition inside a terminate reason.
type ReasonCondition string

const (
	ReasonSuccess          ReasonCondition = "success"
	ReasonGone             ReasonCondition = "gone"
	ReasonGeneralError     ReasonCondition = "general-error"
	ReasonFailedTransport  ReasonCondition = "failed-transport"
	ReasonConnectivityErr  ReasonCondition = "connectivity-error"
	ReasonExpired          ReasonCondition = "expired"
	ReasonDecline          ReasonCondition = "decline"
	ReasonBusy             ReasonCondition = "busy"
	ReasonAlternativeRoom  ReasonCondition = "alternative-session"
	ReasonIncompatibleApps ReasonCondition = "incompatible-parameters"
)

// Reason is the terminate reason element.
type Reason struct {
	XMLName   xml.Name `xml:"reason"`
	Condition reasonEl `xml:",any"`
	Text      string   `xml:"text,omitempty"`
}

type reasonEl struct {
	XMLName xml.Name
}

// NewReason builds a reason with the given condition and optional text.
func NewReason(condition ReasonCondition, text string) *Reason {
	return &Reason{
		Condition: reasonEl{XMLName: xml.Name{Local: string(condition)}},
		Text:      text,
	}
}

// ConditionName returns the reason's condition element name.
func (r *Reason) ConditionName() ReasonCondition {
	if r == nil {
		return ""
	}
	return ReasonCondition(r.Condition.XMLName.Local)
}

// Session is a live jingle session with one participant, identified by the
// sid chosen at initiate time.
type Session struct {
	SID  string
	Peer jid.JID
}

// Signaler is the session-protocol adapter. Initiate and replace return
// whether the far end acknowledged within the reply timeout; the remaining
// notifications are fire-and-forget.
type Signaler interface {
	InitiateSession(ctx context.Context, target jid.JID, contents []Content, group *Grouping, startMuted [2]bool) (*Session, bool, error)
	ReplaceTransport(ctx context.Context, session *Session, contents []Content, group *Grouping, startMuted [2]bool) (bool, error)
	SourceAdd(ctx context.Context, session *Session, sources *source.MediaSourceMap, groups *source.GroupMap) error
	SourceRemove(ctx context.Context, session *Session, sources *source.MediaSourceMap, groups *source.GroupMap) error
	TerminateSession(ctx context.Context, session *Session, reason *Reason) error
}
