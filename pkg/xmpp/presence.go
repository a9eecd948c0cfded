package xmpp

import (
	"encoding/xml"

	"github.com/jitsi-go/jicofo/pkg/conference"
	"github.com/jitsi-go/jicofo/pkg/conference/participant"
	"github.com/jitsi-go/jicofo/pkg/jingle"
	"mellium.im/xmpp/jid"
)

// OccupantPresence is the decoded shape of a MUC occupant presence: the
// muc#user envelope the room service attaches plus the extensions jitsi
// endpoints and videobridges publish alongside it.
type OccupantPresence struct {
	XMLName    xml.Name           `xml:"presence"`
	User       *MUCUser           `xml:"http://jabber.org/protocol/muc#user x"`
	Region     *Region            `xml:"http://jitsi.org/jitsi-meet region"`
	StatsID    string             `xml:"stats-id"`
	StartMuted *jingle.StartMuted `xml:"http://jitsi.org/jitmeet/start-muted startmuted"`
	Stats      *ColibriStats      `xml:"http://jitsi.org/protocol/colibri stats"`
}

// MUCUser is the muc#user extension of an occupant presence.
type MUCUser struct {
	XMLName xml.Name    `xml:"http://jabber.org/protocol/muc#user x"`
	Item    *MUCItem    `xml:"item"`
	Status  []MUCStatus `xml:"status"`
	Destroy *MUCDestroy `xml:"destroy"`
}

// MUCItem carries the occupant's role and, in non-anonymous rooms, the
// real address.
type MUCItem struct {
	XMLName     xml.Name `xml:"item"`
	Affiliation string   `xml:"affiliation,attr"`
	Role        string   `xml:"role,attr"`
	JID         string   `xml:"jid,attr"`
	Nick        string   `xml:"nick,attr"`
}

// MUCStatus is one status code of a muc#user envelope.
type MUCStatus struct {
	XMLName xml.Name `xml:"status"`
	Code    int      `xml:"code,attr"`
}

// MUCDestroy marks the room as destroyed by its owner.
type MUCDestroy struct {
	XMLName xml.Name `xml:"destroy"`
	Reason  string   `xml:"reason"`
}

// StatusSelfPresence is the status code marking an occupant's own
// presence echo.
const StatusSelfPresence = 110

// HasStatus reports whether the envelope carries the given status code.
func (u *MUCUser) HasStatus(code int) bool {
	if u == nil {
		return false
	}
	for _, status := range u.Status {
		if status.Code == code {
			return true
		}
	}
	return false
}

// RealJID returns the occupant's real address when the room discloses it,
// or the zero JID.
func (u *MUCUser) RealJID() jid.JID {
	if u == nil || u.Item == nil || u.Item.JID == "" {
		return jid.JID{}
	}
	j, err := jid.Parse(u.Item.JID)
	if err != nil {
		return jid.JID{}
	}
	return j
}

// Role returns the occupant's chat-room role. Roles are opaque strings;
// only the moderator value carries meaning downstream.
func (u *MUCUser) Role() participant.Role {
	if u == nil || u.Item == nil {
		return ""
	}
	return participant.Role(u.Item.Role)
}

// Region is the region advertisement of a jitsi endpoint.
type Region struct {
	XMLName xml.Name `xml:"http://jitsi.org/jitsi-meet region"`
	ID      string   `xml:"id,attr"`
}

// ColibriStats is the stats extension a videobridge publishes in its
// brewery presence.
type ColibriStats struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/colibri stats"`
	Stats   []Stat   `xml:"stat"`
}

// Stat is one name/value entry of a stats extension.
type Stat struct {
	XMLName xml.Name `xml:"stat"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// Map flattens the stat list into the form the discovery callbacks carry.
func (s *ColibriStats) Map() map[string]string {
	if s == nil {
		return nil
	}
	out := make(map[string]string, len(s.Stats))
	for _, stat := range s.Stats {
		out[stat.Name] = stat.Value
	}
	return out
}

// MemberInfo converts the decoded presence into the member descriptor the
// conference layer consumes.
func (p *OccupantPresence) MemberInfo() conference.MemberInfo {
	info := conference.MemberInfo{
		Role:    p.User.Role(),
		StatsID: p.StatsID,
	}
	if p.Region != nil {
		info.Region = p.Region.ID
	}
	if p.StartMuted != nil {
		info.StartMuted = [2]bool{p.StartMuted.Audio, p.StartMuted.Video}
	}
	return info
}
