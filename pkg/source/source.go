package source

import (
	"fmt"
	"strings"

	"mellium.im/xmpp/jid"
)

// MediaType is the media kind a source belongs to.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
	MediaData  MediaType = "data"
)

// MaxSSRC is the largest value representable in the 32-bit SSRC field.
const MaxSSRC = int64(0xFFFFFFFF)

// Owner identifies who advertised a source: the occupant JID of a
// participant, or the literal "jvb" for relay-owned mixed sources.
type Owner string

// OwnerJVB marks sources owned by the videobridge itself.
const OwnerJVB Owner = "jvb"

// OwnerOf derives the owner tag for a participant occupant JID.
func OwnerOf(occupant jid.JID) Owner {
	return Owner(occupant.String())
}

// Source is a single RTP stream identifier: an SSRC and/or a rid, plus the
// two stream-level parameters the focus preserves (cname and msid) and the
// owner reference. Any other parameter of the wire representation is
// stripped before a Source is constructed.
type Source struct {
	SSRC  int64
	RID   string
	CName string
	MSID  string
	Owner Owner
}

// HasSSRC reports whether the source is ssrc-signalled.
func (s Source) HasSSRC() bool {
	return s.SSRC != 0
}

// Key is the dedup identity of a source: the ssrc when present, the rid
// otherwise.
func (s Source) Key() string {
	if s.HasSSRC() {
		return fmt.Sprintf("ssrc:%d", s.SSRC)
	}
	return "rid:" + s.RID
}

func (s Source) String() string {
	var b strings.Builder
	b.WriteString("[")
	if s.HasSSRC() {
		fmt.Fprintf(&b, "ssrc=%d", s.SSRC)
	} else {
		fmt.Fprintf(&b, "rid=%s", s.RID)
	}
	if s.MSID != "" {
		fmt.Fprintf(&b, " msid=%s", s.MSID)
	}
	if s.Owner != "" {
		fmt.Fprintf(&b, " owner=%s", s.Owner)
	}
	b.WriteString("]")
	return b.String()
}

// Group semantics tags.
const (
	SemanticsSim   = "SIM"
	SemanticsFid   = "FID"
	SemanticsFecFr = "FEC-FR"
)

// Group is a source group: a semantics tag plus an ordered list of member
// sources.
type Group struct {
	Semantics string
	Sources   []Source
}

// IsEmpty reports whether the group has no members.
func (g Group) IsEmpty() bool {
	return len(g.Sources) == 0
}

// First returns the first member of the group.
func (g Group) First() Source {
	if g.IsEmpty() {
		return Source{}
	}
	return g.Sources[0]
}

// MSID returns the msid shared by the group members: the msid of the first
// ssrc-bearing member. Validation guarantees all members agree.
func (g Group) MSID() string {
	for _, s := range g.Sources {
		if s.HasSSRC() {
			return s.MSID
		}
	}
	return ""
}

// Contains reports whether the group has a member with the given ssrc.
func (g Group) Contains(ssrc int64) bool {
	for _, s := range g.Sources {
		if s.SSRC == ssrc {
			return true
		}
	}
	return false
}

// Equivalent reports whether two groups describe the same grouping: equal
// semantics and the same member set.
func (g Group) Equivalent(o Group) bool {
	if g.Semantics != o.Semantics || len(g.Sources) != len(o.Sources) {
		return false
	}

	keys := make(map[string]bool, len(g.Sources))
	for _, s := range g.Sources {
		keys[s.Key()] = true
	}
	for _, s := range o.Sources {
		if !keys[s.Key()] {
			return false
		}
	}
	return true
}

// Copy returns a deep copy of the group.
func (g Group) Copy() Group {
	members := make([]Source, len(g.Sources))
	copy(members, g.Sources)
	return Group{Semantics: g.Semantics, Sources: members}
}

func (g Group) String() string {
	members := make([]string, 0, len(g.Sources))
	for _, s := range g.Sources {
		members = append(members, s.Key())
	}
	return fmt.Sprintf("%s(%s)", g.Semantics, strings.Join(members, " "))
}

// Simulcast is a computed view combining one SIM group with the per-layer
// FID groups whose first ssrc is a SIM member.
type Simulcast struct {
	Sim Group
	Fid []Group
}

// Simulcasts computes the simulcast groupings present in a group list.
func Simulcasts(groups []Group) []Simulcast {
	var result []Simulcast
	for _, g := range groups {
		if g.Semantics != SemanticsSim {
			continue
		}

		grouping := Simulcast{Sim: g.Copy()}
		for _, fid := range groups {
			if fid.Semantics == SemanticsFid && !fid.IsEmpty() && g.Contains(fid.First().SSRC) {
				grouping.Fid = append(grouping.Fid, fid.Copy())
			}
		}
		result = append(result, grouping)
	}
	return result
}

// MSID returns the msid of the grouping's SIM group.
func (s Simulcast) MSID() string {
	return s.Sim.MSID()
}

// Contains reports whether the ssrc belongs to the grouping (SIM members or
// any attached FID member).
func (s Simulcast) Contains(ssrc int64) bool {
	if s.Sim.Contains(ssrc) {
		return true
	}
	for _, fid := range s.Fid {
		if fid.Contains(ssrc) {
			return true
		}
	}
	return false
}

// UsesRID reports whether the grouping is rid-signalled rather than
// ssrc-signalled.
func (s Simulcast) UsesRID() bool {
	for _, m := range s.Sim.Sources {
		if m.HasSSRC() {
			return false
		}
	}
	return len(s.Sim.Sources) > 0
}

// FID groups attached to any simulcast grouping in the list.
func attachedFids(simulcasts []Simulcast) map[string]bool {
	attached := make(map[string]bool)
	for _, grouping := range simulcasts {
		for _, fid := range grouping.Fid {
			attached[fid.String()] = true
		}
	}
	return attached
}
