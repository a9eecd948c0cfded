package source

import (
	"fmt"
	"strings"
)

// mediaOrder fixes the iteration order of media kinds so that offers and
// logs are deterministic.
var mediaOrder = []MediaType{MediaAudio, MediaVideo, MediaData}

func orderedMedias(present func(MediaType) bool, extra []MediaType) []MediaType {
	var medias []MediaType
	for _, media := range mediaOrder {
		if present(media) {
			medias = append(medias, media)
		}
	}
	for _, media := range extra {
		if !present(media) {
			continue
		}
		known := false
		for _, m := range mediaOrder {
			if m == media {
				known = true
				break
			}
		}
		if !known {
			medias = append(medias, media)
		}
	}
	return medias
}

// MediaSourceMap holds the sources of a signalling unit (a participant, a
// delta or the whole conference), grouped by media kind. Insertion order is
// preserved within each media kind.
//
// Accessors return views backed by internal storage. Callers that hold on
// to a result across mutations must Clone first.
type MediaSourceMap struct {
	sources map[MediaType][]Source
	extra   []MediaType
}

// NewMediaSourceMap returns an empty map.
func NewMediaSourceMap() *MediaSourceMap {
	return &MediaSourceMap{sources: make(map[MediaType][]Source)}
}

// AddSource appends a source to the given media kind. Sources already
// present under the same media kind (by dedup key) are skipped; the return
// value reports whether the source was added.
func (m *MediaSourceMap) AddSource(media MediaType, s Source) bool {
	for _, existing := range m.sources[media] {
		if existing.Key() == s.Key() {
			return false
		}
	}
	if _, ok := m.sources[media]; !ok {
		m.extra = append(m.extra, media)
	}
	m.sources[media] = append(m.sources[media], s)
	return true
}

// Add merges all sources of o into m, skipping duplicates.
func (m *MediaSourceMap) Add(o *MediaSourceMap) {
	if o == nil {
		return
	}
	for _, media := range o.Medias() {
		for _, s := range o.sources[media] {
			m.AddSource(media, s)
		}
	}
}

// Remove deletes from m every source of o that is present (matched by dedup
// key) and returns the map of sources actually removed.
func (m *MediaSourceMap) Remove(o *MediaSourceMap) *MediaSourceMap {
	removed := NewMediaSourceMap()
	if o == nil {
		return removed
	}
	for _, media := range o.Medias() {
		if _, ok := m.sources[media]; !ok {
			continue
		}
		for _, s := range o.sources[media] {
			kept := m.sources[media][:0]
			for _, existing := range m.sources[media] {
				if existing.Key() == s.Key() {
					removed.AddSource(media, existing)
				} else {
					kept = append(kept, existing)
				}
			}
			m.sources[media] = kept
		}
	}
	return removed
}

// Medias returns the media kinds present, audio and video and data first,
// then any other kind in insertion order.
func (m *MediaSourceMap) Medias() []MediaType {
	return orderedMedias(func(media MediaType) bool {
		return len(m.sources[media]) > 0
	}, m.extra)
}

// SourcesForMedia returns the sources of one media kind in insertion order.
// The returned slice is a view; callers must not mutate it.
func (m *MediaSourceMap) SourcesForMedia(media MediaType) []Source {
	return m.sources[media]
}

// FindSourcesWithMSID returns the sources of a media kind carrying the
// given msid.
func (m *MediaSourceMap) FindSourcesWithMSID(media MediaType, msid string) []Source {
	var found []Source
	for _, s := range m.sources[media] {
		if s.MSID == msid {
			found = append(found, s)
		}
	}
	return found
}

// FindSSRCForOwner returns the first ssrc-bearing source of the given owner
// under one media kind.
func (m *MediaSourceMap) FindSSRCForOwner(media MediaType, owner Owner) (Source, bool) {
	for _, s := range m.sources[media] {
		if s.Owner == owner && s.HasSSRC() {
			return s, true
		}
	}
	return Source{}, false
}

// MediaTypeFor returns the media kind under which a source with the same
// dedup key is stored.
func (m *MediaSourceMap) MediaTypeFor(s Source) (MediaType, bool) {
	for _, media := range m.Medias() {
		for _, existing := range m.sources[media] {
			if existing.Key() == s.Key() {
				return media, true
			}
		}
	}
	return "", false
}

// OwnedBy returns a new map holding only the sources of the given owner.
func (m *MediaSourceMap) OwnedBy(owner Owner) *MediaSourceMap {
	owned := NewMediaSourceMap()
	for _, media := range m.Medias() {
		for _, s := range m.sources[media] {
			if s.Owner == owner {
				owned.AddSource(media, s)
			}
		}
	}
	return owned
}

// CountForOwner returns how many sources the given owner has under one
// media kind.
func (m *MediaSourceMap) CountForOwner(media MediaType, owner Owner) int {
	count := 0
	for _, s := range m.sources[media] {
		if s.Owner == owner {
			count++
		}
	}
	return count
}

// Size returns the total number of sources across all media kinds.
func (m *MediaSourceMap) Size() int {
	total := 0
	for _, sources := range m.sources {
		total += len(sources)
	}
	return total
}

// IsEmpty reports whether the map holds no sources.
func (m *MediaSourceMap) IsEmpty() bool {
	return m.Size() == 0
}

// Clone returns a deep copy sharing no storage with m.
func (m *MediaSourceMap) Clone() *MediaSourceMap {
	clone := NewMediaSourceMap()
	for _, media := range m.Medias() {
		sources := make([]Source, len(m.sources[media]))
		copy(sources, m.sources[media])
		clone.sources[media] = sources
	}
	clone.extra = append([]MediaType(nil), m.extra...)
	return clone
}

func (m *MediaSourceMap) String() string {
	var parts []string
	for _, media := range m.Medias() {
		var keys []string
		for _, s := range m.sources[media] {
			keys = append(keys, s.Key())
		}
		parts = append(parts, fmt.Sprintf("%s:[%s]", media, strings.Join(keys, " ")))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// GroupMap holds source groups by media kind, preserving insertion order.
type GroupMap struct {
	groups map[MediaType][]Group
	extra  []MediaType
}

// NewGroupMap returns an empty group map.
func NewGroupMap() *GroupMap {
	return &GroupMap{groups: make(map[MediaType][]Group)}
}

// AddGroup appends a group under the given media kind. Groups equivalent to
// one already present are skipped; the return value reports whether the
// group was added.
func (g *GroupMap) AddGroup(media MediaType, group Group) bool {
	for _, existing := range g.groups[media] {
		if existing.Equivalent(group) {
			return false
		}
	}
	if _, ok := g.groups[media]; !ok {
		g.extra = append(g.extra, media)
	}
	g.groups[media] = append(g.groups[media], group.Copy())
	return true
}

// Add merges all groups of o into g, skipping equivalents.
func (g *GroupMap) Add(o *GroupMap) {
	if o == nil {
		return
	}
	for _, media := range o.Medias() {
		for _, group := range o.groups[media] {
			g.AddGroup(media, group)
		}
	}
}

// Remove deletes every group of o that has an equivalent in g and returns
// the groups actually removed.
func (g *GroupMap) Remove(o *GroupMap) *GroupMap {
	removed := NewGroupMap()
	if o == nil {
		return removed
	}
	for _, media := range o.Medias() {
		if _, ok := g.groups[media]; !ok {
			continue
		}
		for _, group := range o.groups[media] {
			kept := g.groups[media][:0]
			for _, existing := range g.groups[media] {
				if existing.Equivalent(group) {
					removed.AddGroup(media, existing)
				} else {
					kept = append(kept, existing)
				}
			}
			g.groups[media] = kept
		}
	}
	return removed
}

// Medias returns the media kinds present, in the same order as
// MediaSourceMap.Medias.
func (g *GroupMap) Medias() []MediaType {
	return orderedMedias(func(media MediaType) bool {
		return len(g.groups[media]) > 0
	}, g.extra)
}

// GroupsForMedia returns the groups of one media kind in insertion order.
// The returned slice is a view; callers must not mutate it.
func (g *GroupMap) GroupsForMedia(media MediaType) []Group {
	return g.groups[media]
}

// OwnedBy returns a new map holding only the groups whose first member
// belongs to the given owner.
func (g *GroupMap) OwnedBy(owner Owner) *GroupMap {
	owned := NewGroupMap()
	for _, media := range g.Medias() {
		for _, group := range g.groups[media] {
			if !group.IsEmpty() && group.First().Owner == owner {
				owned.AddGroup(media, group)
			}
		}
	}
	return owned
}

// Size returns the total number of groups across all media kinds.
func (g *GroupMap) Size() int {
	total := 0
	for _, groups := range g.groups {
		total += len(groups)
	}
	return total
}

// IsEmpty reports whether the map holds no groups.
func (g *GroupMap) IsEmpty() bool {
	return g.Size() == 0
}

// Clone returns a deep copy sharing no storage with g.
func (g *GroupMap) Clone() *GroupMap {
	clone := NewGroupMap()
	for _, media := range g.Medias() {
		groups := make([]Group, 0, len(g.groups[media]))
		for _, group := range g.groups[media] {
			groups = append(groups, group.Copy())
		}
		clone.groups[media] = groups
	}
	clone.extra = append([]MediaType(nil), g.extra...)
	return clone
}

func (g *GroupMap) String() string {
	var parts []string
	for _, media := range g.Medias() {
		var groups []string
		for _, group := range g.groups[media] {
			groups = append(groups, group.String())
		}
		parts = append(parts, fmt.Sprintf("%s:[%s]", media, strings.Join(groups, " ")))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
