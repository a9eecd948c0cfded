package source_test

import (
	"testing"

	"github.com/jitsi-go/jicofo/pkg/source"
	"github.com/stretchr/testify/assert"
)

func audioSource(ssrc int64, msid string, owner source.Owner) source.Source {
	return source.Source{SSRC: ssrc, CName: "cname", MSID: msid, Owner: owner}
}

func TestMediaSourceMap_AddSourceDedups(t *testing.T) {
	m := source.NewMediaSourceMap()

	assert.True(t, m.AddSource(source.MediaAudio, audioSource(1001, "s1 a1", "alice")))
	assert.False(t, m.AddSource(source.MediaAudio, audioSource(1001, "other", "bob")), "same ssrc must not be added twice")
	assert.True(t, m.AddSource(source.MediaVideo, source.Source{RID: "h", Owner: "alice"}))
	assert.False(t, m.AddSource(source.MediaVideo, source.Source{RID: "h", Owner: "alice"}), "same rid must not be added twice")

	assert.Equal(t, 2, m.Size())
}

func TestMediaSourceMap_RemoveReturnsWhatWasPresent(t *testing.T) {
	m := source.NewMediaSourceMap()
	m.AddSource(source.MediaAudio, audioSource(1001, "s1 a1", "alice"))
	m.AddSource(source.MediaVideo, audioSource(2001, "s1 v1", "alice"))

	toRemove := source.NewMediaSourceMap()
	toRemove.AddSource(source.MediaAudio, source.Source{SSRC: 1001})
	toRemove.AddSource(source.MediaAudio, source.Source{SSRC: 9999})

	removed := m.Remove(toRemove)
	assert.Equal(t, 1, removed.Size())
	assert.Equal(t, int64(1001), removed.SourcesForMedia(source.MediaAudio)[0].SSRC)
	// The removed entry carries the stored attributes, not the request's.
	assert.Equal(t, "s1 a1", removed.SourcesForMedia(source.MediaAudio)[0].MSID)

	assert.Equal(t, 1, m.Size())
	_, found := m.MediaTypeFor(source.Source{SSRC: 1001})
	assert.False(t, found)
}

func TestMediaSourceMap_InsertionOrderAndMediaOrder(t *testing.T) {
	m := source.NewMediaSourceMap()
	m.AddSource(source.MediaVideo, audioSource(2001, "", "a"))
	m.AddSource(source.MediaAudio, audioSource(1001, "", "a"))
	m.AddSource(source.MediaVideo, audioSource(2002, "", "a"))
	m.AddSource(source.MediaData, audioSource(3001, "", "a"))

	assert.Equal(t, []source.MediaType{source.MediaAudio, source.MediaVideo, source.MediaData}, m.Medias())

	video := m.SourcesForMedia(source.MediaVideo)
	if assert.Len(t, video, 2) {
		assert.Equal(t, int64(2001), video[0].SSRC)
		assert.Equal(t, int64(2002), video[1].SSRC)
	}
}

func TestMediaSourceMap_CloneIsIndependent(t *testing.T) {
	m := source.NewMediaSourceMap()
	m.AddSource(source.MediaAudio, audioSource(1001, "s1 a1", "alice"))

	clone := m.Clone()
	clone.AddSource(source.MediaAudio, audioSource(1002, "s2 a2", "bob"))
	clone.Remove(m)

	assert.Equal(t, 1, m.Size(), "mutating the clone must not touch the original")
	assert.Equal(t, 1, clone.Size())
	assert.Equal(t, int64(1002), clone.SourcesForMedia(source.MediaAudio)[0].SSRC)
}

func TestMediaSourceMap_Finders(t *testing.T) {
	m := source.NewMediaSourceMap()
	m.AddSource(source.MediaAudio, audioSource(1001, "s1 a1", "alice"))
	m.AddSource(source.MediaAudio, audioSource(1002, "s2 a2", "bob"))
	m.AddSource(source.MediaVideo, audioSource(2001, "s1 v1", "alice"))
	m.AddSource(source.MediaVideo, source.Source{RID: "h", Owner: "carol"})

	byMSID := m.FindSourcesWithMSID(source.MediaAudio, "s2 a2")
	if assert.Len(t, byMSID, 1) {
		assert.Equal(t, int64(1002), byMSID[0].SSRC)
	}

	s, ok := m.FindSSRCForOwner(source.MediaVideo, "alice")
	assert.True(t, ok)
	assert.Equal(t, int64(2001), s.SSRC)

	_, ok = m.FindSSRCForOwner(source.MediaVideo, "carol")
	assert.False(t, ok, "rid-only sources have no ssrc to find")

	media, ok := m.MediaTypeFor(source.Source{SSRC: 2001})
	assert.True(t, ok)
	assert.Equal(t, source.MediaVideo, media)

	assert.Equal(t, 2, m.CountForOwner(source.MediaAudio, "alice")+m.CountForOwner(source.MediaAudio, "bob"))
	assert.Equal(t, 2, m.OwnedBy("alice").Size())
}

func TestGroupMap_EquivalenceDedup(t *testing.T) {
	g := source.NewGroupMap()

	fid := source.Group{Semantics: source.SemanticsFid, Sources: []source.Source{{SSRC: 2001}, {SSRC: 2002}}}
	reordered := source.Group{Semantics: source.SemanticsFid, Sources: []source.Source{{SSRC: 2002}, {SSRC: 2001}}}

	assert.True(t, g.AddGroup(source.MediaVideo, fid))
	assert.False(t, g.AddGroup(source.MediaVideo, reordered), "same member set is the same group")
	assert.Equal(t, 1, g.Size())

	toRemove := source.NewGroupMap()
	toRemove.AddGroup(source.MediaVideo, reordered)
	removed := g.Remove(toRemove)
	assert.Equal(t, 1, removed.Size())
	assert.True(t, g.IsEmpty())
}

func TestSimulcasts(t *testing.T) {
	groups := []source.Group{
		{Semantics: source.SemanticsSim, Sources: []source.Source{{SSRC: 1}, {SSRC: 2}, {SSRC: 3}}},
		{Semantics: source.SemanticsFid, Sources: []source.Source{{SSRC: 1}, {SSRC: 11}}},
		{Semantics: source.SemanticsFid, Sources: []source.Source{{SSRC: 2}, {SSRC: 12}}},
		{Semantics: source.SemanticsFid, Sources: []source.Source{{SSRC: 40}, {SSRC: 41}}},
	}

	simulcasts := source.Simulcasts(groups)
	if assert.Len(t, simulcasts, 1) {
		grouping := simulcasts[0]
		assert.Len(t, grouping.Fid, 2, "only FID groups anchored at a SIM member attach")
		assert.True(t, grouping.Contains(11), "attached FID members belong to the grouping")
		assert.False(t, grouping.Contains(40))
		assert.False(t, grouping.UsesRID())
	}

	ridSim := []source.Group{
		{Semantics: source.SemanticsSim, Sources: []source.Source{{RID: "l"}, {RID: "h"}}},
	}
	assert.True(t, source.Simulcasts(ridSim)[0].UsesRID())
}
