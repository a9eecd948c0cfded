package participant_test

import (
	"testing"

	"github.com/jitsi-go/jicofo/pkg/colibri"
	"github.com/jitsi-go/jicofo/pkg/conference/participant"
	"github.com/jitsi-go/jicofo/pkg/jingle"
	"github.com/jitsi-go/jicofo/pkg/source"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func newParticipant(t *testing.T, nick string) *participant.Participant {
	t.Helper()
	occupant := jid.MustParse("room@conference.example.com/" + nick)
	return participant.New(occupant, "", 8, testLogger())
}

func TestParticipantLifecycle(t *testing.T) {
	p := newParticipant(t, "p1")

	assert.Equal(t, "p1", p.Endpoint())
	assert.Equal(t, participant.StateJoined, p.State())
	assert.False(t, p.IsEstablished())

	require.Error(t, p.Establish(), "establish before invite must fail")

	require.NoError(t, p.StartInvite())
	assert.Equal(t, participant.StateInviting, p.State())

	require.NoError(t, p.Establish())
	assert.True(t, p.IsEstablished())

	// Re-invite is allowed from the established state.
	require.NoError(t, p.StartInvite())
	assert.Equal(t, participant.StateInviting, p.State())
	require.NoError(t, p.Establish())

	require.NoError(t, p.Leave())
	assert.Equal(t, participant.StateLeaving, p.State())
	require.Error(t, p.StartInvite(), "invite after leave must fail")

	require.NoError(t, p.Gone())
	assert.Equal(t, participant.StateGone, p.State())
}

func TestPendingQueuesKeepAddAndRemove(t *testing.T) {
	p := newParticipant(t, "p1")
	assert.False(t, p.HasPending())

	delta := source.NewMediaSourceMap()
	delta.AddSource(source.MediaAudio, source.Source{SSRC: 1001, MSID: "s1", CName: "c1", Owner: "o1"})

	// A source added and then removed before establishment stays in
	// both queues.
	p.QueueRemoteAdd(delta, nil)
	p.QueueRemoteRemove(delta, nil)
	assert.True(t, p.HasPending())

	add, addGroups, remove, removeGroups := p.DrainPending()
	assert.Equal(t, 1, add.Size())
	assert.Equal(t, 1, remove.Size())
	assert.True(t, addGroups.IsEmpty())
	assert.True(t, removeGroups.IsEmpty())
	assert.False(t, p.HasPending())

	add, _, remove, _ = p.DrainPending()
	assert.True(t, add.IsEmpty())
	assert.True(t, remove.IsEmpty())
}

func TestReplaceAllocatorCancelsPredecessor(t *testing.T) {
	p := newParticipant(t, "p1")

	first := &fakeAllocator{}
	second := &fakeAllocator{}

	p.ReplaceAllocator(first)
	assert.Zero(t, first.cancelled)

	p.ReplaceAllocator(second)
	assert.Equal(t, 1, first.cancelled)
	assert.Zero(t, second.cancelled)

	// A stale allocator cannot detach its successor.
	p.ClearAllocator(first)
	assert.Same(t, second, p.Allocator())

	p.ClearAllocator(second)
	assert.Nil(t, p.Allocator())
}

func TestModeratorRole(t *testing.T) {
	p := newParticipant(t, "p1")
	assert.False(t, p.IsModerator())

	p.SetRole(participant.RoleModerator)
	assert.True(t, p.IsModerator())

	p.SetRole("visitor")
	assert.False(t, p.IsModerator())
}

func TestFeatureSetDefaults(t *testing.T) {
	features := participant.DefaultFeatureSet()

	assert.True(t, features.SupportsAudio())
	assert.True(t, features.SupportsVideo())
	assert.True(t, features.SupportsICE())
	assert.True(t, features.SupportsDTLS())
	assert.True(t, features.SupportsSCTP())
	assert.True(t, features.SupportsBundle())
	assert.True(t, features.SupportsRTCPMux())

	assert.False(t, features.SupportsRTX())
	assert.False(t, features.SupportsLipSync())
	assert.False(t, features.SupportsTCC())
	assert.False(t, features.SupportsOpusRed())

	custom := participant.NewFeatureSet([]string{jingle.FeatureAudio, jingle.FeatureLipSync})
	assert.True(t, custom.SupportsLipSync())
	assert.False(t, custom.SupportsVideo())
}

func TestOctoEstablishedOnFirstAllocation(t *testing.T) {
	o := participant.NewOcto(jid.MustParse("jvb1.example.com"), "relay-1", testLogger())

	assert.Equal(t, "octo-relay-1", o.Endpoint())
	assert.False(t, o.IsSessionEstablished())

	o.SetAllocation(&colibri.ChannelAllocation{ConferenceID: "cid"})
	assert.True(t, o.IsSessionEstablished())

	o.SetAllocation(nil)
	assert.True(t, o.IsSessionEstablished(), "established survives allocation churn")
}

func TestOctoSourceContainers(t *testing.T) {
	o := participant.NewOcto(jid.MustParse("jvb1.example.com"), "relay-1", testLogger())
	o.SetRelays([]string{"relay-2", "relay-3"})
	assert.Equal(t, []string{"relay-2", "relay-3"}, o.Relays())

	first := source.NewMediaSourceMap()
	first.AddSource(source.MediaAudio, source.Source{SSRC: 1, MSID: "s1", CName: "c1", Owner: "o1"})
	o.AddSources(first, nil)
	assert.Equal(t, 1, o.Sources().Size())

	// UpdateSources replaces wholesale.
	replacement := source.NewMediaSourceMap()
	replacement.AddSource(source.MediaVideo, source.Source{SSRC: 2, MSID: "s2", CName: "c2", Owner: "o2"})
	o.UpdateSources(replacement, nil)
	assert.Equal(t, 1, o.Sources().Size())
	assert.Empty(t, o.Sources().SourcesForMedia(source.MediaAudio))

	o.RemoveSources(replacement, nil)
	assert.True(t, o.Sources().IsEmpty())
}

type fakeAllocator struct {
	cancelled int
}

func (f *fakeAllocator) Cancel() {
	f.cancelled++
}
