package source

import "strings"

// Lip-sync merging. Receivers synchronise audio and video only when both
// tracks belong to one media stream, so for targets that support it the
// outgoing source list is rewritten per owner: the audio source adopts the
// stream id of the owner's video msid while keeping its own track id.

// msid is "<stream id> <track id>"; a missing track id leaves the whole
// value as the stream id.
func splitMSID(msid string) (stream, track string) {
	if i := strings.IndexByte(msid, ' '); i >= 0 {
		return msid[:i], msid[i+1:]
	}
	return msid, ""
}

func mergedMSID(videoMSID, audioMSID string) string {
	stream, _ := splitMSID(videoMSID)
	_, track := splitMSID(audioMSID)
	if track == "" {
		return stream
	}
	return stream + " " + track
}

// MergeVideoIntoAudio returns a copy of m in which, for every owner with
// both an audio and a video source, the audio msid shares the video stream
// id. Relay-owned sources are left alone. The input is not modified.
func MergeVideoIntoAudio(m *MediaSourceMap) *MediaSourceMap {
	merged := m.Clone()

	done := make(map[Owner]bool)
	for _, video := range merged.SourcesForMedia(MediaVideo) {
		if video.Owner == "" || video.Owner == OwnerJVB || video.MSID == "" || done[video.Owner] {
			continue
		}
		done[video.Owner] = true

		audioSources := merged.SourcesForMedia(MediaAudio)
		for i := range audioSources {
			if audioSources[i].Owner != video.Owner || audioSources[i].MSID == "" {
				continue
			}
			audioSources[i].MSID = mergedMSID(video.MSID, audioSources[i].MSID)
		}
	}
	return merged
}

// WithSynthesizedAudio prepares a source-add delta for merging: when the
// delta carries video for an owner but no audio, the owner's audio source
// is copied in from the conference-wide state. Without this a video-only
// source-add could not be merged at the far end. The input is not
// modified.
func WithSynthesizedAudio(delta, conferenceWide *MediaSourceMap) *MediaSourceMap {
	prepared := delta.Clone()

	for _, video := range prepared.SourcesForMedia(MediaVideo) {
		if video.Owner == "" || video.Owner == OwnerJVB {
			continue
		}
		if _, ok := prepared.FindSSRCForOwner(MediaAudio, video.Owner); ok {
			continue
		}
		if audio, ok := conferenceWide.FindSSRCForOwner(MediaAudio, video.Owner); ok {
			prepared.AddSource(MediaAudio, audio)
		}
	}
	return prepared
}
