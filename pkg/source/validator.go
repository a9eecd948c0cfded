package source

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ValidationError rejects a whole source change. The reason is propagated
// back to the signalling layer verbatim.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validator checks one source change (add or remove) of a single owner
// against the conference-wide source state. A Validator is built per change
// attempt; the caller serialises changes per conference.
type Validator struct {
	conference         *MediaSourceMap
	conferenceGroup    *GroupMap
	owner              Owner
	maxSourcesPerOwner int
	logger             *logrus.Entry
}

// NewValidator builds a validator for one change by the given owner.
// conference and groups are the current conference-wide state; they are
// cloned internally and never mutated.
func NewValidator(conference *MediaSourceMap, groups *GroupMap, owner Owner, maxSourcesPerOwner int, logger *logrus.Entry) *Validator {
	return &Validator{
		conference:         conference,
		conferenceGroup:    groups,
		owner:              owner,
		maxSourcesPerOwner: maxSourcesPerOwner,
		logger:             logger,
	}
}

// TryAdd validates an addition. It returns the sources and groups actually
// accepted, which the caller merges into the conference state. Sources past
// the per-owner cap and duplicate or empty groups are dropped without
// failing the change; structural violations reject the whole change.
func (v *Validator) TryAdd(newSources *MediaSourceMap, newGroups *GroupMap) (*MediaSourceMap, *GroupMap, error) {
	work := v.conference.Clone()
	workGroups := v.conferenceGroup.Clone()
	accepted := NewMediaSourceMap()
	acceptedGroups := NewGroupMap()

	if newSources != nil {
		for _, media := range newSources.Medias() {
			for _, s := range newSources.SourcesForMedia(media) {
				if !s.HasSSRC() && s.RID == "" {
					return nil, nil, invalid("source with no ssrc and no rid")
				}
				if s.HasSSRC() && (s.SSRC < 1 || s.SSRC > MaxSSRC) {
					return nil, nil, invalid("illegal SSRC value: %d", s.SSRC)
				}
				if _, ok := work.MediaTypeFor(s); ok {
					return nil, nil, invalid("source already advertised: %s", s.Key())
				}
				if work.CountForOwner(media, s.Owner) >= v.maxSourcesPerOwner {
					if v.logger != nil {
						v.logger.WithFields(logrus.Fields{
							"media": media,
							"owner": s.Owner,
						}).Warnf("dropping source %s: cap of %d reached", s.Key(), v.maxSourcesPerOwner)
					}
					continue
				}
				work.AddSource(media, s)
				accepted.AddSource(media, s)
			}
		}
	}

	if newGroups != nil {
		for _, media := range newGroups.Medias() {
			for _, g := range newGroups.GroupsForMedia(media) {
				if g.IsEmpty() {
					if v.logger != nil {
						v.logger.Warnf("ignoring empty %s group", g.Semantics)
					}
					continue
				}
				if workGroups.AddGroup(media, g) {
					acceptedGroups.AddGroup(media, g)
				}
			}
		}
	}

	if err := validate(work, workGroups); err != nil {
		return nil, nil, err
	}
	return accepted, acceptedGroups, nil
}

// TryRemove validates a removal. It returns the sources and groups actually
// removed, restricted to what was present in the conference state. Removing
// a source still referenced by a remaining group rejects the change.
func (v *Validator) TryRemove(sources *MediaSourceMap, groups *GroupMap) (*MediaSourceMap, *GroupMap, error) {
	work := v.conference.Clone()
	workGroups := v.conferenceGroup.Clone()

	removed := work.Remove(sources)
	removedGroups := workGroups.Remove(groups)
	if removed.IsEmpty() && removedGroups.IsEmpty() {
		return removed, removedGroups, nil
	}

	if err := validate(work, workGroups); err != nil {
		return nil, nil, err
	}
	return removed, removedGroups, nil
}

// validate checks the structural invariants of a whole source state. The
// error text of every msid violation mentions MSID so that signalling
// errors are recognisable at the far end.
func validate(sources *MediaSourceMap, groups *GroupMap) error {
	// Every ssrc-bearing group member must be an advertised source. The
	// stream parameters live on the sources; pull them into the group
	// members so the checks below see them.
	for _, media := range groups.Medias() {
		memberGroups := groups.GroupsForMedia(media)
		for gi := range memberGroups {
			g := &memberGroups[gi]
			for mi := range g.Sources {
				member := &g.Sources[mi]
				if !member.HasSSRC() {
					continue
				}
				found := false
				for _, s := range sources.SourcesForMedia(media) {
					if s.SSRC == member.SSRC {
						member.CName = s.CName
						member.MSID = s.MSID
						member.Owner = s.Owner
						found = true
						break
					}
				}
				if !found {
					return invalid("group member SSRC %d is not an advertised source", member.SSRC)
				}
			}
		}
	}

	for _, media := range groups.Medias() {
		for _, g := range groups.GroupsForMedia(media) {
			var msid string
			first := true
			for _, member := range g.Sources {
				if !member.HasSSRC() {
					continue
				}
				if member.MSID == "" {
					return invalid("grouped SSRC %d has no MSID", member.SSRC)
				}
				if first {
					msid = member.MSID
					first = false
				} else if member.MSID != msid {
					return invalid("MSID mismatch in %s group: %q and %q", g.Semantics, msid, member.MSID)
				}
			}
		}
	}

	for _, media := range groups.Medias() {
		memberGroups := groups.GroupsForMedia(media)
		simulcasts := Simulcasts(memberGroups)

		// The msid of an ssrc-signalled simulcast grouping is exclusive
		// to the grouping.
		for _, grouping := range simulcasts {
			if grouping.UsesRID() {
				continue
			}
			msid := grouping.MSID()
			if msid == "" {
				continue
			}
			for _, s := range sources.SourcesForMedia(media) {
				if s.HasSSRC() && s.MSID == msid && !grouping.Contains(s.SSRC) {
					return invalid("MSID of simulcast grouping %q reused by SSRC %d outside the grouping", msid, s.SSRC)
				}
			}
		}

		// Independent FID groups (retransmission pairs without simulcast)
		// must carry distinct msids.
		attached := attachedFids(simulcasts)
		var independent []Group
		for _, g := range memberGroups {
			if g.Semantics == SemanticsFid && !attached[g.String()] {
				independent = append(independent, g)
			}
		}
		for i := 0; i < len(independent); i++ {
			for j := i + 1; j < len(independent); j++ {
				if independent[i].MSID() != "" && independent[i].MSID() == independent[j].MSID() {
					return invalid("MSID conflict between FID groups %s and %s", independent[i], independent[j])
				}
			}
		}
	}

	// Ungrouped sources of one media kind must not share a non-empty msid.
	for _, media := range sources.Medias() {
		grouped := func(ssrc int64) bool {
			for _, g := range groups.GroupsForMedia(media) {
				if g.Contains(ssrc) {
					return true
				}
			}
			return false
		}
		mediaSources := sources.SourcesForMedia(media)
		for i := 0; i < len(mediaSources); i++ {
			if !mediaSources[i].HasSSRC() || mediaSources[i].MSID == "" || grouped(mediaSources[i].SSRC) {
				continue
			}
			for j := i + 1; j < len(mediaSources); j++ {
				if !mediaSources[j].HasSSRC() || grouped(mediaSources[j].SSRC) {
					continue
				}
				if mediaSources[i].MSID == mediaSources[j].MSID {
					return invalid("MSID %q shared by ungrouped SSRCs %d and %d", mediaSources[i].MSID, mediaSources[i].SSRC, mediaSources[j].SSRC)
				}
			}
		}
	}

	return nil
}
