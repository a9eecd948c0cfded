package participant

import "github.com/jitsi-go/jicofo/pkg/jingle"

// FeatureSet is the set of disco features a peer advertised. The zero
// value has no features; use DefaultFeatureSet for the
// assume-the-basics fallback.
type FeatureSet struct {
	vars map[string]bool
}

// NewFeatureSet builds a set from discovered feature vars.
func NewFeatureSet(vars []string) FeatureSet {
	set := make(map[string]bool, len(vars))
	for _, v := range vars {
		set[v] = true
	}
	return FeatureSet{vars: set}
}

// DefaultFeatureSet is what a peer is assumed to support when discovery
// fails: the plain audio/video baseline without the optional extras.
func DefaultFeatureSet() FeatureSet {
	return NewFeatureSet(jingle.DefaultFeatures())
}

// Has reports whether the peer advertised the feature var.
func (f FeatureSet) Has(v string) bool {
	return f.vars[v]
}

// Empty reports whether nothing was discovered.
func (f FeatureSet) Empty() bool {
	return len(f.vars) == 0
}

func (f FeatureSet) SupportsAudio() bool   { return f.Has(jingle.FeatureAudio) }
func (f FeatureSet) SupportsVideo() bool   { return f.Has(jingle.FeatureVideo) }
func (f FeatureSet) SupportsICE() bool     { return f.Has(jingle.FeatureICE) }
func (f FeatureSet) SupportsDTLS() bool    { return f.Has(jingle.FeatureDTLS) }
func (f FeatureSet) SupportsSCTP() bool    { return f.Has(jingle.FeatureSCTP) }
func (f FeatureSet) SupportsRTX() bool     { return f.Has(jingle.FeatureRTX) }
func (f FeatureSet) SupportsRTCPMux() bool { return f.Has(jingle.FeatureRTCPMux) }
func (f FeatureSet) SupportsBundle() bool  { return f.Has(jingle.FeatureBundle) }
func (f FeatureSet) SupportsLipSync() bool { return f.Has(jingle.FeatureLipSync) }
func (f FeatureSet) SupportsREMB() bool    { return f.Has(jingle.FeatureREMB) }
func (f FeatureSet) SupportsTCC() bool     { return f.Has(jingle.FeatureTCC) }
func (f FeatureSet) SupportsOpusRed() bool { return f.Has(jingle.FeatureOpusRed) }
