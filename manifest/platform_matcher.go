package manifest

import (
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// DefaultOS is the only operating system the assembled images target.
const DefaultOS = "linux"

// MatchesPlatform reports whether a descriptor's platform has the wanted
// architecture and OS.  Variants are not compared.
func MatchesPlatform(image *imgspecv1.Platform, wantedArch, wantedOS string) bool {
	if image == nil {
		return false
	}
	return image.Architecture == wantedArch && image.OS == wantedOS
}

// ChooseInstance returns the first entry of idx whose platform matches
// wantedArch/wantedOS.  If none does, it returns idx.Manifests[0] and
// matched == false; callers decide how loudly to report that.  The only error
// is ErrEmptyIndex.
func ChooseInstance(idx *Index, wantedArch, wantedOS string) (desc imgspecv1.Descriptor, matched bool, err error) {
	if len(idx.Manifests) == 0 {
		return imgspecv1.Descriptor{}, false, ErrEmptyIndex
	}
	for _, d := range idx.Manifests {
		if MatchesPlatform(d.Platform, wantedArch, wantedOS) {
			return d, true, nil
		}
	}
	return idx.Manifests[0], false, nil
}

// PlatformString renders p as "os/arch[/variant]" for log messages.
func PlatformString(p *imgspecv1.Platform) string {
	if p == nil {
		return "unknown"
	}
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}
