package request

import "fmt"

// CachePolicy controls whether a cache tier may be read and/or written.
type CachePolicy int

const (
	Enabled CachePolicy = iota
	Disabled
	ReadOnly
	WriteOnly
)

func (p CachePolicy) ReadEnabled() bool {
	return p == Enabled || p == ReadOnly
}

func (p CachePolicy) WriteEnabled() bool {
	return p == Enabled || p == WriteOnly
}

// IsDisabled reports whether the tier is bypassed entirely.
func (p CachePolicy) IsDisabled() bool {
	return !p.ReadEnabled() && !p.WriteEnabled()
}

func (p CachePolicy) String() string {
	switch p {
	case Enabled:
		return "ENABLED"
	case Disabled:
		return "DISABLED"
	case ReadOnly:
		return "READ_ONLY"
	case WriteOnly:
		return "WRITE_ONLY"
	default:
		return fmt.Sprintf("CachePolicy(%d)", int(p))
	}
}

// ParseCachePolicy accepts the String() form, case sensitive.
func ParseCachePolicy(s string) (CachePolicy, error) {
	for _, p := range []CachePolicy{Enabled, Disabled, ReadOnly, WriteOnly} {
		if p.String() == s {
			return p, nil
		}
	}
	return Enabled, fmt.Errorf("unknown cache policy: %s", s)
}

// Depth is the furthest tier a request may reach. MEMORY < LOCAL < NETWORK.
type Depth int

const (
	DepthNetwork Depth = iota
	DepthLocal
	DepthMemory
)

// Allows reports whether a request at depth d may reach tier t.
func (d Depth) Allows(t Depth) bool {
	return d <= t
}

func (d Depth) String() string {
	switch d {
	case DepthNetwork:
		return "NETWORK"
	case DepthLocal:
		return "LOCAL"
	case DepthMemory:
		return "MEMORY"
	default:
		return fmt.Sprintf("Depth(%d)", int(d))
	}
}

func ParseDepth(s string) (Depth, error) {
	switch s {
	case "NETWORK", "network", "":
		return DepthNetwork, nil
	case "LOCAL", "local":
		return DepthLocal, nil
	case "MEMORY", "memory":
		return DepthMemory, nil
	default:
		return DepthNetwork, fmt.Errorf("unknown depth: %s", s)
	}
}

// Precision governs how the target size relates to the output size.
type Precision int

const (
	// LessPixels never upsamples and never crops; output keeps the source aspect ratio.
	LessPixels Precision = iota
	// SameAspectRatio crops to the target aspect ratio, scaled to fit the source.
	SameAspectRatio
	// Exactly produces exactly the target size.
	Exactly
)

func (p Precision) String() string {
	switch p {
	case LessPixels:
		return "LESS_PIXELS"
	case SameAspectRatio:
		return "SAME_ASPECT_RATIO"
	case Exactly:
		return "EXACTLY"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "LESS_PIXELS", "less_pixels", "":
		return LessPixels, nil
	case "SAME_ASPECT_RATIO", "same_aspect_ratio":
		return SameAspectRatio, nil
	case "EXACTLY", "exactly":
		return Exactly, nil
	default:
		return LessPixels, fmt.Errorf("unknown precision: %s", s)
	}
}

// Scale is the crop anchor used when the source must be cropped.
type Scale int

const (
	CenterCrop Scale = iota
	StartCrop
	EndCrop
	Fill
)

func (s Scale) String() string {
	switch s {
	case StartCrop:
		return "START_CROP"
	case CenterCrop:
		return "CENTER_CROP"
	case EndCrop:
		return "END_CROP"
	case Fill:
		return "FILL"
	default:
		return fmt.Sprintf("Scale(%d)", int(s))
	}
}

func ParseScale(s string) (Scale, error) {
	switch s {
	case "CENTER_CROP", "center_crop", "center", "":
		return CenterCrop, nil
	case "START_CROP", "start_crop", "start":
		return StartCrop, nil
	case "END_CROP", "end_crop", "end":
		return EndCrop, nil
	case "FILL", "fill":
		return Fill, nil
	default:
		return CenterCrop, fmt.Errorf("unknown scale: %s", s)
	}
}
