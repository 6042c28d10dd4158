package classify

import (
	"fmt"

	"github.com/zsiec/salvage/internal/repair/profile"
)

// Strategy is the repair procedure chosen for a file.
type Strategy int

const (
	StrategyUnknown Strategy = iota
	// StrategyBoxed: the media data holds a complete container whose
	// leading box header needs rewriting.
	StrategyBoxed
	// StrategyLegacy: a length-prefixed stream opening with a 2-byte NAL.
	StrategyLegacy
	// StrategyPreview: a new-style stream behind one or more JPEG previews.
	StrategyPreview
	// StrategyEmbedded: a stream that carries its own parameter sets.
	StrategyEmbedded
	// StrategyNewStyle: a new-style stream without previews.
	StrategyNewStyle
)

// Number returns the repair type number shown to users (1 to 5).
func (s Strategy) Number() int {
	return int(s)
}

func (s Strategy) String() string {
	switch s {
	case StrategyBoxed:
		return "boxed"
	case StrategyLegacy:
		return "legacy"
	case StrategyPreview:
		return "preview"
	case StrategyEmbedded:
		return "embedded"
	case StrategyNewStyle:
		return "new-style"
	case StrategyUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// NeedsProfile reports whether synthetic parameter sets must be injected.
func (s Strategy) NeedsProfile() bool {
	switch s {
	case StrategyLegacy, StrategyPreview, StrategyNewStyle:
		return true
	}
	return false
}

// Family returns the catalog family the strategy draws its profile from.
// It is empty for strategies that take no profile.
func (s Strategy) Family() profile.Family {
	switch s {
	case StrategyLegacy:
		return profile.FamilyLegacy
	case StrategyPreview, StrategyNewStyle:
		return profile.FamilyNewStyle
	}
	return ""
}

// ElementaryStream reports whether the output is an Annex-B stream rather
// than a patched container.
func (s Strategy) ElementaryStream() bool {
	switch s {
	case StrategyLegacy, StrategyPreview, StrategyEmbedded, StrategyNewStyle:
		return true
	}
	return false
}
