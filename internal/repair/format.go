package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/zsiec/salvage/internal/errors"
	"github.com/zsiec/salvage/internal/repair/profile"
)

// ErrNoFormat is returned by a selector that has no answer.
var ErrNoFormat = errors.New("no format selected")

// FormatSelector chooses a format code for a family. Implementations may
// ask a user.
type FormatSelector interface {
	SelectFormat(ctx context.Context, family profile.Family, profiles []profile.Profile, hints []profile.Hint) (string, error)
}

// FormatSelectorFunc adapts a function to FormatSelector.
type FormatSelectorFunc func(ctx context.Context, family profile.Family, profiles []profile.Profile, hints []profile.Hint) (string, error)

// SelectFormat implements FormatSelector.
func (f FormatSelectorFunc) SelectFormat(ctx context.Context, family profile.Family, profiles []profile.Profile, hints []profile.Hint) (string, error) {
	return f(ctx, family, profiles, hints)
}

// StaticFormat always selects the same code.
type StaticFormat string

// SelectFormat implements FormatSelector.
func (s StaticFormat) SelectFormat(context.Context, profile.Family, []profile.Profile, []profile.Hint) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNoFormat
	}
	return string(s), nil
}

// ResolveProfile picks the profile for family. An explicit code wins; the
// selector is consulted only without one. The error is FORMAT_REQUIRED when
// nothing supplies a code and VALIDATION_ERROR for an unknown code.
func ResolveProfile(ctx context.Context, catalog *profile.Catalog, family profile.Family, code string, selector FormatSelector) (profile.Profile, error) {
	code = strings.TrimSpace(code)

	if code == "" && selector != nil {
		selected, err := selector.SelectFormat(ctx, family, catalog.Profiles(family), catalog.Hints(family))
		if err != nil && !errors.Is(err, ErrNoFormat) {
			return profile.Profile{}, fmt.Errorf("select format: %w", err)
		}
		code = strings.TrimSpace(selected)
	}

	if code == "" {
		return profile.Profile{}, apperrors.NewFormatRequiredError(
			fmt.Sprintf("a %s format code is required", family),
		).WithDetails(map[string]interface{}{
			"family": string(family),
			"codes":  catalog.Codes(family),
		})
	}

	p, err := catalog.Lookup(family, code)
	if err != nil {
		return profile.Profile{}, apperrors.NewValidationError(err.Error()).
			WithCode("UNKNOWN_FORMAT").
			WithDetails(map[string]interface{}{
				"family": string(family),
				"codes":  catalog.Codes(family),
			})
	}
	return p, nil
}
