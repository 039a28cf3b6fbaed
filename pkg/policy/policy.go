// Package policy decides how content that diverges from what a patch
// expects is treated.
//
// Override patterns name items that are written even though their live
// content differs from the recorded checksum; the altered content is still
// backed up. Preserve patterns name items that are never written and never
// reported as conflicts. Patterns use doublestar syntax and match the misc
// path of files or the name (and name:slot) of modules and bundles.
package policy

import (
	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/bmatcuk/doublestar/v4"
)

// ContentVerificationPolicy is the verification policy of one operation.
type ContentVerificationPolicy struct {
	overrideAll bool
	override    []string
	preserve    []string
}

// Strict reports every conflict and preserves nothing.
var Strict = &ContentVerificationPolicy{}

// OverrideAll writes every item regardless of conflicts.
var OverrideAll = &ContentVerificationPolicy{overrideAll: true}

// New builds a policy, rejecting malformed patterns.
func New(overrideAll bool, override, preserve []string) (*ContentVerificationPolicy, error) {
	for _, pattern := range append(append([]string(nil), override...), preserve...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.Newf(errors.ErrInvalidInput, "invalid content pattern %q", pattern).
				WithDetail("pattern", pattern)
		}
	}
	return &ContentVerificationPolicy{
		overrideAll: overrideAll,
		override:    append([]string(nil), override...),
		preserve:    append([]string(nil), preserve...),
	}, nil
}

// IgnoreContentValidation reports whether a conflict on item is overridden.
func (p *ContentVerificationPolicy) IgnoreContentValidation(item metadata.ContentItem) bool {
	if p == nil {
		return false
	}
	return p.overrideAll || matchAny(p.override, item)
}

// PreserveExisting reports whether item is excluded from the operation.
func (p *ContentVerificationPolicy) PreserveExisting(item metadata.ContentItem) bool {
	if p == nil {
		return false
	}
	return matchAny(p.preserve, item)
}

func matchAny(patterns []string, item metadata.ContentItem) bool {
	candidates := []string{item.String()}
	if item.Type != metadata.Misc {
		candidates = append(candidates, item.Name)
	}
	for _, pattern := range patterns {
		for _, c := range candidates {
			// patterns were validated in New
			if ok, _ := doublestar.Match(pattern, c); ok {
				return true
			}
		}
	}
	return false
}
