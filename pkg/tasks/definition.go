// Package tasks merges the content modifications of a patch operation
// into one task definition per content location.
//
// Modifications are merged in the order they are added. The first
// modification at a location decides what the live content is expected to
// be; later ones either repeat it, build on it, or conflict with it.
package tasks

import (
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/opencontainers/go-digest"
)

// Location identifies the place a content item lives within one target.
type Location struct {
	Type metadata.ContentType
	Name string
	Slot string
}

// NewLocation returns the location of item.
func NewLocation(item metadata.ContentItem) Location {
	return Location{Type: item.Type, Name: item.Name, Slot: item.Slot}
}

func (l Location) String() string {
	if l.Type == metadata.Misc {
		return l.Name
	}
	return l.Name + ":" + l.Slot
}

// ContentEntry is one modification together with the patch or element
// that supplies its content.
type ContentEntry struct {
	ID           string
	Modification metadata.ContentModification
	// Rollback marks entries taken from a rollback descriptor.
	Rollback bool
	// Forwarded marks entries carried over from an earlier cumulative patch.
	Forwarded bool
}

// Expected is the digest the live location must have for this entry to apply.
func (e ContentEntry) Expected() digest.Digest {
	if e.Forwarded {
		return e.Modification.Hash
	}
	return e.Modification.ExistingHash
}

// ContentTaskDefinition aggregates everything an operation does at one location.
type ContentTaskDefinition struct {
	Location Location
	// Current is the first entry; its expectation is checked against the live content.
	Current ContentEntry
	// Target is the entry whose content ends up at the location.
	Target    ContentEntry
	conflicts bool
}

// HasConflicts reports whether an incompatible modification was merged in.
func (d *ContentTaskDefinition) HasConflicts() bool {
	return d.conflicts
}

// IsRollback reports whether the final content comes from a rollback descriptor.
func (d *ContentTaskDefinition) IsRollback() bool {
	return d.Target.Rollback
}

// Item is the content item written by the definition.
func (d *ContentTaskDefinition) Item() metadata.ContentItem {
	return d.Target.Modification.Item
}

// ExpectedHash is the digest the live location must have.
func (d *ContentTaskDefinition) ExpectedHash() digest.Digest {
	return d.Current.Expected()
}

// TargetHash is the digest of the location once the task ran.
func (d *ContentTaskDefinition) TargetHash() digest.Digest {
	return d.Target.Modification.Hash
}

func (d *ContentTaskDefinition) merge(entry ContentEntry) {
	current := d.Target.Modification
	next := entry.Modification
	switch {
	case current.Type == next.Type && current.Hash == next.Hash && current.ExistingHash == next.ExistingHash:
		// same change from another source
	case next.ExistingHash == current.Hash && (d.Target.Rollback || d.Target.Forwarded):
		// content an operation restores or carries over may be built on;
		// two changes supplied by the operation itself may not
		d.Target = entry
	default:
		d.conflicts = true
	}
}
