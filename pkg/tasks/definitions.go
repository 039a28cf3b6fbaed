package tasks

import (
	"github.com/arthur-debert/layerpatch/pkg/metadata"
)

// Definitions holds the task definitions of one target in insertion order.
type Definitions struct {
	order []Location
	byLoc map[Location]*ContentTaskDefinition
}

// NewDefinitions returns an empty set.
func NewDefinitions() *Definitions {
	return &Definitions{byLoc: make(map[Location]*ContentTaskDefinition)}
}

// Get returns the definition at loc.
func (d *Definitions) Get(loc Location) (*ContentTaskDefinition, bool) {
	def, ok := d.byLoc[loc]
	return def, ok
}

// Values returns the definitions in the order their locations were first seen.
func (d *Definitions) Values() []*ContentTaskDefinition {
	out := make([]*ContentTaskDefinition, 0, len(d.order))
	for _, loc := range d.order {
		out = append(out, d.byLoc[loc])
	}
	return out
}

func (d *Definitions) Len() int {
	return len(d.order)
}

// Conflicts returns the locations with incompatible modifications.
func (d *Definitions) Conflicts() []Location {
	var out []Location
	for _, loc := range d.order {
		if d.byLoc[loc].conflicts {
			out = append(out, loc)
		}
	}
	return out
}

func (d *Definitions) add(entry ContentEntry) {
	loc := NewLocation(entry.Modification.Item)
	if def, ok := d.byLoc[loc]; ok {
		def.merge(entry)
		return
	}
	d.byLoc[loc] = &ContentTaskDefinition{Location: loc, Current: entry, Target: entry}
	d.order = append(d.order, loc)
}

// Filter selects content items.
type Filter func(item metadata.ContentItem) bool

// Filters
var (
	All        Filter = func(metadata.ContentItem) bool { return true }
	MiscOnly   Filter = func(item metadata.ContentItem) bool { return item.Type == metadata.Misc }
	AllButMisc Filter = func(item metadata.ContentItem) bool { return item.Type != metadata.Misc }
)

// Apply merges the modifications a patch or element applies.
func Apply(id string, mods []metadata.ContentModification, defs *Definitions, filter Filter) {
	for _, mod := range mods {
		if filter(mod.Item) {
			defs.add(ContentEntry{ID: id, Modification: mod})
		}
	}
}

// Rollback merges modifications taken from a rollback descriptor. They are
// already inverted.
func Rollback(id string, mods []metadata.ContentModification, defs *Definitions, filter Filter) {
	for _, mod := range mods {
		if filter(mod.Item) {
			defs.add(ContentEntry{ID: id, Modification: mod, Rollback: true})
		}
	}
}

// AddMissing carries the content of an earlier patch over to locations no
// other modification touches. A location that is only rolled back to the
// content being carried over takes the carried over entry as its target.
func AddMissing(id string, mods []metadata.ContentModification, defs *Definitions, filter Filter) {
	for _, mod := range mods {
		if !filter(mod.Item) {
			continue
		}
		entry := ContentEntry{ID: id, Modification: mod, Forwarded: true}
		def, ok := defs.byLoc[NewLocation(mod.Item)]
		if !ok {
			defs.add(entry)
			continue
		}
		if def.IsRollback() && def.TargetHash() == mod.Hash {
			def.Target = entry
		}
	}
}
