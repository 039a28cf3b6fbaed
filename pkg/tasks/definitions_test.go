// pkg/tasks/definitions_test.go
// TEST TYPE: Unit Test
// DEPENDENCIES: None
// PURPOSE: Test merging of content modifications into task definitions

package tasks

import (
	"testing"

	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	h0 = digest.FromString("0")
	h1 = digest.FromString("1")
	h2 = digest.FromString("2")
)

func mod(path string, existing, hash digest.Digest) metadata.ContentModification {
	m, _ := metadata.NewModification(metadata.MiscItem(path, false), existing, hash)
	return m
}

func TestApply_Merge(t *testing.T) {
	tests := []struct {
		name       string
		first      metadata.ContentModification
		second     metadata.ContentModification
		conflict   bool
		wantTarget string
	}{
		{
			name:       "exact_duplicate_dropped",
			first:      mod("lib/X.jar", h0, h1),
			second:     mod("lib/X.jar", h0, h1),
			wantTarget: "a",
		},
		{
			name:       "chained_change_conflicts",
			first:      mod("lib/X.jar", h0, h1),
			second:     mod("lib/X.jar", h1, h2),
			conflict:   true,
			wantTarget: "a",
		},
		{
			name:       "different_targets_conflict",
			first:      mod("lib/X.jar", h0, h1),
			second:     mod("lib/X.jar", h0, h2),
			conflict:   true,
			wantTarget: "a",
		},
		{
			name:       "two_different_adds_conflict",
			first:      mod("lib/X.jar", "", h1),
			second:     mod("lib/X.jar", "", h2),
			conflict:   true,
			wantTarget: "a",
		},
		{
			name:       "remove_then_modify_conflicts",
			first:      mod("lib/X.jar", h0, ""),
			second:     mod("lib/X.jar", h0, h1),
			conflict:   true,
			wantTarget: "a",
		},
		{
			name:       "remove_then_add_conflicts",
			first:      mod("lib/X.jar", h0, ""),
			second:     mod("lib/X.jar", "", h1),
			conflict:   true,
			wantTarget: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs := NewDefinitions()
			Apply("a", []metadata.ContentModification{tt.first}, defs, All)
			Apply("b", []metadata.ContentModification{tt.second}, defs, All)

			require.Equal(t, 1, defs.Len())
			def := defs.Values()[0]
			assert.Equal(t, tt.conflict, def.HasConflicts())
			assert.Equal(t, tt.wantTarget, def.Target.ID)
			assert.Equal(t, "a", def.Current.ID)
			assert.Equal(t, tt.first.ExistingHash, def.ExpectedHash())
		})
	}
}

func TestDefinitions_Order(t *testing.T) {
	defs := NewDefinitions()
	Apply("p", []metadata.ContentModification{
		mod("c", "", h1),
		mod("a", "", h1),
		mod("b", "", h1),
	}, defs, All)

	var names []string
	for _, def := range defs.Values() {
		names = append(names, def.Location.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
	assert.Empty(t, defs.Conflicts())
}

func TestRollback_ThenCumulative(t *testing.T) {
	// a one-off added the file, the cumulative patch adds it with other content
	defs := NewDefinitions()
	Rollback("op-1", []metadata.ContentModification{mod("F", "", h1).Inverse()}, defs, All)

	def, ok := defs.Get(Location{Type: metadata.Misc, Name: "F"})
	require.True(t, ok)
	assert.True(t, def.IsRollback())

	Apply("cp-1", []metadata.ContentModification{mod("F", "", h2)}, defs, All)
	assert.False(t, def.HasConflicts())
	assert.False(t, def.IsRollback())
	assert.Equal(t, h1, def.ExpectedHash())
	assert.Equal(t, h2, def.TargetHash())
}

func TestRollback_Chain(t *testing.T) {
	// rolling back op-2 then op-1, newest first
	defs := NewDefinitions()
	Rollback("op-2", []metadata.ContentModification{mod("lib/X.jar", h1, h2).Inverse()}, defs, All)
	Rollback("op-1", []metadata.ContentModification{mod("lib/X.jar", h0, h1).Inverse()}, defs, All)

	def := defs.Values()[0]
	assert.False(t, def.HasConflicts())
	assert.Equal(t, "op-1", def.Target.ID)
	assert.Equal(t, h2, def.ExpectedHash())
	assert.Equal(t, h0, def.TargetHash())
}

func TestApply_ChainAfterRollbackOnly(t *testing.T) {
	// the same chain is accepted on top of a rolled back entry but not
	// between two elements of one patch
	defs := NewDefinitions()
	Apply("e1", []metadata.ContentModification{mod("lib/X.jar", h0, h1)}, defs, All)
	Apply("e2", []metadata.ContentModification{mod("lib/X.jar", h1, h2)}, defs, All)
	assert.Len(t, defs.Conflicts(), 1)

	defs = NewDefinitions()
	Rollback("op-1", []metadata.ContentModification{mod("lib/X.jar", h0, h1).Inverse()}, defs, All)
	Apply("cp-1", []metadata.ContentModification{mod("lib/X.jar", h0, h2)}, defs, All)
	assert.Empty(t, defs.Conflicts())
}

func TestAddMissing(t *testing.T) {
	module := func(name string, existing, hash digest.Digest) metadata.ContentModification {
		m, _ := metadata.NewModification(metadata.ModuleItem(name, ""), existing, hash)
		return m
	}

	defs := NewDefinitions()
	Apply("cp-2", []metadata.ContentModification{module("org.a", h1, h2)}, defs, All)
	AddMissing("cp-1", []metadata.ContentModification{
		module("org.a", h0, h1),
		module("org.b", "", h1),
		module("org.c", h0, ""),
		mod("bin/run.sh", "", h1),
	}, defs, AllButMisc)

	require.Equal(t, 3, defs.Len())
	a, _ := defs.Get(Location{Type: metadata.Module, Name: "org.a", Slot: "main"})
	assert.Equal(t, "cp-2", a.Target.ID)

	b, _ := defs.Get(Location{Type: metadata.Module, Name: "org.b", Slot: "main"})
	assert.True(t, b.Target.Forwarded)
	assert.Equal(t, h1, b.ExpectedHash())
	assert.Equal(t, h1, b.TargetHash())

	c, _ := defs.Get(Location{Type: metadata.Module, Name: "org.c", Slot: "main"})
	assert.Equal(t, metadata.Remove, c.Target.Modification.Type)
	assert.Equal(t, digest.Digest(""), c.ExpectedHash())
}

func TestAddMissing_AfterRollback(t *testing.T) {
	m, _ := metadata.NewModification(metadata.ModuleItem("org.a", ""), h1, h2)
	forwarded, _ := metadata.NewModification(metadata.ModuleItem("org.a", ""), h0, h1)

	// a one-off on top of the earlier cumulative patch is invalidated
	defs := NewDefinitions()
	Rollback("op-2-base", []metadata.ContentModification{m.Inverse()}, defs, All)
	AddMissing("cp-1-base", []metadata.ContentModification{forwarded}, defs, AllButMisc)

	def := defs.Values()[0]
	assert.False(t, def.IsRollback())
	assert.True(t, def.Target.Forwarded)
	assert.Equal(t, "cp-1-base", def.Target.ID)
	assert.Equal(t, h2, def.ExpectedHash())
	assert.False(t, def.HasConflicts())
}

func TestFilters(t *testing.T) {
	misc := metadata.MiscItem("a", false)
	module := metadata.ModuleItem("a", "")
	assert.True(t, MiscOnly(misc))
	assert.False(t, MiscOnly(module))
	assert.True(t, AllButMisc(module))
	assert.True(t, All(misc))
}
