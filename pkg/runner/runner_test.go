// pkg/runner/runner_test.go
// TEST TYPE: Integration Test
// DEPENDENCIES: Memory FS, testutil.Env, testutil.PatchBuilder
// PURPOSE: Apply and roll back patches end to end through the Coordinator

package runner_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/history"
	"github.com/arthur-debert/layerpatch/pkg/installation"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/arthur-debert/layerpatch/pkg/policy"
	"github.com/arthur-debert/layerpatch/pkg/runner"
	"github.com/arthur-debert/layerpatch/pkg/testutil"
	"github.com/arthur-debert/layerpatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	moduleV1 = map[string]string{"module.xml": "<module name=\"org.acme\"/>", "acme-1.0.jar": "v1"}
	moduleV2 = map[string]string{"module.xml": "<module name=\"org.acme\"/>", "acme-2.0.jar": "v2"}
)

func setup(t *testing.T, version string) (*testutil.Env, *runner.Coordinator) {
	t.Helper()
	env := testutil.NewEnv(t, version, []string{"base"}, []string{"web"})
	return env, runner.NewCoordinator(env.Manager, runner.WithWorkRoot(env.WorkRoot))
}

func apply(t *testing.T, c *runner.Coordinator, b *testutil.PatchBuilder, pol *policy.ContentVerificationPolicy) {
	t.Helper()
	result, err := c.Apply(context.Background(), b.Reader(t), pol)
	require.NoError(t, err)
	require.NoError(t, result.Commit())
}

func rollback(t *testing.T, c *runner.Coordinator, patchID string) *runner.Result {
	t.Helper()
	result, err := c.Rollback(context.Background(), patchID, policy.Strict)
	require.NoError(t, err)
	require.NoError(t, result.Commit())
	return result
}

func exists(t *testing.T, env *testutil.Env, path string) bool {
	t.Helper()
	ok, err := filesystem.Exists(env.FS, path)
	require.NoError(t, err)
	return ok
}

func assertWorkRootEmpty(t *testing.T, env *testutil.Env) {
	t.Helper()
	entries, err := env.FS.ReadDir(env.WorkRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "work directories must be removed")
}

func TestApply_OneOffAddsFile(t *testing.T) {
	env, c := setup(t, "1.0")

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).AddFile("bin/F", "hello")
	apply(t, c, b, policy.Strict)

	testutil.AssertFileContent(t, env.FS, env.Path("bin/F"), "hello")
	state := env.State()
	assert.Equal(t, []string{"op-1"}, state.Identity.PatchIDs)
	assert.Equal(t, []string{"op-1"}, state.InstalledPatches)
	assertWorkRootEmpty(t, env)

	image := env.Manager.Image()
	assert.True(t, exists(t, env, image.PatchXML("op-1")))
	assert.True(t, exists(t, env, image.RollbackXML("op-1")))

	rollback(t, c, "op-1")

	testutil.AssertNoFile(t, env.FS, env.Path("bin/F"))
	state = env.State()
	assert.Empty(t, state.Identity.PatchIDs)
	assert.Empty(t, state.InstalledPatches)
	assert.False(t, exists(t, env, image.PatchHistoryDir("op-1")))
}

func TestApply_RecordsInverse(t *testing.T) {
	env, c := setup(t, "1.0")
	env.WriteFile("conf/app.conf", "v1")
	env.WriteBaseModule(testutil.BaseLayer, "org.acme", moduleV1)

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).
		UpdateFile("conf/app.conf", "v1", "v2")
	b.Element("op-1-base", testutil.BaseLayer).UpdateModule("org.acme", moduleV1, moduleV2)
	apply(t, c, b, policy.Strict)

	entry, err := history.New(env.FS, env.Manager.Image()).Load("op-1")
	require.NoError(t, err)

	require.Len(t, entry.Rollback.Modifications, 1)
	misc := entry.Rollback.Modifications[0]
	assert.Equal(t, metadata.Modify, misc.Type)
	assert.Equal(t, testutil.Checksum("v2"), misc.ExistingHash)
	assert.Equal(t, testutil.Checksum("v1"), misc.Hash)

	require.Len(t, entry.Rollback.Elements, 1)
	element := entry.Rollback.Elements[0]
	assert.Equal(t, "op-1-base", element.ID)
	require.Len(t, element.Modifications, 1)
	assert.Equal(t, testutil.TreeChecksum(moduleV2), element.Modifications[0].ExistingHash)
	assert.Equal(t, testutil.TreeChecksum(moduleV1), element.Modifications[0].Hash)

	assert.True(t, entry.Rollback.State.Identity.IsBase())
	assert.Equal(t, "1.0", entry.Rollback.State.Version)

	// the replaced file is kept with the history entry
	testutil.AssertFileContent(t, env.FS, filepath.Join(env.Manager.Image().MiscBackupDir("op-1"), "conf", "app.conf"), "v1")
}

func TestApply_VersionMismatch(t *testing.T) {
	env, c := setup(t, "1.0")
	before := env.State()

	b := testutil.NewPatchBuilder("op-1", "2.0", metadata.OneOff).AddFile("bin/F", "hello")
	_, err := c.Apply(context.Background(), b.Reader(t), policy.Strict)

	testutil.AssertErrorCode(t, err, errors.ErrApplicability)
	assert.Equal(t, before, env.State())
	testutil.AssertNoFile(t, env.FS, env.Path("bin/F"))
	assertWorkRootEmpty(t, env)
}

func TestApply_SamePatchTwice(t *testing.T) {
	env, c := setup(t, "1.0")

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).AddFile("bin/F", "hello")
	apply(t, c, b, policy.Strict)
	after := env.State()

	_, err := c.Apply(context.Background(), b.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrApplicability)
	assert.Equal(t, after, env.State())
}

func TestApply_UnknownTarget(t *testing.T) {
	_, c := setup(t, "1.0")

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff)
	b.Element("op-1-missing", metadata.Target{Name: "missing", Type: metadata.Layer}).
		AddModule("org.acme", moduleV1)

	_, err := c.Apply(context.Background(), b.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrApplicability)
}

func TestApplyRollback_RoundTrip(t *testing.T) {
	env, c := setup(t, "1.0")
	env.WriteFile("conf/app.conf", "v1")
	env.WriteBaseModule(testutil.BaseLayer, "org.acme", moduleV1)
	before := env.State()

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).
		UpdateFile("conf/app.conf", "v1", "v2")
	b.Element("op-1-base", testutil.BaseLayer).UpdateModule("org.acme", moduleV1, moduleV2)
	b.Element("op-1-web", testutil.WebAddOn).AddModule("org.web", moduleV1)
	apply(t, c, b, policy.Strict)

	state := env.State()
	base, _ := state.Target(testutil.BaseLayer)
	web, _ := state.Target(testutil.WebAddOn)
	assert.Equal(t, []string{"op-1-base"}, base.PatchIDs)
	assert.Equal(t, []string{"op-1-web"}, web.PatchIDs)
	testutil.AssertFileContent(t, env.FS, env.Path("conf/app.conf"), "v2")

	structure := env.Manager.Image().Structure(testutil.BaseLayer)
	p, ok := env.EffectiveModule(testutil.BaseLayer, "org.acme")
	require.True(t, ok)
	assert.Equal(t, structure.OverlayPath("op-1-base", metadata.ModuleItem("org.acme", "")), p)
	testutil.AssertModuleFiles(t, env.FS, p, moduleV2)

	rollback(t, c, "op-1")

	after := env.State()
	assert.True(t, before.Identity.Equal(after.Identity))
	for _, target := range []metadata.Target{testutil.BaseLayer, testutil.WebAddOn} {
		was, _ := before.Target(target)
		is, _ := after.Target(target)
		assert.True(t, was.Equal(is), "state of %s", target)
	}
	testutil.AssertFileContent(t, env.FS, env.Path("conf/app.conf"), "v1")
	p, ok = env.EffectiveModule(testutil.BaseLayer, "org.acme")
	require.True(t, ok)
	assert.Equal(t, structure.BasePath(metadata.ModuleItem("org.acme", "")), p)
	_, ok = env.EffectiveModule(testutil.WebAddOn, "org.web")
	assert.False(t, ok)
	assert.False(t, exists(t, env, structure.ModulePatchDirectory("op-1-base")))
}

func TestApply_RemoveModule(t *testing.T) {
	env, c := setup(t, "1.0")
	env.WriteBaseModule(testutil.BaseLayer, "org.acme", moduleV1)

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff)
	b.Element("op-1-base", testutil.BaseLayer).RemoveModule("org.acme", moduleV1)
	apply(t, c, b, policy.Strict)

	_, ok := env.EffectiveModule(testutil.BaseLayer, "org.acme")
	assert.False(t, ok)

	rollback(t, c, "op-1")
	_, ok = env.EffectiveModule(testutil.BaseLayer, "org.acme")
	assert.True(t, ok)
}

func TestApply_ConflictOnAlteredFile(t *testing.T) {
	env, c := setup(t, "1.0")
	env.WriteFile("conf/app.conf", "edited by hand")
	before := env.State()

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).
		UpdateFile("conf/app.conf", "v1", "v2")

	_, err := c.Apply(context.Background(), b.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrConflict)
	assert.Equal(t, []string{"conf/app.conf"}, errors.GetErrorDetails(err)["items"])
	testutil.AssertFileContent(t, env.FS, env.Path("conf/app.conf"), "edited by hand")
	assert.Equal(t, before, env.State())
	assert.False(t, exists(t, env, env.Manager.Image().PatchHistoryDir("op-1")))
	assertWorkRootEmpty(t, env)

	override, err := policy.New(false, []string{"conf/**"}, nil)
	require.NoError(t, err)
	apply(t, c, b, override)

	testutil.AssertFileContent(t, env.FS, env.Path("conf/app.conf"), "v2")
	// the altered content is what gets backed up
	testutil.AssertFileContent(t, env.FS,
		filepath.Join(env.Manager.Image().MiscBackupDir("op-1"), "conf", "app.conf"), "edited by hand")

	rollback(t, c, "op-1")
	testutil.AssertFileContent(t, env.FS, env.Path("conf/app.conf"), "edited by hand")
}

func TestApply_ConflictOnAlteredModule(t *testing.T) {
	env, c := setup(t, "1.0")
	env.WriteBaseModule(testutil.BaseLayer, "org.acme", map[string]string{"module.xml": "patched by hand"})

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff)
	b.Element("op-1-base", testutil.BaseLayer).UpdateModule("org.acme", moduleV1, moduleV2)

	_, err := c.Apply(context.Background(), b.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrConflict)
	assert.Equal(t, []string{"org.acme:main"}, errors.GetErrorDetails(err)["items"])

	apply(t, c, b, policy.OverrideAll)
	p, ok := env.EffectiveModule(testutil.BaseLayer, "org.acme")
	require.True(t, ok)
	testutil.AssertModuleFiles(t, env.FS, p, moduleV2)
}

func TestApply_PreserveKeepsLiveContent(t *testing.T) {
	env, c := setup(t, "1.0")
	env.WriteFile("conf/app.conf", "edited by hand")

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).
		UpdateFile("conf/app.conf", "v1", "v2").
		AddFile("bin/F", "hello")
	preserve, err := policy.New(false, nil, []string{"conf/*.conf"})
	require.NoError(t, err)
	apply(t, c, b, preserve)

	testutil.AssertFileContent(t, env.FS, env.Path("conf/app.conf"), "edited by hand")
	testutil.AssertFileContent(t, env.FS, env.Path("bin/F"), "hello")
	assert.Equal(t, []string{"op-1"}, env.State().Identity.PatchIDs)
}

func TestApply_TwoElementsModifySameFile(t *testing.T) {
	env, c := setup(t, "1.0")

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff)
	b.Element("op-1-base", testutil.BaseLayer).AddFile("lib/X.jar", "one")
	b.Element("op-1-web", testutil.WebAddOn).AddFile("lib/X.jar", "two")

	_, err := c.Apply(context.Background(), b.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrConflict)
	assert.Equal(t, []string{"lib/X.jar"}, errors.GetErrorDetails(err)["items"])
	testutil.AssertNoFile(t, env.FS, env.Path("lib/X.jar"))
}

func TestApply_ElementMiscIsRolledBack(t *testing.T) {
	env, c := setup(t, "1.0")

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff)
	b.Element("op-1-base", testutil.BaseLayer).AddFile("lib/X.jar", "one")
	apply(t, c, b, policy.Strict)
	testutil.AssertFileContent(t, env.FS, env.Path("lib/X.jar"), "one")

	entry, err := history.New(env.FS, env.Manager.Image()).Load("op-1")
	require.NoError(t, err)
	assert.Empty(t, entry.Rollback.Modifications)
	require.Len(t, entry.Rollback.Elements[0].Modifications, 1)
	assert.Equal(t, metadata.Remove, entry.Rollback.Elements[0].Modifications[0].Type)

	rollback(t, c, "op-1")
	testutil.AssertNoFile(t, env.FS, env.Path("lib/X.jar"))
}

func TestApply_UpgradeConditions(t *testing.T) {
	env, c := setup(t, "1.0")

	requires := testutil.NewPatchBuilder("op-2", "1.0", metadata.OneOff).
		Requires("op-1").
		AddFile("bin/two", "2")
	_, err := c.Apply(context.Background(), requires.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrPrerequisite)

	apply(t, c, testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).AddFile("bin/one", "1"), policy.Strict)
	apply(t, c, requires, policy.Strict)

	incompatible := testutil.NewPatchBuilder("op-3", "1.0", metadata.OneOff).IncompatibleWith("op-2")
	_, err = c.Apply(context.Background(), incompatible.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrPrerequisite)

	elementRequires := testutil.NewPatchBuilder("op-4", "1.0", metadata.OneOff)
	elementRequires.Element("op-4-base", testutil.BaseLayer).
		Requires("op-1-base").
		AddModule("org.acme", moduleV1)
	_, err = c.Apply(context.Background(), elementRequires.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrPrerequisite)

	assert.Equal(t, []string{"op-2", "op-1"}, env.State().Identity.PatchIDs)
}

func TestApply_CumulativeInvalidatesOneOffs(t *testing.T) {
	env, c := setup(t, "1.0")
	env.WriteBaseModule(testutil.BaseLayer, "org.acme", moduleV1)

	a := testutil.NewPatchBuilder("op-A", "1.0", metadata.OneOff).AddFile("a.txt", "A1")
	a.Element("op-A-base", testutil.BaseLayer).UpdateModule("org.acme", moduleV1, moduleV2)
	apply(t, c, a, policy.Strict)
	apply(t, c, testutil.NewPatchBuilder("op-B", "1.0", metadata.OneOff).UpdateFile("a.txt", "A1", "A2"), policy.Strict)
	apply(t, c, testutil.NewPatchBuilder("op-C", "1.0", metadata.OneOff).AddFile("c.txt", "C"), policy.Strict)
	before := env.State()
	assert.Equal(t, []string{"op-C", "op-B", "op-A"}, before.Identity.PatchIDs)

	cp := testutil.NewPatchBuilder("cp-1", "1.0", metadata.Cumulative).
		ResultingVersion("1.1").
		AddFile("cp.txt", "CP")
	cp.Element("cp-1-web", testutil.WebAddOn).AddModule("org.web", moduleV1)
	apply(t, c, cp, policy.Strict)

	state := env.State()
	assert.Equal(t, "1.1", state.Version)
	assert.Equal(t, "cp-1", state.Identity.CumulativePatchID)
	assert.Empty(t, state.Identity.PatchIDs)
	assert.Equal(t, []string{"cp-1"}, state.InstalledPatches)
	base, _ := state.Target(testutil.BaseLayer)
	assert.True(t, base.IsBase(), "one-off element is rolled back")

	testutil.AssertNoFile(t, env.FS, env.Path("a.txt"))
	testutil.AssertNoFile(t, env.FS, env.Path("c.txt"))
	testutil.AssertFileContent(t, env.FS, env.Path("cp.txt"), "CP")
	p, ok := env.EffectiveModule(testutil.BaseLayer, "org.acme")
	require.True(t, ok)
	testutil.AssertModuleFiles(t, env.FS, p, moduleV1)

	// invalidated one-offs keep their history for rolling back cp-1
	image := env.Manager.Image()
	for _, id := range []string{"op-A", "op-B", "op-C"} {
		assert.True(t, exists(t, env, image.PatchHistoryDir(id)), id)
	}

	rollback(t, c, "cp-1")

	state = env.State()
	assert.Equal(t, "1.0", state.Version)
	assert.True(t, before.Identity.Equal(state.Identity))
	assert.ElementsMatch(t, []string{"op-A", "op-B", "op-C"}, state.InstalledPatches)
	testutil.AssertFileContent(t, env.FS, env.Path("a.txt"), "A2")
	testutil.AssertFileContent(t, env.FS, env.Path("c.txt"), "C")
	testutil.AssertNoFile(t, env.FS, env.Path("cp.txt"))
	p, ok = env.EffectiveModule(testutil.BaseLayer, "org.acme")
	require.True(t, ok)
	testutil.AssertModuleFiles(t, env.FS, p, moduleV2)
}

func TestApply_CumulativeWithMissingHistory(t *testing.T) {
	env, c := setup(t, "1.0")

	apply(t, c, testutil.NewPatchBuilder("op-A", "1.0", metadata.OneOff).AddFile("a.txt", "A"), policy.Strict)
	apply(t, c, testutil.NewPatchBuilder("op-B", "1.0", metadata.OneOff).AddFile("b.txt", "B"), policy.Strict)
	require.NoError(t, env.FS.RemoveAll(env.Manager.Image().PatchHistoryDir("op-A")))
	before := env.State()

	cp := testutil.NewPatchBuilder("cp-1", "1.0", metadata.Cumulative).
		ResultingVersion("1.1").
		AddFile("cp.txt", "CP")
	_, err := c.Apply(context.Background(), cp.Reader(t), policy.Strict)

	testutil.AssertErrorCode(t, err, errors.ErrHistoryInconsistent)
	assert.Equal(t, before, env.State())
	testutil.AssertFileContent(t, env.FS, env.Path("a.txt"), "A")
	testutil.AssertFileContent(t, env.FS, env.Path("b.txt"), "B")
	testutil.AssertNoFile(t, env.FS, env.Path("cp.txt"))
	assert.False(t, exists(t, env, env.Manager.Image().PatchHistoryDir("cp-1")))
}

func TestApply_CumulativePortsForwardModules(t *testing.T) {
	env, c := setup(t, "1.0")
	other := map[string]string{"module.xml": "<module name=\"org.other\"/>"}

	cp1 := testutil.NewPatchBuilder("cp-1", "1.0", metadata.Cumulative).ResultingVersion("1.1")
	cp1.Element("cp-1-base", testutil.BaseLayer).AddModule("org.acme", moduleV1)
	apply(t, c, cp1, policy.Strict)

	cp2 := testutil.NewPatchBuilder("cp-2", "1.1", metadata.Cumulative).ResultingVersion("1.2")
	cp2.Element("cp-2-base", testutil.BaseLayer).AddModule("org.other", other)
	apply(t, c, cp2, policy.Strict)

	state := env.State()
	assert.Equal(t, "1.2", state.Version)
	assert.Equal(t, []string{"cp-2"}, state.InstalledPatches)
	base, _ := state.Target(testutil.BaseLayer)
	assert.Equal(t, "cp-2-base", base.CumulativePatchID)

	structure := env.Manager.Image().Structure(testutil.BaseLayer)
	p, ok := env.EffectiveModule(testutil.BaseLayer, "org.acme")
	require.True(t, ok)
	assert.Equal(t, structure.OverlayPath("cp-2-base", metadata.ModuleItem("org.acme", "")), p)
	testutil.AssertModuleFiles(t, env.FS, p, moduleV1)
	p, ok = env.EffectiveModule(testutil.BaseLayer, "org.other")
	require.True(t, ok)
	testutil.AssertModuleFiles(t, env.FS, p, other)

	rollback(t, c, "cp-2")

	state = env.State()
	assert.Equal(t, "1.1", state.Version)
	assert.Equal(t, []string{"cp-1"}, state.InstalledPatches)
	p, ok = env.EffectiveModule(testutil.BaseLayer, "org.acme")
	require.True(t, ok)
	assert.Equal(t, structure.OverlayPath("cp-1-base", metadata.ModuleItem("org.acme", "")), p)
	_, ok = env.EffectiveModule(testutil.BaseLayer, "org.other")
	assert.False(t, ok)
	assert.False(t, exists(t, env, structure.ModulePatchDirectory("cp-2-base")))
}

func TestApply_CumulativePortForwardNeedsHistory(t *testing.T) {
	env, c := setup(t, "1.0")

	cp1 := testutil.NewPatchBuilder("cp-1", "1.0", metadata.Cumulative).ResultingVersion("1.1")
	cp1.Element("cp-1-base", testutil.BaseLayer).AddModule("org.acme", moduleV1)
	apply(t, c, cp1, policy.Strict)
	require.NoError(t, env.FS.RemoveAll(env.Manager.Image().PatchHistoryDir("cp-1")))

	cp2 := testutil.NewPatchBuilder("cp-2", "1.1", metadata.Cumulative).ResultingVersion("1.2")
	cp2.Element("cp-2-base", testutil.BaseLayer).AddModule("org.other", moduleV2)
	_, err := c.Apply(context.Background(), cp2.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrHistoryInconsistent)
	assert.Equal(t, "1.1", env.State().Version)
}

func TestRollback_IncludesLaterPatches(t *testing.T) {
	env, c := setup(t, "1.0")
	apply(t, c, testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).AddFile("F", "1"), policy.Strict)
	apply(t, c, testutil.NewPatchBuilder("op-2", "1.0", metadata.OneOff).UpdateFile("F", "1", "2"), policy.Strict)

	result := rollback(t, c, "op-1")

	assert.Equal(t, []string{"op-2", "op-1"}, result.PatchIDs)
	testutil.AssertNoFile(t, env.FS, env.Path("F"))
	state := env.State()
	assert.True(t, state.Identity.IsBase())
	assert.Empty(t, state.InstalledPatches)

	entries, err := env.FS.ReadDir(env.Manager.Image().PatchesDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "history and staging directories are removed")
}

func TestRollback_NotApplied(t *testing.T) {
	_, c := setup(t, "1.0")

	_, err := c.Rollback(context.Background(), "op-1", policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrApplicability)
}

func TestRollback_ConflictOnAlteredFile(t *testing.T) {
	env, c := setup(t, "1.0")
	apply(t, c, testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).AddFile("F", "1"), policy.Strict)
	env.WriteFile("F", "changed")

	_, err := c.Rollback(context.Background(), "op-1", policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrConflict)
	testutil.AssertFileContent(t, env.FS, env.Path("F"), "changed")
	assert.Equal(t, []string{"op-1"}, env.State().Identity.PatchIDs)

	result, err := c.Rollback(context.Background(), "op-1", policy.OverrideAll)
	require.NoError(t, err)
	require.NoError(t, result.Commit())
	testutil.AssertNoFile(t, env.FS, env.Path("F"))
}

func TestResult_RollbackUndoesApply(t *testing.T) {
	env, c := setup(t, "1.0")
	env.WriteFile("conf/app.conf", "v1")
	before := env.State()

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).
		UpdateFile("conf/app.conf", "v1", "v2").
		AddFile("bin/F", "hello")
	b.Element("op-1-base", testutil.BaseLayer).AddModule("org.acme", moduleV1)

	result, err := c.Apply(context.Background(), b.Reader(t), policy.Strict)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-1"}, result.PatchIDs)
	assert.Equal(t, runner.ModeApply, result.Mode)
	testutil.AssertFileContent(t, env.FS, env.Path("conf/app.conf"), "v2")

	require.NoError(t, result.Rollback())

	testutil.AssertFileContent(t, env.FS, env.Path("conf/app.conf"), "v1")
	testutil.AssertNoFile(t, env.FS, env.Path("bin/F"))
	structure := env.Manager.Image().Structure(testutil.BaseLayer)
	assert.False(t, exists(t, env, structure.ModulePatchDirectory("op-1-base")))
	assert.False(t, exists(t, env, env.Manager.Image().PatchHistoryDir("op-1")))
	assert.Equal(t, before, env.State())

	testutil.AssertErrorCode(t, result.Commit(), errors.ErrInvalidInput)

	// the installation is released
	apply(t, c, b, policy.Strict)
}

func TestApply_InstallationLocked(t *testing.T) {
	_, c := setup(t, "1.0")

	first, err := c.Apply(context.Background(),
		testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).AddFile("F", "1").Reader(t), policy.Strict)
	require.NoError(t, err)

	_, err = c.Apply(context.Background(),
		testutil.NewPatchBuilder("op-2", "1.0", metadata.OneOff).AddFile("G", "2").Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrLocked)

	require.NoError(t, first.Commit())
	apply(t, c, testutil.NewPatchBuilder("op-2", "1.0", metadata.OneOff).AddFile("G", "2"), policy.Strict)
}

func TestApply_CanceledContext(t *testing.T) {
	env, c := setup(t, "1.0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).AddFile("bin/F", "hello")
	_, err := c.Apply(ctx, b.Reader(t), policy.Strict)

	require.Error(t, err)
	testutil.AssertNoFile(t, env.FS, env.Path("bin/F"))
	assert.False(t, exists(t, env, env.Manager.Image().PatchHistoryDir("op-1")))
	assert.True(t, env.State().Identity.IsBase())
}

func TestApply_MalformedArchive(t *testing.T) {
	env, c := setup(t, "1.0")

	_, err := c.Apply(context.Background(), strings.NewReader("not a zip"), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrParse)
	assertWorkRootEmpty(t, env)
}

func TestCoordinator_History(t *testing.T) {
	_, c := setup(t, "1.0")
	apply(t, c, testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).AddFile("F", "1"), policy.Strict)
	apply(t, c, testutil.NewPatchBuilder("op-2", "1.0", metadata.OneOff).AddFile("G", "2"), policy.Strict)

	entries, err := c.History()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "op-2", entries[0].PatchID)
	assert.Equal(t, "op-1", entries[1].PatchID)
	assert.True(t, entries[0].Active)
}

type recordingMetrics struct {
	operations map[string]int
	conflicts  int
	tasks      map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{operations: make(map[string]int), tasks: make(map[string]int)}
}

func (m *recordingMetrics) IncOperation(operation, outcome string) {
	m.operations[operation+"/"+outcome]++
}
func (m *recordingMetrics) ObserveOperation(string, float64) {}
func (m *recordingMetrics) AddConflicts(n int)               { m.conflicts += n }
func (m *recordingMetrics) IncTaskExecuted(content string)   { m.tasks[content]++ }

func TestCoordinator_Metrics(t *testing.T) {
	env := testutil.NewEnv(t, "1.0", []string{"base"}, nil)
	m := newRecordingMetrics()
	c := runner.NewCoordinator(env.Manager, runner.WithWorkRoot(env.WorkRoot), runner.WithMetrics(m))
	env.WriteFile("F", "changed")

	conflicting := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).UpdateFile("F", "1", "2")
	_, err := c.Apply(context.Background(), conflicting.Reader(t), policy.Strict)
	require.Error(t, err)

	b := testutil.NewPatchBuilder("op-2", "1.0", metadata.OneOff).AddFile("G", "2")
	b.Element("op-2-base", testutil.BaseLayer).AddModule("org.acme", moduleV1)
	apply(t, c, b, policy.Strict)
	rollback(t, c, "op-2")

	assert.Equal(t, 1, m.operations["apply/conflict"])
	assert.Equal(t, 1, m.operations["apply/applied"])
	assert.Equal(t, 1, m.operations["rollback/applied"])
	assert.Equal(t, 1, m.conflicts)
	assert.Equal(t, 2, m.tasks[string(metadata.Misc)])
	assert.Equal(t, 2, m.tasks[string(metadata.Module)])
}

func TestApply_AddOnOverlay(t *testing.T) {
	env, c := setup(t, "1.0")
	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff)
	b.Element("op-1-web", testutil.WebAddOn).AddModule("org.web", moduleV1)
	apply(t, c, b, policy.Strict)

	structure := env.Manager.Image().Structure(testutil.WebAddOn)
	dir := structure.OverlayPath("op-1-web", metadata.ModuleItem("org.web", ""))
	testutil.AssertModuleFiles(t, env.FS, dir, moduleV1)

	web, ok := env.State().Target(testutil.WebAddOn)
	require.True(t, ok)
	assert.Equal(t, []string{"op-1-web"}, installation.ActiveOverlays(web))
}

// failingFS fails every Create of one path.
type failingFS struct {
	types.FS
	path string
}

func (f *failingFS) Create(name string) (io.WriteCloser, error) {
	if name == f.path {
		return nil, fmt.Errorf("no space left on device")
	}
	return f.FS.Create(name)
}

// descriptorOnly renders the archive of b without any content.
func descriptorOnly(t *testing.T, b *testutil.PatchBuilder) io.Reader {
	t.Helper()
	descriptor, err := metadata.Marshal(b.Patch())
	require.NoError(t, err)
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(metadata.PatchXML)
	require.NoError(t, err)
	_, err = f.Write(descriptor)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf
}

// snapshot maps every path below root to its content.
func snapshot(t *testing.T, fsys types.FS, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	var walk func(dir string)
	walk = func(dir string) {
		entries, err := fsys.ReadDir(dir)
		require.NoError(t, err)
		for _, entry := range entries {
			p := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				out[p+"/"] = ""
				walk(p)
				continue
			}
			data, err := fsys.ReadFile(p)
			require.NoError(t, err)
			out[p] = string(data)
		}
	}
	walk(root)
	return out
}

func TestApply_WriteFailureKeepsBackups(t *testing.T) {
	env, _ := setup(t, "1.0")
	env.WriteFile("conf/app.conf", "v1")
	env.WriteFile("conf/db.conf", "v1")
	fsys := &failingFS{FS: env.FS, path: env.Path("conf/db.conf")}
	c := runner.NewCoordinator(installation.NewManager(fsys, env.Root), runner.WithWorkRoot(env.WorkRoot))
	before := env.State()

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).
		UpdateFile("conf/app.conf", "v1", "v2").
		UpdateFile("conf/db.conf", "v1", "v2")
	_, err := c.Apply(context.Background(), b.Reader(t), policy.Strict)

	testutil.AssertErrorCode(t, err, errors.ErrIOFatal)
	image := env.Manager.Image()
	details := errors.GetErrorDetails(err)
	assert.Equal(t, image.PatchHistoryDir("op-1"), details["backups"])
	assert.Equal(t, "conf/db.conf", details["item"])

	// nothing is compensated, the backups allow a manual repair
	testutil.AssertFileContent(t, env.FS, env.Path("conf/app.conf"), "v2")
	testutil.AssertFileContent(t, env.FS, filepath.Join(image.MiscBackupDir("op-1"), "conf", "app.conf"), "v1")
	testutil.AssertFileContent(t, env.FS, filepath.Join(image.MiscBackupDir("op-1"), "conf", "db.conf"), "v1")
	assert.Equal(t, before, env.State())
	assertWorkRootEmpty(t, env)
}

func TestApply_MissingContentIsParseError(t *testing.T) {
	env, c := setup(t, "1.0")
	env.WriteFile("conf/app.conf", "v1")
	before := snapshot(t, env.FS, env.Root)

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).
		UpdateFile("conf/app.conf", "v1", "v2").
		AddFile("bin/F", "hello")
	b.Element("op-1-base", testutil.BaseLayer).AddModule("org.acme", moduleV1)
	_, err := c.Apply(context.Background(), descriptorOnly(t, b), policy.Strict)

	testutil.AssertErrorCode(t, err, errors.ErrParse)
	assert.Equal(t, before, snapshot(t, env.FS, env.Root))
	assertWorkRootEmpty(t, env)
}

func TestApply_PathOutsideInstallation(t *testing.T) {
	env, c := setup(t, "1.0")

	b := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).AddFile("../escape.txt", "pwned")
	_, err := c.Apply(context.Background(), b.Reader(t), policy.Strict)

	testutil.AssertErrorCode(t, err, errors.ErrParse)
	testutil.AssertNoFile(t, env.FS, filepath.Join(filepath.Dir(env.Root), "escape.txt"))
	assert.True(t, env.State().Identity.IsBase())
}

func TestApply_ElementIDReused(t *testing.T) {
	env, c := setup(t, "1.0")

	first := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff)
	first.Element("e1", testutil.BaseLayer).AddModule("org.acme", moduleV1)
	apply(t, c, first, policy.Strict)
	after := env.State()

	second := testutil.NewPatchBuilder("op-2", "1.0", metadata.OneOff)
	second.Element("e1", testutil.BaseLayer).AddModule("org.other", moduleV2)
	_, err := c.Apply(context.Background(), second.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrApplicability)
	assert.Equal(t, "e1", errors.GetErrorDetails(err)["element"])
	assert.Equal(t, after, env.State())

	// an invalidated one-off keeps its overlay, its element id stays taken
	cp := testutil.NewPatchBuilder("cp-1", "1.0", metadata.Cumulative).
		ResultingVersion("1.1").
		AddFile("cp.txt", "CP")
	apply(t, c, cp, policy.Strict)
	base, _ := env.State().Target(testutil.BaseLayer)
	require.True(t, base.IsBase())

	third := testutil.NewPatchBuilder("op-3", "1.1", metadata.OneOff)
	third.Element("e1", testutil.BaseLayer).AddModule("org.other", moduleV2)
	_, err = c.Apply(context.Background(), third.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrApplicability)

	rollback(t, c, "cp-1")
	rollback(t, c, "op-1")
	assert.True(t, env.State().Identity.IsBase())
}

func TestApply_CumulativeElementConditionsAfterInvalidation(t *testing.T) {
	env, c := setup(t, "1.0")

	op := testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff)
	op.Element("op-1-base", testutil.BaseLayer).AddModule("org.acme", moduleV1)
	apply(t, c, op, policy.Strict)

	// op-1-base is gone once the cumulative patch invalidated op-1
	requires := testutil.NewPatchBuilder("cp-1", "1.0", metadata.Cumulative).ResultingVersion("1.1")
	requires.Element("cp-1-base", testutil.BaseLayer).
		Requires("op-1-base").
		AddModule("org.other", moduleV2)
	_, err := c.Apply(context.Background(), requires.Reader(t), policy.Strict)
	testutil.AssertErrorCode(t, err, errors.ErrPrerequisite)

	incompatible := testutil.NewPatchBuilder("cp-2", "1.0", metadata.Cumulative).ResultingVersion("1.1")
	incompatible.Element("cp-2-base", testutil.BaseLayer).
		IncompatibleWith("op-1-base").
		AddModule("org.other", moduleV2)
	apply(t, c, incompatible, policy.Strict)

	base, _ := env.State().Target(testutil.BaseLayer)
	assert.Equal(t, "cp-2-base", base.CumulativePatchID)
}

func TestApply_FailureLeavesTreeUntouched(t *testing.T) {
	tests := []struct {
		name  string
		patch *testutil.PatchBuilder
		code  errors.ErrorCode
	}{
		{
			name:  "version_mismatch",
			patch: testutil.NewPatchBuilder("op-1", "2.0", metadata.OneOff).AddFile("bin/F", "hello"),
			code:  errors.ErrApplicability,
		},
		{
			name: "conflict_after_backup",
			patch: testutil.NewPatchBuilder("op-1", "1.0", metadata.OneOff).
				UpdateFile("conf/app.conf", "v0", "v2"),
			code: errors.ErrConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _ := setup(t, "1.0")
			env.WriteFile("conf/app.conf", "v1")
			// archives are unpacked into the default work root
			c := runner.NewCoordinator(env.Manager)
			before := snapshot(t, env.FS, env.Root)

			_, err := c.Apply(context.Background(), tt.patch.Reader(t), policy.Strict)

			testutil.AssertErrorCode(t, err, tt.code)
			assert.Equal(t, before, snapshot(t, env.FS, env.Root))
		})
	}
}
