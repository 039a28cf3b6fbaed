package history

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arthur-debert/layerpatch/pkg/errors"
	"github.com/arthur-debert/layerpatch/pkg/filesystem"
	"github.com/arthur-debert/layerpatch/pkg/metadata"
	"github.com/hashicorp/go-multierror"
)

// StepKind is the kind of a validation step.
type StepKind int

const (
	// StepHistoryDir checks the history directory of a patch exists.
	StepHistoryDir StepKind = iota
	// StepPatchXML parses the original descriptor.
	StepPatchXML
	// StepRollbackXML parses the rollback descriptor.
	StepRollbackXML
	// StepElements compares the targets of both descriptors.
	StepElements
	// StepChainLink compares the recorded pre-patch identity state with
	// the state the chain predicts.
	StepChainLink
)

func (k StepKind) String() string {
	switch k {
	case StepHistoryDir:
		return "history-dir"
	case StepPatchXML:
		return metadata.PatchXML
	case StepRollbackXML:
		return metadata.RollbackXML
	case StepElements:
		return "elements"
	case StepChainLink:
		return "chain-link"
	default:
		return fmt.Sprintf("step(%d)", int(k))
	}
}

// Step is a node of the validation tree. Children only run when their
// parent succeeded.
type Step struct {
	Kind     StepKind
	PatchID  string
	Expected *metadata.TargetState
	Children []*Step
}

// Finding is a failed validation step.
type Finding struct {
	Kind    StepKind
	PatchID string
	Message string
}

func (f *Finding) Error() string {
	return fmt.Sprintf("%s %s: %s", f.PatchID, f.Kind, f.Message)
}

// Plan builds the validation tree for undoing ids, newest first, starting
// from the identity state current.
func Plan(current metadata.TargetState, ids []string) []*Step {
	var steps []*Step
	state := current
	for _, id := range ids {
		elements := &Step{Kind: StepElements, PatchID: id}
		rollback := &Step{Kind: StepRollbackXML, PatchID: id, Children: []*Step{elements}}
		if containsID(state.PatchIDs, id) {
			// undoing a one-off leaves everything else in place
			expected := metadata.TargetState{
				CumulativePatchID: state.CumulativePatchID,
				PatchIDs:          withoutID(state.PatchIDs, id),
			}
			rollback.Children = append(rollback.Children, &Step{Kind: StepChainLink, PatchID: id, Expected: &expected})
			state = expected
		}
		steps = append(steps, &Step{
			Kind:    StepHistoryDir,
			PatchID: id,
			Children: []*Step{
				{Kind: StepPatchXML, PatchID: id},
				rollback,
			},
		})
	}
	return steps
}

type walkContext struct {
	history   *History
	patches   map[string]*metadata.Patch
	rollbacks map[string]*metadata.RollbackPatch
	findings  *multierror.Error
}

// Validate walks the validation tree depth first and returns the loaded
// entries of ids. All findings are reported together in one
// ErrHistoryInconsistent error.
func (h *History) Validate(current metadata.TargetState, ids []string) (map[string]*Entry, error) {
	ctx := &walkContext{
		history:   h,
		patches:   make(map[string]*metadata.Patch),
		rollbacks: make(map[string]*metadata.RollbackPatch),
	}
	for _, step := range Plan(current, ids) {
		walk(ctx, step)
	}
	if err := ctx.findings.ErrorOrNil(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrHistoryInconsistent, "history of %s is inconsistent", strings.Join(ids, ", ")).
			WithDetail("findings", len(ctx.findings.Errors))
	}

	entries := make(map[string]*Entry, len(ids))
	for _, id := range ids {
		entries[id] = newEntry(ctx.patches[id], ctx.rollbacks[id])
	}
	return entries, nil
}

func walk(ctx *walkContext, step *Step) {
	if msg := evaluate(ctx, step); msg != "" {
		ctx.findings = multierror.Append(ctx.findings, &Finding{Kind: step.Kind, PatchID: step.PatchID, Message: msg})
		return
	}
	for _, child := range step.Children {
		walk(ctx, child)
	}
}

func evaluate(ctx *walkContext, step *Step) string {
	h := ctx.history
	id := step.PatchID
	switch step.Kind {
	case StepHistoryDir:
		exists, err := filesystem.Exists(h.fs, h.image.PatchHistoryDir(id))
		if err != nil {
			return err.Error()
		}
		if !exists {
			return "history directory is missing"
		}
	case StepPatchXML:
		patch, err := metadata.ParseFile(h.fs, h.image.PatchXML(id))
		if err != nil {
			return err.Error()
		}
		if patch.ID != id {
			return fmt.Sprintf("descriptor belongs to patch %s", patch.ID)
		}
		ctx.patches[id] = patch
	case StepRollbackXML:
		rollback, err := metadata.ParseRollbackFile(h.fs, h.image.RollbackXML(id))
		if err != nil {
			return err.Error()
		}
		ctx.rollbacks[id] = rollback
	case StepElements:
		patch, ok := ctx.patches[id]
		if !ok {
			// already reported by the patch.xml step
			return ""
		}
		want := targetSet(patch.Elements)
		got := targetSet(ctx.rollbacks[id].Elements)
		if want != got {
			return fmt.Sprintf("patch targets [%s] but rollback targets [%s]", want, got)
		}
	case StepChainLink:
		recorded := ctx.rollbacks[id].State.Identity
		if !recorded.Equal(*step.Expected) {
			return fmt.Sprintf("recorded state %s does not match %s", describe(recorded), describe(*step.Expected))
		}
	}
	return ""
}

func targetSet(elements []metadata.PatchElement) string {
	names := make([]string, 0, len(elements))
	for _, e := range elements {
		names = append(names, e.Target.String())
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

func describe(s metadata.TargetState) string {
	return fmt.Sprintf("{cumulative=%s patches=%v}", s.CumulativePatchID, s.PatchIDs)
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func withoutID(ids []string, id string) []string {
	var out []string
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
