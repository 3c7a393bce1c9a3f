// Package workflow implements the Prompt Template Builder (spec §4.1): a
// deep-clone-and-path-rewrite utility that lets a caller bind logical input
// and output names to dotted paths inside an otherwise opaque workflow graph.
package workflow

import (
	"strings"

	"github.com/arkeep-io/comfyfleet/comfyerrors"
)

// Workflow is a DAG of nodes serialized as a mapping from node id to a node
// object. The dispatcher never interprets the node object's shape except at
// the paths a PromptTemplate declares, so it is represented generically as
// the JSON tree it will eventually be marshaled as.
type Workflow map[string]any

// Ref builds the two-element [nodeID, slotIndex] reference tuple used to
// point one node's input at another node's output slot.
func Ref(nodeID string, slot int) []any {
	return []any{nodeID, slot}
}

// PathEncoding controls how Input rewrites path separators found inside a
// string value before writing it, matching the two platform conventions a
// backend's OS type may require (spec §4.1, §4.2 osType).
type PathEncoding int

const (
	// EncodingNone writes the value unmodified.
	EncodingNone PathEncoding = iota
	// EncodingPOSIX replaces backslashes with forward slashes.
	EncodingPOSIX
	// EncodingNT replaces forward slashes with backslashes.
	EncodingNT
)

func (e PathEncoding) rewrite(s string) string {
	switch e {
	case EncodingPOSIX:
		return strings.ReplaceAll(s, `\`, "/")
	case EncodingNT:
		return strings.ReplaceAll(s, "/", `\`)
	default:
		return s
	}
}

// Template is an immutable-by-convention triple of workflow, input/output
// bindings, and a bypass set (spec §3). Every mutating operation returns a
// new *Template; the receiver is never modified, so callers may safely share
// a base template across concurrent jobs.
type Template struct {
	workflow  Workflow
	inputMap  map[string][]string
	outputMap map[string]string
	bypass    map[string]struct{}
}

// New constructs a Template from workflow, deep-copying it so the caller's
// value is never mutated, and registers every name in inputNames/outputNames
// with an empty binding.
func New(workflow Workflow, inputNames, outputNames []string) *Template {
	t := &Template{
		workflow:  workflow.Clone(),
		inputMap:  make(map[string][]string, len(inputNames)),
		outputMap: make(map[string]string, len(outputNames)),
		bypass:    make(map[string]struct{}),
	}
	for _, n := range inputNames {
		t.inputMap[n] = nil
	}
	for _, n := range outputNames {
		t.outputMap[n] = ""
	}
	return t
}

// Clone returns an independent copy of t. Structural sharing of the
// underlying workflow is not attempted — clarity over micro-optimization,
// matching the teacher's preference for explicit copies over shared mutable
// state (agent/internal/connection Manager's mutex-guarded fields).
func (t *Template) Clone() *Template {
	out := &Template{
		workflow:  t.workflow.Clone(),
		inputMap:  make(map[string][]string, len(t.inputMap)),
		outputMap: make(map[string]string, len(t.outputMap)),
		bypass:    make(map[string]struct{}, len(t.bypass)),
	}
	for k, v := range t.inputMap {
		out.inputMap[k] = append([]string(nil), v...)
	}
	for k, v := range t.outputMap {
		out.outputMap[k] = v
	}
	for k := range t.bypass {
		out.bypass[k] = struct{}{}
	}
	return out
}

// Workflow returns the template's current workflow tree. The caller must not
// mutate the returned value; call Clone if a private copy is needed.
func (t *Template) Workflow() Workflow {
	return t.workflow
}

// SetInputNode replaces the binding for name with paths, discarding any
// previous binding. Returns ErrUnknownInput if name was not registered.
func (t *Template) SetInputNode(name string, paths ...string) (*Template, error) {
	if _, ok := t.inputMap[name]; !ok {
		return nil, comfyerrors.ErrUnknownInput
	}
	out := t.Clone()
	out.inputMap[name] = append([]string(nil), paths...)
	return out, nil
}

// AppendInputNode concatenates paths onto name's existing binding. Returns
// ErrUnknownInput if name was not registered.
func (t *Template) AppendInputNode(name string, paths ...string) (*Template, error) {
	if _, ok := t.inputMap[name]; !ok {
		return nil, comfyerrors.ErrUnknownInput
	}
	out := t.Clone()
	out.inputMap[name] = append(out.inputMap[name], paths...)
	return out, nil
}

// SetOutputNode binds name to the node id whose output will be reported at
// finalization. Returns ErrUnknownInput if name was not registered.
func (t *Template) SetOutputNode(name string, nodeID string) (*Template, error) {
	if _, ok := t.outputMap[name]; !ok {
		return nil, comfyerrors.ErrUnknownInput
	}
	out := t.Clone()
	out.outputMap[name] = nodeID
	return out, nil
}

// Bypass marks nodeIDs to be skipped at submission.
func (t *Template) Bypass(nodeIDs ...string) *Template {
	out := t.Clone()
	for _, id := range nodeIDs {
		out.bypass[id] = struct{}{}
	}
	return out
}

// Reinstate removes nodeIDs from the bypass set.
func (t *Template) Reinstate(nodeIDs ...string) *Template {
	out := t.Clone()
	for _, id := range nodeIDs {
		delete(out.bypass, id)
	}
	return out
}

// InputNames returns the bound paths for name, or nil if it has no binding
// yet. Returns ErrUnknownInput if name was never registered.
func (t *Template) InputNames(name string) ([]string, error) {
	paths, ok := t.inputMap[name]
	if !ok {
		return nil, comfyerrors.ErrUnknownInput
	}
	return paths, nil
}

// Input writes value at every path bound to name. When encoding is
// EncodingNT or EncodingPOSIX and value is a string, separators are rewritten
// before the write (spec §4.1). Intermediate objects are created where
// absent. Returns ErrUnknownInput if name was never registered, or
// ErrInvalidPath if any bound path contains a reserved segment — in which
// case a nil template is returned and t itself is left unchanged (InputRaw
// implements the failure semantics used here).
func (t *Template) Input(name string, value any, encoding PathEncoding) (*Template, error) {
	paths, ok := t.inputMap[name]
	if !ok {
		return nil, comfyerrors.ErrUnknownInput
	}
	written := value
	if s, ok := value.(string); ok {
		written = encoding.rewrite(s)
	}
	return t.InputRaw(paths, written)
}

// InputRaw writes value at every path in paths against a clone of t's
// workflow, applying no encoding rewrite. It is the primitive Input builds
// on, and the one the security-invariant tests (spec §8 property 2) call
// directly. On the first invalid path it returns a nil template and
// ErrInvalidPath; t is not modified (no partial writes are observable).
func (t *Template) InputRaw(paths []string, value any) (*Template, error) {
	out := t.Clone()
	wf := out.workflow.Clone()
	for _, p := range paths {
		if err := setPath(wf, p, value); err != nil {
			return nil, err
		}
	}
	out.workflow = wf
	return out, nil
}

// Finalize produces the workflow blob to submit: a deep clone of the
// template's workflow with every bypassed node's "mode" field set to 4 (the
// ComfyUI wire convention for "bypass this node"), leaving the node's other
// fields — and every other node — untouched.
func (t *Template) Finalize() Workflow {
	wf := t.workflow.Clone()
	for id := range t.bypass {
		node, ok := wf[id].(map[string]any)
		if !ok {
			continue
		}
		node["mode"] = float64(4)
	}
	return wf
}

// OutputNode returns the node id bound to output name, and whether the
// binding exists and is non-empty.
func (t *Template) OutputNode(name string) (string, bool) {
	id, ok := t.outputMap[name]
	return id, ok && id != ""
}

// OutputNames returns every registered output name.
func (t *Template) OutputNames() []string {
	names := make([]string, 0, len(t.outputMap))
	for n := range t.outputMap {
		names = append(names, n)
	}
	return names
}

// Get reads the current value at a dotted path, for tests and introspection.
func (t *Template) Get(path string) (any, bool) {
	return getPath(map[string]any(t.workflow), path)
}
