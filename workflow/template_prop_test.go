package workflow

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arkeep-io/comfyfleet/comfyerrors"
)

// fixedWorkflow is the base tree every property test binds paths against.
// Its shape (node ids, field names) is fixed so generators only need to pick
// which of its existing leaf paths to touch, keeping the fidelity property
// checkable without hand-rolling a recursive JSON-tree generator.
func fixedWorkflow() Workflow {
	return Workflow{
		"1": map[string]any{"inputs": map[string]any{"a": "orig-a", "b": "orig-b"}},
		"2": map[string]any{"inputs": map[string]any{"c": "orig-c", "d": "orig-d"}},
	}
}

var leafPaths = []string{"1.inputs.a", "1.inputs.b", "2.inputs.c", "2.inputs.d"}

// TestTemplateFidelity is the spec §8 property 1 analogue: binding a subset
// of the fixed workflow's leaf paths and writing values touches exactly
// those paths, leaving every other leaf unchanged.
func TestTemplateFidelity(t *testing.T) {
	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	properties.Property("input writes touch only the bound paths", prop.ForAll(
		func(indices []int, value string) bool {
			seen := map[int]bool{}
			var chosen []string
			for _, i := range indices {
				i = ((i % len(leafPaths)) + len(leafPaths)) % len(leafPaths)
				if !seen[i] {
					seen[i] = true
					chosen = append(chosen, leafPaths[i])
				}
			}
			if len(chosen) == 0 {
				return true
			}

			tmpl := New(fixedWorkflow(), []string{"target"}, nil)
			tmpl, err := tmpl.SetInputNode("target", chosen...)
			if err != nil {
				return false
			}
			tmpl, err = tmpl.Input("target", value, EncodingNone)
			if err != nil {
				return false
			}

			original := fixedWorkflow()
			for _, p := range leafPaths {
				got, _ := tmpl.Get(p)
				want, _ := getPath(map[string]any(original), p)
				if seen[indexOf(p)] {
					if got != value {
						return false
					}
				} else if got != want {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.IntRange(0, 100)),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func indexOf(path string) int {
	for i, p := range leafPaths {
		if p == path {
			return i
		}
	}
	return -1
}

// TestTemplateSafety is the spec §8 property 2 analogue: any path carrying a
// reserved segment at any position is refused, and the template's observable
// workflow is unchanged.
func TestTemplateSafety(t *testing.T) {
	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	reserved := []string{"__proto__", "prototype", "constructor"}

	properties.Property("paths with a reserved segment are rejected and leave the template unchanged", prop.ForAll(
		func(prefixDepth int, reservedIdx int) bool {
			prefixDepth = ((prefixDepth % 3) + 3) % 3
			reservedIdx = ((reservedIdx % len(reserved)) + len(reserved)) % len(reserved)

			segs := make([]string, 0, prefixDepth+2)
			for i := 0; i < prefixDepth; i++ {
				segs = append(segs, fmt.Sprintf("seg%d", i))
			}
			segs = append(segs, reserved[reservedIdx])
			segs = append(segs, "leaf")

			path := segs[0]
			for _, s := range segs[1:] {
				path += "." + s
			}

			tmpl := New(fixedWorkflow(), nil, nil)
			before := tmpl.Workflow().Clone()

			_, err := tmpl.InputRaw([]string{path}, "poison")
			if err != comfyerrors.ErrInvalidPath && !isErrInvalidPath(err) {
				return false
			}

			after := tmpl.Workflow()
			return workflowsEqual(before, after)
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

func isErrInvalidPath(err error) bool {
	return err == comfyerrors.ErrInvalidPath
}

func workflowsEqual(a, b Workflow) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
