package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkeep-io/comfyfleet/comfyerrors"
)

func sampleWorkflow() Workflow {
	return Workflow{
		"3": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"seed":  float64(0),
				"model": Ref("4", 0),
			},
		},
		"4": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs": map[string]any{
				"ckpt_name": "default.safetensors",
			},
		},
		"9": map[string]any{
			"class_type": "SaveImage",
			"inputs":     map[string]any{},
		},
	}
}

func TestNewDeepCopiesWorkflow(t *testing.T) {
	wf := sampleWorkflow()
	tmpl := New(wf, []string{"checkpoint"}, []string{"image"})

	wf["4"].(map[string]any)["inputs"].(map[string]any)["ckpt_name"] = "mutated"

	v, ok := tmpl.Get("4.inputs.ckpt_name")
	require.True(t, ok)
	assert.Equal(t, "default.safetensors", v)
}

func TestSetInputNodeThenInputWritesPath(t *testing.T) {
	tmpl := New(sampleWorkflow(), []string{"checkpoint"}, nil)
	tmpl, err := tmpl.SetInputNode("checkpoint", "4.inputs.ckpt_name")
	require.NoError(t, err)

	tmpl, err = tmpl.Input("checkpoint", "models/sd/v1.safetensors", EncodingNone)
	require.NoError(t, err)

	v, ok := tmpl.Get("4.inputs.ckpt_name")
	require.True(t, ok)
	assert.Equal(t, "models/sd/v1.safetensors", v)
}

func TestInputNTEncodingRewritesSeparators(t *testing.T) {
	tmpl := New(sampleWorkflow(), []string{"checkpoint"}, nil)
	tmpl, err := tmpl.SetInputNode("checkpoint", "4.inputs.ckpt_name")
	require.NoError(t, err)

	tmpl, err = tmpl.Input("checkpoint", "models/sd/v1.safetensors", EncodingNT)
	require.NoError(t, err)

	v, _ := tmpl.Get("4.inputs.ckpt_name")
	assert.Equal(t, `models\sd\v1.safetensors`, v)
}

func TestInputPOSIXEncodingRewritesSeparators(t *testing.T) {
	tmpl := New(sampleWorkflow(), []string{"checkpoint"}, nil)
	tmpl, err := tmpl.SetInputNode("checkpoint", "4.inputs.ckpt_name")
	require.NoError(t, err)

	tmpl, err = tmpl.Input("checkpoint", `models\sd\v1.safetensors`, EncodingPOSIX)
	require.NoError(t, err)

	v, _ := tmpl.Get("4.inputs.ckpt_name")
	assert.Equal(t, "models/sd/v1.safetensors", v)
}

func TestSetInputNodeUnknownNameFails(t *testing.T) {
	tmpl := New(sampleWorkflow(), nil, nil)
	_, err := tmpl.SetInputNode("nope", "4.inputs.ckpt_name")
	assert.ErrorIs(t, err, comfyerrors.ErrUnknownInput)
}

func TestInputRejectsReservedPathSegment(t *testing.T) {
	tmpl := New(sampleWorkflow(), []string{"checkpoint"}, nil)
	tmpl, err := tmpl.SetInputNode("checkpoint", "4.inputs.ckpt_name")
	require.NoError(t, err)

	before := tmpl.Workflow().Clone()["4"]

	_, err = tmpl.InputRaw([]string{"4.__proto__.polluted"}, "x")
	assert.ErrorIs(t, err, comfyerrors.ErrInvalidPath)

	after := tmpl.Workflow()["4"]
	assert.Equal(t, before, after)
}

func TestAppendInputNodeConcatenates(t *testing.T) {
	tmpl := New(sampleWorkflow(), []string{"seed"}, nil)
	tmpl, err := tmpl.SetInputNode("seed", "3.inputs.seed")
	require.NoError(t, err)
	tmpl, err = tmpl.AppendInputNode("seed", "9.inputs.seed")
	require.NoError(t, err)

	names, err := tmpl.InputNames("seed")
	require.NoError(t, err)
	assert.Equal(t, []string{"3.inputs.seed", "9.inputs.seed"}, names)
}

func TestBypassSetsNodeModeOnFinalize(t *testing.T) {
	tmpl := New(sampleWorkflow(), nil, nil)
	tmpl = tmpl.Bypass("9")

	wf := tmpl.Finalize()
	node := wf["9"].(map[string]any)
	assert.Equal(t, float64(4), node["mode"])

	other := wf["4"].(map[string]any)
	_, hasMode := other["mode"]
	assert.False(t, hasMode)
}

func TestReinstateRemovesBypass(t *testing.T) {
	tmpl := New(sampleWorkflow(), nil, nil)
	tmpl = tmpl.Bypass("9").Reinstate("9")

	wf := tmpl.Finalize()
	node := wf["9"].(map[string]any)
	_, hasMode := node["mode"]
	assert.False(t, hasMode)
}

func TestSetOutputNodeAndOutputNode(t *testing.T) {
	tmpl := New(sampleWorkflow(), nil, []string{"image"})
	tmpl, err := tmpl.SetOutputNode("image", "9")
	require.NoError(t, err)

	id, ok := tmpl.OutputNode("image")
	assert.True(t, ok)
	assert.Equal(t, "9", id)
}

func TestCloneIsIndependent(t *testing.T) {
	tmpl := New(sampleWorkflow(), []string{"checkpoint"}, nil)
	tmpl, err := tmpl.SetInputNode("checkpoint", "4.inputs.ckpt_name")
	require.NoError(t, err)

	clone := tmpl.Clone()
	clone, err = clone.Input("checkpoint", "changed.safetensors", EncodingNone)
	require.NoError(t, err)

	original, _ := tmpl.Get("4.inputs.ckpt_name")
	changed, _ := clone.Get("4.inputs.ckpt_name")
	assert.Equal(t, "default.safetensors", original)
	assert.Equal(t, "changed.safetensors", changed)
}
