package segvit_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semvit/semvit/ml"
	"github.com/semvit/semvit/model"
	"github.com/semvit/semvit/model/segvit"
)

// smallKV keeps forward passes cheap: a 4x4 grid of 64-channel patches
// grouped into 4 semantic tokens.
func smallKV() ml.KV {
	return ml.KV{
		"general.architecture":           "segvit",
		"segvit.embedding_length":        uint32(64),
		"segvit.block_count":             uint32(2),
		"segvit.first_stage_block_count": uint32(1),
		"segvit.cross_attention_count":   uint32(1),
		"segvit.semantic_token_count":    uint32(4),
		"segvit.patch_size":              uint32(16),
		"segvit.image_size":              uint32(64),
		"segvit.layer_norm_epsilon":      float32(1e-5),
	}
}

func newModel(t *testing.T, kv ml.KV) (*segvit.Model, ml.Context) {
	t.Helper()

	m, err := model.New(kv, model.WithSeed(42))
	require.NoError(t, err)

	sv, ok := m.(*segvit.Model)
	require.True(t, ok)

	ctx := sv.Backend().NewContext()
	t.Cleanup(func() { ctx.Close() })
	return sv, ctx
}

func randomInput(t *testing.T, ctx ml.Context, seed uint64, shape ...int) ml.Tensor {
	t.Helper()

	n := 1
	for _, d := range shape {
		n *= d
	}

	rng := rand.New(rand.NewPCG(seed, seed+1))
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}

	x, err := ctx.FromFloatSlice(data, shape...)
	require.NoError(t, err)
	return x
}

func assertOneHot(t *testing.T, x ml.Tensor, dim int) {
	t.Helper()

	shape := x.Shape()
	n := shape[dim]
	inner := 1
	for _, d := range shape[dim+1:] {
		inner *= d
	}

	data := x.Floats()
	outer := len(data) / (n * inner)
	for i := 0; i < outer; i++ {
		for j := 0; j < inner; j++ {
			var ones int
			for k := 0; k < n; k++ {
				switch v := data[i*n*inner+k*inner+j]; v {
				case 1:
					ones++
				case 0:
				default:
					t.Fatalf("value %v is neither 0 nor 1", v)
				}
			}
			assert.Equal(t, 1, ones)
		}
	}
}

func TestSemanticLearnerShapes(t *testing.T) {
	sv, ctx := newModel(t, smallKV())

	for _, seqLen := range []int{16, 10, 64} {
		inputs := randomInput(t, ctx, 1, 2, seqLen, 64)

		grouped, hard, soft, qFeat := sv.Semantic.Forward(ctx, inputs, sv.Options)
		assert.Equal(t, []int{2, 4, 64}, grouped.Shape())
		assert.Equal(t, []int{2, 4, seqLen}, hard.Shape())
		assert.Equal(t, []int{2, 4, seqLen}, soft.Shape())
		assert.Equal(t, []int{2, 4, 64}, qFeat.Shape())
	}
}

func TestRoutingMapProperties(t *testing.T) {
	sv, ctx := newModel(t, smallKV())
	inputs := randomInput(t, ctx, 2, 2, 16, 64)

	_, hard, soft, _ := sv.Semantic.Forward(ctx, inputs, sv.Options)

	assertOneHot(t, hard, 1)

	// Soft assignments form a distribution over tokens at every patch
	// position.
	data := soft.Floats()
	for b := 0; b < 2; b++ {
		for l := 0; l < 16; l++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += data[b*4*16+k*16+l]
			}
			assert.InDelta(t, 1, sum, 1e-5)
		}
	}
}

func TestReconstructShape(t *testing.T) {
	sv, ctx := newModel(t, smallKV())

	tokens := randomInput(t, ctx, 3, 2, 4, 64)
	attn := randomInput(t, ctx, 4, 2, 4, 16)

	got := sv.Reconstruct.Forward(ctx, tokens, attn)
	assert.Equal(t, []int{2, 16, 64}, got.Shape())
}

func TestModeSelection(t *testing.T) {
	kv := smallKV()
	kv["segvit.patch_size"] = uint32(16)
	kv["segvit.image_size"] = uint32(224) // 14x14 grid

	sv, _ := newModel(t, kv)

	assert.Equal(t, segvit.ModeFull, sv.ModeFor(196))
	assert.Equal(t, segvit.ModeFull, sv.ModeFor(784))
	assert.Equal(t, segvit.ModeMasked, sv.ModeFor(150))
	assert.Equal(t, segvit.ModeMasked, sv.ModeFor(197))
}

func TestForwardRejectsAttentionMask(t *testing.T) {
	sv, ctx := newModel(t, smallKV())

	x := randomInput(t, ctx, 5, 17, 2, 64)
	mask := randomInput(t, ctx, 6, 2, 16)

	_, _, err := sv.Forward(ctx, x, mask, -1)
	assert.ErrorIs(t, err, segvit.ErrAttentionMask)
}

func TestForwardGrouped(t *testing.T) {
	sv, ctx := newModel(t, smallKV())

	// 1 summary token + the full 4x4 grid.
	x := randomInput(t, ctx, 7, 17, 2, 64)

	out, states, err := sv.Forward(ctx, x, nil, -1)
	require.NoError(t, err)

	assert.Equal(t, []int{5, 2, 64}, out.Shape())
	require.Len(t, states.Attns, 1)
	assert.Equal(t, []int{2, 4, 16}, states.Attns[0].Hard.Shape())
	assert.Equal(t, []int{2, 4, 16}, states.Attns[0].Soft.Shape())
	require.NotNil(t, states.Hidden)
	assert.Equal(t, []int{2, 16, 64}, states.Hidden.Shape())
}

func TestForwardMasked(t *testing.T) {
	sv, ctx := newModel(t, smallKV())

	// 12 patches match neither 16 nor 64, so the reconstruction path runs.
	x := randomInput(t, ctx, 8, 13, 2, 64)

	out, states, err := sv.Forward(ctx, x, nil, -1)
	require.NoError(t, err)

	assert.Equal(t, []int{13, 2, 64}, out.Shape())
	assert.Empty(t, states.Attns)
	require.NotNil(t, states.Hidden)
	assert.Equal(t, []int{2, 12, 64}, states.Hidden.Shape())
}

func TestForwardDeterministicAtInference(t *testing.T) {
	sv, ctx := newModel(t, smallKV())

	x := randomInput(t, ctx, 9, 17, 2, 64)

	a, _, err := sv.Forward(ctx, x, nil, -1)
	require.NoError(t, err)
	b, _, err := sv.Forward(ctx, x, nil, -1)
	require.NoError(t, err)

	assert.Equal(t, a.Floats(), b.Floats())
}

func TestForwardTrainingRoutesOneHot(t *testing.T) {
	sv, ctx := newModel(t, smallKV())
	sv.Train(11)

	x := randomInput(t, ctx, 10, 17, 2, 64)

	_, states, err := sv.Forward(ctx, x, nil, -1)
	require.NoError(t, err)
	require.Len(t, states.Attns, 1)
	assertOneHot(t, states.Attns[0].Hard, 1)
}

func TestFreshModelsWithSameSeedMatch(t *testing.T) {
	a, actx := newModel(t, smallKV())
	b, bctx := newModel(t, smallKV())

	x := randomInput(t, actx, 12, 17, 2, 64)
	y := randomInput(t, bctx, 12, 17, 2, 64)

	outA, _, err := a.Forward(actx, x, nil, -1)
	require.NoError(t, err)
	outB, _, err := b.Forward(bctx, y, nil, -1)
	require.NoError(t, err)

	assert.Equal(t, outA.Floats(), outB.Floats())
}

func TestForwardFullSize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full-size forward pass in short mode")
	}

	kv := ml.KV{
		"general.architecture":           "segvit",
		"segvit.embedding_length":        uint32(768),
		"segvit.block_count":             uint32(12),
		"segvit.first_stage_block_count": uint32(10),
		"segvit.cross_attention_count":   uint32(2),
		"segvit.semantic_token_count":    uint32(8),
		"segvit.patch_size":              uint32(16),
		"segvit.image_size":              uint32(224),
		"segvit.layer_norm_epsilon":      float32(1e-5),
	}

	sv, ctx := newModel(t, kv)

	x := randomInput(t, ctx, 13, 197, 2, 768)

	out, states, err := sv.Forward(ctx, x, nil, -1)
	require.NoError(t, err)

	assert.Equal(t, []int{9, 2, 768}, out.Shape())
	require.Len(t, states.Attns, 1)
	assert.Equal(t, []int{2, 8, 196}, states.Attns[0].Hard.Shape())
	assert.Equal(t, []int{2, 8, 196}, states.Attns[0].Soft.Shape())
}
