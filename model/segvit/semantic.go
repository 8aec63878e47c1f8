package segvit

import (
	"math"

	"github.com/semvit/semvit/ml"
	"github.com/semvit/semvit/ml/nn"
)

// SemanticMLP is the inner MLP of the semantic output projection. Unlike
// the block MLPs it uses exact GELU between its two layers.
type SemanticMLP struct {
	Up   *nn.Linear `param:"fc1"`
	Down *nn.Linear `param:"fc2"`
}

func (m *SemanticMLP) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return m.Down.Forward(ctx, m.Up.Forward(ctx, t).GELU(ctx))
}

type SemanticProjection struct {
	Norm *nn.LayerNorm `param:"ln"`
	MLP  *SemanticMLP  `param:"mlp"`
}

func (m *SemanticProjection) Forward(ctx ml.Context, t ml.Tensor, opts *Options) ml.Tensor {
	t = m.Norm.Forward(ctx, t, opts.eps)
	return m.MLP.Forward(ctx, t).QuickGELU(ctx)
}

// SemanticLearner compresses a patch sequence into a small set of learned
// semantic tokens. A bank of center vectors is refined by cross-attending
// over the raw patches, then each patch is hard-routed to exactly one
// token.
type SemanticLearner struct {
	InputNorm *nn.LayerNorm `param:"norm"`

	Centers ml.Tensor `param:"semantic_center"`

	CrossAttention []CrossAttentionBlock `param:"cross_att"`
	CrossNorm      *nn.LayerNorm         `param:"cross_ln"`

	KeyConv   *nn.Conv1D    `param:"k_conv"`
	KeyNorm   *nn.LayerNorm `param:"k_ln"`
	ValueConv *nn.Conv1D    `param:"v_conv"`

	Output *SemanticProjection `param:"proj_o"`
}

const routingTau = 0.9

// Forward groups inputs (batch, length, channels) into (batch, tokens,
// channels). It also returns the hard and soft routing maps, both
// (batch, tokens, length), and the refined query set the grouping was
// scored against.
func (m *SemanticLearner) Forward(ctx ml.Context, inputs ml.Tensor, opts *Options) (grouped, hardAttn, softAttn, qFeat ml.Tensor) {
	batch := inputs.Dim(0)
	normed := m.InputNorm.Forward(ctx, inputs, opts.eps)

	// The centers seed the query set; each refinement round attends over
	// the evolving tokens concatenated with the raw, unnormalized patches.
	q := m.Centers.Reshape(ctx, 1, opts.groupNum, opts.hiddenSize).Repeat(ctx, 0, batch)
	for i := range m.CrossAttention {
		kv := q.Concat(ctx, inputs, 1)
		q = m.CrossAttention[i].Forward(ctx, q, kv, opts)
	}
	q = m.CrossNorm.Forward(ctx, q, opts.eps)

	k := m.KeyConv.Forward(ctx, normed, opts.numHeads)
	k = m.KeyNorm.Forward(ctx, k, opts.eps)
	v := m.ValueConv.Forward(ctx, normed, opts.numHeads)

	// (batch, tokens, length) similarity, contracted over channels.
	scores := q.Mulmat(ctx, k.Transpose(ctx, -2, -1))

	// Routing runs along the token axis: each patch position picks the
	// single token that owns it.
	hardAttn = nn.GumbelSoftmax(ctx, scores, nn.GumbelOptions{
		Tau:      routingTau,
		Hard:     true,
		Dim:      1,
		Training: opts.training,
		Source:   opts.noise,
	})
	softAttn = scores.Softmax(ctx, 1)

	grouped = hardAttn.Mulmat(ctx, v)

	// Tokens with no assigned patches would divide by zero; the floor is
	// 1.0, not epsilon.
	counts := hardAttn.SumDim(ctx, -1, true).Clamp(ctx, 1, float32(math.Inf(1)))
	grouped = grouped.Div(ctx, counts)

	grouped = m.Output.Forward(ctx, q.Add(ctx, grouped), opts)
	return grouped, hardAttn, softAttn, q
}
