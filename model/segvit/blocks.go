package segvit

import (
	"github.com/semvit/semvit/ml"
	"github.com/semvit/semvit/ml/nn"
)

// BlockMLP is the position-wise feed-forward half of a transformer block.
// It uses the QuickGELU curve, not exact GELU.
type BlockMLP struct {
	Up   *nn.Linear `param:"c_fc"`
	Down *nn.Linear `param:"c_proj"`
}

func (m *BlockMLP) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return m.Down.Forward(ctx, m.Up.Forward(ctx, t).QuickGELU(ctx))
}

// ResidualAttentionBlock is a pre-norm transformer encoder block.
type ResidualAttentionBlock struct {
	Attention     *nn.MultiheadAttention `param:"attn"`
	AttentionNorm *nn.LayerNorm          `param:"ln_1"`
	MLP           *BlockMLP              `param:"mlp"`
	MLPNorm       *nn.LayerNorm          `param:"ln_2"`
}

func (b *ResidualAttentionBlock) Forward(ctx ml.Context, t ml.Tensor, opts *Options) ml.Tensor {
	h := b.AttentionNorm.Forward(ctx, t, opts.eps)
	h = b.Attention.Forward(ctx, h, h, h, opts.numHeads)
	t = t.Add(ctx, opts.dropPath.Forward(ctx, h, opts.training, opts.noise))

	h = b.MLP.Forward(ctx, b.MLPNorm.Forward(ctx, t, opts.eps))
	return t.Add(ctx, opts.dropPath.Forward(ctx, h, opts.training, opts.noise))
}

// CrossAttentionBlock attends a small query set onto a larger key/value
// set. Query and key sides are normalized independently; residuals are
// added to the unnormalized query.
type CrossAttentionBlock struct {
	Attention *nn.MultiheadAttention `param:"attn"`
	QueryNorm *nn.LayerNorm          `param:"ln_x"`
	KeyNorm   *nn.LayerNorm          `param:"ln_k"`
	MLP       *BlockMLP              `param:"mlp"`
	MLPNorm   *nn.LayerNorm          `param:"ln_2"`
}

func (b *CrossAttentionBlock) Forward(ctx ml.Context, q, kv ml.Tensor, opts *Options) ml.Tensor {
	k := b.KeyNorm.Forward(ctx, kv, opts.eps)
	h := b.Attention.Forward(ctx, b.QueryNorm.Forward(ctx, q, opts.eps), k, k, opts.numHeads)
	q = q.Add(ctx, h)

	return q.Add(ctx, b.MLP.Forward(ctx, b.MLPNorm.Forward(ctx, q, opts.eps)))
}
