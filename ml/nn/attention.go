package nn

import (
	"fmt"
	"math"

	"github.com/semvit/semvit/ml"
)

// MultiheadAttention packs the query, key and value projections into a
// single in_proj weight, the layout torch's nn.MultiheadAttention
// checkpoints use.
type MultiheadAttention struct {
	InProjWeight ml.Tensor `param:"in_proj_weight"`
	InProjBias   ml.Tensor `param:"in_proj_bias"`
	OutProj      *Linear   `param:"out_proj"`
}

// Forward computes scaled dot-product attention of query over key/value.
// All three are (batch, length, channels); query and key may have
// different lengths.
func (m *MultiheadAttention) Forward(ctx ml.Context, query, key, value ml.Tensor, numHeads int) ml.Tensor {
	channels := query.Dim(-1)
	if channels%numHeads != 0 {
		panic(fmt.Errorf("nn: %d channels do not divide into %d heads", channels, numHeads))
	}

	headDim := channels / numHeads
	batch, queryLen, keyLen := query.Dim(0), query.Dim(1), key.Dim(1)

	q := m.project(ctx, query, 0, channels)
	k := m.project(ctx, key, channels, 2*channels)
	v := m.project(ctx, value, 2*channels, 3*channels)

	// (batch, length, channels) -> (batch, heads, length, headDim)
	q = q.Reshape(ctx, batch, queryLen, numHeads, headDim).Permute(ctx, 0, 2, 1, 3)
	k = k.Reshape(ctx, batch, keyLen, numHeads, headDim).Permute(ctx, 0, 2, 1, 3)
	v = v.Reshape(ctx, batch, keyLen, numHeads, headDim).Permute(ctx, 0, 2, 1, 3)

	scores := q.Mulmat(ctx, k.Transpose(ctx, -2, -1))
	scores = scores.Scale(ctx, 1/math.Sqrt(float64(headDim)))
	scores = scores.Softmax(ctx, -1)

	out := scores.Mulmat(ctx, v)
	out = out.Permute(ctx, 0, 2, 1, 3).Reshape(ctx, batch, queryLen, channels)
	return m.OutProj.Forward(ctx, out)
}

func (m *MultiheadAttention) project(ctx ml.Context, t ml.Tensor, start, stop int) ml.Tensor {
	w := m.InProjWeight.Slice(ctx, 0, start, stop, 1)
	t = t.Mulmat(ctx, w.Transpose(ctx, 0, 1))
	if m.InProjBias != nil {
		t = t.Add(ctx, m.InProjBias.Slice(ctx, 0, start, stop, 1))
	}

	return t
}
