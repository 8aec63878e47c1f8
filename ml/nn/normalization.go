package nn

import "github.com/semvit/semvit/ml"

type LayerNorm struct {
	Weight ml.Tensor `param:"weight"`
	Bias   ml.Tensor `param:"bias"`
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}
