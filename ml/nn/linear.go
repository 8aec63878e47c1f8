package nn

import "github.com/semvit/semvit/ml"

// Linear stores its weight as (outFeatures, inFeatures), matching torch
// checkpoints.
type Linear struct {
	Weight ml.Tensor `param:"weight"`
	Bias   ml.Tensor `param:"bias"`
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Mulmat(ctx, m.Weight.Transpose(ctx, 0, 1))
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
