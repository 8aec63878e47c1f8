package nn

import (
	"math/rand/v2"

	"github.com/semvit/semvit/ml"
)

// DropPath drops entire residual branches per sample (stochastic depth).
type DropPath struct {
	Prob float32
}

func (m *DropPath) Forward(ctx ml.Context, t ml.Tensor, training bool, src *rand.Rand) ml.Tensor {
	if m == nil || m.Prob == 0 || !training {
		return t
	}

	keep := 1 - m.Prob
	shape := make([]int, len(t.Shape()))
	for i := range shape {
		shape[i] = 1
	}
	shape[0] = t.Dim(0)

	mask := make([]float32, shape[0])
	for i := range mask {
		if src.Float32() < keep {
			mask[i] = 1
		}
	}

	g, err := ctx.FromFloatSlice(mask, shape...)
	if err != nil {
		panic(err)
	}

	return t.Scale(ctx, 1/float64(keep)).Mul(ctx, g)
}
