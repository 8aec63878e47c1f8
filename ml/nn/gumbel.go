package nn

import (
	"math"
	"math/rand/v2"

	"github.com/semvit/semvit/ml"
)

type GumbelOptions struct {
	// Tau is the softmax temperature. Zero means 1.
	Tau float32

	// Hard discretizes the sample to a one-hot assignment along Dim.
	Hard bool

	Dim int

	// Training perturbs the logits with Gumbel noise drawn from Source.
	// In evaluation mode the relaxation is a plain softmax with no
	// temperature, so repeated calls are deterministic.
	Training bool
	Source   *rand.Rand
}

// GumbelSoftmax draws a sample from the concrete relaxation of the
// categorical distribution given by logits.
func GumbelSoftmax(ctx ml.Context, logits ml.Tensor, opts GumbelOptions) ml.Tensor {
	tau := opts.Tau
	if tau == 0 {
		tau = 1
	}

	var soft ml.Tensor
	if opts.Training {
		noise := make([]float32, count(logits))
		for i := range noise {
			noise[i] = gumbelNoise(opts.Source)
		}

		g, err := ctx.FromFloatSlice(noise, logits.Shape()...)
		if err != nil {
			panic(err)
		}

		soft = logits.Add(ctx, g).Scale(ctx, 1/float64(tau)).Softmax(ctx, opts.Dim)
	} else {
		soft = logits.Softmax(ctx, opts.Dim)
	}

	if opts.Hard {
		// The straight-through estimator passes the hard assignment
		// forward unchanged, so the forward value is exactly the
		// one-hot of the relaxed sample.
		return soft.HardMax(ctx, opts.Dim)
	}

	return soft
}

// StraightThroughGrad maps a gradient taken at the hard assignment back
// through the relaxed softmax sample: the straight-through estimator
// treats the discretization as identity and differentiates the softmax.
// soft must be the relaxed sample the hard assignment was taken from.
func StraightThroughGrad(ctx ml.Context, grad, soft ml.Tensor, tau float32, dim int) ml.Tensor {
	if tau == 0 {
		tau = 1
	}

	dot := grad.Mul(ctx, soft).SumDim(ctx, dim, true)
	return soft.Mul(ctx, grad.Add(ctx, dot.Scale(ctx, -1))).Scale(ctx, 1/float64(tau))
}

func gumbelNoise(src *rand.Rand) float32 {
	u := src.Float64()
	for u == 0 {
		u = src.Float64()
	}

	return float32(-math.Log(-math.Log(u)))
}

func count(t ml.Tensor) int {
	n := 1
	for _, d := range t.Shape() {
		n *= d
	}

	return n
}
