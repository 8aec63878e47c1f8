package nn_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semvit/semvit/ml"
	_ "github.com/semvit/semvit/ml/backend"
	"github.com/semvit/semvit/ml/nn"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()

	b, err := ml.NewBackend(ml.KV{}, ml.BackendOptions{})
	require.NoError(t, err)

	ctx := b.NewContext()
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func fromFloats(t *testing.T, ctx ml.Context, data []float32, shape ...int) ml.Tensor {
	t.Helper()

	tn, err := ctx.FromFloatSlice(data, shape...)
	require.NoError(t, err)
	return tn
}

// assertOneHot checks that every slice along dim holds exactly one 1 and
// 0 elsewhere.
func assertOneHot(t *testing.T, x ml.Tensor, dim int) {
	t.Helper()

	shape := x.Shape()
	n := shape[dim]
	inner := 1
	for _, d := range shape[dim+1:] {
		inner *= d
	}
	outer := len(x.Floats()) / (n * inner)

	data := x.Floats()
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

func TestGumbelSoftmaxHardInference(t *testing.T) {
	ctx := testContext(t)

	logits := fromFloats(t, ctx, []float32{
		2, -1,
		0, 3,
		1, 1,
	}, 1, 3, 2)

	got := nn.GumbelSoftmax(ctx, logits, nn.GumbelOptions{Tau: 0.9, Hard: true, Dim: 1})
	assertOneHot(t, got, 1)

	// Without noise the assignment is the plain argmax.
	assert.Equal(t, []float32{
		1, 0,
		0, 1,
		0, 0,
	}, got.Floats())
}

func TestGumbelSoftmaxInferenceDeterministic(t *testing.T) {
	ctx := testContext(t)

	logits := fromFloats(t, ctx, []float32{0.3, -0.7, 1.1, 0.2}, 1, 4)

	a := nn.GumbelSoftmax(ctx, logits, nn.GumbelOptions{Hard: true, Dim: -1})
	b := nn.GumbelSoftmax(ctx, logits, nn.GumbelOptions{Hard: true, Dim: -1})
	assert.Equal(t, a.Floats(), b.Floats())
}

func TestGumbelSoftmaxSoftSumsToOne(t *testing.T) {
	ctx := testContext(t)

	logits := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	got := nn.GumbelSoftmax(ctx, logits, nn.GumbelOptions{
		Tau:      0.9,
		Dim:      -1,
		Training: true,
		Source:   rand.New(rand.NewPCG(1, 2)),
	})

	data := got.Floats()
	for r := 0; r < 2; r++ {
		var sum float32
		for i := 0; i < 3; i++ {
			sum += data[r*3+i]
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}
}

func TestGumbelSoftmaxTrainingSeeded(t *testing.T) {
	ctx := testContext(t)

	logits := fromFloats(t, ctx, []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, 1, 3, 2)

	opts := func() nn.GumbelOptions {
		return nn.GumbelOptions{
			Tau:      0.9,
			Hard:     true,
			Dim:      1,
			Training: true,
			Source:   rand.New(rand.NewPCG(7, 11)),
		}
	}

	a := nn.GumbelSoftmax(ctx, logits, opts())
	b := nn.GumbelSoftmax(ctx, logits, opts())

	assertOneHot(t, a, 1)
	assert.Equal(t, a.Floats(), b.Floats())
}

// TestStraightThroughGrad verifies the estimator against central finite
// differences of the relaxed softmax sample.
func TestStraightThroughGrad(t *testing.T) {
	ctx := testContext(t)

	const tau = 0.9
	logits := []float32{0.5, -0.3, 0.8}
	upstream := []float32{1.0, -2.0, 0.5}

	relaxed := func(l []float32) []float32 {
		x := fromFloats(t, ctx, l, 1, 3)
		return x.Scale(ctx, 1/float64(tau)).Softmax(ctx, -1).Floats()
	}

	soft := fromFloats(t, ctx, relaxed(logits), 1, 3)
	grad := fromFloats(t, ctx, upstream, 1, 3)

	got := nn.StraightThroughGrad(ctx, grad, soft, tau, -1).Floats()

	const eps = 1e-3
	for j := 0; j < 3; j++ {
		plus := append([]float32(nil), logits...)
		minus := append([]float32(nil), logits...)
		plus[j] += eps
		minus[j] -= eps

		fp, fm := relaxed(plus), relaxed(minus)

		var want float64
		for i := 0; i < 3; i++ {
			want += float64(upstream[i]) * float64(fp[i]-fm[i]) / (2 * eps)
		}

		assert.InDelta(t, want, float64(got[j]), 1e-3)
	}
}
