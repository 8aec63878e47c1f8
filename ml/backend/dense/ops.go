package dense

import (
	"fmt"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/semvit/semvit/ml"
)

// broadcastShape right-aligns two shapes; a dim broadcasts when it is 1 or
// absent.
func broadcastShape(a, b []int) []int {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		av, bv := 1, 1
		if i >= n-len(a) {
			av = a[i-(n-len(a))]
		}
		if i >= n-len(b) {
			bv = b[i-(n-len(b))]
		}

		switch {
		case av == bv:
			out[i] = av
		case av == 1:
			out[i] = bv
		case bv == 1:
			out[i] = av
		default:
			panic(fmt.Errorf("dense: cannot broadcast %v with %v", a, b))
		}
	}

	return out
}

// broadcastStrides returns per-dim strides into shape for iterating over
// out, with 0 on broadcast dims.
func broadcastStrides(shape, out []int) []int {
	src := strides(shape)
	bs := make([]int, len(out))
	pad := len(out) - len(shape)
	for i := range out {
		if i < pad || shape[i-pad] == 1 {
			bs[i] = 0
		} else {
			bs[i] = src[i-pad]
		}
	}

	return bs
}

func binaryOp(a, b *Tensor, f func(x, y float32) float32) *Tensor {
	outShape := broadcastShape(a.shape, b.shape)
	out := newTensor(resultDType(a, b), outShape...)

	as := broadcastStrides(a.shape, outShape)
	bs := broadcastStrides(b.shape, outShape)

	coords := make([]int, len(outShape))
	aOff, bOff := 0, 0
	for i := range out.data {
		out.data[i] = f(a.data[aOff], b.data[bOff])

		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			aOff += as[d]
			bOff += bs[d]
			if coords[d] < outShape[d] {
				break
			}
			coords[d] = 0
			aOff -= as[d] * outShape[d]
			bOff -= bs[d] * outShape[d]
		}
	}

	return out.round()
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return binaryOp(t, t2.(*Tensor), func(x, y float32) float32 { return x + y })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return binaryOp(t, t2.(*Tensor), func(x, y float32) float32 { return x * y })
}

func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return binaryOp(t, t2.(*Tensor), func(x, y float32) float32 { return x / y })
}

func unaryOp(t *Tensor, f func(x float32) float32) *Tensor {
	out := newTensor(t.dtype, t.shape...)
	for i, v := range t.data {
		out.data[i] = f(v)
	}

	return out.round()
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return unaryOp(t, func(x float32) float32 { return float32(float64(x) * s) })
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return unaryOp(t, func(x float32) float32 {
		return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
	})
}

func (t *Tensor) QuickGELU(ctx ml.Context) ml.Tensor {
	// x * sigmoid(1.702x), the CLIP-style GELU approximation. Not
	// interchangeable with GELU: pretrained weights expect this curve.
	return unaryOp(t, func(x float32) float32 {
		return float32(float64(x) / (1 + math.Exp(-1.702*float64(x))))
	})
}

func (t *Tensor) Clamp(ctx ml.Context, min, max float32) ml.Tensor {
	return unaryOp(t, func(x float32) float32 {
		if x < min {
			return min
		}
		if x > max {
			return max
		}
		return x
	})
}

// serialMatmulThreshold is the per-call work (m*k*n) below which Mulmat
// stays on the calling goroutine.
const serialMatmulThreshold = 1 << 16

func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	a, b := t, t2.(*Tensor)
	if len(a.shape) < 2 || len(b.shape) < 2 {
		panic(fmt.Errorf("dense: mulmat needs at least 2 dims, got %v x %v", a.shape, b.shape))
	}

	m, k := a.shape[len(a.shape)-2], a.shape[len(a.shape)-1]
	k2, n := b.shape[len(b.shape)-2], b.shape[len(b.shape)-1]
	if k != k2 {
		panic(fmt.Errorf("dense: mulmat inner dims do not match: %v x %v", a.shape, b.shape))
	}

	batch := broadcastShape(a.shape[:len(a.shape)-2], b.shape[:len(b.shape)-2])
	outShape := append(slices.Clone(batch), m, n)
	out := newTensor(resultDType(a, b), outShape...)

	as := broadcastStrides(a.shape[:len(a.shape)-2], batch)
	bs := broadcastStrides(b.shape[:len(b.shape)-2], batch)

	total := count(batch)
	parallel := total*m*k*n > serialMatmulThreshold

	var g *errgroup.Group
	if parallel {
		g = new(errgroup.Group)
		g.SetLimit(numThreads())
	}

	coords := make([]int, len(batch))
	for bi := 0; bi < total; bi++ {
		aOff, bOff := 0, 0
		for d, c := range coords {
			aOff += c * as[d]
			bOff += c * bs[d]
		}

		aMat := a.data[aOff*m*k : aOff*m*k+m*k]
		bMat := b.data[bOff*k*n : bOff*k*n+k*n]
		cMat := out.data[bi*m*n : (bi+1)*m*n]

		if parallel {
			for r0 := 0; r0 < m; r0 += matmulRowChunk {
				r1 := min(r0+matmulRowChunk, m)
				g.Go(func() error {
					matmulRows(cMat, aMat, bMat, r0, r1, k, n)
					return nil
				})
			}
		} else {
			matmulRows(cMat, aMat, bMat, 0, m, k, n)
		}

		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < batch[d] {
				break
			}
			coords[d] = 0
		}
	}

	if parallel {
		g.Wait()
	}

	return out.round()
}

const matmulRowChunk = 16

func matmulRows(c, a, b []float32, r0, r1, k, n int) {
	for i := r0; i < r1; i++ {
		ci := c[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			av := a[i*k+kk]
			if av == 0 {
				continue
			}

			brow := b[kk*n : (kk+1)*n]
			for j, bv := range brow {
				ci[j] += av * bv
			}
		}
	}
}

func (t *Tensor) Softmax(ctx ml.Context, dim int) ml.Tensor {
	d := t.dim(dim)
	n := t.shape[d]
	inner := count(t.shape[d+1:])
	outer := count(t.shape[:d])

	out := newTensor(t.dtype, t.shape...)
	for i := 0; i < outer; i++ {
		for j := 0; j < inner; j++ {
			base := i*n*inner + j

			maxv := float32(math.Inf(-1))
			for x := 0; x < n; x++ {
				if v := t.data[base+x*inner]; v > maxv {
					maxv = v
				}
			}

			var sum float64
			for x := 0; x < n; x++ {
				e := math.Exp(float64(t.data[base+x*inner] - maxv))
				out.data[base+x*inner] = float32(e)
				sum += e
			}

			for x := 0; x < n; x++ {
				out.data[base+x*inner] = float32(float64(out.data[base+x*inner]) / sum)
			}
		}
	}

	return out.round()
}

// LayerNorm normalizes over the last dim with float32/float64 arithmetic
// regardless of storage dtype, then rounds back. Half-precision inputs
// would otherwise lose too much mantissa in the variance.
func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	w, b := weight.(*Tensor), bias.(*Tensor)
	c := t.shape[len(t.shape)-1]
	if len(w.data) != c || len(b.data) != c {
		panic(fmt.Errorf("dense: layer norm weight %v does not match channels %d", w.shape, c))
	}

	rows := len(t.data) / c
	out := newTensor(t.dtype, t.shape...)
	for r := 0; r < rows; r++ {
		row := t.data[r*c : (r+1)*c]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(c)

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(c)

		inv := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range row {
			out.data[r*c+i] = float32((float64(v)-mean)*inv)*w.data[i] + b.data[i]
		}
	}

	return out.round()
}

func (t *Tensor) Conv1D(ctx ml.Context, weight ml.Tensor, groups int) ml.Tensor {
	w := weight.(*Tensor)
	cin := t.shape[len(t.shape)-1]
	cout := w.shape[0]
	if cin%groups != 0 || cout%groups != 0 || w.shape[1] != cin/groups {
		panic(fmt.Errorf("dense: conv1d weight %v does not fit %d channels in %d groups", w.shape, cin, groups))
	}

	gin := cin / groups
	gout := cout / groups

	outShape := slices.Clone(t.shape)
	outShape[len(outShape)-1] = cout

	rows := len(t.data) / cin
	out := newTensor(resultDType(t, w), outShape...)
	for r := 0; r < rows; r++ {
		row := t.data[r*cin : (r+1)*cin]
		for co := 0; co < cout; co++ {
			seg := row[(co/gout)*gin : (co/gout)*gin+gin]

			var sum float32
			for i, wv := range w.data[co*gin : (co+1)*gin] {
				sum += wv * seg[i]
			}
			out.data[r*cout+co] = sum
		}
	}

	return out.round()
}

func (t *Tensor) reduce(dim int, keepdim bool, init float32, f func(acc, v float32) float32, post func(acc float32, n int) float32) *Tensor {
	d := t.dim(dim)
	n := t.shape[d]
	inner := count(t.shape[d+1:])
	outer := count(t.shape[:d])

	outShape := slices.Clone(t.shape)
	if keepdim {
		outShape[d] = 1
	} else {
		outShape = append(outShape[:d], outShape[d+1:]...)
	}

	out := newTensor(t.dtype, outShape...)
	for i := 0; i < outer; i++ {
		for j := 0; j < inner; j++ {
			acc := init
			for x := 0; x < n; x++ {
				acc = f(acc, t.data[i*n*inner+x*inner+j])
			}
			if post != nil {
				acc = post(acc, n)
			}
			out.data[i*inner+j] = acc
		}
	}

	return out.round()
}

func (t *Tensor) SumDim(ctx ml.Context, dim int, keepdim bool) ml.Tensor {
	return t.reduce(dim, keepdim, 0, func(acc, v float32) float32 { return acc + v }, nil)
}

func (t *Tensor) MeanDim(ctx ml.Context, dim int, keepdim bool) ml.Tensor {
	return t.reduce(dim, keepdim, 0,
		func(acc, v float32) float32 { return acc + v },
		func(acc float32, n int) float32 { return acc / float32(n) })
}

func (t *Tensor) MaxDim(ctx ml.Context, dim int, keepdim bool) ml.Tensor {
	return t.reduce(dim, keepdim, float32(math.Inf(-1)),
		func(acc, v float32) float32 {
			if v > acc {
				return v
			}
			return acc
		}, nil)
}

// HardMax writes 1 at the maximum along dim and 0 elsewhere. Ties resolve
// to the first occurrence: the scan keeps the earliest index with the
// maximal value, so repeated runs discretize identically.
func (t *Tensor) HardMax(ctx ml.Context, dim int) ml.Tensor {
	d := t.dim(dim)
	n := t.shape[d]
	inner := count(t.shape[d+1:])
	outer := count(t.shape[:d])

	out := newTensor(t.dtype, t.shape...)
	for i := 0; i < outer; i++ {
		for j := 0; j < inner; j++ {
			best := 0
			for x := 1; x < n; x++ {
				if t.data[i*n*inner+x*inner+j] > t.data[i*n*inner+best*inner+j] {
					best = x
				}
			}
			out.data[i*n*inner+best*inner+j] = 1
		}
	}

	return out
}
