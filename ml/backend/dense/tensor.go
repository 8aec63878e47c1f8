package dense

import (
	"fmt"
	"slices"

	"github.com/x448/float16"

	"github.com/semvit/semvit/ml"
)

// Tensor is an eagerly evaluated, contiguous, row-major tensor. Data is
// always held as float32; a tensor with dtype F16 holds values that have
// been rounded through half precision.
type Tensor struct {
	dtype ml.DType
	shape []int
	data  []float32
}

func newTensor(dtype ml.DType, shape ...int) *Tensor {
	return &Tensor{
		dtype: dtype,
		shape: slices.Clone(shape),
		data:  make([]float32, count(shape)),
	}
}

func count(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}

	return s
}

func (t *Tensor) Dim(n int) int {
	if n < 0 {
		n += len(t.shape)
	}

	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

// Floats returns a copy of the tensor's elements. Callers cannot mutate the
// tensor through the returned slice; parameters stay read-only across
// forward passes.
func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.data)
}

func (t *Tensor) dim(n int) int {
	if n < 0 {
		n += len(t.shape)
	}

	if n < 0 || n >= len(t.shape) {
		panic(fmt.Errorf("dense: dim %d out of range for shape %v", n, t.shape))
	}

	return n
}

// resultDType propagates storage precision: mixing F32 into an op widens
// the result to F32.
func resultDType(ts ...*Tensor) ml.DType {
	for _, t := range ts {
		if t.dtype == ml.DTypeF32 {
			return ml.DTypeF32
		}
	}

	return ml.DTypeF16
}

// round applies the tensor's storage precision in place.
func (t *Tensor) round() *Tensor {
	if t.dtype == ml.DTypeF16 {
		for i, v := range t.data {
			t.data[i] = float16.Fromfloat32(v).Float32()
		}
	}

	return t
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := newTensor(dtype, t.shape...)
	copy(out.data, t.data)
	return out.round()
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	shape = slices.Clone(shape)

	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer != -1 {
				panic("dense: at most one dim may be inferred in reshape")
			}

			infer = i
		} else {
			known *= d
		}
	}

	if infer != -1 {
		shape[infer] = len(t.data) / known
	}

	if count(shape) != len(t.data) {
		panic(fmt.Errorf("dense: cannot reshape %v to %v", t.shape, shape))
	}

	out := &Tensor{dtype: t.dtype, shape: shape, data: t.data}
	return out
}

func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic(fmt.Errorf("dense: permute order %v does not match shape %v", order, t.shape))
	}

	outShape := make([]int, len(order))
	for i, o := range order {
		outShape[i] = t.shape[t.dim(o)]
	}

	src := strides(t.shape)
	outStrides := make([]int, len(order))
	for i, o := range order {
		outStrides[i] = src[t.dim(o)]
	}

	out := newTensor(t.dtype, outShape...)
	coords := make([]int, len(outShape))
	for i := range out.data {
		off := 0
		for d, c := range coords {
			off += c * outStrides[d]
		}
		out.data[i] = t.data[off]

		for d := len(coords) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < outShape[d] {
				break
			}
			coords[d] = 0
		}
	}

	return out
}

func (t *Tensor) Transpose(ctx ml.Context, dim0, dim1 int) ml.Tensor {
	order := make([]int, len(t.shape))
	for i := range order {
		order[i] = i
	}

	d0, d1 := t.dim(dim0), t.dim(dim1)
	order[d0], order[d1] = d1, d0
	return t.Permute(ctx, order...)
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	o := t2.(*Tensor)
	d := t.dim(dim)
	if len(t.shape) != len(o.shape) {
		panic(fmt.Errorf("dense: concat rank mismatch %v vs %v", t.shape, o.shape))
	}

	for i := range t.shape {
		if i != d && t.shape[i] != o.shape[i] {
			panic(fmt.Errorf("dense: concat shape mismatch %v vs %v on dim %d", t.shape, o.shape, dim))
		}
	}

	outShape := slices.Clone(t.shape)
	outShape[d] += o.shape[d]

	inner := count(t.shape[d+1:])
	outer := count(t.shape[:d])

	out := newTensor(resultDType(t, o), outShape...)
	aBlock := t.shape[d] * inner
	bBlock := o.shape[d] * inner
	for i := 0; i < outer; i++ {
		copy(out.data[i*(aBlock+bBlock):], t.data[i*aBlock:(i+1)*aBlock])
		copy(out.data[i*(aBlock+bBlock)+aBlock:], o.data[i*bBlock:(i+1)*bBlock])
	}

	return out.round()
}

func (t *Tensor) Slice(ctx ml.Context, dim, start, stop, step int) ml.Tensor {
	d := t.dim(dim)
	if step < 1 || start < 0 || stop > t.shape[d] || start > stop {
		panic(fmt.Errorf("dense: slice [%d:%d:%d] out of range for dim %d of %v", start, stop, step, dim, t.shape))
	}

	n := (stop - start + step - 1) / step
	outShape := slices.Clone(t.shape)
	outShape[d] = n

	inner := count(t.shape[d+1:])
	outer := count(t.shape[:d])

	out := newTensor(t.dtype, outShape...)
	for i := 0; i < outer; i++ {
		srcBase := i * t.shape[d] * inner
		dstBase := i * n * inner
		for j := 0; j < n; j++ {
			srcOff := srcBase + (start+j*step)*inner
			copy(out.data[dstBase+j*inner:dstBase+(j+1)*inner], t.data[srcOff:srcOff+inner])
		}
	}

	return out
}

func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	d := t.dim(dim)
	outShape := slices.Clone(t.shape)
	outShape[d] *= n

	inner := count(t.shape[d+1:])
	outer := count(t.shape[:d])
	block := t.shape[d] * inner

	out := newTensor(t.dtype, outShape...)
	for i := 0; i < outer; i++ {
		src := t.data[i*block : (i+1)*block]
		for j := 0; j < n; j++ {
			copy(out.data[(i*n+j)*block:], src)
		}
	}

	return out
}
