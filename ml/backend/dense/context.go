package dense

import (
	"fmt"

	"github.com/semvit/semvit/ml"
)

// Context carries no state: the backend evaluates eagerly and the Go
// runtime owns all allocations. It satisfies the ml.Context contract so
// model code stays backend-agnostic.
type Context struct{}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape...)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(dtype, shape...)
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if len(s) != count(shape) {
		return nil, fmt.Errorf("dense: %d elements do not fit shape %v", len(s), shape)
	}

	t := newTensor(ml.DTypeF32, shape...)
	copy(t.data, s)
	return t, nil
}

func (c *Context) Close() error {
	return nil
}
