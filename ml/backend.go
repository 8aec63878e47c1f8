package ml

import (
	"fmt"
)

type Config interface {
	Architecture() string
	String(string, ...string) string
	Uint(string, ...uint32) uint32
	Float(string, ...float32) float32
	Bool(string, ...bool) bool
}

// InitKind selects how a parameter tensor is filled when a backend is
// created without pretrained weights.
type InitKind int

const (
	InitZeros InitKind = iota
	InitOnes
	// InitTruncNormal draws from a normal with std 0.02 truncated to [-2, 2].
	InitTruncNormal
)

// TensorSpec names a single parameter tensor of a model architecture.
type TensorSpec struct {
	Name  string
	Shape []int
	Init  InitKind
}

// Weight is a materialized parameter, either converted from a checkpoint or
// read back from a weights file.
type Weight struct {
	DType DType
	Shape []int
	Data  []float32
}

// BackendOptions controls how a backend materializes its parameter store.
// Every spec is allocated; a weight with a matching name overrides the
// spec's initializer.
type BackendOptions struct {
	Specs   []TensorSpec
	Weights map[string]Weight

	// Seed for the initializer RNG. The same seed always produces the same
	// parameters.
	Seed uint64
}

type Backend interface {
	Config() Config
	Get(name string) Tensor
	NewContext() Context
}

var backends = make(map[string]func(Config, BackendOptions) (Backend, error))

func RegisterBackend(name string, f func(Config, BackendOptions) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(c Config, opts BackendOptions) (Backend, error) {
	if backend, ok := backends["dense"]; ok {
		return backend(c, opts)
	}

	return nil, fmt.Errorf("unsupported backend")
}

type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	Close() error
}

// Tensor is a dense tensor in row-major layout. Shapes follow the
// outermost-first convention, so a batch of sequences is (batch, length,
// channels). Negative dim arguments count from the end.
//
// Operations never mutate their receiver or arguments; each returns a new
// tensor. Shape mismatches beyond documented broadcasting panic.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Floats() []float32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	// Mulmat is batched matrix multiplication: the last two dims multiply,
	// leading dims broadcast.
	Mulmat(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context, dim int) Tensor

	// LayerNorm normalizes over the last dim. It computes in float32
	// regardless of the tensor's storage dtype and casts the result back.
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor

	GELU(ctx Context) Tensor
	QuickGELU(ctx Context) Tensor

	// Conv1D applies a kernel-size-1 grouped convolution over the channel
	// axis of a (batch, length, channels) tensor. weight is
	// (outChannels, inChannels/groups).
	Conv1D(ctx Context, weight Tensor, groups int) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor
	Transpose(ctx Context, dim0, dim1 int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Slice(ctx Context, dim, start, stop, step int) Tensor
	Repeat(ctx Context, dim, n int) Tensor

	SumDim(ctx Context, dim int, keepdim bool) Tensor
	MeanDim(ctx Context, dim int, keepdim bool) Tensor
	MaxDim(ctx Context, dim int, keepdim bool) Tensor

	// HardMax returns a one-hot tensor marking the maximum along dim. Ties
	// resolve to the first occurrence; downstream reconstruction depends on
	// this being stable.
	HardMax(ctx Context, dim int) Tensor

	Clamp(ctx Context, min, max float32) Tensor

	Cast(ctx Context, dtype DType) Tensor
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	default:
		return "unknown"
	}
}
