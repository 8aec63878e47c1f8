// Package dense is a pure-Go, eagerly evaluated ml backend. It exists to
// run encoder forward passes without a native tensor library; parallelism
// is limited to row-chunked matrix multiplication.
package dense

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/semvit/semvit/envconfig"
	"github.com/semvit/semvit/ml"
)

type Backend struct {
	config ml.Config
	store  map[string]*Tensor
}

func New(c ml.Config, opts ml.BackendOptions) (ml.Backend, error) {
	store := make(map[string]*Tensor, len(opts.Specs))
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	for _, spec := range opts.Specs {
		if w, ok := opts.Weights[spec.Name]; ok {
			t, err := fromWeight(spec, w)
			if err != nil {
				return nil, err
			}

			store[spec.Name] = t
			continue
		}

		t := newTensor(ml.DTypeF32, spec.Shape...)
		switch spec.Init {
		case ml.InitZeros:
		case ml.InitOnes:
			for i := range t.data {
				t.data[i] = 1
			}
		case ml.InitTruncNormal:
			for i := range t.data {
				t.data[i] = truncNormal(rng, 0, 0.02, -2, 2)
			}
		default:
			return nil, fmt.Errorf("dense: unknown init kind %d for %q", spec.Init, spec.Name)
		}

		store[spec.Name] = t
	}

	for name := range opts.Weights {
		if _, ok := store[name]; !ok {
			slog.Debug("ignoring weight with no matching spec", "name", name)
		}
	}

	return &Backend{config: c, store: store}, nil
}

func fromWeight(spec ml.TensorSpec, w ml.Weight) (*Tensor, error) {
	if count(w.Shape) != count(spec.Shape) {
		return nil, fmt.Errorf("dense: weight %q has shape %v, want %v", spec.Name, w.Shape, spec.Shape)
	}

	if len(w.Data) != count(spec.Shape) {
		return nil, fmt.Errorf("dense: weight %q has %d elements, want %d", spec.Name, len(w.Data), count(spec.Shape))
	}

	t := newTensor(w.DType, spec.Shape...)
	copy(t.data, w.Data)
	return t.round(), nil
}

// truncNormal samples the truncated normal the encoder was trained with:
// inverse-CDF over the truncated uniform range, then clamped to [a, b].
func truncNormal(rng *rand.Rand, mean, std, a, b float64) float32 {
	normCDF := func(x float64) float64 {
		return (1 + math.Erf(x/math.Sqrt2)) / 2
	}

	l := normCDF((a - mean) / std)
	u := normCDF((b - mean) / std)

	v := rng.Float64()*(2*u-2*l) + 2*l - 1
	v = math.Erfinv(v)
	v = v*std*math.Sqrt2 + mean
	return float32(math.Max(a, math.Min(b, v)))
}

func (b *Backend) Config() ml.Config {
	return b.config
}

func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.store[name]; ok {
		return t
	}

	return nil
}

func (b *Backend) NewContext() ml.Context {
	return &Context{}
}

func numThreads() int {
	if n := envconfig.NumThreads; n > 0 {
		return n
	}

	return runtime.GOMAXPROCS(0)
}

func init() {
	ml.RegisterBackend("dense", New)
}
