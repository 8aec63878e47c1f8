package convert

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/semvit/semvit/ml"
)

type Tensor interface {
	Name() string
	Shape() []uint64
	DType() ml.DType
	SetRepacker(repacker)

	// Floats decodes the tensor payload to float32, applying the repacker
	// if one is set.
	Floats() ([]float32, []uint64, error)
}

type tensorBase struct {
	name  string
	shape []uint64
	dtype ml.DType
	repacker
}

func (t tensorBase) Name() string {
	return t.name
}

func (t tensorBase) Shape() []uint64 {
	return t.shape
}

func (t tensorBase) DType() ml.DType {
	return t.dtype
}

func (t *tensorBase) SetRepacker(fn repacker) {
	t.repacker = fn
}

// repacker rewrites a decoded tensor, e.g. to squeeze a unit kernel axis.
// It may change the tensor's shape.
type repacker func(string, []float32, []uint64) ([]float32, []uint64, error)

func parseTensors(d string, replacer *strings.Replacer) ([]Tensor, error) {
	patterns := map[string]func(*strings.Replacer, ...string) ([]Tensor, error){
		"model-*-of-*.safetensors": parseSafetensors,
		"model.safetensors":        parseSafetensors,
		"pytorch_model-*-of-*.bin": parseTorch,
		"pytorch_model.bin":        parseTorch,
		"*.pth":                    parseTorch,
	}

	for pattern, parseFn := range patterns {
		matches, err := filepath.Glob(filepath.Join(d, pattern))
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			return parseFn(replacer, matches...)
		}
	}

	return nil, errors.New("unknown tensor format")
}
