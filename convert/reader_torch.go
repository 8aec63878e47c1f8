package convert

import (
	"fmt"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/semvit/semvit/ml"
)

func parseTorch(replacer *strings.Replacer, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, p := range ps {
		pt, err := pytorch.Load(p)
		if err != nil {
			return nil, err
		}

		sd, ok := pt.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("unexpected checkpoint root %T", pt)
		}

		for _, k := range sd.Keys() {
			t, ok := sd.MustGet(k).(*pytorch.Tensor)
			if !ok {
				continue
			}

			var shape []uint64
			for _, dim := range t.Size {
				shape = append(shape, uint64(dim))
			}

			dtype := ml.DTypeF32
			if _, ok := t.Source.(*pytorch.HalfStorage); ok {
				dtype = ml.DTypeF16
			}

			ts = append(ts, torch{
				storage: t.Source,
				tensorBase: &tensorBase{
					name:  replacer.Replace(k.(string)),
					shape: shape,
					dtype: dtype,
				},
			})
		}
	}

	return ts, nil
}

type torch struct {
	storage pytorch.StorageInterface
	*tensorBase
}

func (pt torch) Floats() ([]float32, []uint64, error) {
	f32s, err := storageFloats(pt.storage)
	if err != nil {
		return nil, nil, err
	}

	if pt.repacker != nil {
		return pt.repacker(pt.Name(), f32s, pt.Shape())
	}

	return f32s, pt.Shape(), nil
}

func storageFloats(s pytorch.StorageInterface) ([]float32, error) {
	switch s := s.(type) {
	case *pytorch.FloatStorage:
		return s.Data, nil
	case *pytorch.HalfStorage:
		return s.Data, nil
	case *pytorch.BFloat16Storage:
		return s.Data, nil
	case *pytorch.DoubleStorage:
		f32s := make([]float32, len(s.Data))
		for i, v := range s.Data {
			f32s[i] = float32(v)
		}

		return f32s, nil
	default:
		return nil, fmt.Errorf("unknown data type: %T", s)
	}
}
