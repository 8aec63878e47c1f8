// Package weights implements the native container for converted model
// parameters: a flat key/value header describing the architecture
// followed by named tensor payloads, float32 or float16, little endian.
package weights

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/semvit/semvit/ml"
)

const (
	magic   = "SVWT"
	version = uint32(1)
)

const (
	typeString = iota
	typeUint32
	typeFloat32
	typeBool
)

// Write serializes the header and every tensor. Keys and tensor names are
// sorted so the same input always produces the same bytes.
func Write(w io.Writer, kv ml.KV, ws map[string]ml.Weight) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, version); err != nil {
		return err
	}

	keys := maps.Keys(kv)
	slices.Sort(keys)

	if err := binary.Write(w, binary.LittleEndian, uint32(len(keys))); err != nil {
		return err
	}

	for _, key := range keys {
		if err := writeString(w, key); err != nil {
			return err
		}

		switch v := kv[key].(type) {
		case string:
			if err := binary.Write(w, binary.LittleEndian, uint8(typeString)); err != nil {
				return err
			}
			if err := writeString(w, v); err != nil {
				return err
			}
		case uint32:
			if err := binary.Write(w, binary.LittleEndian, uint8(typeUint32)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		case float32:
			if err := binary.Write(w, binary.LittleEndian, uint8(typeFloat32)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		case bool:
			if err := binary.Write(w, binary.LittleEndian, uint8(typeBool)); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("weights: unsupported value type %T for %q", v, key)
		}
	}

	names := maps.Keys(ws)
	slices.Sort(names)

	if err := binary.Write(w, binary.LittleEndian, uint32(len(names))); err != nil {
		return err
	}

	for _, name := range names {
		weight := ws[name]
		if err := writeString(w, name); err != nil {
			return err
		}

		var dtype uint8
		switch weight.DType {
		case ml.DTypeF32:
			dtype = 0
		case ml.DTypeF16:
			dtype = 1
		default:
			return fmt.Errorf("weights: unsupported dtype %s for %q", weight.DType, name)
		}

		if err := binary.Write(w, binary.LittleEndian, dtype); err != nil {
			return err
		}

		if err := binary.Write(w, binary.LittleEndian, uint32(len(weight.Shape))); err != nil {
			return err
		}

		n := 1
		for _, dim := range weight.Shape {
			n *= dim
			if err := binary.Write(w, binary.LittleEndian, uint32(dim)); err != nil {
				return err
			}
		}

		if n != len(weight.Data) {
			return fmt.Errorf("weights: %q has %d values, shape %v wants %d", name, len(weight.Data), weight.Shape, n)
		}

		switch weight.DType {
		case ml.DTypeF32:
			if err := binary.Write(w, binary.LittleEndian, weight.Data); err != nil {
				return err
			}
		case ml.DTypeF16:
			u16s := make([]uint16, len(weight.Data))
			for i, v := range weight.Data {
				u16s[i] = float16.Fromfloat32(v).Bits()
			}

			if err := binary.Write(w, binary.LittleEndian, u16s); err != nil {
				return err
			}
		}
	}

	return nil
}

// Read parses a container back into its header and decoded tensors.
// Float16 payloads are widened to float32 but keep their dtype so the
// backend can preserve storage precision.
func Read(r io.Reader) (ml.KV, map[string]ml.Weight, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, nil, err
	}

	if string(head) != magic {
		return nil, nil, fmt.Errorf("weights: bad magic %q", head)
	}

	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return nil, nil, err
	}

	if v != version {
		return nil, nil, fmt.Errorf("weights: unsupported version %d", v)
	}

	var numKeys uint32
	if err := binary.Read(r, binary.LittleEndian, &numKeys); err != nil {
		return nil, nil, err
	}

	kv := make(ml.KV, numKeys)
	for range numKeys {
		key, err := readString(r)
		if err != nil {
			return nil, nil, err
		}

		var vtype uint8
		if err := binary.Read(r, binary.LittleEndian, &vtype); err != nil {
			return nil, nil, err
		}

		switch vtype {
		case typeString:
			s, err := readString(r)
			if err != nil {
				return nil, nil, err
			}
			kv[key] = s
		case typeUint32:
			var u uint32
			if err := binary.Read(r, binary.LittleEndian, &u); err != nil {
				return nil, nil, err
			}
			kv[key] = u
		case typeFloat32:
			var f float32
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return nil, nil, err
			}
			kv[key] = f
		case typeBool:
			var b bool
			if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
				return nil, nil, err
			}
			kv[key] = b
		default:
			return nil, nil, fmt.Errorf("weights: unknown value type %d for %q", vtype, key)
		}
	}

	var numTensors uint32
	if err := binary.Read(r, binary.LittleEndian, &numTensors); err != nil {
		return nil, nil, err
	}

	ws := make(map[string]ml.Weight, numTensors)
	for range numTensors {
		name, err := readString(r)
		if err != nil {
			return nil, nil, err
		}

		var dtype uint8
		if err := binary.Read(r, binary.LittleEndian, &dtype); err != nil {
			return nil, nil, err
		}

		var ndims uint32
		if err := binary.Read(r, binary.LittleEndian, &ndims); err != nil {
			return nil, nil, err
		}

		n := 1
		shape := make([]int, ndims)
		for i := range shape {
			var dim uint32
			if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
				return nil, nil, err
			}

			shape[i] = int(dim)
			n *= int(dim)
		}

		weight := ml.Weight{Shape: shape, Data: make([]float32, n)}
		switch dtype {
		case 0:
			weight.DType = ml.DTypeF32
			if err := binary.Read(r, binary.LittleEndian, weight.Data); err != nil {
				return nil, nil, err
			}
		case 1:
			weight.DType = ml.DTypeF16
			u16s := make([]uint16, n)
			if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
				return nil, nil, err
			}

			for i, u := range u16s {
				weight.Data[i] = float16.Frombits(u).Float32()
			}
		default:
			return nil, nil, fmt.Errorf("weights: unknown dtype %d for %q", dtype, name)
		}

		ws[name] = weight
	}

	return kv, ws, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}

	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}

	return string(b), nil
}
