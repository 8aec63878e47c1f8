package convert

import (
	"cmp"
	"fmt"
	"io"
	"strings"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/semvit/semvit/fs/weights"
	"github.com/semvit/semvit/ml"
)

type segvitModel struct {
	ModelParameters
	HiddenSize      uint32  `json:"hidden_size"`
	NumHiddenLayers uint32  `json:"num_hidden_layers"`
	FirstStageLayer uint32  `json:"first_stage_layer"`
	CrossLayer      uint32  `json:"cross_layer"`
	GroupNum        uint32  `json:"group_num"`
	PatchSize       uint32  `json:"patch_size"`
	ImageSize       uint32  `json:"input_resolution"`
	LayerNormEPS    float32 `json:"layer_norm_eps"`
	DropPath        float32 `json:"drop_path"`
}

var _ ModelConverter = (*segvitModel)(nil)

func (p *segvitModel) KV() ml.KV {
	kv := ml.KV{
		"general.architecture": "segvit",
		"general.name":         "segvit",
	}

	kv["segvit.embedding_length"] = cmp.Or(p.HiddenSize, 768)
	kv["segvit.block_count"] = cmp.Or(p.NumHiddenLayers, 12)
	kv["segvit.first_stage_block_count"] = cmp.Or(p.FirstStageLayer, 10)
	kv["segvit.cross_attention_count"] = cmp.Or(p.CrossLayer, 2)
	kv["segvit.semantic_token_count"] = cmp.Or(p.GroupNum, 8)
	kv["segvit.patch_size"] = cmp.Or(p.PatchSize, 32)
	kv["segvit.image_size"] = cmp.Or(p.ImageSize, 224)
	kv["segvit.layer_norm_epsilon"] = cmp.Or(p.LayerNormEPS, 1e-5)

	if p.DropPath > 0 {
		kv["segvit.drop_path"] = p.DropPath
	}

	return kv
}

func (p *segvitModel) Replacements() []string {
	return []string{
		"module.", "",
		"backbone.", "",
		"visual.", "",
	}
}

func (p *segvitModel) Weights(ts []Tensor) (map[string]ml.Weight, error) {
	out := make(map[string]ml.Weight, len(ts))
	for _, t := range ts {
		if strings.HasSuffix(t.Name(), "k_conv.weight") || strings.HasSuffix(t.Name(), "v_conv.weight") {
			t.SetRepacker(p.repack)
		}

		data, shape, err := t.Floats()
		if err != nil {
			return nil, err
		}

		dims := make([]int, len(shape))
		for i, d := range shape {
			dims[i] = int(d)
		}

		out[t.Name()] = ml.Weight{DType: t.DType(), Shape: dims, Data: data}
	}

	return out, nil
}

// repack squeezes the unit kernel axis off grouped convolution weights so
// they land as plain (out, in/groups) matrices.
func (p *segvitModel) repack(name string, data []float32, shape []uint64) ([]float32, []uint64, error) {
	if len(shape) != 3 || shape[2] != 1 {
		return nil, nil, fmt.Errorf("unexpected shape %v for %s", shape, name)
	}

	dims := []int{int(shape[0]), int(shape[1])}

	n := tensor.New(tensor.WithShape(int(shape[0]), int(shape[1]), 1), tensor.WithBacking(data))
	if err := n.Reshape(dims...); err != nil {
		return nil, nil, err
	}

	rows, err := native.SelectF32(n, 1)
	if err != nil {
		return nil, nil, err
	}

	var f32s []float32
	for _, row := range rows {
		f32s = append(f32s, row...)
	}

	return f32s, []uint64{shape[0], shape[1]}, nil
}

func (p *segvitModel) writeFile(w io.Writer, kv ml.KV, ws map[string]ml.Weight) error {
	return weights.Write(w, kv, ws)
}
