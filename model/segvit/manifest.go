package segvit

import (
	"fmt"

	"github.com/semvit/semvit/ml"
)

// manifest lists every parameter of the architecture under its checkpoint
// name. Linear and convolution weights initialize truncated-normal, norm
// weights to one, all biases to zero, so a freshly initialized model
// matches the reference pretraining setup.
func manifest(c ml.Config) []ml.TensorSpec {
	dim := int(c.Uint("embedding_length", 768))
	heads := dim / 64
	blocks := int(c.Uint("block_count", 12))
	firstStage := int(c.Uint("first_stage_block_count", 10))
	crossLayers := int(c.Uint("cross_attention_count", 2))
	groupNum := int(c.Uint("semantic_token_count", 8))

	var specs []ml.TensorSpec
	param := func(name string, init ml.InitKind, shape ...int) {
		specs = append(specs, ml.TensorSpec{Name: name, Shape: shape, Init: init})
	}

	norm := func(prefix string) {
		param(prefix+".weight", ml.InitOnes, dim)
		param(prefix+".bias", ml.InitZeros, dim)
	}

	linear := func(prefix string, out, in int) {
		param(prefix+".weight", ml.InitTruncNormal, out, in)
		param(prefix+".bias", ml.InitZeros, out)
	}

	attention := func(prefix string) {
		param(prefix+".in_proj_weight", ml.InitTruncNormal, 3*dim, dim)
		param(prefix+".in_proj_bias", ml.InitZeros, 3*dim)
		linear(prefix+".out_proj", dim, dim)
	}

	mlp := func(prefix string) {
		linear(prefix+".c_fc", 4*dim, dim)
		linear(prefix+".c_proj", dim, 4*dim)
	}

	block := func(prefix string) {
		attention(prefix + ".attn")
		norm(prefix + ".ln_1")
		mlp(prefix + ".mlp")
		norm(prefix + ".ln_2")
	}

	crossBlock := func(prefix string) {
		attention(prefix + ".attn")
		norm(prefix + ".ln_x")
		norm(prefix + ".ln_k")
		mlp(prefix + ".mlp")
		norm(prefix + ".ln_2")
	}

	for i := range firstStage {
		block(fmt.Sprintf("layers0.%d", i))
	}

	norm("semantic_layer2.norm")
	param("semantic_layer2.semantic_center", ml.InitTruncNormal, groupNum, dim)
	for i := range crossLayers {
		crossBlock(fmt.Sprintf("semantic_layer2.cross_att.%d", i))
	}
	norm("semantic_layer2.cross_ln")
	param("semantic_layer2.k_conv.weight", ml.InitTruncNormal, dim, dim/heads)
	norm("semantic_layer2.k_ln")
	param("semantic_layer2.v_conv.weight", ml.InitTruncNormal, dim, dim/heads)
	norm("semantic_layer2.proj_o.ln")
	linear("semantic_layer2.proj_o.mlp.fc1", 4*dim, dim)
	linear("semantic_layer2.proj_o.mlp.fc2", dim, 4*dim)

	for i := range blocks - firstStage {
		block(fmt.Sprintf("layers2.%d", i))
		block(fmt.Sprintf("layers_mae2.%d", i))
	}

	linear("reconstruct_layer2.rec_proj_a.a_fc", groupNum, groupNum)

	return specs
}
