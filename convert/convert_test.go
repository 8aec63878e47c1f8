package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"gotest.tools/v3/fs"

	"github.com/semvit/semvit/fs/weights"
	"github.com/semvit/semvit/ml"
)

func TestKVDefaults(t *testing.T) {
	kv := (&segvitModel{}).KV()

	assert.Equal(t, "segvit", kv["general.architecture"])
	assert.Equal(t, uint32(768), kv["segvit.embedding_length"])
	assert.Equal(t, uint32(12), kv["segvit.block_count"])
	assert.Equal(t, uint32(10), kv["segvit.first_stage_block_count"])
	assert.Equal(t, uint32(2), kv["segvit.cross_attention_count"])
	assert.Equal(t, uint32(8), kv["segvit.semantic_token_count"])
	assert.Equal(t, uint32(32), kv["segvit.patch_size"])
	assert.Equal(t, uint32(224), kv["segvit.image_size"])
	assert.Equal(t, float32(1e-5), kv["segvit.layer_norm_epsilon"])
	assert.NotContains(t, kv, "segvit.drop_path")
}

func TestRepackSqueezesKernelAxis(t *testing.T) {
	p := &segvitModel{}

	data := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	got, shape, err := p.repack("k_conv.weight", data, []uint64{4, 2, 1})
	require.NoError(t, err)

	assert.Equal(t, []uint64{4, 2}, shape)
	assert.Equal(t, data, got)

	_, _, err = p.repack("k_conv.weight", data, []uint64{4, 2})
	assert.Error(t, err)
}

// safetensorsFile builds a single-file checkpoint: 8 byte header length,
// JSON header, raw little endian payload.
func safetensorsFile(t *testing.T, headers map[string]safetensorMetadata, payload []byte) string {
	t.Helper()

	hdr, err := json.Marshal(headers)
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, int64(len(hdr))))
	b.Write(hdr)
	b.Write(payload)
	return b.String()
}

func checkpointPayload(t *testing.T) (map[string]safetensorMetadata, []byte) {
	t.Helper()

	var payload bytes.Buffer
	require.NoError(t, binary.Write(&payload, binary.LittleEndian, []float32{1, 2, 3, 4}))
	require.NoError(t, binary.Write(&payload, binary.LittleEndian, []float32{5, 6, 7, 8}))
	require.NoError(t, binary.Write(&payload, binary.LittleEndian, []uint16{
		float16.Fromfloat32(1.5).Bits(),
		float16.Fromfloat32(-0.25).Bits(),
	}))

	headers := map[string]safetensorMetadata{
		"backbone.ln.weight": {
			Type: "F32", Shape: []uint64{4}, Offsets: []int64{0, 16},
		},
		"backbone.semantic_layer2.k_conv.weight": {
			Type: "F32", Shape: []uint64{2, 2, 1}, Offsets: []int64{16, 32},
		},
		"backbone.fc.weight": {
			Type: "F16", Shape: []uint64{2}, Offsets: []int64{32, 36},
		},
	}

	return headers, payload.Bytes()
}

func TestParseSafetensors(t *testing.T) {
	headers, payload := checkpointPayload(t)

	d := fs.NewDir(t, "checkpoint",
		fs.WithFile("model.safetensors", safetensorsFile(t, headers, payload)))
	defer d.Remove()

	replacer := strings.NewReplacer("backbone.", "")
	ts, err := parseTensors(d.Path(), replacer)
	require.NoError(t, err)
	require.Len(t, ts, 3)

	byName := make(map[string]Tensor, len(ts))
	for _, tt := range ts {
		byName[tt.Name()] = tt
	}

	ln := byName["ln.weight"]
	require.NotNil(t, ln)
	assert.Equal(t, ml.DTypeF32, ln.DType())
	data, shape, err := ln.Floats()
	require.NoError(t, err)
	assert.Equal(t, []uint64{4}, shape)
	assert.Equal(t, []float32{1, 2, 3, 4}, data)

	fc := byName["fc.weight"]
	require.NotNil(t, fc)
	assert.Equal(t, ml.DTypeF16, fc.DType())
	data, _, err = fc.Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -0.25}, data)
}

func TestParseTensorsUnknownFormat(t *testing.T) {
	d := fs.NewDir(t, "empty")
	defer d.Remove()

	_, err := parseTensors(d.Path(), strings.NewReplacer())
	assert.Error(t, err)
}

func TestConvertModel(t *testing.T) {
	headers, payload := checkpointPayload(t)

	config := `{
		"architectures": ["SegViT"],
		"hidden_size": 64,
		"num_hidden_layers": 2,
		"first_stage_layer": 1,
		"cross_layer": 1,
		"group_num": 4,
		"patch_size": 16,
		"input_resolution": 64,
		"layer_norm_eps": 1e-5
	}`

	d := fs.NewDir(t, "checkpoint",
		fs.WithFile("config.json", config),
		fs.WithFile("model.safetensors", safetensorsFile(t, headers, payload)))
	defer d.Remove()

	var out bytes.Buffer
	require.NoError(t, ConvertModel(d.Path(), &out))

	kv, ws, err := weights.Read(&out)
	require.NoError(t, err)

	assert.Equal(t, "segvit", kv["general.architecture"])
	assert.Equal(t, uint32(64), kv["segvit.embedding_length"])
	assert.Equal(t, uint32(4), kv["segvit.semantic_token_count"])

	require.Contains(t, ws, "ln.weight")
	assert.Equal(t, []float32{1, 2, 3, 4}, ws["ln.weight"].Data)

	// the unit kernel axis is squeezed off grouped conv weights
	conv := ws["semantic_layer2.k_conv.weight"]
	assert.Equal(t, []int{2, 2}, conv.Shape)
	assert.Equal(t, []float32{5, 6, 7, 8}, conv.Data)

	fc := ws["fc.weight"]
	assert.Equal(t, ml.DTypeF16, fc.DType)
	assert.Equal(t, []float32{1.5, -0.25}, fc.Data)
}

func TestConvertModelUnknownArchitecture(t *testing.T) {
	d := fs.NewDir(t, "checkpoint",
		fs.WithFile("config.json", `{"architectures": ["Bert"]}`))
	defer d.Remove()

	var out bytes.Buffer
	assert.Error(t, ConvertModel(d.Path(), &out))
}
