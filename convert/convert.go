package convert

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/semvit/semvit/ml"
)

type ModelParameters struct {
	Architectures []string `json:"architectures"`
}

type ModelConverter interface {
	// KV maps checkpoint parameters to model key-values
	KV() ml.KV
	// Weights decodes the checkpoint tensors, applying model specific
	// repacking and renames
	Weights([]Tensor) (map[string]ml.Weight, error)
	// Replacements returns a list of string pairs to replace in tensor names.
	// See [strings.Replacer](https://pkg.go.dev/strings#Replacer) for details
	Replacements() []string

	// writeFile writes the converted model to the provided io.Writer
	writeFile(io.Writer, ml.KV, map[string]ml.Weight) error
}

// ConvertModel reads a checkpoint directory (safetensors or pytorch
// pickles plus config.json) and writes a native weights file.
func ConvertModel(d string, w io.Writer) error {
	bts, err := os.ReadFile(filepath.Join(d, "config.json"))
	if err != nil {
		return err
	}

	var p ModelParameters
	if err := json.Unmarshal(bts, &p); err != nil {
		return err
	}

	if len(p.Architectures) < 1 {
		return errors.New("unknown architecture")
	}

	var conv ModelConverter
	switch p.Architectures[0] {
	case "SegViT", "SegViTModel":
		conv = &segvitModel{}
	default:
		return errors.New("unsupported architecture")
	}

	if err := json.Unmarshal(bts, conv); err != nil {
		return err
	}

	ts, err := parseTensors(d, strings.NewReplacer(conv.Replacements()...))
	if err != nil {
		return err
	}

	weights, err := conv.Weights(ts)
	if err != nil {
		return err
	}

	return conv.writeFile(w, conv.KV(), weights)
}
