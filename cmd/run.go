package cmd

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/semvit/semvit/envconfig"
	"github.com/semvit/semvit/fs/weights"
	"github.com/semvit/semvit/ml"
	"github.com/semvit/semvit/model"
	"github.com/semvit/semvit/model/segvit"
)

// defaultKV mirrors the reference pretraining configuration: a 224px
// image at patch size 16 gives a 14x14 grid.
func defaultKV() ml.KV {
	return ml.KV{
		"general.architecture":           "segvit",
		"general.name":                   "segvit",
		"segvit.embedding_length":        uint32(768),
		"segvit.block_count":             uint32(12),
		"segvit.first_stage_block_count": uint32(10),
		"segvit.cross_attention_count":   uint32(2),
		"segvit.semantic_token_count":    uint32(8),
		"segvit.patch_size":              uint32(16),
		"segvit.image_size":              uint32(224),
		"segvit.layer_norm_epsilon":      float32(1e-5),
	}
}

func loadModel(path string) (ml.KV, map[string]ml.Weight, error) {
	if path == "" {
		return defaultKV(), nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	return weights.Read(f)
}

func runHandler(cmd *cobra.Command, args []string) error {
	weightsPath, _ := cmd.Flags().GetString("weights")
	batch, _ := cmd.Flags().GetInt("batch")
	seqLen, _ := cmd.Flags().GetInt("seq-len")
	parallel, _ := cmd.Flags().GetInt("parallel")
	train, _ := cmd.Flags().GetBool("train")

	seed := envconfig.Seed
	if cmd.Flags().Changed("seed") {
		seed, _ = cmd.Flags().GetUint64("seed")
	}

	kv, ws, err := loadModel(weightsPath)
	if err != nil {
		return err
	}

	m, err := model.New(kv, model.WithSeed(seed), model.WithWeights(ws))
	if err != nil {
		return err
	}

	sv, ok := m.(*segvit.Model)
	if !ok {
		return fmt.Errorf("model is not a segvit encoder")
	}

	if train {
		sv.Train(seed)
		// stochastic routing draws from a single RNG
		parallel = 1
	}

	dim := int(kv.Uint("embedding_length", 768))
	if seqLen == 0 {
		patchLen := int(kv.Uint("image_size", 224)) / int(kv.Uint("patch_size", 16))
		seqLen = 1 + patchLen*patchLen
	}

	rng := rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))
	data := make([]float32, seqLen*batch*dim)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}

	outputs := make([]ml.Tensor, parallel)
	states := make([]*segvit.MidStates, parallel)

	start := time.Now()

	// Parameters are read-only during forward passes, so concurrent
	// passes over the same model are safe.
	g, _ := errgroup.WithContext(cmd.Context())
	for i := range parallel {
		g.Go(func() error {
			ctx := sv.Backend().NewContext()
			defer ctx.Close()

			x, err := ctx.FromFloatSlice(data, seqLen, batch, dim)
			if err != nil {
				return err
			}

			out, st, err := sv.Forward(ctx, x, nil, -1)
			if err != nil {
				return err
			}

			outputs[i], states[i] = out, st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)

	out, st := outputs[0], states[0]
	slog.Debug("forward output", "tensor", ml.Dump(out))

	fmt.Printf("mode:    %s\n", sv.ModeFor(seqLen-1))
	fmt.Printf("input:   %v\n", []int{seqLen, batch, dim})
	fmt.Printf("output:  %v\n", out.Shape())
	fmt.Printf("elapsed: %v (%d pass(es))\n", elapsed, parallel)

	if len(st.Attns) > 0 {
		printRouting(sv, st.Attns[len(st.Attns)-1].Hard)
	}

	return nil
}

// printRouting tabulates how many patches of the first batch element each
// semantic token received.
func printRouting(sv *segvit.Model, hard ml.Tensor) {
	ctx := sv.Backend().NewContext()
	defer ctx.Close()

	counts := hard.SumDim(ctx, -1, false).Floats()
	tokens := hard.Dim(1)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Token", "Patches"})
	for i := range tokens {
		table.Append([]string{strconv.Itoa(i), strconv.Itoa(int(counts[i]))})
	}
	table.Render()
}
