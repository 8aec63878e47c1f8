package segvit

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/semvit/semvit/ml"
	"github.com/semvit/semvit/ml/nn"
	"github.com/semvit/semvit/model"
)

// ErrAttentionMask is returned for any non-nil attention mask. Masked
// inputs are handled by dropping positions before the call, not by
// masking scores.
var ErrAttentionMask = errors.New("attention masks are not implemented")

// Mode selects between the two execution paths of the second stage. The
// two paths run different layer stacks and produce different sequence
// lengths, so the choice is a first-class input rather than something
// inferred deep inside the forward pass.
type Mode int

const (
	// ModeFull groups the full patch grid into semantic tokens and runs
	// the second stage over the shortened sequence.
	ModeFull Mode = iota

	// ModeMasked reconstructs the full patch sequence from the semantic
	// tokens before the second stage, for partial inputs where positions
	// were dropped upstream.
	ModeMasked
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeMasked:
		return "masked"
	}

	return fmt.Sprintf("Mode(%d)", int(m))
}

type Options struct {
	hiddenSize, numHeads int
	groupNum             int
	patchLen             int
	eps                  float32

	dropPath *nn.DropPath

	training bool
	noise    *rand.Rand
}

type Model struct {
	model.Base

	Stage1      []ResidualAttentionBlock `param:"layers0"`
	Semantic    *SemanticLearner         `param:"semantic_layer2"`
	Stage2      []ResidualAttentionBlock `param:"layers2"`
	Stage2MAE   []ResidualAttentionBlock `param:"layers_mae2"`
	Reconstruct *Reconstruct             `param:"reconstruct_layer2"`

	*Options
}

func New(c ml.Config) (model.Model, error) {
	dim := int(c.Uint("embedding_length", 768))
	if dim%64 != 0 {
		return nil, fmt.Errorf("embedding length %d is not a multiple of 64", dim)
	}

	blocks := int(c.Uint("block_count", 12))
	firstStage := int(c.Uint("first_stage_block_count", 10))
	if firstStage > blocks {
		return nil, fmt.Errorf("first stage depth %d exceeds block count %d", firstStage, blocks)
	}

	patchSize := int(c.Uint("patch_size", 32))
	imageSize := int(c.Uint("image_size", 224))

	m := Model{
		Stage1:    make([]ResidualAttentionBlock, firstStage),
		Stage2:    make([]ResidualAttentionBlock, blocks-firstStage),
		Stage2MAE: make([]ResidualAttentionBlock, blocks-firstStage),
		Semantic: &SemanticLearner{
			CrossAttention: make([]CrossAttentionBlock, int(c.Uint("cross_attention_count", 2))),
		},
		Options: &Options{
			hiddenSize: dim,
			numHeads:   dim / 64,
			groupNum:   int(c.Uint("semantic_token_count", 8)),
			patchLen:   imageSize / patchSize,
			eps:        c.Float("layer_norm_epsilon", 1e-5),
			dropPath:   &nn.DropPath{Prob: c.Float("drop_path", 0)},
		},
	}

	return &m, nil
}

// Train switches routing to stochastic Gumbel sampling, seeded so runs
// are reproducible.
func (m *Model) Train(seed uint64) {
	m.training = true
	m.noise = rand.New(rand.NewPCG(seed, seed^0xa24baed4963ee407))
}

// Eval switches routing to deterministic softmax discretization.
func (m *Model) Eval() {
	m.training = false
	m.noise = nil
}

// ModeFor derives the execution mode from an observed patch-sequence
// length: the configured grid size or its 2x upsampled variant run the
// grouped path, anything else is treated as a masked partial input.
func (m *Model) ModeFor(patchLen int) Mode {
	grid := m.patchLen * m.patchLen
	if patchLen == grid || patchLen == 4*grid {
		return ModeFull
	}

	return ModeMasked
}

// AttnPair is one recorded routing map: Hard is the one-hot assignment
// the forward pass consumed, Soft the diagnostic distribution.
type AttnPair struct {
	Hard, Soft ml.Tensor
}

// MidStates captures intermediate observations of a forward pass. It is
// never fed back into computation.
type MidStates struct {
	Hidden ml.Tensor
	Attns  []AttnPair
}

// Forward encodes a length-major (length, batch, channels) sequence whose
// first position is the summary token. The output is length-major with
// the same channel count; along the grouped path the sequence shrinks to
// 1+groupNum. videoFrame is retained for the pretrained encoder calling
// convention and is unused.
func (m *Model) Forward(ctx ml.Context, x, mask ml.Tensor, videoFrame int) (ml.Tensor, *MidStates, error) {
	if mask != nil {
		return nil, nil, ErrAttentionMask
	}

	x = x.Permute(ctx, 1, 0, 2) // batch-major

	cls := x.Slice(ctx, 1, 0, 1, 1)
	patches := x.Slice(ctx, 1, 1, x.Dim(1), 1)

	for i := range m.Stage1 {
		patches = m.Stage1[i].Forward(ctx, patches, m.Options)
	}

	states := &MidStates{}

	switch m.ModeFor(patches.Dim(1)) {
	case ModeMasked:
		grouped, hardAttn, _, _ := m.Semantic.Forward(ctx, patches, m.Options)
		patches = m.Reconstruct.Forward(ctx, grouped, hardAttn)
		for i := range m.Stage2MAE {
			patches = m.Stage2MAE[i].Forward(ctx, patches, m.Options)
		}

		states.Hidden = patches
		cls = patches.MeanDim(ctx, 1, true)
	default:
		states.Hidden = patches

		grouped, hardAttn, softAttn, _ := m.Semantic.Forward(ctx, patches, m.Options)
		for i := range m.Stage2 {
			grouped = m.Stage2[i].Forward(ctx, grouped, m.Options)
		}

		patches = grouped
		cls = grouped.MaxDim(ctx, 1, true)
		states.Attns = append(states.Attns, AttnPair{Hard: hardAttn, Soft: softAttn})
	}

	x = cls.Concat(ctx, patches, 1)
	return x.Permute(ctx, 1, 0, 2), states, nil
}

func init() {
	model.Register("segvit", model.Architecture{New: New, Manifest: manifest})
}
