package segvit

import (
	"github.com/semvit/semvit/ml"
	"github.com/semvit/semvit/ml/nn"
)

// Reconstruct expands grouped tokens back to per-patch resolution. The
// routing map ties each output position to the token that owned it; the
// learned reweighting softens the hard assignment's boundaries instead of
// inverting it exactly.
type Reconstruct struct {
	Reweight *nn.Linear `param:"rec_proj_a.a_fc"`
}

// Forward takes tokens (batch, tokens, channels) and the routing map
// attn (batch, tokens, length) and returns (batch, length, channels).
func (m *Reconstruct) Forward(ctx ml.Context, tokens, attn ml.Tensor) ml.Tensor {
	w := m.Reweight.Forward(ctx, attn.Transpose(ctx, -2, -1))
	return w.Mulmat(ctx, tokens).QuickGELU(ctx)
}
