package nn

import "github.com/semvit/semvit/ml"

// Conv1D is a pointwise grouped convolution over the channel axis. The
// weight is stored as (outChannels, inChannels/groups), the torch layout
// with the trailing kernel axis of size one squeezed away.
type Conv1D struct {
	Weight ml.Tensor `param:"weight"`
	Bias   ml.Tensor `param:"bias"`
}

func (m *Conv1D) Forward(ctx ml.Context, t ml.Tensor, groups int) ml.Tensor {
	t = t.Conv1D(ctx, m.Weight, groups)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
