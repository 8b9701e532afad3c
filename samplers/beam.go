package samplers

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BeamSampler keeps the NumBeams highest-probability partial sequences per input and
// returns the best one. Deterministic.
//
// The batch is widened to batchSize*NumBeams rows before the loop; every model state
// leaf is widened the same way along axis 0. At each step the per-beam cumulative
// log-probabilities are expanded over the vocabulary, the top NumBeams continuations
// per input are kept, and prompt rows and state leaves are reordered to follow the
// surviving beams. Beams that emitted the end token are frozen: they propagate with
// their score unchanged.
type BeamSampler struct {
	NumBeams int
}

// NewBeam creates a beam-search sampler.
func NewBeam(numBeams int) *BeamSampler {
	return &BeamSampler{NumBeams: numBeams}
}

func (s *BeamSampler) Run(inputs *LoopInputs) (*tensors.Tensor, error) {
	if s.NumBeams < 1 {
		return nil, errors.Errorf("samplers: beam search requires at least 1 beam, got %d", s.NumBeams)
	}
	if err := inputs.validate(); err != nil {
		return nil, err
	}
	numBeams := s.NumBeams
	batchSize := inputs.Prompt.Shape().Dim(0)
	length := inputs.Prompt.Shape().Dim(1)
	numState := len(inputs.State)

	// Widen prompt, mask and state to one row per beam.
	widenExec := NewExec(inputs.Backend, func(leaves []*Node) []*Node {
		widened := make([]*Node, len(leaves))
		for ii, leaf := range leaves {
			widened[ii] = repeatRows(leaf, numBeams)
		}
		return widened
	})
	var widened []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		args := []any{inputs.Prompt, inputs.Mask}
		for _, leaf := range inputs.State {
			args = append(args, leaf)
		}
		widened = widenExec.Call(args...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "while widening the batch for beam search")
	}
	prompt, mask, state := widened[0], widened[1], widened[2:]

	stepExec := context.NewExec(inputs.Backend, inputs.Ctx,
		func(ctx *context.Context, loopState []*Node) []*Node {
			prompt, mask, done, logProbs, index :=
				loopState[0], loopState[1], loopState[2], loopState[3], loopState[4]
			modelState := loopState[5 : 5+numState]
			g := prompt.Graph()

			logits, _, modelState := inputs.Next(ctx, prompt, modelState, index)
			vocabSize := logits.Shape().Dim(-1)
			logLikelihood := ConvertDType(LogSoftmax(logits, -1), dtypes.Float32)
			if inputs.EndTokenID >= 0 {
				// Frozen beams admit a single continuation, the end token, at no cost,
				// so their cumulative score survives unchanged.
				vocabIota := Iota(g, shapes.Make(dtypes.Int32, vocabSize), 0)
				frozenRow := Where(Equal(vocabIota, Const(g, int32(inputs.EndTokenID))),
					ScalarZero(g, logLikelihood.DType()),
					Scalar(g, logLikelihood.DType(), math.Inf(-1)))
				frozen := BroadcastToDims(ExpandAxes(frozenRow, 0), batchSize*numBeams, vocabSize)
				logLikelihood = Where(done, frozen, logLikelihood)
			}

			// Expand each beam over the vocabulary and keep the best numBeams
			// continuations per input.
			total := Add(Reshape(logLikelihood, batchSize, numBeams, vocabSize),
				ExpandAxes(logProbs, -1))
			topScores, topIndices := TopK(Reshape(total, batchSize, numBeams*vocabSize),
				numBeams, -1)
			beamIndices := Div(topIndices, Const(g, int32(vocabSize)))
			tokens := Mod(topIndices, Const(g, int32(vocabSize)))
			logProbs = topScores

			// Reorder rows to follow the surviving beams.
			batchBase := MulScalar(Iota(g, shapes.Make(dtypes.Int32, batchSize, numBeams), 0),
				float64(numBeams))
			rows := Reshape(Add(batchBase, beamIndices), batchSize*numBeams)
			gatherRows := func(x *Node) *Node { return Gather(x, ExpandAxes(rows, -1)) }
			prompt = gatherRows(prompt)
			done = gatherRows(done)
			for ii, leaf := range modelState {
				modelState[ii] = gatherRows(leaf)
			}

			prompt, done = writeTokens(prompt, mask, done, Reshape(tokens, batchSize*numBeams),
				index, inputs.EndTokenID)
			outputs := []*Node{prompt, done, logProbs, LogicalAll(done)}
			return append(outputs, modelState...)
		})

	done := tensors.FromScalarAndDimensions(false, batchSize*numBeams)
	logProbs := initialBeamLogProbs(batchSize, numBeams)
	for index := inputs.Index; index < length; index++ {
		args := []any{prompt, mask, done, logProbs, int32(index)}
		for _, leaf := range state {
			args = append(args, leaf)
		}
		var outputs []*tensors.Tensor
		err := exceptions.TryCatch[error](func() { outputs = stepExec.Call(args...) })
		if err != nil {
			return nil, errors.WithMessagef(err, "while beam-searching position %d", index)
		}
		prompt, done, logProbs = outputs[0], outputs[1], outputs[2]
		state = outputs[4:]
		if tensors.ToScalar[bool](outputs[3]) {
			klog.V(1).Infof("all beams finished after position %d", index)
			break
		}
	}

	// Keep the best beam of each input.
	bestExec := NewExec(inputs.Backend, func(prompt, logProbs *Node) *Node {
		g := prompt.Graph()
		best := ArgMax(logProbs, -1, dtypes.Int32)
		rows := Add(MulScalar(Iota(g, shapes.Make(dtypes.Int32, batchSize), 0), float64(numBeams)),
			best)
		return Gather(prompt, ExpandAxes(rows, -1))
	})
	var result *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		result = bestExec.Call(prompt, logProbs)[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "while selecting the best beam")
	}
	return result, nil
}

// initialBeamLogProbs gives all the probability mass to beam 0, so identical initial
// beams do not crowd out genuine alternatives in the first expansion.
func initialBeamLogProbs(batchSize, numBeams int) *tensors.Tensor {
	t := tensors.FromScalarAndDimensions(float32(math.Inf(-1)), batchSize, numBeams)
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii := 0; ii < len(flat); ii += numBeams {
			flat[ii] = 0
		}
	})
	return t
}
