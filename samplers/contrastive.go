package samplers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ContrastiveSampler re-scores the K most probable continuations with a degeneration
// penalty: the maximum cosine similarity between the candidate's hidden state and the
// hidden states of every token already in the sequence. A candidate that would repeat
// the sequence's existing content scores low even when its probability is high.
//
// The score of candidate c is (1-Alpha)*p(c) - Alpha*penalty(c); Alpha 0 reduces to
// greedy search. Deterministic.
//
// Each step runs the model twice: once for the step's distribution and once, on a
// K-widened batch, for the candidates' hidden states. The candidate pass's state is
// discarded, so the surviving state always describes the sequence up to the committed
// tokens only.
type ContrastiveSampler struct {
	K     int
	Alpha float64
}

// NewContrastive creates a contrastive-search sampler.
func NewContrastive(k int, alpha float64) *ContrastiveSampler {
	return &ContrastiveSampler{K: k, Alpha: alpha}
}

func (s *ContrastiveSampler) Run(inputs *LoopInputs) (*tensors.Tensor, error) {
	if s.K < 1 {
		return nil, errors.Errorf("samplers: contrastive search requires k >= 1, got %d", s.K)
	}
	if s.Alpha < 0 || s.Alpha > 1 {
		return nil, errors.Errorf("samplers: contrastive alpha must be in [0, 1], got %g", s.Alpha)
	}
	if err := inputs.validate(); err != nil {
		return nil, err
	}
	if inputs.HiddenStates == nil {
		return nil, errors.New("samplers: contrastive search requires LoopInputs.HiddenStates")
	}
	batchSize := inputs.Prompt.Shape().Dim(0)
	length := inputs.Prompt.Shape().Dim(1)
	if inputs.HiddenStates.Rank() != 3 ||
		inputs.HiddenStates.Shape().Dim(0) != batchSize ||
		inputs.HiddenStates.Shape().Dim(1) != length {
		return nil, errors.Errorf("samplers: hidden states must be [%d, %d, hiddenDim], got %s",
			batchSize, length, inputs.HiddenStates.Shape())
	}
	numState := len(inputs.State)

	stepExec := context.NewExec(inputs.Backend, inputs.Ctx,
		func(ctx *context.Context, loopState []*Node) []*Node {
			prompt, mask, done, hiddenHistory, index :=
				loopState[0], loopState[1], loopState[2], loopState[3], loopState[4]
			modelState := loopState[5 : 5+numState]
			g := prompt.Graph()
			zero := ScalarZero(g, dtypes.Int32)

			logits, tokenHidden, modelState := inputs.Next(ctx, prompt, modelState, index)
			// The consumed token's hidden state belongs at its own position.
			hiddenHistory = DynamicUpdateSlice(hiddenHistory, ExpandAxes(tokenHidden, 1),
				[]*Node{zero, Sub(index, Const(g, int32(1))), zero})

			topProbs, topIndices := TopK(Softmax(logits, -1), s.K, -1)

			// Second pass, on a K-widened batch, to read each candidate's hidden state.
			// Its state updates are discarded.
			widePrompt := setColumn(repeatRows(prompt, s.K),
				Reshape(topIndices, batchSize*s.K), index)
			wideState := make([]*Node, numState)
			for ii, leaf := range modelState {
				wideState[ii] = repeatRows(leaf, s.K)
			}
			_, candidateHidden, _ := inputs.Next(ctx, widePrompt, wideState, AddScalar(index, 1))
			hiddenDim := candidateHidden.Shape().Dim(-1)
			candidates := Reshape(candidateHidden, batchSize, s.K, hiddenDim)

			// Degeneration penalty: max cosine similarity against the decoded history.
			dot := Einsum("BKD,BLD->BKL", candidates, hiddenHistory)
			norms := Einsum("BK,BL->BKL", L2Norm(candidates, -1), L2Norm(hiddenHistory, -1))
			similarity := Div(dot, MaxScalar(norms, 1e-8))
			decoded := LessThan(Iota(g, shapes.Make(dtypes.Int32, length), 0), index)
			decoded = BroadcastToDims(ExpandAxes(decoded, 0, 1), batchSize, s.K, length)
			similarity = Where(decoded, similarity, Scalar(g, similarity.DType(), -1))
			penalty := ReduceMax(similarity, -1)

			score := Sub(MulScalar(topProbs, 1-s.Alpha),
				MulScalar(ConvertDType(penalty, topProbs.DType()), s.Alpha))
			tokens := pickPerRow(topIndices, ArgMax(score, -1, dtypes.Int32))

			prompt, done = writeTokens(prompt, mask, done, tokens, index, inputs.EndTokenID)
			outputs := []*Node{prompt, done, hiddenHistory, LogicalAll(done)}
			return append(outputs, modelState...)
		})

	prompt := inputs.Prompt
	done := tensors.FromScalarAndDimensions(false, batchSize)
	hiddenHistory := inputs.HiddenStates
	state := inputs.State
	for index := inputs.Index; index < length; index++ {
		args := []any{prompt, inputs.Mask, done, hiddenHistory, int32(index)}
		for _, leaf := range state {
			args = append(args, leaf)
		}
		var outputs []*tensors.Tensor
		err := exceptions.TryCatch[error](func() { outputs = stepExec.Call(args...) })
		if err != nil {
			return nil, errors.WithMessagef(err, "while contrastive-searching position %d", index)
		}
		prompt, done, hiddenHistory = outputs[0], outputs[1], outputs[2]
		state = outputs[4:]
		if tensors.ToScalar[bool](outputs[3]) {
			klog.V(1).Infof("all sequences finished after position %d", index)
			break
		}
	}
	return prompt, nil
}
