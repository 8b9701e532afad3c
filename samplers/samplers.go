// Package samplers implements the token sampling loop for autoregressive text
// generation, with pluggable selection strategies.
//
// A sampler drives a fixed-shape decoding loop: the model hands it a NextFn that
// decodes exactly one position, and the sampler repeatedly calls it, picks the next
// token according to its strategy, and writes the token into the prompt buffer. One
// computation graph is compiled for the whole step (decode, selection, prompt write
// and termination bookkeeping), so the host loop only feeds tensors and reads a
// scalar "all done" flag back. None of the tensor shapes depend on the decoded
// values, which keeps the number of compiled graphs bounded by the set of input
// shapes.
package samplers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NextFn decodes one position of the sequences being generated.
//
// It is called inside the sampler's step graph with the full prompt buffer
// ([batchSize, length] int32), the opaque model state leaves and the scalar int32
// position being generated. The position's predecessor token (prompt[:, index-1])
// is the one consumed by the model. It returns the next-token logits
// [batchSize, vocabSize], the hidden states of the consumed token
// [batchSize, hiddenDim] and the updated state leaves, in the same order.
//
// The state is opaque to the sampler: it is threaded through the loop unchanged in
// structure, and samplers that widen or reorder the batch apply the same
// transformation to every leaf along axis 0.
type NextFn func(ctx *context.Context, prompt *Node, state []*Node, index *Node) (logits, hiddenStates *Node, newState []*Node)

// LoopInputs aggregates everything a sampler needs for one generation call.
type LoopInputs struct {
	Backend backends.Backend

	// Ctx holds the model variables used by Next.
	Ctx *context.Context

	// Next decodes one position. See NextFn.
	Next NextFn

	// Prompt is the int32 token buffer shaped [batchSize, length], already filled
	// with the prompt tokens and padding. It is not modified; the completed copy is
	// returned by Run.
	Prompt *tensors.Tensor

	// Mask is a bool tensor shaped like Prompt, true on positions whose token must
	// be preserved. Nil means no positions are preserved.
	Mask *tensors.Tensor

	// State are the model state leaves (attention caches, encoder tensors) passed
	// through to Next.
	State []*tensors.Tensor

	// Index is the first position to generate. Positions before it are taken as
	// given. Must be at least 1, since Next consumes the token at index-1.
	Index int

	// EndTokenID stops a row once generated; negative disables early stopping.
	EndTokenID int

	// HiddenStates optionally carries the hidden states of the prompt tokens,
	// shaped [batchSize, length, hiddenDim]. Only contrastive search requires it.
	HiddenStates *tensors.Tensor
}

// Sampler generates token sequences by running the decoding loop with one selection
// strategy. Implementations are safe for sequential reuse; the compiled step graphs
// are cached per input shapes inside the given context executor.
type Sampler interface {
	// Run completes the prompt buffer and returns it, shaped like inputs.Prompt.
	Run(inputs *LoopInputs) (*tensors.Tensor, error)
}

func (inputs *LoopInputs) validate() error {
	if inputs.Backend == nil || inputs.Ctx == nil || inputs.Next == nil {
		return errors.New("samplers: LoopInputs requires Backend, Ctx and Next to be set")
	}
	if inputs.Prompt == nil {
		return errors.New("samplers: LoopInputs requires a Prompt tensor")
	}
	if inputs.Prompt.Rank() != 2 {
		return errors.Errorf("samplers: prompt must be a [batchSize, length] tensor, got %s",
			inputs.Prompt.Shape())
	}
	length := inputs.Prompt.Shape().Dim(1)
	if inputs.Index < 1 || inputs.Index > length {
		return errors.Errorf("samplers: start index %d out of range [1, %d]", inputs.Index, length)
	}
	if inputs.Mask == nil {
		inputs.Mask = tensors.FromScalarAndDimensions(false, inputs.Prompt.Shape().Dimensions...)
	} else if inputs.Mask.DType() != dtypes.Bool ||
		!inputs.Mask.Shape().EqualDimensions(inputs.Prompt.Shape()) {
		return errors.Errorf("samplers: mask shape %s does not match prompt shape %s",
			inputs.Mask.Shape(), inputs.Prompt.Shape())
	}
	return nil
}

// selectFn picks one token per row from the next-token logits, threading the RNG
// state through. Deterministic strategies return rngState unchanged.
type selectFn func(rngState, logits *Node) (newRngState, tokens *Node)

// runSampleLoop is the shared loop of the single-sequence samplers (greedy, top-k,
// top-p, random): per step it decodes one position, selects one token per row,
// preserves caller-supplied positions and finished rows, and accumulates per-row
// done flags.
func runSampleLoop(inputs *LoopInputs, rngState *tensors.Tensor, sel selectFn) (*tensors.Tensor, error) {
	if err := inputs.validate(); err != nil {
		return nil, err
	}
	numState := len(inputs.State)
	exec := context.NewExec(inputs.Backend, inputs.Ctx,
		func(ctx *context.Context, loopState []*Node) []*Node {
			rngState, prompt, mask, done, index :=
				loopState[0], loopState[1], loopState[2], loopState[3], loopState[4]
			modelState := loopState[5 : 5+numState]

			logits, _, modelState := inputs.Next(ctx, prompt, modelState, index)
			var tokens *Node
			rngState, tokens = sel(rngState, logits)

			prompt, done = writeTokens(prompt, mask, done, tokens, index, inputs.EndTokenID)
			outputs := []*Node{rngState, prompt, done, LogicalAll(done)}
			return append(outputs, modelState...)
		})

	batchSize := inputs.Prompt.Shape().Dim(0)
	length := inputs.Prompt.Shape().Dim(1)
	prompt := inputs.Prompt
	done := tensors.FromScalarAndDimensions(false, batchSize)
	state := inputs.State
	for index := inputs.Index; index < length; index++ {
		args := []any{rngState, prompt, inputs.Mask, done, int32(index)}
		for _, leaf := range state {
			args = append(args, leaf)
		}
		var outputs []*tensors.Tensor
		err := exceptions.TryCatch[error](func() { outputs = exec.Call(args...) })
		if err != nil {
			return nil, errors.WithMessagef(err, "while sampling position %d", index)
		}
		rngState, prompt, done = outputs[0], outputs[1], outputs[2]
		state = outputs[4:]
		if tensors.ToScalar[bool](outputs[3]) {
			klog.V(1).Infof("all sequences finished after position %d", index)
			break
		}
	}
	return prompt, nil
}

// writeTokens writes the selected tokens into prompt[:, index], except on positions
// the mask preserves and on rows already finished, which keep their current token.
// It returns the updated prompt and done flags: a row finishes when it emits
// endTokenID on a non-preserved position (negative endTokenID never finishes).
func writeTokens(prompt, mask, done, tokens, index *Node, endTokenID int) (newPrompt, newDone *Node) {
	g := prompt.Graph()
	keep := Or(column(mask, index), done)
	tokens = Where(keep, column(prompt, index), tokens)
	newPrompt = setColumn(prompt, tokens, index)
	newDone = done
	if endTokenID >= 0 {
		ended := And(Equal(tokens, Const(g, int32(endTokenID))), Not(column(mask, index)))
		newDone = Or(done, ended)
	}
	return
}

// column returns x[:, index] as a vector [batchSize], for x shaped [batchSize, length].
func column(x, index *Node) *Node {
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	value := DynamicSlice(x, []*Node{ScalarZero(g, dtypes.Int32), index}, []int{batchSize, 1})
	return Reshape(value, batchSize)
}

// setColumn returns x with x[:, index] replaced by values ([batchSize]).
func setColumn(x, values, index *Node) *Node {
	g := x.Graph()
	return DynamicUpdateSlice(x, ExpandAxes(values, -1),
		[]*Node{ScalarZero(g, dtypes.Int32), index})
}

// initialRngState builds the RNG state for a stochastic sampler: a non-zero seed
// gives reproducible sampling, zero seeds it from entropy.
func initialRngState(seed int64) *tensors.Tensor {
	if seed == 0 {
		return RngState()
	}
	return RngStateFromSeed(seed)
}

// applyTemperature rescales the logits; 1.0 is a no-op. Temperatures below 1 sharpen
// the distribution, above 1 flatten it.
func applyTemperature(logits *Node, temperature float64) *Node {
	if temperature == 1.0 {
		return logits
	}
	return DivScalar(logits, temperature)
}

// gumbelNoise draws Gumbel(0,1) noise shaped like ref. Adding it to logits and
// taking the argmax draws one sample from the categorical distribution the logits
// define.
func gumbelNoise(rngState *Node, ref *Node) (newRngState, noise *Node) {
	newRngState, uniform := RandomUniform(rngState, ref.Shape())
	uniform = MaxScalar(uniform, 1e-20) // Log(0) guard.
	noise = Neg(Log(Neg(Log(uniform))))
	return
}

// pickPerRow returns values[row, positions[row]] for each row, as a vector. It uses a
// one-hot contraction, which the compiler fuses better than a batched gather here.
func pickPerRow(values, positions *Node) *Node {
	depth := values.Shape().Dim(-1)
	oneHot := OneHot(positions, depth, values.DType())
	return ReduceSum(Mul(values, oneHot), -1)
}

// repeatRows repeats each row of x ratio times consecutively along axis 0, turning
// [batchSize, ...] into [batchSize*ratio, ...].
func repeatRows(x *Node, ratio int) *Node {
	dims := x.Shape().Dimensions
	expanded := ExpandAxes(x, 1)
	broadcastDims := append([]int{dims[0], ratio}, dims[1:]...)
	expanded = BroadcastToDims(expanded, broadcastDims...)
	newDims := append([]int{dims[0] * ratio}, dims[1:]...)
	return Reshape(expanded, newDims...)
}

func checkTemperature(temperature float64) error {
	if temperature <= 0 {
		return errors.Errorf("samplers: temperature must be positive, got %g", temperature)
	}
	return nil
}
