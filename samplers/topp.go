package samplers

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// TopPSampler (nucleus sampling) samples among the smallest set of tokens whose
// cumulative probability reaches P, after temperature scaling. The set adapts to the
// shape of the distribution: confident steps sample among few tokens, flat ones
// among many.
type TopPSampler struct {
	P           float64
	Temperature float64

	// Seed of the random number generator; zero seeds it from entropy.
	Seed int64
}

// NewTopP creates a nucleus sampler.
func NewTopP(p, temperature float64, seed int64) *TopPSampler {
	return &TopPSampler{P: p, Temperature: temperature, Seed: seed}
}

func (s *TopPSampler) Run(inputs *LoopInputs) (*tensors.Tensor, error) {
	if s.P <= 0 || s.P > 1 {
		return nil, errors.Errorf("samplers: top-p requires 0 < p <= 1, got %g", s.P)
	}
	if err := checkTemperature(s.Temperature); err != nil {
		return nil, err
	}
	return runSampleLoop(inputs, initialRngState(s.Seed),
		func(rngState, logits *Node) (*Node, *Node) {
			g := logits.Graph()
			logits = applyTemperature(logits, s.Temperature)
			vocabSize := logits.Shape().Dim(-1)
			sorted, sortedIndices := TopK(logits, vocabSize, -1)
			probabilities := Softmax(sorted, -1)
			// A token stays in the nucleus when the mass before it is below P; the
			// most probable token always stays.
			massBefore := Sub(CumSum(probabilities, -1), probabilities)
			keep := LessThan(massBefore, Scalar(g, massBefore.DType(), s.P))
			sorted = Where(keep, sorted, Scalar(g, sorted.DType(), math.Inf(-1)))
			rngState, noise := gumbelNoise(rngState, sorted)
			position := ArgMax(Add(sorted, noise), -1, dtypes.Int32)
			return rngState, pickPerRow(sortedIndices, position)
		})
}
