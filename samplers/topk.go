package samplers

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// TopKSampler samples among the K most probable tokens, after temperature scaling.
// Every other token has zero probability of being picked.
type TopKSampler struct {
	K           int
	Temperature float64

	// Seed of the random number generator; zero seeds it from entropy.
	Seed int64
}

// NewTopK creates a top-k sampler.
func NewTopK(k int, temperature float64, seed int64) *TopKSampler {
	return &TopKSampler{K: k, Temperature: temperature, Seed: seed}
}

func (s *TopKSampler) Run(inputs *LoopInputs) (*tensors.Tensor, error) {
	if s.K < 1 {
		return nil, errors.Errorf("samplers: top-k requires k >= 1, got %d", s.K)
	}
	if err := checkTemperature(s.Temperature); err != nil {
		return nil, err
	}
	return runSampleLoop(inputs, initialRngState(s.Seed),
		func(rngState, logits *Node) (*Node, *Node) {
			logits = applyTemperature(logits, s.Temperature)
			topLogits, topIndices := TopK(logits, s.K, -1)
			rngState, noise := gumbelNoise(rngState, topLogits)
			position := ArgMax(Add(topLogits, noise), -1, dtypes.Int32)
			return rngState, pickPerRow(topIndices, position)
		})
}
