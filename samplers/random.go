package samplers

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// RandomSampler draws the next token from the full temperature-scaled distribution.
type RandomSampler struct {
	Temperature float64

	// Seed of the random number generator; zero seeds it from entropy.
	Seed int64
}

// NewRandom creates a sampler drawing from the full next-token distribution.
func NewRandom(temperature float64, seed int64) *RandomSampler {
	return &RandomSampler{Temperature: temperature, Seed: seed}
}

func (s *RandomSampler) Run(inputs *LoopInputs) (*tensors.Tensor, error) {
	if err := checkTemperature(s.Temperature); err != nil {
		return nil, err
	}
	return runSampleLoop(inputs, initialRngState(s.Seed),
		func(rngState, logits *Node) (*Node, *Node) {
			logits = applyTemperature(logits, s.Temperature)
			rngState, noise := gumbelNoise(rngState, logits)
			return rngState, ArgMax(Add(logits, noise), -1, dtypes.Int32)
		})
}
