package samplers

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// GreedySampler always picks the most probable token. Deterministic.
type GreedySampler struct{}

// NewGreedy creates a greedy sampler.
func NewGreedy() *GreedySampler { return &GreedySampler{} }

func (s *GreedySampler) Run(inputs *LoopInputs) (*tensors.Tensor, error) {
	return runSampleLoop(inputs, RngStateFromSeed(0), func(rngState, logits *Node) (*Node, *Node) {
		return rngState, ArgMax(logits, -1, dtypes.Int32)
	})
}
