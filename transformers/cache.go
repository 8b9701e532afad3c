package transformers

import (
	"fmt"

	"github.com/gomlx/bart/trees"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Cache holds the decoder's fixed-shape key/value buffers for one generation call:
// a pair of per-layer key ("k") and value ("v") tensors.
//
// Self-attention caches are shaped [batch, decoderLength, NumHeads, HeadDim] and
// are rewritten at exactly one window of positions per decode step (the update
// index). Cross-attention caches are shaped [batch, encoderLength, NumHeads,
// HeadDim], computed once from the encoder output during cache construction and
// never mutated afterwards.
//
// The buffers are zero-initialized, owned exclusively by one generation call and
// discarded at its end. They are organized as a trees.Tree so they can be flattened
// (Values) for an execution boundary and rebuilt as graph nodes on the other side
// (NodesFromValues).
type Cache struct {
	Config    *Config
	BatchSize int

	// Length of the cached axis: decoderLength for the self-attention cache,
	// encoderLength for the cross-attention cache.
	Length int

	Data *trees.Tree[*tensors.Tensor]
}

// layerPath returns the tree path of one layer's cached tensor, kv being "k" or "v".
func layerPath(layerIdx int, kv string) trees.Path {
	return trees.Path{fmt.Sprintf("layer_%d", layerIdx), kv}
}

// newCache allocates one zero-initialized cache with the given cached-axis length.
func newCache(config *Config, batchSize, length int) (*Cache, error) {
	if batchSize <= 0 || length <= 0 {
		return nil, errors.Errorf("transformers.newCache: batchSize (%d) and length (%d) must be positive",
			batchSize, length)
	}
	c := &Cache{
		Config:    config,
		BatchSize: batchSize,
		Length:    length,
		Data:      trees.New[*tensors.Tensor](),
	}
	shape := shapes.Make(config.DType, batchSize, length, config.NumHeads, config.HeadDim())
	for layerIdx := range config.NumLayers {
		for _, kv := range []string{"k", "v"} {
			err := c.Data.Set(layerPath(layerIdx, kv), tensors.FromShape(shape))
			if err != nil {
				return nil, errors.WithMessage(err, "in transformers.newCache")
			}
		}
	}
	return c, nil
}

// NewSelfAttentionCache allocates the zeroed self-attention cache for a generation call,
// covering decoderLength decode positions.
func NewSelfAttentionCache(config *Config, batchSize, decoderLength int) (*Cache, error) {
	if decoderLength > config.DecoderSeqLength {
		return nil, errors.Errorf("transformers.NewSelfAttentionCache: decoderLength %d exceeds config maximum %d",
			decoderLength, config.DecoderSeqLength)
	}
	return newCache(config, batchSize, decoderLength)
}

// NewCrossAttentionCache allocates the zeroed cross-attention cache for a generation call,
// covering encoderLength encoder positions.
func NewCrossAttentionCache(config *Config, batchSize, encoderLength int) (*Cache, error) {
	if encoderLength > config.EncoderSeqLength {
		return nil, errors.Errorf("transformers.NewCrossAttentionCache: encoderLength %d exceeds config maximum %d",
			encoderLength, config.EncoderSeqLength)
	}
	return newCache(config, batchSize, encoderLength)
}

// Values flattens the cache buffers in canonical (ordered-leaves) order, for feeding
// into a graph execution.
func (c *Cache) Values() []*tensors.Tensor {
	return trees.ValuesAsList(c.Data)
}

// SetValues replaces the cache buffers with the given flat list, which must be in
// the same canonical order produced by Values.
func (c *Cache) SetValues(values []*tensors.Tensor) {
	c.Data = trees.FromValuesAndTree(values, c.Data)
}

// NodesFromValues rebuilds the cache structure as a tree of graph nodes, from a flat
// list of nodes in canonical order -- the graph-side counterpart of Values.
func (c *Cache) NodesFromValues(nodes []*Node) *trees.Tree[*Node] {
	return trees.FromValuesAndTree(nodes, c.Data)
}
