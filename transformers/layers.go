package transformers

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// KernelEinsum creates (or reuses) a kernel variable of the given shape in ctx's scope
// and contracts it with x according to the einsum equation.
func KernelEinsum(ctx *context.Context, equation string, x *Node, kernelShape shapes.Shape) *Node {
	g := x.Graph()
	kernelVar := ctx.VariableWithShape("w", kernelShape)
	return Einsum(equation, x, kernelVar.ValueGraph(g))
}

// EmbeddingTable returns the token embedding table, shaped [VocabSize, HiddenDim].
// The same table embeds input tokens and, transposed, projects hidden states to logits.
func EmbeddingTable(ctx *context.Context, config *Config, g *Graph) *Node {
	return ctx.In("token_embedding").
		VariableWithShape("embeddings", shapes.Make(config.DType, config.VocabSize, config.HiddenDim)).
		ValueGraph(g)
}

// EmbedTokens maps token ids shaped [batch, seqLen] to embeddings [batch, seqLen, HiddenDim].
func EmbedTokens(ctx *context.Context, config *Config, tokenIDs *Node) *Node {
	table := EmbeddingTable(ctx, config, tokenIDs.Graph())
	return Gather(table, ExpandAxes(tokenIDs, -1))
}

// PositionEmbedding returns the learned position embeddings for seqLen consecutive
// positions starting at startIndex, shaped [1, seqLen, HiddenDim] (broadcastable over
// the batch axis).
//
// startIndex is the ABSOLUTE position of the first token of the window: during
// incremental decoding the window is a single token whose position is the decode index,
// not zero.
func PositionEmbedding(ctx *context.Context, config *Config, scope string, maxLength, seqLen int, startIndex *Node) *Node {
	g := startIndex.Graph()
	table := ctx.In(scope).
		VariableWithShape("embeddings", shapes.Make(config.DType, maxLength, config.HiddenDim)).
		ValueGraph(g)
	window := DynamicSlice(table, []*Node{startIndex, ScalarZero(g, dtypes.Int32)},
		[]int{seqLen, config.HiddenDim})
	return ExpandAxes(window, 0)
}

// gelu is the Gaussian error linear unit (tanh approximation).
func gelu(x *Node) *Node {
	x3 := Mul(x, Mul(x, x))
	inner := MulScalar(Add(x, MulScalar(x3, 0.044715)), 0.7978845608028654) // sqrt(2/pi)
	return Mul(MulScalar(x, 0.5), OnePlus(Tanh(inner)))
}

// layerNorm applies layer normalization over the hidden axis, with learned scale and offset.
func layerNorm(ctx *context.Context, scope string, x *Node) *Node {
	return layers.LayerNormalization(ctx.In(scope), x, -1).Epsilon(1e-5).Done()
}

// FeedForward is the position-wise feed-forward block: dense to IntermediateDim, gelu,
// dense back to HiddenDim.
func FeedForward(ctx *context.Context, config *Config, x *Node) *Node {
	x = layers.Dense(ctx.In("intermediate"), x, true, config.IntermediateDim)
	x = gelu(x)
	return layers.Dense(ctx.In("output"), x, true, config.HiddenDim)
}

// embedInput sums token and position embeddings, normalizes and (during training only)
// regularizes them. The token embedding table lives in rootCtx's scope so the encoder and
// decoder share it; position embeddings and the embedding layer norm live in stackCtx's
// scope (one table per stack). startIndex gives the absolute position of the first token
// in ids.
func embedInput(rootCtx, stackCtx *context.Context, config *Config, ids *Node, maxLength int, startIndex *Node) *Node {
	tokenEmbedding := EmbedTokens(rootCtx, config, ids)
	positionEmbedding := PositionEmbedding(stackCtx, config, "position_embedding", maxLength,
		ids.Shape().Dim(1), startIndex)
	x := Add(tokenEmbedding, positionEmbedding)
	x = layerNorm(stackCtx, "embeddings_layer_norm", x)
	return layers.DropoutStatic(stackCtx, x, config.DropoutRate)
}
