package transformers

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Encode runs the encoder stack over the source token ids and returns the encoder
// hidden states, shaped [batchSize, seqLen, HiddenDim].
//
// tokenIDs is shaped [batchSize, seqLen], paddingMask is a boolean of the same
// shape, true on valid tokens. seqLen must not exceed config.EncoderSeqLength.
func Encode(ctx *context.Context, config *Config, tokenIDs, paddingMask *Node) *Node {
	batchSize := tokenIDs.Shape().Dim(0)
	seqLen := tokenIDs.Shape().Dim(1)
	if seqLen > config.EncoderSeqLength {
		exceptions.Panicf("transformers.Encode: sequence length %d exceeds config.EncoderSeqLength %d",
			seqLen, config.EncoderSeqLength)
	}
	if paddingMask.Shape().Dim(0) != batchSize || paddingMask.Shape().Dim(1) != seqLen {
		exceptions.Panicf("transformers.Encode: paddingMask shape %s does not match tokenIDs shape %s",
			paddingMask.Shape(), tokenIDs.Shape())
	}
	g := tokenIDs.Graph()

	encoderCtx := ctx.In("encoder")
	x := embedInput(ctx, encoderCtx, config, tokenIDs, config.EncoderSeqLength,
		ScalarZero(g, dtypes.Int32))
	for layerIdx := range config.NumLayers {
		x = encoderLayer(encoderCtx.In(fmt.Sprintf("layer_%d", layerIdx)), config, x, paddingMask)
	}
	return x
}

// encoderLayer is one post-norm encoder block: self-attention and feed-forward,
// each with a residual connection followed by layer normalization.
func encoderLayer(ctx *context.Context, config *Config, x, paddingMask *Node) *Node {
	residual := x
	x = EncoderSelfAttention(ctx.In("self_attention"), config, x, paddingMask)
	x = layers.DropoutStatic(ctx, x, config.DropoutRate)
	x = Add(x, residual)
	x = layerNorm(ctx, "self_attention_layer_norm", x)

	residual = x
	x = FeedForward(ctx.In("feed_forward"), config, x)
	x = layers.DropoutStatic(ctx, x, config.DropoutRate)
	x = Add(x, residual)
	x = layerNorm(ctx, "feed_forward_layer_norm", x)
	return x
}
