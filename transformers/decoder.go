package transformers

import (
	"fmt"

	"github.com/gomlx/bart/trees"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// DecodeWithCache runs the decoder stack over a window of decoder tokens, reading and
// updating the attention caches, and returns the next-token logits.
//
//	decoderIDs:          [batch, windowLen] decoder token ids. During incremental decoding
//	                     windowLen is 1; during cache construction it is the full prompt.
//	encoderHidden:       [batch, encoderLen, HiddenDim], the output of Encode.
//	encoderPaddingMask:  [batch, encoderLen] boolean, true on real source tokens.
//	selfCache/crossCache: per-layer trees with leaves at layer_<i>/{k,v}, shaped
//	                     [batch, decoderLen|encoderLen, NumHeads, HeadDim].
//	selfUpdateIndex:     scalar int32, the absolute position of decoderIDs' first token.
//	                     The window's keys/values are written into the self cache at this
//	                     position. Must not be nil.
//	seedCrossCache:      when true the cross-attention keys/values are (re)computed from
//	                     encoderHidden and returned as the new cross cache; when false the
//	                     existing cross cache is reused and encoderHidden is only needed
//	                     for its shape.
//
// Positions outside the window keep whatever the caches already hold, so decoding one
// token touches one cache row per layer. Calling twice with the same window and index
// yields the same logits and the same caches.
//
// Returns the logits [batch, windowLen, VocabSize], the last hidden states
// [batch, windowLen, HiddenDim] and the updated cache trees.
func DecodeWithCache(ctx *context.Context, config *Config,
	decoderIDs, encoderHidden, encoderPaddingMask *Node,
	selfCache, crossCache *trees.Tree[*Node], selfUpdateIndex *Node,
	seedCrossCache bool) (logits, hidden *Node, newSelfCache, newCrossCache *trees.Tree[*Node]) {
	batchSize := decoderIDs.Shape().Dim(0)
	if encoderHidden.Shape().Dim(0) != batchSize {
		exceptions.Panicf("transformers.DecodeWithCache: encoder batch size %d != decoder batch size %d",
			encoderHidden.Shape().Dim(0), batchSize)
	}
	if selfUpdateIndex == nil {
		exceptions.Panicf("transformers.DecodeWithCache: selfUpdateIndex must not be nil")
	}
	if selfCache.NumLeaves() != 2*config.NumLayers || crossCache.NumLeaves() != 2*config.NumLayers {
		exceptions.Panicf("transformers.DecodeWithCache: caches have %d/%d leaves, want %d for %d layers",
			selfCache.NumLeaves(), crossCache.NumLeaves(), 2*config.NumLayers, config.NumLayers)
	}

	decoderCtx := ctx.In("decoder")
	x := embedInput(ctx, decoderCtx, config, decoderIDs, config.DecoderSeqLength, selfUpdateIndex)

	var crossUpdateIndex *Node
	if seedCrossCache {
		crossUpdateIndex = ScalarZero(decoderIDs.Graph(), dtypes.Int32)
	}
	newSelfCache = trees.New[*Node]()
	newCrossCache = trees.New[*Node]()
	for layerIdx := range config.NumLayers {
		layerCtx := decoderCtx.In(fmt.Sprintf("layer_%d", layerIdx))
		var selfK, selfV, crossK, crossV *Node
		x, selfK, selfV, crossK, crossV = decoderLayer(layerCtx, config, x,
			encoderHidden, encoderPaddingMask,
			selfCache.MustGet(layerPath(layerIdx, "k")), selfCache.MustGet(layerPath(layerIdx, "v")),
			selfUpdateIndex,
			crossCache.MustGet(layerPath(layerIdx, "k")), crossCache.MustGet(layerPath(layerIdx, "v")),
			crossUpdateIndex)
		setCacheNode(newSelfCache, layerPath(layerIdx, "k"), selfK)
		setCacheNode(newSelfCache, layerPath(layerIdx, "v"), selfV)
		setCacheNode(newCrossCache, layerPath(layerIdx, "k"), crossK)
		setCacheNode(newCrossCache, layerPath(layerIdx, "v"), crossV)
	}
	hidden = x

	// The token embedding table, transposed, projects hidden states back to the vocabulary.
	table := EmbeddingTable(ctx, config, x.Graph())
	logits = Einsum("BTD,VD->BTV", x, table)
	return
}

// SeedCache initializes the attention caches by processing the whole decoder prompt in a
// single pass at position 0: the self cache ends up holding keys/values for every prompt
// position and the cross cache is computed from the encoder output. Equivalent to feeding
// the prompt one token at a time, in one forward pass.
//
// Returns the prompt logits, the last hidden states and the seeded caches.
func SeedCache(ctx *context.Context, config *Config,
	decoderIDs, encoderHidden, encoderPaddingMask *Node,
	selfCache, crossCache *trees.Tree[*Node]) (logits, hidden *Node, newSelfCache, newCrossCache *trees.Tree[*Node]) {
	zero := ScalarZero(decoderIDs.Graph(), dtypes.Int32)
	return DecodeWithCache(ctx, config, decoderIDs, encoderHidden, encoderPaddingMask,
		selfCache, crossCache, zero, true)
}

func setCacheNode(tree *trees.Tree[*Node], path trees.Path, node *Node) {
	if err := tree.Set(path, node); err != nil {
		exceptions.Panicf("transformers: failed to set cache tree leaf %q: %v", path, err)
	}
}

// decoderLayer is one post-norm decoder block: cached causal self-attention, cached
// cross-attention over the encoder output and a feed-forward, each with residual
// connection and layer normalization.
func decoderLayer(ctx *context.Context, config *Config, x, encoderHidden, encoderPaddingMask *Node,
	selfK, selfV, selfUpdateIndex, crossK, crossV, crossUpdateIndex *Node) (
	output, newSelfK, newSelfV, newCrossK, newCrossV *Node) {
	residual := x
	x, newSelfK, newSelfV = CachedSelfAttention(ctx.In("self_attention"), config, x,
		selfK, selfV, selfUpdateIndex)
	x = layers.DropoutStatic(ctx, x, config.DropoutRate)
	x = Add(x, residual)
	x = layerNorm(ctx, "self_attention_layer_norm", x)

	residual = x
	x, newCrossK, newCrossV = CachedCrossAttention(ctx.In("cross_attention"), config, x,
		encoderHidden, encoderPaddingMask, crossK, crossV, crossUpdateIndex)
	x = layers.DropoutStatic(ctx, x, config.DropoutRate)
	x = Add(x, residual)
	x = layerNorm(ctx, "cross_attention_layer_norm", x)

	residual = x
	x = FeedForward(ctx.In("feed_forward"), config, x)
	x = layers.DropoutStatic(ctx, x, config.DropoutRate)
	x = Add(x, residual)
	output = layerNorm(ctx, "feed_forward_layer_norm", x)
	return
}
