package transformers

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// projectHeads computes one of the q/k/v projections of x, from [batch, seqLen, HiddenDim]
// to [batch, seqLen, NumHeads, HeadDim].
func projectHeads(ctx *context.Context, config *Config, scope string, x *Node) *Node {
	return KernelEinsum(ctx.In(scope), "BTD,NDH->BTNH", x,
		shapes.Make(x.DType(), config.NumHeads, config.HiddenDim, config.HeadDim()))
}

// dotProductAttention computes scaled dot-product attention.
//
//	query:   [batch, queryLen, numHeads, headDim]
//	key:     [batch, keyLen, numHeads, headDim]
//	value:   [batch, keyLen, numHeads, headDim]
//	mask:    broadcastable to [batch, numHeads, queryLen, keyLen]; true marks attendable positions.
//
// Returns [batch, queryLen, numHeads, headDim].
func dotProductAttention(config *Config, query, key, value, mask *Node) *Node {
	query = MulScalar(query, 1.0/math.Sqrt(float64(config.HeadDim())))
	scores := Einsum("BTNH,BSNH->BNTS", query, key)
	mask = BroadcastToDims(mask, scores.Shape().Dimensions...)
	weights := MaskedSoftmax(scores, mask, -1)
	return Einsum("BNTS,BSNH->BTNH", weights, value)
}

// outputProjection merges the heads back into the hidden dimension.
func outputProjection(ctx *context.Context, config *Config, attended *Node) *Node {
	return KernelEinsum(ctx.In("attention_output"), "BTNH,NHD->BTD", attended,
		shapes.Make(attended.DType(), config.NumHeads, config.HeadDim(), config.HiddenDim))
}

// EncoderSelfAttention is the plain (non-causal, non-cached) multi-head self-attention used
// by the encoder. paddingMask is [batch, seqLen] with true marking real tokens.
func EncoderSelfAttention(ctx *context.Context, config *Config, x, paddingMask *Node) *Node {
	query := projectHeads(ctx, config, "query", x)
	key := projectHeads(ctx, config, "key", x)
	value := projectHeads(ctx, config, "value", x)
	mask := ExpandAxes(paddingMask, 1, 2) // [batch, 1, 1, seqLen]
	attended := dotProductAttention(config, query, key, value, mask)
	return outputProjection(ctx, config, attended)
}

// CachedSelfAttention is the decoder's causal self-attention, reading keys and values from
// a fixed-size cache and, when updateIndex is non-nil, writing the window's newly computed
// keys/values into the cache starting at that index.
//
//	x:                   [batch, windowLen, HiddenDim] -- the decoder window being processed.
//	keyCache/valueCache: [batch, maxLength, NumHeads, HeadDim].
//	updateIndex:         scalar int32 node, the absolute position of the window's first token.
//
// Only the window's positions are computed; every other position is read from the cache
// unchanged, which is what makes one decode step O(1) instead of O(maxLength²). Writing is
// idempotent: repeating the same window and index rewrites the same slots with the same
// values.
//
// Returns the attended window and the updated caches. With a nil updateIndex the caches
// are returned untouched and attention runs over them as-is.
func CachedSelfAttention(ctx *context.Context, config *Config, x, keyCache, valueCache, updateIndex *Node) (output, newKeyCache, newValueCache *Node) {
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	windowLen := x.Shape().Dim(1)
	maxLength := keyCache.Shape().Dim(1)
	if keyCache.Shape().Dim(0) != batchSize {
		exceptions.Panicf("transformers: self-attention cache batch size %d != input batch size %d",
			keyCache.Shape().Dim(0), batchSize)
	}

	query := projectHeads(ctx, config, "query", x)
	newKeyCache, newValueCache = keyCache, valueCache
	var windowStart *Node
	if updateIndex != nil {
		key := projectHeads(ctx, config, "key", x)
		value := projectHeads(ctx, config, "value", x)
		zero := ScalarZero(g, dtypes.Int32)
		start := []*Node{zero, updateIndex, zero, zero}
		newKeyCache = DynamicUpdateSlice(keyCache, key, start)
		newValueCache = DynamicUpdateSlice(valueCache, value, start)
		windowStart = updateIndex
	} else {
		windowStart = ScalarZero(g, dtypes.Int32)
	}

	// Causal mask over absolute positions: query at absolute position p attends keys <= p.
	queryPositions := Add(Iota(g, shapes.Make(dtypes.Int32, windowLen), 0), windowStart)
	keyPositions := Iota(g, shapes.Make(dtypes.Int32, maxLength), 0)
	mask := GreaterOrEqual(ExpandAxes(queryPositions, -1), ExpandAxes(keyPositions, 0))
	mask = ExpandAxes(mask, 0, 1) // [1, 1, windowLen, maxLength]

	attended := dotProductAttention(config, query, newKeyCache, newValueCache, mask)
	return outputProjection(ctx, config, attended), newKeyCache, newValueCache
}

// CachedCrossAttention attends the decoder window over the (fixed) encoder hidden states.
//
// Cross-attention keys and values depend only on the encoder output, never on the decoder
// position: when updateIndex is non-nil (always 0, during cache construction) they are
// computed from encoderSequence and written as the whole cache; when nil, the cache is
// reused as-is and encoderSequence is not touched.
func CachedCrossAttention(ctx *context.Context, config *Config, x, encoderSequence, encoderPaddingMask, keyCache, valueCache, updateIndex *Node) (output, newKeyCache, newValueCache *Node) {
	batchSize := x.Shape().Dim(0)
	if keyCache.Shape().Dim(0) != batchSize || encoderPaddingMask.Shape().Dim(0) != batchSize {
		exceptions.Panicf("transformers: cross-attention batch sizes diverge: input=%d cache=%d encoder mask=%d",
			batchSize, keyCache.Shape().Dim(0), encoderPaddingMask.Shape().Dim(0))
	}

	query := projectHeads(ctx, config, "query", x)
	newKeyCache, newValueCache = keyCache, valueCache
	if updateIndex != nil {
		newKeyCache = projectHeads(ctx, config, "key", encoderSequence)
		newValueCache = projectHeads(ctx, config, "value", encoderSequence)
	}

	mask := ExpandAxes(encoderPaddingMask, 1, 2) // [batch, 1, 1, encoderLen]
	attended := dotProductAttention(config, query, newKeyCache, newValueCache, mask)
	return outputProjection(ctx, config, attended), newKeyCache, newValueCache
}
