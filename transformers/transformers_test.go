package transformers

import (
	"fmt"
	"testing"

	"github.com/gomlx/bart/trees"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	config, err := NewConfig(32,
		WithNumLayers(2),
		WithNumHeads(2),
		WithHiddenDim(8),
		WithIntermediateDim(16),
		WithSequenceLengths(6, 8))
	require.NoError(t, err)
	return config
}

func TestConfigValidate(t *testing.T) {
	_, err := NewConfig(0)
	require.ErrorContains(t, err, "VocabSize")

	_, err = NewConfig(100, WithNumHeads(5), WithHiddenDim(8))
	require.ErrorContains(t, err, "divisible")

	_, err = NewConfig(100, WithDType(dtypes.Int32))
	require.ErrorContains(t, err, "float")

	config, err := NewConfig(100)
	require.NoError(t, err)
	require.Equal(t, 64, config.HeadDim())
}

func TestCacheAllocation(t *testing.T) {
	config := testConfig(t)
	cache, err := NewSelfAttentionCache(config, 3, 8)
	require.NoError(t, err)

	leaves := cache.Values()
	require.Len(t, leaves, 2*config.NumLayers)
	for _, leaf := range leaves {
		require.Equal(t, []int{3, 8, config.NumHeads, config.HeadDim()},
			leaf.Shape().Dimensions)
	}

	// Canonical leaf order: layers ascending, "k" before "v" within each layer.
	var paths []string
	for path := range cache.Data.OrderedLeaves() {
		paths = append(paths, path.String())
	}
	require.Equal(t, []string{"layer_0/k", "layer_0/v", "layer_1/k", "layer_1/v"}, paths)

	_, err = NewSelfAttentionCache(config, 3, config.DecoderSeqLength+1)
	require.ErrorContains(t, err, "exceeds")
	_, err = NewCrossAttentionCache(config, 0, 4)
	require.ErrorContains(t, err, "positive")
}

// sliceColumn extracts tokens[:, col:col+1] as a new [batchSize, 1] tensor.
func sliceColumn(tokens *tensors.Tensor, col int) *tensors.Tensor {
	batchSize := tokens.Shape().Dim(0)
	length := tokens.Shape().Dim(1)
	flat := tensors.CopyFlatData[int32](tokens)
	column := make([]int32, batchSize)
	for row := range batchSize {
		column[row] = flat[row*length+col]
	}
	return tensors.FromFlatDataAndDimensions(column, batchSize, 1)
}

// logitsAt extracts logits[:, col, :] from a [batchSize, length, vocabSize] tensor.
func logitsAt(logits *tensors.Tensor, col int) []float32 {
	batchSize := logits.Shape().Dim(0)
	length := logits.Shape().Dim(1)
	vocabSize := logits.Shape().Dim(2)
	flat := tensors.CopyFlatData[float32](logits)
	out := make([]float32, 0, batchSize*vocabSize)
	for row := range batchSize {
		start := (row*length + col) * vocabSize
		out = append(out, flat[start:start+vocabSize]...)
	}
	return out
}

func TestCacheSeedingEquivalence(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config := testConfig(t)
	ctx := context.New().Checked(false)
	batchSize, encoderLen, decoderLen := 2, 5, 6
	numLeaves := 2 * config.NumLayers

	encoderTokens := tensors.FromFlatDataAndDimensions([]int32{
		4, 7, 9, 11, 2,
		5, 5, 8, 1, 2,
	}, batchSize, encoderLen)
	encoderMask := tensors.FromScalarAndDimensions(true, batchSize, encoderLen)
	decoderTokens := tensors.FromFlatDataAndDimensions([]int32{
		2, 0, 13, 17, 19, 23,
		2, 0, 3, 14, 15, 9,
	}, batchSize, decoderLen)

	selfCache, err := NewSelfAttentionCache(config, batchSize, decoderLen)
	require.NoError(t, err)
	crossCache, err := NewCrossAttentionCache(config, batchSize, encoderLen)
	require.NoError(t, err)

	// Whole prompt in one pass.
	fullExec := context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			encTokens, encMask, decTokens := inputs[0], inputs[1], inputs[2]
			selfTree := selfCache.NodesFromValues(inputs[3 : 3+numLeaves])
			crossTree := crossCache.NodesFromValues(inputs[3+numLeaves:])
			encoderHidden := Encode(ctx, config, encTokens, encMask)
			logits, _, _, _ := SeedCache(ctx, config, decTokens, encoderHidden, encMask,
				selfTree, crossTree)
			return []*Node{logits, encoderHidden}
		})
	args := []any{encoderTokens, encoderMask, decoderTokens}
	for _, leaf := range selfCache.Values() {
		args = append(args, leaf)
	}
	for _, leaf := range crossCache.Values() {
		args = append(args, leaf)
	}
	fullOutputs := fullExec.Call(args...)
	fullLogits, encoderHidden := fullOutputs[0], fullOutputs[1]

	// Same prompt, one token at a time. Every step re-seeds the cross cache from the
	// encoder hidden states, which always writes the same values.
	stepExec := context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			window, index, encHidden, encMask := inputs[0], inputs[1], inputs[2], inputs[3]
			selfTree := selfCache.NodesFromValues(inputs[4 : 4+numLeaves])
			crossTree := crossCache.NodesFromValues(inputs[4+numLeaves:])
			logits, _, newSelf, newCross := DecodeWithCache(ctx, config, window,
				encHidden, encMask, selfTree, crossTree, index, true)
			outputs := []*Node{logits}
			outputs = append(outputs, trees.ValuesAsList(newSelf)...)
			return append(outputs, trees.ValuesAsList(newCross)...)
		})

	selfLeaves := selfCache.Values()
	crossLeaves := crossCache.Values()
	for step := range decoderLen {
		stepArgs := []any{sliceColumn(decoderTokens, step), int32(step), encoderHidden, encoderMask}
		for _, leaf := range selfLeaves {
			stepArgs = append(stepArgs, leaf)
		}
		for _, leaf := range crossLeaves {
			stepArgs = append(stepArgs, leaf)
		}
		outputs := stepExec.Call(stepArgs...)
		stepLogits := outputs[0]
		selfLeaves = outputs[1 : 1+numLeaves]
		crossLeaves = outputs[1+numLeaves:]

		require.InDeltaSlicef(t, logitsAt(fullLogits, step),
			tensors.CopyFlatData[float32](stepLogits), 1e-3,
			"logits diverge between single-pass and incremental decoding at position %d", step)
	}
}

func TestDecodeStepIdempotence(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	config := testConfig(t)
	ctx := context.New().Checked(false)
	batchSize, encoderLen, decoderLen := 1, 4, 5
	numLeaves := 2 * config.NumLayers

	encoderTokens := tensors.FromFlatDataAndDimensions([]int32{3, 6, 9, 2}, batchSize, encoderLen)
	encoderMask := tensors.FromScalarAndDimensions(true, batchSize, encoderLen)
	decoderTokens := tensors.FromFlatDataAndDimensions([]int32{2, 0, 7, 11, 13}, batchSize, decoderLen)

	selfCache, err := NewSelfAttentionCache(config, batchSize, decoderLen)
	require.NoError(t, err)
	crossCache, err := NewCrossAttentionCache(config, batchSize, encoderLen)
	require.NoError(t, err)

	exec := context.NewExec(backend, ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			encTokens, encMask, decTokens := inputs[0], inputs[1], inputs[2]
			selfTree := selfCache.NodesFromValues(inputs[3 : 3+numLeaves])
			crossTree := crossCache.NodesFromValues(inputs[3+numLeaves:])
			encoderHidden := Encode(ctx, config, encTokens, encMask)
			logits, _, newSelf, newCross := SeedCache(ctx, config, decTokens,
				encoderHidden, encMask, selfTree, crossTree)
			outputs := []*Node{logits}
			outputs = append(outputs, trees.ValuesAsList(newSelf)...)
			return append(outputs, trees.ValuesAsList(newCross)...)
		})

	args := []any{encoderTokens, encoderMask, decoderTokens}
	for _, leaf := range selfCache.Values() {
		args = append(args, leaf)
	}
	for _, leaf := range crossCache.Values() {
		args = append(args, leaf)
	}
	first := exec.Call(args...)
	second := exec.Call(args...)
	require.Equal(t, tensors.CopyFlatData[float32](first[0]),
		tensors.CopyFlatData[float32](second[0]),
		"same inputs and update index must produce identical logits")
	for ii := 1; ii < len(first); ii++ {
		require.Equal(t, tensors.CopyFlatData[float32](first[ii]),
			tensors.CopyFlatData[float32](second[ii]),
			fmt.Sprintf("cache leaf %d must be rewritten with identical values", ii-1))
	}
}
