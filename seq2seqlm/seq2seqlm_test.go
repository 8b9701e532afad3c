package seq2seqlm

import (
	"iter"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/bart/samplers"
	"github.com/gomlx/bart/transformers"
)

// charTokenizer is a minimal Preprocessor over a character vocabulary: the four
// special ids follow the usual convention, then "a".."z" and the space. It keeps the
// tests independent of any tokenizer model file.
type charTokenizer struct {
	noEndToken bool
}

const (
	testStartID   = 0
	testPadID     = 1
	testEndID     = 2
	testUnknownID = 3
	testCharBase  = 4
	testSpaceID   = testCharBase + 26
	testVocabSize = testCharBase + 27
)

func (p *charTokenizer) encodeChars(s string) []int32 {
	ids := make([]int32, 0, len(s))
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
			ids = append(ids, testCharBase+int32(c-'a'))
		case c == ' ':
			ids = append(ids, testSpaceID)
		default:
			ids = append(ids, testUnknownID)
		}
	}
	return ids
}

func (p *charTokenizer) GeneratePreprocess(inputs []Input, encoderLength, decoderLength int) (*Batch, error) {
	encoder := make([][]int32, len(inputs))
	decoder := make([][]int32, len(inputs))
	for ii, input := range inputs {
		enc := append([]int32{testStartID}, p.encodeChars(input.EncoderText)...)
		enc = append(enc, testEndID)
		if len(enc) > encoderLength {
			enc = append(enc[:encoderLength-1], testEndID)
		}
		encoder[ii] = enc
		dec := append([]int32{testEndID, testStartID}, p.encodeChars(input.DecoderText)...)
		if len(dec) > decoderLength {
			dec = dec[:decoderLength]
		}
		decoder[ii] = dec
	}
	encTokens, encMask := packTestRows(encoder, encoderLength)
	decTokens, decMask := packTestRows(decoder, decoderLength)
	return &Batch{
		EncoderTokenIDs:    encTokens,
		EncoderPaddingMask: encMask,
		DecoderTokenIDs:    decTokens,
		DecoderPaddingMask: decMask,
	}, nil
}

func (p *charTokenizer) GeneratePostprocess(tokenIDs, paddingMask *tensors.Tensor) ([]string, error) {
	batchSize := tokenIDs.Shape().Dim(0)
	length := tokenIDs.Shape().Dim(1)
	ids := tensors.CopyFlatData[int32](tokenIDs)
	mask := tensors.CopyFlatData[bool](paddingMask)
	texts := make([]string, batchSize)
	for row := range batchSize {
		var chars []byte
		for col := range length {
			pos := row*length + col
			if !mask[pos] || ids[pos] < testCharBase {
				continue
			}
			if ids[pos] == testSpaceID {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, byte('a'+ids[pos]-testCharBase))
			}
		}
		texts[row] = string(chars)
	}
	return texts, nil
}

func (p *charTokenizer) EndTokenID() (int, bool) {
	if p.noEndToken {
		return -1, false
	}
	return testEndID, true
}

func packTestRows(rows [][]int32, length int) (tokens, mask *tensors.Tensor) {
	batchSize := len(rows)
	flatTokens := make([]int32, batchSize*length)
	flatMask := make([]bool, batchSize*length)
	for row, ids := range rows {
		for col := range length {
			if col < len(ids) {
				flatTokens[row*length+col] = ids[col]
				flatMask[row*length+col] = true
			} else {
				flatTokens[row*length+col] = testPadID
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flatTokens, batchSize, length),
		tensors.FromFlatDataAndDimensions(flatMask, batchSize, length)
}

func newTestConfig(t *testing.T) *transformers.Config {
	t.Helper()
	config, err := transformers.NewConfig(testVocabSize,
		transformers.WithNumLayers(2),
		transformers.WithNumHeads(2),
		transformers.WithHiddenDim(8),
		transformers.WithIntermediateDim(16),
		transformers.WithSequenceLengths(16, 12))
	require.NoError(t, err)
	return config
}

// newTestModel builds a tiny model with randomly initialized weights. The outputs
// are meaningless text, but the generation machinery is exercised end to end.
func newTestModel(t *testing.T, options ...Option) *Seq2SeqLM {
	t.Helper()
	options = append([]Option{WithPreprocessor(&charTokenizer{})}, options...)
	m, err := New(graphtest.BuildTestBackend(), newTestConfig(t), options...)
	require.NoError(t, err)
	return m
}

func TestGenerateStepPreservesPrompt(t *testing.T) {
	m := newTestModel(t)
	batch, err := (&charTokenizer{}).GeneratePreprocess(
		[]Input{{EncoderText: "the quick brown fox", DecoderText: "the fast"}}, 16, 12)
	require.NoError(t, err)

	tokens, mask, err := m.GenerateStep(batch)
	require.NoError(t, err)
	require.Equal(t, []int{1, 12}, tokens.Shape().Dimensions)
	require.Equal(t, []int{1, 12}, mask.Shape().Dimensions)

	promptIDs := tensors.CopyFlatData[int32](batch.DecoderTokenIDs)
	promptMask := tensors.CopyFlatData[bool](batch.DecoderPaddingMask)
	outIDs := tensors.CopyFlatData[int32](tokens)
	outMask := tensors.CopyFlatData[bool](mask)
	for pos := range promptIDs {
		if !promptMask[pos] {
			continue
		}
		require.Equalf(t, promptIDs[pos], outIDs[pos], "prompt token at position %d was overwritten", pos)
		require.Truef(t, outMask[pos], "prompt position %d was masked out", pos)
	}

	// The output mask is monotonic: once false, false to the end of the row.
	for pos := 1; pos < len(outMask); pos++ {
		if !outMask[pos-1] {
			require.Falsef(t, outMask[pos], "mask flipped back to true at position %d", pos)
		}
	}
}

func TestGenerateStepHeterogeneousPrompts(t *testing.T) {
	m := newTestModel(t)
	batch, err := (&charTokenizer{}).GeneratePreprocess([]Input{
		{EncoderText: "one", DecoderText: ""},
		{EncoderText: "two", DecoderText: "abcd"},
	}, 16, 12)
	require.NoError(t, err)

	index, err := startIndex(batch.DecoderPaddingMask)
	require.NoError(t, err)
	require.Equal(t, 2, index, "generation starts at the shortest prompt length")

	tokens, _, err := m.GenerateStep(batch)
	require.NoError(t, err)
	outIDs := tensors.CopyFlatData[int32](tokens)
	// Row 1's longer prompt survives the replayed positions 2..5.
	for col, want := range []int32{testEndID, testStartID,
		testCharBase + 0, testCharBase + 1, testCharBase + 2, testCharBase + 3} {
		require.Equalf(t, want, outIDs[12+col], "row 1 prompt token at position %d", col)
	}
}

func TestStartIndex(t *testing.T) {
	mask := tensors.FromFlatDataAndDimensions([]bool{
		true, true, false, false,
		true, true, true, false,
	}, 2, 4)
	index, err := startIndex(mask)
	require.NoError(t, err)
	require.Equal(t, 2, index)

	mask = tensors.FromFlatDataAndDimensions([]bool{false, false, false, false}, 1, 4)
	_, err = startIndex(mask)
	require.ErrorContains(t, err, "at least its start token")
}

func TestOutputMask(t *testing.T) {
	m := newTestModel(t)
	tokens := tensors.FromFlatDataAndDimensions([]int32{
		testEndID, testStartID, 5, testEndID, 7, testEndID,
	}, 1, 6)
	original := tensors.FromFlatDataAndDimensions([]bool{
		true, true, false, false, false, false,
	}, 1, 6)
	mask, err := m.outputMask(tokens, original)
	require.NoError(t, err)
	// Valid through the first end token generated outside the prompt, inclusive.
	require.Equal(t, []bool{true, true, true, true, false, false},
		tensors.CopyFlatData[bool](mask))

	// Without an end token the whole buffer stays valid.
	m = newTestModel(t, WithPreprocessor(&charTokenizer{noEndToken: true}))
	mask, err = m.outputMask(tokens, original)
	require.NoError(t, err)
	require.Equal(t, []bool{true, true, true, true, true, true},
		tensors.CopyFlatData[bool](mask))
}

func TestBatchValidate(t *testing.T) {
	config := newTestConfig(t)
	fresh := func() *Batch {
		batch, err := (&charTokenizer{}).GeneratePreprocess(
			[]Input{{EncoderText: "abc"}}, 16, 12)
		require.NoError(t, err)
		return batch
	}
	require.NoError(t, fresh().validate(config))

	require.ErrorContains(t, (&Batch{}).validate(config), "all four tensors")

	batch := fresh()
	batch.DecoderTokenIDs = tensors.FromScalarAndDimensions(float32(0), 1, 12)
	require.ErrorContains(t, batch.validate(config), "must be int32")

	batch = fresh()
	batch.EncoderTokenIDs = tensors.FromScalarAndDimensions(int32(0), 1, 20)
	batch.EncoderPaddingMask = tensors.FromScalarAndDimensions(true, 1, 20)
	require.ErrorContains(t, batch.validate(config), "exceeds the configured maximum")

	batch = fresh()
	batch.DecoderTokenIDs = tensors.FromScalarAndDimensions(int32(0), 2, 12)
	batch.DecoderPaddingMask = tensors.FromScalarAndDimensions(true, 2, 12)
	require.ErrorContains(t, batch.validate(config), "batch size")

	batch = fresh()
	batch.EncoderPaddingMask = tensors.FromScalarAndDimensions(int32(1), 1, 16)
	require.ErrorContains(t, batch.validate(config), "padding mask must be bool")
}

func TestGenerateInputShapes(t *testing.T) {
	m := newTestModel(t)

	out, err := m.Generate("hello", 8)
	require.NoError(t, err)
	_, ok := out.(string)
	require.True(t, ok, "a scalar input returns a scalar output, got %T", out)

	out, err = m.Generate([]string{"ab", "cde"}, 8)
	require.NoError(t, err)
	require.Len(t, out.([]string), 2)

	seq := iter.Seq[[]string](func(yield func([]string) bool) {
		if !yield([]string{"abc"}) {
			return
		}
		yield([]string{"de", "fgh"})
	})
	out, err = m.Generate(seq, 8)
	require.NoError(t, err)
	require.Len(t, out.([]string), 3)

	_, err = m.Generate(42, 8)
	require.ErrorContains(t, err, "unsupported input type")

	_, err = m.Generate("hello", 99)
	require.ErrorContains(t, err, "out of range")
}

func TestGenerateBatchStream(t *testing.T) {
	m := newTestModel(t)
	tokenizer := &charTokenizer{}
	seq := iter.Seq[*Batch](func(yield func(*Batch) bool) {
		for _, text := range []string{"abc", "def"} {
			batch, err := tokenizer.GeneratePreprocess([]Input{{EncoderText: text}}, 16, 12)
			require.NoError(t, err)
			if !yield(batch) {
				return
			}
		}
	})
	out, err := m.Generate(seq, 0)
	require.NoError(t, err)
	generated := out.(*Generated)
	require.Equal(t, []int{2, 12}, generated.TokenIDs.Shape().Dimensions)
	require.Equal(t, []int{2, 12}, generated.PaddingMask.Shape().Dimensions)
	require.Equal(t, dtypes.Bool, generated.PaddingMask.DType())
}

func TestSetSamplerDiscardsCompiledHandles(t *testing.T) {
	m := newTestModel(t)
	_, err := m.GenerateText("abc")
	require.NoError(t, err)
	require.NotNil(t, m.seedExec)
	require.NotNil(t, m.maskExec)

	m.SetSampler(samplers.NewTopK(3, 1.0, 42))
	require.Nil(t, m.seedExec)
	require.Nil(t, m.maskExec)

	_, err = m.GenerateText("abc")
	require.NoError(t, err)
}

func TestGenerateRequiresPreprocessor(t *testing.T) {
	m, err := New(graphtest.BuildTestBackend(), newTestConfig(t))
	require.NoError(t, err)
	_, err = m.GenerateText("abc")
	require.ErrorContains(t, err, "requires a Preprocessor")
}
